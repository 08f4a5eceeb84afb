package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/basaltfleet/basalt/internal/auth"
	"github.com/basaltfleet/basalt/internal/capability"
	"github.com/basaltfleet/basalt/internal/hashring"
	"github.com/basaltfleet/basalt/internal/models"
	"github.com/basaltfleet/basalt/internal/routing"
	"github.com/basaltfleet/basalt/internal/store"
	"github.com/basaltfleet/basalt/pkg/config"
)

type stubStore struct {
	mu         sync.Mutex
	conductors []*models.Conductor
	nodes      map[string]*models.Node
}

func (s *stubStore) Conductors() store.ConductorStore { return (*stubConductors)(s) }
func (s *stubStore) Nodes() store.NodeStore           { return (*stubNodes)(s) }
func (s *stubStore) Close() error                     { return nil }

type stubConductors stubStore

func (s *stubConductors) Upsert(_ context.Context, c *models.Conductor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conductors = append(s.conductors, c)
	return nil
}
func (s *stubConductors) Touch(context.Context, string, time.Time) error { return nil }
func (s *stubConductors) List(context.Context) ([]*models.Conductor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Conductor, len(s.conductors))
	copy(out, s.conductors)
	return out, nil
}
func (s *stubConductors) Delete(context.Context, string) error { return nil }

type stubNodes stubStore

func (s *stubNodes) Create(_ context.Context, n *models.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.ID] = n
	return nil
}
func (s *stubNodes) Get(_ context.Context, id string) (*models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		return n, nil
	}
	return nil, store.ErrNotFound
}
func (s *stubNodes) List(context.Context) ([]*models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	return out, nil
}
func (s *stubNodes) ListByDriver(context.Context, string) ([]*models.Node, error) {
	return nil, nil
}
func (s *stubNodes) Update(context.Context, *models.Node) error { return nil }
func (s *stubNodes) SetAttention(context.Context, string, bool, string) error {
	return nil
}
func (s *stubNodes) SetTransitioning(context.Context, string, bool) error { return nil }

func testServer(t *testing.T) (*Server, *auth.Service) {
	t.Helper()

	cfg := &config.Config{
		APIHost:       "127.0.0.1",
		APIPort:       0,
		ConductorPort: 0,
		Coordination: config.CoordinationConfig{
			HeartbeatInterval: 10 * time.Second,
			ExpiryMultiplier:  3,
			DispatchTimeout:   time.Second,
		},
	}

	authSvc := auth.NewService(auth.Config{
		Secret:      []byte("0123456789abcdef0123456789abcdef"),
		TokenExpiry: time.Hour,
	}, nil)

	st := &stubStore{nodes: make(map[string]*models.Node)}
	table := hashring.NewTable(8)
	mailboxes := routing.NewMailboxes()
	rt := routing.NewRouter(routing.Config{
		LocalHost: "alpha",
		Table:     table,
		Mailboxes: mailboxes,
	}, nil)

	registry := capability.NewRegistry()
	if err := registry.Register(capability.NewFakeVariant(nil)); err != nil {
		t.Fatal(err)
	}

	srv := NewServer(cfg, Options{
		Store:    st,
		Router:   rt,
		Table:    table,
		Registry: registry,
		Auth:     authSvc,
	})
	return srv, authSvc
}

func TestHealthzRequiresNoAuth(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestV1RoutesRejectMissingToken(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/nodes", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestV1RoutesAcceptValidToken(t *testing.T) {
	srv, authSvc := testServer(t)

	token, err := authSvc.GenerateToken("operator", auth.RoleAdmin)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/nodes", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestPeerServerDispatchRoundTrip(t *testing.T) {
	cfg := &config.Config{
		APIHost:       "127.0.0.1",
		ConductorPort: 0,
		Coordination:  config.CoordinationConfig{DispatchTimeout: time.Second},
	}
	authSvc := auth.NewService(auth.Config{
		Secret:      []byte("0123456789abcdef0123456789abcdef"),
		TokenExpiry: time.Hour,
	}, nil)

	mailboxes := routing.NewMailboxes()
	inbox := mailboxes.Open("alpha", 8)
	srv := NewPeerServer(cfg, "alpha", mailboxes, authSvc, nil)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	token, err := authSvc.GenerateToken("bravo", auth.RoleConductor)
	if err != nil {
		t.Fatal(err)
	}

	// Reuse the production transport against the test server's port.
	var port int
	if _, err := fmt.Sscanf(ts.Listener.Addr().String(), "127.0.0.1:%d", &port); err != nil {
		t.Fatal(err)
	}
	transport := routing.NewHTTPTransport(port, token, time.Second)

	op := models.NewOperation("n1", "fake", models.OpPowerOn, nil)
	if err := transport.Deliver(context.Background(), "127.0.0.1", op); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-inbox:
		if got.ID != op.ID {
			t.Errorf("delivered op ID = %q, want %q", got.ID, op.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("operation never reached the mailbox")
	}
}
