package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/basaltfleet/basalt/internal/hashring"
	"github.com/basaltfleet/basalt/internal/models"
	"github.com/basaltfleet/basalt/internal/routing"
	"github.com/basaltfleet/basalt/internal/store"
)

type fakeStore struct {
	conductors *fakeConductorStore
	nodes      *fakeNodeStore
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conductors: &fakeConductorStore{},
		nodes:      &fakeNodeStore{nodes: make(map[string]*models.Node)},
	}
}

func (s *fakeStore) Conductors() store.ConductorStore { return s.conductors }
func (s *fakeStore) Nodes() store.NodeStore           { return s.nodes }
func (s *fakeStore) Close() error                     { return nil }

type fakeConductorStore struct {
	mu      sync.Mutex
	records []*models.Conductor
}

func (s *fakeConductorStore) Upsert(_ context.Context, c *models.Conductor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.records {
		if r.Hostname == c.Hostname {
			s.records[i] = c
			return nil
		}
	}
	s.records = append(s.records, c)
	return nil
}

func (s *fakeConductorStore) Touch(_ context.Context, hostname string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.Hostname == hostname {
			r.LastHeartbeat = at
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *fakeConductorStore) List(context.Context) ([]*models.Conductor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Conductor, len(s.records))
	copy(out, s.records)
	return out, nil
}

func (s *fakeConductorStore) Delete(_ context.Context, hostname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.records {
		if r.Hostname == hostname {
			s.records = append(s.records[:i], s.records[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

type fakeNodeStore struct {
	mu    sync.Mutex
	nodes map[string]*models.Node
}

func (s *fakeNodeStore) Create(_ context.Context, n *models.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.nodes[n.ID] = &cp
	return nil
}

func (s *fakeNodeStore) Get(_ context.Context, id string) (*models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (s *fakeNodeStore) List(context.Context) ([]*models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Node
	for _, n := range s.nodes {
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeNodeStore) ListByDriver(_ context.Context, driver string) ([]*models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Node
	for _, n := range s.nodes {
		if n.Driver == driver {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeNodeStore) Update(_ context.Context, n *models.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[n.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *n
	s.nodes[n.ID] = &cp
	return nil
}

func (s *fakeNodeStore) SetAttention(_ context.Context, id string, needs bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return store.ErrNotFound
	}
	n.NeedsAttention = needs
	n.AttentionReason = reason
	return nil
}

func (s *fakeNodeStore) SetTransitioning(_ context.Context, id string, transitioning bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return store.ErrNotFound
	}
	n.Transitioning = transitioning
	return nil
}

// testEnv wires a node handler against a single live conductor "alpha"
// supporting the fake driver, with an open local mailbox.
type testEnv struct {
	store  *fakeStore
	inbox  <-chan *models.Operation
	router chi.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := newFakeStore()
	table := hashring.NewTable(8)
	table.Rebuild([]*models.Conductor{
		{Hostname: "alpha", Drivers: []string{"fake"}},
	}, 1)

	mailboxes := routing.NewMailboxes()
	inbox := mailboxes.Open("alpha", 8)

	rt := routing.NewRouter(routing.Config{
		LocalHost:       "alpha",
		Table:           table,
		Mailboxes:       mailboxes,
		DispatchTimeout: time.Second,
	}, nil)

	h := NewNodeHandler(st, rt, nil, nil)

	r := chi.NewRouter()
	r.Route("/v1/nodes", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Route("/{nodeID}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Patch("/", h.Update)
			r.Post("/ops", h.SubmitOperation)
		})
	})

	return &testEnv{store: st, inbox: inbox, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestCreateNodeRedactsCredentials(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/nodes", &CreateNodeRequest{
		Name:   "node-0001",
		Driver: "fake",
		DriverInfo: map[string]string{
			"ipmi_address":  "10.0.0.5",
			"ipmi_password": "hunter2",
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var view NodeView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.ProvisionState != models.StateEnrolling {
		t.Errorf("state = %s, want %s", view.ProvisionState, models.StateEnrolling)
	}
	if view.Owner != "alpha" {
		t.Errorf("owner = %q, want alpha", view.Owner)
	}
	if view.DriverInfo["ipmi_password"] != redactedValue {
		t.Errorf("password not redacted: %q", view.DriverInfo["ipmi_password"])
	}
	if view.DriverInfo["ipmi_address"] != "10.0.0.5" {
		t.Errorf("address mangled: %q", view.DriverInfo["ipmi_address"])
	}
}

func TestCreateNodeValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/nodes", &CreateNodeRequest{Driver: "fake"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetUnknownNode(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/nodes/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	var apiErr struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &apiErr); err != nil {
		t.Fatal(err)
	}
	if apiErr.Code != "NOT_FOUND" {
		t.Errorf("code = %q", apiErr.Code)
	}
}

func TestSubmitOperationQueuesToOwnerMailbox(t *testing.T) {
	env := newTestEnv(t)
	env.store.nodes.Create(context.Background(), &models.Node{
		ID:             "n1",
		Name:           "node-0001",
		Driver:         "fake",
		ProvisionState: models.StateAvailable,
	})

	rec := env.do(t, http.MethodPost, "/v1/nodes/n1/ops", &OperationRequest{Kind: models.OpPowerOn})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp OperationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Conductor != "alpha" {
		t.Errorf("conductor = %q", resp.Conductor)
	}

	select {
	case op := <-env.inbox:
		if op.ID != resp.OperationID || op.NodeID != "n1" || op.Kind != models.OpPowerOn {
			t.Errorf("queued op = %+v", op)
		}
	case <-time.After(time.Second):
		t.Fatal("operation never reached the mailbox")
	}
}

func TestSubmitOperationUnknownKind(t *testing.T) {
	env := newTestEnv(t)
	env.store.nodes.Create(context.Background(), &models.Node{
		ID: "n1", Name: "node-0001", Driver: "fake",
	})

	rec := env.do(t, http.MethodPost, "/v1/nodes/n1/ops", map[string]string{"kind": "defragment"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSubmitOperationNoEligibleConductor(t *testing.T) {
	env := newTestEnv(t)
	env.store.nodes.Create(context.Background(), &models.Node{
		ID: "n1", Name: "node-0001", Driver: "ipmi",
	})

	rec := env.do(t, http.MethodPost, "/v1/nodes/n1/ops", &OperationRequest{Kind: models.OpPowerOn})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var apiErr struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &apiErr); err != nil {
		t.Fatal(err)
	}
	if apiErr.Code != "NO_ELIGIBLE_CONDUCTOR" {
		t.Errorf("code = %q", apiErr.Code)
	}
}

func TestSubmitOperationMaintenanceNode(t *testing.T) {
	env := newTestEnv(t)
	env.store.nodes.Create(context.Background(), &models.Node{
		ID: "n1", Name: "node-0001", Driver: "fake", Maintenance: true,
	})

	rec := env.do(t, http.MethodPost, "/v1/nodes/n1/ops", &OperationRequest{Kind: models.OpPowerOn})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUpdateNodeMaintenance(t *testing.T) {
	env := newTestEnv(t)
	env.store.nodes.Create(context.Background(), &models.Node{
		ID: "n1", Name: "node-0001", Driver: "fake",
	})

	on := true
	rec := env.do(t, http.MethodPatch, "/v1/nodes/n1", &UpdateNodeRequest{Maintenance: &on})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	n, err := env.store.nodes.Get(context.Background(), "n1")
	if err != nil {
		t.Fatal(err)
	}
	if !n.Maintenance {
		t.Error("maintenance flag not persisted")
	}
}

func TestDispatchQueuesOperation(t *testing.T) {
	mailboxes := routing.NewMailboxes()
	inbox := mailboxes.Open("alpha", 8)
	h := NewDispatchHandler("alpha", mailboxes, time.Second, nil)

	r := chi.NewRouter()
	r.Post("/v1/dispatch", h.Dispatch)

	op := models.NewOperation("n1", "fake", models.OpReboot, nil)
	body, _ := json.Marshal(op)
	req := httptest.NewRequest(http.MethodPost, "/v1/dispatch", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	select {
	case got := <-inbox:
		if got.ID != op.ID || got.Kind != models.OpReboot {
			t.Errorf("queued op = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("operation never reached the mailbox")
	}
}

func TestDispatchRejectsInvalidOperation(t *testing.T) {
	mailboxes := routing.NewMailboxes()
	mailboxes.Open("alpha", 8)
	h := NewDispatchHandler("alpha", mailboxes, time.Second, nil)

	r := chi.NewRouter()
	r.Post("/v1/dispatch", h.Dispatch)

	req := httptest.NewRequest(http.MethodPost, "/v1/dispatch", bytes.NewReader([]byte(`{"node_id":""}`)))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}
