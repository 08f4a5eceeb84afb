package routing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/basaltfleet/basalt/internal/hashring"
	"github.com/basaltfleet/basalt/internal/models"
)

func ringTable(replicas int, version uint64, hostnames ...string) *hashring.Table {
	conductors := make([]*models.Conductor, 0, len(hostnames))
	for _, h := range hostnames {
		conductors = append(conductors, &models.Conductor{Hostname: h, Drivers: []string{"ipmi"}})
	}
	table := hashring.NewTable(replicas)
	table.Rebuild(conductors, version)
	return table
}

// keyOwnedBy finds a node key the given conductor owns under the table.
func keyOwnedBy(t *testing.T, table *hashring.Table, host string) string {
	t.Helper()
	for i := 0; i < 10000; i++ {
		key := fmt.Sprintf("node-%04d", i)
		owner, err := table.Owner("ipmi", key)
		if err != nil {
			t.Fatal(err)
		}
		if owner == host {
			return key
		}
	}
	t.Fatalf("no key owned by %s", host)
	return ""
}

func TestRouteLocalShortCircuit(t *testing.T) {
	table := ringTable(8, 1, "alpha", "bravo")
	router := NewRouter(Config{
		LocalHost: "alpha",
		Table:     table,
		Mailboxes: NewMailboxes(),
	}, nil)

	key := keyOwnedBy(t, table, "alpha")
	dest, err := router.Route(key, "ipmi")
	if err != nil {
		t.Fatal(err)
	}
	if !dest.Local || !router.IsLocal(dest) {
		t.Fatalf("destination %+v should be local", dest)
	}

	key = keyOwnedBy(t, table, "bravo")
	dest, err = router.Route(key, "ipmi")
	if err != nil {
		t.Fatal(err)
	}
	if dest.Local {
		t.Fatalf("destination %+v should be remote", dest)
	}
}

func TestRouteNoEligibleOwner(t *testing.T) {
	router := NewRouter(Config{
		LocalHost: "alpha",
		Table:     ringTable(8, 1, "alpha"),
		Mailboxes: NewMailboxes(),
	}, nil)

	if _, err := router.Route("node-0001", "redfish"); !errors.Is(err, hashring.ErrNoEligibleOwner) {
		t.Fatalf("expected ErrNoEligibleOwner, got %v", err)
	}
	if _, err := router.RouteDriver("redfish"); !errors.Is(err, hashring.ErrNoEligibleOwner) {
		t.Fatalf("expected ErrNoEligibleOwner from RouteDriver, got %v", err)
	}
}

func TestLocalDispatchDelivers(t *testing.T) {
	mailboxes := NewMailboxes()
	inbox := mailboxes.Open("alpha", 4)
	table := ringTable(8, 1, "alpha")
	router := NewRouter(Config{
		LocalHost:       "alpha",
		Table:           table,
		Mailboxes:       mailboxes,
		DispatchTimeout: 100 * time.Millisecond,
	}, nil)

	op := models.NewOperation(keyOwnedBy(t, table, "alpha"), "ipmi", models.OpPowerOn, nil)
	dest, err := router.Submit(context.Background(), op)
	if err != nil {
		t.Fatal(err)
	}
	if !dest.Local {
		t.Fatalf("expected local destination, got %+v", dest)
	}

	select {
	case got := <-inbox:
		if got.ID != op.ID {
			t.Fatalf("mailbox delivered %q, want %q", got.ID, op.ID)
		}
	default:
		t.Fatal("operation not in mailbox")
	}
}

func TestDispatchTimeoutOnFullMailbox(t *testing.T) {
	mailboxes := NewMailboxes()
	mailboxes.Open("alpha", 0) // unbuffered with no consumer

	err := mailboxes.Deliver(context.Background(), "alpha",
		models.NewOperation("node-0001", "ipmi", models.OpPowerOn, nil),
		20*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout delivering to a full mailbox")
	}
}

// failingTransport fails every delivery.
type failingTransport struct{ attempts int }

func (f *failingTransport) Deliver(context.Context, string, *models.Operation) error {
	f.attempts++
	return errors.New("connection refused")
}

func TestSubmitRetriesAgainstRefreshedSnapshot(t *testing.T) {
	table := ringTable(8, 1, "alpha", "bravo")
	mailboxes := NewMailboxes()
	mailboxes.Open("alpha", 4)
	transport := &failingTransport{}

	refreshed := false
	router := NewRouter(Config{
		LocalHost: "alpha",
		Table:     table,
		Mailboxes: mailboxes,
		Transport: transport,
		Refresh: func(context.Context) error {
			// The refreshed snapshot has reaped bravo.
			refreshed = true
			table.Rebuild([]*models.Conductor{
				{Hostname: "alpha", Drivers: []string{"ipmi"}},
			}, 2)
			return nil
		},
		DispatchTimeout: 50 * time.Millisecond,
	}, nil)

	op := models.NewOperation(keyOwnedBy(t, table, "bravo"), "ipmi", models.OpReboot, nil)
	dest, err := router.Submit(context.Background(), op)
	if err != nil {
		t.Fatalf("submit after refresh should succeed, got %v", err)
	}
	if !refreshed {
		t.Fatal("refresh was not invoked")
	}
	if dest.Hostname != "alpha" || !dest.Local {
		t.Fatalf("retry should land on alpha, got %+v", dest)
	}
	if transport.attempts != 1 {
		t.Fatalf("transport attempts = %d, want 1", transport.attempts)
	}
}

func TestSubmitSurfacesRoutingFailure(t *testing.T) {
	table := ringTable(8, 1, "alpha", "bravo")
	router := NewRouter(Config{
		LocalHost: "alpha",
		Table:     table,
		Mailboxes: NewMailboxes(),
		Transport: &failingTransport{},
		Refresh:   func(context.Context) error { return nil },
	}, nil)

	op := models.NewOperation(keyOwnedBy(t, table, "bravo"), "ipmi", models.OpReboot, nil)
	if _, err := router.Submit(context.Background(), op); !errors.Is(err, ErrRoutingFailure) {
		t.Fatalf("expected ErrRoutingFailure, got %v", err)
	}
}

func TestMailboxNameDerivedFromIdentity(t *testing.T) {
	if got := MailboxName("cond-1.rack2"); got != "conductor.cond-1.rack2" {
		t.Fatalf("MailboxName = %q", got)
	}
}

func TestHTTPTransportDeliver(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}

	transport := NewHTTPTransport(port, "secret-token", time.Second)
	op := models.NewOperation("node-0001", "ipmi", models.OpPowerOn, nil)
	if err := transport.Deliver(context.Background(), u.Hostname(), op); err != nil {
		t.Fatal(err)
	}
	if gotPath != "/v1/dispatch" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("auth header = %q", gotAuth)
	}
}

func TestHTTPTransportRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such node", http.StatusNotFound)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())

	transport := NewHTTPTransport(port, "", time.Second)
	op := models.NewOperation("node-0001", "ipmi", models.OpPowerOn, nil)
	if err := transport.Deliver(context.Background(), u.Hostname(), op); err == nil {
		t.Fatal("expected rejection error")
	}
}
