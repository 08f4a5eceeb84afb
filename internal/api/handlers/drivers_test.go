package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/basaltfleet/basalt/internal/hashring"
	"github.com/basaltfleet/basalt/internal/models"
	"github.com/basaltfleet/basalt/internal/routing"
)

func TestListDriversResolvesConductors(t *testing.T) {
	table := hashring.NewTable(8)
	table.Rebuild([]*models.Conductor{
		{Hostname: "alpha", Drivers: []string{"fake"}},
	}, 1)
	rt := routing.NewRouter(routing.Config{
		LocalHost: "alpha",
		Table:     table,
		Mailboxes: routing.NewMailboxes(),
	}, nil)

	h := NewDriverHandler(table, rt, nil)
	r := chi.NewRouter()
	r.Get("/v1/drivers", h.List)

	req := httptest.NewRequest(http.MethodGet, "/v1/drivers", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var views []*DriverView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 || views[0].Name != "fake" || views[0].Conductor != "alpha" {
		t.Fatalf("views = %+v", views)
	}
}
