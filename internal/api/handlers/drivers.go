package handlers

import (
	"log/slog"
	"net/http"

	"github.com/basaltfleet/basalt/internal/hashring"
	"github.com/basaltfleet/basalt/internal/routing"
)

// DriverHandler reports which driver variants the live conductor set can
// service.
type DriverHandler struct {
	table  *hashring.Table
	router *routing.Router
	logger *slog.Logger
}

// NewDriverHandler creates a driver handler over the live ring table.
func NewDriverHandler(table *hashring.Table, router *routing.Router, logger *slog.Logger) *DriverHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DriverHandler{
		table:  table,
		router: router,
		logger: logger,
	}
}

// DriverView is one servable driver and a conductor that can take
// driver-scoped work for it.
type DriverView struct {
	Name      string `json:"name"`
	Conductor string `json:"conductor,omitempty"`
}

// List handles GET /v1/drivers.
func (h *DriverHandler) List(w http.ResponseWriter, r *http.Request) {
	names := h.table.Drivers()
	views := make([]*DriverView, 0, len(names))
	for _, name := range names {
		v := &DriverView{Name: name}
		if dest, err := h.router.RouteDriver(name); err == nil {
			v.Conductor = dest.Hostname
		}
		views = append(views, v)
	}
	WriteJSON(w, http.StatusOK, views)
}
