package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/basaltfleet/basalt/internal/models"
	"github.com/basaltfleet/basalt/internal/store"
)

// ConductorHandler handles conductor-related HTTP requests.
type ConductorHandler struct {
	store  store.Store
	expiry time.Duration
	logger *slog.Logger
}

// NewConductorHandler creates a conductor handler. expiry is the heartbeat
// threshold beyond which a conductor is reported as down.
func NewConductorHandler(st store.Store, expiry time.Duration, logger *slog.Logger) *ConductorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConductorHandler{
		store:  st,
		expiry: expiry,
		logger: logger,
	}
}

// ConductorView is a conductor record with its computed liveness.
type ConductorView struct {
	*models.Conductor
	Alive bool `json:"alive"`
}

// List handles GET /v1/conductors.
func (h *ConductorHandler) List(w http.ResponseWriter, r *http.Request) {
	conductors, err := h.store.Conductors().List(r.Context())
	if err != nil {
		h.logger.Error("failed to list conductors", "error", err)
		WriteInternalError(w, "Failed to list conductors")
		return
	}

	cutoff := time.Now().Add(-h.expiry)
	views := make([]*ConductorView, 0, len(conductors))
	for _, c := range conductors {
		views = append(views, &ConductorView{
			Conductor: c,
			Alive:     c.LastHeartbeat.After(cutoff),
		})
	}
	WriteJSON(w, http.StatusOK, views)
}
