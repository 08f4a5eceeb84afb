package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/basaltfleet/basalt/internal/models"
	"github.com/basaltfleet/basalt/internal/routing"
)

// DispatchHandler receives operations forwarded by peer conductors and the
// administrative API, and feeds them into the local conductor's mailbox.
type DispatchHandler struct {
	hostname  string
	mailboxes *routing.Mailboxes
	timeout   time.Duration
	logger    *slog.Logger
}

// NewDispatchHandler creates the peer dispatch handler for hostname.
func NewDispatchHandler(hostname string, mailboxes *routing.Mailboxes, timeout time.Duration, logger *slog.Logger) *DispatchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DispatchHandler{
		hostname:  hostname,
		mailboxes: mailboxes,
		timeout:   timeout,
		logger:    logger,
	}
}

// Dispatch handles POST /v1/dispatch.
func (h *DispatchHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var op models.Operation
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		WriteBadRequest(w, "Invalid operation body")
		return
	}
	if op.NodeID == "" || op.Driver == "" || !op.Kind.Valid() {
		WriteBadRequest(w, "Operation is missing node, driver, or kind")
		return
	}

	if err := h.mailboxes.Deliver(r.Context(), h.hostname, &op, h.timeout); err != nil {
		h.logger.Error("mailbox delivery failed",
			"error", err,
			"operation_id", op.ID,
			"node_id", op.NodeID,
		)
		WriteInternalError(w, "Failed to queue operation")
		return
	}

	h.logger.Debug("operation queued",
		"operation_id", op.ID,
		"node_id", op.NodeID,
		"source", op.SourceHost,
	)
	WriteJSON(w, http.StatusAccepted, map[string]string{"operation_id": op.ID})
}
