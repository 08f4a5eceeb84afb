package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/basaltfleet/basalt/internal/capability"
	"github.com/basaltfleet/basalt/internal/store"
)

// ConsoleHandler bridges a node's serial console onto a websocket.
type ConsoleHandler struct {
	store    store.Store
	registry *capability.Registry
	logger   *slog.Logger
}

// NewConsoleHandler creates a console handler backed by registry's driver
// console capabilities.
func NewConsoleHandler(st store.Store, registry *capability.Registry, logger *slog.Logger) *ConsoleHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleHandler{
		store:    st,
		registry: registry,
		logger:   logger,
	}
}

// Connect handles GET /v1/nodes/{nodeID}/console.
func (h *ConsoleHandler) Connect(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	node, err := h.store.Nodes().Get(r.Context(), nodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "Node not found")
			return
		}
		h.logger.Error("failed to load node", "error", err, "node_id", nodeID)
		WriteInternalError(w, "Failed to load node")
		return
	}

	variant, ok := h.registry.Variant(node.Driver)
	if !ok {
		WriteBadRequest(w, "Driver not available on this host")
		return
	}
	console, ok := variant.Console()
	if !ok {
		WriteBadRequest(w, "Driver does not support consoles")
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", "error", err, "node_id", nodeID)
		return
	}
	defer conn.Close()

	session, err := console.OpenConsole(r.Context(), node)
	if err != nil {
		h.logger.Error("failed to open console", "error", err, "node_id", nodeID)
		conn.WriteMessage(websocket.TextMessage, []byte("console unavailable: "+err.Error()+"\r\n"))
		return
	}
	defer session.Close()

	h.logger.Info("console session opened", "node_id", nodeID, "driver", node.Driver)

	// Console output to websocket.
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := session.Read(buf)
			if n > 0 {
				if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					h.logger.Debug("console read error", "error", err, "node_id", nodeID)
				}
				return
			}
		}
	}()

	// Websocket input to console.
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read error", "error", err, "node_id", nodeID)
			}
			break
		}
		if mt == websocket.BinaryMessage || mt == websocket.TextMessage {
			if _, err := session.Write(data); err != nil {
				h.logger.Debug("console write error", "error", err, "node_id", nodeID)
				break
			}
		}
	}

	session.Close()
	<-done
	h.logger.Info("console session closed", "node_id", nodeID)
}
