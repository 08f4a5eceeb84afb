package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apierrors "github.com/basaltfleet/basalt/internal/api/errors"
	"github.com/basaltfleet/basalt/internal/hashring"
	"github.com/basaltfleet/basalt/internal/models"
	"github.com/basaltfleet/basalt/internal/routing"
	"github.com/basaltfleet/basalt/internal/secrets"
	"github.com/basaltfleet/basalt/internal/store"
)

// redactedValue replaces credential values in API responses.
const redactedValue = "******"

// NodeHandler handles node-related HTTP requests.
type NodeHandler struct {
	store  store.Store
	router *routing.Router
	cipher *secrets.Cipher
	logger *slog.Logger
}

// NewNodeHandler creates a node handler. cipher may be nil when credential
// encryption is not configured.
func NewNodeHandler(st store.Store, router *routing.Router, cipher *secrets.Cipher, logger *slog.Logger) *NodeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeHandler{
		store:  st,
		router: router,
		cipher: cipher,
		logger: logger,
	}
}

// NodeView is a node as returned by the API: credentials redacted and the
// owning conductor resolved from the live ring at response time.
type NodeView struct {
	*models.Node
	DriverInfo map[string]string `json:"driver_info,omitempty"`
	Owner      string            `json:"owner,omitempty"`
}

func (h *NodeHandler) view(node *models.Node) *NodeView {
	v := &NodeView{Node: node}

	if len(node.DriverInfo) > 0 {
		v.DriverInfo = make(map[string]string, len(node.DriverInfo))
		for k, val := range node.DriverInfo {
			if strings.HasSuffix(k, "_password") || strings.HasSuffix(k, "_secret") {
				v.DriverInfo[k] = redactedValue
				continue
			}
			v.DriverInfo[k] = val
		}
	}

	if dest, err := h.router.Route(node.ID, node.Driver); err == nil {
		v.Owner = dest.Hostname
	}
	return v
}

// CreateNodeRequest is the request body for node enrollment.
type CreateNodeRequest struct {
	Name       string            `json:"name"`
	Driver     string            `json:"driver"`
	DriverInfo map[string]string `json:"driver_info,omitempty"`
}

// Validate checks required enrollment fields.
func (r *CreateNodeRequest) Validate() *apierrors.APIError {
	if r.Name == "" {
		return apierrors.NewValidationError("name is required")
	}
	if r.Driver == "" {
		return apierrors.NewValidationError("driver is required")
	}
	return nil
}

// Create handles POST /v1/nodes - enrolls a new node.
func (h *NodeHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if apiErr := req.Validate(); apiErr != nil {
		apierrors.WriteError(w, apiErr)
		return
	}

	info := req.DriverInfo
	if h.cipher != nil {
		encrypted, err := h.cipher.EncryptDriverInfo(info)
		if err != nil {
			h.logger.Error("failed to encrypt driver info", "error", err)
			WriteInternalError(w, "Failed to encrypt credentials")
			return
		}
		info = encrypted
	}

	now := time.Now().UTC()
	node := &models.Node{
		ID:             uuid.NewString(),
		Name:           req.Name,
		Driver:         req.Driver,
		ProvisionState: models.StateEnrolling,
		DriverInfo:     info,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := h.store.Nodes().Create(r.Context(), node); err != nil {
		h.logger.Error("failed to create node", "error", err, "name", req.Name)
		WriteInternalError(w, "Failed to create node")
		return
	}

	h.logger.Info("node enrolled", "node_id", node.ID, "name", node.Name, "driver", node.Driver)
	WriteJSON(w, http.StatusCreated, h.view(node))
}

// List handles GET /v1/nodes - lists all nodes with their current owners.
func (h *NodeHandler) List(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.store.Nodes().List(r.Context())
	if err != nil {
		h.logger.Error("failed to list nodes", "error", err)
		WriteInternalError(w, "Failed to list nodes")
		return
	}

	views := make([]*NodeView, 0, len(nodes))
	for _, node := range nodes {
		views = append(views, h.view(node))
	}
	WriteJSON(w, http.StatusOK, views)
}

// Get handles GET /v1/nodes/{nodeID}.
func (h *NodeHandler) Get(w http.ResponseWriter, r *http.Request) {
	node, ok := h.loadNode(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, h.view(node))
}

// UpdateNodeRequest is the request body for node updates. Only the supplied
// fields change.
type UpdateNodeRequest struct {
	Name        *string            `json:"name,omitempty"`
	Maintenance *bool              `json:"maintenance,omitempty"`
	DriverInfo  *map[string]string `json:"driver_info,omitempty"`
}

// Update handles PATCH /v1/nodes/{nodeID}.
func (h *NodeHandler) Update(w http.ResponseWriter, r *http.Request) {
	node, ok := h.loadNode(w, r)
	if !ok {
		return
	}

	var req UpdateNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	if req.Name != nil {
		if *req.Name == "" {
			WriteBadRequest(w, "name cannot be empty")
			return
		}
		node.Name = *req.Name
	}
	if req.Maintenance != nil {
		node.Maintenance = *req.Maintenance
	}
	if req.DriverInfo != nil {
		info := *req.DriverInfo
		if h.cipher != nil {
			encrypted, err := h.cipher.EncryptDriverInfo(info)
			if err != nil {
				h.logger.Error("failed to encrypt driver info", "error", err)
				WriteInternalError(w, "Failed to encrypt credentials")
				return
			}
			info = encrypted
		}
		node.DriverInfo = info
	}
	node.UpdatedAt = time.Now().UTC()

	if err := h.store.Nodes().Update(r.Context(), node); err != nil {
		h.logger.Error("failed to update node", "error", err, "node_id", node.ID)
		WriteInternalError(w, "Failed to update node")
		return
	}
	WriteJSON(w, http.StatusOK, h.view(node))
}

// OperationRequest is the request body for submitting a node operation.
type OperationRequest struct {
	Kind    models.OperationKind `json:"kind"`
	Payload json.RawMessage      `json:"payload,omitempty"`
}

// OperationResponse acknowledges an accepted operation.
type OperationResponse struct {
	OperationID string `json:"operation_id"`
	NodeID      string `json:"node_id"`
	Conductor   string `json:"conductor"`
}

// SubmitOperation handles POST /v1/nodes/{nodeID}/ops - routes the
// operation to the owning conductor and dispatches it.
func (h *NodeHandler) SubmitOperation(w http.ResponseWriter, r *http.Request) {
	node, ok := h.loadNode(w, r)
	if !ok {
		return
	}

	var req OperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if !req.Kind.Valid() {
		WriteBadRequest(w, "unknown operation kind")
		return
	}
	if node.Maintenance {
		apierrors.WriteError(w, apierrors.New(apierrors.CodeNodeInMaintenance,
			"node is in maintenance"))
		return
	}

	op := models.NewOperation(node.ID, node.Driver, req.Kind, req.Payload)
	dest, err := h.router.Submit(r.Context(), op)
	if err != nil {
		h.writeRoutingError(w, err, node)
		return
	}

	h.logger.Info("operation accepted",
		"operation_id", op.ID,
		"node_id", node.ID,
		"kind", string(req.Kind),
		"conductor", dest.Hostname,
	)
	WriteJSON(w, http.StatusAccepted, &OperationResponse{
		OperationID: op.ID,
		NodeID:      node.ID,
		Conductor:   dest.Hostname,
	})
}

func (h *NodeHandler) writeRoutingError(w http.ResponseWriter, err error, node *models.Node) {
	switch {
	case errors.Is(err, hashring.ErrNoEligibleOwner):
		apierrors.WriteError(w, apierrors.NewNoEligibleConductorError(node.Driver))
	case errors.Is(err, routing.ErrRoutingFailure):
		apierrors.WriteError(w, apierrors.NewRoutingFailureError(err.Error()))
	default:
		h.logger.Error("operation dispatch failed", "error", err, "node_id", node.ID)
		WriteInternalError(w, "Failed to dispatch operation")
	}
}

func (h *NodeHandler) loadNode(w http.ResponseWriter, r *http.Request) (*models.Node, bool) {
	nodeID := chi.URLParam(r, "nodeID")
	node, err := h.store.Nodes().Get(r.Context(), nodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "Node not found")
			return nil, false
		}
		h.logger.Error("failed to load node", "error", err, "node_id", nodeID)
		WriteInternalError(w, "Failed to load node")
		return nil, false
	}
	return node, true
}
