package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OperationKind names a per-node action routed to the owning conductor.
type OperationKind string

const (
	OpPowerOn  OperationKind = "power_on"
	OpPowerOff OperationKind = "power_off"
	OpReboot   OperationKind = "reboot"
	OpDeploy   OperationKind = "deploy"
	OpUndeploy OperationKind = "undeploy"
	OpInspect  OperationKind = "inspect"
)

// Valid reports whether k is a known operation kind.
func (k OperationKind) Valid() bool {
	switch k {
	case OpPowerOn, OpPowerOff, OpReboot, OpDeploy, OpUndeploy, OpInspect:
		return true
	}
	return false
}

// Operation is a single per-node action. The payload is opaque to the
// routing layer; only the owning conductor's driver interprets it.
type Operation struct {
	ID      string          `json:"id"`
	NodeID  string          `json:"node_id"`
	Driver  string          `json:"driver"`
	Kind    OperationKind   `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// SourceHost is the conductor or API host that submitted the operation.
	SourceHost  string    `json:"source_host,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewOperation builds an operation with a fresh ID and timestamp.
func NewOperation(nodeID, driver string, kind OperationKind, payload json.RawMessage) *Operation {
	return &Operation{
		ID:          uuid.NewString(),
		NodeID:      nodeID,
		Driver:      driver,
		Kind:        kind,
		Payload:     payload,
		RequestedAt: time.Now().UTC(),
	}
}
