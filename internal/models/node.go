// Package models defines the core data types shared across the fleet manager.
package models

import "time"

// ProvisionState is the lifecycle state of a managed machine.
type ProvisionState string

const (
	// StateEnrolling means the node has been created but not yet verified.
	StateEnrolling ProvisionState = "enrolling"
	// StateAvailable means the node is ready to receive a deployment.
	StateAvailable ProvisionState = "available"
	// StateDeploying means an image is being written to the node.
	StateDeploying ProvisionState = "deploying"
	// StateActive means the node is provisioned and serving a workload.
	StateActive ProvisionState = "active"
	// StateCleaning means the node is being wiped after a tear-down.
	StateCleaning ProvisionState = "cleaning"
	// StateError means the last operation on the node failed.
	StateError ProvisionState = "error"
)

// Valid reports whether s is a known provision state.
func (s ProvisionState) Valid() bool {
	switch s {
	case StateEnrolling, StateAvailable, StateDeploying, StateActive, StateCleaning, StateError:
		return true
	}
	return false
}

// Node represents a managed physical machine.
//
// The owning conductor is deliberately absent: ownership is recomputed from
// the hash ring on every lookup, never stored as ground truth.
type Node struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Driver string `json:"driver"`

	ProvisionState ProvisionState `json:"provision_state"`

	// Maintenance excludes the node from new work without changing ownership.
	Maintenance bool `json:"maintenance"`

	// Transitioning is set while ownership is moving between conductors.
	// The new owner's take-over hook inspects it to resume or fail safely
	// instead of racing the previous owner.
	Transitioning bool `json:"transitioning"`

	// NeedsAttention marks a node whose take-over or clean-up action failed.
	// It is surfaced to operators and cleared by the reconciliation pass once
	// the action succeeds.
	NeedsAttention  bool   `json:"needs_attention"`
	AttentionReason string `json:"attention_reason,omitempty"`

	// DriverInfo holds driver-specific settings (BMC address, credentials).
	// Credential values are encrypted at rest, see internal/secrets.
	DriverInfo map[string]string `json:"driver_info,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
