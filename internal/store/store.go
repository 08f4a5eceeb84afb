// Package store provides database access interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/basaltfleet/basalt/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ConductorStore defines operations for conductor liveness records.
//
// The store is the system-of-record across process restarts; the in-memory
// membership snapshot remains the authoritative fast path for routing.
type ConductorStore interface {
	// Upsert inserts or replaces a conductor record. A re-registration with
	// a newer start epoch supersedes the previous incarnation's record.
	Upsert(ctx context.Context, c *models.Conductor) error
	// Touch refreshes the heartbeat timestamp for hostname.
	// Returns ErrNotFound if the conductor has no record.
	Touch(ctx context.Context, hostname string, at time.Time) error
	// List retrieves all conductor records.
	List(ctx context.Context) ([]*models.Conductor, error)
	// Delete removes a conductor record, typically after reaping.
	Delete(ctx context.Context, hostname string) error
}

// NodeStore defines operations for managed machine records.
type NodeStore interface {
	// Create enrolls a new node.
	Create(ctx context.Context, n *models.Node) error
	// Get retrieves a node by ID.
	Get(ctx context.Context, id string) (*models.Node, error)
	// List retrieves all nodes.
	List(ctx context.Context) ([]*models.Node, error)
	// ListByDriver retrieves all nodes using the given driver variant.
	ListByDriver(ctx context.Context, driver string) ([]*models.Node, error)
	// Update persists mutable node fields (state, flags, driver info).
	Update(ctx context.Context, n *models.Node) error
	// SetAttention flags or clears the needs-attention state for a node.
	SetAttention(ctx context.Context, id string, needs bool, reason string) error
	// SetTransitioning marks whether the node is mid ownership transfer.
	SetTransitioning(ctx context.Context, id string, transitioning bool) error
}

// Store is the main interface for database operations.
type Store interface {
	// Conductors returns the ConductorStore for liveness records.
	Conductors() ConductorStore
	// Nodes returns the NodeStore for managed machines.
	Nodes() NodeStore
	// Close closes the database connection.
	Close() error
}
