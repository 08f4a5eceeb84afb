// Package transition reacts to ring changes by running driver take-over and
// clean-up actions for nodes whose ownership moved.
package transition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basaltfleet/basalt/internal/capability"
	"github.com/basaltfleet/basalt/internal/hashring"
	"github.com/basaltfleet/basalt/internal/models"
	"github.com/basaltfleet/basalt/internal/store"
)

// actionKind distinguishes the two transition directions.
type actionKind string

const (
	actionTakeOver actionKind = "take-over"
	actionCleanUp  actionKind = "clean-up"
)

// pending is a failed transition action awaiting the next reconciliation.
type pending struct {
	kind actionKind
}

// Handler diffs consecutive ring versions and runs transition actions for
// the local conductor's nodes.
//
// The diff runs once per rebuild, never per operation. Actions run on their
// own goroutines so a hardware-bound hook cannot block the reaper or the
// rebuild path.
type Handler struct {
	localHost string
	registry  *capability.Registry
	nodes     store.NodeStore
	logger    *slog.Logger

	mu sync.Mutex
	// owners is the owner assignment from the previously applied version,
	// keyed by node ID.
	owners map[string]string
	// failed holds actions to retry on the next reconciliation pass.
	failed map[string]pending

	wg sync.WaitGroup
}

// NewHandler creates a transition handler for the conductor named localHost.
func NewHandler(localHost string, registry *capability.Registry, nodes store.NodeStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		localHost: localHost,
		registry:  registry,
		nodes:     nodes,
		logger:    logger,
		owners:    make(map[string]string),
		failed:    make(map[string]pending),
	}
}

// Apply diffs the previous owner assignment against table and launches the
// resulting take-over and clean-up actions. Clean-ups are launched before
// take-overs, so on a single conductor release never trails acquire.
func (h *Handler) Apply(ctx context.Context, table *hashring.Table) error {
	var acquired, released []*models.Node

	h.mu.Lock()
	for _, driver := range h.registry.Names() {
		nodes, err := h.nodes.ListByDriver(ctx, driver)
		if err != nil {
			h.mu.Unlock()
			return fmt.Errorf("loading nodes for driver %s: %w", driver, err)
		}
		for _, node := range nodes {
			owner, err := table.Owner(driver, node.ID)
			if err != nil {
				if errors.Is(err, hashring.ErrNoEligibleOwner) {
					// Unroutable nodes keep their previous assignment
					// recorded so a later rebuild diffs correctly.
					continue
				}
				h.mu.Unlock()
				return err
			}

			prev, tracked := h.owners[node.ID]
			h.owners[node.ID] = owner
			if tracked && prev == owner {
				continue // stable
			}

			switch {
			case owner == h.localHost && (!tracked || prev != h.localHost):
				acquired = append(acquired, node)
			case tracked && prev == h.localHost && owner != h.localHost:
				released = append(released, node)
			}
		}
	}
	h.mu.Unlock()

	for _, node := range released {
		h.runAsync(ctx, actionCleanUp, node)
	}
	for _, node := range acquired {
		h.runAsync(ctx, actionTakeOver, node)
	}
	return nil
}

// Reconcile retries failed transition actions. It is registered as an
// independent periodic task so retries never block rebuilds or serialized
// user tasks.
func (h *Handler) Reconcile(ctx context.Context) error {
	h.mu.Lock()
	retries := make(map[string]pending, len(h.failed))
	for id, p := range h.failed {
		retries[id] = p
	}
	h.failed = make(map[string]pending)
	currentOwners := make(map[string]string, len(h.owners))
	for id, owner := range h.owners {
		currentOwners[id] = owner
	}
	h.mu.Unlock()

	for id, p := range retries {
		owner := currentOwners[id]
		// Ownership may have moved again since the failure; only retry
		// actions that still match the current assignment.
		if p.kind == actionTakeOver && owner != h.localHost {
			continue
		}
		if p.kind == actionCleanUp && owner == h.localHost {
			continue
		}

		node, err := h.nodes.Get(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return err
		}
		h.runAsync(ctx, p.kind, node)
	}
	return nil
}

// Wait blocks until all in-flight transition actions finish.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// PendingRetries reports how many failed actions await reconciliation.
func (h *Handler) PendingRetries() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.failed)
}

func (h *Handler) runAsync(ctx context.Context, kind actionKind, node *models.Node) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.runAction(ctx, kind, node)
	}()
}

// runAction executes one transition action and records the outcome. A
// failure marks the node needs-attention and queues a retry; it is never
// silently dropped.
func (h *Handler) runAction(ctx context.Context, kind actionKind, node *models.Node) {
	variant, ok := h.registry.Variant(node.Driver)
	if !ok {
		h.logger.Error("transition for unregistered driver",
			"node_id", node.ID, "driver", node.Driver)
		return
	}

	var err error
	switch kind {
	case actionTakeOver:
		if variant.TakeOver != nil {
			err = variant.TakeOver(ctx, node)
		}
		if err == nil {
			// Ownership settled: clear the in-transition marker the
			// releasing conductor left behind.
			err = h.nodes.SetTransitioning(ctx, node.ID, false)
		}
	case actionCleanUp:
		// Flag the hand-off before releasing so the new owner's take-over
		// can detect and resume instead of racing.
		if terr := h.nodes.SetTransitioning(ctx, node.ID, true); terr != nil && !errors.Is(terr, store.ErrNotFound) {
			h.logger.Warn("failed to mark node transitioning",
				"node_id", node.ID, "error", terr)
		}
		if variant.CleanUp != nil {
			err = variant.CleanUp(ctx, node)
		}
	}

	if err != nil {
		h.logger.Error("transition action failed",
			"action", string(kind),
			"node_id", node.ID,
			"driver", node.Driver,
			"error", err,
		)
		reason := fmt.Sprintf("%s action failed: %v", kind, err)
		if aerr := h.nodes.SetAttention(ctx, node.ID, true, reason); aerr != nil {
			h.logger.Error("failed to flag node for attention",
				"node_id", node.ID, "error", aerr)
		}
		h.mu.Lock()
		h.failed[node.ID] = pending{kind: kind}
		h.mu.Unlock()
		return
	}

	if node.NeedsAttention {
		if aerr := h.nodes.SetAttention(ctx, node.ID, false, ""); aerr != nil && !errors.Is(aerr, store.ErrNotFound) {
			h.logger.Warn("failed to clear attention flag",
				"node_id", node.ID, "error", aerr)
		}
	}

	h.logger.Info("transition action completed",
		"action", string(kind),
		"node_id", node.ID,
		"driver", node.Driver,
	)
}
