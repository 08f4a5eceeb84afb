package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basaltfleet/basalt/internal/hashring"
	"github.com/basaltfleet/basalt/internal/models"
)

// ErrRoutingFailure is returned when the resolved owner is unreachable even
// after one refresh-and-retry against a new membership snapshot. The caller
// may retry the whole operation.
var ErrRoutingFailure = errors.New("owning conductor unreachable")

// Destination identifies the conductor an operation should be delivered to.
type Destination struct {
	Hostname string
	// Local is set when the destination is this process, letting callers
	// short-circuit execution without a network hop.
	Local bool
}

// Transport delivers operations to conductors outside this process.
type Transport interface {
	Deliver(ctx context.Context, hostname string, op *models.Operation) error
}

// Refresher forces a membership snapshot refresh and ring rebuild. Used on
// the retry path when a resolved owner turns out to be unreachable.
type Refresher func(ctx context.Context) error

// Router resolves node ownership against the current ring table and
// dispatches operations to the owner's mailbox.
type Router struct {
	// localHost is this process's conductor identity; empty for processes
	// that only submit operations (the administrative API).
	localHost string

	table     *hashring.Table
	mailboxes *Mailboxes
	transport Transport
	refresh   Refresher
	timeout   time.Duration
	logger    *slog.Logger
}

// Config holds router construction parameters.
type Config struct {
	LocalHost       string
	Table           *hashring.Table
	Mailboxes       *Mailboxes
	Transport       Transport
	Refresh         Refresher
	DispatchTimeout time.Duration
}

// NewRouter creates a router.
func NewRouter(cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 5 * time.Second
	}
	return &Router{
		localHost: cfg.LocalHost,
		table:     cfg.Table,
		mailboxes: cfg.Mailboxes,
		transport: cfg.Transport,
		refresh:   cfg.Refresh,
		timeout:   cfg.DispatchTimeout,
		logger:    logger,
	}
}

// Route resolves the current owner for a node key under driver. The result
// is never cached: every call consults the live ring table.
func (r *Router) Route(nodeKey, driver string) (Destination, error) {
	owner, err := r.table.Owner(driver, nodeKey)
	if err != nil {
		return Destination{}, err
	}
	return Destination{Hostname: owner, Local: owner == r.localHost}, nil
}

// RouteDriver resolves any conductor supporting driver, for work that is
// driver-scoped rather than node-scoped (vendor passthrough).
func (r *Router) RouteDriver(driver string) (Destination, error) {
	ring, ok := r.table.Ring(driver)
	if !ok {
		return Destination{}, hashring.ErrNoEligibleOwner
	}
	owner, err := ring.Owner(driver)
	if err != nil {
		return Destination{}, err
	}
	return Destination{Hostname: owner, Local: owner == r.localHost}, nil
}

// IsLocal reports whether dest is this process.
func (r *Router) IsLocal(dest Destination) bool {
	return dest.Local
}

// Dispatch delivers op to dest: straight into the mailbox for a local
// destination, over the transport otherwise.
func (r *Router) Dispatch(ctx context.Context, dest Destination, op *models.Operation) error {
	if dest.Local {
		return r.mailboxes.Deliver(ctx, dest.Hostname, op, r.timeout)
	}
	if r.transport == nil {
		return fmt.Errorf("no transport configured for remote conductor %s", dest.Hostname)
	}
	return r.transport.Deliver(ctx, dest.Hostname, op)
}

// Submit routes and dispatches op. If the resolved owner is unreachable it
// refreshes the membership snapshot, re-resolves once, and retries; a second
// failure surfaces as ErrRoutingFailure.
func (r *Router) Submit(ctx context.Context, op *models.Operation) (Destination, error) {
	dest, err := r.Route(op.NodeID, op.Driver)
	if err != nil {
		return Destination{}, err
	}

	if err := r.Dispatch(ctx, dest, op); err == nil {
		return dest, nil
	} else if ctx.Err() != nil {
		return Destination{}, err
	} else {
		r.logger.Warn("dispatch failed, refreshing and retrying once",
			"node_id", op.NodeID,
			"conductor", dest.Hostname,
			"error", err,
		)
	}

	if r.refresh != nil {
		if err := r.refresh(ctx); err != nil {
			r.logger.Error("membership refresh failed", "error", err)
		}
	}

	dest, err = r.Route(op.NodeID, op.Driver)
	if err != nil {
		return Destination{}, err
	}
	if err := r.Dispatch(ctx, dest, op); err != nil {
		return Destination{}, fmt.Errorf("%w: %s: %v", ErrRoutingFailure, dest.Hostname, err)
	}
	return dest, nil
}
