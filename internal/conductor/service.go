// Package conductor implements the worker process: it registers with the
// membership tracker, services operations for the nodes it owns, reacts to
// ring changes, and runs driver periodic tasks.
package conductor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/basaltfleet/basalt/internal/capability"
	"github.com/basaltfleet/basalt/internal/hashring"
	"github.com/basaltfleet/basalt/internal/membership"
	"github.com/basaltfleet/basalt/internal/models"
	"github.com/basaltfleet/basalt/internal/periodic"
	"github.com/basaltfleet/basalt/internal/routing"
	"github.com/basaltfleet/basalt/internal/secrets"
	"github.com/basaltfleet/basalt/internal/store"
	"github.com/basaltfleet/basalt/internal/transition"
	"github.com/basaltfleet/basalt/pkg/config"
)

// mailboxBuffer bounds how many operations can queue for this conductor
// before dispatchers start timing out.
const mailboxBuffer = 64

// Service is one conductor process.
type Service struct {
	hostname string
	cfg      config.CoordinationConfig
	registry *capability.Registry
	st       store.Store
	cipher   *secrets.Cipher
	logger   *slog.Logger

	tracker     *membership.Tracker
	table       *hashring.Table
	mailboxes   *routing.Mailboxes
	router      *routing.Router
	transitions *transition.Handler
	scheduler   *periodic.Scheduler

	inbox     <-chan *models.Operation
	deltas    <-chan struct{}
	startedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// Options carries the collaborators a conductor needs beyond configuration.
type Options struct {
	Hostname  string
	Registry  *capability.Registry
	Store     store.Store
	Cipher    *secrets.Cipher // optional; nil disables credential decryption
	Transport routing.Transport
	Logger    *slog.Logger
}

// New wires a conductor service. Start must be called before it does work.
func New(cfg config.CoordinationConfig, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("conductor", opts.Hostname)

	s := &Service{
		hostname:  opts.Hostname,
		cfg:       cfg,
		registry:  opts.Registry,
		st:        opts.Store,
		cipher:    opts.Cipher,
		logger:    logger,
		table:     hashring.NewTable(cfg.VirtualReplicas),
		mailboxes: routing.NewMailboxes(),
		scheduler: periodic.NewScheduler(cfg.SchedulerTick, logger),
		startedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}

	s.tracker = membership.NewTracker(opts.Store.Conductors(), membership.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		ExpiryThreshold:   cfg.ExpiryThreshold(),
	}, logger)

	s.inbox = s.mailboxes.Open(opts.Hostname, mailboxBuffer)
	s.deltas = s.tracker.Subscribe()

	s.router = routing.NewRouter(routing.Config{
		LocalHost:       opts.Hostname,
		Table:           s.table,
		Mailboxes:       s.mailboxes,
		Transport:       opts.Transport,
		Refresh:         s.refreshMembership,
		DispatchTimeout: cfg.DispatchTimeout,
	}, logger)

	s.transitions = transition.NewHandler(opts.Hostname, opts.Registry, opts.Store.Nodes(), logger)

	return s
}

// Router returns the service's task router, used by the peer dispatch
// endpoint.
func (s *Service) Router() *routing.Router {
	return s.router
}

// Mailboxes returns the in-process mailbox registry, used by the peer
// dispatch server to queue forwarded operations.
func (s *Service) Mailboxes() *routing.Mailboxes {
	return s.mailboxes
}

// Start registers the conductor, seeds the rings, and launches the
// heartbeat, membership, operation, reaper, and scheduler loops.
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if err := s.tracker.Load(ctx); err != nil {
		return err
	}
	if err := s.register(ctx); err != nil {
		return err
	}
	s.rebuildRings(ctx)

	if err := s.registerPeriodicTasks(); err != nil {
		return err
	}

	s.tracker.StartReaper(ctx)
	s.scheduler.Start(ctx)

	go s.heartbeatLoop(ctx)
	go s.membershipLoop(ctx)
	go s.operationLoop(ctx)

	s.logger.Info("conductor started",
		"drivers", s.registry.Names(),
		"heartbeat_interval", s.cfg.HeartbeatInterval.String(),
	)
	return nil
}

// Stop shuts the conductor down: loops first, then the scheduler and any
// in-flight transition actions.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mailboxes.Close(s.hostname)
	<-s.done
	s.scheduler.Stop()
	s.tracker.Stop()
	s.transitions.Wait()
	s.logger.Info("conductor stopped")
}

func (s *Service) register(ctx context.Context) error {
	return s.tracker.Register(ctx, &models.Conductor{
		Hostname:  s.hostname,
		Drivers:   s.registry.Names(),
		StartedAt: s.startedAt,
	})
}

// registerPeriodicTasks installs the built-in reconciliation pass plus every
// driver-declared task. Task names collide at registration time, never at
// runtime.
func (s *Service) registerPeriodicTasks() error {
	if err := s.scheduler.Register(periodic.Descriptor{
		Name:     "transition.reconcile",
		Interval: s.cfg.ReconcileInterval,
		Run:      s.transitions.Reconcile,
	}); err != nil {
		return err
	}

	defaultMode := periodic.ModeIndependent
	if s.cfg.SerializedTasks {
		defaultMode = periodic.ModeSerialized
	}

	for _, name := range s.registry.Names() {
		variant, _ := s.registry.Variant(name)
		for _, d := range variant.PeriodicTasks {
			if d.Mode == periodic.ModeIndependent {
				d.Mode = defaultMode
			}
			if err := s.scheduler.Register(d); err != nil {
				return err
			}
		}
	}
	return nil
}

// rebuildRings swaps in rings for the latest membership snapshot and feeds
// the delta to the transition handler. Rebuilds at a stale version are
// no-ops.
func (s *Service) rebuildRings(ctx context.Context) {
	snap := s.tracker.Snapshot()
	if !s.table.Rebuild(snap.Conductors, snap.Version) {
		return
	}
	s.logger.Info("rebuilt rings",
		"version", snap.Version,
		"conductors", len(snap.Conductors),
	)
	if err := s.transitions.Apply(ctx, s.table); err != nil {
		s.logger.Error("failed to apply ownership transitions", "error", err)
	}
}

// refreshMembership is the router's retry hook: fold in persisted records,
// reap expired conductors, and rebuild against the resulting snapshot.
func (s *Service) refreshMembership(ctx context.Context) error {
	if err := s.tracker.Load(ctx); err != nil {
		return err
	}
	s.tracker.Reap(ctx)
	s.rebuildRings(ctx)
	return nil
}

func (s *Service) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.tracker.Heartbeat(ctx, s.hostname)
			if errors.Is(err, membership.ErrNotRegistered) {
				// We were reaped, likely after a long stall. Re-register
				// rather than assume continuity.
				s.logger.Warn("heartbeat found no registration, re-registering")
				if err := s.register(ctx); err != nil {
					s.logger.Error("re-registration failed", "error", err)
				}
			} else if err != nil {
				s.logger.Error("heartbeat failed", "error", err)
			}
			// Peers register and heartbeat through the shared store, not
			// through this process. Fold their records in on the same
			// cadence so late joiners are admitted and store-fresh peers
			// are never reaped on a stale in-memory view.
			if err := s.tracker.Load(ctx); err != nil {
				s.logger.Error("membership resync failed", "error", err)
			}
		}
	}
}

func (s *Service) membershipLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.deltas:
			s.rebuildRings(ctx)
		}
	}
}

// operationLoop drains the conductor's mailbox. It runs concurrently with
// periodic tasks and the membership machinery; a slow hardware action here
// never blocks heartbeats, reaping, or ring rebuilds.
func (s *Service) operationLoop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-s.inbox:
			s.execute(ctx, op)
		}
	}
}
