// Package membership maintains the live set of conductors, their declared
// driver support, and liveness via periodic heartbeats.
package membership

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basaltfleet/basalt/internal/models"
	"github.com/basaltfleet/basalt/internal/store"
)

// ErrNotRegistered is returned by Heartbeat for a hostname with no live
// record. A reaped conductor must register again rather than assume
// continuity: its ring position set may have changed identity.
var ErrNotRegistered = errors.New("conductor not registered")

// Snapshot is an immutable view of the live conductor set.
//
// Version increases monotonically on every membership delta. Consumers only
// rebuild rings when the version advances, which makes rebuilds idempotent
// under concurrent delta notifications.
type Snapshot struct {
	Version    uint64
	Conductors []*models.Conductor
}

// entry is the mutable per-conductor record behind the snapshots.
type entry struct {
	conductor     *models.Conductor
	lastHeartbeat time.Time
}

// Config holds tracker timing configuration.
type Config struct {
	// HeartbeatInterval is the expected spacing of conductor heartbeats and
	// the cadence of the background reaper.
	HeartbeatInterval time.Duration
	// ExpiryThreshold is the heartbeat gap past which a record is reaped.
	// Must be comfortably larger than HeartbeatInterval (3x by default).
	ExpiryThreshold time.Duration
}

// Tracker maintains the live conductor set and publishes versioned snapshots.
type Tracker struct {
	store  store.ConductorStore
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	entries  map[string]*entry
	snapshot *Snapshot
	subs     []chan struct{}

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// now is replaceable in tests.
	now func() time.Time
}

// NewTracker creates a tracker persisting through st.
func NewTracker(st store.ConductorStore, cfg Config, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:    st,
		cfg:      cfg,
		logger:   logger,
		entries:  make(map[string]*entry),
		snapshot: &Snapshot{},
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Load folds persisted conductor records into the live set, admitting only
// those whose heartbeat is still within the expiry threshold. It is safe to
// call repeatedly: peers that register and heartbeat through the shared store
// are picked up, and their in-memory liveness is refreshed from the store so
// the local reaper never expires a peer that is heartbeating remotely. The
// snapshot version advances only when the admitted set actually differs from
// the live set; refreshing liveness alone is not a membership delta.
func (t *Tracker) Load(ctx context.Context) error {
	conductors, err := t.store.List(ctx)
	if err != nil {
		return err
	}

	cutoff := t.now().Add(-t.cfg.ExpiryThreshold)

	t.mu.Lock()
	defer t.mu.Unlock()
	admitted := 0
	changed := false
	for _, c := range conductors {
		if c.LastHeartbeat.Before(cutoff) {
			continue
		}
		prev, ok := t.entries[c.Hostname]
		if !ok || !sameDrivers(prev.conductor.Drivers, c.Drivers) {
			changed = true
		}
		last := c.LastHeartbeat
		if ok && prev.lastHeartbeat.After(last) {
			// The local entry is fresher than the persisted row (a Touch
			// may have failed); keep the newer timestamp.
			last = prev.lastHeartbeat
		}
		t.entries[c.Hostname] = &entry{conductor: c, lastHeartbeat: last}
		admitted++
	}
	if changed {
		t.publishLocked()
	}
	t.logger.Debug("loaded conductor records",
		"persisted", len(conductors),
		"admitted", admitted,
		"changed", changed,
	)
	return nil
}

func sameDrivers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Register admits a conductor into the live set and persists its record.
// Registering an already-live hostname replaces its record (restart with a
// newer start epoch).
func (t *Tracker) Register(ctx context.Context, c *models.Conductor) error {
	now := t.now()
	c.LastHeartbeat = now
	if c.RegisteredAt.IsZero() {
		c.RegisteredAt = now
	}

	if err := t.store.Upsert(ctx, c); err != nil {
		return err
	}

	t.mu.Lock()
	t.entries[c.Hostname] = &entry{conductor: c, lastHeartbeat: now}
	t.publishLocked()
	t.mu.Unlock()

	t.logger.Info("conductor registered",
		"hostname", c.Hostname,
		"drivers", c.Drivers,
	)
	return nil
}

// Heartbeat refreshes a live conductor's liveness. It is not a membership
// delta and does not advance the snapshot version.
func (t *Tracker) Heartbeat(ctx context.Context, hostname string) error {
	now := t.now()

	t.mu.Lock()
	e, ok := t.entries[hostname]
	var rec models.Conductor
	if ok {
		e.lastHeartbeat = now
		rec = *e.conductor
	}
	t.mu.Unlock()

	if !ok {
		return ErrNotRegistered
	}

	if err := t.store.Touch(ctx, hostname, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// A peer with a stale view reaped our row. We are demonstrably
			// alive, so restore the record rather than vanish from the
			// system of record.
			rec.LastHeartbeat = now
			if uerr := t.store.Upsert(ctx, &rec); uerr != nil {
				t.logger.Error("failed to restore conductor record", "hostname", hostname, "error", uerr)
			} else {
				t.logger.Warn("restored conductor record reaped by a peer", "hostname", hostname)
			}
			return nil
		}
		// The in-memory fast path stays authoritative; a failed persist is
		// logged and retried naturally on the next heartbeat.
		t.logger.Warn("failed to persist heartbeat", "hostname", hostname, "error", err)
	}
	return nil
}

// Reap removes every record whose heartbeat gap exceeds the expiry threshold
// and returns the expired hostnames.
func (t *Tracker) Reap(ctx context.Context) []string {
	cutoff := t.now().Add(-t.cfg.ExpiryThreshold)

	t.mu.Lock()
	var expired []string
	for hostname, e := range t.entries {
		if e.lastHeartbeat.Before(cutoff) {
			expired = append(expired, hostname)
			delete(t.entries, hostname)
		}
	}
	if len(expired) > 0 {
		t.publishLocked()
	}
	t.mu.Unlock()

	sort.Strings(expired)
	for _, hostname := range expired {
		t.logger.Warn("conductor heartbeat expired", "hostname", hostname)
		if err := t.store.Delete(ctx, hostname); err != nil && !errors.Is(err, store.ErrNotFound) {
			t.logger.Error("failed to delete expired conductor", "hostname", hostname, "error", err)
		}
	}
	return expired
}

// Snapshot returns the current immutable membership view.
func (t *Tracker) Snapshot() *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot
}

// Subscribe returns a channel receiving a coalesced signal on every
// membership delta. The channel is buffered; a slow consumer sees at most
// one pending signal and re-reads the latest snapshot when it drains it.
func (t *Tracker) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()
	return ch
}

// publishLocked rebuilds the snapshot and signals subscribers.
// Caller holds t.mu.
func (t *Tracker) publishLocked() {
	conductors := make([]*models.Conductor, 0, len(t.entries))
	for _, e := range t.entries {
		c := *e.conductor
		c.LastHeartbeat = e.lastHeartbeat
		conductors = append(conductors, &c)
	}
	sort.Slice(conductors, func(i, j int) bool {
		return conductors[i].Hostname < conductors[j].Hostname
	})

	t.snapshot = &Snapshot{
		Version:    t.snapshot.Version + 1,
		Conductors: conductors,
	}

	for _, ch := range t.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// StartReaper runs the background reaper until ctx is cancelled or Stop is
// called.
func (t *Tracker) StartReaper(ctx context.Context) {
	t.wg.Add(1)
	go t.reaperLoop(ctx)
}

// Stop stops the reaper and waits for it to finish.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopChan) })
	t.wg.Wait()
}

func (t *Tracker) reaperLoop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("reaper stopped by context")
			return
		case <-t.stopChan:
			t.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			t.Reap(ctx)
		}
	}
}
