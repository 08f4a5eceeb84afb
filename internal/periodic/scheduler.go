// Package periodic runs driver-declared recurring tasks on independent
// schedules, isolated from each other and from node-operation handling.
package periodic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"sync"
	"time"
)

// ErrDuplicateTask is returned when a descriptor's name collides with one
// already registered on the same scheduler. Registration-time only.
var ErrDuplicateTask = errors.New("duplicate periodic task name")

// Mode selects how a due task executes relative to the scheduling loop.
type Mode int

const (
	// ModeIndependent runs each due task on its own goroutine so a slow
	// task cannot delay other tasks' due times. This is the default.
	ModeIndependent Mode = iota
	// ModeSerialized runs the task inline in the scheduling loop, blocking
	// subsequent due-checks until it completes. Reserved for tasks known to
	// be fast; discouraged because it degrades the loop's responsiveness.
	ModeSerialized
)

// String returns the string representation of Mode.
func (m Mode) String() string {
	switch m {
	case ModeIndependent:
		return "independent"
	case ModeSerialized:
		return "serialized"
	default:
		return "unknown"
	}
}

// Descriptor declares a recurring task.
type Descriptor struct {
	// Name must be unique within the owning scheduler. When empty it is
	// derived from the Run function's symbol name.
	Name string
	// Interval is the spacing between run starts.
	Interval time.Duration
	Mode     Mode
	Run      func(ctx context.Context) error
}

// task is a registered descriptor plus its run-state.
type task struct {
	d         Descriptor
	lastStart time.Time
	inFlight  bool
}

// Scheduler evaluates registered descriptors on a coarse tick and executes
// the ones that are due.
//
// Interval is measured from the start of the previous run. A due trigger
// while the previous run of the same descriptor is still active is skipped,
// never queued, so two runs of one descriptor never overlap, even in
// independent mode.
type Scheduler struct {
	tick   time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*task

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// now is replaceable in tests.
	now func() time.Time
}

// NewScheduler creates a scheduler whose due-check loop runs every tick.
func NewScheduler(tick time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if tick <= 0 {
		tick = time.Second
	}
	return &Scheduler{
		tick:     tick,
		logger:   logger,
		tasks:    make(map[string]*task),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Register adds a descriptor. Name collisions and invalid descriptors fail
// here, at registration, never at runtime.
func (s *Scheduler) Register(d Descriptor) error {
	if d.Run == nil {
		return fmt.Errorf("periodic task %q has no run function", d.Name)
	}
	if d.Interval <= 0 {
		return fmt.Errorf("periodic task %q has non-positive interval", d.Name)
	}
	if d.Name == "" {
		d.Name = derivedName(d.Run)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[d.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTask, d.Name)
	}
	s.tasks[d.Name] = &task{d: d}

	s.logger.Info("registered periodic task",
		"task", d.Name,
		"interval", d.Interval.String(),
		"mode", d.Mode.String(),
	)
	return nil
}

// Start runs the scheduling loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop stops the loop and waits for it and all in-flight independent runs.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("periodic scheduler stopped by context")
			return
		case <-s.stopChan:
			s.logger.Info("periodic scheduler stopped")
			return
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// runDue starts every task that is due and not already running.
func (s *Scheduler) runDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*task
	for _, tk := range s.tasks {
		if tk.inFlight {
			continue
		}
		if !tk.lastStart.IsZero() && now.Sub(tk.lastStart) < tk.d.Interval {
			continue
		}
		tk.inFlight = true
		tk.lastStart = now
		due = append(due, tk)
	}
	s.mu.Unlock()

	for _, tk := range due {
		if tk.d.Mode == ModeSerialized {
			s.runOne(ctx, tk)
			continue
		}
		s.wg.Add(1)
		go func(tk *task) {
			defer s.wg.Done()
			s.runOne(ctx, tk)
		}(tk)
	}
}

// runOne executes a task and clears its in-flight flag when it returns.
// A failing or panicking task is isolated: it never prevents other tasks
// or node-operation handling from proceeding.
func (s *Scheduler) runOne(ctx context.Context, tk *task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("periodic task panicked", "task", tk.d.Name, "panic", r)
		}
		s.mu.Lock()
		tk.inFlight = false
		s.mu.Unlock()
	}()

	if err := tk.d.Run(ctx); err != nil {
		s.logger.Error("periodic task failed", "task", tk.d.Name, "error", err)
	}
}

// derivedName names an anonymous descriptor after its run function symbol.
func derivedName(fn func(ctx context.Context) error) string {
	return runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Name()
}
