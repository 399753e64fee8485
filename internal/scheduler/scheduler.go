// Package scheduler runs the supervisor's dispatch loop: every tick it reads
// the active task set, dispatches runnable tasks up to the configured
// concurrency cap, and hands each to a worker (spec.md §4.2).
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sepipe/sepiped/internal/bus"
	"github.com/sepipe/sepiped/internal/store"
)

const maxActiveTasksPerTick = 20 // spec.md §4.2 step 1

// Worker runs a single task to phase completion and reports the outcome
// back to the scheduler by mutating the task's stored status itself
// (internal/phase owns that); Worker only needs to release the dispatch
// flag on every exit path.
type Worker func(ctx context.Context, t store.Task)

// Config holds the scheduler's dependencies.
type Config struct {
	Store        *store.Store
	Bus          *bus.Bus
	Logger       *slog.Logger
	TickInterval time.Duration
	MaxAgents    int64
	RunWorker    Worker
}

// Scheduler is the supervisor's tick-driven dispatch loop.
type Scheduler struct {
	store        *store.Store
	bus          *bus.Bus
	logger       *slog.Logger
	tickInterval time.Duration
	sem          *semaphore.Weighted
	runWorker    Worker
	idleFunc     IdleFunc

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running sync.WaitGroup // tracks in-flight workers, for graceful Stop
}

// New creates a Scheduler with the given config.
func New(cfg Config) *Scheduler {
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	maxAgents := cfg.MaxAgents
	if maxAgents <= 0 {
		maxAgents = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:        cfg.Store,
		bus:          cfg.Bus,
		logger:       logger,
		tickInterval: interval,
		sem:          semaphore.NewWeighted(maxAgents),
		runWorker:    cfg.RunWorker,
	}
}

// Start begins the tick loop, clearing stale dispatch flags first for crash
// recovery (spec.md §4.2 "Crash recovery").
func (s *Scheduler) Start(ctx context.Context) error {
	n, err := s.store.ClearAllDispatched(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Warn("scheduler: cleared stale dispatch flags on startup", "count", n)
	}
	if n, err := s.store.ResetStuckMerging(ctx); err != nil {
		s.logger.Error("scheduler: reset stuck merging entries", "error", err)
	} else if n > 0 {
		s.logger.Warn("scheduler: reset stuck merging entries on startup", "count", n)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "tick_interval", s.tickInterval)
	return nil
}

// Stop flips the running flag and waits up to 30s for in-flight workers to
// drain (spec.md §4.2 "Shutdown").
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn("scheduler: active agents did not drain within 30s")
	}
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick implements spec.md §4.2 steps 1-5.
func (s *Scheduler) tick(ctx context.Context) {
	tasks, err := s.store.ActiveTasks(ctx, maxActiveTasksPerTick)
	if err != nil {
		s.logger.Error("scheduler: list active tasks", "error", err)
		return
	}

	dispatchedAny := false
	for _, t := range tasks {
		if !s.sem.TryAcquire(1) {
			break // in_flight == cap; remaining tasks wait for next tick
		}
		ok, err := s.store.TryDispatch(ctx, t.ID)
		if err != nil {
			s.logger.Error("scheduler: dispatch task", "task_id", t.ID, "error", err)
			s.sem.Release(1)
			continue
		}
		if !ok {
			s.sem.Release(1) // another worker in this process already owns it
			continue
		}

		dispatchedAny = true
		s.running.Add(1)
		go s.runOne(ctx, t)
	}

	if !dispatchedAny && len(tasks) == 0 {
		s.publishIdle()
	}
}

// runOne wraps Worker with the scoped-acquisition guarantee: every exit
// path, including a panic, releases the dispatch flag and semaphore slot
// (spec.md §4.2 step 3).
func (s *Scheduler) runOne(ctx context.Context, t store.Task) {
	defer s.running.Done()
	defer s.sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler: worker panicked", "task_id", t.ID, "panic", r)
		}
		if err := s.store.ReleaseDispatch(context.Background(), t.ID); err != nil {
			s.logger.Error("scheduler: release dispatch", "task_id", t.ID, "error", err)
		}
	}()

	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskDispatched, bus.TaskStateChangedEvent{TaskID: t.ID, NewStatus: string(t.Status)})
	}
	s.runWorker(ctx, t)
}

// IdleFunc is called on a tick where zero tasks are active and zero agents
// are in flight (spec.md §4.2 step 5); the seed/proposal engine registers
// itself here.
type IdleFunc func(ctx context.Context)

func (s *Scheduler) publishIdle() {
	if s.idleFunc != nil {
		s.idleFunc(context.Background())
	}
}

// SetIdleFunc registers the callback invoked when the scheduler observes
// zero active tasks and zero active agents (spec.md §4.6).
func (s *Scheduler) SetIdleFunc(f IdleFunc) {
	s.idleFunc = f
}
