// Package selfupdate watches the primary repo's origin/main for new
// commits, rebuilds the supervisor in place, and arms a restart gate
// (spec.md §4.7).
package selfupdate

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sepipe/sepiped/internal/gitutil"
)

// restartWait is how long an armed update waits for a quiet period before
// forcing a restart anyway (spec.md §4.7: "wait 3h or restart immediately
// if an operator force-restart flag is set, whichever is first").
const restartWait = 3 * time.Hour

// NewBuildBreaker wraps the build step so a repeatedly broken build doesn't
// burn a build attempt on every tick (generalizes the teacher's per-provider
// circuit breaker in internal/engine/failover.go, see DESIGN.md).
func NewBuildBreaker(repoPath string, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "selfupdate-build:" + repoPath,
		MaxRequests: 1,
		Interval:    5 * time.Minute,
		Timeout:     5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("selfupdate breaker state change",
				"name", name, "from", from.String(), "to", to.String())
		},
	})
}

// Engine polls one repo for upstream commits and rebuilds on change.
type Engine struct {
	RepoPath     string
	BuildCommand string
	Interval     time.Duration
	Logger       *slog.Logger
	// ExitFunc is called once a restart is triggered, signaling the main
	// loop to exit so the process launcher can re-exec (spec.md §4.7).
	ExitFunc func()

	breaker   *gobreaker.CircuitBreaker
	startHEAD string

	mu      sync.Mutex
	armed   bool
	armedAt time.Time

	forceRestart atomic.Bool
	ready        atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a self-update Engine, recording repoPath's current HEAD as
// the baseline a rebuild must diverge from.
func New(repoPath, buildCommand string, interval time.Duration, logger *slog.Logger, exitFunc func()) (*Engine, error) {
	if buildCommand == "" {
		buildCommand = "go build ./..."
	}
	if logger == nil {
		logger = slog.Default()
	}
	head, err := gitutil.HeadCommit(context.Background(), repoPath)
	if err != nil {
		return nil, fmt.Errorf("record startup HEAD: %w", err)
	}
	return &Engine{
		RepoPath:     repoPath,
		BuildCommand: buildCommand,
		Interval:     interval,
		Logger:       logger,
		ExitFunc:     exitFunc,
		breaker:      NewBuildBreaker(repoPath, logger),
		startHEAD:    head,
	}, nil
}

// Start begins the polling loop in a background goroutine.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.loop(ctx)
	e.Logger.Info("selfupdate: started", "repo", e.RepoPath, "interval", e.Interval)
}

// Stop cancels the loop and waits for it to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	e.mu.Lock()
	armed, armedAt := e.armed, e.armedAt
	e.mu.Unlock()

	if armed {
		if e.forceRestart.Load() || time.Since(armedAt) >= restartWait {
			e.triggerRestart()
		}
		return
	}

	changed, err := e.checkForUpdate(ctx)
	if err != nil {
		e.Logger.Error("selfupdate: check failed", "error", err)
		return
	}
	if !changed {
		return
	}

	if err := e.build(ctx); err != nil {
		e.Logger.Error("selfupdate: build failed", "error", err)
		return
	}
	e.arm()
}

// checkForUpdate fetches origin/main, pulls it into local main if the two
// diverge, and reports whether the resulting HEAD differs from the HEAD
// recorded at supervisor startup.
func (e *Engine) checkForUpdate(ctx context.Context) (bool, error) {
	if err := gitutil.FetchOrigin(ctx, e.RepoPath); err != nil {
		return false, err
	}
	local, err := gitutil.HeadCommit(ctx, e.RepoPath)
	if err != nil {
		return false, err
	}
	remote, err := gitutil.RevParse(ctx, e.RepoPath, "origin/main")
	if err != nil {
		return false, err
	}
	if local != remote {
		if err := gitutil.CheckoutMain(ctx, e.RepoPath); err != nil {
			return false, err
		}
	}
	head, err := gitutil.HeadCommit(ctx, e.RepoPath)
	if err != nil {
		return false, err
	}
	return head != e.startHEAD, nil
}

func (e *Engine) build(ctx context.Context) error {
	_, err := e.breaker.Execute(func() (interface{}, error) {
		fields := strings.Fields(e.BuildCommand)
		if len(fields) == 0 {
			return nil, fmt.Errorf("empty build command")
		}
		cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
		cmd.Dir = e.RepoPath
		out, runErr := cmd.CombinedOutput()
		if runErr != nil {
			return nil, fmt.Errorf("build failed: %w: %s", runErr, strings.TrimSpace(string(out)))
		}
		return nil, nil
	})
	return err
}

func (e *Engine) arm() {
	e.mu.Lock()
	e.armed = true
	e.armedAt = time.Now()
	e.mu.Unlock()
	e.Logger.Info("selfupdate: build succeeded, restart armed", "wait", restartWait)
}

// ForceRestart sets the operator force-restart flag (spec.md §4.7), making
// the next tick restart immediately instead of waiting out the 3h window.
func (e *Engine) ForceRestart() {
	e.forceRestart.Store(true)
}

func (e *Engine) triggerRestart() {
	e.ready.Store(true)
	e.Logger.Info("selfupdate: triggering restart")
	if e.ExitFunc != nil {
		e.ExitFunc()
	}
}

// Ready reports whether a rebuild has completed and the main loop has been
// signaled to exit for re-exec (spec.md §4.7: "sets an 'update ready' flag
// the process launcher observes to re-exec").
func (e *Engine) Ready() bool {
	return e.ready.Load()
}

// Armed reports whether a restart is currently pending.
func (e *Engine) Armed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.armed
}
