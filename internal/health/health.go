// Package health runs a periodic build+test check against a repo's main
// branch and files a dedup'd repair task on failure (spec.md §4.8).
package health

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sepipe/sepiped/internal/config"
	"github.com/sepipe/sepiped/internal/gitutil"
	"github.com/sepipe/sepiped/internal/store"
)

// maxStderrLen bounds how much of a failing command's output is embedded in
// the filed repair task (spec.md §4.8: "last 500 bytes of stderr").
const maxStderrLen = 500

// Engine checks one repo's main branch for a working build and passing
// tests every Interval.
type Engine struct {
	Store    *store.Store
	Repo     config.RepoConfig
	Interval time.Duration
	Logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a health Engine for one watched repo.
func New(s *store.Store, repo config.RepoConfig, interval time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{Store: s, Repo: repo, Interval: interval, Logger: logger}
}

// Start begins the check loop in a background goroutine.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.loop(ctx)
	e.Logger.Info("health: started", "repo", e.Repo.Path, "interval", e.Interval)
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
			if err := e.Check(ctx); err != nil {
				e.Logger.Error("health: check failed", "repo", e.Repo.Path, "error", err)
			}
		}
	}
}

// Check checks out main, runs the repo's build command then its test
// command, and files a repair task for the first one that fails. It is a
// no-op for a command left unconfigured.
func (e *Engine) Check(ctx context.Context) error {
	if err := gitutil.CheckoutMain(ctx, e.Repo.Path); err != nil {
		return fmt.Errorf("checkout main: %w", err)
	}

	stderr, ok, err := e.run(ctx, e.Repo.BuildCommand)
	if err != nil {
		return fmt.Errorf("run build command: %w", err)
	}
	if !ok {
		return e.fileRepairTask(ctx, "Fix failing build on main", stderr)
	}

	stderr, ok, err = e.run(ctx, e.Repo.TestCommand)
	if err != nil {
		return fmt.Errorf("run test command: %w", err)
	}
	if !ok {
		return e.fileRepairTask(ctx, "Fix failing tests on main", stderr)
	}

	return nil
}

// run executes command in the repo and reports whether it succeeded. A
// nonzero exit is a normal failure (ok=false, err=nil); anything else
// (missing binary, bad command string) is an infrastructure error.
func (e *Engine) run(ctx context.Context, command string) (output string, ok bool, err error) {
	if strings.TrimSpace(command) == "" {
		return "", true, nil
	}
	fields := strings.Fields(command)
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Dir = e.Repo.Path
	out, runErr := cmd.CombinedOutput()
	if runErr == nil {
		return "", true, nil
	}
	if _, isExit := runErr.(*exec.ExitError); isExit {
		return tail(string(out), maxStderrLen), false, nil
	}
	return "", false, runErr
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// fileRepairTask creates a repair task unless one with the same title is
// already active against this repo (spec.md §4.8: "dedup'd").
func (e *Engine) fileRepairTask(ctx context.Context, title, output string) error {
	active, err := e.Store.ActiveTasks(ctx, 1000)
	if err != nil {
		return fmt.Errorf("list active tasks: %w", err)
	}
	for _, t := range active {
		if t.RepoPath == e.Repo.Path && t.Title == title {
			return nil
		}
	}
	_, err = e.Store.CreateTask(ctx, store.Task{
		Title:       title,
		Description: "Health check detected a failure on main.\n\n" + output,
		RepoPath:    e.Repo.Path,
		Creator:     "health-check",
	})
	if err != nil {
		return fmt.Errorf("file repair task: %w", err)
	}
	return nil
}
