// Package integration drains the per-repo queue, pushes branches, opens and
// verifies PRs, checks mergeability, merges, and routes conflicts back to the
// rebase phase (spec.md §4.4).
package integration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sepipe/sepiped/internal/bus"
	"github.com/sepipe/sepiped/internal/codehost"
	"github.com/sepipe/sepiped/internal/config"
	"github.com/sepipe/sepiped/internal/gitutil"
	"github.com/sepipe/sepiped/internal/store"
)

const minTickInterval = 60 * time.Second

// NewCodehostBreaker wraps code-host CLI calls in a circuit breaker that
// opens after repeated non-signal failures, generalizing the teacher's
// per-LLM-provider breaker (internal/engine/failover.go FailoverBrain) from
// provider failover to PR-CLI failure isolation.
func NewCodehostBreaker(repoPath string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "codehost:" + repoPath,
		MaxRequests: 1,
		Interval:    5 * time.Minute,
		Timeout:     5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("integration: codehost breaker state change", "breaker", name, "from", from, "to", to)
		},
	})
}

// Engine runs the integration loop over one configured repo.
type Engine struct {
	Store   *store.Store
	Bus     *bus.Bus
	Repo    config.RepoConfig
	Breaker *gobreaker.CircuitBreaker

	lastRun time.Time
}

// New creates an Engine for one repo.
func New(s *store.Store, b *bus.Bus, repo config.RepoConfig) *Engine {
	return &Engine{Store: s, Bus: b, Repo: repo, Breaker: NewCodehostBreaker(repo.Path)}
}

// Tick runs one pass of the integration loop (spec.md §4.4 steps 1-8),
// no-op if called before minTickInterval has elapsed since the last run.
func (e *Engine) Tick(ctx context.Context) error {
	if !e.lastRun.IsZero() && time.Since(e.lastRun) < minTickInterval {
		return nil
	}
	e.lastRun = time.Now()

	entries, err := e.Store.QueuedByRepo(ctx, e.Repo.Path)
	if err != nil {
		return fmt.Errorf("list queue entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	if err := gitutil.CheckoutMain(ctx, e.Repo.Path); err != nil {
		return fmt.Errorf("checkout main: %w", err)
	}

	host := codehost.New(e.Repo.Path)
	var merged []string
	var freshlyPushed = map[int64]bool{}

	for _, entry := range entries {
		if !e.branchExists(ctx, entry.Branch) {
			_ = e.Store.SetQueueStatus(ctx, entry.ID, store.QueueExcluded, "branch not found")
			continue
		}

		state, exists, err := e.viewState(ctx, host, entry.Branch)
		if err != nil {
			slog.Error("integration: view pr state", "branch", entry.Branch, "error", err)
			continue
		}
		if exists && state == codehost.StateMerged {
			e.finalizeMerged(ctx, entry)
			merged = append(merged, entry.Branch)
			continue
		}

		isAncestor, _ := gitutil.IsAncestor(ctx, e.Repo.Path, "origin/main", entry.Branch)
		if !isAncestor {
			_ = e.Store.SetQueueStatus(ctx, entry.ID, store.QueueExcluded, "branch not rebased on main")
			_ = e.Store.Transition(ctx, entry.TaskID, store.TaskTransition{Status: store.StatusRebase, ClearDispatched: true})
			continue
		}

		worktree := gitutil.WorktreePath(e.Repo.Path, entry.TaskID)
		if err := e.forcePush(ctx, worktree, entry.Branch); err != nil {
			slog.Error("integration: force push", "branch", entry.Branch, "error", err)
			continue
		}

		if !exists {
			stderr, createErr := e.createPR(ctx, host, entry)
			if createErr != nil {
				if strings.Contains(stderr, string(codehost.SignalNoCommitsBetween)) {
					e.finalizeMerged(ctx, entry)
					merged = append(merged, entry.Branch)
					continue
				}
				slog.Error("integration: create pr", "branch", entry.Branch, "error", createErr)
				continue
			}
		}
		freshlyPushed[entry.ID] = true
	}

	if e.Repo.ManualMerge {
		for _, entry := range entries {
			current, err := e.Store.GetQueueEntry(ctx, entry.ID)
			if err != nil || current.Status != store.QueueQueued {
				continue
			}
			_ = e.Store.SetQueueStatus(ctx, entry.ID, store.QueuePendingReview, "")
		}
		return nil
	}

	for _, entry := range entries {
		if freshlyPushed[entry.ID] {
			continue // gh needs time to recompute mergeability after a fresh push
		}
		current, err := e.Store.GetQueueEntry(ctx, entry.ID)
		if err != nil || current.Status == store.QueueMerged || current.Status == store.QueueExcluded {
			continue
		}

		state, exists, err := e.viewState(ctx, host, entry.Branch)
		if err == nil && exists && state == codehost.StateMerged {
			e.finalizeMerged(ctx, entry)
			merged = append(merged, entry.Branch)
			continue
		}

		mergeable, err := e.viewMergeable(ctx, host, entry.Branch)
		if err != nil {
			slog.Error("integration: view mergeable", "branch", entry.Branch, "error", err)
			continue
		}
		if mergeable == codehost.MergeableUnknown {
			capped, _ := e.Store.IncrementUnknownRetries(ctx, entry.ID)
			if !capped {
				continue // skip to next tick
			}
			// cap reached: proceed optimistically
		} else if mergeable != codehost.MergeableYes {
			_ = e.Store.SetQueueStatus(ctx, entry.ID, store.QueueExcluded, "merge conflict with main")
			_ = e.Store.Transition(ctx, entry.TaskID, store.TaskTransition{Status: store.StatusRebase, ClearDispatched: true})
			continue
		}

		_ = e.Store.SetQueueStatus(ctx, entry.ID, store.QueueMerging, "")
		stderr, mergeErr := e.mergeSquash(ctx, host, entry.Branch)
		if mergeErr != nil {
			if strings.Contains(stderr, "conflict") {
				_ = e.Store.Transition(ctx, entry.TaskID, store.TaskTransition{Status: store.StatusRebase, ClearDispatched: true})
				_ = e.Store.SetQueueStatus(ctx, entry.ID, store.QueueExcluded, "merge conflict with main")
			} else {
				_ = e.Store.SetQueueStatus(ctx, entry.ID, store.QueueQueued, stderr)
			}
			continue
		}
		e.finalizeMerged(ctx, entry)
		merged = append(merged, entry.Branch)
		if e.Bus != nil {
			channel := ""
			if task, terr := e.Store.GetTask(ctx, entry.TaskID); terr == nil {
				channel = task.NotifyChannel
			}
			e.Bus.Publish(bus.TopicPipelineAlert, bus.PipelineAlert{TaskID: entry.TaskID, Severity: "info", Message: "merged " + entry.Branch, Channel: channel})
		}
	}

	if len(merged) > 0 {
		_ = gitutil.CheckoutMain(ctx, e.Repo.Path)
		e.maybeOpenCleanupPR(ctx, host)
		e.emitDigest(ctx, merged)
	}

	return nil
}

func (e *Engine) branchExists(ctx context.Context, branch string) bool {
	_, err := gitutil.Run(ctx, e.Repo.Path, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

func (e *Engine) viewState(ctx context.Context, host *codehost.Client, branch string) (codehost.State, bool, error) {
	res, err := e.Breaker.Execute(func() (interface{}, error) {
		state, exists, err := host.ViewState(ctx, branch)
		return [2]interface{}{state, exists}, err
	})
	if err != nil {
		return "", false, err
	}
	pair := res.([2]interface{})
	return pair[0].(codehost.State), pair[1].(bool), nil
}

func (e *Engine) viewMergeable(ctx context.Context, host *codehost.Client, branch string) (codehost.Mergeable, error) {
	res, err := e.Breaker.Execute(func() (interface{}, error) {
		return host.ViewMergeable(ctx, branch)
	})
	if err != nil {
		return "", err
	}
	return res.(codehost.Mergeable), nil
}

func (e *Engine) forcePush(ctx context.Context, worktree, branch string) error {
	_, err := e.Breaker.Execute(func() (interface{}, error) {
		return nil, gitutil.ForcePush(ctx, worktree, branch)
	})
	return err
}

func (e *Engine) createPR(ctx context.Context, host *codehost.Client, entry store.QueueEntry) (stderr string, err error) {
	task, terr := e.Store.GetTask(ctx, entry.TaskID)
	if terr != nil {
		return "", terr
	}
	res, err := e.Breaker.Execute(func() (interface{}, error) {
		stderr, createErr := host.Create(ctx, entry.Branch, task.Title)
		return stderr, createErr
	})
	if res != nil {
		stderr, _ = res.(string)
	}
	return stderr, err
}

func (e *Engine) mergeSquash(ctx context.Context, host *codehost.Client, branch string) (stderr string, err error) {
	res, err := e.Breaker.Execute(func() (interface{}, error) {
		stderr, mergeErr := host.MergeSquash(ctx, branch)
		return stderr, mergeErr
	})
	if res != nil {
		stderr, _ = res.(string)
	}
	return stderr, err
}

func (e *Engine) finalizeMerged(ctx context.Context, entry store.QueueEntry) {
	_ = e.Store.SetQueueStatus(ctx, entry.ID, store.QueueMerged, "")
	_ = e.Store.Transition(ctx, entry.TaskID, store.TaskTransition{Status: store.StatusMerged, ClearDispatched: true})
	if e.Bus != nil {
		e.Bus.Publish(bus.TopicQueueMerged, bus.QueueStateChangedEvent{TaskID: entry.TaskID, NewStatus: string(store.QueueMerged)})
	}
}

// cleanupArtifact is the stale file a completed migration or distillation
// pass may leave behind; if the backlog is otherwise drained, the engine
// opens a PR to remove it (spec.md §4.4 step 7).
const cleanupArtifact = "MIGRATION_NOTES.md"

func (e *Engine) maybeOpenCleanupPR(ctx context.Context, host *codehost.Client) {
	tasks, err := e.Store.ActiveTasks(ctx, 1)
	if err != nil || len(tasks) > 0 {
		return
	}
	if _, err := gitutil.Run(ctx, e.Repo.Path, "cat-file", "-e", "HEAD:"+cleanupArtifact); err != nil {
		return // artifact already gone
	}

	branch := "cleanup-" + fmt.Sprint(time.Now().Unix())
	if _, err := gitutil.Run(ctx, e.Repo.Path, "checkout", "-b", branch); err != nil {
		return
	}
	defer func() { _, _ = gitutil.Run(ctx, e.Repo.Path, "checkout", "main") }()
	if _, err := gitutil.Run(ctx, e.Repo.Path, "rm", cleanupArtifact); err != nil {
		return
	}
	if committed, _ := gitutil.CommitAll(ctx, e.Repo.Path, "remove stale migration artifact"); !committed {
		return
	}
	if err := gitutil.ForcePush(ctx, e.Repo.Path, branch); err != nil {
		return
	}
	_, _ = host.Create(ctx, branch, "Remove stale migration artifact")
}

func (e *Engine) emitDigest(ctx context.Context, merged []string) {
	msg := fmt.Sprintf("merged %d branch(es): %s", len(merged), strings.Join(merged, ", "))
	_ = e.Store.LogEvent(ctx, "info", "integration", msg, "")
	if e.Bus != nil {
		e.Bus.Publish(bus.TopicPipelineAlert, bus.PipelineAlert{Severity: "info", Message: msg})
	}
}
