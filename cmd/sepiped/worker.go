package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sepipe/sepiped/internal/bus"
	"github.com/sepipe/sepiped/internal/config"
	"github.com/sepipe/sepiped/internal/observe"
	"github.com/sepipe/sepiped/internal/phase"
	"github.com/sepipe/sepiped/internal/store"
)

// pipeline wires the status-dispatch switch the scheduler calls once per
// dispatched task (spec.md §4.2 step 3 / §4.3 state machine).
type pipeline struct {
	handlers *phase.Handlers
	store    *store.Store
	bus      *bus.Bus
	registry *observe.Registry
	logger   *slog.Logger

	// Cfg/CfgMu mirror internal/dashboard's live-config convention: the
	// supervisor process's single mutable source of truth, hot-reloadable
	// via PUT /settings.
	Cfg   *config.Config
	CfgMu *sync.RWMutex

	testCommand func(repoPath string) string
}

// runTask is installed as scheduler.Config.RunWorker. It dispatches on the
// task's status to the matching phase.Handlers method, applies the
// returned Outcome to the store, and publishes the bus events the
// dashboard and notifier subscribe to.
func (p *pipeline) runTask(ctx context.Context, t store.Task) {
	p.CfgMu.RLock()
	timeout := time.Duration(p.Cfg.AgentTimeoutSeconds) * time.Second
	p.CfgMu.RUnlock()
	testCommand := p.testCommand(t.RepoPath)

	start := time.Now()
	outcome, err := p.dispatch(ctx, t, testCommand, timeout)
	if p.registry != nil {
		p.registry.RecordPhase(string(t.Status), time.Since(start))
	}
	if err != nil {
		p.logger.Error("worker: phase handler failed", "task_id", t.ID, "status", t.Status, "error", err)
		p.reportFailure(ctx, t, err.Error())
		return
	}

	p.applyOutcome(ctx, t, outcome)
}

// reportFailure emits the structured event and notifier alert spec.md:222
// requires for every non-silent failure: a "pipeline" category event
// carrying the task id in metadata, plus a bus.PipelineAlert routed to the
// task's notify channel.
func (p *pipeline) reportFailure(ctx context.Context, t store.Task, message string) {
	metadata := fmt.Sprintf(`{"task_id":%d}`, t.ID)
	if err := p.store.LogEvent(ctx, "error", "pipeline", message, metadata); err != nil {
		p.logger.Error("worker: log pipeline event failed", "task_id", t.ID, "error", err)
	}
	if p.bus != nil {
		p.bus.Publish(bus.TopicPipelineAlert, bus.PipelineAlert{
			TaskID:   t.ID,
			Severity: "error",
			Message:  message,
			Channel:  t.NotifyChannel,
		})
	}
}

func (p *pipeline) dispatch(ctx context.Context, t store.Task, testCommand string, timeout time.Duration) (phase.Outcome, error) {
	switch t.Status {
	case store.StatusBacklog:
		return p.handlers.SetupBranch(ctx, t)
	case store.StatusSpec:
		return p.handlers.Spec(ctx, t, timeout)
	case store.StatusQA:
		return p.handlers.QA(ctx, t, false, timeout)
	case store.StatusQAFix:
		return p.handlers.QA(ctx, t, true, timeout)
	case store.StatusImpl, store.StatusRetry:
		return p.handlers.ImplOrRetry(ctx, t, testCommand, timeout)
	case store.StatusRebase:
		return p.handlers.Rebase(ctx, t, testCommand, timeout)
	default:
		return phase.Outcome{NextStatus: t.Status, Attempt: phase.NoAttemptChange}, nil
	}
}

func (p *pipeline) applyOutcome(ctx context.Context, t store.Task, outcome phase.Outcome) {
	if outcome.Recycle {
		if err := p.store.Recycle(ctx, t.ID); err != nil {
			p.logger.Error("worker: recycle task", "task_id", t.ID, "error", err)
			return
		}
		p.reportFailure(ctx, t, outcome.LastError)
		if p.bus != nil {
			p.bus.Publish(bus.TopicTaskRecycled, bus.TaskStateChangedEvent{TaskID: t.ID, NewStatus: string(store.StatusBacklog)})
		}
		return
	}

	transition := store.TaskTransition{Status: outcome.NextStatus, Attempt: outcome.Attempt}
	if outcome.Branch != "" {
		transition.Branch = &outcome.Branch
	}
	if outcome.SessionID != "" {
		transition.ResumeSessionID = &outcome.SessionID
	}
	if outcome.LastError != "" {
		transition.LastError = &outcome.LastError
	}

	if err := p.store.Transition(ctx, t.ID, transition); err != nil {
		p.logger.Error("worker: apply transition", "task_id", t.ID, "error", err)
		return
	}

	if outcome.NextStatus == store.StatusFailed {
		p.reportFailure(ctx, t, outcome.LastError)
	}

	if outcome.Enqueue {
		if err := p.store.Enqueue(ctx, t.ID, t.Branch, t.RepoPath); err != nil {
			p.logger.Error("worker: enqueue task", "task_id", t.ID, "error", err)
		} else if p.bus != nil {
			p.bus.Publish(bus.TopicQueueEnqueued, bus.QueueStateChangedEvent{TaskID: t.ID, NewStatus: "queued"})
		}
	}

	if p.bus != nil {
		p.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID:    t.ID,
			OldStatus: string(t.Status),
			NewStatus: string(outcome.NextStatus),
		})
		p.bus.Publish(bus.TopicPhaseCompleted, bus.PhaseCompletedEvent{
			TaskID:  t.ID,
			Phase:   string(t.Status),
			Success: outcome.LastError == "",
		})
	}
}
