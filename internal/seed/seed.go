// Package seed runs the idle-triggered seed/proposal engine (spec.md §4.6):
// when the scheduler observes zero active tasks and zero active agents and a
// cooldown has elapsed, it rotates through five scan modes, files tasks or
// proposals from the agent's sentinel-delimited output, cross-pollinates
// non-primary watched repos, and triages pending proposals.
package seed

import (
	"context"
	"fmt"
	"time"

	"github.com/sepipe/sepiped/internal/config"
	"github.com/sepipe/sepiped/internal/phase"
	"github.com/sepipe/sepiped/internal/store"
)

const modCounterKey = "seed:mode_counter"

// Mode is one of the five rotating scan modes (spec.md §4.6 table).
type Mode int

const (
	ModeRefactoring Mode = iota
	ModeBugAudit
	ModeTestCoverage
	ModeFeatureDiscovery
	ModeArchitectureReview
)

func (m Mode) producesProposals() bool {
	return m == ModeFeatureDiscovery || m == ModeArchitectureReview
}

func (m Mode) prompt() string {
	switch m {
	case ModeRefactoring:
		return "Scan this repository for refactoring opportunities. Emit each as a TASK block."
	case ModeBugAudit:
		return "Audit this repository for bugs. Emit each as a TASK block."
	case ModeTestCoverage:
		return "Find gaps in test coverage. Emit each as a TASK block."
	case ModeFeatureDiscovery:
		return "Propose new features for this repository. Emit each as a PROPOSAL block."
	case ModeArchitectureReview:
		return "Review the architecture for structural improvements. Emit each as a PROPOSAL block."
	default:
		return ""
	}
}

// Engine runs one idle-triggered seed pass.
type Engine struct {
	Store    *store.Store
	Invoker  phase.AgentInvoker
	Config   config.Config
	Timeout  time.Duration
	lastRun  time.Time
}

// New creates a seed Engine.
func New(s *store.Store, invoker phase.AgentInvoker, cfg config.Config) *Engine {
	return &Engine{Store: s, Invoker: invoker, Config: cfg, Timeout: 10 * time.Minute}
}

// cooldown returns the configured idle cooldown before another seed pass may
// run (spec.md §4.6: "continuous mode: 30 min; else configured").
func (e *Engine) cooldown() time.Duration {
	return time.Duration(e.Config.SeedCooldownSeconds) * time.Second
}

// Run is the idle-branch entry point the scheduler calls (spec.md §4.2 step
// 5, §4.6). It is a no-op if the cooldown has not elapsed.
func (e *Engine) Run(ctx context.Context) error {
	if !e.lastRun.IsZero() && time.Since(e.lastRun) < e.cooldown() {
		return nil
	}
	e.lastRun = time.Now()

	primary, ok := e.Config.PrimaryRepo()
	if !ok {
		return nil
	}

	n, err := e.Store.IncrementModCounter(ctx, modCounterKey, 5)
	if err != nil {
		return fmt.Errorf("rotate seed mode: %w", err)
	}
	mode := Mode(n)

	if err := e.runMode(ctx, mode, primary.Path, primary.Path); err != nil {
		return err
	}

	for _, repo := range e.Config.Repos {
		if repo.Primary {
			continue
		}
		if err := e.crossPollinate(ctx, repo.Path, primary.Path); err != nil {
			return err
		}
	}

	return nil
}

// runMode invokes the seeder agent for one mode over sourceRepo and files
// the resulting blocks against filingRepo.
func (e *Engine) runMode(ctx context.Context, mode Mode, sourceRepo, filingRepo string) error {
	capped, err := e.backlogAtCapacity(ctx)
	if err != nil {
		return err
	}
	if capped {
		return nil
	}
	res, err := e.Invoker.Invoke(ctx, phase.PersonaSeeder, mode.prompt(), sourceRepo, "", "", e.Timeout)
	if err != nil {
		return fmt.Errorf("seed mode %d: invoke agent: %w", int(mode), err)
	}

	if mode.producesProposals() {
		blocks := ScanBlocks(res.Output, "PROPOSAL_START", "PROPOSAL_END")
		return e.fileProposals(ctx, filingRepo, blocks)
	}
	blocks := ScanBlocks(res.Output, "TASK_START", "TASK_END")
	return e.fileTasks(ctx, filingRepo, "seeder", blocks)
}

// crossPollinate runs a proposal-producing agent over a non-primary repo's
// source but files the resulting proposals against the primary repo (spec.md
// §4.6: "cross-pollinate pass").
func (e *Engine) crossPollinate(ctx context.Context, sourceRepo, primaryRepo string) error {
	capped, err := e.backlogAtCapacity(ctx)
	if err != nil {
		return err
	}
	if capped {
		return nil
	}
	prompt := "Review this repository's source for ideas applicable to the primary project. Emit each as a PROPOSAL block."
	res, err := e.Invoker.Invoke(ctx, phase.PersonaSeeder, prompt, sourceRepo, "", "", e.Timeout)
	if err != nil {
		return fmt.Errorf("cross-pollinate %s: %w", sourceRepo, err)
	}
	blocks := ScanBlocks(res.Output, "PROPOSAL_START", "PROPOSAL_END")
	return e.fileProposals(ctx, primaryRepo, blocks)
}

// backlogAtCapacity reports whether the configured backlog cap has been
// reached, in which case new work must be suppressed rather than filed
// (spec.md §4.6: "new work suppressed when the cap is reached").
func (e *Engine) backlogAtCapacity(ctx context.Context) (bool, error) {
	tasks, err := e.Store.ActiveTasks(ctx, e.Config.PipelineMaxBacklog+1)
	if err != nil {
		return false, err
	}
	return len(tasks) >= e.Config.PipelineMaxBacklog, nil
}

func (e *Engine) fileTasks(ctx context.Context, repoPath, creator string, blocks []Block) error {
	for _, b := range blocks {
		if b.Title == "" {
			continue
		}
		if _, err := e.Store.CreateTask(ctx, store.Task{
			Title:       b.Title,
			Description: b.Description,
			RepoPath:    repoPath,
			Creator:     creator,
		}); err != nil {
			return fmt.Errorf("file seeded task: %w", err)
		}
	}
	return nil
}

func (e *Engine) fileProposals(ctx context.Context, repoPath string, blocks []Block) error {
	for _, b := range blocks {
		if b.Title == "" {
			continue
		}
		if _, err := e.Store.CreateProposal(ctx, store.Proposal{
			RepoPath:    repoPath,
			Title:       b.Title,
			Description: b.Description,
			Rationale:   b.Rationale,
		}); err != nil {
			return fmt.Errorf("file proposal: %w", err)
		}
	}
	return nil
}

// Approve promotes a proposal to a backlog task with creator "proposal"
// (spec.md §4.6 "Triage": "Approval promotes a proposal to a backlog task").
func Approve(ctx context.Context, s *store.Store, proposalID int64) error {
	p, err := s.GetProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	if err := s.DecideProposal(ctx, proposalID, store.ProposalApproved); err != nil {
		return err
	}
	_, err = s.CreateTask(ctx, store.Task{
		Title:       p.Title,
		Description: p.Description + "\n\nRationale: " + p.Rationale,
		RepoPath:    p.RepoPath,
		Creator:     "proposal",
	})
	return err
}
