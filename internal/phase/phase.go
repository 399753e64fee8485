// Package phase implements the per-task phase handlers (spec.md §4.5):
// setup_branch, spec, qa/qa_fix, impl/retry, and rebase. Each handler
// operates in a per-task worktree and persistent session directory, and
// returns the next status transition for the scheduler to apply.
package phase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sepipe/sepiped/internal/codehost"
	"github.com/sepipe/sepiped/internal/gitutil"
	"github.com/sepipe/sepiped/internal/sandbox"
	"github.com/sepipe/sepiped/internal/store"
)

// Persona identifies which system-prompt base and sandbox boundary to use
// for an agent invocation (spec.md §4.5 "Agent invocation contract").
type Persona string

const (
	PersonaManager Persona = "manager"
	PersonaQA      Persona = "qa"
	PersonaWorker  Persona = "worker"
	PersonaSeeder  Persona = "seeder"
)

// AgentInvoker runs one agent turn and returns its parsed output. Sandboxed
// invocations go through internal/sandbox; the rebase phase instead runs
// host-side (spec.md §4.5 "Agent invocation (host-side)").
type AgentInvoker interface {
	Invoke(ctx context.Context, persona Persona, prompt, workdir, sessionDir, resumeSessionID string, timeout time.Duration) (sandbox.Result, error)
}

// TestRunner runs a repo's configured test/build command in a worktree.
type TestRunner func(ctx context.Context, worktreeDir, command string) (stdout, stderr string, exitCode int, err error)

// Handlers wires the dependencies every phase handler needs.
type Handlers struct {
	Store       *store.Store
	Sandboxed   AgentInvoker
	HostAgent   AgentInvoker
	RunCommand  TestRunner
	SessionRoot string // e.g. <home>/store/sessions
}

func (h *Handlers) sessionDir(taskID int64) string {
	dir := filepath.Join(h.SessionRoot, fmt.Sprintf("task-%d", taskID))
	_ = os.MkdirAll(dir, 0o755)
	return dir
}

// Outcome is what a handler decides the task's next status should be, plus
// any state updates the scheduler must persist.
type Outcome struct {
	NextStatus store.Status
	Branch     string
	SessionID  string
	LastError  string
	Enqueue    bool
	Recycle    bool
	// Attempt is the attempt count to persist, or NoAttemptChange to leave
	// it as-is. Mirrors store.TaskTransition.Attempt's -1 sentinel.
	Attempt int
}

// NoAttemptChange is the Outcome.Attempt sentinel meaning "leave the task's
// attempt counter as-is."
const NoAttemptChange = -1

const noAttemptChange = NoAttemptChange

// SetupBranch implements spec.md §4.5 "setup_branch".
func (h *Handlers) SetupBranch(ctx context.Context, t store.Task) (Outcome, error) {
	worktree, err := gitutil.EnsureWorktree(ctx, t.RepoPath, t.ID)
	if err != nil {
		return Outcome{NextStatus: t.Status, LastError: err.Error(), Attempt: noAttemptChange}, nil
	}
	_ = worktree
	return Outcome{NextStatus: store.StatusSpec, Branch: gitutil.BranchName(t.ID), Attempt: noAttemptChange}, nil
}

const maxFileListingBytes = 4096

// listWorktreeFiles returns a bounded file listing used as spec-agent
// context (spec.md §4.5 "a bounded (≤4 KB) file listing of the worktree").
func listWorktreeFiles(worktreeDir string) string {
	var b strings.Builder
	_ = filepath.Walk(worktreeDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil {
			return nil
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, rerr := filepath.Rel(worktreeDir, path)
		if rerr != nil {
			return nil
		}
		if b.Len()+len(rel)+1 > maxFileListingBytes {
			return filepath.SkipAll
		}
		b.WriteString(rel)
		b.WriteByte('\n')
		return nil
	})
	return b.String()
}

// Spec implements spec.md §4.5 "spec": run the Manager agent, store its
// output and optional spec_diff artifact, transition to qa.
func (h *Handlers) Spec(ctx context.Context, t store.Task, timeout time.Duration) (Outcome, error) {
	worktree := gitutil.WorktreePath(t.RepoPath, t.ID)
	sessionDir := h.sessionDir(t.ID)

	prompt := fmt.Sprintf("Task: %s\n\n%s\n\nFiles:\n%s", t.Title, t.Description, listWorktreeFiles(worktree))
	res, err := h.Sandboxed.Invoke(ctx, PersonaManager, prompt, worktree, sessionDir, "", timeout)
	if err != nil {
		return Outcome{NextStatus: t.Status, LastError: err.Error(), Attempt: noAttemptChange}, nil
	}

	specPath := filepath.Join(worktree, "spec.md")
	specContent := ""
	if b, rerr := os.ReadFile(specPath); rerr == nil {
		specContent = string(b)
	}
	if specContent == "" && res.Output == "" {
		return Outcome{NextStatus: store.StatusFailed, LastError: "spec phase produced no spec.md and no output", Attempt: noAttemptChange}, nil
	}
	if specContent != "" {
		if _, err := h.Store.AppendPhaseOutput(ctx, t.ID, "spec_diff", specContent, res.RawStream, 0); err != nil {
			return Outcome{}, err
		}
	}
	if _, err := h.Store.AppendPhaseOutput(ctx, t.ID, "spec", res.Output, res.RawStream, 0); err != nil {
		return Outcome{}, err
	}
	return Outcome{NextStatus: store.StatusQA, SessionID: res.NewSessionID, Attempt: noAttemptChange}, nil
}

// QA implements spec.md §4.5 "qa and qa_fix": run the QA agent, commit, and
// transition to impl. qa_fix starts a fresh session; qa resumes the spec
// session (caller decides which resumeSessionID to pass).
func (h *Handlers) QA(ctx context.Context, t store.Task, fresh bool, timeout time.Duration) (Outcome, error) {
	worktree := gitutil.WorktreePath(t.RepoPath, t.ID)
	sessionDir := h.sessionDir(t.ID)

	resume := t.ResumeSessionID
	if fresh {
		resume = ""
	}
	persona := PersonaQA
	prompt := fmt.Sprintf("Write tests for: %s\n\n%s", t.Title, t.Description)
	res, err := h.Sandboxed.Invoke(ctx, persona, prompt, worktree, sessionDir, resume, timeout)
	if err != nil {
		return Outcome{NextStatus: t.Status, LastError: err.Error(), Attempt: noAttemptChange}, nil
	}

	msg := "qa: add tests"
	artifact := "qa_diff"
	if fresh {
		msg = "qa_fix: add tests (fresh session)"
		artifact = "qa_fix_diff"
	}
	committed, cerr := gitutil.CommitAll(ctx, worktree, msg)
	if cerr != nil {
		return Outcome{NextStatus: t.Status, LastError: cerr.Error(), Attempt: noAttemptChange}, nil
	}
	if !committed {
		return Outcome{NextStatus: store.StatusFailed, LastError: "qa phase commit reported no changes", Attempt: noAttemptChange}, nil
	}
	diff, derr := gitutil.Diff(ctx, worktree)
	if derr != nil {
		return Outcome{}, derr
	}
	if _, err := h.Store.AppendPhaseOutput(ctx, t.ID, artifact, diff, res.RawStream, 0); err != nil {
		return Outcome{}, err
	}
	return Outcome{NextStatus: store.StatusImpl, SessionID: res.NewSessionID, Attempt: noAttemptChange}, nil
}

var (
	testFileInErrorLine  = regexp.MustCompile(`(?i)_test\.[a-z]+.*(?:error|failed)`)
	testsPathInErrorLine = regexp.MustCompile(`(?i)/tests?/.*(?:error|failed)`)
	segfaultPattern      = regexp.MustCompile(`(?i)segmentation fault`)
	panicInTestPattern   = regexp.MustCompile(`(?i)panic:.*_test\.`)
)

// IsTestFault implements spec.md §4.3's qa_fix routing rule: the captured
// test output indicates the fault is in the tests themselves.
func IsTestFault(testOutput string) bool {
	return testFileInErrorLine.MatchString(testOutput) ||
		testsPathInErrorLine.MatchString(testOutput) ||
		segfaultPattern.MatchString(testOutput) ||
		panicInTestPattern.MatchString(testOutput)
}

// ImplOrRetry implements spec.md §4.5 "impl / retry", including the
// idempotency short-circuit.
func (h *Handlers) ImplOrRetry(ctx context.Context, t store.Task, testCommand string, timeout time.Duration) (Outcome, error) {
	worktree := gitutil.WorktreePath(t.RepoPath, t.ID)
	sessionDir := h.sessionDir(t.ID)

	// Idempotency short-circuit: test first, before spawning an agent.
	_, _, exitCode, err := h.RunCommand(ctx, worktree, testCommand)
	if err != nil {
		return Outcome{NextStatus: t.Status, LastError: err.Error(), Attempt: noAttemptChange}, nil
	}
	if exitCode == 0 {
		hasDiff, derr := gitutil.HasDiffVsOriginMain(ctx, worktree)
		if derr != nil {
			return Outcome{}, derr
		}
		if hasDiff {
			return Outcome{NextStatus: store.StatusDone, Enqueue: true, Attempt: noAttemptChange}, nil
		}
		return Outcome{NextStatus: store.StatusMerged, Attempt: noAttemptChange}, nil
	}

	prompt := fmt.Sprintf("Implement: %s\n\n%s", t.Title, t.Description)
	if t.Status == store.StatusRetry && t.LastError != "" {
		prompt += "\n\nPrevious attempt failed with:\n" + t.LastError
	}
	res, err := h.Sandboxed.Invoke(ctx, PersonaWorker, prompt, worktree, sessionDir, t.ResumeSessionID, timeout)
	if err != nil {
		return Outcome{NextStatus: t.Status, LastError: err.Error(), Attempt: noAttemptChange}, nil
	}
	if _, err := gitutil.CommitAll(ctx, worktree, "impl: apply changes"); err != nil {
		return Outcome{NextStatus: t.Status, LastError: err.Error(), Attempt: noAttemptChange}, nil
	}
	diff, derr := gitutil.Diff(ctx, worktree)
	if derr != nil {
		return Outcome{}, derr
	}
	if _, err := h.Store.AppendPhaseOutput(ctx, t.ID, "impl_diff", diff, "", 0); err != nil {
		return Outcome{}, err
	}

	testOut, testErr, testExit, runErr := h.RunCommand(ctx, worktree, testCommand)
	if runErr != nil {
		return Outcome{NextStatus: t.Status, LastError: runErr.Error(), Attempt: noAttemptChange}, nil
	}
	if _, err := h.Store.AppendPhaseOutput(ctx, t.ID, "impl_test", testOut, testErr, testExit); err != nil {
		return Outcome{}, err
	}

	if testExit == 0 {
		return Outcome{NextStatus: store.StatusDone, SessionID: res.NewSessionID, Enqueue: true, Attempt: noAttemptChange}, nil
	}

	nextAttempt := t.Attempt + 1
	if nextAttempt >= t.MaxAttempts {
		return Outcome{NextStatus: store.StatusBacklog, Recycle: true, LastError: testOut + testErr, Attempt: noAttemptChange}, nil
	}
	if nextAttempt >= 2 && IsTestFault(testOut+testErr) {
		return Outcome{NextStatus: store.StatusQAFix, SessionID: "", LastError: testOut + testErr, Attempt: nextAttempt}, nil
	}
	return Outcome{NextStatus: store.StatusRetry, SessionID: res.NewSessionID, LastError: testOut + testErr, Attempt: nextAttempt}, nil
}

// Rebase implements spec.md §4.5 "rebase". It always runs host-side; the
// sandbox cannot mutate the outer Git repository.
func (h *Handlers) Rebase(ctx context.Context, t store.Task, testCommand string, timeout time.Duration) (Outcome, error) {
	if err := gitutil.RepairGitPointer(ctx, t.RepoPath, t.ID); err != nil {
		return Outcome{NextStatus: t.Status, LastError: err.Error(), Attempt: noAttemptChange}, nil
	}
	worktree := gitutil.WorktreePath(t.RepoPath, t.ID)

	if err := gitutil.FetchOrigin(ctx, t.RepoPath); err != nil {
		return Outcome{NextStatus: t.Status, LastError: err.Error(), Attempt: noAttemptChange}, nil
	}
	conflicted, err := gitutil.RebaseOntoMain(ctx, worktree)
	if err != nil {
		return Outcome{NextStatus: t.Status, LastError: err.Error(), Attempt: noAttemptChange}, nil
	}

	if conflicted {
		prompt := fmt.Sprintf("Resolve rebase conflicts for: %s\n\n%s", t.Title, t.Description)
		res, herr := h.HostAgent.Invoke(ctx, PersonaWorker, prompt, worktree, h.sessionDir(t.ID), "", timeout)
		if herr != nil {
			return Outcome{NextStatus: t.Status, LastError: herr.Error(), Attempt: noAttemptChange}, nil
		}
		_ = res
	}

	ancestor, aerr := gitutil.IsAncestor(ctx, worktree, "origin/main", "HEAD")
	if aerr != nil {
		return Outcome{NextStatus: t.Status, LastError: aerr.Error(), Attempt: noAttemptChange}, nil
	}
	if !ancestor {
		nextAttempt := t.Attempt + 1
		if nextAttempt >= t.MaxAttempts {
			return Outcome{NextStatus: store.StatusBacklog, Recycle: true, LastError: "rebase agent exited without completing the rebase", Attempt: noAttemptChange}, nil
		}
		return Outcome{NextStatus: store.StatusRebase, LastError: "rebase agent exited without completing the rebase", Attempt: nextAttempt}, nil
	}

	_, testErr, testExit, terr := h.RunCommand(ctx, worktree, testCommand)
	if terr != nil {
		return Outcome{NextStatus: t.Status, LastError: terr.Error(), Attempt: noAttemptChange}, nil
	}
	if testExit != 0 {
		nextAttempt := t.Attempt + 1
		if nextAttempt >= t.MaxAttempts {
			return Outcome{NextStatus: store.StatusBacklog, Recycle: true, LastError: testErr, Attempt: noAttemptChange}, nil
		}
		return Outcome{NextStatus: store.StatusRebase, LastError: testErr, Attempt: nextAttempt}, nil
	}

	if err := gitutil.ForcePush(ctx, worktree, gitutil.BranchName(t.ID)); err != nil {
		if codehost.MatchSignal(err.Error()) == codehost.SignalCannotLockRef {
			// gitutil.ForcePush already retries the remediation internally.
			return Outcome{NextStatus: t.Status, LastError: err.Error(), Attempt: noAttemptChange}, nil
		}
		return Outcome{NextStatus: t.Status, LastError: err.Error(), Attempt: noAttemptChange}, nil
	}

	return Outcome{NextStatus: store.StatusDone, Enqueue: true, Attempt: noAttemptChange}, nil
}
