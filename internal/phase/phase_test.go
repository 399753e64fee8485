package phase

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sepipe/sepiped/internal/gitutil"
	"github.com/sepipe/sepiped/internal/sandbox"
	"github.com/sepipe/sepiped/internal/store"
)

type fakeInvoker struct {
	result sandbox.Result
	err    error
}

func (f *fakeInvoker) Invoke(ctx context.Context, persona Persona, prompt, workdir, sessionDir, resumeSessionID string, timeout time.Duration) (sandbox.Result, error) {
	return f.result, f.err
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newTestRepoWithWorktree builds a real git repo whose task worktree is
// already at the deterministic path phase handlers expect, requiring only a
// working git binary on PATH.
func newTestRepoWithWorktree(t *testing.T, taskID int64) (repoPath, worktreePath string) {
	t.Helper()
	ctx := context.Background()
	base := t.TempDir()
	origin := filepath.Join(base, "origin.git")
	repoPath = filepath.Join(base, "repo")

	_, err := gitutil.Run(ctx, base, "init", "--bare", origin)
	require.NoError(t, err)
	_, err = gitutil.Run(ctx, base, "clone", origin, repoPath)
	require.NoError(t, err)
	_, err = gitutil.Run(ctx, repoPath, "config", "user.email", "test@example.com")
	require.NoError(t, err)
	_, err = gitutil.Run(ctx, repoPath, "config", "user.name", "test")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("hello\n"), 0o644))
	_, err = gitutil.Run(ctx, repoPath, "add", "-A")
	require.NoError(t, err)
	_, err = gitutil.Run(ctx, repoPath, "commit", "-m", "initial")
	require.NoError(t, err)
	_, err = gitutil.Run(ctx, repoPath, "branch", "-M", "main")
	require.NoError(t, err)
	_, err = gitutil.Run(ctx, repoPath, "push", "-u", "origin", "main")
	require.NoError(t, err)

	worktreePath, err = gitutil.EnsureWorktree(ctx, repoPath, taskID)
	require.NoError(t, err)
	return repoPath, worktreePath
}

func TestIsTestFault_DetectsTestFileCompileError(t *testing.T) {
	require.True(t, IsTestFault("widget_test.go:12: syntax error"))
}

func TestIsTestFault_DetectsTestsPath(t *testing.T) {
	require.True(t, IsTestFault("FAIL: /tests/integration/case failed"))
}

func TestIsTestFault_DetectsSegfault(t *testing.T) {
	require.True(t, IsTestFault("runtime error: Segmentation fault (core dumped)"))
}

func TestIsTestFault_DetectsPanicInTestCode(t *testing.T) {
	require.True(t, IsTestFault("panic: index out of range [5] in widget_test.go:30"))
}

func TestIsTestFault_FalseForUnrelatedError(t *testing.T) {
	require.False(t, IsTestFault("undefined: fmt.Prntln in main.go:10"))
}

func TestImplOrRetry_ShortCircuitsToMerged_WhenPassingWithNoDiff(t *testing.T) {
	s := openTestStore(t)
	repoPath, _ := newTestRepoWithWorktree(t, 1)
	id, err := s.CreateTask(context.Background(), store.Task{Title: "t", RepoPath: repoPath, Status: store.StatusImpl})
	require.NoError(t, err)
	task, err := s.GetTask(context.Background(), id)
	require.NoError(t, err)

	h := &Handlers{
		Store: s,
		RunCommand: func(ctx context.Context, dir, cmd string) (string, string, int, error) {
			return "", "", 0, nil
		},
	}
	out, err := h.ImplOrRetry(context.Background(), task, "true", time.Second)
	require.NoError(t, err)
	require.Equal(t, store.StatusMerged, out.NextStatus, "a passing test with no diff vs origin/main must short-circuit to merged without spawning an agent")
}

func TestImplOrRetry_ShortCircuitsToDone_WhenPassingWithDiff(t *testing.T) {
	s := openTestStore(t)
	repoPath, worktree := newTestRepoWithWorktree(t, 2)
	require.NoError(t, os.WriteFile(filepath.Join(worktree, "new.txt"), []byte("x"), 0o644))
	committed, err := gitutil.CommitAll(context.Background(), worktree, "pre-existing change")
	require.NoError(t, err)
	require.True(t, committed)

	id, err := s.CreateTask(context.Background(), store.Task{Title: "t", RepoPath: repoPath, Status: store.StatusImpl})
	require.NoError(t, err)
	task, err := s.GetTask(context.Background(), id)
	require.NoError(t, err)

	h := &Handlers{
		Store: s,
		RunCommand: func(ctx context.Context, dir, cmd string) (string, string, int, error) {
			return "", "", 0, nil
		},
	}
	out, err := h.ImplOrRetry(context.Background(), task, "true", time.Second)
	require.NoError(t, err)
	require.True(t, out.Enqueue)
	require.Equal(t, store.StatusDone, out.NextStatus)
}

func TestImplOrRetry_RecyclesOnExhaustedAttempts(t *testing.T) {
	s := openTestStore(t)
	repoPath, _ := newTestRepoWithWorktree(t, 3)
	id, err := s.CreateTask(context.Background(), store.Task{
		Title: "t", RepoPath: repoPath, Status: store.StatusRetry, MaxAttempts: 1,
	})
	require.NoError(t, err)
	task, err := s.GetTask(context.Background(), id)
	require.NoError(t, err)

	invoker := &fakeInvoker{result: sandbox.Result{Output: "ok", NewSessionID: "s1"}}
	h := &Handlers{
		Store:     s,
		Sandboxed: invoker,
		RunCommand: func(ctx context.Context, dir, cmd string) (string, string, int, error) {
			return "", "boom", 1, nil
		},
	}
	out, err := h.ImplOrRetry(context.Background(), task, "false", time.Second)
	require.NoError(t, err)
	require.True(t, out.Recycle)
	require.Equal(t, store.StatusBacklog, out.NextStatus)
}

func TestQA_FreshSessionIgnoresResumeID(t *testing.T) {
	s := openTestStore(t)
	repoPath, worktree := newTestRepoWithWorktree(t, 4)
	id, err := s.CreateTask(context.Background(), store.Task{
		Title: "t", RepoPath: repoPath, Status: store.StatusQAFix, ResumeSessionID: "old-session",
	})
	require.NoError(t, err)
	task, err := s.GetTask(context.Background(), id)
	require.NoError(t, err)

	var seenResume string
	invoker := &recordingInvoker{
		onInvoke: func(resume string) { seenResume = resume },
		result:   sandbox.Result{Output: "ok", NewSessionID: "new-session"},
	}
	h := &Handlers{Store: s, Sandboxed: invoker}

	require.NoError(t, os.WriteFile(filepath.Join(worktree, "widget_test.go"), []byte("package w"), 0o644))
	out, err := h.QA(context.Background(), task, true, time.Second)
	require.NoError(t, err)
	require.Empty(t, seenResume, "qa_fix must run with a fresh session, not QA's")
	require.Equal(t, store.StatusImpl, out.NextStatus)
}

// newConflictedRebaseTask builds a repo whose task branch and origin/main
// have diverged on the same file, so RebaseOntoMain aborts with
// conflicted=true and, once the (no-op) host agent fails to resolve it,
// IsAncestor(origin/main, HEAD) comes back false — exercising Rebase's
// not-ancestor branch without faking any gitutil call.
func newConflictedRebaseTask(t *testing.T, s *store.Store, taskID int64, maxAttempts int) store.Task {
	t.Helper()
	ctx := context.Background()
	repoPath, worktree := newTestRepoWithWorktree(t, taskID)

	require.NoError(t, os.WriteFile(filepath.Join(worktree, "README.md"), []byte("worktree change\n"), 0o644))
	committed, err := gitutil.CommitAll(ctx, worktree, "worktree change")
	require.NoError(t, err)
	require.True(t, committed)

	require.NoError(t, os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("main change\n"), 0o644))
	committed, err = gitutil.CommitAll(ctx, repoPath, "main change")
	require.NoError(t, err)
	require.True(t, committed)
	_, err = gitutil.Run(ctx, repoPath, "push", "origin", "main")
	require.NoError(t, err)

	id, err := s.CreateTask(ctx, store.Task{
		Title: "t", RepoPath: repoPath, Status: store.StatusRebase, MaxAttempts: maxAttempts,
	})
	require.NoError(t, err)
	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	return task
}

func TestRebase_IncrementsAttempt_WhenAgentLeavesConflictUnresolved(t *testing.T) {
	s := openTestStore(t)
	task := newConflictedRebaseTask(t, s, 10, 5)

	h := &Handlers{Store: s, HostAgent: &fakeInvoker{result: sandbox.Result{Output: "gave up"}}}
	out, err := h.Rebase(context.Background(), task, "true", time.Second)
	require.NoError(t, err)
	require.Equal(t, store.StatusRebase, out.NextStatus)
	require.False(t, out.Recycle)
	require.Equal(t, task.Attempt+1, out.Attempt, "a failed rebase attempt must bump Outcome.Attempt so the caller persists it")
}

func TestRebase_RecyclesOnExhaustedAttempts(t *testing.T) {
	s := openTestStore(t)
	task := newConflictedRebaseTask(t, s, 11, 1)

	h := &Handlers{Store: s, HostAgent: &fakeInvoker{result: sandbox.Result{Output: "gave up"}}}
	out, err := h.Rebase(context.Background(), task, "true", time.Second)
	require.NoError(t, err)
	require.True(t, out.Recycle)
	require.Equal(t, store.StatusBacklog, out.NextStatus)
}

type recordingInvoker struct {
	onInvoke func(resume string)
	result   sandbox.Result
	err      error
}

func (r *recordingInvoker) Invoke(ctx context.Context, persona Persona, prompt, workdir, sessionDir, resumeSessionID string, timeout time.Duration) (sandbox.Result, error) {
	if r.onInvoke != nil {
		r.onInvoke(resumeSessionID)
	}
	return r.result, r.err
}
