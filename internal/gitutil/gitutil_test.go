package gitutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestRepo creates a bare "origin" and a clone with one commit on main,
// returning the clone's path. Requires a working git binary on PATH.
func newTestRepo(t *testing.T) (origin, clone string) {
	t.Helper()
	ctx := context.Background()
	base := t.TempDir()
	origin = filepath.Join(base, "origin.git")
	clone = filepath.Join(base, "clone")

	_, err := Run(ctx, base, "init", "--bare", origin)
	require.NoError(t, err)
	_, err = Run(ctx, base, "clone", origin, clone)
	require.NoError(t, err)

	_, err = Run(ctx, clone, "config", "user.email", "test@example.com")
	require.NoError(t, err)
	_, err = Run(ctx, clone, "config", "user.name", "test")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(clone, "README.md"), []byte("hello\n"), 0o644))
	_, err = Run(ctx, clone, "add", "-A")
	require.NoError(t, err)
	_, err = Run(ctx, clone, "commit", "-m", "initial")
	require.NoError(t, err)
	_, err = Run(ctx, clone, "branch", "-M", "main")
	require.NoError(t, err)
	_, err = Run(ctx, clone, "push", "-u", "origin", "main")
	require.NoError(t, err)
	return origin, clone
}

func TestWorktreePath_Deterministic(t *testing.T) {
	require.Equal(t, "/repos/widget/.worktrees/task-42", WorktreePath("/repos/widget", 42))
}

func TestBranchName(t *testing.T) {
	require.Equal(t, "task-7", BranchName(7))
}

func TestEnsureWorktree_CreatesBranchOffOriginMain(t *testing.T) {
	_, clone := newTestRepo(t)
	ctx := context.Background()

	wt, err := EnsureWorktree(ctx, clone, 1)
	require.NoError(t, err)
	require.DirExists(t, wt)

	res, err := Run(ctx, wt, "rev-parse", "--abbrev-ref", "HEAD")
	require.NoError(t, err)
	require.Contains(t, res.Stdout, "task-1")
}

func TestCommitAll_NoopWhenClean(t *testing.T) {
	_, clone := newTestRepo(t)
	ctx := context.Background()
	wt, err := EnsureWorktree(ctx, clone, 2)
	require.NoError(t, err)

	committed, err := CommitAll(ctx, wt, "empty commit attempt")
	require.NoError(t, err)
	require.False(t, committed, "commit with no staged changes must report committed=false, not error")
}

func TestCommitAll_CommitsNewFile(t *testing.T) {
	_, clone := newTestRepo(t)
	ctx := context.Background()
	wt, err := EnsureWorktree(ctx, clone, 3)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(wt, "new.txt"), []byte("x"), 0o644))
	committed, err := CommitAll(ctx, wt, "add new.txt")
	require.NoError(t, err)
	require.True(t, committed)
}

func TestHasDiffVsOriginMain(t *testing.T) {
	_, clone := newTestRepo(t)
	ctx := context.Background()
	wt, err := EnsureWorktree(ctx, clone, 4)
	require.NoError(t, err)

	diff, err := HasDiffVsOriginMain(ctx, wt)
	require.NoError(t, err)
	require.False(t, diff)

	require.NoError(t, os.WriteFile(filepath.Join(wt, "new.txt"), []byte("x"), 0o644))
	_, err = CommitAll(ctx, wt, "add file")
	require.NoError(t, err)

	diff, err = HasDiffVsOriginMain(ctx, wt)
	require.NoError(t, err)
	require.True(t, diff)
}

func TestRemoveWorktree(t *testing.T) {
	_, clone := newTestRepo(t)
	ctx := context.Background()
	wt, err := EnsureWorktree(ctx, clone, 5)
	require.NoError(t, err)
	require.DirExists(t, wt)

	require.NoError(t, RemoveWorktree(ctx, clone, 5))
	require.NoDirExists(t, wt)
}
