package health

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sepipe/sepiped/internal/config"
	"github.com/sepipe/sepiped/internal/gitutil"
	"github.com/sepipe/sepiped/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestRepo(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	_, err := gitutil.Run(ctx, dir, "init", "-b", "main")
	require.NoError(t, err)
	_, err = gitutil.Run(ctx, dir, "config", "user.email", "test@example.com")
	require.NoError(t, err)
	_, err = gitutil.Run(ctx, dir, "config", "user.name", "test")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0o644))
	_, err = gitutil.Run(ctx, dir, "add", "-A")
	require.NoError(t, err)
	_, err = gitutil.Run(ctx, dir, "commit", "-m", "initial")
	require.NoError(t, err)
	return dir
}

func TestCheck_NoopWhenCommandsPass(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	repo := config.RepoConfig{Path: newTestRepo(t), BuildCommand: "true", TestCommand: "true"}
	e := New(s, repo, time.Hour, nil)

	require.NoError(t, e.Check(ctx))

	active, err := s.ActiveTasks(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestCheck_FilesRepairTaskOnBuildFailure(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	repo := config.RepoConfig{Path: newTestRepo(t), BuildCommand: "false", TestCommand: "true"}
	e := New(s, repo, time.Hour, nil)

	require.NoError(t, e.Check(ctx))

	active, err := s.ActiveTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "Fix failing build on main", active[0].Title)
	require.Equal(t, "health-check", active[0].Creator)
}

func TestCheck_FilesRepairTaskOnTestFailure(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	repo := config.RepoConfig{Path: newTestRepo(t), BuildCommand: "true", TestCommand: "false"}
	e := New(s, repo, time.Hour, nil)

	require.NoError(t, e.Check(ctx))

	active, err := s.ActiveTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "Fix failing tests on main", active[0].Title)
}

func TestCheck_DoesNotDuplicateRepairTask(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	repo := config.RepoConfig{Path: newTestRepo(t), BuildCommand: "false", TestCommand: "true"}
	e := New(s, repo, time.Hour, nil)

	require.NoError(t, e.Check(ctx))
	require.NoError(t, e.Check(ctx))

	active, err := s.ActiveTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, active, 1, "a second failing check must not file a second repair task")
}
