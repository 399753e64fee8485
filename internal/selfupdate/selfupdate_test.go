package selfupdate

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

// setupRepos creates a bare "origin" repo and a clone of it with one commit
// on main, returning both paths.
func setupRepos(t *testing.T) (origin, work string) {
	t.Helper()
	origin = filepath.Join(t.TempDir(), "origin.git")
	require.NoError(t, os.MkdirAll(origin, 0o755))
	runGit(t, origin, "init", "--bare", "-b", "main")

	parent := t.TempDir()
	runGit(t, parent, "clone", origin, "work")
	work = filepath.Join(parent, "work")
	runGit(t, work, "config", "user.email", "test@example.com")
	runGit(t, work, "config", "user.name", "test")

	require.NoError(t, os.WriteFile(filepath.Join(work, "file.txt"), []byte("v1"), 0o644))
	runGit(t, work, "add", "-A")
	runGit(t, work, "commit", "-m", "initial")
	runGit(t, work, "push", "origin", "main")
	return origin, work
}

// pushNewCommit clones origin separately and pushes one more commit to main,
// simulating an upstream change landing while work's clone sits still.
func pushNewCommit(t *testing.T, origin string) {
	t.Helper()
	parent := t.TempDir()
	runGit(t, parent, "clone", origin, "other")
	other := filepath.Join(parent, "other")
	runGit(t, other, "config", "user.email", "test@example.com")
	runGit(t, other, "config", "user.name", "test")

	require.NoError(t, os.WriteFile(filepath.Join(other, "file.txt"), []byte("v2"), 0o644))
	runGit(t, other, "commit", "-am", "update")
	runGit(t, other, "push", "origin", "main")
}

func TestCheckForUpdate_DetectsNewUpstreamCommit(t *testing.T) {
	ctx := context.Background()
	origin, work := setupRepos(t)
	e, err := New(work, "true", time.Hour, nil, nil)
	require.NoError(t, err)

	pushNewCommit(t, origin)

	changed, err := e.checkForUpdate(ctx)
	require.NoError(t, err)
	require.True(t, changed)
}

func TestCheckForUpdate_NoChangeReturnsFalse(t *testing.T) {
	ctx := context.Background()
	_, work := setupRepos(t)
	e, err := New(work, "true", time.Hour, nil, nil)
	require.NoError(t, err)

	changed, err := e.checkForUpdate(ctx)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestTick_ArmsRestartOnSuccessfulBuild(t *testing.T) {
	ctx := context.Background()
	origin, work := setupRepos(t)
	e, err := New(work, "true", time.Hour, nil, nil)
	require.NoError(t, err)

	pushNewCommit(t, origin)

	e.tick(ctx)
	require.True(t, e.Armed())
}

func TestTick_DoesNotArmOnFailedBuild(t *testing.T) {
	ctx := context.Background()
	origin, work := setupRepos(t)
	e, err := New(work, "false", time.Hour, nil, nil)
	require.NoError(t, err)

	pushNewCommit(t, origin)

	e.tick(ctx)
	require.False(t, e.Armed())
}

func TestTick_ForceRestartTriggersBeforeWaitElapses(t *testing.T) {
	ctx := context.Background()
	_, work := setupRepos(t)

	var exited bool
	e, err := New(work, "true", time.Hour, nil, func() { exited = true })
	require.NoError(t, err)

	e.armed = true
	e.armedAt = time.Now()
	e.ForceRestart()

	e.tick(ctx)

	require.True(t, exited)
	require.True(t, e.Ready())
}

func TestTick_WaitsOutRestartWindowWithoutForceFlag(t *testing.T) {
	ctx := context.Background()
	_, work := setupRepos(t)

	var exited bool
	e, err := New(work, "true", time.Hour, nil, func() { exited = true })
	require.NoError(t, err)

	e.armed = true
	e.armedAt = time.Now()

	e.tick(ctx)

	require.False(t, exited)
	require.False(t, e.Ready())
}
