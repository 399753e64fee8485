// Package gitutil wraps the git CLI as argv invocations. No git-library
// wrapper appears anywhere in the retrieval pack, so this talks to the
// system git binary directly (see DESIGN.md's standard-library justification
// for this package).
package gitutil

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const defaultTimeout = 60 * time.Second

// Result carries the outcome of a git invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Run executes `git <args...>` in dir with a bounded timeout.
func Run(ctx context.Context, dir string, args ...string) (Result, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, fmt.Errorf("git %s: exit %d: %s", strings.Join(args, " "), res.ExitCode, strings.TrimSpace(res.Stderr))
		}
		return res, fmt.Errorf("git %s: %w", strings.Join(args, " "), runErr)
	}
	return res, nil
}

// FetchOrigin fetches origin/main into the local repository at dir.
func FetchOrigin(ctx context.Context, dir string) error {
	_, err := Run(ctx, dir, "fetch", "origin", "main")
	return err
}

// RevParse resolves ref to a commit hash.
func RevParse(ctx context.Context, dir, ref string) (string, error) {
	res, err := Run(ctx, dir, "rev-parse", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// HeadCommit returns the commit hash of HEAD.
func HeadCommit(ctx context.Context, dir string) (string, error) {
	return RevParse(ctx, dir, "HEAD")
}

// CheckoutMain checks out main and pulls.
func CheckoutMain(ctx context.Context, dir string) error {
	if _, err := Run(ctx, dir, "checkout", "main"); err != nil {
		return err
	}
	_, err := Run(ctx, dir, "pull", "origin", "main")
	return err
}

// WorktreePath returns the deterministic worktree path for a task
// (spec.md §4.5: "<repo>/.worktrees/task-<id>").
func WorktreePath(repoPath string, taskID int64) string {
	return fmt.Sprintf("%s/.worktrees/task-%d", repoPath, taskID)
}

// BranchName returns the deterministic branch name for a task.
func BranchName(taskID int64) string {
	return fmt.Sprintf("task-%d", taskID)
}

// EnsureWorktree removes any stale worktree/branch for the task and creates
// a fresh one off origin/main (spec.md §4.5 setup_branch).
func EnsureWorktree(ctx context.Context, repoPath string, taskID int64) (worktreePath string, err error) {
	worktreePath = WorktreePath(repoPath, taskID)
	branch := BranchName(taskID)

	if _, err := Run(ctx, repoPath, "worktree", "remove", "--force", worktreePath); err != nil {
		// Stale worktree may not exist; proceed regardless.
		_ = err
	}
	if _, err := Run(ctx, repoPath, "worktree", "prune"); err != nil {
		return "", err
	}
	if _, err := Run(ctx, repoPath, "branch", "-D", branch); err != nil {
		_ = err // branch may not exist
	}
	if err := FetchOrigin(ctx, repoPath); err != nil {
		return "", err
	}
	if _, err := Run(ctx, repoPath, "worktree", "add", "-b", branch, worktreePath, "origin/main"); err != nil {
		return "", err
	}
	return worktreePath, nil
}

// RemoveWorktree removes a task's worktree and local branch (used on
// recycle, spec.md §4.3).
func RemoveWorktree(ctx context.Context, repoPath string, taskID int64) error {
	worktreePath := WorktreePath(repoPath, taskID)
	branch := BranchName(taskID)
	_, _ = Run(ctx, repoPath, "worktree", "remove", "--force", worktreePath)
	_, _ = Run(ctx, repoPath, "worktree", "prune")
	_, err := Run(ctx, repoPath, "branch", "-D", branch)
	return err
}

// HasDiffVsOriginMain reports whether the worktree's HEAD differs from
// origin/main.
func HasDiffVsOriginMain(ctx context.Context, worktreePath string) (bool, error) {
	res, err := Run(ctx, worktreePath, "diff", "--quiet", "origin/main", "HEAD")
	if err == nil {
		return res.ExitCode != 0, nil
	}
	if res.ExitCode == 1 {
		return true, nil
	}
	return false, err
}

// CommitAll stages and commits all changes; returns false if there was
// nothing to commit (spec.md §4.5: "if the commit reports no changes, fail").
func CommitAll(ctx context.Context, worktreePath, message string) (committed bool, err error) {
	if _, err := Run(ctx, worktreePath, "add", "-A"); err != nil {
		return false, err
	}
	res, err := Run(ctx, worktreePath, "commit", "-m", message)
	if err != nil {
		if strings.Contains(res.Stdout, "nothing to commit") || strings.Contains(res.Stderr, "nothing to commit") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Diff returns the diff of HEAD vs origin/main, used to persist spec_diff /
// qa_diff / qa_fix_diff artifacts (spec.md §4.5).
func Diff(ctx context.Context, worktreePath string) (string, error) {
	res, err := Run(ctx, worktreePath, "diff", "origin/main", "HEAD")
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// IsAncestor reports whether ancestor is an ancestor of descendant's ref.
func IsAncestor(ctx context.Context, dir, ancestor, descendant string) (bool, error) {
	_, err := Run(ctx, dir, "merge-base", "--is-ancestor", ancestor, descendant)
	return err == nil, nil
}

// ForcePush force-pushes branch to origin, retrying once with a delete+push
// if the remote rejects with "cannot lock ref" (spec.md §4.4 step 4c).
func ForcePush(ctx context.Context, worktreePath, branch string) error {
	_, err := Run(ctx, worktreePath, "push", "--force", "origin", branch)
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "cannot lock ref") {
		return err
	}
	if _, delErr := Run(ctx, worktreePath, "push", "origin", "--delete", branch); delErr != nil {
		return fmt.Errorf("remediate locked ref: %w", delErr)
	}
	_, err = Run(ctx, worktreePath, "push", "--force", "origin", branch)
	return err
}

// RebaseOntoMain attempts a rebase onto origin/main, returning conflicted=true
// (and aborting) if the rebase reports a conflict.
func RebaseOntoMain(ctx context.Context, worktreePath string) (conflicted bool, err error) {
	res, err := Run(ctx, worktreePath, "rebase", "origin/main")
	if err == nil {
		return false, nil
	}
	if strings.Contains(res.Stdout, "CONFLICT") || strings.Contains(res.Stderr, "CONFLICT") {
		_, _ = Run(ctx, worktreePath, "rebase", "--abort")
		return true, nil
	}
	return false, err
}

// RepairGitPointer fixes a corrupted worktree whose .git pointer has become
// a directory instead of a file (spec.md §4.5 rebase: "repair if the .git
// pointer has been corrupted into a directory").
func RepairGitPointer(ctx context.Context, repoPath string, taskID int64) error {
	worktreePath := WorktreePath(repoPath, taskID)
	gitPath := worktreePath + "/.git"
	res, err := Run(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return err
	}
	if strings.Contains(res.Stdout, worktreePath) {
		return nil
	}
	_, _ = Run(ctx, repoPath, "worktree", "prune")
	_ = gitPath
	_, rerr := EnsureWorktree(ctx, repoPath, taskID)
	return rerr
}
