// Package codehost shells out to the gh CLI for the four PR operations the
// integration engine needs. It deliberately does not reimplement the PR
// protocol (spec.md §0 Non-goals: "it does not implement the PR code-host
// protocol (delegated to a CLI)"); every "decision" here is stderr-substring
// matching against gh's own messages.
package codehost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// Signal names one of the protocol stderr substrings the integration engine
// branches on (spec.md §6).
type Signal string

const (
	SignalNotMergeable       Signal = "not mergeable"
	SignalCannotBeCreated    Signal = "cannot be cleanly created"
	SignalCannotLockRef      Signal = "cannot lock ref"
	SignalNoCommitsBetween   Signal = "No commits between"
	SignalEverythingUpToDate Signal = "Everything up-to-date"
)

var allSignals = []Signal{
	SignalNotMergeable, SignalCannotBeCreated, SignalCannotLockRef,
	SignalNoCommitsBetween, SignalEverythingUpToDate,
}

// MatchSignal returns the first known protocol signal present in stderr, or
// "" if none match.
func MatchSignal(stderr string) Signal {
	for _, sig := range allSignals {
		if strings.Contains(stderr, string(sig)) {
			return sig
		}
	}
	return ""
}

// Client shells out to gh within a single repo directory.
type Client struct {
	RepoDir string
}

func New(repoDir string) *Client {
	return &Client{RepoDir: repoDir}
}

func (c *Client) run(ctx context.Context, args ...string) (stdout, stderr string, err error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = c.RepoDir
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	runErr := cmd.Run()
	return outBuf.String(), errBuf.String(), runErr
}

// State is a PR's merge lifecycle state as gh reports it.
type State string

const (
	StateOpen   State = "OPEN"
	StateMerged State = "MERGED"
	StateClosed State = "CLOSED"
)

// Mergeable is gh's computed mergeability.
type Mergeable string

const (
	MergeableYes     Mergeable = "MERGEABLE"
	MergeableNo      Mergeable = "CONFLICTING"
	MergeableUnknown Mergeable = "UNKNOWN"
)

// ViewState returns the PR state for branch, or ("", false, nil) if no PR
// exists yet.
func (c *Client) ViewState(ctx context.Context, branch string) (State, bool, error) {
	stdout, stderr, err := c.run(ctx, "pr", "view", branch, "--json", "state")
	if err != nil {
		if strings.Contains(stderr, "no pull requests found") || strings.Contains(stderr, "could not find") {
			return "", false, nil
		}
		return "", false, fmt.Errorf("gh pr view state: %s", strings.TrimSpace(stderr))
	}
	var parsed struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(stdout), &parsed); err != nil {
		return "", false, fmt.Errorf("parse pr view state: %w", err)
	}
	return State(parsed.State), true, nil
}

// ViewNumber returns the PR number for branch.
func (c *Client) ViewNumber(ctx context.Context, branch string) (int, error) {
	stdout, stderr, err := c.run(ctx, "pr", "view", branch, "--json", "number")
	if err != nil {
		return 0, fmt.Errorf("gh pr view number: %s", strings.TrimSpace(stderr))
	}
	var parsed struct {
		Number int `json:"number"`
	}
	if err := json.Unmarshal([]byte(stdout), &parsed); err != nil {
		return 0, fmt.Errorf("parse pr view number: %w", err)
	}
	return parsed.Number, nil
}

// ViewMergeable returns the computed mergeability for branch's PR.
func (c *Client) ViewMergeable(ctx context.Context, branch string) (Mergeable, error) {
	stdout, stderr, err := c.run(ctx, "pr", "view", branch, "--json", "mergeable")
	if err != nil {
		return "", fmt.Errorf("gh pr view mergeable: %s", strings.TrimSpace(stderr))
	}
	var parsed struct {
		Mergeable string `json:"mergeable"`
	}
	if err := json.Unmarshal([]byte(stdout), &parsed); err != nil {
		return "", fmt.Errorf("parse pr view mergeable: %w", err)
	}
	return Mergeable(parsed.Mergeable), nil
}

var shellUnsafe = regexp.MustCompile("[`$\"'\\\\;&|<>(){}\\n]")

// SanitizeTitle strips shell-unsafe characters from a PR title (spec.md §4.4
// step 4d).
func SanitizeTitle(title string) string {
	return shellUnsafe.ReplaceAllString(title, "")
}

const automatedPRBody = "Automated implementation produced by the pipeline supervisor. No manual changes were made to this branch."

// Create opens a PR for branch against main. If gh reports "No commits
// between", the caller should treat the task as merged (spec.md §4.4 step 4d).
func (c *Client) Create(ctx context.Context, branch, title string) (stderr string, err error) {
	_, stderr, err = c.run(ctx, "pr", "create",
		"--base", "main", "--head", branch,
		"--title", SanitizeTitle(title), "--body", automatedPRBody)
	return stderr, err
}

// MergeSquash invokes gh's squash-and-delete-branch merge.
func (c *Client) MergeSquash(ctx context.Context, branch string) (stderr string, err error) {
	_, stderr, err = c.run(ctx, "pr", "merge", branch, "--squash", "--delete-branch")
	return stderr, err
}
