package codehost

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchSignal_FindsKnownSubstrings(t *testing.T) {
	cases := map[string]Signal{
		"error: not mergeable into base branch":    SignalNotMergeable,
		"pull request cannot be cleanly created":   SignalCannotBeCreated,
		"! [remote rejected] cannot lock ref refs": SignalCannotLockRef,
		"No commits between main and task-1":       SignalNoCommitsBetween,
		"Everything up-to-date":                    SignalEverythingUpToDate,
	}
	for stderr, want := range cases {
		require.Equal(t, want, MatchSignal(stderr))
	}
}

func TestMatchSignal_NoMatch(t *testing.T) {
	require.Equal(t, Signal(""), MatchSignal("some unrelated error"))
}

func TestSanitizeTitle_StripsShellUnsafeChars(t *testing.T) {
	got := SanitizeTitle(`Fix the "parser"; rm -rf $(pwd) && echo done`)
	require.NotContains(t, got, `"`)
	require.NotContains(t, got, ";")
	require.NotContains(t, got, "$(")
	require.NotContains(t, got, "&&")
}

func TestSanitizeTitle_LeavesPlainTextAlone(t *testing.T) {
	require.Equal(t, "Add flag X to parser", SanitizeTitle("Add flag X to parser"))
}
