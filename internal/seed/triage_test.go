package seed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sepipe/sepiped/internal/store"
)

func TestTriage_AutoDismissesFlaggedProposal(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id, err := s.CreateProposal(ctx, store.Proposal{RepoPath: "/repo", Title: "Duplicate idea"})
	require.NoError(t, err)

	invoker := &fakeInvoker{output: `{"impact":1,"feasibility":1,"risk":1,"effort":1,"composite_score":1,"reasoning":"duplicate of #4","dismiss":true}`}
	e := New(s, invoker, testConfig("/repo"))

	require.NoError(t, e.Triage(ctx))

	p, err := s.GetProposal(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.ProposalAutoDismissed, p.Status)
}

func TestTriage_RatesSurvivingProposal(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id, err := s.CreateProposal(ctx, store.Proposal{RepoPath: "/repo", Title: "Good idea"})
	require.NoError(t, err)

	invoker := &fakeInvoker{output: `{"impact":4,"feasibility":3,"risk":2,"effort":3,"composite_score":7,"reasoning":"solid","dismiss":false}`}
	e := New(s, invoker, testConfig("/repo"))

	require.NoError(t, e.Triage(ctx))

	p, err := s.GetProposal(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.ProposalProposed, p.Status, "a surviving proposal keeps its status, only its rating fields update")
	require.Equal(t, 7, p.CompositeScore)
	require.Equal(t, "solid", p.Reasoning)
}
