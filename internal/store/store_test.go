package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_MigratesTwiceIdempotently(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.migrate(ctx)) // second run must be a no-op, not an error

	v, err := s.GetState(ctx, "schema_version")
	require.NoError(t, err)
	require.Equal(t, "2", v)
}

func TestCreateTask_GetByIDRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id, err := s.CreateTask(ctx, Task{
		Title:    "fix the parser",
		RepoPath: "/repos/widget",
		Creator:  "director",
	})
	require.NoError(t, err)

	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "fix the parser", got.Title)
	require.Equal(t, "/repos/widget", got.RepoPath)
	require.Equal(t, StatusBacklog, got.Status)
	require.Equal(t, defaultMaxAttempts, got.MaxAttempts)
	require.False(t, got.IsDispatched())
}

func TestGetTask_NotFound(t *testing.T) {
	_, err := openTestStore(t).GetTask(context.Background(), 999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestActiveTasks_PriorityOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	specID, err := s.CreateTask(ctx, Task{Title: "spec task", RepoPath: "/r", Status: StatusSpec})
	require.NoError(t, err)
	rebaseID, err := s.CreateTask(ctx, Task{Title: "rebase task", RepoPath: "/r", Status: StatusRebase})
	require.NoError(t, err)
	_, err = s.CreateTask(ctx, Task{Title: "done task", RepoPath: "/r", Status: StatusDone})
	require.NoError(t, err)

	active, err := s.ActiveTasks(ctx, 20)
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, rebaseID, active[0].ID) // rebase (0) before spec (4)
	require.Equal(t, specID, active[1].ID)
}

func TestTryDispatch_SecondCallerLosesRace(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id, err := s.CreateTask(ctx, Task{Title: "t", RepoPath: "/r"})
	require.NoError(t, err)

	ok1, err := s.TryDispatch(ctx, id)
	require.NoError(t, err)
	require.True(t, ok1)

	ok2, err := s.TryDispatch(ctx, id)
	require.NoError(t, err)
	require.False(t, ok2, "second dispatch of an already-dispatched task must fail")

	require.NoError(t, s.ReleaseDispatch(ctx, id))
	ok3, err := s.TryDispatch(ctx, id)
	require.NoError(t, err)
	require.True(t, ok3, "after release, dispatch must succeed again")
}

func TestClearAllDispatched_CrashRecovery(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id, err := s.CreateTask(ctx, Task{Title: "t", RepoPath: "/r"})
	require.NoError(t, err)
	ok, err := s.TryDispatch(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.ClearAllDispatched(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.False(t, got.IsDispatched())
}

func TestRecycle_ClearsAttemptBranchSession(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id, err := s.CreateTask(ctx, Task{Title: "t", RepoPath: "/r", Status: StatusImpl})
	require.NoError(t, err)

	branch, sess := "task-1", "sess-abc"
	require.NoError(t, s.Transition(ctx, id, TaskTransition{
		Status: StatusImpl, Branch: &branch, ResumeSessionID: &sess, Attempt: 5,
	}))

	require.NoError(t, s.Recycle(ctx, id))

	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusBacklog, got.Status)
	require.Equal(t, 0, got.Attempt)
	require.Equal(t, "", got.Branch)
	require.Equal(t, "", got.ResumeSessionID)
}

func TestEnqueue_DeletesExistingNonMerged(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id, err := s.CreateTask(ctx, Task{Title: "t", RepoPath: "/r"})
	require.NoError(t, err)

	require.NoError(t, s.Enqueue(ctx, id, "task-1", "/r"))
	require.NoError(t, s.Enqueue(ctx, id, "task-1", "/r"))

	entries, err := s.QueuedByRepo(ctx, "/r")
	require.NoError(t, err)
	require.Len(t, entries, 1, "enqueue must not accumulate duplicate entries for the same task")
}

func TestEnqueue_NoopIfAlreadyMerged(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id, err := s.CreateTask(ctx, Task{Title: "t", RepoPath: "/r"})
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(ctx, id, "task-1", "/r"))

	entries, err := s.QueuedByRepo(ctx, "/r")
	require.NoError(t, err)
	require.NoError(t, s.SetQueueStatus(ctx, entries[0].ID, QueueMerged, ""))

	require.NoError(t, s.Enqueue(ctx, id, "task-1", "/r"))

	remaining, err := s.QueuedByRepo(ctx, "/r")
	require.NoError(t, err)
	require.Empty(t, remaining, "a merged entry must block re-enqueue, not be replaced")
}

func TestIncrementUnknownRetries_CapsAndResets(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id, err := s.CreateTask(ctx, Task{Title: "t", RepoPath: "/r"})
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(ctx, id, "task-1", "/r"))
	entries, err := s.QueuedByRepo(ctx, "/r")
	require.NoError(t, err)
	qid := entries[0].ID

	var capped bool
	for i := 0; i < unknownRetriesCap; i++ {
		capped, err = s.IncrementUnknownRetries(ctx, qid)
		require.NoError(t, err)
	}
	require.True(t, capped)

	got, err := s.GetQueueEntry(ctx, qid)
	require.NoError(t, err)
	require.Equal(t, 0, got.UnknownRetries, "counter resets to 0 once the cap is hit")
}

func TestCreateProposal_DefaultsToProposed(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id, err := s.CreateProposal(ctx, Proposal{RepoPath: "/r", Title: "add caching layer"})
	require.NoError(t, err)

	list, err := s.ProposalsByStatus(ctx, ProposalProposed)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, id, list[0].ID)
}

func TestIncrementModCounter_Wraps(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	got := make([]int, 10)
	for i := range got {
		n, err := s.IncrementModCounter(ctx, "seed_mode", 5)
		require.NoError(t, err)
		got[i] = n
	}
	require.Equal(t, []int{0, 1, 2, 3, 4, 0, 1, 2, 3, 4}, got,
		"a fresh counter must start at 0 and hand each caller the pre-bump value")
}

func TestAbandonRunningChatAgentRuns(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id, err := s.CreateChatAgentRun(ctx, "sess-1")
	require.NoError(t, err)

	n, err := s.AbandonRunningChatAgentRuns(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	var status string
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT status FROM chat_agent_runs WHERE id = ?`, id).Scan(&status))
	require.Equal(t, "abandoned", status)
}

func TestLogEvent_PrunesOverCap(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.LogEvent(ctx, "info", "test", "msg", ""))
	}
	events, err := s.RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 5)
}
