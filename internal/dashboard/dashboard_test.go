package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sepipe/sepiped/internal/bus"
	"github.com/sepipe/sepiped/internal/config"
	"github.com/sepipe/sepiped/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestServer(t *testing.T, s *store.Store) (*httptest.Server, *Server) {
	t.Helper()
	cfg := defaultTestConfig()
	srv := New(Config{
		Store: s,
		Bus:   bus.New(),
		Cfg:   &cfg,
		CfgMu: &sync.RWMutex{},
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, srv
}

func defaultTestConfig() config.Config {
	return config.Config{
		ContinuousMode:      false,
		PipelineMaxBacklog:  50,
		TickIntervalSeconds: 15,
		MaxAgents:           4,
	}
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestCreateTask_DefaultModeEntersBacklog(t *testing.T) {
	s := openTestStore(t)
	ts, _ := newTestServer(t, s)

	resp := doJSON(t, http.MethodPost, ts.URL+"/tasks", createTaskRequest{
		Title: "add a thing", Repo: "/repo",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decode(t, resp)

	id := int64(body["id"].(float64))
	task, err := s.GetTask(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.StatusBacklog, task.Status)
	require.Equal(t, "dashboard", task.Creator)
}

func TestCreateTask_DirectModeEntersImpl(t *testing.T) {
	s := openTestStore(t)
	ts, _ := newTestServer(t, s)

	resp := doJSON(t, http.MethodPost, ts.URL+"/tasks", createTaskRequest{
		Title: "fully specified change", Repo: "/repo", Mode: "direct",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decode(t, resp)

	id := int64(body["id"].(float64))
	task, err := s.GetTask(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.StatusImpl, task.Status)
}

func TestCreateTask_RejectsMissingFields(t *testing.T) {
	s := openTestStore(t)
	ts, _ := newTestServer(t, s)

	resp := doJSON(t, http.MethodPost, ts.URL+"/tasks", createTaskRequest{Title: "no repo"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteTask_MarksFailed(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	ts, _ := newTestServer(t, s)

	id, err := s.CreateTask(ctx, store.Task{Title: "t", RepoPath: "/repo"})
	require.NoError(t, err)

	resp := doJSON(t, http.MethodDelete, ts.URL+"/tasks/"+itoa(id), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, task.Status)
}

func TestRetryTask_ResetsToBacklog(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	ts, _ := newTestServer(t, s)

	id, err := s.CreateTask(ctx, store.Task{Title: "t", RepoPath: "/repo", Status: store.StatusFailed, Attempt: 3})
	require.NoError(t, err)

	resp := doJSON(t, http.MethodPost, ts.URL+"/tasks/"+itoa(id)+"/retry", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusBacklog, task.Status)
	require.Equal(t, 0, task.Attempt)
}

func TestRelease_CallsForceRestart(t *testing.T) {
	s := openTestStore(t)
	cfg := defaultTestConfig()
	var called bool
	srv := New(Config{
		Store:        s,
		Cfg:          &cfg,
		CfgMu:        &sync.RWMutex{},
		ForceRestart: func() { called = true },
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp := doJSON(t, http.MethodPost, ts.URL+"/release", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.True(t, called)
}

func TestRelease_Unconfigured(t *testing.T) {
	s := openTestStore(t)
	ts, _ := newTestServer(t, s)

	resp := doJSON(t, http.MethodPost, ts.URL+"/release", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestProposalLifecycle_ApproveDismissReopen(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	ts, _ := newTestServer(t, s)

	id, err := s.CreateProposal(ctx, store.Proposal{RepoPath: "/repo", Title: "idea", Description: "d", Rationale: "r"})
	require.NoError(t, err)

	resp := doJSON(t, http.MethodPost, ts.URL+"/proposals/"+itoa(id)+"/approve", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	p, err := s.GetProposal(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.ProposalApproved, p.Status)

	tasks, total, err := s.ListTasks(ctx, "", 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, "idea", tasks[0].Title)

	id2, err := s.CreateProposal(ctx, store.Proposal{RepoPath: "/repo", Title: "idea2"})
	require.NoError(t, err)

	resp = doJSON(t, http.MethodPost, ts.URL+"/proposals/"+itoa(id2)+"/dismiss", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	p2, err := s.GetProposal(ctx, id2)
	require.NoError(t, err)
	require.Equal(t, store.ProposalDismissed, p2.Status)

	resp = doJSON(t, http.MethodPost, ts.URL+"/proposals/"+itoa(id2)+"/reopen", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	p2, err = s.GetProposal(ctx, id2)
	require.NoError(t, err)
	require.Equal(t, store.ProposalProposed, p2.Status)
}

func TestListTasks_FiltersByStatus(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	ts, _ := newTestServer(t, s)

	_, err := s.CreateTask(ctx, store.Task{Title: "a", RepoPath: "/repo", Status: store.StatusBacklog})
	require.NoError(t, err)
	_, err = s.CreateTask(ctx, store.Task{Title: "b", RepoPath: "/repo", Status: store.StatusDone})
	require.NoError(t, err)

	resp := doJSON(t, http.MethodGet, ts.URL+"/tasks?status=done", nil)
	body := decode(t, resp)
	require.Equal(t, float64(1), body["total"])
}

func TestStatus_ReportsActiveTaskCounts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	ts, _ := newTestServer(t, s)

	_, err := s.CreateTask(ctx, store.Task{Title: "a", RepoPath: "/repo", Status: store.StatusBacklog})
	require.NoError(t, err)
	_, err = s.CreateTask(ctx, store.Task{Title: "b", RepoPath: "/repo", Status: store.StatusImpl})
	require.NoError(t, err)

	resp := doJSON(t, http.MethodGet, ts.URL+"/status", nil)
	body := decode(t, resp)
	require.Equal(t, float64(2), body["active_tasks"])
}

func TestSettings_RejectsUnknownKey(t *testing.T) {
	s := openTestStore(t)
	ts, _ := newTestServer(t, s)

	resp := doJSON(t, http.MethodPut, ts.URL+"/settings", map[string]string{"not_a_real_setting": "x"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSettings_AppliesAndPersistsAllowedKey(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	cfg := defaultTestConfig()
	srv := New(Config{Store: s, Cfg: &cfg, CfgMu: &sync.RWMutex{}})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp := doJSON(t, http.MethodPut, ts.URL+"/settings", map[string]string{"pipeline_max_agents": "9"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.Equal(t, 9, cfg.MaxAgents)
	v, err := s.GetState(ctx, "settings:pipeline_max_agents")
	require.NoError(t, err)
	require.Equal(t, "9", v)
}

func TestAuthorize_RejectsMissingBearerToken(t *testing.T) {
	s := openTestStore(t)
	cfg := defaultTestConfig()
	srv := New(Config{Store: s, Cfg: &cfg, CfgMu: &sync.RWMutex{}, AuthToken: "secret"})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp := doJSON(t, http.MethodGet, ts.URL+"/status", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
