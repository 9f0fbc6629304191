package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cagehq/cage/pkg/editor"
	"github.com/cagehq/cage/pkg/gitbridge"
	"github.com/cagehq/cage/pkg/lockmgr"
	"github.com/cagehq/cage/pkg/orchestrator"
	"github.com/cagehq/cage/pkg/registry"
	"github.com/cagehq/cage/pkg/runstore"
	"github.com/cagehq/cage/pkg/taskstore"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/stretchr/testify/require"
)

const testToken = "secret-pod-token"

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	root := t.TempDir()

	ts, err := taskstore.New(root)
	require.NoError(t, err)
	rs := runstore.New(root)
	ed := editor.New(root, lockmgr.New()).WithChangelog(ts)
	gb := gitbridge.New(root).WithProvenance(ts)
	reg := registry.New()

	orch := orchestrator.New(rs, ts, ed, gb, reg)
	return New(orch, testToken), reg
}

func doRequest(t *testing.T, s *Server, method string, params any, token string) (*httptest.ResponseRecorder, rpcResponse) {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		require.NoError(t, err)
		raw = b
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: method, Params: raw})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var resp rpcResponse
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestServeHTTPRejectsMissingBearerToken(t *testing.T) {
	s, _ := newTestServer(t)
	rec, _ := doRequest(t, s, "agent_list", nil, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServeHTTPRejectsWrongBearerToken(t *testing.T) {
	s, _ := newTestServer(t)
	rec, _ := doRequest(t, s, "agent_list", nil, "wrong-token")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServeHTTPRejectsBatchRequests(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(`[{"jsonrpc":"2.0","id":1,"method":"agent_list"}]`)))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeInvalidRequest, resp.Error.Code)
}

func TestServeHTTPRejectsMalformedJSON(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(`not json`)))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeInvalidRequest, resp.Error.Code)
}

func TestServeHTTPRejectsUnknownMethod(t *testing.T) {
	s, _ := newTestServer(t)
	_, resp := doRequest(t, s, "agent_teleport", nil, testToken)
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
}

func TestAgentCreateThenGetRoundTrips(t *testing.T) {
	s, _ := newTestServer(t)
	_, created := doRequest(t, s, "agent_create", agentCreateParams{Name: "planner-bot", Role: "planner"}, testToken)
	require.Nil(t, created.Error)

	var agent registry.Agent
	require.NoError(t, json.Unmarshal(marshal(t, created.Result), &agent))
	require.NotEmpty(t, agent.ID)

	_, got := doRequest(t, s, "agent_get", agentGetParams{AgentID: agent.ID}, testToken)
	require.Nil(t, got.Error)
}

func TestAgentCreateRejectsMissingName(t *testing.T) {
	s, _ := newTestServer(t)
	_, resp := doRequest(t, s, "agent_create", agentCreateParams{Role: "planner"}, testToken)
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
}

func TestAgentCreateRejectsUnknownRole(t *testing.T) {
	s, _ := newTestServer(t)
	_, resp := doRequest(t, s, "agent_create", agentCreateParams{Name: "bot", Role: "sorcerer"}, testToken)
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
}

func TestCrewCreateThenCrewRunStartsAQueuedRun(t *testing.T) {
	s, reg := newTestServer(t)

	planner, err := reg.CreateAgent("planner-bot", registry.RolePlanner, nil)
	require.NoError(t, err)
	reviewer, err := reg.CreateAgent("reviewer-bot", registry.RoleReviewer, nil)
	require.NoError(t, err)

	s.orch.RegisterPlanner(planner.ID, orchestrator.NewScriptedPlanner(&orchestrator.Plan{
		Steps: []orchestrator.PlanStep{{Description: "step one"}},
	}))
	s.orch.RegisterReviewer(reviewer.ID, orchestrator.NewScriptedReviewer(orchestrator.Verdict{Passed: true}))

	_, crewResp := doRequest(t, s, "crew_create", crewCreateParams{
		Name: "demo-crew",
		Roles: map[string]string{
			string(registry.RolePlanner):  planner.ID,
			string(registry.RoleReviewer): reviewer.ID,
		},
	}, testToken)
	require.Nil(t, crewResp.Error)

	var crew registry.Crew
	require.NoError(t, json.Unmarshal(marshal(t, crewResp.Result), &crew))

	_, runResp := doRequest(t, s, "crew_run", crewRunParams{
		CrewID:   crew.ID,
		Strategy: string(orchestrator.StrategyPlanOnly),
		Task: orchestrator.TaskSpec{
			Title:       "Ship the feature",
			Description: "do the thing",
			Acceptance:  []string{"it works"},
		},
	}, testToken)
	require.Nil(t, runResp.Error)

	var result crewRunResult
	require.NoError(t, json.Unmarshal(marshal(t, runResp.Result), &result))
	require.NotEmpty(t, result.RunID)

	require.Eventually(t, func() bool {
		_, getResp := doRequest(t, s, "run_get", runGetParams{RunID: result.RunID}, testToken)
		if getResp.Error != nil {
			return false
		}
		var run runstore.Run
		require.NoError(t, json.Unmarshal(marshal(t, getResp.Result), &run))
		return run.Status == runstore.StatusSucceeded
	}, 2*time.Second, 10*time.Millisecond)

	tasks, err := s.orch.Tasks().List(taskstore.Filter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Len(t, tasks[0].Prompts, 1)
	require.Contains(t, tasks[0].Prompts[0].Text, "crew_run")
}

func TestCrewRunRejectsUnknownCrew(t *testing.T) {
	s, _ := newTestServer(t)
	_, resp := doRequest(t, s, "crew_run", crewRunParams{
		CrewID: "ghost",
		Task:   orchestrator.TaskSpec{Title: "x", Description: "y", Acceptance: []string{"z"}},
	}, testToken)
	require.NotNil(t, resp.Error)
}

func TestCrewRunRejectsEmptyAcceptanceWithoutPersistingTask(t *testing.T) {
	s, reg := newTestServer(t)
	planner, err := reg.CreateAgent("planner-bot", registry.RolePlanner, nil)
	require.NoError(t, err)
	reviewer, err := reg.CreateAgent("reviewer-bot", registry.RoleReviewer, nil)
	require.NoError(t, err)
	crew, err := reg.CreateCrew("demo-crew", map[registry.Role]string{
		registry.RolePlanner:  planner.ID,
		registry.RoleReviewer: reviewer.ID,
	}, nil)
	require.NoError(t, err)

	_, resp := doRequest(t, s, "crew_run", crewRunParams{
		CrewID: crew.ID,
		Task:   orchestrator.TaskSpec{Title: "x", Description: "y"},
	}, testToken)
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)

	tasks, err := s.orch.Tasks().List(taskstore.Filter{})
	require.NoError(t, err)
	require.Empty(t, tasks, "crew_run must not persist a task record when the spec fails validation")
}

func TestAgentInvokeRunsPlannerDirectly(t *testing.T) {
	s, reg := newTestServer(t)
	planner, err := reg.CreateAgent("planner-bot", registry.RolePlanner, nil)
	require.NoError(t, err)
	s.orch.RegisterPlanner(planner.ID, orchestrator.NewScriptedPlanner(&orchestrator.Plan{
		Steps: []orchestrator.PlanStep{{Description: "step one"}},
	}))

	_, resp := doRequest(t, s, "agent_invoke", agentInvokeParams{
		AgentID: planner.ID,
		Task:    orchestrator.TaskSpec{Title: "x", Description: "y", Acceptance: []string{"z"}},
	}, testToken)
	require.Nil(t, resp.Error)
}

func TestAgentInvokeWithTaskIDAppendsPromptAudit(t *testing.T) {
	s, reg := newTestServer(t)
	planner, err := reg.CreateAgent("planner-bot", registry.RolePlanner, nil)
	require.NoError(t, err)
	s.orch.RegisterPlanner(planner.ID, orchestrator.NewScriptedPlanner(&orchestrator.Plan{
		Steps: []orchestrator.PlanStep{{Description: "step one"}},
	}))

	_, err = s.orch.Tasks().Create(&taskstore.Task{ID: "2026-01-01-demo", Title: "demo"})
	require.NoError(t, err)

	_, resp := doRequest(t, s, "agent_invoke", agentInvokeParams{
		AgentID: planner.ID,
		TaskID:  "2026-01-01-demo",
		Task:    orchestrator.TaskSpec{Title: "x", Description: "y", Acceptance: []string{"z"}},
	}, testToken)
	require.Nil(t, resp.Error)

	task, err := s.orch.Tasks().Load("2026-01-01-demo")
	require.NoError(t, err)
	require.Len(t, task.Prompts, 1)
	require.Contains(t, task.Prompts[0].Text, "agent_invoke")
}

func TestAgentInvokeRejectsImplementerRole(t *testing.T) {
	s, reg := newTestServer(t)
	implementer, err := reg.CreateAgent("impl-bot", registry.RoleImplementer, nil)
	require.NoError(t, err)

	_, resp := doRequest(t, s, "agent_invoke", agentInvokeParams{
		AgentID: implementer.ID,
		Task:    orchestrator.TaskSpec{Title: "x", Description: "y", Acceptance: []string{"z"}},
	}, testToken)
	require.NotNil(t, resp.Error)
}

func TestRagQueryReturnsInternalError(t *testing.T) {
	s, _ := newTestServer(t)
	_, resp := doRequest(t, s, "rag_query", ragQueryParams{Query: "anything"}, testToken)
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeInternalError, resp.Error.Code)
}

func TestSlugifyProducesStableTaskIDPrefix(t *testing.T) {
	now := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	require.Equal(t, "2026-03-04-ship-the-feature", newTaskID(now, "Ship the Feature!!"))
	require.Equal(t, "2026-03-04-task", newTaskID(now, "???"))
}

func marshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
