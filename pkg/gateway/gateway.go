// Package gateway implements the MCP Gateway (spec.md §4.8): the only
// externally reachable component. It exposes a fixed set of JSON-RPC 2.0
// methods — one per tool — over the agent/crew registry and the crew
// orchestrator, the same way the teacher's mcp-server command wraps its CLI
// commands as MCP tools (pkg/cli/mcp_server.go), but with each tool bound
// directly to a JSON-RPC method name instead of a single "tools/call"
// dispatch, per the literal protocol rules this spec names: single-request
// form only (batches rejected), unknown method -32601, malformed request
// -32600, internal error -32603.
package gateway

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cagehq/cage/pkg/cageerr"
	"github.com/cagehq/cage/pkg/logger"
	"github.com/cagehq/cage/pkg/orchestrator"
	"github.com/cagehq/cage/pkg/registry"
	"github.com/cagehq/cage/pkg/runstore"
	"github.com/cagehq/cage/pkg/taskstore"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

var log = logger.New("mcp:gateway")

// defaultAgentInvokeTimeout bounds an ad-hoc agent_invoke call when the
// caller does not supply timeout_s.
const defaultAgentInvokeTimeout = 60 * time.Second

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *jsonrpc.Error  `json:"error,omitempty"`
}

type toolHandler func(ctx context.Context, params json.RawMessage) (any, *jsonrpc.Error)

// Server is the HTTP transport for the gateway's JSON-RPC endpoint.
type Server struct {
	orch  *orchestrator.Orchestrator
	token string

	handlers map[string]toolHandler
	schemas  map[string]*jsonschema.Schema
}

// New builds a Server bound to orch. token is the bearer token every request
// must present (spec.md §6 POD_TOKEN); an empty token rejects every request,
// since an unconfigured gateway must fail closed.
func New(orch *orchestrator.Orchestrator, token string) *Server {
	s := &Server{orch: orch, token: token, schemas: buildToolSchemas()}
	s.handlers = map[string]toolHandler{
		"agent_create": s.agentCreate,
		"agent_list":   s.agentList,
		"agent_get":    s.agentGet,
		"agent_invoke": s.agentInvoke,
		"crew_create":  s.crewCreate,
		"crew_list":    s.crewList,
		"crew_get":     s.crewGet,
		"crew_run":     s.crewRun,
		"run_list":     s.runList,
		"run_get":      s.runGet,
		"run_cancel":   s.runCancel,
		"rag_query":    s.ragQuery,
	}
	for name := range s.handlers {
		if _, ok := s.schemas[name]; !ok && name != "agent_list" && name != "crew_list" {
			log.Warnf("no input schema registered for tool %s", name)
		}
	}
	return s
}

// ServeHTTP implements the gateway's single JSON-RPC 2.0 endpoint.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	rlog := log.With("request_id", requestID)

	if !s.authorized(r) {
		rlog.Warnf("rejected request: missing or invalid bearer token")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidRequest, Message: "failed to read request body"})
		return
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		rlog.Warnf("rejected batch request")
		s.writeError(w, nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidRequest, Message: "batch requests are not supported"})
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(trimmed, &req); err != nil {
		rlog.Warnf("malformed request: %v", err)
		s.writeError(w, nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidRequest, Message: "malformed JSON-RPC request"})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.writeError(w, req.ID, &jsonrpc.Error{Code: jsonrpc.CodeInvalidRequest, Message: "invalid JSON-RPC 2.0 envelope"})
		return
	}

	handler, ok := s.handlers[req.Method]
	if !ok {
		rlog.Warnf("unknown method: %s", req.Method)
		s.writeError(w, req.ID, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "unknown method: " + req.Method})
		return
	}

	rlog.Printf("dispatching %s", req.Method)
	result, rpcErr := handler(r.Context(), req.Params)
	if rpcErr != nil {
		rlog.Warnf("%s failed: %s", req.Method, rpcErr.Message)
		s.writeResponse(w, req.ID, nil, rpcErr)
		return
	}
	s.writeResponse(w, req.ID, result, nil)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return false
	}
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return false
	}
	presented := strings.TrimPrefix(h, prefix)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) == 1
}

func (s *Server) writeError(w http.ResponseWriter, id json.RawMessage, rpcErr *jsonrpc.Error) {
	s.writeResponse(w, id, nil, rpcErr)
}

func (s *Server) writeResponse(w http.ResponseWriter, id json.RawMessage, result any, rpcErr *jsonrpc.Error) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr})
}

// toRPCError maps a *cageerr.Error to a JSON-RPC error per spec.md §7's
// propagation policy: validation kinds map to -32602, everything else maps
// to -32603 with a safe (secret-free) message.
func toRPCError(err error) *jsonrpc.Error {
	ce, ok := err.(*cageerr.Error)
	if !ok {
		return &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: "internal error"}
	}
	code := jsonrpc.CodeInternalError
	switch ce.Kind {
	case cageerr.SelectorInvalid, cageerr.TaskSchemaViolation:
		code = jsonrpc.CodeInvalidParams
	}
	data, _ := json.Marshal(ce)
	return &jsonrpc.Error{Code: code, Message: ce.Message, Data: data}
}

func invalidParams(err error) *jsonrpc.Error {
	return &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "invalid params: " + err.Error()}
}

func invalidParamsMsg(msg string) *jsonrpc.Error {
	return &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: msg}
}

// --- agent_* tools -----------------------------------------------------

type agentCreateParams struct {
	Name   string         `json:"name" jsonschema:"Human-readable agent name"`
	Role   string         `json:"role" jsonschema:"One of planner, implementer, reviewer, committer"`
	Config map[string]any `json:"config,omitempty" jsonschema:"Opaque, role-specific configuration"`
}

func (s *Server) agentCreate(_ context.Context, raw json.RawMessage) (any, *jsonrpc.Error) {
	var p agentCreateParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams(err)
	}
	if p.Name == "" {
		return nil, invalidParamsMsg("name is required")
	}
	a, err := s.orch.Registry().CreateAgent(p.Name, registry.Role(p.Role), p.Config)
	if err != nil {
		return nil, toRPCError(err)
	}
	return a, nil
}

func (s *Server) agentList(_ context.Context, _ json.RawMessage) (any, *jsonrpc.Error) {
	return s.orch.Registry().ListAgents(), nil
}

type agentGetParams struct {
	AgentID string `json:"agent_id" jsonschema:"Agent id returned by agent_create"`
}

func (s *Server) agentGet(_ context.Context, raw json.RawMessage) (any, *jsonrpc.Error) {
	var p agentGetParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams(err)
	}
	a, err := s.orch.Registry().GetAgent(p.AgentID)
	if err != nil {
		return nil, toRPCError(err)
	}
	return a, nil
}

type agentInvokeParams struct {
	AgentID  string                `json:"agent_id" jsonschema:"Agent id to invoke directly, outside a crew run"`
	TaskID   string                `json:"task_id,omitempty" jsonschema:"Existing task id this invocation is acting on behalf of, for audit purposes"`
	Task     orchestrator.TaskSpec `json:"task" jsonschema:"Task specification the agent should act on"`
	Context  string                `json:"context,omitempty" jsonschema:"Free-form additional context for the agent"`
	TimeoutS int                   `json:"timeout_s,omitempty" jsonschema:"Wall-clock budget in seconds, default 60"`
}

func (s *Server) agentInvoke(ctx context.Context, raw json.RawMessage) (any, *jsonrpc.Error) {
	var p agentInvokeParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams(err)
	}
	if p.AgentID == "" {
		return nil, invalidParamsMsg("agent_id is required")
	}
	if p.TaskID != "" {
		text := fmt.Sprintf("agent_invoke agent=%s: %s", p.AgentID, p.Task.Title)
		if err := s.orch.Tasks().AppendPrompt(p.TaskID, text); err != nil {
			log.Warnf("appending prompt audit for task %s: %v", p.TaskID, err)
		}
	}
	timeout := defaultAgentInvokeTimeout
	if p.TimeoutS > 0 {
		timeout = time.Duration(p.TimeoutS) * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := s.orch.InvokeAgent(callCtx, p.AgentID, p.Task)
	if err != nil {
		return nil, toRPCError(err)
	}
	return result, nil
}

// --- crew_* tools --------------------------------------------------------

type crewCreateParams struct {
	Name   string            `json:"name" jsonschema:"Human-readable crew name"`
	Roles  map[string]string `json:"roles" jsonschema:"Mapping of role name to agent id; must be non-empty"`
	Labels []string          `json:"labels,omitempty" jsonschema:"Free-form labels for filtering crews"`
}

func (s *Server) crewCreate(_ context.Context, raw json.RawMessage) (any, *jsonrpc.Error) {
	var p crewCreateParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams(err)
	}
	roles := make(map[registry.Role]string, len(p.Roles))
	for role, agentID := range p.Roles {
		roles[registry.Role(role)] = agentID
	}
	c, err := s.orch.Registry().CreateCrew(p.Name, roles, p.Labels)
	if err != nil {
		return nil, toRPCError(err)
	}
	return c, nil
}

func (s *Server) crewList(_ context.Context, _ json.RawMessage) (any, *jsonrpc.Error) {
	return s.orch.Registry().ListCrews(), nil
}

type crewGetParams struct {
	CrewID string `json:"crew_id" jsonschema:"Crew id returned by crew_create"`
}

func (s *Server) crewGet(_ context.Context, raw json.RawMessage) (any, *jsonrpc.Error) {
	var p crewGetParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams(err)
	}
	c, err := s.orch.Registry().GetCrew(p.CrewID)
	if err != nil {
		return nil, toRPCError(err)
	}
	return c, nil
}

type crewRunParams struct {
	CrewID   string                `json:"crew_id" jsonschema:"Crew id to run"`
	Task     orchestrator.TaskSpec `json:"task" jsonschema:"Task specification: title, description, acceptance criteria"`
	Strategy string                `json:"strategy,omitempty" jsonschema:"plan_only, impl_then_verify or impl_then_verify_and_commit"`
	TimeoutS int                   `json:"timeout_s,omitempty" jsonschema:"Wall-clock budget in seconds"`
}

type crewRunResult struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// crewRun validates the TaskSpec before persisting anything, then seeds a
// fresh Task Store record from it (crew_run's params carry no task_id, only
// a TaskSpec) so the orchestrator always has a concrete task to attribute
// changelog and commit provenance to, then starts the run and returns
// immediately with {run_id, status:"queued"}.
func (s *Server) crewRun(_ context.Context, raw json.RawMessage) (any, *jsonrpc.Error) {
	var p crewRunParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams(err)
	}
	if p.CrewID == "" {
		return nil, invalidParamsMsg("crew_id is required")
	}
	if err := p.Task.Validate(); err != nil {
		return nil, toRPCError(err)
	}

	strategy := orchestrator.Strategy(p.Strategy)
	if strategy == "" {
		strategy = orchestrator.StrategyImplThenVerifyAndCommit
	}
	timeout := time.Duration(p.TimeoutS) * time.Second

	id := newTaskID(time.Now(), p.Task.Title)
	checks := make([]taskstore.Check, 0, len(p.Task.Acceptance))
	for _, c := range p.Task.Acceptance {
		checks = append(checks, taskstore.Check{Text: c})
	}
	if _, err := s.orch.Tasks().Create(&taskstore.Task{
		ID:               id,
		Title:            p.Task.Title,
		Summary:          p.Task.Description,
		AcceptanceChecks: checks,
	}); err != nil {
		return nil, toRPCError(err)
	}
	if err := s.orch.Tasks().AppendPrompt(id, fmt.Sprintf("crew_run crew=%s: %s", p.CrewID, p.Task.Title)); err != nil {
		log.Warnf("appending prompt audit for task %s: %v", id, err)
	}

	run, err := s.orch.Run(id, p.CrewID, p.Task, strategy, timeout)
	if err != nil {
		return nil, toRPCError(err)
	}
	return crewRunResult{RunID: run.RunID, Status: string(run.Status)}, nil
}

// --- run_* tools -----------------------------------------------------

type runListParams struct {
	TaskID string `json:"task_id,omitempty" jsonschema:"Filter to runs for this task"`
	Status string `json:"status,omitempty" jsonschema:"Filter to runs in this status"`
}

func (s *Server) runList(_ context.Context, raw json.RawMessage) (any, *jsonrpc.Error) {
	var p runListParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, invalidParams(err)
		}
	}
	filter := runstore.Filter{TaskID: p.TaskID}
	if p.Status != "" {
		st := runstore.Status(p.Status)
		filter.Status = &st
	}
	runs, err := s.orch.List(filter)
	if err != nil {
		return nil, toRPCError(err)
	}
	return runs, nil
}

type runGetParams struct {
	RunID string `json:"run_id" jsonschema:"Run id returned by crew_run"`
}

func (s *Server) runGet(_ context.Context, raw json.RawMessage) (any, *jsonrpc.Error) {
	var p runGetParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams(err)
	}
	run, err := s.orch.Get(p.RunID)
	if err != nil {
		return nil, toRPCError(err)
	}
	return run, nil
}

type runCancelParams struct {
	RunID string `json:"run_id" jsonschema:"Run id to cancel"`
}

func (s *Server) runCancel(_ context.Context, raw json.RawMessage) (any, *jsonrpc.Error) {
	var p runCancelParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams(err)
	}
	run, err := s.orch.Cancel(p.RunID)
	if err != nil {
		return nil, toRPCError(err)
	}
	return run, nil
}

// --- rag_query stub -------------------------------------------------

type ragQueryParams struct {
	Query string `json:"query" jsonschema:"Natural-language query"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum results to return"`
}

// ragQuery is a typed pass-through stub: it is part of the fixed tool
// surface so the gateway must route it, but the embedding/search backend
// behind it is out of scope here.
func (s *Server) ragQuery(_ context.Context, raw json.RawMessage) (any, *jsonrpc.Error) {
	var p ragQueryParams
	_ = json.Unmarshal(raw, &p)
	return nil, &jsonrpc.Error{
		Code:    jsonrpc.CodeInternalError,
		Message: "rag_query is not implemented: no embedding/search backend is wired to this gateway",
	}
}

// --- schema generation -------------------------------------------------

func buildToolSchemas() map[string]*jsonschema.Schema {
	schemas := make(map[string]*jsonschema.Schema)

	s1, e1 := jsonschema.For[agentCreateParams]()
	addSchema(schemas, "agent_create", s1, e1)
	s2, e2 := jsonschema.For[agentGetParams]()
	addSchema(schemas, "agent_get", s2, e2)
	s3, e3 := jsonschema.For[agentInvokeParams]()
	addSchema(schemas, "agent_invoke", s3, e3)
	s4, e4 := jsonschema.For[crewCreateParams]()
	addSchema(schemas, "crew_create", s4, e4)
	s5, e5 := jsonschema.For[crewGetParams]()
	addSchema(schemas, "crew_get", s5, e5)
	s6, e6 := jsonschema.For[crewRunParams]()
	addSchema(schemas, "crew_run", s6, e6)
	s7, e7 := jsonschema.For[runListParams]()
	addSchema(schemas, "run_list", s7, e7)
	s8, e8 := jsonschema.For[runGetParams]()
	addSchema(schemas, "run_get", s8, e8)
	s9, e9 := jsonschema.For[runCancelParams]()
	addSchema(schemas, "run_cancel", s9, e9)
	s10, e10 := jsonschema.For[ragQueryParams]()
	addSchema(schemas, "rag_query", s10, e10)

	return schemas
}

func addSchema(schemas map[string]*jsonschema.Schema, name string, schema *jsonschema.Schema, err error) {
	if err != nil {
		log.Warnf("failed to generate input schema for %s: %v", name, err)
		return
	}
	schemas[name] = schema
}

// newTaskID derives a "YYYY-MM-DD-<kebab>" slug from a task title the way
// `cage task new` would, so ad-hoc crew_run tasks satisfy the Task Store's
// id format.
func newTaskID(now time.Time, title string) string {
	return now.Format("2006-01-02") + "-" + slugify(title)
}

func slugify(title string) string {
	var b strings.Builder
	prevDash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if out == "" {
		return "task"
	}
	return out
}
