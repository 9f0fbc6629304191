// Package registry holds the in-memory agent and crew registries
// (spec.md §4.8, §5: "In-memory registries of crews/agents/runs: shared;
// guarded by a single-writer discipline per key"). Neither registry is
// persisted to disk: a process restart forgets every agent_create/
// crew_create call, matching the concurrency model's explicit scoping of
// these registries to process memory.
package registry

import (
	"sort"
	"sync"

	"github.com/cagehq/cage/pkg/cageerr"
	"github.com/cagehq/cage/pkg/logger"
	"github.com/google/uuid"
)

var log = logger.New("registry")

// Role is one of the fixed set of crew roles a Crew Orchestrator phase maps to.
type Role string

const (
	RolePlanner     Role = "planner"
	RoleImplementer Role = "implementer"
	RoleReviewer    Role = "reviewer"
	RoleCommitter   Role = "committer"
)

// ValidRole reports whether r is a recognized crew role.
func ValidRole(r Role) bool {
	switch r {
	case RolePlanner, RoleImplementer, RoleReviewer, RoleCommitter:
		return true
	default:
		return false
	}
}

// Agent is a named, role-typed configuration registered via agent_create.
// The orchestrator resolves an agent id to its actual Planner/Reviewer
// behavior separately (RegisterPlanner/RegisterReviewer) — Config here is
// opaque data the concrete implementation may use however it likes, the
// same way the teacher's engine configs carry engine-specific options.
type Agent struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Role   Role           `json:"role"`
	Config map[string]any `json:"config,omitempty"`
}

// Crew is a named mapping from role to agent id, as registered via
// crew_create.
type Crew struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Roles  map[Role]string   `json:"roles"`
	Labels []string          `json:"labels,omitempty"`
}

// Registry is the single-process owner of every agent and crew.
type Registry struct {
	mu     sync.Mutex
	agents map[string]*Agent
	crews  map[string]*Crew
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{agents: make(map[string]*Agent), crews: make(map[string]*Crew)}
}

// CreateAgent registers a new agent with a fresh id.
func (r *Registry) CreateAgent(name string, role Role, config map[string]any) (*Agent, error) {
	if !ValidRole(role) {
		return nil, cageerr.New(cageerr.SelectorInvalid, "unknown agent role: "+string(role))
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	a := &Agent{ID: uuid.NewString(), Name: name, Role: role, Config: config}
	r.agents[a.ID] = a
	log.Printf("created agent %s (%s, role=%s)", a.ID, a.Name, a.Role)
	return a, nil
}

// GetAgent looks up an agent by id.
func (r *Registry) GetAgent(id string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, cageerr.New(cageerr.NotFound, "no such agent: "+id)
	}
	return a, nil
}

// ListAgents returns every registered agent, ordered by id.
func (r *Registry) ListAgents() []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CreateCrew registers a new crew. roles must be non-empty and every
// referenced agent id must already be registered.
func (r *Registry) CreateCrew(name string, roles map[Role]string, labels []string) (*Crew, error) {
	if len(roles) == 0 {
		return nil, cageerr.New(cageerr.SelectorInvalid, "crew roles must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for role, agentID := range roles {
		if !ValidRole(role) {
			return nil, cageerr.New(cageerr.SelectorInvalid, "unknown agent role: "+string(role))
		}
		if _, ok := r.agents[agentID]; !ok {
			return nil, cageerr.New(cageerr.NotFound, "unknown agent id: "+agentID)
		}
	}

	c := &Crew{ID: uuid.NewString(), Name: name, Roles: roles, Labels: labels}
	r.crews[c.ID] = c
	log.Printf("created crew %s (%s) with %d roles", c.ID, c.Name, len(roles))
	return c, nil
}

// GetCrew looks up a crew by id.
func (r *Registry) GetCrew(id string) (*Crew, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.crews[id]
	if !ok {
		return nil, cageerr.New(cageerr.NotFound, "no such crew: "+id)
	}
	return c, nil
}

// ListCrews returns every registered crew, ordered by id.
func (r *Registry) ListCrews() []*Crew {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Crew, 0, len(r.crews))
	for _, c := range r.crews {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
