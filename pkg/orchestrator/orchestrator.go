// Package orchestrator implements the Crew Orchestrator (spec.md §4.7): it
// drives a TaskSpec through a sequence of role-agent phases — planner,
// implementer, reviewer, committer — tracking lifecycle in the Run Store
// and provenance in the Task Store, without ever touching the working tree
// itself (all mutation goes through pkg/editor, all git plumbing through
// pkg/gitbridge).
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cagehq/cage/pkg/cageerr"
	"github.com/cagehq/cage/pkg/constants"
	"github.com/cagehq/cage/pkg/editor"
	"github.com/cagehq/cage/pkg/gitbridge"
	"github.com/cagehq/cage/pkg/logger"
	"github.com/cagehq/cage/pkg/registry"
	"github.com/cagehq/cage/pkg/runstore"
	"github.com/cagehq/cage/pkg/taskstore"
	"github.com/sourcegraph/conc/pool"
)

var log = logger.New("orchestrator")

// implementerMaxConcurrency bounds how many editor operations within a
// single plan step run concurrently (spec.md §5: "within a phase, the role
// agent may issue multiple editor operations concurrently provided their
// selectors acquire non-overlapping locks").
const implementerMaxConcurrency = 4

// Strategy names one of the fixed run strategies spec.md §4.7 requires.
type Strategy string

const (
	StrategyPlanOnly                Strategy = "plan_only"
	StrategyImplThenVerify          Strategy = "impl_then_verify"
	StrategyImplThenVerifyAndCommit Strategy = "impl_then_verify_and_commit"
)

// ValidStrategy reports whether s is one of the recognized strategies.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyPlanOnly, StrategyImplThenVerify, StrategyImplThenVerifyAndCommit:
		return true
	default:
		return false
	}
}

// TaskSpec is the orchestrator's input: what to build and how to recognize
// it is done. At least one acceptance criterion is required.
type TaskSpec struct {
	Title       string
	Description string
	Acceptance  []string
}

// Validate reports whether the spec is well-formed. Callers that create a
// persistent record (a task, a run) from a TaskSpec must call this before
// persisting anything, so a rejected spec never leaves state behind.
func (t TaskSpec) Validate() error {
	if len(t.Acceptance) == 0 {
		return cageerr.New(cageerr.SelectorInvalid, "task spec requires at least one acceptance criterion")
	}
	return nil
}

// PlanStep is one unit of planned work: a human-readable description plus
// the editor operations that realize it. Operations are applied within a
// step concurrently and steps themselves run in order.
type PlanStep struct {
	Description string                 `json:"description"`
	Operations  []editor.FileOperation `json:"operations"`
}

// Plan is a planner's decomposition of a TaskSpec into ordered steps,
// persisted as the run's plan.json artefact.
type Plan struct {
	Steps []PlanStep `json:"steps"`
}

// Verdict is a reviewer's pass/fail judgement on a run's applied changes.
type Verdict struct {
	Passed   bool     `json:"passed"`
	Findings []string `json:"findings"`
}

// Planner decomposes a TaskSpec into a Plan. Concrete agents plug in their
// own decomposition logic via Orchestrator.RegisterPlanner.
type Planner interface {
	Plan(ctx context.Context, spec TaskSpec) (*Plan, error)
}

// Reviewer inspects a run's changelog and emits a verdict. Concrete agents
// plug in their own review logic via Orchestrator.RegisterReviewer.
type Reviewer interface {
	Review(ctx context.Context, spec TaskSpec, changelog []taskstore.ChangelogEntry) (Verdict, error)
}

// EventKind names a phase-transition event.
type EventKind string

const (
	EventPhaseStarted   EventKind = "phase.started"
	EventPhaseCompleted EventKind = "phase.completed"
	EventPhaseFailed    EventKind = "phase.failed"
	EventRunCompleted   EventKind = "run.completed"
)

// Event is one phase-transition notification. It is purely additive
// instrumentation over the run state machine in the Run Store and
// introduces no state the Run Store doesn't already hold. Nothing in
// cmd/cage or pkg/gateway reads Events(): cage run watch polls the Run
// Store instead.
type Event struct {
	RunID     string
	Phase     string
	Kind      EventKind
	Message   string
	Timestamp time.Time
}

// Orchestrator coordinates crew runs: planner -> implementer -> reviewer ->
// committer, per spec.md §4.7's state machine and per-phase contracts.
type Orchestrator struct {
	runs  *runstore.Store
	tasks *taskstore.Store
	edit  *editor.Editor
	git   *gitbridge.Bridge
	reg   *registry.Registry
	now   func() time.Time

	events chan Event

	mu        sync.Mutex
	planners  map[string]Planner
	reviewers map[string]Reviewer

	retryMax  int
	retryBase time.Duration
	retryCap  time.Duration

	// slots bounds how many runs execute concurrently (spec.md §5
	// backpressure); excess crew_run requests stay queued until a slot frees.
	slots chan struct{}
}

// New creates an Orchestrator wired to its dependent stores and tools.
func New(runs *runstore.Store, tasks *taskstore.Store, edit *editor.Editor, git *gitbridge.Bridge, reg *registry.Registry) *Orchestrator {
	return &Orchestrator{
		runs:      runs,
		tasks:     tasks,
		edit:      edit,
		git:       git,
		reg:       reg,
		now:       time.Now,
		events:    make(chan Event, 256),
		planners:  make(map[string]Planner),
		reviewers: make(map[string]Reviewer),
		retryMax:  constants.DefaultRetryMax,
		retryBase: constants.DefaultRetryBase,
		retryCap:  constants.DefaultRetryCap,
		slots:     make(chan struct{}, constants.DefaultRunMaxConcurrent),
	}
}

// Events returns the channel run-phase transitions are published on.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// RegisterPlanner wires a concrete Planner behind an agent id. Agents with
// no registered Planner fall back to a default that decomposes each
// acceptance criterion into one step with no operations.
func (o *Orchestrator) RegisterPlanner(agentID string, p Planner) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.planners[agentID] = p
}

// RegisterReviewer wires a concrete Reviewer behind an agent id. Agents with
// no registered Reviewer fall back to a default that passes any run with at
// least one changelog entry.
func (o *Orchestrator) RegisterReviewer(agentID string, r Reviewer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reviewers[agentID] = r
}

func (o *Orchestrator) plannerFor(agentID string) Planner {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.planners[agentID]; ok {
		return p
	}
	return defaultPlanner{}
}

func (o *Orchestrator) reviewerFor(agentID string) Reviewer {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.reviewers[agentID]; ok {
		return r
	}
	return defaultReviewer{}
}

func (o *Orchestrator) publish(runID, phase string, kind EventKind, msg string) {
	evt := Event{RunID: runID, Phase: phase, Kind: kind, Message: msg, Timestamp: o.now()}
	select {
	case o.events <- evt:
	default:
		log.Warnf("event channel full, dropping %s for run %s", kind, runID)
	}
}

// Run creates a run in the queued state, starts it asynchronously, and
// returns immediately — matching the gateway's crew_run contract of
// returning {run_id, status:"queued"} without waiting for completion.
func (o *Orchestrator) Run(taskID, crewID string, spec TaskSpec, strategy Strategy, timeout time.Duration) (*runstore.Run, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if !ValidStrategy(strategy) {
		return nil, cageerr.New(cageerr.SelectorInvalid, "unknown strategy: "+string(strategy))
	}
	crew, err := o.reg.GetCrew(crewID)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = constants.DefaultRunTimeout
	}

	run, err := o.runs.Create(taskID, crewID)
	if err != nil {
		return nil, err
	}

	go o.awaitSlotAndExecute(crew, taskID, spec, strategy, run.RunID, timeout)
	return run, nil
}

// awaitSlotAndExecute blocks until a concurrency slot frees (the run stays
// "queued" on disk the whole time) or the run is cancelled while queued, in
// which case it never consumes a slot at all.
func (o *Orchestrator) awaitSlotAndExecute(crew *registry.Crew, taskID string, spec TaskSpec, strategy Strategy, runID string, timeout time.Duration) {
	if !o.acquireSlot(runID) {
		return
	}
	defer func() { <-o.slots }()
	o.execute(crew, taskID, spec, strategy, runID, timeout)
}

func (o *Orchestrator) acquireSlot(runID string) bool {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case o.slots <- struct{}{}:
			return true
		case <-ticker.C:
			run, err := o.runs.Get(runID)
			if err == nil && run.CancelRequested {
				if _, tErr := o.runs.Transition(runID, runstore.StatusCancelled, ""); tErr != nil {
					log.Warnf("cancelling queued run %s: %v", runID, tErr)
				}
				o.publish(runID, "", EventRunCompleted, "cancelled while queued")
				return false
			}
		}
	}
}

// Cancel requests cancellation of runID. The orchestrator checks for it at
// the next phase boundary; in-flight writes are never aborted mid-operation.
func (o *Orchestrator) Cancel(runID string) (*runstore.Run, error) {
	return o.runs.RequestCancel(runID)
}

// Get returns runID's current record.
func (o *Orchestrator) Get(runID string) (*runstore.Run, error) {
	return o.runs.Get(runID)
}

// List returns every run matching filter.
func (o *Orchestrator) List(filter runstore.Filter) ([]*runstore.Run, error) {
	return o.runs.List(filter)
}

// Registry exposes the agent/crew registry backing this orchestrator, for
// callers (the MCP gateway) that need agent_* / crew_* operations without
// duplicating registry state.
func (o *Orchestrator) Registry() *registry.Registry { return o.reg }

// Tasks exposes the task store backing this orchestrator.
func (o *Orchestrator) Tasks() *taskstore.Store { return o.tasks }

// InvokeAgent runs a single registered agent directly against spec, outside
// of any crew run. Only planner and reviewer agents can be invoked this way:
// implementer and committer agents mutate the working tree or history and
// require the run tracking a crew_run gives them.
func (o *Orchestrator) InvokeAgent(ctx context.Context, agentID string, spec TaskSpec) (any, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	a, err := o.reg.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	switch a.Role {
	case registry.RolePlanner:
		return o.plannerFor(agentID).Plan(ctx, spec)
	case registry.RoleReviewer:
		return o.reviewerFor(agentID).Review(ctx, spec, nil)
	default:
		return nil, cageerr.New(cageerr.SelectorInvalid, "agent role "+string(a.Role)+" does not support direct invocation outside a crew run")
	}
}

func (o *Orchestrator) execute(crew *registry.Crew, taskID string, spec TaskSpec, strategy Strategy, runID string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if _, err := o.runs.Transition(runID, runstore.StatusRunning, ""); err != nil {
		log.Errorf("transitioning run %s to running: %v", runID, err)
		return
	}

	plan, err := o.runPlanner(ctx, crew, spec, runID)
	if err != nil {
		o.fail(runID, err)
		return
	}
	if strategy == StrategyPlanOnly {
		o.succeed(runID)
		return
	}
	if o.atBoundary(ctx, runID) {
		return
	}

	if err := o.runImplementer(ctx, plan, taskID, runID); err != nil {
		if !errors.Is(err, errRunAlreadyHandled) {
			o.fail(runID, err)
		}
		return
	}
	if o.atBoundary(ctx, runID) {
		return
	}

	verdict, err := o.runReviewer(ctx, crew, spec, taskID, runID)
	if err != nil {
		o.fail(runID, err)
		return
	}
	if !verdict.Passed {
		o.fail(runID, cageerr.New(cageerr.ReviewerRejected, strings.Join(verdict.Findings, "; ")))
		return
	}
	if strategy == StrategyImplThenVerify {
		o.succeed(runID)
		return
	}
	if o.atBoundary(ctx, runID) {
		return
	}

	if err := o.runCommitter(spec, taskID, runID); err != nil {
		o.fail(runID, err)
		return
	}
	o.succeed(runID)
}

// atBoundary checks the cooperative cancellation and timeout conditions at
// a phase boundary, transitioning and publishing a terminal event if either
// fired. It returns true when the caller should stop.
func (o *Orchestrator) atBoundary(ctx context.Context, runID string) bool {
	if ctx.Err() == context.DeadlineExceeded {
		o.fail(runID, cageerr.New(cageerr.Timeout, "run exceeded its wall-clock timeout"))
		return true
	}
	if o.cancelRequested(runID) {
		o.markCancelled(runID)
		return true
	}
	return false
}

// cancelRequested reports whether run_cancel has been called for runID.
// Checked at phase boundaries and, during the implementer phase, before
// every editor write so a cancellation is observed mid-phase rather than
// only between phases.
func (o *Orchestrator) cancelRequested(runID string) bool {
	run, err := o.runs.Get(runID)
	if err != nil {
		return false
	}
	return run.CancelRequested
}

func (o *Orchestrator) markCancelled(runID string) {
	if _, err := o.runs.Transition(runID, runstore.StatusCancelled, ""); err != nil {
		log.Errorf("transitioning run %s to cancelled: %v", runID, err)
	}
	o.publish(runID, "", EventRunCompleted, "cancelled")
}

// errRunAlreadyHandled is returned by runImplementer when it has already
// transitioned and published a terminal cancelled state itself; execute
// must not call fail() again on top of it.
var errRunAlreadyHandled = errors.New("run already transitioned")

func (o *Orchestrator) fail(runID string, err error) {
	msg := err.Error()
	if _, terr := o.runs.Transition(runID, runstore.StatusFailed, msg); terr != nil {
		log.Errorf("transitioning run %s to failed: %v", runID, terr)
	}
	o.publish(runID, "", EventRunCompleted, "failed: "+msg)
}

func (o *Orchestrator) succeed(runID string) {
	if _, err := o.runs.Transition(runID, runstore.StatusSucceeded, ""); err != nil {
		log.Errorf("transitioning run %s to succeeded: %v", runID, err)
	}
	o.publish(runID, "", EventRunCompleted, "succeeded")
}

func (o *Orchestrator) runPlanner(ctx context.Context, crew *registry.Crew, spec TaskSpec, runID string) (*Plan, error) {
	o.publish(runID, "planner", EventPhaseStarted, "")

	agentID := crew.Roles[registry.RolePlanner]
	plan, err := o.plannerFor(agentID).Plan(ctx, spec)
	if err != nil {
		o.publish(runID, "planner", EventPhaseFailed, err.Error())
		return nil, err
	}
	if len(plan.Steps) == 0 {
		err := cageerr.New(cageerr.SelectorInvalid, "planner produced zero steps for acceptance criteria")
		o.publish(runID, "planner", EventPhaseFailed, err.Error())
		return nil, err
	}

	if raw, mErr := json.Marshal(plan); mErr == nil {
		if err := o.runs.WritePlan(runID, raw); err != nil {
			log.Warnf("writing plan artefact for run %s: %v", runID, err)
		}
	}
	if err := o.runs.AppendLog(runID, "planner", fmt.Sprintf("produced %d steps", len(plan.Steps))); err != nil {
		log.Warnf("appending planner log for run %s: %v", runID, err)
	}
	o.publish(runID, "planner", EventPhaseCompleted, fmt.Sprintf("%d steps", len(plan.Steps)))
	return plan, nil
}

func (o *Orchestrator) runImplementer(ctx context.Context, plan *Plan, taskID, runID string) error {
	o.publish(runID, "implementer", EventPhaseStarted, "")

	applied := 0
	for _, step := range plan.Steps {
		if ctx.Err() != nil {
			err := cageerr.New(cageerr.Timeout, "run exceeded its wall-clock timeout")
			o.publish(runID, "implementer", EventPhaseFailed, err.Error())
			return err
		}
		if o.cancelRequested(runID) {
			o.publish(runID, "implementer", EventPhaseFailed, "cancelled")
			o.markCancelled(runID)
			return errRunAlreadyHandled
		}

		p := pool.New().WithMaxGoroutines(implementerMaxConcurrency).WithErrors()
		for _, op := range step.Operations {
			op := op
			op.CorrelationID = taskID
			p.Go(func() error {
				// Checked immediately before the write itself: a
				// cancellation requested while this step's operations
				// were queued must stop this operation from applying.
				if o.cancelRequested(runID) {
					return nil
				}
				return o.applyWithRetry(op, runID)
			})
		}
		if err := p.Wait(); err != nil {
			o.publish(runID, "implementer", EventPhaseFailed, err.Error())
			return err
		}
		if o.cancelRequested(runID) {
			o.publish(runID, "implementer", EventPhaseFailed, "cancelled")
			o.markCancelled(runID)
			return errRunAlreadyHandled
		}
		applied += len(step.Operations)
	}

	o.publish(runID, "implementer", EventPhaseCompleted, fmt.Sprintf("%d operations applied", applied))
	return nil
}

// applyWithRetry executes op, retrying on lock conflict or stale preimage up
// to retryMax times with exponential backoff (spec.md §4.7). retryMax,
// retryBase and retryCap are the constants.DefaultRetry* values set in New;
// the RETRY_* settings loaded into cageconfig.Config do not reach them.
func (o *Orchestrator) applyWithRetry(op editor.FileOperation, runID string) error {
	delay := o.retryBase
	var lastErr error
	for attempt := 0; attempt <= o.retryMax; attempt++ {
		result := o.edit.Execute(op)
		if result.OK {
			if err := o.runs.AppendLog(runID, "implementer", fmt.Sprintf("%s %s", op.Operation, op.Path)); err != nil {
				log.Warnf("appending implementer log for run %s: %v", runID, err)
			}
			return nil
		}
		lastErr = result.Error
		if result.Error == nil || (result.Error.Kind != cageerr.LockConflict && result.Error.Kind != cageerr.StalePreimage) {
			return result.Error
		}
		if attempt == o.retryMax {
			break
		}
		time.Sleep(delay)
		delay *= 2
		if delay > o.retryCap {
			delay = o.retryCap
		}
	}
	return lastErr
}

func (o *Orchestrator) runReviewer(ctx context.Context, crew *registry.Crew, spec TaskSpec, taskID, runID string) (Verdict, error) {
	o.publish(runID, "reviewer", EventPhaseStarted, "")

	var changelog []taskstore.ChangelogEntry
	if o.tasks != nil && taskID != "" {
		if t, err := o.tasks.Load(taskID); err == nil {
			changelog = t.Changelog
		}
	}

	agentID := crew.Roles[registry.RoleReviewer]
	verdict, err := o.reviewerFor(agentID).Review(ctx, spec, changelog)
	if err != nil {
		o.publish(runID, "reviewer", EventPhaseFailed, err.Error())
		return Verdict{}, err
	}

	if logErr := o.runs.AppendLog(runID, "reviewer", fmt.Sprintf("passed=%v findings=%d", verdict.Passed, len(verdict.Findings))); logErr != nil {
		log.Warnf("appending reviewer log for run %s: %v", runID, logErr)
	}
	kind := EventPhaseCompleted
	if !verdict.Passed {
		kind = EventPhaseFailed
	}
	o.publish(runID, "reviewer", kind, strings.Join(verdict.Findings, "; "))
	return verdict, nil
}

func (o *Orchestrator) runCommitter(spec TaskSpec, taskID, runID string) error {
	o.publish(runID, "committer", EventPhaseStarted, "")

	meta, err := o.git.Commit(spec.Title, taskID, "cage-orchestrator", nil)
	if err != nil {
		o.publish(runID, "committer", EventPhaseFailed, err.Error())
		return err
	}
	if err := o.runs.AppendLog(runID, "committer", "committed "+meta.SHA); err != nil {
		log.Warnf("appending committer log for run %s: %v", runID, err)
	}
	o.publish(runID, "committer", EventPhaseCompleted, meta.SHA)
	return nil
}

// defaultPlanner decomposes a TaskSpec 1:1 into plan steps named after each
// acceptance criterion, with no file operations. It is the fallback used
// when a planner agent has no Planner registered — concrete agents plug in
// real decomposition via Orchestrator.RegisterPlanner.
type defaultPlanner struct{}

func (defaultPlanner) Plan(_ context.Context, spec TaskSpec) (*Plan, error) {
	if len(spec.Acceptance) == 0 {
		return nil, cageerr.New(cageerr.SelectorInvalid, "cannot decompose a task spec with no acceptance criteria")
	}
	steps := make([]PlanStep, len(spec.Acceptance))
	for i, criterion := range spec.Acceptance {
		steps[i] = PlanStep{Description: criterion}
	}
	return &Plan{Steps: steps}, nil
}

// defaultReviewer passes any run whose task accumulated at least one
// changelog entry, deferring substantive verification to a real reviewer
// agent registered via Orchestrator.RegisterReviewer.
type defaultReviewer struct{}

func (defaultReviewer) Review(_ context.Context, _ TaskSpec, changelog []taskstore.ChangelogEntry) (Verdict, error) {
	if len(changelog) == 0 {
		return Verdict{Passed: false, Findings: []string{"no changelog entries recorded for this run"}}, nil
	}
	return Verdict{Passed: true}, nil
}

// ScriptedPlanner returns a fixed Plan regardless of the TaskSpec it is
// given. It is a template for adapting a real agent and the backbone of
// deterministic tests.
type ScriptedPlanner struct{ plan *Plan }

// NewScriptedPlanner wraps a fixed Plan as a Planner.
func NewScriptedPlanner(plan *Plan) *ScriptedPlanner { return &ScriptedPlanner{plan: plan} }

func (s *ScriptedPlanner) Plan(_ context.Context, _ TaskSpec) (*Plan, error) {
	if s.plan == nil || len(s.plan.Steps) == 0 {
		return nil, cageerr.New(cageerr.SelectorInvalid, "scripted plan has no steps")
	}
	return s.plan, nil
}

// ScriptedReviewer returns a fixed Verdict regardless of input.
type ScriptedReviewer struct{ verdict Verdict }

// NewScriptedReviewer wraps a fixed Verdict as a Reviewer.
func NewScriptedReviewer(verdict Verdict) *ScriptedReviewer { return &ScriptedReviewer{verdict: verdict} }

func (s *ScriptedReviewer) Review(_ context.Context, _ TaskSpec, _ []taskstore.ChangelogEntry) (Verdict, error) {
	return s.verdict, nil
}
