package taskstore

// Patch is a JSON-merge-patch-style partial update (spec.md §4.4). Fields
// left nil are untouched. Changelog and commit history are deliberately not
// patchable here: they only grow through AppendChangelog and AppendCommit,
// which keeps I4/I5 (append-only) true by construction instead of by runtime
// policing of an arbitrary merge.
type Patch struct {
	Title            *string
	Owner            *string
	Status           *Status
	Summary          *string
	Tags             []string
	SuccessCriteria  []Check
	AcceptanceChecks []Check
	Subtasks         []string
	Todo             []TodoItem
	Decisions        []string
	LessonsLearned   []string
	IssuesRisks      []string
	NextSteps        []string
	References       []string
	Locks            []string
}

// apply merges p onto t in place. Callers must recompute derived fields
// (progress_percent, updated_at) and validate invariants afterward.
func (p Patch) apply(t *Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Owner != nil {
		t.Owner = *p.Owner
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Summary != nil {
		t.Summary = *p.Summary
	}
	if p.Tags != nil {
		t.Tags = p.Tags
	}
	if p.SuccessCriteria != nil {
		t.SuccessCriteria = p.SuccessCriteria
	}
	if p.AcceptanceChecks != nil {
		t.AcceptanceChecks = p.AcceptanceChecks
	}
	if p.Subtasks != nil {
		t.Subtasks = p.Subtasks
	}
	if p.Todo != nil {
		t.Todo = p.Todo
	}
	if p.Decisions != nil {
		t.Decisions = p.Decisions
	}
	if p.LessonsLearned != nil {
		t.LessonsLearned = p.LessonsLearned
	}
	if p.IssuesRisks != nil {
		t.IssuesRisks = p.IssuesRisks
	}
	if p.NextSteps != nil {
		t.NextSteps = p.NextSteps
	}
	if p.References != nil {
		t.References = p.References
	}
	if p.Locks != nil {
		t.Locks = p.Locks
	}
}
