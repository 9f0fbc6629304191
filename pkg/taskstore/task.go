// Package taskstore implements the Task Store (spec.md §4.4): the durable,
// one-file-per-task record of work in progress. Every write is validated
// against the task schema and the invariants in spec.md §3, then persisted
// atomically under "<repo>/.cage/tasks/<id>.json".
package taskstore

import "time"

// Status is a task's lifecycle state (spec.md §3).
type Status string

const (
	StatusPlanned    Status = "planned"
	StatusInProgress Status = "in-progress"
	StatusBlocked    Status = "blocked"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
	StatusAbandoned  Status = "abandoned"
)

// TodoStatus is the state of a single todo entry.
type TodoStatus string

const (
	TodoNotStarted TodoStatus = "not-started"
	TodoInProgress TodoStatus = "in-progress"
	TodoDone       TodoStatus = "done"
	TodoBlocked    TodoStatus = "blocked"
	TodoFailed     TodoStatus = "failed"
)

// Check is a labelled checkbox used for both success_criteria and acceptance_checks.
type Check struct {
	Text    string `json:"text"`
	Checked bool   `json:"checked"`
}

// TodoItem is one entry of a task's ordered todo list.
type TodoItem struct {
	Text        string     `json:"text"`
	Status      TodoStatus `json:"status"`
	DateStarted *time.Time `json:"date_started,omitempty"`
	DateStopped *time.Time `json:"date_stopped,omitempty"`
}

// ChangelogEntry is one append-only changelog line (I4: never removed or re-timestamped).
type ChangelogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
	LockID    string    `json:"lock_id,omitempty"`
}

// PromptEntry audits one inbound request that touched this task.
type PromptEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// CommitMeta records one Git Bridge commit against this task (I5: append-only).
type CommitMeta struct {
	SHA          string    `json:"sha"`
	Title        string    `json:"title"`
	FilesChanged int       `json:"files_changed"`
	Insertions   int       `json:"insertions"`
	Deletions    int       `json:"deletions"`
	Timestamp    time.Time `json:"timestamp"`
}

// Provenance tracks everything this task has produced in the working tree.
type Provenance struct {
	Commits      []CommitMeta `json:"commits"`
	Artefacts    []string     `json:"artefacts"`
	BlobsIndexed []string     `json:"blobs_indexed"`
}

// Task is the full record described in spec.md §3.
type Task struct {
	ID               string           `json:"id"`
	Title            string           `json:"title"`
	Owner            string           `json:"owner"`
	Status           Status           `json:"status"`
	ProgressPercent  int              `json:"progress_percent"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	Summary          string           `json:"summary"`
	Tags             []string         `json:"tags"`
	SuccessCriteria  []Check          `json:"success_criteria"`
	AcceptanceChecks []Check          `json:"acceptance_checks"`
	Subtasks         []string         `json:"subtasks"`
	Todo             []TodoItem       `json:"todo"`
	Changelog        []ChangelogEntry `json:"changelog"`
	Decisions        []string         `json:"decisions"`
	LessonsLearned   []string         `json:"lessons_learned"`
	IssuesRisks      []string         `json:"issues_risks"`
	NextSteps        []string         `json:"next_steps"`
	References       []string         `json:"references"`
	Prompts          []PromptEntry    `json:"prompts"`
	Locks            []string         `json:"locks"`
	Provenance       Provenance       `json:"provenance"`
}

// recomputeProgress enforces I1: progress_percent is derived from todo, never
// set directly by a caller.
func (t *Task) recomputeProgress() {
	if len(t.Todo) == 0 {
		return
	}
	done := 0
	for _, item := range t.Todo {
		if item.Status == TodoDone {
			done++
		}
	}
	t.ProgressPercent = int(roundPercent(done, len(t.Todo)))
}

func roundPercent(done, total int) int64 {
	if total == 0 {
		return 0
	}
	// round-half-up, matching spec.md's round(100 * done / total)
	return int64((100*done + total/2) / total)
}

// allChecked reports whether every entry in checks is checked, vacuously true
// for an empty list (I2).
func allChecked(checks []Check) bool {
	for _, c := range checks {
		if !c.Checked {
			return false
		}
	}
	return true
}
