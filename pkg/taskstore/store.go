package taskstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/cagehq/cage/pkg/cageerr"
	"github.com/cagehq/cage/pkg/constants"
	"github.com/cagehq/cage/pkg/logger"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

var log = logger.New("taskstore")

var idPattern = regexp.MustCompile(`^[0-9]{4}-[0-9]{2}-[0-9]{2}-[a-z0-9]+(-[a-z0-9]+)*$`)

// Store is the single-process owner of every task file under
// "<repo>/.cage/tasks/". Access is serialized by a mutex; tasks are small
// enough that one-at-a-time I/O is not a bottleneck (spec.md §5).
type Store struct {
	mu       sync.Mutex
	repoRoot string
	schema   *jsonschema.Schema
	now      func() time.Time
}

// New creates a Store rooted at repoRoot, creating .cage/tasks if absent.
func New(repoRoot string) (*Store, error) {
	return NewWithClock(repoRoot, time.Now)
}

// NewWithClock is New with an injectable clock, for deterministic tests.
func NewWithClock(repoRoot string, now func() time.Time) (*Store, error) {
	schema, err := compileTaskSchema()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(tasksDir(repoRoot), 0o755); err != nil {
		return nil, err
	}
	return &Store{repoRoot: repoRoot, schema: schema, now: now}, nil
}

func tasksDir(repoRoot string) string {
	return filepath.Join(repoRoot, constants.ControlDir, constants.TasksDir)
}

func (s *Store) taskPath(id string) string {
	return filepath.Join(tasksDir(s.repoRoot), id+".json")
}

// Filter narrows List results. A zero-value Filter matches every task.
type Filter struct {
	Status *Status
	Tag    string
}

func (f Filter) matches(t *Task) bool {
	if f.Status != nil && t.Status != *f.Status {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, tag := range t.Tags {
			if tag == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Create persists a brand new task. id must be a "YYYY-MM-DD-kebab" slug and
// must not already exist.
func (s *Store) Create(t *Task) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !idPattern.MatchString(t.ID) {
		return nil, cageerr.New(cageerr.TaskSchemaViolation, "task id must match YYYY-MM-DD-kebab: "+t.ID)
	}
	if _, err := os.Stat(s.taskPath(t.ID)); err == nil {
		return nil, cageerr.New(cageerr.TaskConflict, "task already exists: "+t.ID)
	}

	now := s.now()
	if t.Status == "" {
		t.Status = StatusPlanned
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	t.recomputeProgress()

	if err := s.validateAndWrite(t); err != nil {
		return nil, err
	}
	if err := s.rebuildStatusIndexLocked(); err != nil {
		log.Warnf("rebuilding status index after create %s: %v", t.ID, err)
	}
	return t, nil
}

// Load reads a task by id.
func (s *Store) Load(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(id)
}

func (s *Store) loadLocked(id string) (*Task, error) {
	raw, err := os.ReadFile(s.taskPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cageerr.New(cageerr.NotFound, "no such task: "+id)
		}
		return nil, cageerr.New(cageerr.IOError, err.Error())
	}
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, cageerr.New(cageerr.IOError, "corrupt task file "+id+": "+err.Error())
	}
	return &t, nil
}

// Update applies patch to task id. If ifUnchanged is non-empty it must equal
// the task's current updated_at (RFC3339Nano) or the update is rejected with
// TaskConflict; an empty ifUnchanged is last-writer-wins.
func (s *Store) Update(id string, patch Patch, ifUnchanged string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.loadLocked(id)
	if err != nil {
		return nil, err
	}
	if ifUnchanged != "" && t.UpdatedAt.Format(time.RFC3339Nano) != ifUnchanged {
		return nil, cageerr.New(cageerr.TaskConflict, "task was modified since it was read")
	}

	patch.apply(t)
	t.recomputeProgress()
	if t.Status == StatusDone && !allChecked(t.SuccessCriteria) {
		return nil, cageerr.New(cageerr.TaskSchemaViolation, "status done requires all success_criteria checked")
	}
	t.UpdatedAt = s.now()
	if t.UpdatedAt.Before(t.CreatedAt) {
		t.UpdatedAt = t.CreatedAt
	}

	if err := s.validateAndWrite(t); err != nil {
		return nil, err
	}
	if err := s.rebuildStatusIndexLocked(); err != nil {
		log.Warnf("rebuilding status index after update %s: %v", id, err)
	}
	return t, nil
}

// Delete removes a task file outright. Tasks are otherwise never destroyed
// implicitly (spec.md §3); this is an explicit, deliberate operation.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.taskPath(id)); err != nil {
		if os.IsNotExist(err) {
			return cageerr.New(cageerr.NotFound, "no such task: "+id)
		}
		return cageerr.New(cageerr.IOError, err.Error())
	}
	return s.rebuildStatusIndexLocked()
}

// List returns every task matching filter, ordered by id.
func (s *Store) List(filter Filter) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.allIDsLocked()
	if err != nil {
		return nil, err
	}
	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.loadLocked(id)
		if err != nil {
			log.Warnf("skipping unreadable task %s: %v", id, err)
			continue
		}
		if filter.matches(t) {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// AppendChangelog appends an entry to task id's changelog. It implements
// editor.ChangelogAppender so the Editor Tool can attribute file mutations
// without importing this package's full surface.
func (s *Store) AppendChangelog(taskID, text, lockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.loadLocked(taskID)
	if err != nil {
		return err
	}
	t.Changelog = append(t.Changelog, ChangelogEntry{
		Timestamp: s.now(),
		Text:      text,
		LockID:    lockID,
	})
	t.UpdatedAt = s.now()
	return s.validateAndWrite(t)
}

// AppendPrompt appends an entry to task id's inbound-request audit trail
// (spec.md §3: prompts is append-only).
func (s *Store) AppendPrompt(taskID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.loadLocked(taskID)
	if err != nil {
		return err
	}
	t.Prompts = append(t.Prompts, PromptEntry{
		Timestamp: s.now(),
		Text:      text,
	})
	t.UpdatedAt = s.now()
	return s.validateAndWrite(t)
}

// AppendCommit appends commit provenance to task id (I5: append-only).
func (s *Store) AppendCommit(id string, meta CommitMeta) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.loadLocked(id)
	if err != nil {
		return nil, err
	}
	t.Provenance.Commits = append(t.Provenance.Commits, meta)
	t.UpdatedAt = s.now()
	if err := s.validateAndWrite(t); err != nil {
		return nil, err
	}
	return t, nil
}

// RebuildStatusIndex regenerates _status.json from the task files on disk.
// Safe to call at any time.
func (s *Store) RebuildStatusIndex() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebuildStatusIndexLocked()
}

// StatusIndex is the derived summary written to _status.json.
type StatusIndex struct {
	Active            []string  `json:"active"`
	RecentlyCompleted []string  `json:"recently_completed"`
	GeneratedAt       time.Time `json:"generated_at"`
}

func (s *Store) rebuildStatusIndexLocked() error {
	ids, err := s.allIDsLocked()
	if err != nil {
		return err
	}

	idx := StatusIndex{GeneratedAt: s.now()}
	cutoff := s.now().Add(-constants.RecentlyCompletedWindow)
	for _, id := range ids {
		t, err := s.loadLocked(id)
		if err != nil {
			continue
		}
		switch {
		case t.Status == StatusDone || t.Status == StatusAbandoned:
			if t.UpdatedAt.After(cutoff) {
				idx.RecentlyCompleted = append(idx.RecentlyCompleted, id)
			}
		default:
			idx.Active = append(idx.Active, id)
		}
	}

	raw, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomicFile(filepath.Join(tasksDir(s.repoRoot), constants.StatusIndexFile), raw)
}

func (s *Store) allIDsLocked() ([]string, error) {
	entries, err := os.ReadDir(tasksDir(s.repoRoot))
	if err != nil {
		return nil, cageerr.New(cageerr.IOError, err.Error())
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" || e.Name() == constants.StatusIndexFile {
			continue
		}
		ids = append(ids, e.Name()[:len(e.Name())-len(".json")])
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) validateAndWrite(t *Task) error {
	if err := validateTask(s.schema, t); err != nil {
		return cageerr.New(cageerr.TaskSchemaViolation, err.Error())
	}
	raw, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return cageerr.New(cageerr.IOError, err.Error())
	}
	return writeAtomicFile(s.taskPath(t.ID), raw)
}

func writeAtomicFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return cageerr.New(cageerr.IOError, err.Error())
	}
	tmp, err := os.CreateTemp(dir, ".cage-tmp-*")
	if err != nil {
		return cageerr.New(cageerr.IOError, err.Error())
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return cageerr.New(cageerr.IOError, err.Error())
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return cageerr.New(cageerr.IOError, err.Error())
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return cageerr.New(cageerr.IOError, err.Error())
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return cageerr.New(cageerr.IOError, err.Error())
	}
	return nil
}
