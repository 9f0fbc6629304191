// Package runstore implements the Run Store (spec.md §4.6): the durable
// record of each crew run's lifecycle, plan artefact, append-only log and
// uploaded artefacts, all rooted at "<repo>/.cage/runs/<run_id>/".
package runstore

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cagehq/cage/pkg/cageerr"
	"github.com/cagehq/cage/pkg/constants"
	"github.com/cagehq/cage/pkg/logger"
	"github.com/google/uuid"
)

var log = logger.New("runstore")

// Status is a run's lifecycle state (spec.md §4.7's state machine).
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Run is the persisted record for one crew run.
type Run struct {
	RunID           string     `json:"run_id"`
	TaskID          string     `json:"task_id"`
	CrewID          string     `json:"crew_id"`
	Status          Status     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	Error           string     `json:"error,omitempty"`
	Artefacts       []string   `json:"artefacts"`
	CancelRequested bool       `json:"cancel_requested"`
}

func (r *Run) terminal() bool {
	switch r.Status {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// LogEntry is one line of a run's append-only logs.jsonl.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Phase     string    `json:"phase"`
	Message   string    `json:"message"`
}

// Store owns every run directory under a repository's control directory.
type Store struct {
	mu       sync.Mutex
	repoRoot string
	now      func() time.Time
}

// New creates a Store rooted at repoRoot using the wall clock.
func New(repoRoot string) *Store {
	return NewWithClock(repoRoot, time.Now)
}

// NewWithClock is New with an injectable clock, for deterministic tests.
func NewWithClock(repoRoot string, now func() time.Time) *Store {
	return &Store{repoRoot: repoRoot, now: now}
}

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.repoRoot, constants.ControlDir, constants.RunsDir, runID)
}

func (s *Store) statusPath(runID string) string {
	return filepath.Join(s.runDir(runID), constants.RunStatusFile)
}

func (s *Store) planPath(runID string) string {
	return filepath.Join(s.runDir(runID), constants.RunPlanFile)
}

func (s *Store) logsPath(runID string) string {
	return filepath.Join(s.runDir(runID), constants.RunLogsFile)
}

func (s *Store) artefactsDir(runID string) string {
	return filepath.Join(s.runDir(runID), constants.RunArtefactsDir)
}

// Create allocates a new run directory with a fresh UUIDv4 run id.
func (s *Store) Create(taskID, crewID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := &Run{
		RunID:     uuid.NewString(),
		TaskID:    taskID,
		CrewID:    crewID,
		Status:    StatusQueued,
		StartedAt: s.now(),
		Artefacts: []string{},
	}

	if err := os.MkdirAll(s.artefactsDir(run.RunID), 0o755); err != nil {
		return nil, cageerr.New(cageerr.IOError, err.Error())
	}
	if err := s.writeStatusLocked(run); err != nil {
		return nil, err
	}
	log.Printf("created run %s for task %s (crew %s)", run.RunID, taskID, crewID)
	return run, nil
}

// Get loads the full record for runID.
func (s *Store) Get(runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(runID)
}

func (s *Store) loadLocked(runID string) (*Run, error) {
	raw, err := os.ReadFile(s.statusPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cageerr.New(cageerr.RunNotFound, "no such run: "+runID)
		}
		return nil, cageerr.New(cageerr.IOError, err.Error())
	}
	var run Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, cageerr.New(cageerr.IOError, "corrupt run status for "+runID+": "+err.Error())
	}
	return &run, nil
}

// Filter narrows List results.
type Filter struct {
	TaskID string
	Status *Status
}

func (f Filter) matches(r *Run) bool {
	if f.TaskID != "" && r.TaskID != f.TaskID {
		return false
	}
	if f.Status != nil && r.Status != *f.Status {
		return false
	}
	return true
}

// List returns every run matching filter. Spec.md describes this as a lazy
// finite sequence; this implementation returns an eager slice since a single
// process's run directory is bounded by local disk and never large enough to
// need streaming.
func (s *Store) List(filter Filter) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	root := filepath.Join(s.repoRoot, constants.ControlDir, constants.RunsDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cageerr.New(cageerr.IOError, err.Error())
	}

	var runs []*Run
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		run, err := s.loadLocked(id)
		if err != nil {
			log.Warnf("skipping unreadable run %s: %v", id, err)
			continue
		}
		if filter.matches(run) {
			runs = append(runs, run)
		}
	}
	return runs, nil
}

// Transition moves a run to the next status, persisting before the caller
// proceeds to the next phase (spec.md §4.7: "Transitions are persisted to
// status.json before the next phase begins").
func (s *Store) Transition(runID string, next Status, errMsg string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.loadLocked(runID)
	if err != nil {
		return nil, err
	}
	if run.terminal() {
		return nil, cageerr.New(cageerr.RunTerminal, "run "+runID+" already reached a terminal state: "+string(run.Status))
	}

	run.Status = next
	run.Error = errMsg
	if run.terminal() {
		ended := s.now()
		run.EndedAt = &ended
	}
	if err := s.writeStatusLocked(run); err != nil {
		return nil, err
	}
	return run, nil
}

// RequestCancel sets cancel_requested so the orchestrator stops at the next
// phase boundary. It is a no-op once the run has already reached a terminal
// state.
func (s *Store) RequestCancel(runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.loadLocked(runID)
	if err != nil {
		return nil, err
	}
	if run.terminal() {
		return run, nil
	}
	run.CancelRequested = true
	if err := s.writeStatusLocked(run); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Store) writeStatusLocked(run *Run) error {
	raw, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return cageerr.New(cageerr.IOError, err.Error())
	}
	return writeAtomicFile(s.statusPath(run.RunID), raw)
}

// WritePlan persists the planner phase's plan artefact.
func (s *Store) WritePlan(runID string, plan []byte) error {
	if _, err := s.Get(runID); err != nil {
		return err
	}
	return writeAtomicFile(s.planPath(runID), plan)
}

// ReadPlan reads back a previously written plan artefact.
func (s *Store) ReadPlan(runID string) ([]byte, error) {
	raw, err := os.ReadFile(s.planPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cageerr.New(cageerr.NotFound, "no plan recorded for run: "+runID)
		}
		return nil, cageerr.New(cageerr.IOError, err.Error())
	}
	return raw, nil
}

// AppendLog appends one line to the run's logs.jsonl. Logs are append-only:
// no prior line is ever rewritten.
func (s *Store) AppendLog(runID, phase, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := LogEntry{Timestamp: s.now(), Phase: phase, Message: message}
	raw, err := json.Marshal(entry)
	if err != nil {
		return cageerr.New(cageerr.IOError, err.Error())
	}
	f, err := os.OpenFile(s.logsPath(runID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return cageerr.New(cageerr.IOError, err.Error())
	}
	defer f.Close()
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return cageerr.New(cageerr.IOError, err.Error())
	}
	return nil
}

// ReadLogs parses every entry appended to runID's logs.jsonl, in write order.
func (s *Store) ReadLogs(runID string) ([]LogEntry, error) {
	f, err := os.Open(s.logsPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cageerr.New(cageerr.IOError, err.Error())
	}
	defer f.Close()

	var entries []LogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			log.Warnf("skipping malformed log line for run %s: %v", runID, err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, cageerr.New(cageerr.IOError, err.Error())
	}
	return entries, nil
}

// UploadArtefact writes bytes to runID's artefacts/relativePath. Artefacts
// are immutable: re-uploading an existing path fails, and any path escaping
// the run's artefacts directory is rejected before it touches disk.
func (s *Store) UploadArtefact(runID, relativePath string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.loadLocked(runID)
	if err != nil {
		return err
	}

	dir := s.artefactsDir(runID)
	full, err := resolveUnder(dir, relativePath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(full); err == nil {
		return cageerr.New(cageerr.IOError, "artefact already exists (immutable): "+relativePath)
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return cageerr.New(cageerr.IOError, err.Error())
	}
	if err := writeAtomicFile(full, data); err != nil {
		return err
	}

	run.Artefacts = append(run.Artefacts, relativePath)
	return s.writeStatusLocked(run)
}

func resolveUnder(root, relativePath string) (string, error) {
	cleaned := filepath.Clean(relativePath)
	if filepath.IsAbs(cleaned) {
		return "", cageerr.New(cageerr.PathEscape, "artefact path must be relative")
	}
	joined := filepath.Join(root, cleaned)
	rootWithSep := root + string(filepath.Separator)
	if joined != root && !strings.HasPrefix(joined, rootWithSep) {
		return "", cageerr.New(cageerr.PathEscape, "artefact path escapes run directory: "+relativePath)
	}
	return joined, nil
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
