package taskstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cagehq/cage/pkg/cageerr"
	"github.com/cagehq/cage/pkg/constants"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	root := t.TempDir()
	cur := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := NewWithClock(root, func() time.Time { return cur })
	require.NoError(t, err)
	return s, &cur
}

func TestCreateRejectsBadID(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(&Task{ID: "not-a-valid-id", Title: "x"})
	require.Error(t, err)
	kind, _ := cageerr.KindOf(err)
	require.Equal(t, cageerr.TaskSchemaViolation, kind)
}

func TestCreateThenLoadRoundTrips(t *testing.T) {
	s, _ := newTestStore(t)
	created, err := s.Create(&Task{ID: "2026-01-01-demo", Title: "Demo task", Owner: "alice"})
	require.NoError(t, err)
	require.Equal(t, StatusPlanned, created.Status)
	require.False(t, created.CreatedAt.IsZero())

	loaded, err := s.Load("2026-01-01-demo")
	require.NoError(t, err)
	require.Equal(t, "Demo task", loaded.Title)
}

func TestCreateDuplicateIsTaskConflict(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(&Task{ID: "2026-01-01-demo", Title: "first"})
	require.NoError(t, err)

	_, err = s.Create(&Task{ID: "2026-01-01-demo", Title: "second"})
	require.Error(t, err)
	kind, _ := cageerr.KindOf(err)
	require.Equal(t, cageerr.TaskConflict, kind)
}

func TestProgressPercentDerivedFromTodo(t *testing.T) {
	s, _ := newTestStore(t)
	title := "x"
	_, err := s.Create(&Task{ID: "2026-01-01-demo", Title: title})
	require.NoError(t, err)

	updated, err := s.Update("2026-01-01-demo", Patch{
		Todo: []TodoItem{
			{Text: "a", Status: TodoDone},
			{Text: "b", Status: TodoDone},
			{Text: "c", Status: TodoNotStarted},
		},
	}, "")
	require.NoError(t, err)
	require.Equal(t, 67, updated.ProgressPercent) // round(100*2/3)
}

func TestUpdateWithStaleIfUnchangedIsTaskConflict(t *testing.T) {
	s, _ := newTestStore(t)
	created, err := s.Create(&Task{ID: "2026-01-01-demo", Title: "x"})
	require.NoError(t, err)
	staleToken := created.UpdatedAt.Format(time.RFC3339Nano)

	title := "renamed once"
	_, err = s.Update("2026-01-01-demo", Patch{Title: &title}, staleToken)
	require.NoError(t, err)

	title2 := "renamed twice"
	_, err = s.Update("2026-01-01-demo", Patch{Title: &title2}, staleToken)
	require.Error(t, err)
	kind, _ := cageerr.KindOf(err)
	require.Equal(t, cageerr.TaskConflict, kind)
}

func TestDoneRequiresAllSuccessCriteriaChecked(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(&Task{
		ID:              "2026-01-01-demo",
		Title:           "x",
		SuccessCriteria: []Check{{Text: "tests pass", Checked: false}},
	})
	require.NoError(t, err)

	done := StatusDone
	_, err = s.Update("2026-01-01-demo", Patch{Status: &done}, "")
	require.Error(t, err)
}

func TestDoneSucceedsWhenAllCriteriaChecked(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(&Task{
		ID:              "2026-01-01-demo",
		Title:           "x",
		SuccessCriteria: []Check{{Text: "tests pass", Checked: true}},
	})
	require.NoError(t, err)

	done := StatusDone
	updated, err := s.Update("2026-01-01-demo", Patch{Status: &done}, "")
	require.NoError(t, err)
	require.Equal(t, StatusDone, updated.Status)
}

func TestAppendChangelogIsAdditiveAndBumpsUpdatedAt(t *testing.T) {
	s, cur := newTestStore(t)
	_, err := s.Create(&Task{ID: "2026-01-01-demo", Title: "x"})
	require.NoError(t, err)

	*cur = cur.Add(time.Minute)
	require.NoError(t, s.AppendChangelog("2026-01-01-demo", "UPDATE a.txt by alice: fix typo", "lock-1"))

	loaded, err := s.Load("2026-01-01-demo")
	require.NoError(t, err)
	require.Len(t, loaded.Changelog, 1)
	require.Equal(t, "lock-1", loaded.Changelog[0].LockID)
	require.True(t, loaded.UpdatedAt.After(loaded.CreatedAt))
}

func TestAppendPromptIsAdditiveAndBumpsUpdatedAt(t *testing.T) {
	s, cur := newTestStore(t)
	_, err := s.Create(&Task{ID: "2026-01-01-demo", Title: "x"})
	require.NoError(t, err)

	*cur = cur.Add(time.Minute)
	require.NoError(t, s.AppendPrompt("2026-01-01-demo", "crew_run crew=c1: x"))
	require.NoError(t, s.AppendPrompt("2026-01-01-demo", "agent_invoke agent=a1: x"))

	loaded, err := s.Load("2026-01-01-demo")
	require.NoError(t, err)
	require.Len(t, loaded.Prompts, 2)
	require.Equal(t, "crew_run crew=c1: x", loaded.Prompts[0].Text)
	require.True(t, loaded.UpdatedAt.After(loaded.CreatedAt))
}

func TestAppendCommitIsAppendOnly(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(&Task{ID: "2026-01-01-demo", Title: "x"})
	require.NoError(t, err)

	_, err = s.AppendCommit("2026-01-01-demo", CommitMeta{SHA: "abc123", Title: "first commit"})
	require.NoError(t, err)
	updated, err := s.AppendCommit("2026-01-01-demo", CommitMeta{SHA: "def456", Title: "second commit"})
	require.NoError(t, err)
	require.Len(t, updated.Provenance.Commits, 2)
}

func TestListFiltersByStatusAndTag(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(&Task{ID: "2026-01-01-a", Title: "a", Tags: []string{"backend"}})
	require.NoError(t, err)
	_, err = s.Create(&Task{ID: "2026-01-01-b", Title: "b", Tags: []string{"frontend"}})
	require.NoError(t, err)

	backend := "backend"
	tasks, err := s.List(Filter{Tag: backend})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "2026-01-01-a", tasks[0].ID)

	planned := StatusPlanned
	tasks, err = s.List(Filter{Status: &planned})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
}

func TestRebuildStatusIndexPartitionsActiveAndRecentlyCompleted(t *testing.T) {
	s, cur := newTestStore(t)
	_, err := s.Create(&Task{ID: "2026-01-01-active", Title: "a"})
	require.NoError(t, err)

	_, err = s.Create(&Task{
		ID:              "2026-01-01-done",
		Title:           "b",
		SuccessCriteria: []Check{{Text: "x", Checked: true}},
	})
	require.NoError(t, err)
	done := StatusDone
	_, err = s.Update("2026-01-01-done", Patch{Status: &done}, "")
	require.NoError(t, err)

	readIndex := func() StatusIndex {
		raw, err := os.ReadFile(filepath.Join(tasksDir(s.repoRoot), constants.StatusIndexFile))
		require.NoError(t, err)
		var idx StatusIndex
		require.NoError(t, json.Unmarshal(raw, &idx))
		return idx
	}

	require.NoError(t, s.RebuildStatusIndex())
	idx := readIndex()
	require.Equal(t, []string{"2026-01-01-active"}, idx.Active)
	require.Equal(t, []string{"2026-01-01-done"}, idx.RecentlyCompleted)

	*cur = cur.Add(40 * 24 * time.Hour) // past the 30-day recently-completed window
	require.NoError(t, s.RebuildStatusIndex())
	idx = readIndex()
	require.Equal(t, []string{"2026-01-01-active"}, idx.Active)
	require.Empty(t, idx.RecentlyCompleted)
}

func TestDeleteRemovesTask(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(&Task{ID: "2026-01-01-demo", Title: "x"})
	require.NoError(t, err)

	require.NoError(t, s.Delete("2026-01-01-demo"))
	_, err = s.Load("2026-01-01-demo")
	require.Error(t, err)
	kind, _ := cageerr.KindOf(err)
	require.Equal(t, cageerr.NotFound, kind)
}

func TestLoadMissingTaskIsNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Load("2026-01-01-nope")
	require.Error(t, err)
	kind, _ := cageerr.KindOf(err)
	require.Equal(t, cageerr.NotFound, kind)
}
