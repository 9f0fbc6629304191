package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/cagehq/cage/pkg/editor"
	"github.com/cagehq/cage/pkg/gitbridge"
	"github.com/cagehq/cage/pkg/lockmgr"
	"github.com/cagehq/cage/pkg/registry"
	"github.com/cagehq/cage/pkg/runstore"
	"github.com/cagehq/cage/pkg/taskstore"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, string, string) {
	t.Helper()
	root := t.TempDir()

	ts, err := taskstore.New(root)
	require.NoError(t, err)
	rs := runstore.New(root)
	ed := editor.New(root, lockmgr.New()).WithChangelog(ts)
	gb := gitbridge.New(root).WithProvenance(ts)
	reg := registry.New()

	orch := New(rs, ts, ed, gb, reg)

	planner, err := reg.CreateAgent("planner-bot", registry.RolePlanner, nil)
	require.NoError(t, err)
	reviewer, err := reg.CreateAgent("reviewer-bot", registry.RoleReviewer, nil)
	require.NoError(t, err)
	committer, err := reg.CreateAgent("committer-bot", registry.RoleCommitter, nil)
	require.NoError(t, err)

	crew, err := reg.CreateCrew("demo-crew", map[registry.Role]string{
		registry.RolePlanner:   planner.ID,
		registry.RoleReviewer:  reviewer.ID,
		registry.RoleCommitter: committer.ID,
	}, nil)
	require.NoError(t, err)

	orch.RegisterPlanner(planner.ID, NewScriptedPlanner(&Plan{
		Steps: []PlanStep{{
			Description: "write readme",
			Operations: []editor.FileOperation{{
				Operation: editor.OpInsert,
				Path:      "README.md",
				Selector:  nil,
				Payload:   &editor.Payload{Content: "hello from the crew\n"},
				Intent:    "create readme",
				Author:    "planner-bot",
			}},
		}},
	}))
	orch.RegisterReviewer(reviewer.ID, NewScriptedReviewer(Verdict{Passed: true}))

	task, err := ts.Create(&taskstore.Task{ID: "2026-01-01-demo", Title: "Demo task"})
	require.NoError(t, err)

	return orch, root, task.ID
}

func waitForTerminal(t *testing.T, orch *Orchestrator, runID string) *runstore.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := orch.Get(runID)
		require.NoError(t, err)
		switch run.Status {
		case runstore.StatusSucceeded, runstore.StatusFailed, runstore.StatusCancelled:
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run did not reach a terminal state in time")
	return nil
}

func TestRunRejectsEmptyAcceptance(t *testing.T) {
	orch, _, taskID := newTestOrchestrator(t)
	crews := orch.reg.ListCrews()
	require.Len(t, crews, 1)

	_, err := orch.Run(taskID, crews[0].ID, TaskSpec{Title: "x"}, StrategyPlanOnly, time.Second)
	require.Error(t, err)
}

func TestRunRejectsUnknownStrategy(t *testing.T) {
	orch, _, taskID := newTestOrchestrator(t)
	crews := orch.reg.ListCrews()

	_, err := orch.Run(taskID, crews[0].ID, TaskSpec{Title: "x", Acceptance: []string{"a"}}, Strategy("bogus"), time.Second)
	require.Error(t, err)
}

func TestRunRejectsUnknownCrew(t *testing.T) {
	orch, _, taskID := newTestOrchestrator(t)
	_, err := orch.Run(taskID, "no-such-crew", TaskSpec{Title: "x", Acceptance: []string{"a"}}, StrategyPlanOnly, time.Second)
	require.Error(t, err)
}

func TestPlanOnlyStrategyStopsAfterPlanner(t *testing.T) {
	orch, _, taskID := newTestOrchestrator(t)
	crews := orch.reg.ListCrews()

	run, err := orch.Run(taskID, crews[0].ID, TaskSpec{Title: "demo", Acceptance: []string{"a"}}, StrategyPlanOnly, 5*time.Second)
	require.NoError(t, err)

	final := waitForTerminal(t, orch, run.RunID)
	require.Equal(t, runstore.StatusSucceeded, final.Status)

	plan, err := orch.runs.ReadPlan(run.RunID)
	require.NoError(t, err)
	require.Contains(t, string(plan), "write readme")
}

func TestImplThenVerifyAppliesOperationsAndPasses(t *testing.T) {
	orch, _, taskID := newTestOrchestrator(t)
	crews := orch.reg.ListCrews()

	run, err := orch.Run(taskID, crews[0].ID, TaskSpec{Title: "demo", Acceptance: []string{"a"}}, StrategyImplThenVerify, 5*time.Second)
	require.NoError(t, err)

	final := waitForTerminal(t, orch, run.RunID)
	require.Equal(t, runstore.StatusSucceeded, final.Status)

	loaded, err := orch.tasks.Load(taskID)
	require.NoError(t, err)
	require.Len(t, loaded.Changelog, 1)
}

func TestImplThenVerifyFailsWhenReviewerRejects(t *testing.T) {
	orch, _, taskID := newTestOrchestrator(t)
	crews := orch.reg.ListCrews()
	crew := crews[0]

	orch.RegisterReviewer(crew.Roles[registry.RoleReviewer], NewScriptedReviewer(Verdict{Passed: false, Findings: []string{"missing tests"}}))

	run, err := orch.Run(taskID, crew.ID, TaskSpec{Title: "demo", Acceptance: []string{"a"}}, StrategyImplThenVerify, 5*time.Second)
	require.NoError(t, err)

	final := waitForTerminal(t, orch, run.RunID)
	require.Equal(t, runstore.StatusFailed, final.Status)
	require.Contains(t, final.Error, "missing tests")
}

func TestImplThenVerifyAndCommitCommitsChanges(t *testing.T) {
	orch, root, taskID := newTestOrchestrator(t)
	crews := orch.reg.ListCrews()

	runGitInit(t, root)

	run, err := orch.Run(taskID, crews[0].ID, TaskSpec{Title: "demo change", Acceptance: []string{"a"}}, StrategyImplThenVerifyAndCommit, 5*time.Second)
	require.NoError(t, err)

	final := waitForTerminal(t, orch, run.RunID)
	require.Equal(t, runstore.StatusSucceeded, final.Status)

	loaded, err := orch.tasks.Load(taskID)
	require.NoError(t, err)
	require.Len(t, loaded.Provenance.Commits, 1)
}

type blockingPlanner struct{ unblock chan struct{} }

func (p *blockingPlanner) Plan(_ context.Context, _ TaskSpec) (*Plan, error) {
	<-p.unblock
	return &Plan{Steps: []PlanStep{{Description: "noop"}}}, nil
}

func TestCancelBeforeImplementerStopsRun(t *testing.T) {
	orch, _, taskID := newTestOrchestrator(t)
	crews := orch.reg.ListCrews()
	plannerID := crews[0].Roles[registry.RolePlanner]

	unblock := make(chan struct{})
	orch.RegisterPlanner(plannerID, &blockingPlanner{unblock: unblock})

	run, err := orch.Run(taskID, crews[0].ID, TaskSpec{Title: "demo", Acceptance: []string{"a"}}, StrategyImplThenVerify, 5*time.Second)
	require.NoError(t, err)

	_, err = orch.Cancel(run.RunID)
	require.NoError(t, err)
	close(unblock)

	final := waitForTerminal(t, orch, run.RunID)
	require.Equal(t, runstore.StatusCancelled, final.Status)
}

func TestIndependentInsertOperationsAreFannedOutByImplementer(t *testing.T) {
	orch, _, taskID := newTestOrchestrator(t)
	crews := orch.reg.ListCrews()
	planner := crews[0].Roles[registry.RolePlanner]

	orch.RegisterPlanner(planner, NewScriptedPlanner(&Plan{
		Steps: []PlanStep{{
			Description: "two independent files",
			Operations: []editor.FileOperation{
				{Operation: editor.OpInsert, Path: "a.txt", Payload: &editor.Payload{Content: "a\n"}, Intent: "create a", Author: "planner-bot"},
				{Operation: editor.OpInsert, Path: "b.txt", Payload: &editor.Payload{Content: "b\n"}, Intent: "create b", Author: "planner-bot"},
			},
		}},
	}))

	run, err := orch.Run(taskID, crews[0].ID, TaskSpec{Title: "demo", Acceptance: []string{"a"}}, StrategyImplThenVerify, 5*time.Second)
	require.NoError(t, err)

	final := waitForTerminal(t, orch, run.RunID)
	require.Equal(t, runstore.StatusSucceeded, final.Status)

	loaded, err := orch.tasks.Load(taskID)
	require.NoError(t, err)
	require.Len(t, loaded.Changelog, 2)
}

// TestCancelBetweenImplementerStepsStopsLaterWrites holds a.txt locked from
// outside the orchestrator so the first step's write is forced into its
// retry backoff, requests cancellation while that retry is in flight (well
// before the write itself succeeds), then releases the lock. The first
// step's write still completes (cancellation isn't observed mid in-flight
// retry), but the cancellation must be observed before the implementer
// advances to the second step's write.
func TestCancelBetweenImplementerStepsStopsLaterWrites(t *testing.T) {
	root := t.TempDir()
	runGitInit(t, root)

	ts, err := taskstore.New(root)
	require.NoError(t, err)
	rs := runstore.New(root)
	locks := lockmgr.New()
	ed := editor.New(root, locks).WithChangelog(ts)
	gb := gitbridge.New(root).WithProvenance(ts)
	reg := registry.New()
	orch := New(rs, ts, ed, gb, reg)

	planner, err := reg.CreateAgent("planner-bot", registry.RolePlanner, nil)
	require.NoError(t, err)
	reviewer, err := reg.CreateAgent("reviewer-bot", registry.RoleReviewer, nil)
	require.NoError(t, err)
	crew, err := reg.CreateCrew("demo-crew", map[registry.Role]string{
		registry.RolePlanner:  planner.ID,
		registry.RoleReviewer: reviewer.ID,
	}, nil)
	require.NoError(t, err)

	orch.RegisterPlanner(planner.ID, NewScriptedPlanner(&Plan{
		Steps: []PlanStep{
			{
				Description: "first file",
				Operations: []editor.FileOperation{
					{Operation: editor.OpInsert, Path: "a.txt", Payload: &editor.Payload{Content: "a\n"}, Intent: "create a", Author: "planner-bot"},
				},
			},
			{
				Description: "second file",
				Operations: []editor.FileOperation{
					{Operation: editor.OpInsert, Path: "b.txt", Payload: &editor.Payload{Content: "b\n"}, Intent: "create b", Author: "planner-bot"},
				},
			},
		},
	}))
	orch.RegisterReviewer(reviewer.ID, NewScriptedReviewer(Verdict{Passed: true}))

	task, err := ts.Create(&taskstore.Task{ID: "2026-01-01-demo", Title: "Demo task"})
	require.NoError(t, err)

	blocker, err := locks.Acquire("a.txt", "test-blocker", nil, 10*time.Second, "holding a.txt")
	require.NoError(t, err)

	run, err := orch.Run(task.ID, crew.ID, TaskSpec{Title: "demo", Acceptance: []string{"a"}}, StrategyImplThenVerify, 5*time.Second)
	require.NoError(t, err)

	// Let the first write hit the held lock and enter its retry backoff
	// before requesting cancellation.
	time.Sleep(100 * time.Millisecond)
	_, err = orch.Cancel(run.RunID)
	require.NoError(t, err)

	require.NoError(t, locks.Release(blocker.ID))

	final := waitForTerminal(t, orch, run.RunID)
	require.Equal(t, runstore.StatusCancelled, final.Status)

	_, err = os.Stat(filepath.Join(root, "a.txt"))
	require.NoError(t, err, "the first step's in-flight retry should still complete")
	_, err = os.Stat(filepath.Join(root, "b.txt"))
	require.True(t, os.IsNotExist(err), "cancellation must stop the implementer before issuing the second step's editor write")
}

func runGitInit(t *testing.T, root string) {
	t.Helper()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", root}, args...)...)
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init", "-q", "-b", "main")
	run("config", "user.email", "cage@example.com")
	run("config", "user.name", "Cage Test")
}
