package plan

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/gg-salo/fleet-commander/internal/config"
	"github.com/gg-salo/fleet-commander/internal/paths"
	"github.com/gg-salo/fleet-commander/internal/plugin"
	"github.com/gg-salo/fleet-commander/internal/plugin/fakes"
	"github.com/gg-salo/fleet-commander/internal/session"
)

const configPath = "/etc/fleetcommander/config.yaml"

func testFixture(t *testing.T) (*Service, *session.Manager, *fakes.Tracker, *fakes.SCM, *paths.Layout, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()

	cfg := &config.Config{
		DataDir: "/data",
		Defaults: config.Defaults{
			Runtime:   "tmux",
			Agent:     "cursor",
			Workspace: "git-worktree",
		},
		Projects: map[string]config.ProjectConfig{
			"widgets": {
				Name:          "Widgets",
				SessionPrefix: "w",
				Tracker:       "github",
				SCM:           "github",
			},
		},
	}

	rt := fakes.NewRuntime()
	ws := fakes.NewWorkspace()
	tracker := fakes.NewTracker(nil)
	scm := fakes.NewSCM()

	reg := plugin.NewRegistry()
	reg.RegisterRuntime("tmux", rt)
	reg.RegisterWorkspace("git-worktree", ws)
	reg.RegisterTracker("github", tracker)
	reg.RegisterSCM("github", scm)

	mgr := session.NewManager(fs, "/data", configPath, cfg, reg, nil)
	layout := paths.NewLayout("/data", configPath, "widgets")
	store := NewStore(fs, layout)
	svc := NewService(store, mgr, reg, cfg, nil)
	return svc, mgr, tracker, scm, layout, fs
}

func writePlan(t *testing.T, store *Store, p *Plan) {
	t.Helper()
	require.NoError(t, store.Write(p))
}

func TestApprovePlanCreatesIssuesAndSpawnsRootTasks(t *testing.T) {
	svc, mgr, _, _, layout, fs := testFixture(t)
	store := NewStore(fs, layout)

	p := &Plan{
		ID:        "plan-1",
		ProjectID: "widgets",
		Status:    StatusReady,
		Tasks: []Task{
			{ID: "root", Title: "Root task"},
			{ID: "child", Title: "Child task", Dependencies: []string{"root"}},
		},
	}
	writePlan(t, store, p)

	got, err := svc.ApprovePlan(context.Background(), "widgets", "plan-1", PromptBundle{ClaudeMDExcerpt: "house rules"})
	require.NoError(t, err)
	require.Equal(t, StatusExecuting, got.Status)

	root := got.TaskByID("root")
	require.NotEmpty(t, root.IssueID)
	require.NotEmpty(t, root.IssueURL)
	require.True(t, root.HasSession())

	child := got.TaskByID("child")
	require.NotEmpty(t, child.IssueID)
	require.False(t, child.HasSession(), "dependent task must not spawn at approval time")

	sessions, err := mgr.List(context.Background(), "widgets")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, root.SessionID, sessions[0].ID)

	persisted, ok, err := store.Read("plan-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, persisted.TaskByID("root").HasSession())
}

func TestApprovePlanRecordsPerTaskIssueErrorAndContinues(t *testing.T) {
	svc, _, tracker, _, layout, fs := testFixture(t)
	store := NewStore(fs, layout)

	tracker.CreateErr = errString("tracker unreachable")

	p := &Plan{
		ID:        "plan-1",
		ProjectID: "widgets",
		Status:    StatusReady,
		Tasks: []Task{
			{ID: "a"},
			{ID: "b"},
		},
	}
	writePlan(t, store, p)

	got, err := svc.ApprovePlan(context.Background(), "widgets", "plan-1", PromptBundle{})
	require.NoError(t, err)
	require.Equal(t, StatusExecuting, got.Status)

	for _, tk := range got.Tasks {
		require.NotEmpty(t, tk.IssueError)
		require.False(t, tk.HasSession(), "a task whose issue creation failed must not spawn")
	}
}

func TestApprovePlanRejectsNonReadyPlan(t *testing.T) {
	svc, _, _, _, layout, fs := testFixture(t)
	store := NewStore(fs, layout)

	p := &Plan{ID: "plan-1", ProjectID: "widgets", Status: StatusPlanning, Tasks: []Task{{ID: "a"}}}
	writePlan(t, store, p)

	_, err := svc.ApprovePlan(context.Background(), "widgets", "plan-1", PromptBundle{})
	require.Error(t, err)
}

func TestApprovePlanRejectsCyclicPlan(t *testing.T) {
	svc, _, _, _, layout, fs := testFixture(t)
	store := NewStore(fs, layout)

	p := &Plan{ID: "plan-1", ProjectID: "widgets", Status: StatusReady, Tasks: []Task{
		{ID: "a", Dependencies: []string{"b"}},
		{ID: "b", Dependencies: []string{"a"}},
	}}
	writePlan(t, store, p)

	_, err := svc.ApprovePlan(context.Background(), "widgets", "plan-1", PromptBundle{})
	require.Error(t, err)
}

func TestSpawnReadyTasksWaitsUntilDependenciesMerged(t *testing.T) {
	svc, mgr, _, _, layout, fs := testFixture(t)
	store := NewStore(fs, layout)

	rootSession, err := mgr.Spawn(context.Background(), session.SpawnRequest{ProjectKey: "widgets", Prompt: "root"})
	require.NoError(t, err)

	p := &Plan{
		ID:        "plan-1",
		ProjectID: "widgets",
		Status:    StatusExecuting,
		Tasks: []Task{
			{ID: "root", SessionID: rootSession.ID},
			{ID: "child", Dependencies: []string{"root"}},
		},
	}
	writePlan(t, store, p)

	got, err := svc.SpawnReadyTasks(context.Background(), "widgets", "plan-1")
	require.NoError(t, err)
	require.False(t, got.TaskByID("child").HasSession(), "child must not spawn before root merges")
}

func TestSpawnReadyTasksSpawnsOnceDependenciesMerged(t *testing.T) {
	svc, mgr, _, scm, layout, fs := testFixture(t)
	store := NewStore(fs, layout)

	rootSession, err := mgr.Spawn(context.Background(), session.SpawnRequest{ProjectKey: "widgets", Prompt: "root"})
	require.NoError(t, err)
	rootSession.Status = session.StatusMerged
	rootSession.PR = "https://example.invalid/pr/1"
	require.NoError(t, mgr.Save("widgets", rootSession))
	scm.SetPRSummary(plugin.PR{URL: rootSession.PR}, plugin.PRSummary{Additions: 10, Deletions: 2})

	p := &Plan{
		ID:        "plan-1",
		ProjectID: "widgets",
		Status:    StatusExecuting,
		Tasks: []Task{
			{ID: "root", Title: "Root", SessionID: rootSession.ID},
			{ID: "child", Title: "Child", Dependencies: []string{"root"}},
		},
	}
	writePlan(t, store, p)

	got, err := svc.SpawnReadyTasks(context.Background(), "widgets", "plan-1")
	require.NoError(t, err)
	child := got.TaskByID("child")
	require.True(t, child.HasSession())

	persisted, ok, err := store.Read("plan-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, persisted.TaskByID("child").HasSession())
}

func TestSpawnReadyTasksSkipsAlreadySpawnedTasks(t *testing.T) {
	svc, mgr, _, _, layout, fs := testFixture(t)
	store := NewStore(fs, layout)

	p := &Plan{
		ID:        "plan-1",
		ProjectID: "widgets",
		Status:    StatusExecuting,
		Tasks: []Task{
			{ID: "a", SessionID: "w-already-spawned"},
		},
	}
	writePlan(t, store, p)

	got, err := svc.SpawnReadyTasks(context.Background(), "widgets", "plan-1")
	require.NoError(t, err)
	require.Equal(t, "w-already-spawned", got.TaskByID("a").SessionID)

	sessions, err := mgr.List(context.Background(), "widgets")
	require.NoError(t, err)
	require.Empty(t, sessions, "no new session should have been spawned")
}

func TestCheckPlanCompletionTrueWhenAllSessionsTerminal(t *testing.T) {
	svc, mgr, _, _, layout, fs := testFixture(t)
	store := NewStore(fs, layout)

	s1, err := mgr.Spawn(context.Background(), session.SpawnRequest{ProjectKey: "widgets", Prompt: "a"})
	require.NoError(t, err)
	s1.Status = session.StatusMerged
	require.NoError(t, mgr.Save("widgets", s1))

	p := &Plan{
		ID:        "plan-1",
		ProjectID: "widgets",
		Status:    StatusExecuting,
		Tasks: []Task{
			{ID: "a", SessionID: s1.ID},
			{ID: "b"}, // no session ever spawned (e.g. issue creation failed)
		},
	}
	writePlan(t, store, p)

	done, err := svc.CheckPlanCompletion("widgets", "plan-1")
	require.NoError(t, err)
	require.True(t, done, "a sessionless task must not block completion")
}

func TestCheckPlanCompletionFalseWhileASessionIsActive(t *testing.T) {
	svc, mgr, _, _, layout, fs := testFixture(t)
	store := NewStore(fs, layout)

	s1, err := mgr.Spawn(context.Background(), session.SpawnRequest{ProjectKey: "widgets", Prompt: "a"})
	require.NoError(t, err)

	p := &Plan{
		ID:        "plan-1",
		ProjectID: "widgets",
		Status:    StatusExecuting,
		Tasks:     []Task{{ID: "a", SessionID: s1.ID}},
	}
	writePlan(t, store, p)

	done, err := svc.CheckPlanCompletion("widgets", "plan-1")
	require.NoError(t, err)
	require.False(t, done)
}

func TestCheckPlanOutputTransitionsPlanningToReady(t *testing.T) {
	svc, _, _, _, layout, fs := testFixture(t)
	store := NewStore(fs, layout)

	p := &Plan{ID: "plan-1", ProjectID: "widgets", Status: StatusPlanning}
	writePlan(t, store, p)

	doc := OutputDocument{Tasks: []Task{{ID: "a", Title: "First task"}}}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, layout.PlanOutputFile("plan-1"), data, 0o644))

	got, err := svc.CheckPlanOutput("plan-1")
	require.NoError(t, err)
	require.Equal(t, StatusReady, got.Status)
	require.Len(t, got.Tasks, 1)
}

func TestCheckPlanOutputNoOpWhenDropBoxAbsent(t *testing.T) {
	svc, _, _, _, layout, fs := testFixture(t)
	store := NewStore(fs, layout)

	p := &Plan{ID: "plan-1", ProjectID: "widgets", Status: StatusPlanning}
	writePlan(t, store, p)

	got, err := svc.CheckPlanOutput("plan-1")
	require.NoError(t, err)
	require.Equal(t, StatusPlanning, got.Status)
}

func TestCheckPlanOutputRejectsCyclicOutput(t *testing.T) {
	svc, _, _, _, layout, fs := testFixture(t)
	store := NewStore(fs, layout)

	p := &Plan{ID: "plan-1", ProjectID: "widgets", Status: StatusPlanning}
	writePlan(t, store, p)

	doc := OutputDocument{Tasks: []Task{
		{ID: "a", Dependencies: []string{"b"}},
		{ID: "b", Dependencies: []string{"a"}},
	}}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, layout.PlanOutputFile("plan-1"), data, 0o644))

	_, err = svc.CheckPlanOutput("plan-1")
	require.Error(t, err)
}

func TestMarkPlanningFailedTransitionsOnlyFromPlanning(t *testing.T) {
	svc, _, _, _, layout, fs := testFixture(t)
	store := NewStore(fs, layout)

	p := &Plan{ID: "plan-1", ProjectID: "widgets", Status: StatusPlanning}
	writePlan(t, store, p)

	require.NoError(t, svc.MarkPlanningFailed("plan-1"))

	got, ok, err := store.Read("plan-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusFailed, got.Status)
}

type errString string

func (e errString) Error() string { return string(e) }
