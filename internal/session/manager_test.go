package session

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/gg-salo/fleet-commander/internal/config"
	"github.com/gg-salo/fleet-commander/internal/plugin"
	"github.com/gg-salo/fleet-commander/internal/plugin/fakes"
)

func testConfig() *config.Config {
	return &config.Config{
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
			},
		},
	}
}

func newTestManager(t *testing.T) (*Manager, *fakes.Runtime, *fakes.Workspace, *fakes.Tracker) {
	t.Helper()
	fs := afero.NewMemMapFs()
	rt := fakes.NewRuntime()
	ws := fakes.NewWorkspace()
	tracker := fakes.NewTracker(map[string]plugin.Issue{
		"42": {ID: "42", Title: "fix the thing"},
	})

	reg := plugin.NewRegistry()
	reg.RegisterRuntime("tmux", rt)
	reg.RegisterWorkspace("git-worktree", ws)
	reg.RegisterTracker("github", tracker)

	mgr := NewManager(fs, "/data", "/etc/fleetcommander/config.yaml", testConfig(), reg, nil)
	return mgr, rt, ws, tracker
}

func TestSpawnAssignsSequentialIDs(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	s1, err := mgr.Spawn(ctx, SpawnRequest{ProjectKey: "widgets", Prompt: "do thing one"})
	require.NoError(t, err)
	require.Equal(t, "w-1", s1.ID)
	require.Equal(t, StatusSpawning, s1.Status)

	s2, err := mgr.Spawn(ctx, SpawnRequest{ProjectKey: "widgets", Prompt: "do thing two"})
	require.NoError(t, err)
	require.Equal(t, "w-2", s2.ID)
}

func TestSpawnResolvesIssueAndBranch(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	s, err := mgr.Spawn(ctx, SpawnRequest{ProjectKey: "widgets", IssueID: "42", Prompt: "fix it"})
	require.NoError(t, err)
	require.Equal(t, "42", s.Issue)
	require.Equal(t, "issue-42", s.Branch)
}

func TestSpawnExplicitBranchWins(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	s, err := mgr.Spawn(ctx, SpawnRequest{ProjectKey: "widgets", IssueID: "42", Branch: "feature/custom", Prompt: "x"})
	require.NoError(t, err)
	require.Equal(t, "feature/custom", s.Branch)
}

func TestSpawnRollsBackWorkspaceOnRuntimeFailure(t *testing.T) {
	mgr, rt, ws, _ := newTestManager(t)
	ctx := context.Background()

	rt.CreateErr = assertError("runtime exploded")

	_, err := mgr.Spawn(ctx, SpawnRequest{ProjectKey: "widgets", Prompt: "x"})
	require.Error(t, err)

	require.Len(t, ws.Destroyed, 1)

	sessions, err := mgr.List(ctx, "widgets")
	require.NoError(t, err)
	require.Empty(t, sessions, "rolled-back spawn must not leave a live session record")
}

func TestSpawnRollsBackOnWorkspaceFailure(t *testing.T) {
	mgr, _, ws, _ := newTestManager(t)
	ctx := context.Background()

	ws.CreateErr = assertError("workspace exploded")

	_, err := mgr.Spawn(ctx, SpawnRequest{ProjectKey: "widgets", Prompt: "x"})
	require.Error(t, err)

	sessions, err := mgr.List(ctx, "widgets")
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestSendSanitizesControlCharacters(t *testing.T) {
	mgr, rt, _, _ := newTestManager(t)
	ctx := context.Background()

	s, err := mgr.Spawn(ctx, SpawnRequest{ProjectKey: "widgets", Prompt: "x"})
	require.NoError(t, err)

	require.NoError(t, mgr.Send(ctx, "widgets", s.ID, "hello\x1b[31mworld\x07"))
	sent := rt.SentMessages(s.RuntimeHandle)
	require.Equal(t, []string{"hello[31mworld"}, sent)
}

func TestKillArchivesAndDestroys(t *testing.T) {
	mgr, rt, ws, _ := newTestManager(t)
	ctx := context.Background()

	s, err := mgr.Spawn(ctx, SpawnRequest{ProjectKey: "widgets", Prompt: "x"})
	require.NoError(t, err)

	require.NoError(t, mgr.Kill(ctx, "widgets", s.ID))

	require.Contains(t, rt.Destroys, s.RuntimeHandle)
	require.Contains(t, ws.Destroyed, s.Workspace)

	_, ok, err := mgr.Get("widgets", s.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestKillIsIdempotent(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	require.NoError(t, mgr.Kill(context.Background(), "widgets", "w-999"))
}

func TestListMarksDeadRuntimeAsKilled(t *testing.T) {
	mgr, rt, _, _ := newTestManager(t)
	ctx := context.Background()

	s, err := mgr.Spawn(ctx, SpawnRequest{ProjectKey: "widgets", Prompt: "x"})
	require.NoError(t, err)

	rt.SetAlive(s.RuntimeHandle, false)

	sessions, err := mgr.List(ctx, "widgets")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, StatusKilled, sessions[0].Status)

	persisted, ok, err := mgr.Get("widgets", s.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusKilled, persisted.Status)
}

func TestRestoreCreatesNewHandleAndResetsStatus(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	s, err := mgr.Spawn(ctx, SpawnRequest{ProjectKey: "widgets", Prompt: "x"})
	require.NoError(t, err)

	oldHandle := s.RuntimeHandle
	require.NoError(t, mgr.Kill(ctx, "widgets", s.ID)) // simulate crash cleanup path elsewhere

	// Restore operates on a still-live record; re-create one to restore.
	s2, err := mgr.Spawn(ctx, SpawnRequest{ProjectKey: "widgets", Prompt: "x"})
	require.NoError(t, err)

	restored, err := mgr.Restore(ctx, "widgets", s2.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSpawning, restored.Status)
	require.NotEqual(t, oldHandle, restored.RuntimeHandle)
}

func TestFingerprintChangesWithStatus(t *testing.T) {
	s := &Session{ID: "w-1", Status: StatusWorking, Activity: plugin.ActivityActive}
	f1 := s.Fingerprint()

	s.Status = StatusStuck
	f2 := s.Fingerprint()

	require.NotEqual(t, f1, f2)
}

func TestFingerprintStableForUnchangedInputs(t *testing.T) {
	s := &Session{ID: "w-1", Status: StatusWorking, Activity: plugin.ActivityActive}
	require.Equal(t, s.Fingerprint(), s.Fingerprint())
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func assertError(msg string) error { return assertErr(msg) }
