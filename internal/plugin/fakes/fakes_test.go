package fakes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gg-salo/fleet-commander/internal/plugin"
)

func TestRuntimeFakeLifecycle(t *testing.T) {
	ctx := context.Background()
	rt := NewRuntime()

	h, err := rt.Create(ctx, plugin.RuntimeSpec{SessionID: "s-1"})
	require.NoError(t, err)

	alive, err := rt.IsAlive(ctx, h)
	require.NoError(t, err)
	require.True(t, alive)

	require.NoError(t, rt.SendMessage(ctx, h, "hello"))
	require.Equal(t, []string{"hello"}, rt.SentMessages(h))

	rt.SetAlive(h, false)
	alive, err = rt.IsAlive(ctx, h)
	require.NoError(t, err)
	require.False(t, alive)

	require.NoError(t, rt.Destroy(ctx, h))
	require.Equal(t, []plugin.Handle{h}, rt.Destroys)
}

func TestSCMFakeScriptedReads(t *testing.T) {
	ctx := context.Background()
	scm := NewSCM()
	pr := plugin.PR{URL: "https://example.invalid/pr/1", Number: 1}

	scm.SetDetectedPR("s-1", &pr)
	got, err := scm.DetectPR(ctx, "s-1", "p-1")
	require.NoError(t, err)
	require.Equal(t, &pr, got)

	scm.SetCISummary(pr, plugin.CISummaryFailing)
	summary, err := scm.GetCISummary(ctx, pr)
	require.NoError(t, err)
	require.Equal(t, plugin.CISummaryFailing, summary)

	scm.SetReviewDecision(pr, plugin.ReviewDecisionChangesRequested)
	decision, err := scm.GetReviewDecision(ctx, pr)
	require.NoError(t, err)
	require.Equal(t, plugin.ReviewDecisionChangesRequested, decision)
}

func TestTrackerFakeCreateThenGet(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(nil)

	issue, err := tracker.CreateIssue(ctx, plugin.IssueRequest{Title: "fix bug"}, "p-1")
	require.NoError(t, err)
	require.Equal(t, "fix bug", issue.Title)

	got, err := tracker.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	require.Equal(t, issue, got)
}

func TestNotifierFakeRecordsEvents(t *testing.T) {
	ctx := context.Background()
	n := NewNotifier()

	require.NoError(t, n.Notify(ctx, plugin.NotifyEvent{Type: "escalation", SessionID: "s-1"}))
	require.Len(t, n.Events, 1)
	require.Equal(t, "escalation", n.Events[0].Type)
}
