package lessons

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/gg-salo/fleet-commander/internal/store/outcomestore"
)

func newOutcomes(t *testing.T) *outcomestore.Store {
	t.Helper()
	fs := afero.NewMemMapFs()
	return outcomestore.New(fs, "/data/proj/outcomes.jsonl")
}

func rec(i int64, outcome outcomestore.Outcome, ciRetries int, failingChecks ...string) outcomestore.Record {
	return outcomestore.Record{
		SessionID:     "fc-" + string(rune('a'+i)),
		ProjectID:     "proj",
		Outcome:       outcome,
		CIRetries:     ciRetries,
		FailingChecks: failingChecks,
		Timestamp:     i,
	}
}

func TestAggregateEmptyHistoryYieldsEmptyLessons(t *testing.T) {
	store := newOutcomes(t)
	l, err := Aggregate(store, "proj", 0)
	require.NoError(t, err)
	require.Equal(t, 0, l.SampleSize)
	require.True(t, l.IsEmpty())
}

func TestAggregateSurfacesTopFailingChecksAboveThreshold(t *testing.T) {
	store := newOutcomes(t)
	require.NoError(t, store.Append(rec(1, outcomestore.OutcomeKilled, 1, "go-build", "unit-tests")))
	require.NoError(t, store.Append(rec(2, outcomestore.OutcomeKilled, 1, "go-build")))
	require.NoError(t, store.Append(rec(3, outcomestore.OutcomeMerged, 0, "unit-tests")))
	require.NoError(t, store.Append(rec(4, outcomestore.OutcomeMerged, 0)))

	l, err := Aggregate(store, "proj", 0)
	require.NoError(t, err)
	require.Len(t, l.TopFailingChecks, 2)
	require.Equal(t, "go-build", l.TopFailingChecks[0].Name)
	require.Equal(t, 2, l.TopFailingChecks[0].Count)
	require.NotEmpty(t, l.TopFailingChecks[0].Recommendation)
}

func TestAggregateOmitsFailingChecksBelowThreshold(t *testing.T) {
	store := newOutcomes(t)
	require.NoError(t, store.Append(rec(1, outcomestore.OutcomeKilled, 1, "flaky-once")))
	require.NoError(t, store.Append(rec(2, outcomestore.OutcomeMerged, 0)))

	l, err := Aggregate(store, "proj", 0)
	require.NoError(t, err)
	require.Empty(t, l.TopFailingChecks)
}

func TestAggregateCapsAtTopThreeFailingChecks(t *testing.T) {
	store := newOutcomes(t)
	checks := []string{"a", "b", "c", "d"}
	for i, c := range checks {
		require.NoError(t, store.Append(rec(int64(i*2+1), outcomestore.OutcomeKilled, 0, c)))
		require.NoError(t, store.Append(rec(int64(i*2+2), outcomestore.OutcomeKilled, 0, c)))
	}

	l, err := Aggregate(store, "proj", 0)
	require.NoError(t, err)
	require.Len(t, l.TopFailingChecks, 3)
}

func TestAggregateFlagsHighAverageCIRetries(t *testing.T) {
	store := newOutcomes(t)
	require.NoError(t, store.Append(rec(1, outcomestore.OutcomeMerged, 3)))
	require.NoError(t, store.Append(rec(2, outcomestore.OutcomeMerged, 2)))

	l, err := Aggregate(store, "proj", 0)
	require.NoError(t, err)
	require.True(t, l.HasHighCIRetries)
	require.InDelta(t, 2.5, l.AverageCIRetries, 0.0001)
}

func TestAggregateDoesNotFlagLowAverageCIRetries(t *testing.T) {
	store := newOutcomes(t)
	require.NoError(t, store.Append(rec(1, outcomestore.OutcomeMerged, 1)))
	require.NoError(t, store.Append(rec(2, outcomestore.OutcomeMerged, 1)))

	l, err := Aggregate(store, "proj", 0)
	require.NoError(t, err)
	require.False(t, l.HasHighCIRetries)
}

func TestAggregateFlagsHighFailureRateWithDominantCategory(t *testing.T) {
	store := newOutcomes(t)
	require.NoError(t, store.Append(rec(1, outcomestore.OutcomeKilled, 0, "go-build")))
	require.NoError(t, store.Append(rec(2, outcomestore.OutcomeErrored, 0, "go-build")))
	require.NoError(t, store.Append(rec(3, outcomestore.OutcomeMerged, 0)))

	l, err := Aggregate(store, "proj", 0)
	require.NoError(t, err)
	require.True(t, l.HasHighFailureRate)
	require.InDelta(t, 2.0/3.0, l.FailureRate, 0.0001)
	require.Equal(t, "build", string(l.DominantFailureCategory))
}

func TestAggregateRespectsWindowSize(t *testing.T) {
	store := newOutcomes(t)
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, store.Append(rec(i, outcomestore.OutcomeMerged, 0)))
	}

	l, err := Aggregate(store, "proj", 2)
	require.NoError(t, err)
	require.Equal(t, 2, l.SampleSize)
}

func TestFormatForPromptEmptyLessonsYieldsEmptyString(t *testing.T) {
	l := &Lessons{ProjectID: "proj"}
	require.Equal(t, "", FormatForPrompt(l))
}

func TestFormatForPromptIncludesAllSections(t *testing.T) {
	l := &Lessons{
		ProjectID:          "proj",
		TopFailingChecks:   []FailingCheck{{Name: "go-build", Count: 3, Recommendation: "fix it"}},
		HasHighCIRetries:   true,
		AverageCIRetries:   2.2,
		HasHighFailureRate: true,
		FailureRate:        0.5,
		DominantFailureCategory: "build",
	}
	out := FormatForPrompt(l)
	require.Contains(t, out, "go-build")
	require.Contains(t, out, "fix it")
	require.Contains(t, out, "2.2")
	require.Contains(t, out, "50%")
	require.Contains(t, out, "build")
}
