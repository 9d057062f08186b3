package eventstore

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestAppendAndFind(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := New(fs, "/data/events.jsonl")

	ev1 := NewEvent("ci.failing", PriorityAction, "s-1", "p-1", "CI failed", nil)
	ev2 := NewEvent("status.changed", PriorityInfo, "s-2", "p-1", "moved to review", nil)
	require.NoError(t, store.Append(ev1))
	require.NoError(t, store.Append(ev2))

	all, err := store.Find(Query{ProjectID: "p-1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	// Newest-first.
	require.Equal(t, ev2.ID, all[0].ID)
	require.Equal(t, ev1.ID, all[1].ID)
}

func TestFindFiltersByTypeAndPriority(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := New(fs, "/data/events.jsonl")

	require.NoError(t, store.Append(NewEvent("ci.failing", PriorityAction, "s-1", "p-1", "", nil)))
	require.NoError(t, store.Append(NewEvent("review.changes_requested", PriorityUrgent, "s-1", "p-1", "", nil)))
	require.NoError(t, store.Append(NewEvent("status.changed", PriorityInfo, "s-2", "p-1", "", nil)))

	found, err := store.Find(Query{Types: []string{"ci.failing"}})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "ci.failing", found[0].Type)

	found, err = store.Find(Query{Priorities: []Priority{PriorityUrgent}})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "review.changes_requested", found[0].Type)

	found, err = store.Find(Query{SessionID: "s-2"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "status.changed", found[0].Type)
}

func TestFindRespectsSinceOffsetAndLimit(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := New(fs, "/data/events.jsonl")

	base := time.UnixMilli(1_000_000)
	for i := 0; i < 5; i++ {
		ev := NewEvent("tick", PriorityInfo, "s-1", "p-1", "", nil)
		ev.Timestamp = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Append(ev))
	}

	since := base.Add(2 * time.Minute)
	found, err := store.Find(Query{Since: &since})
	require.NoError(t, err)
	require.Len(t, found, 3)

	found, err = store.Find(Query{Offset: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, found, 2)
}

func TestAppendPrunesAtMaxEvents(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := New(fs, "/data/events.jsonl", WithMaxEvents(3))

	var ids []string
	for i := 0; i < 3; i++ {
		ev := NewEvent("tick", PriorityInfo, "s-1", "p-1", "", nil)
		require.NoError(t, store.Append(ev))
		ids = append(ids, ev.ID)
	}

	n, err := store.Len()
	require.NoError(t, err)
	require.Equal(t, 3, n)

	newest := NewEvent("tick", PriorityInfo, "s-1", "p-1", "", nil)
	require.NoError(t, store.Append(newest))

	n, err = store.Len()
	require.NoError(t, err)
	require.Equal(t, 3, n)

	// The oldest of the original three must have been dropped; the second
	// and third, plus the new one, survive.
	got, err := store.Get(ids[0])
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = store.Get(ids[1])
	require.NoError(t, err)
	require.NotNil(t, got)

	got, err = store.Get(newest.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestFindOnMissingFileReturnsEmpty(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := New(fs, "/data/events.jsonl")

	found, err := store.Find(Query{})
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestReadAllSkipsMalformedLines(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/events.jsonl",
		[]byte(`{"id":"a","type":"tick"}`+"\n"+"not json at all"+"\n"+`{"id":"b","type":"tick"}`+"\n"), 0o644))

	store := New(fs, "/data/events.jsonl")
	found, err := store.Find(Query{})
	require.NoError(t, err)
	require.Len(t, found, 2)
}
