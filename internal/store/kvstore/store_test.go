package kvstore

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestCreateExclusiveRejectsCollision(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := New(fs, "/data/sessions")

	rec := NewRecord()
	_ = rec.Set(KeyStatus, "spawning")
	require.NoError(t, store.CreateExclusive("p-1", rec))

	err := store.CreateExclusive("p-1", rec)
	require.Error(t, err)
}

func TestWriteReadRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := New(fs, "/data/sessions")

	rec := NewRecord()
	_ = rec.Set(KeyStatus, "working")
	_ = rec.Set(KeyBranch, "feature/x")
	rec.SetReactionAttempts("ci-failed", 2)
	rec.SetReactionFirstTriggered("ci-failed", time.UnixMilli(1000))

	require.NoError(t, store.Write("p-1", rec))

	got, ok, err := store.Read("p-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "working", got[KeyStatus])
	require.Equal(t, "feature/x", got[KeyBranch])

	attempts, ok := got.ReactionAttempts("ci-failed")
	require.True(t, ok)
	require.Equal(t, 2, attempts)

	ts, ok := got.ReactionFirstTriggered("ci-failed")
	require.True(t, ok)
	require.True(t, ts.Equal(time.UnixMilli(1000)))
}

func TestArchiveRemovesLiveRecord(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := New(fs, "/data/sessions")

	rec := NewRecord()
	_ = rec.Set(KeyStatus, "merged")
	require.NoError(t, store.Write("p-1", rec))

	require.NoError(t, store.Archive("p-1", "p-1_123"))
	require.False(t, store.Exists("p-1"))

	archived, err := afero.Exists(fs, "/data/sessions/archive/p-1_123")
	require.NoError(t, err)
	require.True(t, archived)
}

func TestArchiveIsIdempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := New(fs, "/data/sessions")
	require.NoError(t, store.Archive("missing", "missing_1"))
}

func TestListIDsExcludesArchiveDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := New(fs, "/data/sessions")

	rec := NewRecord()
	_ = rec.Set(KeyStatus, "working")
	require.NoError(t, store.Write("p-1", rec))
	require.NoError(t, store.Write("p-2", rec))
	require.NoError(t, store.Archive("p-2", "p-2_999"))

	ids, err := store.ListIDs()
	require.NoError(t, err)
	require.Equal(t, []string{"p-1"}, ids)
}

func TestRecordValueEscaping(t *testing.T) {
	rec := NewRecord()
	_ = rec.Set(KeySummary, "line one\nline two\\ still")

	parsed := ParseRecord(rec.Marshal())
	require.Equal(t, "line one\nline two\\ still", parsed[KeySummary])
}

func TestParseRecordSkipsMalformedLines(t *testing.T) {
	data := []byte("status=working\nnotakeyvalue\nbad key=1\nbranch=main\n")
	rec := ParseRecord(data)
	require.Equal(t, "working", rec[KeyStatus])
	require.Equal(t, "main", rec[KeyBranch])
	require.Len(t, rec, 2)
}
