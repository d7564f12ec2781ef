package devtable

import (
	"path/filepath"
	"testing"

	"github.com/openmined/qbsync/internal/change"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, path string) *SQLStore {
	t.Helper()
	store, err := OpenSQLStore(path)
	require.NoError(t, err)
	return store
}

func TestSQLStore_RestoreAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	store := openStore(t, path)
	tbl, err := Open(t.Context(), store)
	require.NoError(t, err)

	first := write(devA, 3, "dir/x.txt", "h1", nil)
	_, err = tbl.Apply(t.Context(), first)
	require.NoError(t, err)
	_, err = tbl.Apply(t.Context(), write(devB, 7, "y.txt", "h2", nil))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store = openStore(t, path)
	defer store.Close()
	restored, err := Open(t.Context(), store)
	require.NoError(t, err)

	assert.Equal(t, uint64(3), restored.Stamp(devA))
	assert.Equal(t, uint64(7), restored.Stamp(devB))

	head, ok := restored.Head("dir/x.txt")
	require.True(t, ok)
	assert.Equal(t, first.Key(), head.Key())
	assert.Equal(t, "h1", head.Hash())
	assert.True(t, first.Resource.ModTime.Equal(head.Resource.ModTime))

	// replay after restart is still stale
	res, err := restored.Apply(t.Context(), first)
	require.NoError(t, err)
	assert.Equal(t, Stale, res.Outcome)
}

func TestSQLStore_ConflictRetainsBoth(t *testing.T) {
	store := openStore(t, ":memory:")
	defer store.Close()
	tbl, err := Open(t.Context(), store)
	require.NoError(t, err)

	_, err = tbl.Apply(t.Context(), write(devA, 1, "x.txt", "h1", nil))
	require.NoError(t, err)
	res, err := tbl.Apply(t.Context(), write(devB, 1, "x.txt", "h2", change.Vector{devB: 0}))
	require.NoError(t, err)
	require.Equal(t, Conflict, res.Outcome)

	log, err := store.ChangeLog(t.Context(), "x.txt")
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.False(t, log[0].Conflict)
	assert.True(t, log[1].Conflict)
	assert.Equal(t, devA, log[0].Record.Origin)
	assert.Equal(t, devB, log[1].Record.Origin)
	assert.Nil(t, log[1].Record.Content)

	// the conflicting record did not become the head
	snap, err := store.Load(t.Context())
	require.NoError(t, err)
	assert.Equal(t, devA, snap.Heads["x.txt"].Origin)
	assert.Equal(t, uint64(1), snap.Devices[devB])
}

func TestSQLStore_PromotePersists(t *testing.T) {
	store := openStore(t, ":memory:")
	defer store.Close()
	tbl, err := Open(t.Context(), store)
	require.NoError(t, err)

	_, err = tbl.Apply(t.Context(), write(devA, 1, "x.txt", "h1", nil))
	require.NoError(t, err)
	rival := write(devB, 1, "x.txt", "h2", nil)
	_, err = tbl.Apply(t.Context(), rival)
	require.NoError(t, err)
	seq, err := tbl.Promote(t.Context(), rival)
	require.NoError(t, err)

	snap, err := store.Load(t.Context())
	require.NoError(t, err)
	assert.Equal(t, devB, snap.Heads["x.txt"].Origin)
	assert.Equal(t, seq, snap.Seq)

	changes, err := tbl.Since(t.Context(), seq-1)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, rival.Key(), changes[0].Record.Key())
	assert.Equal(t, []byte("h2"), changes[0].Record.Content)
}

func TestSQLStore_SinceAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	store := openStore(t, path)
	tbl, err := Open(t.Context(), store)
	require.NoError(t, err)
	for _, rec := range []change.Record{
		write(devA, 1, "x.txt", "h1", nil),
		write(devA, 2, "y.txt", "h2", nil),
	} {
		_, err := tbl.Apply(t.Context(), rec)
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	store = openStore(t, path)
	defer store.Close()
	restored, err := Open(t.Context(), store)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), restored.Seq())

	changes, err := restored.Since(t.Context(), 1)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, uint64(2), changes[0].Seq)
	assert.Equal(t, []byte("h2"), changes[0].Record.Content)

	// in-memory heads stay lean
	head, ok := restored.Head("y.txt")
	require.True(t, ok)
	assert.Nil(t, head.Content)

	// sequences continue where they stopped
	res, err := restored.Apply(t.Context(), write(devB, 1, "z.txt", "h3", nil))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Seq)
}
