package devtable

import (
	"testing"
	"time"

	"github.com/openmined/qbsync/internal/change"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	devA = change.DeviceID(0xa)
	devB = change.DeviceID(0xb)
)

func write(origin change.DeviceID, stamp uint64, path, hash string, base change.Vector) change.Record {
	return change.Record{
		Origin: origin,
		Stamp:  stamp,
		Op:     change.OpWrite,
		Resource: change.Resource{
			Path:    path,
			Hash:    hash,
			Size:    1,
			ModTime: time.Unix(int64(stamp), 0),
		},
		Base:    base,
		Content: []byte(hash),
	}
}

func TestApply_Idempotent(t *testing.T) {
	tbl := New()
	rec := write(devA, 5, "x.txt", "h1", nil)

	res, err := tbl.Apply(t.Context(), rec)
	require.NoError(t, err)
	assert.Equal(t, Accepted, res.Outcome)
	before := tbl.Devices()

	res, err = tbl.Apply(t.Context(), rec)
	require.NoError(t, err)
	assert.Equal(t, Stale, res.Outcome)
	assert.Equal(t, before, tbl.Devices())

	stats := tbl.Stats()
	assert.Equal(t, uint64(1), stats.Accepted)
	assert.Equal(t, uint64(1), stats.Stale)
}

func TestApply_Monotonic(t *testing.T) {
	tbl := New()
	_, err := tbl.Apply(t.Context(), write(devA, 5, "a", "h", nil))
	require.NoError(t, err)

	for _, stamp := range []uint64{1, 4, 5} {
		res, err := tbl.Apply(t.Context(), write(devA, stamp, "b", "h", nil))
		require.NoError(t, err)
		assert.Equal(t, Stale, res.Outcome, "stamp %d", stamp)
	}
	assert.Equal(t, uint64(5), tbl.Stamp(devA))

	res, err := tbl.Apply(t.Context(), write(devA, 9, "b", "h", nil))
	require.NoError(t, err)
	assert.Equal(t, Accepted, res.Outcome)
	assert.Equal(t, uint64(9), tbl.Stamp(devA))
}

func TestApply_CausalSuccessorIsAccepted(t *testing.T) {
	tbl := New()
	first := write(devA, 1, "x.txt", "h1", nil)
	_, err := tbl.Apply(t.Context(), first)
	require.NoError(t, err)

	// B saw A's write before editing
	res, err := tbl.Apply(t.Context(), write(devB, 1, "x.txt", "h2", first.Version()))
	require.NoError(t, err)
	assert.Equal(t, Accepted, res.Outcome)

	head, ok := tbl.Head("x.txt")
	require.True(t, ok)
	assert.Equal(t, devB, head.Origin)
	assert.Nil(t, head.Content)
}

func TestApply_ConcurrentWritesConflict(t *testing.T) {
	tbl := New()
	_, err := tbl.Apply(t.Context(), write(devA, 1, "x.txt", "h1", nil))
	require.NoError(t, err)

	res, err := tbl.Apply(t.Context(), write(devB, 1, "x.txt", "h2", nil))
	require.NoError(t, err)
	assert.Equal(t, Conflict, res.Outcome)
	require.NotNil(t, res.Rival)
	assert.Equal(t, devA, res.Rival.Origin)

	// bookkeeping advances, head stays
	assert.Equal(t, uint64(1), tbl.Stamp(devB))
	head, _ := tbl.Head("x.txt")
	assert.Equal(t, devA, head.Origin)
	assert.Equal(t, uint64(1), tbl.Stats().Conflicts)
}

func TestApply_SameHashIsNoConflict(t *testing.T) {
	tbl := New()
	_, err := tbl.Apply(t.Context(), write(devA, 1, "x.txt", "h1", nil))
	require.NoError(t, err)

	res, err := tbl.Apply(t.Context(), write(devB, 1, "x.txt", "h1", nil))
	require.NoError(t, err)
	assert.Equal(t, Accepted, res.Outcome)
}

func TestPromote(t *testing.T) {
	tbl := New()
	_, err := tbl.Apply(t.Context(), write(devA, 1, "x.txt", "h1", nil))
	require.NoError(t, err)

	rival := write(devB, 1, "x.txt", "h2", nil)
	res, err := tbl.Apply(t.Context(), rival)
	require.NoError(t, err)
	require.Equal(t, Conflict, res.Outcome)

	seq, err := tbl.Promote(t.Context(), rival)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	head, _ := tbl.Head("x.txt")
	assert.Equal(t, devB, head.Origin)
}

func TestSince(t *testing.T) {
	tbl := New()
	for _, rec := range []change.Record{
		write(devA, 1, "x.txt", "h1", nil),
		write(devA, 2, "y.txt", "h2", nil),
		write(devA, 3, "x.txt", "h3", change.Vector{devA: 2}),
	} {
		res, err := tbl.Apply(t.Context(), rec)
		require.NoError(t, err)
		require.Equal(t, Accepted, res.Outcome)
		assert.Equal(t, rec.Stamp, res.Seq)
	}
	assert.Equal(t, uint64(3), tbl.Seq())

	// one entry per resource, the current version only
	changes, err := tbl.Since(t.Context(), 0)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, uint64(2), changes[0].Seq)
	assert.Equal(t, "y.txt", changes[0].Record.Resource.Path)
	assert.Equal(t, uint64(3), changes[1].Seq)
	assert.Equal(t, []byte("h3"), changes[1].Record.Content)

	changes, err = tbl.Since(t.Context(), 2)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "x.txt", changes[0].Record.Resource.Path)

	// stale records take no sequence
	res, err := tbl.Apply(t.Context(), write(devA, 3, "z.txt", "h4", nil))
	require.NoError(t, err)
	assert.Equal(t, Stale, res.Outcome)
	assert.Equal(t, uint64(3), tbl.Seq())

	head, _ := tbl.Head("x.txt")
	assert.Nil(t, head.Content)
}
