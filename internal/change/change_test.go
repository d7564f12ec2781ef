package change

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceID_HexRoundTrip(t *testing.T) {
	id := DeviceID(0x00ab12cd34ef5678)
	assert.Equal(t, "00ab12cd34ef5678", id.String())

	parsed, err := ParseDeviceID("00ab12cd34ef5678")
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseDeviceID("xyz")
	assert.ErrorIs(t, err, ErrInvalidDeviceID)
	_, err = ParseDeviceID("zzzzzzzzzzzzzzzz")
	assert.ErrorIs(t, err, ErrInvalidDeviceID)
}

func TestDeviceID_Derivation(t *testing.T) {
	assert.Equal(t, DeviceIDFromName("laptop"), DeviceIDFromName("laptop"))
	assert.NotEqual(t, DeviceIDFromName("laptop"), DeviceIDFromName("desktop"))
	assert.False(t, NewDeviceID().IsZero())
}

func TestDeviceID_JSON(t *testing.T) {
	v := Vector{DeviceID(1): 3}
	data, err := json.Marshal(struct {
		ID  DeviceID `json:"id"`
		Vec Vector   `json:"vec"`
	}{DeviceID(1), v})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"0000000000000001","vec":{"0000000000000001":3}}`, string(data))
}

func TestCleanPath(t *testing.T) {
	for in, want := range map[string]string{
		"/x.txt":      "x.txt",
		"a/b/../c":    "a/c",
		"a\\b":        "a/b",
		"./dir/":      "dir",
		"//deep//f":   "deep/f",
		"../escape":   "escape",
		"a/../../etc": "etc",
	} {
		got, err := CleanPath(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := CleanPath("/")
	assert.ErrorIs(t, err, ErrInvalidPath)
	_, err = CleanPath("")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestVector_Compare(t *testing.T) {
	a, b := DeviceID(1), DeviceID(2)

	assert.Equal(t, Equal, Vector{}.Compare(nil))
	assert.Equal(t, Equal, Vector{a: 1}.Compare(Vector{a: 1, b: 0}))
	assert.Equal(t, Before, Vector{a: 1}.Compare(Vector{a: 2}))
	assert.Equal(t, After, Vector{a: 2, b: 1}.Compare(Vector{a: 2}))
	assert.Equal(t, Concurrent, Vector{a: 2}.Compare(Vector{b: 1}))

	assert.True(t, Vector{a: 2, b: 1}.Dominates(Vector{a: 1}))
	assert.False(t, Vector{a: 2}.Dominates(Vector{b: 1}))
}

func TestVector_MergeWith(t *testing.T) {
	a, b := DeviceID(1), DeviceID(2)
	v := Vector{a: 2}

	m := v.Merge(Vector{a: 1, b: 3})
	assert.Equal(t, Vector{a: 2, b: 3}, m)
	assert.Equal(t, Vector{a: 2}, v, "merge must not mutate")

	assert.Equal(t, Vector{a: 5}, v.With(a, 5))
	assert.Equal(t, Vector{a: 2}, v.With(a, 1))
	assert.True(t, m.Includes(b, 3))
	assert.False(t, m.Includes(b, 4))
	assert.Equal(t, "{0000000000000001:2,0000000000000002:3}", m.String())
}

func TestRecord_VersionAndValidate(t *testing.T) {
	a, b := DeviceID(1), DeviceID(2)
	rec := Record{
		Origin:   a,
		Stamp:    4,
		Resource: Resource{Path: "x.txt", Hash: "h1"},
		Base:     Vector{b: 7},
	}
	assert.Equal(t, Vector{a: 4, b: 7}, rec.Version())
	assert.Equal(t, "0000000000000001:4", rec.Key())
	assert.NoError(t, rec.Validate())

	noHash := rec
	noHash.Resource.Hash = ""
	assert.ErrorIs(t, noHash.Validate(), ErrInvalidRecord)

	del := noHash
	del.Op = OpDelete
	assert.NoError(t, del.Validate())

	zero := rec
	zero.Stamp = 0
	assert.ErrorIs(t, zero.Validate(), ErrInvalidRecord)
}

func TestClock(t *testing.T) {
	c := NewClock(DeviceID(9), 10)
	assert.Equal(t, uint64(11), c.Next())

	c.Observe(5)
	assert.Equal(t, uint64(11), c.Last())
	c.Observe(20)
	assert.Equal(t, uint64(21), c.Next())

	rec := c.Stamp(OpWrite, Resource{Path: "a"}, Vector{DeviceID(1): 1}, []byte("x"))
	assert.Equal(t, DeviceID(9), rec.Origin)
	assert.Equal(t, uint64(22), rec.Stamp)
}

func TestClock_ConcurrentStampsUnique(t *testing.T) {
	c := NewClock(DeviceID(1), 0)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[uint64]bool{}
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				s := c.Next()
				mu.Lock()
				seen[s] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 800)
	assert.Equal(t, uint64(800), c.Last())
}

func TestPolicies(t *testing.T) {
	now := time.Now()
	head := Record{Origin: DeviceID(1), Resource: Resource{ModTime: now}}
	newer := Record{Origin: DeviceID(2), Resource: Resource{ModTime: now.Add(time.Second)}}
	older := Record{Origin: DeviceID(2), Resource: Resource{ModTime: now.Add(-time.Second)}}
	tieLarger := Record{Origin: DeviceID(2), Resource: Resource{ModTime: now}}
	tieSmaller := Record{Origin: DeviceID(0), Resource: Resource{ModTime: now}}

	nw, err := ParsePolicy("newest-wins")
	require.NoError(t, err)
	assert.Equal(t, TakeIncoming, nw.Resolve(head, newer))
	assert.Equal(t, KeepHead, nw.Resolve(head, older))
	assert.Equal(t, TakeIncoming, nw.Resolve(head, tieLarger))
	assert.Equal(t, KeepHead, nw.Resolve(head, tieSmaller))

	s, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicySurface, s.Name())
	assert.Equal(t, KeepHead, s.Resolve(head, newer))

	_, err = ParsePolicy("coin-flip")
	assert.Error(t, err)
}
