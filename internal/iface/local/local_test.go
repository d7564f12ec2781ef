package local

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/qbsync/internal/change"
	"github.com/openmined/qbsync/internal/iface"
	"github.com/openmined/qbsync/internal/qbp"
	"github.com/openmined/qbsync/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDevice change.DeviceID = 0x1

func openTest(t *testing.T, root string, mutate ...func(*Config)) *Backend {
	t.Helper()
	cfg := Config{Path: root, DeviceID: testDevice, NoWatch: true}
	for _, fn := range mutate {
		fn(&cfg)
	}
	b, err := Open(cfg, iface.Env{ID: "l1", Name: "local-test"})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func pullAll(t *testing.T, b *Backend, after uint64) []change.Record {
	t.Helper()
	var out []change.Record
	for rec, err := range b.Pull(t.Context(), after) {
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, utils.EnsureParent(path))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func byPath(recs []change.Record) map[string]change.Record {
	m := make(map[string]change.Record, len(recs))
	for _, r := range recs {
		m[r.Resource.Path] = r
	}
	return m
}

func remoteWrite(origin change.DeviceID, stamp uint64, path, content string, base change.Vector) change.Record {
	return change.Record{
		Origin: origin,
		Stamp:  stamp,
		Op:     change.OpWrite,
		Resource: change.Resource{
			Path:    path,
			Kind:    change.KindFile,
			Hash:    utils.BytesHash([]byte(content)),
			Size:    int64(len(content)),
			ModTime: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		},
		Base:    base,
		Content: []byte(content),
	}
}

func TestKind_Validate(t *testing.T) {
	root := t.TempDir()
	blob, err := qbp.NewBlob(qbp.ContentTypeYAML, map[string]any{"path": root, "include": []string{"**/*.md"}})
	require.NoError(t, err)

	config, err := Kind{}.Validate(blob)
	require.NoError(t, err)

	var cfg Config
	require.NoError(t, qbp.Blob{ContentType: qbp.ContentTypeJSON, Content: config}.Decode(&cfg))
	assert.Equal(t, root, cfg.Path)
	assert.False(t, cfg.DeviceID.IsZero())
	assert.Equal(t, []string{"**/*.md"}, cfg.Include)

	for name, bad := range map[string]map[string]any{
		"no path":      {},
		"bad include":  {"path": root, "include": []string{"[a-"}},
		"bad debounce": {"path": root, "debounce": "soon"},
		"negative max": {"path": root, "max_file_size": -1},
	} {
		blob, err := qbp.NewBlob(qbp.ContentTypeJSON, bad)
		require.NoError(t, err, name)
		_, err = Kind{}.Validate(blob)
		assert.ErrorIs(t, err, iface.ErrInvalidConfig, name)
	}
}

func TestPull_ReportsFilesAndDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "alpha")
	writeFile(t, root, "docs/b.md", "beta")

	b := openTest(t, root)
	recs := pullAll(t, b, 0)
	got := byPath(recs)

	require.Len(t, recs, 3)
	assert.Equal(t, change.KindDir, got["docs"].Resource.Kind)
	assert.Equal(t, []byte("alpha"), got["a.txt"].Content)
	assert.Equal(t, utils.BytesHash([]byte("beta")), got["docs/b.md"].Resource.Hash)
	for _, r := range recs {
		assert.Equal(t, testDevice, r.Origin)
		assert.NoError(t, r.Validate())
	}

	// stamps are ordered and a cursor skips what was seen
	for i := 1; i < len(recs); i++ {
		assert.Less(t, recs[i-1].Stamp, recs[i].Stamp)
	}
	assert.Empty(t, pullAll(t, b, recs[len(recs)-1].Stamp))
}

func TestPull_EditAndDelete(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "one")

	b := openTest(t, root)
	first := pullAll(t, b, 0)
	require.Len(t, first, 1)
	last := first[0].Stamp

	writeFile(t, root, "a.txt", "two")
	edits := pullAll(t, b, last)
	require.Len(t, edits, 1)
	assert.Equal(t, []byte("two"), edits[0].Content)
	// the edit descends from the first write
	assert.True(t, edits[0].Base.Includes(testDevice, last))
	last = edits[0].Stamp

	require.NoError(t, os.Remove(filepath.Join(root, "a.txt")))
	dels := pullAll(t, b, last)
	require.Len(t, dels, 1)
	assert.Equal(t, change.OpDelete, dels[0].Op)
	assert.Nil(t, dels[0].Content)
}

func TestPull_IgnoreAndInclude(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ignoreFileName, "build/\n# comment\n*.log\n")
	writeFile(t, root, "keep.md", "k")
	writeFile(t, root, "notes.txt", "n")
	writeFile(t, root, "debug.log", "d")
	writeFile(t, root, "build/out.md", "o")
	writeFile(t, root, ".DS_Store", "x")

	b := openTest(t, root, func(c *Config) { c.Include = []string{"**/*.md"} })
	got := byPath(pullAll(t, b, 0))

	assert.Contains(t, got, "keep.md")
	assert.NotContains(t, got, "notes.txt")
	assert.NotContains(t, got, "debug.log")
	assert.NotContains(t, got, "build/out.md")
	assert.NotContains(t, got, ".DS_Store")
	assert.NotContains(t, got, stateDirName+"/"+stateFileName)
}

func TestPull_SkipsLargeFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "big.bin", "0123456789")
	writeFile(t, root, "small.bin", "01")

	b := openTest(t, root, func(c *Config) { c.MaxFileSize = 5 })
	got := byPath(pullAll(t, b, 0))
	assert.Contains(t, got, "small.bin")
	assert.NotContains(t, got, "big.bin")
}

func TestPush_WritesAndDeletes(t *testing.T) {
	root := t.TempDir()
	b := openTest(t, root)

	const remote change.DeviceID = 0x2
	rec := remoteWrite(remote, 1, "in/c.txt", "charlie", nil)
	res, err := b.Push(t.Context(), rec)
	require.NoError(t, err)
	assert.Equal(t, iface.Ack, res)

	path := filepath.Join(root, "in", "c.txt")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "charlie", string(data))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(rec.Resource.ModTime))

	// pushed content is not echoed back as a local change
	for _, r := range pullAll(t, b, 0) {
		assert.NotEqual(t, "in/c.txt", r.Resource.Path)
	}

	del := change.Record{
		Origin:   remote,
		Stamp:    2,
		Op:       change.OpDelete,
		Resource: change.Resource{Path: "in/c.txt", Kind: change.KindFile},
		Base:     rec.Version(),
	}
	res, err = b.Push(t.Context(), del)
	require.NoError(t, err)
	assert.Equal(t, iface.Ack, res)
	assert.False(t, utils.FileExists(path))
}

func TestPush_Rejects(t *testing.T) {
	root := t.TempDir()
	b := openTest(t, root, func(c *Config) { c.Include = []string{"*.md"} })

	const remote change.DeviceID = 0x2
	cases := map[string]change.Record{
		"escaping path": remoteWrite(remote, 1, "../x.md", "x", nil),
		"filtered":      remoteWrite(remote, 2, "x.txt", "x", nil),
		"state dir":     remoteWrite(remote, 3, ".qb/state.md", "x", nil),
	}
	bad := remoteWrite(remote, 4, "x.md", "x", nil)
	bad.Content = []byte("tampered")
	cases["hash mismatch"] = bad

	for name, rec := range cases {
		res, err := b.Push(t.Context(), rec)
		require.NoError(t, err, name)
		assert.Equal(t, iface.Rejected, res, name)
	}
	assert.False(t, utils.FileExists(filepath.Join(root, "x.md")))
}

func TestPush_KeepsUnscannedLocalEdit(t *testing.T) {
	root := t.TempDir()
	b := openTest(t, root)
	writeFile(t, root, "a.txt", "mine")

	res, err := b.Push(t.Context(), remoteWrite(0x2, 1, "a.txt", "theirs", nil))
	require.NoError(t, err)
	assert.Equal(t, iface.Rejected, res)

	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "mine", string(data))

	// the edit surfaces on the next pull
	got := byPath(pullAll(t, b, 0))
	assert.Equal(t, []byte("mine"), got["a.txt"].Content)
}

func TestPush_ConcurrentWithOwnChange(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "mine")
	b := openTest(t, root)
	own := pullAll(t, b, 0)
	require.Len(t, own, 1)

	// a write that never saw the local one
	res, err := b.Push(t.Context(), remoteWrite(0x2, 1, "a.txt", "theirs", nil))
	require.NoError(t, err)
	assert.Equal(t, iface.Rejected, res)

	// a write that descends from it
	res, err = b.Push(t.Context(), remoteWrite(0x2, 2, "a.txt", "theirs", own[0].Version()))
	require.NoError(t, err)
	assert.Equal(t, iface.Ack, res)

	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "theirs", string(data))
}

func TestState_SurvivesRestart(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "one")

	b := openTest(t, root)
	first := pullAll(t, b, 0)
	require.Len(t, first, 1)
	require.NoError(t, b.Close())

	again := openTest(t, root)
	assert.Equal(t, first[0].Stamp, again.clock.Last())
	// nothing changed while closed
	assert.Empty(t, pullAll(t, again, first[0].Stamp))
	// the record is still served to a consumer that missed it
	assert.Len(t, pullAll(t, again, 0), 1)

	_, err := Open(Config{Path: root, DeviceID: 0x99, NoWatch: true}, iface.Env{})
	assert.Error(t, err)
}

func TestWatcher_WakesOnChange(t *testing.T) {
	root := t.TempDir()
	b := openTest(t, root, func(c *Config) {
		c.NoWatch = false
		c.Debounce = "10ms"
	})
	require.NotNil(t, b.Notify())

	writeFile(t, root, "a.txt", "hello")
	select {
	case <-b.Notify():
	case <-time.After(5 * time.Second):
		t.Fatal("no wakeup after write")
	}
}
