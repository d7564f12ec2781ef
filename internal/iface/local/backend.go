package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openmined/qbsync/internal/change"
	"github.com/openmined/qbsync/internal/iface"
	"github.com/openmined/qbsync/internal/utils"
)

const hashCacheSize = 4096

type hashKey struct {
	path    string
	size    int64
	modTime int64
}

// Backend is one synchronized directory
type Backend struct {
	root    string
	cfg     Config
	log     *slog.Logger
	filter  *filter
	watcher *watcher
	hashes  *lru.Cache[hashKey, string]

	mu    sync.Mutex
	state *state
	clock *change.Clock
}

func Open(cfg Config, env iface.Env) (*Backend, error) {
	root, err := utils.ResolvePath(cfg.Path)
	if err != nil {
		return nil, err
	}
	if err := utils.EnsureDir(root); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}
	// event paths are reported with symlinks resolved
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	if cfg.DeviceID.IsZero() {
		return nil, errors.New("device id is required")
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}

	st, err := loadState(root, cfg.DeviceID)
	if err != nil {
		return nil, err
	}

	hashes, err := lru.New[hashKey, string](hashCacheSize)
	if err != nil {
		return nil, err
	}

	log := env.Logger
	if log == nil {
		log = slog.Default()
	}

	b := &Backend{
		root:   root,
		cfg:    cfg,
		log:    log.With("root", root),
		filter: newFilter(root, cfg.Ignore, cfg.Include),
		hashes: hashes,
		state:  st,
		clock:  change.NewClock(cfg.DeviceID, st.Counter),
	}

	if !cfg.NoWatch {
		debounce, _ := time.ParseDuration(cfg.Debounce)
		b.watcher = newWatcher(root, debounce, b.acceptEvent)
		if err := b.watcher.Start(); err != nil {
			return nil, fmt.Errorf("watch %s: %w", root, err)
		}
	}

	return b, nil
}

func (b *Backend) Device() change.DeviceID {
	return b.clock.Device()
}

func (b *Backend) Notify() <-chan struct{} {
	if b.watcher == nil {
		return nil
	}
	return b.watcher.Wake()
}

func (b *Backend) Close() error {
	if b.watcher != nil {
		b.watcher.Stop()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.save(b.root)
}

// Pull rescans the directory, then yields this device's records newer than
// after, oldest first, with file contents attached
func (b *Backend) Pull(ctx context.Context, after uint64) iter.Seq2[change.Record, error] {
	return func(yield func(change.Record, error) bool) {
		pending, err := b.scan(ctx, after)
		if err != nil {
			yield(change.Record{}, err)
			return
		}

		for _, rec := range pending {
			if ctx.Err() != nil {
				yield(change.Record{}, ctx.Err())
				return
			}
			rec, ok, err := b.withContent(rec)
			if err != nil {
				if !yield(change.Record{}, iface.Transient(err)) {
					return
				}
				continue
			}
			if !ok {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// scan diffs the tree against the state, records the differences and
// returns the log entries newer than after
func (b *Backend) scan(ctx context.Context, after uint64) ([]change.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[string]struct{}, len(b.state.Entries))
	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path == b.root {
			return nil
		}

		rel, err := utils.ToSlashRel(b.root, path)
		if err != nil {
			return nil
		}
		if !b.filter.Allows(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}

		seen[rel] = struct{}{}
		return b.observe(rel, path, d)
	})
	if err != nil {
		return nil, iface.Transient(fmt.Errorf("scan %s: %w", b.root, err))
	}

	// children before parents
	var gone []string
	for rel, e := range b.state.Entries {
		if _, ok := seen[rel]; !ok && !e.Deleted {
			gone = append(gone, rel)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(gone)))
	for _, rel := range gone {
		e := b.state.Entries[rel]
		b.record(change.OpDelete, change.Resource{Path: rel, Kind: e.Kind, ModTime: time.Now()}, e)
	}

	if err := b.state.save(b.root); err != nil {
		return nil, iface.Transient(err)
	}

	var pending []change.Record
	for _, rec := range b.state.Log {
		if rec.Stamp > after {
			pending = append(pending, rec)
		}
	}
	slices.SortFunc(pending, func(x, y change.Record) int {
		switch {
		case x.Stamp < y.Stamp:
			return -1
		case x.Stamp > y.Stamp:
			return 1
		}
		return 0
	})
	return pending, nil
}

// observe records path if it differs from what the state knows
func (b *Backend) observe(rel, path string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	prev, known := b.state.Entries[rel]

	if d.IsDir() {
		if len(b.cfg.Include) > 0 || (known && !prev.Deleted && prev.Kind == change.KindDir) {
			return nil
		}
		b.record(change.OpWrite, change.Resource{Path: rel, Kind: change.KindDir, ModTime: info.ModTime()}, prev)
		return nil
	}

	if info.Size() > b.cfg.MaxFileSize {
		b.log.Warn("local skip large file", "path", rel, "size", humanize.Bytes(uint64(info.Size())), "max", humanize.Bytes(uint64(b.cfg.MaxFileSize)))
		return nil
	}
	hash, err := b.hash(path, info)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if known && !prev.Deleted && prev.Kind == change.KindFile && prev.Hash == hash {
		return nil
	}

	b.record(change.OpWrite, change.Resource{
		Path:    rel,
		Kind:    change.KindFile,
		Hash:    hash,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, prev)
	return nil
}

// record stamps a local change. Caller holds mu.
func (b *Backend) record(op change.Op, res change.Resource, prev entry) {
	rec := b.clock.Stamp(op, res, prev.Version, nil)
	b.state.Counter = rec.Stamp
	b.state.Log[res.Path] = rec
	b.state.Entries[res.Path] = entry{
		Kind:    res.Kind,
		Hash:    res.Hash,
		Version: rec.Version(),
		Deleted: op == change.OpDelete,
	}
	b.log.Debug("local change", "record", rec.Key(), "op", op, "path", res.Path)
}

// withContent attaches file contents. It reports false when the file has
// moved on since the record was made; a later record describes it.
func (b *Backend) withContent(rec change.Record) (change.Record, bool, error) {
	if rec.Op != change.OpWrite || rec.Resource.Kind != change.KindFile {
		return rec, true, nil
	}

	data, err := os.ReadFile(b.abs(rec.Resource.Path))
	if errors.Is(err, fs.ErrNotExist) {
		return rec, false, nil
	} else if err != nil {
		return rec, false, err
	}
	if utils.BytesHash(data) != rec.Resource.Hash {
		return rec, false, nil
	}
	rec.Content = data
	return rec, true, nil
}

// Push materializes a change from another device
func (b *Backend) Push(ctx context.Context, rec change.Record) (iface.PushResult, error) {
	rel, err := change.CleanPath(rec.Resource.Path)
	if err != nil {
		return iface.Rejected, nil
	}
	isDir := rec.Resource.Kind == change.KindDir
	if !b.filter.Allows(rel, isDir) {
		return iface.Rejected, nil
	}
	if rec.Op == change.OpWrite && !isDir && utils.BytesHash(rec.Content) != rec.Resource.Hash {
		b.log.Warn("local push hash mismatch", "record", rec.Key(), "path", rel)
		return iface.Rejected, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.abs(rel)
	prev := b.state.Entries[rel]
	if dirty, err := b.locallyModified(path, prev); err != nil {
		return iface.Rejected, iface.Transient(err)
	} else if dirty {
		// an unscanned local edit, the next pull reports it as concurrent
		b.log.Info("local push deferred to local edit", "record", rec.Key(), "path", rel)
		return iface.Rejected, nil
	}

	if own, ok := b.state.Log[rel]; ok && !rec.Version().Includes(own.Origin, own.Stamp) {
		b.log.Info("local push concurrent with own change", "record", rec.Key(), "own", own.Key(), "path", rel)
		return iface.Rejected, nil
	}

	if b.watcher != nil {
		b.watcher.IgnoreOnce(path)
	}

	switch {
	case rec.Op == change.OpDelete && isDir:
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			// not empty: something below still lives here
			return iface.Rejected, nil
		}
	case rec.Op == change.OpDelete:
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return iface.Rejected, iface.Transient(err)
		}
	case isDir:
		if err := os.MkdirAll(path, 0o755); err != nil {
			return iface.Rejected, iface.Transient(err)
		}
	default:
		if err := utils.WriteFileAtomic(path, rec.Content, 0o644); err != nil {
			return iface.Rejected, iface.Transient(err)
		}
		if !rec.Resource.ModTime.IsZero() {
			if err := os.Chtimes(path, rec.Resource.ModTime, rec.Resource.ModTime); err != nil {
				b.log.Debug("local chtimes", "path", rel, "error", err)
			}
		}
	}

	b.state.Entries[rel] = entry{
		Kind:    rec.Resource.Kind,
		Hash:    rec.Resource.Hash,
		Version: prev.Version.Merge(rec.Version()),
		Deleted: rec.Op == change.OpDelete,
	}
	// the own record for this path no longer describes the file
	delete(b.state.Log, rel)
	if err := b.state.save(b.root); err != nil {
		return iface.Rejected, iface.Transient(err)
	}

	b.log.Debug("local push", "record", rec.Key(), "op", rec.Op, "path", rel)
	return iface.Ack, nil
}

// locallyModified reports whether the file on disk differs from the state
func (b *Backend) locallyModified(path string, prev entry) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return !prev.Deleted && prev.Kind == change.KindFile && prev.Hash != "", nil
	} else if err != nil {
		return false, err
	}
	if info.IsDir() {
		return false, nil
	}
	hash, err := b.hash(path, info)
	if err != nil {
		return false, err
	}
	return hash != prev.Hash, nil
}

func (b *Backend) hash(path string, info fs.FileInfo) (string, error) {
	key := hashKey{path: path, size: info.Size(), modTime: info.ModTime().UnixNano()}
	if h, ok := b.hashes.Get(key); ok {
		return h, nil
	}
	h, err := utils.FileHash(path)
	if err != nil {
		return "", err
	}
	b.hashes.Add(key, h)
	return h, nil
}

func (b *Backend) abs(rel string) string {
	return filepath.Join(b.root, filepath.FromSlash(rel))
}

func (b *Backend) acceptEvent(path string) bool {
	rel, err := utils.ToSlashRel(b.root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return false
	}
	return !strings.HasPrefix(rel, stateDirName+"/") && rel != stateDirName &&
		!b.filter.ignore.MatchesPath(rel)
}

var _ iface.Backend = (*Backend)(nil)
