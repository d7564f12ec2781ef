// Package devtable tracks, per device, the highest change stamp observed and,
// per resource, the record that last wrote it. It filters replays and detects
// concurrent writes; it never arbitrates them.
package devtable

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/openmined/qbsync/internal/change"
)

type Outcome int

const (
	Accepted Outcome = iota
	Stale
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Stale:
		return "stale"
	case Conflict:
		return "conflict"
	default:
		return fmt.Sprintf("Outcome(%d)", o)
	}
}

type Result struct {
	Outcome Outcome
	// Seq is the acceptance sequence of a record that became the head
	Seq uint64
	// Rival is the head the record conflicts with
	Rival *change.Record
}

// Change is a head together with the sequence it was accepted at
type Change struct {
	Seq    uint64
	Record change.Record
}

type Stats struct {
	Devices   int    `json:"devices"`
	Resources int    `json:"resources"`
	Accepted  uint64 `json:"accepted"`
	Stale     uint64 `json:"stale"`
	Conflicts uint64 `json:"conflicts"`
}

// Table is mutated by a single owner. Readers on other goroutines are safe.
//
// Every head that is set takes the next acceptance sequence. The current
// version of each resource, content included, stays retrievable through
// Since so an interface that missed changes can catch up. With a store the
// contents live in the store only.
type Table struct {
	store   Store
	devices map[change.DeviceID]uint64
	heads   map[string]Change
	seq     uint64
	stats   Stats
	mu      sync.RWMutex
}

// New returns an empty table that is not persisted
func New() *Table {
	return &Table{
		devices: make(map[change.DeviceID]uint64),
		heads:   make(map[string]Change),
	}
}

// Open restores a table from store. Every later mutation is written through.
func Open(ctx context.Context, store Store) (*Table, error) {
	snap, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device table: %w", err)
	}

	t := New()
	t.store = store
	maps.Copy(t.devices, snap.Devices)
	for path, rec := range snap.Heads {
		t.heads[path] = Change{Record: stripped(rec)}
	}
	t.seq = snap.Seq
	return t, nil
}

// Apply records rec. Stale records leave the table untouched. A conflicting
// record still advances its device stamp; the current head stays until
// Promote is called.
func (t *Table) Apply(ctx context.Context, rec change.Record) (Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec.Stamp <= t.devices[rec.Origin] {
		t.stats.Stale++
		return Result{Outcome: Stale}, nil
	}

	res := Result{Outcome: Accepted, Seq: t.seq + 1}
	if head, ok := t.heads[rec.Resource.Path]; ok && concurrent(head.Record, rec) {
		rival := stripped(head.Record)
		res = Result{Outcome: Conflict, Rival: &rival}
	}

	if t.store != nil {
		err := t.store.Commit(ctx, Commit{
			Record:   rec,
			Seq:      res.Seq,
			SetHead:  res.Outcome == Accepted,
			Conflict: res.Outcome == Conflict,
		})
		if err != nil {
			return Result{}, fmt.Errorf("persist %s: %w", rec, err)
		}
	}

	t.devices[rec.Origin] = rec.Stamp
	switch res.Outcome {
	case Accepted:
		t.seq = res.Seq
		t.heads[rec.Resource.Path] = Change{Seq: res.Seq, Record: t.retained(rec)}
		t.stats.Accepted++
	case Conflict:
		t.stats.Conflicts++
	}
	return res, nil
}

// Promote makes rec the head of its resource, after a conflict was resolved
// in its favour. It returns the acceptance sequence rec takes.
func (t *Table) Promote(ctx context.Context, rec change.Record) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seq := t.seq + 1
	if t.store != nil {
		if err := t.store.SetHead(ctx, rec, seq); err != nil {
			return 0, fmt.Errorf("promote %s: %w", rec, err)
		}
	}
	t.seq = seq
	t.heads[rec.Resource.Path] = Change{Seq: seq, Record: t.retained(rec)}
	return seq, nil
}

// Since returns the heads accepted after seq, oldest first, with content
func (t *Table) Since(ctx context.Context, seq uint64) ([]Change, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.store != nil {
		changes, err := t.store.Since(ctx, seq)
		if err != nil {
			return nil, fmt.Errorf("heads since %d: %w", seq, err)
		}
		return changes, nil
	}

	var changes []Change
	for _, head := range t.heads {
		if head.Seq > seq {
			changes = append(changes, head)
		}
	}
	slices.SortFunc(changes, func(a, b Change) int { return cmp.Compare(a.Seq, b.Seq) })
	return changes, nil
}

// Seq is the last acceptance sequence handed out
func (t *Table) Seq() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seq
}

// Stamp returns the highest stamp observed from d
func (t *Table) Stamp(d change.DeviceID) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.devices[d]
}

func (t *Table) Head(path string) (change.Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	head, ok := t.heads[path]
	return stripped(head.Record), ok
}

func (t *Table) Devices() map[change.DeviceID]uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.devices)
}

func (t *Table) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.stats
	s.Devices = len(t.devices)
	s.Resources = len(t.heads)
	return s
}

// concurrent reports whether rec was written without knowledge of head and
// disagrees with it
func concurrent(head, rec change.Record) bool {
	if head.Origin == rec.Origin {
		return false
	}
	if rec.Base.Includes(head.Origin, head.Stamp) {
		return false
	}
	return head.Hash() != rec.Hash() || head.Op != rec.Op
}

// retained is what the in-memory head keeps of rec
func (t *Table) retained(rec change.Record) change.Record {
	if t.store != nil {
		return stripped(rec)
	}
	return rec
}

func stripped(rec change.Record) change.Record {
	rec.Content = nil
	return rec
}
