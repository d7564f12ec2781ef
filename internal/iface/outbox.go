package iface

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/openmined/qbsync/internal/change"
	"github.com/openmined/qbsync/internal/queue"
)

// Item is a record with the sequence the master accepted it at
type Item struct {
	Seq    uint64
	Record change.Record
}

// Outbox holds the records accepted for one interface until its worker
// delivers them. Records leave in acceptance order.
//
// A record whose push keeps failing is parked, and the ones behind it carry
// on. A parked record is dropped once a later record for the same path is
// delivered.
type Outbox struct {
	q    *queue.PriorityQueue[Item]
	wake chan struct{}

	mu     sync.Mutex
	done   uint64
	parked map[string]Item
}

func NewOutbox() *Outbox {
	return &Outbox{
		q:      queue.NewPriorityQueue[Item](),
		wake:   make(chan struct{}, 1),
		parked: make(map[string]Item),
	}
}

// Put never blocks. seq is the master's acceptance sequence.
func (o *Outbox) Put(seq uint64, rec change.Record) {
	o.q.Enqueue(Item{Seq: seq, Record: rec}, int64(seq))
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// TryNext returns the next pending item without waiting
func (o *Outbox) TryNext() (Item, bool) {
	return o.q.Dequeue()
}

// Ready fires after a Put
func (o *Outbox) Ready() <-chan struct{} {
	return o.wake
}

// Next blocks until an item is available or ctx ends
func (o *Outbox) Next(ctx context.Context) (Item, error) {
	for {
		if item, ok := o.TryNext(); ok {
			return item, nil
		}
		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-o.wake:
		}
	}
}

// Done settles item, delivered or refused by the backend
func (o *Outbox) Done(item Item) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.done = max(o.done, item.Seq)
	path := item.Record.Resource.Path
	if p, ok := o.parked[path]; ok && p.Seq <= item.Seq {
		delete(o.parked, path)
	}
}

// Park keeps item for a later retry
func (o *Outbox) Park(item Item) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.done = max(o.done, item.Seq)
	path := item.Record.Resource.Path
	if p, ok := o.parked[path]; ok && p.Seq > item.Seq {
		return
	}
	o.parked[path] = item
}

// Parked returns the parked items, oldest first
func (o *Outbox) Parked() []Item {
	o.mu.Lock()
	defer o.mu.Unlock()

	items := make([]Item, 0, len(o.parked))
	for _, item := range o.parked {
		items = append(items, item)
	}
	slices.SortFunc(items, func(a, b Item) int { return cmp.Compare(a.Seq, b.Seq) })
	return items
}

// Cursor is the highest sequence below which every item was settled.
// Parked items hold it back.
func (o *Outbox) Cursor() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	cursor := o.done
	for _, item := range o.parked {
		cursor = min(cursor, item.Seq-1)
	}
	return cursor
}

func (o *Outbox) Len() int {
	return o.q.Len()
}

// Drain empties the outbox and returns what was pending
func (o *Outbox) Drain() []Item {
	return o.q.DequeueAll()
}
