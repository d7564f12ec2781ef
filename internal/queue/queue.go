// Package queue implements a thread-safe generic min-priority queue.
package queue

import (
	"container/heap"
	"sync"
)

type item[T any] struct {
	value    T
	priority int64
	seq      uint64
}

// items is ordered by priority, then insertion order, so equal priorities
// dequeue first-in first-out
type items[T any] []*item[T]

func (h items[T]) Len() int { return len(h) }

func (h items[T]) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h items[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *items[T]) Push(x any) { *h = append(*h, x.(*item[T])) }

func (h *items[T]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// PriorityQueue dequeues lower priorities first
type PriorityQueue[T any] struct {
	heap items[T]
	seq  uint64
	mu   sync.Mutex
}

func NewPriorityQueue[T any]() *PriorityQueue[T] {
	return &PriorityQueue[T]{}
}

func (pq *PriorityQueue[T]) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.heap.Len()
}

func (pq *PriorityQueue[T]) Enqueue(value T, priority int64) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	pq.seq++
	heap.Push(&pq.heap, &item[T]{value: value, priority: priority, seq: pq.seq})
}

// Dequeue removes the lowest priority value
func (pq *PriorityQueue[T]) Dequeue() (T, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.heap.Len() == 0 {
		var zero T
		return zero, false
	}
	return heap.Pop(&pq.heap).(*item[T]).value, true
}

// Peek returns the lowest priority value without removing it
func (pq *PriorityQueue[T]) Peek() (T, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.heap.Len() == 0 {
		var zero T
		return zero, false
	}
	return pq.heap[0].value, true
}

// DequeueAll drains the queue in priority order
func (pq *PriorityQueue[T]) DequeueAll() []T {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	out := make([]T, 0, pq.heap.Len())
	for pq.heap.Len() > 0 {
		out = append(out, heap.Pop(&pq.heap).(*item[T]).value)
	}
	return out
}
