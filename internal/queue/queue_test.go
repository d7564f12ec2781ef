package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityQueue_Order(t *testing.T) {
	pq := NewPriorityQueue[string]()
	pq.Enqueue("low", 10)
	pq.Enqueue("high", 1)
	pq.Enqueue("mid", 5)

	for _, want := range []string{"high", "mid", "low"} {
		v, ok := pq.Dequeue()
		require.True(t, ok)
		assert.Equal(t, want, v)
	}

	_, ok := pq.Dequeue()
	assert.False(t, ok)
}

func TestPriorityQueue_EqualPrioritiesFIFO(t *testing.T) {
	pq := NewPriorityQueue[int]()
	for i := range 5 {
		pq.Enqueue(i, 7)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, pq.DequeueAll())
}

func TestPriorityQueue_Peek(t *testing.T) {
	pq := NewPriorityQueue[string]()
	_, ok := pq.Peek()
	assert.False(t, ok)

	pq.Enqueue("b", 2)
	pq.Enqueue("a", 1)

	v, ok := pq.Peek()
	require.True(t, ok)
	assert.Equal(t, "a", v)
	assert.Equal(t, 2, pq.Len())
}

func TestPriorityQueue_ConcurrentEnqueue(t *testing.T) {
	pq := NewPriorityQueue[int]()
	var wg sync.WaitGroup

	for i := range 100 {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			pq.Enqueue(v, int64(v))
		}(i)
	}
	wg.Wait()

	all := pq.DequeueAll()
	require.Len(t, all, 100)
	for i, v := range all {
		assert.Equal(t, i, v)
	}
}
