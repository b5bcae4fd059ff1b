// Package queue provides the FIFO containers shared between cores and
// devices. Both types are safe for concurrent use.
package queue

import (
	"fmt"
	"sync"
)

// Queue is a FIFO of handles. It holds values, not ownership: when T is a
// pointer the caller keeps owning the pointee.
type Queue[T any] struct {
	mu sync.Mutex

	items []T
	head  int
	limit int
}

// New returns an unbounded queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

// NewBounded returns a queue that holds at most limit entries.
func NewBounded[T any](limit int) (*Queue[T], error) {
	if limit <= 0 {
		return nil, fmt.Errorf("queue: invalid limit %d", limit)
	}
	return &Queue[T]{limit: limit}, nil
}

// Enqueue appends v. It reports false when a bounded queue is full.
func (q *Queue[T]) Enqueue(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.limit > 0 && len(q.items)-q.head >= q.limit {
		return false
	}
	q.items = append(q.items, v)
	return true
}

// Dequeue removes the oldest entry. On an empty queue it returns the zero
// value and false.
func (q *Queue[T]) Dequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.head == len(q.items) {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++

	// compact once the dead prefix dominates
	if q.head > 32 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return v, true
}

// Peek returns the oldest entry without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == len(q.items) {
		var zero T
		return zero, false
	}
	return q.items[q.head], true
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Drain removes and returns every entry in FIFO order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, len(q.items)-q.head)
	copy(out, q.items[q.head:])
	q.items = q.items[:0]
	q.head = 0
	return out
}
