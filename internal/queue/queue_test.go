package queue

import (
	"sync"
	"testing"
)

func TestQueueFIFO(t *testing.T) {
	q := New[int]()
	for i := 0; i < 100; i++ {
		q.Enqueue(i)
	}
	for i := 0; i < 100; i++ {
		v, ok := q.Dequeue()
		if !ok || v != i {
			t.Fatalf("dequeue %d = %d, %v", i, v, ok)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("len = %d after draining", q.Len())
	}
}

func TestQueueEmptySentinel(t *testing.T) {
	q := New[*int]()
	v, ok := q.Dequeue()
	if ok || v != nil {
		t.Fatalf("empty dequeue = %v, %v", v, ok)
	}

	x := 42
	q.Enqueue(&x)
	got, ok := q.Dequeue()
	if !ok || got != &x {
		t.Fatalf("dequeue after enqueue returned %v, %v", got, ok)
	}
	if _, ok := q.Peek(); ok {
		t.Fatalf("peek on empty queue succeeded")
	}
}

func TestQueueBounded(t *testing.T) {
	q, err := NewBounded[string](2)
	if err != nil {
		t.Fatalf("new bounded: %v", err)
	}
	if !q.Enqueue("a") || !q.Enqueue("b") {
		t.Fatalf("enqueue within limit failed")
	}
	if q.Enqueue("c") {
		t.Fatalf("enqueue beyond limit succeeded")
	}
	if v, _ := q.Peek(); v != "a" {
		t.Fatalf("peek = %q", v)
	}
	if got := q.Drain(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("drain = %v", got)
	}
	if _, err := NewBounded[int](0); err == nil {
		t.Fatalf("expected error for zero limit")
	}
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := New[int]()
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				q.Enqueue(base + i)
			}
		}(p * 1000)
	}
	wg.Wait()

	seen := make(map[int]bool)
	last := map[int]int{0: -1, 1: -1, 2: -1, 3: -1}
	for {
		v, ok := q.Dequeue()
		if !ok {
			break
		}
		producer := v / 1000
		if v%1000 <= last[producer] {
			t.Fatalf("producer %d order violated at %d", producer, v)
		}
		last[producer] = v % 1000
		seen[v] = true
	}
	if len(seen) != 1000 {
		t.Fatalf("saw %d entries, want 1000", len(seen))
	}
}
