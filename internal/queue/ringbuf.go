package queue

import (
	"fmt"
	"sync"
)

// RingBuffer is a fixed-capacity circular byte buffer.
type RingBuffer struct {
	mu sync.Mutex

	buf   []byte
	start int
	n     int
}

// NewRingBuffer allocates a ring of the given capacity.
func NewRingBuffer(capacity int) (*RingBuffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ringbuf: invalid capacity %d", capacity)
	}
	return &RingBuffer{buf: make([]byte, capacity)}, nil
}

func (r *RingBuffer) Capacity() int { return len(r.buf) }

// Len returns the number of unread bytes.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Free returns the remaining write capacity.
func (r *RingBuffer) Free() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf) - r.n
}

// Write copies as much of p as fits and returns the count. Bytes beyond the
// free space are dropped.
func (r *RingBuffer) Write(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if free := len(r.buf) - r.n; len(p) > free {
		p = p[:free]
	}
	end := (r.start + r.n) % len(r.buf)
	first := copy(r.buf[end:], p)
	copy(r.buf, p[first:])
	r.n += len(p)
	return len(p)
}

// WriteByte appends one byte. It fails when the ring is full.
func (r *RingBuffer) WriteByte(c byte) error {
	if r.Write([]byte{c}) == 0 {
		return fmt.Errorf("ringbuf: full")
	}
	return nil
}

func (r *RingBuffer) peek(p []byte) int {
	n := min(len(p), r.n)
	first := copy(p[:n], r.buf[r.start:])
	if first < n {
		copy(p[first:n], r.buf)
	}
	return n
}

// Peek copies up to len(p) unread bytes without consuming them.
func (r *RingBuffer) Peek(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peek(p)
}

// Read consumes up to len(p) bytes, clamped to Len.
func (r *RingBuffer) Read(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.peek(p)
	r.discard(n)
	return n
}

// Pop consumes a single byte.
func (r *RingBuffer) Pop() (byte, bool) {
	var b [1]byte
	if r.Read(b[:]) == 0 {
		return 0, false
	}
	return b[0], true
}

// Delete discards up to n unread bytes and returns how many were dropped.
func (r *RingBuffer) Delete(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n = min(max(n, 0), r.n)
	r.discard(n)
	return n
}

func (r *RingBuffer) discard(n int) {
	r.start = (r.start + n) % len(r.buf)
	r.n -= n
	if r.n == 0 {
		r.start = 0
	}
}

// Reset drops all buffered data.
func (r *RingBuffer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start = 0
	r.n = 0
}
