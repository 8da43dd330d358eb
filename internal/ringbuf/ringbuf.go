// Package ringbuf provides a growable circular FIFO used by the frame and
// decode queues. Storage is a power of two so index wrapping is a mask.
package ringbuf

// RingBuffer is a FIFO queue backed by a circular slice. The zero value is not
// usable; construct with New. It is not safe for concurrent use: owners guard
// it with their own lock.
type RingBuffer[T any] struct {
	buf   []T
	head  int
	count int
}

// New returns a RingBuffer whose backing store holds at least minCapacity
// elements, rounded up to a power of two.
func New[T any](minCapacity int) *RingBuffer[T] {
	return &RingBuffer[T]{buf: make([]T, roundPow2(minCapacity))}
}

func roundPow2(n int) int {
	c := 1
	for c < n {
		c <<= 1
	}
	return c
}

// Len returns the number of queued elements.
func (r *RingBuffer[T]) Len() int { return r.count }

// Cap returns the size of the backing store.
func (r *RingBuffer[T]) Cap() int { return len(r.buf) }

func (r *RingBuffer[T]) mask() int { return len(r.buf) - 1 }

// Append adds v at the back, doubling the backing store when full.
func (r *RingBuffer[T]) Append(v T) {
	if r.count == len(r.buf) {
		r.grow()
	}
	r.buf[(r.head+r.count)&r.mask()] = v
	r.count++
}

func (r *RingBuffer[T]) grow() {
	next := make([]T, len(r.buf)*2)
	n := copy(next, r.buf[r.head:])
	copy(next[n:], r.buf[:r.head])
	r.buf = next
	r.head = 0
}

// Front returns the oldest element without removing it.
func (r *RingBuffer[T]) Front() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	return r.buf[r.head], true
}

// At returns the i-th oldest element. It panics when i is out of range.
func (r *RingBuffer[T]) At(i int) T {
	if i < 0 || i >= r.count {
		panic("ringbuf: index out of range")
	}
	return r.buf[(r.head+i)&r.mask()]
}

// PopFront removes and returns the oldest element. The vacated slot is
// zeroed so the buffer no longer references the value.
func (r *RingBuffer[T]) PopFront() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) & r.mask()
	r.count--
	return v, true
}

// RemoveFirst drops up to n of the oldest elements and reports how many were
// removed.
func (r *RingBuffer[T]) RemoveFirst(n int) int {
	if n > r.count {
		n = r.count
	}
	var zero T
	for i := 0; i < n; i++ {
		r.buf[r.head] = zero
		r.head = (r.head + 1) & r.mask()
	}
	r.count -= n
	if r.count == 0 {
		r.head = 0
	}
	return n
}

// Drain removes every element and returns them oldest first. The backing
// store is kept for reuse.
func (r *RingBuffer[T]) Drain() []T {
	if r.count == 0 {
		return nil
	}
	out := make([]T, r.count)
	for i := range out {
		out[i], _ = r.PopFront()
	}
	r.head = 0
	return out
}
