// Package decode bounds concurrent decoder submissions and feeds reassembled
// frames through an external decoder into a frame cache.
package decode

import (
	"context"
	"sync"

	"github.com/gammazero/deque"
)

const (
	MinLimit = 1
	MaxLimit = 3
)

// LimitForFrameRate returns the in-flight decode limit for a stream frame
// rate. High frame rate streams get one extra slot.
func LimitForFrameRate(fps int) int {
	if fps >= 120 {
		return 3
	}
	return 2
}

func clampLimit(n int) int {
	return min(max(n, MinLimit), MaxLimit)
}

type waiter struct {
	ready chan struct{}
}

// AdmissionController is a counting semaphore with FIFO waiters and an
// adjustable limit.
type AdmissionController struct {
	mu       sync.Mutex
	limit    int
	inFlight int
	waiters  deque.Deque[*waiter]
}

// NewAdmissionController creates a controller admitting up to limit
// concurrent submissions, clamped to [MinLimit, MaxLimit].
func NewAdmissionController(limit int) *AdmissionController {
	return &AdmissionController{limit: clampLimit(limit)}
}

// Acquire blocks until a slot is free or ctx is done. Waiters are admitted
// in arrival order.
func (c *AdmissionController) Acquire(ctx context.Context) error {
	c.mu.Lock()
	if c.inFlight < c.limit && c.waiters.Len() == 0 {
		c.inFlight++
		c.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	c.waiters.PushBack(w)
	c.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	c.mu.Lock()
	if i := c.waiters.Index(func(x *waiter) bool { return x == w }); i >= 0 {
		c.waiters.Remove(i)
		c.mu.Unlock()
		return ctx.Err()
	}
	c.mu.Unlock()

	// Granted concurrently with cancellation; hand the slot on.
	c.Release()
	return ctx.Err()
}

// TryAcquire takes a slot if one is free without waiting.
func (c *AdmissionController) TryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight < c.limit && c.waiters.Len() == 0 {
		c.inFlight++
		return true
	}
	return false
}

// Release frees a slot and admits waiters the limit allows.
func (c *AdmissionController) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight == 0 {
		panic("decode: Release without Acquire")
	}
	c.inFlight--
	c.grantLocked()
}

// SetLimit changes the limit, clamped to [MinLimit, MaxLimit]. In-flight
// submissions are never revoked; a raised limit admits waiters at once.
func (c *AdmissionController) SetLimit(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limit = clampLimit(n)
	c.grantLocked()
}

func (c *AdmissionController) grantLocked() {
	for c.inFlight < c.limit && c.waiters.Len() > 0 {
		w := c.waiters.PopFront()
		c.inFlight++
		close(w.ready)
	}
}

// Limit returns the current limit.
func (c *AdmissionController) Limit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}

// InFlight returns the number of admitted, unreleased submissions.
func (c *AdmissionController) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Waiting returns the number of blocked Acquire calls.
func (c *AdmissionController) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters.Len()
}
