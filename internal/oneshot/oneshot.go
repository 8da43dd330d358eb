// Package oneshot bridges callback-style completion into a value a goroutine
// can wait on. The first Fulfill wins; later calls are reported and ignored,
// since some callback sources fire more than once.
package oneshot

import (
	"context"
	"sync"
)

// Promise is a single-assignment result.
type Promise[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// New returns an unfulfilled Promise.
func New[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Fulfill stores the result and wakes all waiters. It returns false if the
// promise was already fulfilled.
func (p *Promise[T]) Fulfill(v T, err error) bool {
	fulfilled := false
	p.once.Do(func() {
		p.val = v
		p.err = err
		close(p.done)
		fulfilled = true
	})
	return fulfilled
}

// Done is closed once the promise is fulfilled.
func (p *Promise[T]) Done() <-chan struct{} { return p.done }

// Wait blocks until the promise is fulfilled or ctx is done.
func (p *Promise[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.val, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
