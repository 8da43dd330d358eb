package render

import (
	"context"
	"sync"

	"github.com/zsiec/beam/internal/ringbuf"
)

// DrawLoop is a Dispatcher that runs queued work in order on the goroutine
// calling Run.
type DrawLoop struct {
	mu     sync.Mutex
	queue  *ringbuf.RingBuffer[func()]
	notify chan struct{}
}

// NewDrawLoop returns an idle DrawLoop.
func NewDrawLoop() *DrawLoop {
	return &DrawLoop{
		queue:  ringbuf.New[func()](16),
		notify: make(chan struct{}, 1),
	}
}

// Dispatch queues fn. It never blocks.
func (l *DrawLoop) Dispatch(fn func()) {
	l.mu.Lock()
	l.queue.Append(fn)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued functions.
func (l *DrawLoop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.Len()
}

// RunPending runs every function queued so far, plus any they queue, and
// returns how many ran.
func (l *DrawLoop) RunPending() int {
	n := 0
	for {
		l.mu.Lock()
		fn, ok := l.queue.PopFront()
		l.mu.Unlock()
		if !ok {
			return n
		}
		fn()
		n++
	}
}

// Run executes queued functions until ctx is done.
func (l *DrawLoop) Run(ctx context.Context) error {
	for {
		l.RunPending()
		select {
		case <-l.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
