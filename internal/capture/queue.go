package capture

import (
	"context"
	"errors"
	"sync"

	"github.com/zsiec/beam/internal/ringbuf"
)

// ErrQueueClosed is returned by Next after Close.
var ErrQueueClosed = errors.New("capture: frame queue closed")

// Frame is one captured picture.
type Frame struct {
	Data       []byte
	Width      int
	Height     int
	Timestamp  uint64 // microseconds
	Generation uint64
}

// FrameQueue hands captured frames to the encoder. When full, the oldest
// frame is dropped so the encoder always works on the freshest picture.
type FrameQueue struct {
	mu      sync.Mutex
	frames  *ringbuf.RingBuffer[Frame]
	depth   int
	dropped uint64
	closed  bool
	notify  chan struct{}
	done    chan struct{}
}

// NewFrameQueue creates a queue holding at most depth frames.
func NewFrameQueue(depth int) *FrameQueue {
	depth = max(depth, 1)
	return &FrameQueue{
		frames: ringbuf.New[Frame](depth),
		depth:  depth,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push adds f, dropping the oldest frame if the queue is full. It reports
// whether a frame was dropped.
func (q *FrameQueue) Push(f Frame) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return true
	}
	dropped := false
	if q.frames.Len() >= q.depth {
		q.frames.PopFront()
		q.dropped++
		dropped = true
	}
	q.frames.Append(f)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Next blocks until a frame is available, ctx is done or the queue closes.
func (q *FrameQueue) Next(ctx context.Context) (Frame, error) {
	for {
		q.mu.Lock()
		if f, ok := q.frames.PopFront(); ok {
			q.mu.Unlock()
			return f, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Frame{}, ErrQueueClosed
		}

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// Resize changes the depth, dropping the oldest frames if the queue now
// holds too many.
func (q *FrameQueue) Resize(depth int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.depth = max(depth, 1)
	if excess := q.frames.Len() - q.depth; excess > 0 {
		q.dropped += uint64(q.frames.RemoveFirst(excess))
	}
}

// Flush discards all queued frames, for example after a restart so the
// encoder does not see pictures from the previous session.
func (q *FrameQueue) Flush() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames.Drain())
}

// Close wakes blocked readers and rejects further frames.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.frames.Len()
}

// Depth returns the configured depth.
func (q *FrameQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

// Dropped returns how many frames were discarded for lack of room.
func (q *FrameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
