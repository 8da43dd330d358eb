package render

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingDrawable struct {
	mu    sync.Mutex
	draws map[Key]int
}

func newCountingDrawable() *countingDrawable {
	return &countingDrawable{draws: make(map[Key]int)}
}

func (d *countingDrawable) Draw(key Key) {
	d.mu.Lock()
	d.draws[key]++
	d.mu.Unlock()
}

func (d *countingDrawable) count(key Key) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.draws[key]
}

func TestBurstCoalescesToTwoDraws(t *testing.T) {
	t.Parallel()

	loop := NewDrawLoop()
	s := NewScheduler(loop, nil)
	d := newCountingDrawable()
	s.Register(d, 1)

	for i := 0; i < 5; i++ {
		assert.True(t, s.SignalFrame(1))
	}
	assert.Equal(t, 1, loop.Pending(), "only one draw is queued per key")

	loop.RunPending()
	assert.Equal(t, 2, d.count(1))
	assert.Equal(t, uint64(4), s.Stats().Coalesced)
	assert.Equal(t, 0, loop.Pending())
}

func TestSignalsDuringDrawCoalesce(t *testing.T) {
	t.Parallel()

	loop := NewDrawLoop()
	s := NewScheduler(loop, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	var draws atomic.Int32
	s.Register(DrawableFunc(func(Key) {
		if draws.Add(1) == 1 {
			close(entered)
			<-release
		}
	}), 7)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	s.SignalFrame(7)
	<-entered
	for i := 0; i < 5; i++ {
		s.SignalFrame(7)
	}
	close(release)

	require.Eventually(t, func() bool { return draws.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), draws.Load())

	// The key is idle again: a new signal draws once more.
	s.SignalFrame(7)
	require.Eventually(t, func() bool { return draws.Load() == 3 }, time.Second, time.Millisecond)
}

func TestSingleSignalDrawsOnce(t *testing.T) {
	t.Parallel()

	s := NewScheduler(nil, nil)
	d := newCountingDrawable()
	s.Register(d, 1)

	s.SignalFrame(1)
	s.SignalFrame(1)
	assert.Equal(t, 2, d.count(1), "inline draws complete before the next signal")
}

func TestUnregisteredKey(t *testing.T) {
	t.Parallel()

	s := NewScheduler(nil, nil)
	assert.False(t, s.SignalFrame(3))

	d := newCountingDrawable()
	s.Register(d, 3)
	s.Unregister(3)
	assert.False(t, s.SignalFrame(3))
	assert.Equal(t, 0, d.count(3))
	assert.Equal(t, 0, s.Registered())
}

func TestDestroyedConsumerIsPurged(t *testing.T) {
	t.Parallel()

	loop := NewDrawLoop()
	s := NewScheduler(loop, nil)
	d := newCountingDrawable()
	h := s.Register(d, 1)
	require.True(t, h.Valid())

	s.Destroy(h)
	assert.Equal(t, 1, s.Registered(), "purge is lazy")
	assert.False(t, s.SignalFrame(1))
	assert.Equal(t, 0, s.Registered())
	assert.Equal(t, uint64(1), s.Stats().Purged)
	assert.Equal(t, 0, loop.Pending())
}

func TestDestroyWhileDrawPending(t *testing.T) {
	t.Parallel()

	loop := NewDrawLoop()
	s := NewScheduler(loop, nil)
	d := newCountingDrawable()
	h := s.Register(d, 1)

	s.SignalFrame(1)
	s.Destroy(h)
	loop.RunPending()

	assert.Equal(t, 0, d.count(1))
	assert.Equal(t, 0, s.Registered())
}

func TestStaleHandleDoesNotReleaseNewConsumer(t *testing.T) {
	t.Parallel()

	s := NewScheduler(nil, nil)
	first := newCountingDrawable()
	h1 := s.Register(first, 1)
	s.Unregister(1)

	second := newCountingDrawable()
	h2 := s.Register(second, 2)
	assert.NotEqual(t, h1, h2, "a reused slot gets a new generation")

	s.Destroy(h1)
	assert.True(t, s.SignalFrame(2))
	assert.Equal(t, 1, second.count(2))
}

func TestReregisterReplacesConsumer(t *testing.T) {
	t.Parallel()

	s := NewScheduler(nil, nil)
	a := newCountingDrawable()
	b := newCountingDrawable()
	s.Register(a, 1)
	s.Register(b, 1)

	s.SignalFrame(1)
	assert.Equal(t, 0, a.count(1))
	assert.Equal(t, 1, b.count(1))
}

func TestKeysAreIndependent(t *testing.T) {
	t.Parallel()

	loop := NewDrawLoop()
	s := NewScheduler(loop, nil)
	d := newCountingDrawable()
	s.Register(d, 1)
	s.Register(d, 2)

	for i := 0; i < 3; i++ {
		s.SignalFrame(1)
		s.SignalFrame(2)
	}
	assert.Equal(t, 2, loop.Pending())
	loop.RunPending()
	assert.Equal(t, 2, d.count(1))
	assert.Equal(t, 2, d.count(2))
}
