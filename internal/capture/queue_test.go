package capture

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameQueueDropsOldest(t *testing.T) {
	t.Parallel()

	q := NewFrameQueue(2)
	assert.False(t, q.Push(Frame{Timestamp: 1}))
	assert.False(t, q.Push(Frame{Timestamp: 2}))
	assert.True(t, q.Push(Frame{Timestamp: 3}))
	assert.Equal(t, uint64(1), q.Dropped())

	ctx := context.Background()
	f, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), f.Timestamp)
	f, err = q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), f.Timestamp)
}

func TestFrameQueueNextBlocks(t *testing.T) {
	t.Parallel()

	q := NewFrameQueue(4)
	got := make(chan Frame, 1)
	go func() {
		f, err := q.Next(context.Background())
		if err == nil {
			got <- f
		}
	}()

	select {
	case <-got:
		t.Fatal("Next returned before a frame was pushed")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push(Frame{Timestamp: 42})
	select {
	case f := <-got:
		assert.Equal(t, uint64(42), f.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake")
	}
}

func TestFrameQueueNextContext(t *testing.T) {
	t.Parallel()

	q := NewFrameQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFrameQueueResizeAndFlush(t *testing.T) {
	t.Parallel()

	q := NewFrameQueue(5)
	for i := 0; i < 5; i++ {
		q.Push(Frame{Timestamp: uint64(i)})
	}
	q.Resize(2)
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 2, q.Depth())
	assert.Equal(t, uint64(3), q.Dropped())

	f, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), f.Timestamp)

	assert.Equal(t, 1, q.Flush())
	assert.Equal(t, 0, q.Len())
}

func TestFrameQueueClose(t *testing.T) {
	t.Parallel()

	q := NewFrameQueue(1)
	errc := make(chan error, 1)
	go func() {
		_, err := q.Next(context.Background())
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	q.Close()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("Close did not wake reader")
	}
	assert.True(t, q.Push(Frame{}))
}
