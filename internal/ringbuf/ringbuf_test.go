package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRoundsToPowerOfTwo(t *testing.T) {
	t.Parallel()

	cases := map[int]int{0: 1, 1: 1, 2: 2, 3: 4, 5: 8, 8: 8, 9: 16}
	for min, want := range cases {
		assert.Equal(t, want, New[int](min).Cap(), "min=%d", min)
	}
}

func TestFIFOOrder(t *testing.T) {
	t.Parallel()

	r := New[int](4)
	for i := 0; i < 100; i++ {
		r.Append(i)
	}
	require.Equal(t, 100, r.Len())
	for i := 0; i < 100; i++ {
		v, ok := r.PopFront()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	_, ok := r.PopFront()
	assert.False(t, ok)
}

func TestGrowPreservesOrderAcrossWrap(t *testing.T) {
	t.Parallel()

	r := New[int](4)
	for i := 0; i < 4; i++ {
		r.Append(i)
	}
	// Advance head so the live region wraps before growth.
	r.PopFront()
	r.PopFront()
	r.Append(4)
	r.Append(5)
	require.Equal(t, 4, r.Cap())

	r.Append(6)
	assert.Equal(t, 8, r.Cap())

	assert.Equal(t, []int{2, 3, 4, 5, 6}, r.Drain())
}

func TestCapacityNeverShrinks(t *testing.T) {
	t.Parallel()

	r := New[int](2)
	for i := 0; i < 9; i++ {
		r.Append(i)
	}
	require.Equal(t, 16, r.Cap())
	for r.Len() > 0 {
		r.PopFront()
	}
	assert.Equal(t, 16, r.Cap())
}

func TestPopClearsSlot(t *testing.T) {
	t.Parallel()

	r := New[*[]byte](2)
	big := make([]byte, 1<<20)
	r.Append(&big)
	r.PopFront()
	for _, slot := range r.buf {
		assert.Nil(t, slot)
	}
}

func TestRemoveFirst(t *testing.T) {
	t.Parallel()

	r := New[string](4)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		r.Append(s)
	}
	assert.Equal(t, 2, r.RemoveFirst(2))
	v, _ := r.Front()
	assert.Equal(t, "c", v)
	assert.Equal(t, 3, r.RemoveFirst(10))
	assert.Equal(t, 0, r.Len())
	for _, slot := range r.buf {
		assert.Empty(t, slot)
	}
}

func TestDrainAfterPartialPops(t *testing.T) {
	t.Parallel()

	r := New[int](4)
	for i := 1; i <= 6; i++ {
		r.Append(i)
	}
	r.PopFront()
	r.PopFront()

	capBefore := r.Cap()
	assert.Equal(t, []int{3, 4, 5, 6}, r.Drain())
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, capBefore, r.Cap())
	assert.Nil(t, r.Drain())

	r.Append(7)
	assert.Equal(t, 7, r.At(0))
}

func TestAtPanicsOutOfRange(t *testing.T) {
	t.Parallel()

	r := New[int](1)
	r.Append(1)
	assert.Panics(t, func() { r.At(1) })
}
