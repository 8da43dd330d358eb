package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCooldownSchedule(t *testing.T) {
	t.Parallel()

	p := DefaultRestartPolicy
	assert.Equal(t, time.Duration(0), p.Cooldown(0))
	assert.Equal(t, 3*time.Second, p.Cooldown(1))
	assert.Equal(t, 6*time.Second, p.Cooldown(2))
	assert.Equal(t, 12*time.Second, p.Cooldown(3))
	assert.Equal(t, 18*time.Second, p.Cooldown(4))
	assert.Equal(t, 18*time.Second, p.Cooldown(100))

	prev := time.Duration(0)
	for s := 1; s <= 2000; s++ {
		c := p.Cooldown(s)
		assert.GreaterOrEqual(t, c, prev, "streak %d", s)
		assert.LessOrEqual(t, c, 18*time.Second)
		prev = c
	}
}

func TestShouldEscalate(t *testing.T) {
	t.Parallel()

	assert.False(t, ShouldEscalate(0, 3))
	assert.False(t, ShouldEscalate(2, 3))
	assert.True(t, ShouldEscalate(3, 3))
	assert.True(t, ShouldEscalate(4, 3))
	assert.False(t, ShouldEscalate(10, 0))
}

func TestQueueDepthBounds(t *testing.T) {
	t.Parallel()

	sizes := [][2]int{{0, 0}, {640, 480}, {1920, 1080}, {3840, 2160}, {5120, 2880}, {7680, 4320}}
	for _, wh := range sizes {
		for _, fps := range []int{0, 24, 30, 60, 120, 240} {
			for _, lm := range []LatencyMode{LatencyAuto, LatencyLowest, LatencySmoothest} {
				s := Settings{Width: wh[0], Height: wh[1], FrameRate: fps, Latency: lm}
				d := QueueDepth(s)
				assert.GreaterOrEqual(t, d, 1, "%+v", s)
				assert.LessOrEqual(t, d, 8, "%+v", s)
				assert.Greater(t, BufferPoolMinimum(s), d, "%+v", s)
			}
		}
	}
}

func TestQueueDepthBiases(t *testing.T) {
	t.Parallel()

	hd := Settings{Width: 1920, Height: 1080, FrameRate: 60}

	lowest, auto, smooth := hd, hd, hd
	lowest.Latency = LatencyLowest
	smooth.Latency = LatencySmoothest
	assert.Equal(t, 2, QueueDepth(lowest))
	assert.Equal(t, 4, QueueDepth(auto))
	assert.Equal(t, 5, QueueDepth(smooth))

	fast := auto
	fast.FrameRate = 120
	assert.Equal(t, QueueDepth(auto)+1, QueueDepth(fast))

	uhd := auto
	uhd.Width, uhd.Height = 3840, 2160
	assert.Less(t, QueueDepth(uhd), QueueDepth(auto))

	fiveK := auto
	fiveK.Width, fiveK.Height = 5120, 2880
	assert.Less(t, QueueDepth(fiveK), QueueDepth(uhd))

	lowest.Width, lowest.Height = 7680, 4320
	assert.Equal(t, 1, QueueDepth(lowest))
}

func TestStallPolicyFor(t *testing.T) {
	t.Parallel()

	for _, fps := range []int{24, 30, 60, 120} {
		w := StallPolicyFor(TargetWindow, fps)
		d := StallPolicyFor(TargetDisplay, fps)
		assert.Greater(t, d.SoftStall, w.SoftStall, "fps %d", fps)
		assert.NotEqual(t, d.Debounce, w.Debounce)
		for _, p := range []StallPolicy{w, d} {
			assert.Greater(t, p.HardRestart, p.SoftStall)
			assert.Less(t, p.CancelGrace, p.Debounce)
		}
	}

	assert.LessOrEqual(t, StallPolicyFor(TargetWindow, 120).SoftStall, StallPolicyFor(TargetWindow, 30).SoftStall)
	assert.Less(t, StallPolicyFor(TargetDisplay, 120).SoftStall, StallPolicyFor(TargetDisplay, 30).SoftStall)
}

func TestParseLatencyMode(t *testing.T) {
	t.Parallel()

	for _, m := range []LatencyMode{LatencyAuto, LatencyLowest, LatencySmoothest} {
		got, err := ParseLatencyMode(m.String())
		assert.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseLatencyMode("fastest")
	assert.Error(t, err)
}

func TestParseTarget(t *testing.T) {
	t.Parallel()

	for _, tg := range []Target{TargetWindow, TargetDisplay} {
		got, err := ParseTarget(tg.String())
		assert.NoError(t, err)
		assert.Equal(t, tg, got)
	}
	_, err := ParseTarget("screen")
	assert.Error(t, err)
}
