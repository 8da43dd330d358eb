package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	stopped atomic.Bool
}

func (s *fakeSource) Stop() error {
	s.stopped.Store(true)
	return nil
}

type fakeFactory struct {
	mu       sync.Mutex
	opens    int
	err      error
	delivers []func(Frame)
	sources  []*fakeSource
}

func (f *fakeFactory) Open(_ context.Context, _ Settings, deliver func(Frame)) (Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.err != nil {
		return nil, f.err
	}
	src := &fakeSource{}
	f.sources = append(f.sources, src)
	f.delivers = append(f.delivers, deliver)
	return src, nil
}

func (f *fakeFactory) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeFactory) deliver(i int) func(Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delivers[i]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var hd60 = Settings{Width: 1920, Height: 1080, FrameRate: 60}

func startEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e
}

func TestEngineStartStop(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	e := startEngine(t, Config{Factory: f})
	ctx := context.Background()

	require.NoError(t, e.Start(ctx, hd60))
	assert.ErrorIs(t, e.Start(ctx, hd60), ErrAlreadyRunning)

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCapturing, st.State)
	assert.Equal(t, uint64(1), st.Generation)
	assert.Equal(t, QueueDepth(hd60), st.QueueDepth)

	require.NoError(t, e.Stop(ctx))
	st, err = e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, st.State)
	assert.True(t, f.sources[0].stopped.Load())
}

func TestEngineSourceCreationFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("screen recording not permitted")
	f := &fakeFactory{err: boom}
	e := startEngine(t, Config{Factory: f})
	ctx := context.Background()

	err := e.Start(ctx, hd60)
	assert.ErrorIs(t, err, ErrSourceCreate)
	assert.ErrorIs(t, err, boom)

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, boom.Error(), st.LastError)
}

func TestEngineNotRunning(t *testing.T) {
	t.Parallel()

	e := New(Config{Factory: &fakeFactory{}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, e.Run(ctx), context.Canceled)
	assert.ErrorIs(t, e.Start(context.Background(), hd60), ErrNotRunning)
}

func TestEngineDeliversToQueue(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	e := startEngine(t, Config{Factory: f})
	ctx := context.Background()
	require.NoError(t, e.Start(ctx, hd60))

	f.deliver(0)(Frame{Timestamp: 10})
	got, err := e.Queue().Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got.Timestamp)
	assert.Equal(t, uint64(1), got.Generation)
}

func TestEngineReconfigureDropsOldGeneration(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	e := startEngine(t, Config{Factory: f})
	ctx := context.Background()
	require.NoError(t, e.Start(ctx, hd60))

	uhd := Settings{Width: 3840, Height: 2160, FrameRate: 60}
	require.NoError(t, e.Reconfigure(ctx, uhd))
	assert.Equal(t, 2, f.openCount())
	assert.True(t, f.sources[0].stopped.Load())

	f.deliver(0)(Frame{Timestamp: 1})
	assert.Equal(t, 0, e.Queue().Len(), "frames from a stopped session are dropped")

	f.deliver(1)(Frame{Timestamp: 2})
	assert.Equal(t, 1, e.Queue().Len())

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.Generation)
	assert.Equal(t, uhd, st.Settings)
	assert.Equal(t, QueueDepth(uhd), st.QueueDepth)
}

func fastStall() *StallPolicy {
	return &StallPolicy{
		SoftStall:   20 * time.Millisecond,
		HardRestart: 60 * time.Millisecond,
		Debounce:    30 * time.Millisecond,
		CancelGrace: 10 * time.Millisecond,
	}
}

func TestEngineRestartsOnHardStall(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	e := startEngine(t, Config{Factory: f, Stall: fastStall(), TickInterval: 5 * time.Millisecond})
	require.NoError(t, e.Start(context.Background(), hd60))

	require.Eventually(t, func() bool { return f.openCount() >= 2 }, 2*time.Second, 5*time.Millisecond)

	st, err := e.Status(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, st.Restarts, uint64(1))
	assert.GreaterOrEqual(t, st.Generation, uint64(2))
	assert.Equal(t, 1, st.Streak)
}

func TestEngineSelfRecoveryCancelsRestart(t *testing.T) {
	t.Parallel()

	pol := fastStall()
	pol.Debounce = 150 * time.Millisecond
	f := &fakeFactory{}
	e := startEngine(t, Config{Factory: f, Stall: pol, TickInterval: 5 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, e.Start(ctx, hd60))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		deliver := f.deliver(0)
		for {
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
				deliver(Frame{})
			}
		}
	}()

	require.NoError(t, e.SignalStall(ctx, true))
	time.Sleep(300 * time.Millisecond)

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.openCount())
	assert.Equal(t, uint64(0), st.Restarts)
	assert.Equal(t, StateCapturing, st.State)
	assert.False(t, st.PendingRestart)
}

// The following tests drive the worker's methods directly with a fake clock.

func newDirectEngine(f SourceFactory, clock *fakeClock, onRecovery func(Recovery)) *Engine {
	e := New(Config{Factory: f, Stall: fastStall(), Now: clock.Now, OnRecovery: onRecovery})
	e.settings = hd60
	return e
}

func TestFireRestartAbortsWithinGrace(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(100, 0)}
	f := &fakeFactory{}
	e := newDirectEngine(f, clock, nil)
	require.NoError(t, e.open())

	e.setState(StateStalling)
	e.pendingRestart = true
	e.restartToken = 5
	e.lastFrame.Store(clock.Now().Add(-5 * time.Millisecond).UnixNano())

	e.fireRestart(5)
	assert.Equal(t, uint64(1), e.abortedRestarts)
	assert.Equal(t, uint64(0), e.restarts)
	assert.Equal(t, StateCapturing, e.state)
	assert.Equal(t, 1, f.openCount())
}

func TestFireRestartIgnoresStaleToken(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(100, 0)}
	f := &fakeFactory{}
	e := newDirectEngine(f, clock, nil)
	require.NoError(t, e.open())

	e.setState(StateStalling)
	e.pendingRestart = true
	e.restartToken = 5
	e.lastFrame.Store(clock.Now().Add(-time.Second).UnixNano())

	e.fireRestart(4)
	assert.Equal(t, uint64(0), e.restarts)
	assert.True(t, e.pendingRestart)

	e.cancelRestart()
	e.fireRestart(5)
	assert.Equal(t, uint64(0), e.restarts, "cancel bumps the token")

	e.pendingRestart = true
	e.fireRestart(e.restartToken)
	assert.Equal(t, uint64(1), e.restarts)
	assert.Equal(t, 2, f.openCount())
}

func TestRestartEscalatesAtThreshold(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(100, 0)}
	f := &fakeFactory{}
	recoveries := make(chan Recovery, 4)
	e := newDirectEngine(f, clock, func(r Recovery) { recoveries <- r })
	require.NoError(t, e.open())

	for i := 1; i <= 2; i++ {
		clock.Advance(5 * time.Second)
		e.restart(clock.Now())
		assert.Equal(t, i, e.streak)
	}
	select {
	case r := <-recoveries:
		t.Fatalf("unexpected escalation at streak %d", r.Streak)
	case <-time.After(20 * time.Millisecond):
	}

	clock.Advance(5 * time.Second)
	e.restart(clock.Now())
	select {
	case r := <-recoveries:
		assert.Equal(t, 3, r.Streak)
		assert.True(t, r.RequestKeyframe)
		assert.True(t, r.ResetDecoder)
		assert.Equal(t, e.generation, r.Generation)
	case <-time.After(time.Second):
		t.Fatal("no escalation at streak 3")
	}
}

func TestRestartStreakResetsAfterStability(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(100, 0)}
	e := newDirectEngine(&fakeFactory{}, clock, nil)
	require.NoError(t, e.open())

	e.restart(clock.Now())
	clock.Advance(4 * time.Second)
	e.restart(clock.Now())
	assert.Equal(t, 2, e.streak)

	clock.Advance(21 * time.Second)
	e.restart(clock.Now())
	assert.Equal(t, 1, e.streak)
}

func TestRestartFailureGoesIdle(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(100, 0)}
	f := &fakeFactory{}
	e := newDirectEngine(f, clock, nil)
	require.NoError(t, e.open())

	f.mu.Lock()
	f.err = errors.New("display disconnected")
	f.mu.Unlock()

	e.restart(clock.Now())
	assert.Equal(t, StateIdle, e.state)
	assert.EqualError(t, e.lastErr, "display disconnected")
}
