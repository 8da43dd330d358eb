// Package capture supervises a platform capture session: it starts and
// reconfigures the source, watches frame cadence for stalls, and restarts
// the source with debounce, cooldown and escalation.
//
// All session state is owned by one worker goroutine started with
// Engine.Run. Public methods send closures to that worker and wait for the
// result, so no two state transitions ever interleave.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

var (
	ErrAlreadyRunning = errors.New("capture: session already running")
	ErrNotRunning     = errors.New("capture: engine not running")
	ErrSourceCreate   = errors.New("capture: source creation failed")
)

// State is the session state.
type State uint8

// Session states.
const (
	StateIdle State = iota
	StateCapturing
	StateStalling
	StateRestarting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateStalling:
		return "stalling"
	case StateRestarting:
		return "restarting"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Source is a running platform capture session.
type Source interface {
	Stop() error
}

// SourceFactory opens capture sessions. deliver may be called from any
// goroutine until Stop returns.
type SourceFactory interface {
	Open(ctx context.Context, s Settings, deliver func(Frame)) (Source, error)
}

// SourceFactoryFunc adapts a function to SourceFactory.
type SourceFactoryFunc func(ctx context.Context, s Settings, deliver func(Frame)) (Source, error)

// Open calls f.
func (f SourceFactoryFunc) Open(ctx context.Context, s Settings, deliver func(Frame)) (Source, error) {
	return f(ctx, s, deliver)
}

// Recovery is reported when a restart escalates: downstream should request a
// keyframe and reset decoder state.
type Recovery struct {
	Generation      uint64
	Streak          int
	RequestKeyframe bool
	ResetDecoder    bool
}

// Status is a snapshot of the engine.
type Status struct {
	State           State
	Settings        Settings
	Generation      uint64
	Streak          int
	Restarts        uint64
	AbortedRestarts uint64
	PendingRestart  bool
	QueueDepth      int
	LastError       string
}

// Config configures an Engine.
type Config struct {
	Factory SourceFactory

	// Queue receives captured frames. A queue is created if nil.
	Queue *FrameQueue

	Restart RestartPolicy

	// Stall overrides StallPolicyFor.
	Stall *StallPolicy

	// TickInterval is the stall evaluation period.
	TickInterval time.Duration

	// OnRecovery is called on its own goroutine when a restart escalates.
	OnRecovery func(Recovery)

	Log *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Engine is the capture session actor.
type Engine struct {
	cfg   Config
	log   *slog.Logger
	queue *FrameQueue
	now   func() time.Time

	cmds    chan func()
	wake    chan struct{}
	done    chan struct{}
	started atomic.Bool

	// Written by source goroutines, read by the worker.
	lastFrame atomic.Int64
	liveGen   atomic.Uint64
	stalled   atomic.Bool

	// Owned by the worker goroutine.
	ctx             context.Context
	state           State
	settings        Settings
	source          Source
	generation      uint64
	restartToken    uint64
	pendingRestart  bool
	streak          int
	lastAttempt     time.Time
	restarts        uint64
	abortedRestarts uint64
	lastErr         error
}

// New creates an Engine. Call Run to start its worker.
func New(cfg Config) *Engine {
	if cfg.Restart == (RestartPolicy{}) {
		cfg.Restart = DefaultRestartPolicy
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 50 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	q := cfg.Queue
	if q == nil {
		q = NewFrameQueue(QueueDepth(Settings{}))
	}
	return &Engine{
		cfg:   cfg,
		log:   log.With("component", "capture"),
		queue: q,
		now:   cfg.Now,
		cmds:  make(chan func()),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		ctx:   context.Background(),
	}
}

// Queue returns the queue captured frames are delivered to.
func (e *Engine) Queue() *FrameQueue { return e.queue }

// Run processes commands until ctx is cancelled. It stops any running
// source on exit.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(e.done)

	e.ctx = ctx
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.teardown()
			e.state = StateIdle
			return ctx.Err()
		case fn := <-e.cmds:
			fn()
		case <-e.wake:
			e.evaluateStall()
		case <-ticker.C:
			e.evaluateStall()
		}
	}
}

// do runs fn on the worker and waits for it to finish.
func (e *Engine) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case e.cmds <- func() { fn(); close(finished) }:
	case <-e.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		return ErrNotRunning
	}
}

// post queues fn without waiting. It is dropped if the worker has exited.
func (e *Engine) post(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.done:
	}
}

// Start opens a capture source with s.
func (e *Engine) Start(ctx context.Context, s Settings) error {
	var err error
	if derr := e.do(ctx, func() {
		if e.state != StateIdle {
			err = ErrAlreadyRunning
			return
		}
		e.settings = s
		e.streak = 0
		e.lastAttempt = time.Time{}
		err = e.open()
	}); derr != nil {
		return derr
	}
	return err
}

// Stop tears down the source and cancels any pending restart.
func (e *Engine) Stop(ctx context.Context) error {
	return e.do(ctx, func() {
		e.cancelRestart()
		e.teardown()
		e.setState(StateIdle)
	})
}

// Reconfigure applies new settings. A running session is recreated with
// them; an idle engine only records them.
func (e *Engine) Reconfigure(ctx context.Context, s Settings) error {
	var err error
	if derr := e.do(ctx, func() {
		e.settings = s
		if e.state == StateIdle {
			return
		}
		e.cancelRestart()
		e.teardown()
		err = e.open()
	}); derr != nil {
		return derr
	}
	return err
}

// SignalStall reports a stall observed outside the engine, such as an
// encoder starved of frames. If restartEligible, a restart is scheduled.
func (e *Engine) SignalStall(ctx context.Context, restartEligible bool) error {
	return e.do(ctx, func() {
		if e.state != StateCapturing && e.state != StateStalling {
			return
		}
		if e.state == StateCapturing {
			e.setState(StateStalling)
			e.stalled.Store(true)
		}
		if restartEligible && !e.pendingRestart {
			e.scheduleRestart("external stall signal")
		}
	})
}

// Status returns a snapshot of the engine.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	var st Status
	err := e.do(ctx, func() { st = e.snapshot() })
	return st, err
}

func (e *Engine) snapshot() Status {
	st := Status{
		State:           e.state,
		Settings:        e.settings,
		Generation:      e.generation,
		Streak:          e.streak,
		Restarts:        e.restarts,
		AbortedRestarts: e.abortedRestarts,
		PendingRestart:  e.pendingRestart,
		QueueDepth:      e.queue.Depth(),
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st
}

func (e *Engine) setState(s State) {
	if e.state == s {
		return
	}
	e.log.Debug("state change", "from", e.state, "to", s, "generation", e.generation)
	e.state = s
}

func (e *Engine) stallPolicy() StallPolicy {
	if e.cfg.Stall != nil {
		return *e.cfg.Stall
	}
	return StallPolicyFor(e.settings.Target, e.settings.FrameRate)
}

// open creates a source for the current settings under a new generation.
func (e *Engine) open() error {
	e.generation++
	gen := e.generation
	e.liveGen.Store(gen)
	e.queue.Resize(QueueDepth(e.settings))

	src, err := e.cfg.Factory.Open(e.ctx, e.settings, func(f Frame) { e.deliver(gen, f) })
	if err != nil {
		e.lastErr = err
		e.setState(StateIdle)
		e.log.Error("capture source creation failed", "generation", gen, "error", err)
		return fmt.Errorf("%w: %w", ErrSourceCreate, err)
	}
	e.source = src
	e.lastErr = nil
	e.lastFrame.Store(e.now().UnixNano())
	e.stalled.Store(false)
	e.setState(StateCapturing)
	e.log.Info("capture started",
		"generation", gen,
		"width", e.settings.Width, "height", e.settings.Height,
		"fps", e.settings.FrameRate, "latency", e.settings.Latency,
		"queueDepth", QueueDepth(e.settings), "bufferPool", BufferPoolMinimum(e.settings))
	return nil
}

func (e *Engine) teardown() {
	if e.source == nil {
		return
	}
	e.liveGen.Store(0)
	if err := e.source.Stop(); err != nil {
		e.log.Warn("capture source stop failed", "generation", e.generation, "error", err)
	}
	e.source = nil
}

// deliver runs on source goroutines. It never blocks on the worker, which
// may itself be waiting in Source.Stop.
func (e *Engine) deliver(gen uint64, f Frame) {
	if e.liveGen.Load() != gen {
		return
	}
	e.lastFrame.Store(e.now().UnixNano())
	f.Generation = gen
	e.queue.Push(f)
	if e.stalled.CompareAndSwap(true, false) {
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) frameGap(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, e.lastFrame.Load()))
}

func (e *Engine) evaluateStall() {
	if e.state != StateCapturing && e.state != StateStalling {
		return
	}
	now := e.now()
	gap := e.frameGap(now)
	pol := e.stallPolicy()

	switch {
	case gap < pol.SoftStall:
		if e.state == StateStalling {
			e.log.Info("capture recovered", "generation", e.generation, "gap", gap)
			e.setState(StateCapturing)
			e.stalled.Store(false)
			e.cancelRestart()
		}
	case e.state == StateCapturing:
		e.log.Warn("capture stalling", "generation", e.generation, "gap", gap)
		e.setState(StateStalling)
		e.stalled.Store(true)
	}

	if gap >= pol.HardRestart && !e.pendingRestart {
		e.scheduleRestart("frame gap exceeded hard threshold")
	}
}

// scheduleRestart arms a restart after the debounce, or later if the
// cooldown from the previous restart has not yet elapsed.
func (e *Engine) scheduleRestart(reason string) {
	e.restartToken++
	token := e.restartToken
	e.pendingRestart = true

	delay := e.stallPolicy().Debounce
	if !e.lastAttempt.IsZero() {
		readyAt := e.lastAttempt.Add(e.cfg.Restart.Cooldown(e.streak))
		if wait := readyAt.Sub(e.now()); wait > delay {
			delay = wait
		}
	}
	e.log.Info("restart scheduled", "reason", reason, "delay", delay, "token", token, "streak", e.streak)
	time.AfterFunc(delay, func() {
		e.post(func() { e.fireRestart(token) })
	})
}

// cancelRestart invalidates any armed restart timer.
func (e *Engine) cancelRestart() {
	if e.pendingRestart {
		e.log.Debug("restart cancelled", "token", e.restartToken)
	}
	e.restartToken++
	e.pendingRestart = false
}

func (e *Engine) fireRestart(token uint64) {
	if token != e.restartToken || !e.pendingRestart {
		return
	}
	e.pendingRestart = false
	if e.state != StateStalling && e.state != StateCapturing {
		return
	}

	now := e.now()
	if gap := e.frameGap(now); gap < e.stallPolicy().CancelGrace {
		e.abortedRestarts++
		e.stalled.Store(false)
		e.setState(StateCapturing)
		e.log.Info("restart aborted, frames resumed", "generation", e.generation, "gap", gap)
		return
	}
	e.restart(now)
}

// restart recreates the source and updates the streak.
func (e *Engine) restart(now time.Time) {
	if !e.lastAttempt.IsZero() && now.Sub(e.lastAttempt) > e.cfg.Restart.StreakReset {
		e.streak = 0
	}
	e.streak++
	e.lastAttempt = now
	e.restarts++
	e.setState(StateRestarting)

	escalate := ShouldEscalate(e.streak, e.cfg.Restart.EscalationThreshold)
	e.log.Warn("restarting capture", "generation", e.generation, "streak", e.streak, "escalate", escalate)

	e.teardown()
	e.queue.Flush()
	if err := e.open(); err != nil {
		return
	}

	if escalate && e.cfg.OnRecovery != nil {
		rec := Recovery{Generation: e.generation, Streak: e.streak, RequestKeyframe: true, ResetDecoder: true}
		go e.cfg.OnRecovery(rec)
	}
}
