// Package render coalesces frame-arrival signals into draws. A Scheduler
// is constructed once at the composition root and passed to every consumer
// that registers with it.
package render

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Key identifies a drawable surface, normally the video stream ID.
type Key uint16

// Drawable is a consumer that renders the newest frame for a key. Draw runs
// on the dispatcher's goroutine.
type Drawable interface {
	Draw(key Key)
}

// DrawableFunc adapts a function to Drawable.
type DrawableFunc func(Key)

func (f DrawableFunc) Draw(key Key) { f(key) }

// Dispatcher runs draw work on the draw goroutine.
type Dispatcher interface {
	Dispatch(fn func())
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(func())

func (f DispatcherFunc) Dispatch(fn func()) { f(fn) }

// Inline runs draws on the signalling goroutine.
var Inline Dispatcher = DispatcherFunc(func(fn func()) { fn() })

// Handle refers to a registered consumer. A handle outlives its consumer
// safely: once the consumer is destroyed the handle's generation no longer
// matches its slot.
type Handle struct {
	index uint32
	gen   uint32
}

// Valid reports whether h was issued by a Scheduler.
func (h Handle) Valid() bool { return h.gen != 0 }

type slot struct {
	consumer Drawable
	gen      uint32
}

type entry struct {
	handle          Handle
	pending         bool
	needsReschedule bool
}

// Stats counts scheduler outcomes.
type Stats struct {
	Signals   uint64
	Draws     uint64
	Coalesced uint64
	Purged    uint64
}

// Scheduler allows at most one in-flight draw per key plus a single
// follow-up draw, however many signals arrive in between.
type Scheduler struct {
	dispatch Dispatcher
	log      *slog.Logger

	mu      sync.Mutex
	slots   []slot
	free    []uint32
	entries map[Key]*entry

	signals   atomic.Uint64
	draws     atomic.Uint64
	coalesced atomic.Uint64
	purged    atomic.Uint64
}

// NewScheduler creates a Scheduler that runs draws through d. A nil d draws
// inline. If log is nil, slog.Default() is used.
func NewScheduler(d Dispatcher, log *slog.Logger) *Scheduler {
	if d == nil {
		d = Inline
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		dispatch: d,
		log:      log.With("component", "render"),
		entries:  make(map[Key]*entry),
	}
}

// Register binds consumer to key, replacing any earlier registration for
// that key, and returns the consumer's handle.
func (s *Scheduler) Register(consumer Drawable, key Key) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	var idx uint32
	if n := len(s.free); n > 0 {
		idx = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		idx = uint32(len(s.slots))
		s.slots = append(s.slots, slot{})
	}
	sl := &s.slots[idx]
	sl.gen++
	if sl.gen == 0 {
		sl.gen = 1
	}
	sl.consumer = consumer
	h := Handle{index: idx, gen: sl.gen}

	if old, ok := s.entries[key]; ok {
		s.releaseLocked(old.handle)
	}
	s.entries[key] = &entry{handle: h}
	s.log.Debug("registered", "key", key)
	return h
}

// Unregister removes key and releases its consumer. A draw already
// dispatched for key becomes a no-op.
func (s *Scheduler) Unregister(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		s.releaseLocked(e.handle)
		delete(s.entries, key)
	}
}

// Destroy marks the consumer behind h as gone. Entries still referring to it
// are purged the next time they are signalled or drawn.
func (s *Scheduler) Destroy(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(h)
}

func (s *Scheduler) releaseLocked(h Handle) {
	if !s.liveLocked(h) {
		return
	}
	sl := &s.slots[h.index]
	sl.consumer = nil
	sl.gen++
	s.free = append(s.free, h.index)
}

func (s *Scheduler) liveLocked(h Handle) bool {
	return h.gen != 0 && int(h.index) < len(s.slots) && s.slots[h.index].gen == h.gen
}

func (s *Scheduler) resolveLocked(h Handle) (Drawable, bool) {
	if !s.liveLocked(h) {
		return nil, false
	}
	return s.slots[h.index].consumer, true
}

// SignalFrame notes that a new frame is available for key. It reports
// whether the key is registered to a live consumer.
func (s *Scheduler) SignalFrame(key Key) bool {
	s.signals.Add(1)

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if _, live := s.resolveLocked(e.handle); !live {
		delete(s.entries, key)
		s.mu.Unlock()
		s.purged.Add(1)
		return false
	}
	if e.pending {
		e.needsReschedule = true
		s.mu.Unlock()
		s.coalesced.Add(1)
		return true
	}
	e.pending = true
	s.mu.Unlock()

	s.dispatch.Dispatch(func() { s.draw(key, e) })
	return true
}

func (s *Scheduler) draw(key Key, e *entry) {
	s.mu.Lock()
	if s.entries[key] != e {
		s.mu.Unlock()
		return
	}
	consumer, live := s.resolveLocked(e.handle)
	if !live {
		delete(s.entries, key)
		s.mu.Unlock()
		s.purged.Add(1)
		return
	}
	s.mu.Unlock()

	consumer.Draw(key)
	s.draws.Add(1)

	s.mu.Lock()
	if s.entries[key] != e {
		s.mu.Unlock()
		return
	}
	if !e.needsReschedule {
		e.pending = false
		s.mu.Unlock()
		return
	}
	e.needsReschedule = false
	s.mu.Unlock()

	s.dispatch.Dispatch(func() { s.draw(key, e) })
}

// Registered returns the number of registered keys, including entries whose
// consumer was destroyed but not yet purged.
func (s *Scheduler) Registered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Signals:   s.signals.Load(),
		Draws:     s.draws.Load(),
		Coalesced: s.coalesced.Load(),
		Purged:    s.purged.Load(),
	}
}
