package decode

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/beam/internal/packetizer"
	"github.com/zsiec/beam/internal/ringbuf"
)

// ErrPipelineClosed is returned by Run after Close.
var ErrPipelineClosed = errors.New("decode: pipeline closed")

// DecodedFrame is a decoder output ready for display.
type DecodedFrame struct {
	StreamID    uint16
	FrameNumber uint32
	Timestamp   uint64
	Width       int
	Height      int
	Data        []byte
}

// Decoder is the external video decoder. Decode may be called concurrently
// up to the admission limit.
type Decoder interface {
	Decode(ctx context.Context, f *packetizer.Frame) (DecodedFrame, error)
	Reset()
}

// FrameCache holds the newest decoded frame per stream for the renderer.
type FrameCache struct {
	mu     sync.RWMutex
	frames map[uint16]DecodedFrame
}

// NewFrameCache returns an empty cache.
func NewFrameCache() *FrameCache {
	return &FrameCache{frames: make(map[uint16]DecodedFrame)}
}

// Store records f unless a newer frame for its stream is already cached,
// which happens when concurrent decodes finish out of order. It reports
// whether f was stored.
func (c *FrameCache) Store(f DecodedFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.frames[f.StreamID]; ok && cur.Timestamp > f.Timestamp {
		return false
	}
	c.frames[f.StreamID] = f
	return true
}

// Latest returns the newest frame for a stream.
func (c *FrameCache) Latest(streamID uint16) (DecodedFrame, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.frames[streamID]
	return f, ok
}

// Clear drops a stream's cached frame.
func (c *FrameCache) Clear(streamID uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.frames, streamID)
}

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	Decoder   Decoder
	Admission *AdmissionController
	Cache     *FrameCache

	// MaxQueued bounds frames waiting for admission. On overflow the queue
	// is flushed and decoding resumes at the next keyframe.
	MaxQueued int

	// OnFrame is called after a decoded frame is cached.
	OnFrame func(DecodedFrame)

	// RequestKeyframe is called when the pipeline needs a keyframe to resume.
	RequestKeyframe func(streamID uint16)

	Log *slog.Logger
}

// PipelineStats counts pipeline outcomes.
type PipelineStats struct {
	Submitted    uint64
	Decoded      uint64
	Dropped      uint64
	DecodeErrors uint64
	Overflows    uint64
}

// Pipeline queues reassembled frames, admits them to the decoder and
// publishes the results.
type Pipeline struct {
	cfg PipelineConfig
	log *slog.Logger

	mu               sync.Mutex
	queue            *ringbuf.RingBuffer[*packetizer.Frame]
	awaitingKeyframe bool
	closed           bool
	notify           chan struct{}

	wg           sync.WaitGroup
	submitted    atomic.Uint64
	decoded      atomic.Uint64
	dropped      atomic.Uint64
	decodeErrors atomic.Uint64
	overflows    atomic.Uint64
}

// NewPipeline creates a Pipeline. Decoding starts at the first keyframe.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = 8
	}
	if cfg.Admission == nil {
		cfg.Admission = NewAdmissionController(LimitForFrameRate(0))
	}
	if cfg.Cache == nil {
		cfg.Cache = NewFrameCache()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		cfg:              cfg,
		log:              log.With("component", "decode"),
		queue:            ringbuf.New[*packetizer.Frame](cfg.MaxQueued),
		awaitingKeyframe: true,
		notify:           make(chan struct{}, 1),
	}
}

// Cache returns the frame cache the pipeline writes to.
func (p *Pipeline) Cache() *FrameCache { return p.cfg.Cache }

// Admission returns the pipeline's admission controller.
func (p *Pipeline) Admission() *AdmissionController { return p.cfg.Admission }

// SetFrameRate adapts the admission limit to a stream frame rate.
func (p *Pipeline) SetFrameRate(fps int) {
	p.cfg.Admission.SetLimit(LimitForFrameRate(fps))
}

// Submit queues a reassembled frame. Non-keyframes are dropped while the
// pipeline waits for a keyframe.
func (p *Pipeline) Submit(f *packetizer.Frame) {
	p.submitted.Add(1)

	requestFor := -1
	p.mu.Lock()
	switch {
	case p.closed:
		p.dropped.Add(1)
		p.mu.Unlock()
		return
	case p.awaitingKeyframe && !f.Keyframe:
		p.dropped.Add(1)
		p.mu.Unlock()
		// The keyframe may have been lost; callers throttle repeats.
		if p.cfg.RequestKeyframe != nil {
			p.cfg.RequestKeyframe(f.StreamID)
		}
		return
	}
	if f.Keyframe {
		p.awaitingKeyframe = false
	}

	if p.queue.Len() >= p.cfg.MaxQueued {
		n := len(p.queue.Drain())
		p.dropped.Add(uint64(n))
		p.overflows.Add(1)
		if !f.Keyframe {
			p.awaitingKeyframe = true
			p.dropped.Add(1)
			requestFor = int(f.StreamID)
		}
		p.log.Warn("decode queue overflow", "stream", f.StreamID, "flushed", n)
	}
	if !p.awaitingKeyframe {
		p.queue.Append(f)
	}
	p.mu.Unlock()

	if requestFor >= 0 && p.cfg.RequestKeyframe != nil {
		p.cfg.RequestKeyframe(uint16(requestFor))
	}

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Reset flushes queued frames and the decoder, then waits for a keyframe.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.dropped.Add(uint64(len(p.queue.Drain())))
	p.awaitingKeyframe = true
	p.mu.Unlock()
	p.cfg.Decoder.Reset()
}

// Close stops Run after in-flight decodes finish.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Pipeline) next(ctx context.Context) (*packetizer.Frame, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPipelineClosed
		}
		if f, ok := p.queue.PopFront(); ok {
			p.mu.Unlock()
			return f, nil
		}
		p.mu.Unlock()

		select {
		case <-p.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Run dispatches queued frames to the decoder until ctx is done or the
// pipeline is closed. Decodes run concurrently up to the admission limit.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.wg.Wait()
	for {
		f, err := p.next(ctx)
		if err != nil {
			return err
		}
		if err := p.cfg.Admission.Acquire(ctx); err != nil {
			return err
		}
		p.wg.Add(1)
		go p.decode(ctx, f)
	}
}

func (p *Pipeline) decode(ctx context.Context, f *packetizer.Frame) {
	defer p.wg.Done()
	defer p.cfg.Admission.Release()

	out, err := p.cfg.Decoder.Decode(ctx, f)
	if err != nil {
		p.decodeErrors.Add(1)
		p.log.Warn("decode failed", "stream", f.StreamID, "frame", f.FrameNumber, "error", err)
		p.mu.Lock()
		p.awaitingKeyframe = true
		p.mu.Unlock()
		if p.cfg.RequestKeyframe != nil {
			p.cfg.RequestKeyframe(f.StreamID)
		}
		return
	}

	p.decoded.Add(1)
	if p.cfg.Cache.Store(out) && p.cfg.OnFrame != nil {
		p.cfg.OnFrame(out)
	}
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Submitted:    p.submitted.Load(),
		Decoded:      p.decoded.Load(),
		Dropped:      p.dropped.Load(),
		DecodeErrors: p.decodeErrors.Load(),
		Overflows:    p.overflows.Load(),
	}
}
