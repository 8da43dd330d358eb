// Package synthetic provides stand-in capture, codec and display
// collaborators so the pipeline runs end to end without platform bindings.
package synthetic

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/beam/internal/capture"
	"github.com/zsiec/beam/internal/decode"
	"github.com/zsiec/beam/internal/packetizer"
	"github.com/zsiec/beam/internal/render"
	"github.com/zsiec/beam/internal/wire"
)

// Scale is the downscale factor applied to pattern frames.
const Scale = 16

var (
	ErrBadFrame     = errors.New("synthetic: malformed frame")
	ErrNeedKeyframe = errors.New("synthetic: decoder needs a keyframe")
)

// PatternSource produces moving gradient frames at the session frame rate.
type PatternSource struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Stop ends frame delivery and waits for the producer to exit.
func (s *PatternSource) Stop() error {
	s.once.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

// PatternFactory opens PatternSources.
type PatternFactory struct {
	// Fail makes Open return an error, for exercising restarts.
	Fail atomic.Bool
}

// Open implements capture.SourceFactory.
func (f *PatternFactory) Open(ctx context.Context, s capture.Settings, deliver func(capture.Frame)) (capture.Source, error) {
	if f.Fail.Load() {
		return nil, errors.New("synthetic: source unavailable")
	}
	if s.Width <= 0 || s.Height <= 0 {
		return nil, fmt.Errorf("synthetic: invalid size %dx%d", s.Width, s.Height)
	}
	fps := s.FrameRate
	if fps <= 0 {
		fps = 30
	}
	src := &PatternSource{stop: make(chan struct{}), done: make(chan struct{})}
	go src.run(ctx, s, fps, deliver)
	return src, nil
}

func (s *PatternSource) run(ctx context.Context, st capture.Settings, fps int, deliver func(capture.Frame)) {
	defer close(s.done)
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	w, h := max(st.Width/Scale, 1), max(st.Height/Scale, 1)
	start := time.Now()
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			deliver(capture.Frame{
				Data:      Pattern(w, h, n),
				Width:     st.Width,
				Height:    st.Height,
				Timestamp: uint64(now.Sub(start).Microseconds()),
			})
		}
	}
}

// Pattern returns a w*h luma gradient shifted by frame n.
func Pattern(w, h, n int) []byte {
	buf := make([]byte, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			buf[y*w+x] = byte(x + y + n)
		}
	}
	return buf
}

// Encoded frame layout: magic, flags, width, height, then the raw picture.
const (
	frameMagic      = 'S'
	frameHeaderSize = 6
	flagKey         = 1
)

// Encoder wraps captured pictures in a minimal frame format, emitting a
// keyframe every GOP frames or on demand.
type Encoder struct {
	GOP int

	mu    sync.Mutex
	count int
}

// Encode implements host.Encoder.
func (e *Encoder) Encode(_ context.Context, f capture.Frame, force bool) (packetizer.EncodedFrame, error) {
	if f.Width > math.MaxUint16 || f.Height > math.MaxUint16 {
		return packetizer.EncodedFrame{}, fmt.Errorf("synthetic: size %dx%d too large", f.Width, f.Height)
	}
	e.mu.Lock()
	gop := e.GOP
	if gop <= 0 {
		gop = 60
	}
	key := force || e.count%gop == 0
	if key {
		e.count = 0
	}
	e.count++
	e.mu.Unlock()

	buf := make([]byte, frameHeaderSize, frameHeaderSize+len(f.Data))
	buf[0] = frameMagic
	if key {
		buf[1] = flagKey
	}
	binary.BigEndian.PutUint16(buf[2:], uint16(f.Width))
	binary.BigEndian.PutUint16(buf[4:], uint16(f.Height))
	buf = append(buf, f.Data...)
	return packetizer.EncodedFrame{Data: buf, Keyframe: key, Timestamp: f.Timestamp}, nil
}

// Decoder reverses Encoder. Like a real decoder it refuses delta frames
// until it has seen a keyframe.
type Decoder struct {
	haveKey atomic.Bool
	decoded atomic.Uint64
}

// Decode implements decode.Decoder.
func (d *Decoder) Decode(_ context.Context, f *packetizer.Frame) (decode.DecodedFrame, error) {
	if len(f.Data) < frameHeaderSize || f.Data[0] != frameMagic {
		return decode.DecodedFrame{}, ErrBadFrame
	}
	key := f.Data[1]&flagKey != 0
	if key {
		d.haveKey.Store(true)
	} else if !d.haveKey.Load() {
		return decode.DecodedFrame{}, ErrNeedKeyframe
	}
	d.decoded.Add(1)
	return decode.DecodedFrame{
		StreamID:    f.StreamID,
		FrameNumber: f.FrameNumber,
		Timestamp:   f.Timestamp,
		Width:       int(binary.BigEndian.Uint16(f.Data[2:])),
		Height:      int(binary.BigEndian.Uint16(f.Data[4:])),
		Data:        f.Data[frameHeaderSize:],
	}, nil
}

// Reset implements decode.Decoder.
func (d *Decoder) Reset() { d.haveKey.Store(false) }

// Decoded returns how many frames were decoded.
func (d *Decoder) Decoded() uint64 { return d.decoded.Load() }

// Tone is a sine wave PCM audio source.
type Tone struct {
	Frequency  float64
	SampleRate uint32
	Channels   uint8
	FrameSize  uint16

	phase float64
	start time.Time
	sent  uint64
}

// NewTone returns a 48 kHz mono tone with 10 ms frames, small enough for
// one packet on any path.
func NewTone(freq float64) *Tone {
	return &Tone{Frequency: freq, SampleRate: 48000, Channels: 1, FrameSize: 480}
}

// Format implements host.AudioSource.
func (t *Tone) Format() packetizer.AudioFormat {
	return packetizer.AudioFormat{
		Codec:           wire.AudioCodecPCM,
		SampleRate:      t.SampleRate,
		ChannelCount:    t.Channels,
		SamplesPerFrame: t.FrameSize,
	}
}

// Read paces frames in real time and returns 16-bit interleaved PCM.
func (t *Tone) Read(ctx context.Context) (packetizer.AudioFrame, error) {
	if t.start.IsZero() {
		t.start = time.Now()
	}
	frameDur := time.Duration(t.FrameSize) * time.Second / time.Duration(t.SampleRate)
	due := t.start.Add(time.Duration(t.sent) * frameDur)
	if wait := time.Until(due); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return packetizer.AudioFrame{}, ctx.Err()
		case <-timer.C:
		}
	}

	buf := make([]byte, 0, int(t.FrameSize)*int(t.Channels)*2)
	step := 2 * math.Pi * t.Frequency / float64(t.SampleRate)
	for i := 0; i < int(t.FrameSize); i++ {
		v := int16(math.Sin(t.phase) * 0.25 * math.MaxInt16)
		t.phase += step
		for c := 0; c < int(t.Channels); c++ {
			buf = binary.LittleEndian.AppendUint16(buf, uint16(v))
		}
	}
	t.phase = math.Mod(t.phase, 2*math.Pi)

	ts := uint64((time.Duration(t.sent) * frameDur).Microseconds())
	t.sent++
	return packetizer.AudioFrame{Data: buf, Timestamp: ts}, nil
}

// Display is a render.Drawable that reads the newest cached frame on each
// draw and logs it.
type Display struct {
	Cache *decode.FrameCache
	Log   *slog.Logger

	draws atomic.Uint64
	last  atomic.Uint32
}

// Draw implements render.Drawable.
func (d *Display) Draw(key render.Key) {
	f, ok := d.Cache.Latest(uint16(key))
	if !ok {
		return
	}
	n := d.draws.Add(1)
	d.last.Store(f.FrameNumber)
	if d.Log != nil && n%60 == 1 {
		d.Log.Debug("draw", "stream", key, "frame", f.FrameNumber, "size", fmt.Sprintf("%dx%d", f.Width, f.Height))
	}
}

// Draws returns how many draws found a frame.
func (d *Display) Draws() uint64 { return d.draws.Load() }

// LastFrame returns the frame number of the last draw.
func (d *Display) LastFrame() uint32 { return d.last.Load() }
