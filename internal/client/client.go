// Package client composes the receiving side: control session, media
// registration, reassembly, decode admission and render scheduling.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/beam/internal/control"
	"github.com/zsiec/beam/internal/decode"
	"github.com/zsiec/beam/internal/packetizer"
	"github.com/zsiec/beam/internal/render"
	"github.com/zsiec/beam/internal/security"
	"github.com/zsiec/beam/internal/transport"
	"github.com/zsiec/beam/internal/wire"
)

var (
	ErrHostClosed = errors.New("client: host closed the session")
	ErrNoDecoder  = errors.New("client: decoder required")
)

// keyframeInterval is the minimum spacing between keyframe requests.
const keyframeInterval = 250 * time.Millisecond

// Config configures a Client.
type Config struct {
	// HostAddr is the host's control address.
	HostAddr   string
	DeviceID   uuid.UUID
	DeviceName string
	Identity   wire.IdentityEnvelope

	// Fingerprint pins the host certificate. Zero trusts on first use.
	Fingerprint [32]byte

	Decoder decode.Decoder

	// Display draws the newest frame from Cache. Optional.
	Display render.Drawable

	// Cache receives decoded frames. Created if nil.
	Cache *decode.FrameCache

	// Dispatcher runs draws. A DrawLoop driven by Run is used if nil.
	Dispatcher render.Dispatcher

	// FrameTimeout discards partial frames older than this.
	FrameTimeout time.Duration

	// OnAudio receives verified audio packets.
	OnAudio func(*packetizer.AudioPacket)

	Log *slog.Logger
}

// Client receives one host's stream.
type Client struct {
	cfg       Config
	log       *slog.Logger
	reasm     *packetizer.Reassembler
	pipeline  *decode.Pipeline
	sched     *render.Scheduler
	loop      *render.DrawLoop
	connected chan struct{}
	once      sync.Once

	mu          sync.Mutex
	session     *control.Session
	lastRequest time.Time
	requests    uint64
	audio       *wire.AudioStreamStarted
}

// New creates a Client. Call Run to connect.
func New(cfg Config) (*Client, error) {
	if cfg.Decoder == nil {
		return nil, ErrNoDecoder
	}
	if cfg.DeviceID == uuid.Nil {
		cfg.DeviceID = uuid.New()
	}
	if cfg.Cache == nil {
		cfg.Cache = decode.NewFrameCache()
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = 500 * time.Millisecond
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	var loop *render.DrawLoop
	if cfg.Dispatcher == nil {
		loop = render.NewDrawLoop()
		cfg.Dispatcher = loop
	}
	c := &Client{
		cfg:       cfg,
		log:       log.With("component", "client", "host", cfg.HostAddr),
		loop:      loop,
		connected: make(chan struct{}),
	}
	c.reasm = packetizer.NewReassembler(packetizer.ReassemblerConfig{
		Direction:    security.HostToClient,
		FrameTimeout: cfg.FrameTimeout,
		Log:          log,
	}, nil)
	c.sched = render.NewScheduler(cfg.Dispatcher, log)
	c.pipeline = decode.NewPipeline(decode.PipelineConfig{
		Decoder:         cfg.Decoder,
		Cache:           cfg.Cache,
		OnFrame:         c.frameDecoded,
		RequestKeyframe: c.requestKeyframe,
		Log:             log,
	})
	return c, nil
}

// Connected is closed once media registration completes.
func (c *Client) Connected() <-chan struct{} { return c.connected }

// Cache returns the decoded frame cache.
func (c *Client) Cache() *decode.FrameCache { return c.cfg.Cache }

// Run connects to the host and receives until ctx is done or the host ends
// the session. A Client runs once.
func (c *Client) Run(ctx context.Context) error {
	sess, err := control.Dial(ctx, control.DialConfig{
		Addr: c.cfg.HostAddr,
		Hello: wire.Hello{
			DeviceID:   c.cfg.DeviceID,
			DeviceName: c.cfg.DeviceName,
			Identity:   c.cfg.Identity,
		},
		Fingerprint: c.cfg.Fingerprint,
		Handlers: control.SessionHandlers{
			OnEncoderSettings: c.settingsChanged,
			OnAudioStarted:    c.audioStarted,
			OnAudioStopped:    c.audioStopped,
			OnUpdateStatus: func(st wire.SoftwareUpdateStatus) {
				c.log.Info("host update status", "state", st.State, "available", st.AvailableVersion)
			},
		},
		Log: c.cfg.Log,
	})
	if err != nil {
		return err
	}
	resp := sess.Response

	key, err := security.DerivePacketKey(sess.Security)
	if err != nil {
		sess.Close()
		return err
	}
	c.reasm.SetKey(key)
	c.reasm.SetExpectedEpoch(wire.KindVideo, resp.VideoStreamID, resp.VideoEpoch)

	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()

	if c.cfg.Display != nil {
		h := c.sched.Register(c.cfg.Display, render.Key(resp.VideoStreamID))
		defer c.sched.Destroy(h)
	}

	mediaAddr, err := mediaAddress(c.cfg.HostAddr, resp.MediaPort)
	if err != nil {
		sess.Close()
		return err
	}
	media, err := transport.Dial(ctx, resp.Transport, transport.ClientConfig{
		Addr:     mediaAddr,
		DeviceID: c.cfg.DeviceID,
		Token:    sess.Security.RegistrationToken,
		OnPacket: c.handlePacket,
		Log:      c.cfg.Log,
	})
	if err != nil {
		sess.Close()
		return fmt.Errorf("media: %w", err)
	}
	c.log.Info("session established",
		"transport", resp.Transport,
		"media", mediaAddr,
		"fingerprint", fmt.Sprintf("%x", sess.Fingerprint),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sess.Run(gctx); err != nil {
			return err
		}
		if gctx.Err() == nil {
			return ErrHostClosed
		}
		return nil
	})
	g.Go(func() error { return media.Run(gctx) })
	g.Go(func() error {
		if err := media.Register(gctx); err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return err
		}
		c.once.Do(func() { close(c.connected) })
		c.requestKeyframe(resp.VideoStreamID)
		return nil
	})
	g.Go(func() error {
		if err := c.pipeline.Run(gctx); err != nil && !errors.Is(err, decode.ErrPipelineClosed) && gctx.Err() == nil {
			return err
		}
		return nil
	})
	if c.loop != nil {
		g.Go(func() error {
			_ = c.loop.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(c.cfg.FrameTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				if n := c.reasm.Expire(now); n > 0 {
					c.log.Debug("expired partial frames", "count", n)
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		c.pipeline.Close()
		media.Close()
		sess.Close()
		return nil
	})

	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func mediaAddress(controlAddr string, port uint16) (string, error) {
	host, _, err := net.SplitHostPort(controlAddr)
	if err != nil {
		return "", fmt.Errorf("host address %q: %w", controlAddr, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}

func (c *Client) handlePacket(pkt []byte) {
	switch wire.PeekKind(pkt) {
	case wire.KindVideo:
		f, err := c.reasm.Push(pkt)
		if err != nil {
			c.log.Debug("video packet rejected", "error", err)
			return
		}
		if f != nil {
			c.pipeline.Submit(f)
		}
	case wire.KindAudio:
		a, err := c.reasm.PushAudio(pkt)
		if err != nil {
			c.log.Debug("audio packet rejected", "error", err)
			return
		}
		if a != nil && c.cfg.OnAudio != nil {
			c.cfg.OnAudio(a)
		}
	default:
		c.log.Debug("unknown media packet", "kind", wire.PeekKind(pkt))
	}
}

func (c *Client) frameDecoded(f decode.DecodedFrame) {
	c.sched.SignalFrame(render.Key(f.StreamID))
}

// requestKeyframe asks the host for a keyframe, at most once per
// keyframeInterval.
func (c *Client) requestKeyframe(streamID uint16) {
	c.mu.Lock()
	sess := c.session
	now := time.Now()
	if sess == nil || now.Sub(c.lastRequest) < keyframeInterval {
		c.mu.Unlock()
		return
	}
	c.lastRequest = now
	c.requests++
	c.mu.Unlock()

	if err := sess.RequestKeyframe(streamID); err != nil {
		c.log.Debug("keyframe request failed", "stream", streamID, "error", err)
	}
}

func (c *Client) settingsChanged(m wire.EncoderSettingsChange) {
	c.log.Info("encoder settings changed",
		"stream", m.StreamID,
		"size", fmt.Sprintf("%dx%d", m.Width, m.Height),
		"fps", m.FrameRate,
		"epoch", m.Epoch,
		"reset", m.ResetDecoder,
	)
	c.reasm.SetExpectedEpoch(wire.KindVideo, m.StreamID, m.Epoch)
	if m.FrameRate > 0 {
		c.pipeline.SetFrameRate(int(m.FrameRate))
	}
	if m.ResetDecoder {
		c.pipeline.Reset()
		c.cfg.Cache.Clear(m.StreamID)
		c.requestKeyframe(m.StreamID)
	}
}

func (c *Client) audioStarted(m wire.AudioStreamStarted) {
	c.log.Info("audio started", "stream", m.StreamID, "codec", m.Codec, "rate", m.SampleRate, "channels", m.ChannelCount)
	c.reasm.SetExpectedEpoch(wire.KindAudio, m.StreamID, m.Epoch)
	c.mu.Lock()
	c.audio = &m
	c.mu.Unlock()
}

func (c *Client) audioStopped(m wire.AudioStreamStopped) {
	c.log.Info("audio stopped", "stream", m.StreamID, "reason", m.Reason)
	c.reasm.Reset(wire.KindAudio, m.StreamID)
	c.mu.Lock()
	c.audio = nil
	c.mu.Unlock()
}

// Stats is a snapshot of the receive path.
type Stats struct {
	Reassembly       packetizer.Stats
	Decode           decode.PipelineStats
	Render           render.Stats
	KeyframeRequests uint64
	AudioActive      bool
	PendingFragments int
}

// Stats returns receive path counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	requests, audio := c.requests, c.audio != nil
	c.mu.Unlock()
	return Stats{
		Reassembly:       c.reasm.Stats(),
		Decode:           c.pipeline.Stats(),
		Render:           c.sched.Stats(),
		KeyframeRequests: requests,
		AudioActive:      audio,
		PendingFragments: c.reasm.Pending(),
	}
}
