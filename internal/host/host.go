// Package host composes the sending side: capture engine, external encoder,
// per-client packetizers, the media transport and the control server.
package host

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/beam/internal/capture"
	"github.com/zsiec/beam/internal/control"
	"github.com/zsiec/beam/internal/netpath"
	"github.com/zsiec/beam/internal/packetizer"
	"github.com/zsiec/beam/internal/security"
	"github.com/zsiec/beam/internal/transport"
	"github.com/zsiec/beam/internal/wire"
)

// Stream IDs used by the host.
const (
	VideoStreamID uint16 = 1
	AudioStreamID uint16 = 2
)

// ErrNoEncoder is returned by New without an Encoder.
var ErrNoEncoder = errors.New("host: encoder required")

// Encoder is the external video encoder. force asks for a keyframe. The
// returned frame's FrameNumber is assigned by the host.
type Encoder interface {
	Encode(ctx context.Context, f capture.Frame, force bool) (packetizer.EncodedFrame, error)
}

// AudioSource is the external audio capture and encoder.
type AudioSource interface {
	Format() packetizer.AudioFormat
	Read(ctx context.Context) (packetizer.AudioFrame, error)
}

// Config configures a Host.
type Config struct {
	ControlAddr string
	MediaAddr   string
	Transport   wire.MediaTransport
	Certificate tls.Certificate

	Capture capture.Settings
	Sources capture.SourceFactory
	Restart capture.RestartPolicy
	Encoder Encoder

	// Audio is optional.
	Audio AudioSource

	Verifier control.Verifier
	Updates  control.UpdateService

	// MaxPacketSize overrides the size chosen from the network path.
	MaxPacketSize int

	// MaxClients bounds admitted clients. Zero means no limit.
	MaxClients int

	Log *slog.Logger
}

// Host streams capture output to every registered client.
type Host struct {
	cfg    Config
	log    *slog.Logger
	engine *capture.Engine
	ready  chan struct{}

	// Set in Run before ready is closed.
	media transport.Server
	ctrl  *control.Server

	mu       sync.RWMutex
	clients  map[uuid.UUID]*client
	settings capture.Settings

	// announceMu orders epoch announcements.
	announceMu sync.Mutex

	pathSize      int
	forceKeyframe atomic.Bool
	frameNumber   uint32

	framesEncoded   atomic.Uint64
	encodeErrors    atomic.Uint64
	keyframesForced atomic.Uint64
	recoveries      atomic.Uint64
	audioFrames     atomic.Uint64
}

type client struct {
	conn      *control.Conn
	key       *security.PacketKey
	video     *packetizer.VideoPacketizer
	audio     *packetizer.AudioPacketizer
	connected time.Time

	mu   sync.Mutex
	peer transport.Peer
}

func (c *client) mediaPeer() transport.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

func (c *client) setPeer(p transport.Peer) {
	c.mu.Lock()
	c.peer = p
	c.mu.Unlock()
}

// New creates a Host. Call Run to start it.
func New(cfg Config) (*Host, error) {
	if cfg.Encoder == nil {
		return nil, ErrNoEncoder
	}
	if cfg.Sources == nil {
		return nil, errors.New("host: capture source factory required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	h := &Host{
		cfg:      cfg,
		log:      log.With("component", "host"),
		ready:    make(chan struct{}),
		clients:  make(map[uuid.UUID]*client),
		settings: cfg.Capture,
	}
	h.engine = capture.New(capture.Config{
		Factory:    cfg.Sources,
		Queue:      capture.NewFrameQueue(capture.QueueDepth(cfg.Capture)),
		Restart:    cfg.Restart,
		OnRecovery: h.recover,
		Log:        log,
	})
	h.pathSize = cfg.MaxPacketSize
	if h.pathSize <= 0 {
		h.pathSize = hostPathSize(h.log)
	}
	return h, nil
}

func hostPathSize(log *slog.Logger) int {
	snap, err := netpath.FromInterfaces()
	if err != nil {
		log.Warn("network path unavailable", "error", err)
		return netpath.ConservativePacketSize
	}
	kind := netpath.Classify(snap)
	log.Debug("network path", "kind", kind, "interfaces", snap.Interfaces)
	return netpath.MaxPacketSizeFor(kind)
}

// packetSize returns the packet budget for a client at addr.
func (h *Host) packetSize(addr net.Addr) int {
	size := h.pathSize
	if h.cfg.MaxPacketSize <= 0 {
		if ua, ok := addr.(*net.UDPAddr); ok && ua.IP.IsLoopback() {
			size = netpath.MaxPacketSizeFor(netpath.KindLoopback)
		}
	}
	return transport.MaxPacketSize(h.cfg.Transport, size)
}

// Engine returns the capture engine.
func (h *Host) Engine() *capture.Engine { return h.engine }

// Ready is closed once the control and media listeners are bound.
func (h *Host) Ready() <-chan struct{} { return h.ready }

// ControlAddr returns the control listener address. Valid after Ready.
func (h *Host) ControlAddr() net.Addr { return h.ctrl.Addr() }

// MediaPort returns the media listener port. Valid after Ready.
func (h *Host) MediaPort() uint16 { return h.media.Port() }

// Run binds the listeners, starts capture and streams until ctx is done.
func (h *Host) Run(ctx context.Context) error {
	media, err := transport.Listen(h.cfg.Transport, h.cfg.MediaAddr, transport.ServerHandlers{
		OnRegister: h.registered,
		OnPacket:   h.inbound,
	}, h.log)
	if err != nil {
		return fmt.Errorf("media listener: %w", err)
	}
	h.media = media
	h.ctrl = control.NewServer(control.ServerConfig{
		Addr:        h.cfg.ControlAddr,
		Certificate: h.cfg.Certificate,
		Handler:     h,
		Verifier:    h.cfg.Verifier,
		Updates:     h.cfg.Updates,
		Log:         h.log,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := h.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return h.media.Serve(ctx) })
	g.Go(func() error { return h.ctrl.Start(ctx) })
	g.Go(func() error {
		select {
		case <-h.ctrl.Ready():
		case <-ctx.Done():
			return nil
		}
		h.log.Info("host ready",
			"control", h.ctrl.Addr(),
			"media_port", h.media.Port(),
			"transport", h.media.Transport(),
		)
		close(h.ready)
		return nil
	})
	g.Go(func() error {
		if err := h.engine.Start(ctx, h.cfg.Capture); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("start capture: %w", err)
		}
		return nil
	})
	g.Go(func() error { return h.streamVideo(ctx) })
	if h.cfg.Audio != nil {
		g.Go(func() error { return h.streamAudio(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		h.engine.Queue().Close()
		return nil
	})

	return g.Wait()
}

// Admit implements control.Handler.
func (h *Host) Admit(_ context.Context, conn *control.Conn) (control.Admission, error) {
	key, err := security.DerivePacketKey(conn.Security)
	if err != nil {
		return control.Admission{}, err
	}
	id := conn.DeviceID()
	size := h.packetSize(conn.RemoteAddr())

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[id]; ok {
		return control.Admission{}, &control.RejectError{Reason: wire.RejectDuplicateDevice}
	}
	if h.cfg.MaxClients > 0 && len(h.clients) >= h.cfg.MaxClients {
		return control.Admission{}, &control.RejectError{Reason: wire.RejectHostBusy}
	}

	c := &client{
		conn: conn,
		key:  key,
		video: packetizer.NewVideoPacketizer(packetizer.VideoConfig{
			StreamID:      VideoStreamID,
			MaxPacketSize: size,
		}, key),
		connected: time.Now(),
	}
	if h.cfg.Audio != nil {
		c.audio = packetizer.NewAudioPacketizer(packetizer.AudioConfig{
			StreamID:      AudioStreamID,
			Format:        h.cfg.Audio.Format(),
			MaxPacketSize: size,
		}, key)
	}
	h.clients[id] = c
	h.media.Authorize(id, conn.Security.RegistrationToken)

	h.log.Info("client admitted", "device", id, "name", conn.Hello.DeviceName, "packet_size", size)
	return control.Admission{
		MediaPort:     h.media.Port(),
		Transport:     h.media.Transport(),
		VideoStreamID: VideoStreamID,
		VideoEpoch:    c.video.Epoch(),
	}, nil
}

// KeyframeRequested implements control.Handler.
func (h *Host) KeyframeRequested(conn *control.Conn, req wire.KeyframeRequest) {
	if req.StreamID != VideoStreamID {
		return
	}
	h.log.Debug("keyframe requested", "device", conn.DeviceID())
	h.RequestKeyframe()
}

// Closed implements control.Handler.
func (h *Host) Closed(conn *control.Conn) {
	id := conn.DeviceID()
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok && c.conn == conn {
		delete(h.clients, id)
	}
	h.mu.Unlock()
	if ok && c.conn == conn {
		h.media.Revoke(id)
		h.log.Info("client removed", "device", id)
	}
}

// RequestKeyframe makes the next encoded frame a keyframe.
func (h *Host) RequestKeyframe() {
	h.forceKeyframe.Store(true)
}

func (h *Host) lookup(id uuid.UUID) *client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[id]
}

func (h *Host) snapshotClients() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// registered binds a client's media peer once its registration is verified.
func (h *Host) registered(p transport.Peer) {
	c := h.lookup(p.DeviceID())
	if c == nil {
		return
	}
	c.setPeer(p)
	h.log.Info("media registered", "device", p.DeviceID(), "addr", p.RemoteAddr())
	h.RequestKeyframe()

	if c.audio != nil {
		f := c.audio.Format()
		msg := wire.AudioStreamStarted{
			StreamID:        AudioStreamID,
			Codec:           f.Codec,
			SampleRate:      f.SampleRate,
			ChannelCount:    f.ChannelCount,
			SamplesPerFrame: f.SamplesPerFrame,
			Epoch:           c.audio.Epoch(),
		}
		if err := c.conn.Send(wire.MsgAudioStreamStarted, wire.SerializeAudioStreamStarted(msg)); err != nil {
			h.log.Debug("audio start notify failed", "device", p.DeviceID(), "error", err)
		}
	}
}

func (h *Host) inbound(p transport.Peer, pkt []byte) {
	h.log.Debug("ignoring client media packet", "device", p.DeviceID(), "kind", wire.PeekKind(pkt), "bytes", len(pkt))
}

func (h *Host) streamVideo(ctx context.Context) error {
	q := h.engine.Queue()
	var lastGen uint64
	for {
		f, err := q.Next(ctx)
		if err != nil {
			if errors.Is(err, capture.ErrQueueClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		force := h.forceKeyframe.Swap(false)
		enc, err := h.cfg.Encoder.Encode(ctx, f, force)
		if err != nil {
			h.encodeErrors.Add(1)
			h.forceKeyframe.Store(true)
			h.log.Warn("encode failed", "error", err)
			continue
		}
		if force {
			h.keyframesForced.Add(1)
		}
		enc.FrameNumber = h.frameNumber
		h.frameNumber++
		if lastGen != 0 && f.Generation != lastGen {
			enc.Discontinuity = true
		}
		lastGen = f.Generation
		h.framesEncoded.Add(1)

		h.sendVideo(enc)
	}
}

func (h *Host) sendVideo(enc packetizer.EncodedFrame) {
	var g errgroup.Group
	for _, c := range h.snapshotClients() {
		peer := c.mediaPeer()
		if peer == nil {
			continue
		}
		g.Go(func() error {
			pkts, err := c.video.Packetize(enc)
			if err != nil {
				h.log.Warn("packetize failed", "device", peer.DeviceID(), "frame", enc.FrameNumber, "error", err)
				return nil
			}
			for _, pkt := range pkts {
				// Loss is repaired by keyframe requests.
				_ = peer.Send(pkt)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (h *Host) streamAudio(ctx context.Context) error {
	defer h.stopAudio("host stopping")
	for {
		f, err := h.cfg.Audio.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			h.log.Warn("audio source ended", "error", err)
			return nil
		}
		h.audioFrames.Add(1)
		for _, c := range h.snapshotClients() {
			peer := c.mediaPeer()
			if peer == nil || c.audio == nil {
				continue
			}
			pkt, err := c.audio.Packetize(f)
			if err != nil {
				h.log.Warn("audio packetize failed", "device", peer.DeviceID(), "error", err)
				continue
			}
			_ = peer.Send(pkt)
		}
	}
}

func (h *Host) stopAudio(reason string) {
	payload := wire.SerializeAudioStreamStopped(wire.AudioStreamStopped{StreamID: AudioStreamID, Reason: reason})
	for _, c := range h.snapshotClients() {
		if c.mediaPeer() == nil {
			continue
		}
		_ = c.conn.Send(wire.MsgAudioStreamStopped, payload)
	}
}

// recover handles an escalated capture restart: the next frame is a
// keyframe and every client moves to a new epoch with a decoder reset.
func (h *Host) recover(r capture.Recovery) {
	h.recoveries.Add(1)
	h.log.Warn("capture recovery", "generation", r.Generation, "streak", r.Streak)
	if r.ResetDecoder {
		h.mu.RLock()
		s := h.settings
		h.mu.RUnlock()
		h.announceSettings(s, true)
		return
	}
	if r.RequestKeyframe {
		h.RequestKeyframe()
	}
}

// announceSettings moves every client to a new video epoch. The settings
// change is written before the packetizer advances, so no packet of the new
// epoch leaves ahead of it. Control and media travel on different paths and
// may still be reordered; the client requests a keyframe when it applies the
// change, which is what resynchronizes it.
func (h *Host) announceSettings(s capture.Settings, reset bool) {
	h.announceMu.Lock()
	defer h.announceMu.Unlock()

	for _, c := range h.snapshotClients() {
		msg := wire.EncoderSettingsChange{
			StreamID:     VideoStreamID,
			Width:        uint32(s.Width),
			Height:       uint32(s.Height),
			FrameRate:    uint32(s.FrameRate),
			LatencyMode:  uint8(s.Latency),
			Epoch:        c.video.Epoch() + 1,
			ResetDecoder: reset,
		}
		if err := c.conn.Send(wire.MsgStreamEncoderSettingsChange, wire.SerializeEncoderSettingsChange(msg)); err != nil {
			h.log.Debug("settings notify failed", "device", c.conn.DeviceID(), "error", err)
		}
		c.video.Reconfigure()
	}
	h.RequestKeyframe()
}

// Reconfigure applies new capture settings and moves clients to a new
// epoch.
func (h *Host) Reconfigure(ctx context.Context, s capture.Settings) error {
	h.engine.Queue().Resize(capture.QueueDepth(s))
	if err := h.engine.Reconfigure(ctx, s); err != nil {
		return err
	}
	h.mu.Lock()
	h.settings = s
	h.mu.Unlock()
	h.announceSettings(s, true)
	return nil
}
