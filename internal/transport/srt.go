package transport

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/beam/internal/security"
	"github.com/zsiec/beam/internal/wire"
)

// SRTPayloadSize is the largest SRT live-mode message. Packetizers feeding
// an SRT peer must not exceed it.
const SRTPayloadSize = 1316

// srtLatencyNs is the SRT receive latency (40ms); beam favours latency over
// the broadcast-style 120ms default.
const srtLatencyNs = 40_000_000

const streamIDPrefix = "beam/"

// formatStreamID encodes a device registration in an SRT stream ID.
func formatStreamID(id uuid.UUID, proof [32]byte) string {
	return streamIDPrefix + id.String() + "/" + hex.EncodeToString(proof[:])
}

func parseStreamID(streamID string) (uuid.UUID, []byte, error) {
	rest, ok := strings.CutPrefix(strings.TrimPrefix(streamID, "/"), streamIDPrefix)
	if !ok {
		return uuid.Nil, nil, ErrInvalidStreamID
	}
	idPart, proofPart, ok := strings.Cut(rest, "/")
	if !ok {
		return uuid.Nil, nil, ErrInvalidStreamID
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("%w: %v", ErrInvalidStreamID, err)
	}
	proof, err := hex.DecodeString(proofPart)
	if err != nil || len(proof) != 32 {
		return uuid.Nil, nil, ErrInvalidStreamID
	}
	return id, proof, nil
}

// SRTServer is the host side of the SRT media transport. Registration is
// carried in the caller's stream ID and checked before the connection is
// accepted.
type SRTServer struct {
	log      *slog.Logger
	addr     string
	port     uint16
	handlers ServerHandlers

	mu     sync.Mutex
	auth   authorizer
	peers  map[uuid.UUID]*srtPeer
	stop   func()
	closed bool
}

// NewSRTServer creates an SRT server for addr, which must name a port. If
// log is nil, slog.Default() is used.
func NewSRTServer(addr string, h ServerHandlers, log *slog.Logger) (*SRTServer, error) {
	if log == nil {
		log = slog.Default()
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("SRT address %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return nil, fmt.Errorf("SRT address %q: a fixed port is required", addr)
	}
	return &SRTServer{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		port:     uint16(port),
		handlers: h,
		peers:    make(map[uuid.UUID]*srtPeer),
	}, nil
}

// Transport reports the media transport kind.
func (s *SRTServer) Transport() wire.MediaTransport { return wire.TransportSRT }

// Port returns the listening port.
func (s *SRTServer) Port() uint16 { return s.port }

// Authorize allows id to connect with the given token.
func (s *SRTServer) Authorize(id uuid.UUID, token [security.KeySize]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth.authorize(id, token)
}

// Revoke forgets id's token and closes its connection.
func (s *SRTServer) Revoke(id uuid.UUID) {
	s.mu.Lock()
	delete(s.auth.tokens, id)
	p, ok := s.peers[id]
	delete(s.peers, id)
	s.mu.Unlock()
	if ok {
		p.conn.Close()
	}
}

// Peer returns the connected peer for id.
func (s *SRTServer) Peer(id uuid.UUID) (Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	if !ok {
		return nil, false
	}
	return p, true
}

func (s *SRTServer) admit(req srtgo.ConnRequest) srtgo.RejectReason {
	id, proof, err := parseStreamID(req.StreamID)
	if err != nil {
		return srtgo.RejPeer
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.auth.verify(id, proof) {
		return srtgo.RejPeer
	}
	return 0
}

// Serve accepts SRT connections until ctx is cancelled.
func (s *SRTServer) Serve(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return nil
	}
	s.stop = func() { l.Close() }
	s.mu.Unlock()
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(s.admit)

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		id, _, err := parseStreamID(conn.StreamID())
		if err != nil {
			conn.Close()
			continue
		}
		go s.handleConnection(ctx, conn, id)
	}
}

func (s *SRTServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *SRTServer) handleConnection(ctx context.Context, conn *srtgo.Conn, id uuid.UUID) {
	defer conn.Close()

	p := &srtPeer{id: id, conn: conn}
	s.mu.Lock()
	if old, ok := s.peers[id]; ok {
		old.conn.Close()
	}
	s.peers[id] = p
	s.mu.Unlock()

	s.log.Info("peer registered", "device", id, "remote", conn.RemoteAddr())
	if s.handlers.OnRegister != nil {
		s.handlers.OnRegister(p)
	}

	buf := make([]byte, udpReadBufferSize)
	for ctx.Err() == nil {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("read error", "device", id, "error", err)
			}
			break
		}
		p.counters.packetsReceived.Add(1)
		if s.handlers.OnPacket != nil {
			s.handlers.OnPacket(p, append([]byte(nil), buf[:n]...))
		}
	}

	s.mu.Lock()
	if s.peers[id] == p {
		delete(s.peers, id)
	}
	s.mu.Unlock()
	stats := p.Stats()
	s.log.Info("connection closed", "device", id,
		"packets_sent", stats.PacketsSent, "bytes_sent", stats.BytesSent)
}

// Close stops accepting connections.
func (s *SRTServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.stop != nil {
		s.stop()
	}
	return nil
}

type srtPeer struct {
	id       uuid.UUID
	conn     *srtgo.Conn
	counters peerCounters
}

func (p *srtPeer) DeviceID() uuid.UUID  { return p.id }
func (p *srtPeer) RemoteAddr() net.Addr { return p.conn.RemoteAddr() }
func (p *srtPeer) Stats() PeerStats     { return p.counters.snapshot() }

func (p *srtPeer) Send(pkt []byte) error {
	n, err := p.conn.Write(pkt)
	p.counters.recordSend(n, err)
	return err
}

// SRTClient is the client side of the SRT media transport.
type SRTClient struct {
	cfg  ClientConfig
	log  *slog.Logger
	conn *srtgo.Conn
}

// srtDialTimeout bounds the SRT handshake.
const srtDialTimeout = 10 * time.Second

// DialSRT connects to the host's SRT listener. The connection is the
// registration: the host rejects callers whose stream ID proof is invalid.
func DialSRT(ctx context.Context, cfg ClientConfig) (*SRTClient, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	scfg := srtgo.DefaultConfig()
	scfg.Latency = srtLatencyNs
	scfg.StreamID = formatStreamID(cfg.DeviceID, security.RegistrationProof(cfg.Token, cfg.DeviceID))

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(cfg.Addr, scfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(srtDialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial failed: %w", res.err)
		}
		return &SRTClient{
			cfg:  cfg,
			log:  log.With("component", "srt-client", "device", cfg.DeviceID),
			conn: res.conn,
		}, nil
	case <-timer.C:
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("SRT dial timed out after %s", srtDialTimeout)
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Register is a no-op: an accepted SRT connection is already registered.
func (c *SRTClient) Register(context.Context) error { return nil }

// Run reads packets until ctx is done or the connection closes.
func (c *SRTClient) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()

	buf := make([]byte, udpReadBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if c.cfg.OnPacket != nil {
			c.cfg.OnPacket(append([]byte(nil), buf[:n]...))
		}
	}
}

// Send writes a packet to the host.
func (c *SRTClient) Send(pkt []byte) error {
	_, err := c.conn.Write(pkt)
	return err
}

// Close closes the connection.
func (c *SRTClient) Close() error {
	c.conn.Close()
	return nil
}
