package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/beam/internal/oneshot"
	"github.com/zsiec/beam/internal/security"
	"github.com/zsiec/beam/internal/wire"
)

// udpReadBufferSize covers the largest datagram a peer may send.
const udpReadBufferSize = 64 * 1024

// UDPServer is the host side of the UDP media transport. A client address
// is bound to a device ID by a registration packet carrying a proof of the
// token issued in the control handshake.
type UDPServer struct {
	log      *slog.Logger
	conn     *net.UDPConn
	handlers ServerHandlers

	mu     sync.Mutex
	auth   authorizer
	peers  map[uuid.UUID]*udpPeer
	byAddr map[string]*udpPeer
	closed bool
}

// ListenUDP binds addr. If log is nil, slog.Default() is used.
func ListenUDP(addr string, h ServerHandlers, log *slog.Logger) (*UDPServer, error) {
	if log == nil {
		log = slog.Default()
	}
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("UDP listen on %s: %w", addr, err)
	}
	return &UDPServer{
		log:      log.With("component", "udp-server"),
		conn:     conn,
		handlers: h,
		peers:    make(map[uuid.UUID]*udpPeer),
		byAddr:   make(map[string]*udpPeer),
	}, nil
}

// Transport reports the media transport kind.
func (s *UDPServer) Transport() wire.MediaTransport { return wire.TransportUDP }

// Addr returns the bound address.
func (s *UDPServer) Addr() net.Addr { return s.conn.LocalAddr() }

// Port returns the bound port.
func (s *UDPServer) Port() uint16 {
	return uint16(s.conn.LocalAddr().(*net.UDPAddr).Port)
}

// Authorize allows id to register with the given token.
func (s *UDPServer) Authorize(id uuid.UUID, token [security.KeySize]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth.authorize(id, token)
}

// Revoke forgets id's token and its bound address.
func (s *UDPServer) Revoke(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.auth.tokens, id)
	if p, ok := s.peers[id]; ok {
		delete(s.peers, id)
		delete(s.byAddr, p.addr().String())
	}
}

// Peer returns the registered peer for id.
func (s *UDPServer) Peer(id uuid.UUID) (Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	if !ok {
		return nil, false
	}
	return p, true
}

// Serve reads datagrams until ctx is cancelled or the server is closed.
func (s *UDPServer) Serve(ctx context.Context) error {
	s.log.Info("listening", "addr", s.conn.LocalAddr())

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	var backoff readBackoff
	buf := make([]byte, udpReadBufferSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("read error", "error", err)
			if !backoff.wait(ctx) {
				return nil
			}
			continue
		}
		backoff.reset()
		s.handle(buf[:n], addr)
	}
}

func (s *UDPServer) handle(pkt []byte, addr *net.UDPAddr) {
	if wire.PeekKind(pkt) == wire.KindRegister {
		s.register(pkt, addr)
		return
	}

	s.mu.Lock()
	p, ok := s.byAddr[addr.String()]
	s.mu.Unlock()
	if !ok {
		s.log.Debug("packet from unregistered address", "remote", addr)
		return
	}
	p.counters.packetsReceived.Add(1)
	if s.handlers.OnPacket != nil {
		s.handlers.OnPacket(p, append([]byte(nil), pkt...))
	}
}

func (s *UDPServer) register(pkt []byte, addr *net.UDPAddr) {
	id, proof, ok := parseRegister(pkt)
	if !ok {
		s.log.Debug("malformed registration", "remote", addr)
		return
	}

	s.mu.Lock()
	if !s.auth.verify(id, proof) {
		s.mu.Unlock()
		s.log.Warn("registration rejected", "device", id, "remote", addr)
		return
	}
	if prev, ok := s.byAddr[addr.String()]; ok && prev.id != id {
		// The address now belongs to another device.
		delete(s.peers, prev.id)
		delete(s.byAddr, addr.String())
		s.log.Info("peer replaced", "device", prev.id, "by", id, "remote", addr)
	}
	p, existing := s.peers[id]
	if existing {
		if old := p.addr().String(); old != addr.String() {
			delete(s.byAddr, old)
			p.setAddr(addr)
			s.log.Info("peer address changed", "device", id, "remote", addr)
		}
	} else {
		p = &udpPeer{id: id, conn: s.conn}
		p.setAddr(addr)
		s.peers[id] = p
	}
	s.byAddr[addr.String()] = p
	s.mu.Unlock()

	// Retransmitted registrations are acked again; the first ack may be lost.
	if _, err := s.conn.WriteToUDP(appendAck(nil, id), addr); err != nil {
		s.log.Debug("ack write failed", "device", id, "error", err)
	}
	if !existing {
		s.log.Info("peer registered", "device", id, "remote", addr)
		if s.handlers.OnRegister != nil {
			s.handlers.OnRegister(p)
		}
	}
}

// Close stops the server.
func (s *UDPServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

type udpPeer struct {
	id       uuid.UUID
	conn     *net.UDPConn
	counters peerCounters

	mu     sync.RWMutex
	remote *net.UDPAddr
}

func (p *udpPeer) addr() *net.UDPAddr {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.remote
}

func (p *udpPeer) setAddr(a *net.UDPAddr) {
	p.mu.Lock()
	p.remote = a
	p.mu.Unlock()
}

func (p *udpPeer) DeviceID() uuid.UUID  { return p.id }
func (p *udpPeer) RemoteAddr() net.Addr { return p.addr() }
func (p *udpPeer) Stats() PeerStats     { return p.counters.snapshot() }

func (p *udpPeer) Send(pkt []byte) error {
	n, err := p.conn.WriteToUDP(pkt, p.addr())
	p.counters.recordSend(n, err)
	return err
}

// ClientConfig configures a media client.
type ClientConfig struct {
	Addr     string
	DeviceID uuid.UUID
	Token    [security.KeySize]byte

	// RetryInterval spaces registration attempts. Defaults to 250ms.
	RetryInterval time.Duration

	// OnPacket receives every media packet from the host. It runs on the
	// client's read goroutine.
	OnPacket func([]byte)

	Log *slog.Logger
}

// UDPClient is the client side of the UDP media transport.
type UDPClient struct {
	cfg        ClientConfig
	log        *slog.Logger
	conn       *net.UDPConn
	registered *oneshot.Promise[struct{}]
}

// DialUDP connects to the host's media port. Call Run to start reading,
// then Register.
func DialUDP(cfg ClientConfig) (*UDPClient, error) {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 250 * time.Millisecond
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	raddr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.Addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("UDP dial %s: %w", cfg.Addr, err)
	}
	return &UDPClient{
		cfg:        cfg,
		log:        log.With("component", "udp-client", "device", cfg.DeviceID),
		conn:       conn,
		registered: oneshot.New[struct{}](),
	}, nil
}

// Register sends registration packets until the host acknowledges one or
// ctx is done. Run must be reading for the ack to arrive.
func (c *UDPClient) Register(ctx context.Context) error {
	pkt := appendRegister(nil, c.cfg.DeviceID, security.RegistrationProof(c.cfg.Token, c.cfg.DeviceID))
	ticker := time.NewTicker(c.cfg.RetryInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		if _, err := c.conn.Write(pkt); err != nil {
			c.log.Debug("registration write failed", "attempt", attempt, "error", err)
		}
		select {
		case <-c.registered.Done():
			_, err := c.registered.Wait(ctx)
			if err == nil {
				c.log.Info("registered", "attempts", attempt)
			}
			return err
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("register: %w", ctx.Err())
		}
	}
}

// Registered is closed once the host acknowledges registration.
func (c *UDPClient) Registered() <-chan struct{} { return c.registered.Done() }

// Run reads packets until ctx is done or the client is closed.
func (c *UDPClient) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()

	var backoff readBackoff
	buf := make([]byte, udpReadBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				c.registered.Fulfill(struct{}{}, ErrClosed)
				return nil
			}
			// ICMP unreachable surfaces here while the host is not yet listening.
			c.log.Debug("read error", "error", err)
			if !backoff.wait(ctx) {
				c.registered.Fulfill(struct{}{}, ErrClosed)
				return nil
			}
			continue
		}
		backoff.reset()
		pkt := buf[:n]
		if id, ok := parseAck(pkt); ok {
			if id == c.cfg.DeviceID {
				c.registered.Fulfill(struct{}{}, nil)
			}
			continue
		}
		if c.cfg.OnPacket != nil {
			c.cfg.OnPacket(append([]byte(nil), pkt...))
		}
	}
}

// Send writes a packet to the host.
func (c *UDPClient) Send(pkt []byte) error {
	select {
	case <-c.registered.Done():
	default:
		return ErrNotRegistered
	}
	_, err := c.conn.Write(pkt)
	return err
}

// Close releases the socket.
func (c *UDPClient) Close() error {
	return c.conn.Close()
}

// Read error backoff bounds, doubling from min to max.
const (
	minReadBackoff = 5 * time.Millisecond
	maxReadBackoff = 500 * time.Millisecond
)

// readBackoff spaces out retries after consecutive read errors so a
// persistent socket error does not spin. Not goroutine safe.
type readBackoff struct {
	delay time.Duration
}

func (b *readBackoff) next() time.Duration {
	switch {
	case b.delay == 0:
		b.delay = minReadBackoff
	case b.delay < maxReadBackoff:
		b.delay = min(b.delay*2, maxReadBackoff)
	}
	return b.delay
}

func (b *readBackoff) reset() { b.delay = 0 }

// wait sleeps for the next delay. It returns false if ctx ends first.
func (b *readBackoff) wait(ctx context.Context) bool {
	t := time.NewTimer(b.next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
