package control

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/zsiec/beam/internal/security"
	"github.com/zsiec/beam/internal/wire"
)

// Verifier checks the signed identity in a hello. Signature verification is
// delegated to the platform's identity store.
type Verifier interface {
	Verify(ctx context.Context, hello wire.Hello) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, hello wire.Hello) error

func (f VerifierFunc) Verify(ctx context.Context, hello wire.Hello) error { return f(ctx, hello) }

// UpdateService answers software update requests relayed from clients.
type UpdateService interface {
	Status(ctx context.Context) (wire.SoftwareUpdateStatus, error)
	Install(ctx context.Context, req wire.SoftwareUpdateInstallRequest) (wire.SoftwareUpdateInstallResult, error)
}

// Admission is what the host grants an accepted client.
type Admission struct {
	MediaPort     uint16
	Transport     wire.MediaTransport
	VideoStreamID uint16
	VideoEpoch    uint16
}

// Handler is the host's view of control connections.
type Handler interface {
	// Admit decides whether a verified client may stream. Returning a
	// *RejectError refuses it with that reason.
	Admit(ctx context.Context, c *Conn) (Admission, error)

	// KeyframeRequested is called when a client asks for a keyframe.
	KeyframeRequested(c *Conn, req wire.KeyframeRequest)

	// Closed is called once an admitted connection ends.
	Closed(c *Conn)
}

// ServerConfig configures a control Server.
type ServerConfig struct {
	Addr             string
	Certificate      tls.Certificate
	Handler          Handler
	Verifier         Verifier
	Updates          UpdateService
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	Log              *slog.Logger
}

// Server accepts control connections from clients.
type Server struct {
	cfg ServerConfig
	log *slog.Logger

	mu       sync.Mutex
	listener *quic.Listener
	conns    map[uuid.UUID]*Conn
	ready    chan struct{}
}

// NewServer creates a Server. Call Start to listen.
func NewServer(cfg ServerConfig) *Server {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	return &Server{
		cfg:   cfg,
		log:   logger(cfg.Log).With("component", "control-server"),
		conns: make(map[uuid.UUID]*Conn),
		ready: make(chan struct{}),
	}
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Conns returns the admitted connections.
func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Start listens and serves connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{s.cfg.Certificate},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}
	ln, err := quic.ListenAddr(s.cfg.Addr, tlsConf, &quic.Config{
		MaxIdleTimeout:  s.cfg.IdleTimeout,
		KeepAlivePeriod: s.cfg.IdleTimeout / 3,
	})
	if err != nil {
		return fmt.Errorf("control listen on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)
	s.log.Info("listening", "addr", ln.Addr())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		qc, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, qc)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, qc quic.Connection) {
	log := s.log.With("remote", qc.RemoteAddr())

	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	str, err := qc.AcceptStream(hctx)
	cancel()
	if err != nil {
		log.Debug("no control stream", "error", err)
		qc.CloseWithError(codeProtocolError, "no control stream")
		return
	}
	st := &stream{conn: qc, str: str}

	c, err := s.handshake(ctx, st, log)
	if err != nil {
		log.Info("handshake failed", "error", err)
		if !errors.Is(err, ErrRejected) {
			st.close(codeProtocolError, "handshake failed")
			return
		}
		// Let the client read the response before the connection goes away.
		_ = str.Close()
		select {
		case <-qc.Context().Done():
		case <-ctx.Done():
		case <-time.After(s.cfg.HandshakeTimeout):
		}
		st.close(codeRejected, "rejected")
		return
	}

	s.mu.Lock()
	s.conns[c.ID] = c
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			c.st.close(codeNormal, "host shutting down")
		case <-qc.Context().Done():
		}
	}()

	err = s.readLoop(ctx, c)
	if err != nil && !isClosedErr(err) {
		c.log.Warn("control loop ended", "error", err)
		c.st.close(codeProtocolError, "protocol error")
	} else {
		c.st.close(codeNormal, "")
	}

	s.mu.Lock()
	if s.conns[c.ID] == c {
		delete(s.conns, c.ID)
	}
	s.mu.Unlock()
	s.cfg.Handler.Closed(c)
	c.log.Info("disconnected")
}

func (s *Server) handshake(ctx context.Context, st *stream, log *slog.Logger) (*Conn, error) {
	env, err := st.readWithTimeout(s.cfg.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if err := env.Expect(wire.MsgHello); err != nil {
		return nil, err
	}
	hello, err := wire.ParseHello(env.Payload)
	if err != nil {
		return nil, err
	}
	log = log.With("device", hello.DeviceID, "name", hello.DeviceName)

	reject := func(reason wire.RejectReason, cause error) (*Conn, error) {
		resp := wire.HelloResponse{ProtocolVersion: wire.ProtocolVersion, RejectReason: reason}
		if err := st.send(wire.MsgHelloResponse, wire.SerializeHelloResponse(resp)); err != nil {
			log.Debug("reject send failed", "error", err)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrRejected, reason, cause)
	}

	if hello.ProtocolVersion != wire.ProtocolVersion {
		return reject(wire.RejectProtocolVersionMismatch,
			fmt.Errorf("%w: client %d, host %d", ErrVersionMismatch, hello.ProtocolVersion, wire.ProtocolVersion))
	}
	if s.cfg.Verifier != nil {
		if err := s.cfg.Verifier.Verify(ctx, hello); err != nil {
			return reject(wire.RejectIdentityRejected, err)
		}
	}

	sc, err := security.NewSecurityContext()
	if err != nil {
		return nil, err
	}
	c := &Conn{
		ID:       uuid.New(),
		Hello:    hello,
		Security: sc,
		st:       st,
		log:      log,
	}

	adm, err := s.cfg.Handler.Admit(ctx, c)
	if err != nil {
		return reject(rejectReason(err), err)
	}
	c.Admission = adm

	resp := wire.HelloResponse{
		Accepted:          true,
		ProtocolVersion:   wire.ProtocolVersion,
		SessionKey:        sc.SessionKey[:],
		RegistrationToken: sc.RegistrationToken[:],
		MediaPort:         adm.MediaPort,
		Transport:         adm.Transport,
		VideoStreamID:     adm.VideoStreamID,
		VideoEpoch:        adm.VideoEpoch,
	}
	if err := st.send(wire.MsgHelloResponse, wire.SerializeHelloResponse(resp)); err != nil {
		s.cfg.Handler.Closed(c)
		return nil, err
	}
	log.Info("client admitted", "transport", adm.Transport, "media_port", adm.MediaPort)
	return c, nil
}

func (s *Server) readLoop(ctx context.Context, c *Conn) error {
	for {
		env, err := c.st.read()
		if err != nil {
			return err
		}
		switch env.Type {
		case wire.MsgKeyframeRequest:
			req, err := wire.ParseKeyframeRequest(env.Payload)
			if err != nil {
				c.log.Debug("malformed keyframe request", "error", err)
				continue
			}
			s.cfg.Handler.KeyframeRequested(c, req)
		case wire.MsgPing:
			if err := c.Send(wire.MsgPong, env.Payload); err != nil {
				return err
			}
		case wire.MsgHostSoftwareUpdateStatusRequest:
			go s.updateStatus(ctx, c)
		case wire.MsgHostSoftwareUpdateInstallRequest:
			req, err := wire.ParseSoftwareUpdateInstallRequest(env.Payload)
			if err != nil {
				c.log.Debug("malformed install request", "error", err)
				continue
			}
			go s.updateInstall(ctx, c, req)
		default:
			c.log.Debug("ignoring control message", "type", env.Type)
		}
	}
}

func (s *Server) updateStatus(ctx context.Context, c *Conn) {
	st := wire.SoftwareUpdateStatus{State: "unavailable", BlockReason: wire.UpdateNoUpdateAvailable}
	if s.cfg.Updates != nil {
		got, err := s.cfg.Updates.Status(ctx)
		if err != nil {
			c.log.Warn("update status failed", "error", err)
		} else {
			st = got
		}
	}
	if err := c.Send(wire.MsgHostSoftwareUpdateStatus, wire.SerializeSoftwareUpdateStatus(st)); err != nil {
		c.log.Debug("update status send failed", "error", err)
	}
}

func (s *Server) updateInstall(ctx context.Context, c *Conn, req wire.SoftwareUpdateInstallRequest) {
	res := wire.SoftwareUpdateInstallResult{BlockReason: wire.UpdateNoUpdateAvailable}
	if s.cfg.Updates != nil {
		got, err := s.cfg.Updates.Install(ctx, req)
		if err != nil {
			c.log.Warn("update install failed", "version", req.Version, "error", err)
			res = wire.SoftwareUpdateInstallResult{BlockReason: wire.UpdatePolicyDenied, Message: err.Error()}
		} else {
			res = got
		}
	}
	c.log.Info("update install requested", "version", req.Version, "success", res.Success, "block_reason", res.BlockReason)
	if err := c.Send(wire.MsgHostSoftwareUpdateInstallResult, wire.SerializeSoftwareUpdateInstallResult(res)); err != nil {
		c.log.Debug("install result send failed", "error", err)
	}
}

// Broadcast sends a message to every admitted connection.
func (s *Server) Broadcast(t wire.MessageType, payload []byte) {
	for _, c := range s.Conns() {
		if err := c.Send(t, payload); err != nil {
			c.log.Debug("broadcast failed", "type", t, "error", err)
		}
	}
}

// Conn is an admitted client connection.
type Conn struct {
	ID        uuid.UUID
	Hello     wire.Hello
	Security  security.SecurityContext
	Admission Admission

	st  *stream
	log *slog.Logger
}

// DeviceID returns the client's device ID.
func (c *Conn) DeviceID() uuid.UUID { return c.Hello.DeviceID }

// RemoteAddr returns the client's address.
func (c *Conn) RemoteAddr() net.Addr { return c.st.remoteAddr() }

// Send writes a message to the client.
func (c *Conn) Send(t wire.MessageType, payload []byte) error {
	return c.st.send(t, payload)
}

// Close ends the connection.
func (c *Conn) Close() error {
	return c.st.close(codeNormal, "closed by host")
}
