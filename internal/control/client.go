package control

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/beam/internal/certs"
	"github.com/zsiec/beam/internal/oneshot"
	"github.com/zsiec/beam/internal/security"
	"github.com/zsiec/beam/internal/wire"
)

// SessionHandlers receives host-initiated messages. Callbacks run on the
// session's read goroutine.
type SessionHandlers struct {
	OnEncoderSettings func(wire.EncoderSettingsChange)
	OnAudioStarted    func(wire.AudioStreamStarted)
	OnAudioStopped    func(wire.AudioStreamStopped)
	OnUpdateStatus    func(wire.SoftwareUpdateStatus)
}

// DialConfig configures Dial.
type DialConfig struct {
	Addr  string
	Hello wire.Hello

	// Fingerprint pins the host certificate. A zero value accepts any
	// certificate; the one seen is reported in Session.Fingerprint.
	Fingerprint [32]byte

	HandshakeTimeout time.Duration
	Handlers         SessionHandlers
	Log              *slog.Logger
}

// Session is an established client control connection.
type Session struct {
	Response    wire.HelloResponse
	Security    security.SecurityContext
	Fingerprint [32]byte

	st       *stream
	log      *slog.Logger
	handlers SessionHandlers

	mu      sync.Mutex
	pending map[wire.MessageType][]*oneshot.Promise[wire.Envelope]
	closed  bool
}

// replyTypes maps a request to the message type that answers it.
var replyTypes = map[wire.MessageType]wire.MessageType{
	wire.MsgPing:                             wire.MsgPong,
	wire.MsgHostSoftwareUpdateStatusRequest:  wire.MsgHostSoftwareUpdateStatus,
	wire.MsgHostSoftwareUpdateInstallRequest: wire.MsgHostSoftwareUpdateInstallResult,
}

// Dial connects to a host, performs the hello exchange and returns the
// session. A rejected hello returns an error wrapping ErrRejected (and
// ErrVersionMismatch for a version rejection).
func Dial(ctx context.Context, cfg DialConfig) (*Session, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Hello.ProtocolVersion == 0 {
		cfg.Hello.ProtocolVersion = wire.ProtocolVersion
	}
	log := logger(cfg.Log).With("component", "control-client", "host", cfg.Addr)

	var seen [32]byte
	tlsConf := &tls.Config{
		// The host certificate is self-signed; trust comes from the pin.
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: certs.VerifyPinned(cfg.Fingerprint, func(fp [32]byte) { seen = fp }),
		NextProtos:            []string{ALPN},
		MinVersion:            tls.VersionTLS13,
	}

	dctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()

	qc, err := quic.DialAddr(dctx, cfg.Addr, tlsConf, &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Addr, err)
	}
	str, err := qc.OpenStreamSync(dctx)
	if err != nil {
		qc.CloseWithError(codeProtocolError, "")
		return nil, fmt.Errorf("open control stream: %w", err)
	}
	st := &stream{conn: qc, str: str}

	resp, err := hello(st, cfg.Hello, cfg.HandshakeTimeout)
	if err != nil {
		st.close(codeNormal, "")
		return nil, err
	}
	sc, err := security.ContextFromBytes(resp.SessionKey, resp.RegistrationToken)
	if err != nil {
		st.close(codeProtocolError, "bad key material")
		return nil, err
	}
	log.Info("connected", "transport", resp.Transport, "media_port", resp.MediaPort)

	return &Session{
		Response:    resp,
		Security:    sc,
		Fingerprint: seen,
		st:          st,
		log:         log,
		handlers:    cfg.Handlers,
		pending:     make(map[wire.MessageType][]*oneshot.Promise[wire.Envelope]),
	}, nil
}

func hello(st *stream, h wire.Hello, timeout time.Duration) (wire.HelloResponse, error) {
	if err := st.send(wire.MsgHello, wire.SerializeHello(h)); err != nil {
		return wire.HelloResponse{}, err
	}
	env, err := st.readWithTimeout(timeout)
	if err != nil {
		return wire.HelloResponse{}, fmt.Errorf("read hello response: %w", err)
	}
	if err := env.Expect(wire.MsgHelloResponse); err != nil {
		return wire.HelloResponse{}, err
	}
	resp, err := wire.ParseHelloResponse(env.Payload)
	if err != nil {
		return wire.HelloResponse{}, err
	}
	if !resp.Accepted {
		if resp.RejectReason == wire.RejectProtocolVersionMismatch {
			return resp, fmt.Errorf("%w: %w: client %d, host %d",
				ErrRejected, ErrVersionMismatch, h.ProtocolVersion, resp.ProtocolVersion)
		}
		return resp, fmt.Errorf("%w: %s", ErrRejected, resp.RejectReason)
	}
	return resp, nil
}

// Run reads host messages until ctx is done or the connection ends.
func (s *Session) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	defer s.failPending()

	for {
		env, err := s.st.read()
		if err != nil {
			if ctx.Err() != nil || isClosedErr(err) {
				return nil
			}
			return err
		}
		if s.resolve(env) {
			continue
		}
		s.dispatch(env)
	}
}

func (s *Session) dispatch(env wire.Envelope) {
	var err error
	switch env.Type {
	case wire.MsgStreamEncoderSettingsChange:
		var m wire.EncoderSettingsChange
		if m, err = wire.ParseEncoderSettingsChange(env.Payload); err == nil && s.handlers.OnEncoderSettings != nil {
			s.handlers.OnEncoderSettings(m)
		}
	case wire.MsgAudioStreamStarted:
		var m wire.AudioStreamStarted
		if m, err = wire.ParseAudioStreamStarted(env.Payload); err == nil && s.handlers.OnAudioStarted != nil {
			s.handlers.OnAudioStarted(m)
		}
	case wire.MsgAudioStreamStopped:
		var m wire.AudioStreamStopped
		if m, err = wire.ParseAudioStreamStopped(env.Payload); err == nil && s.handlers.OnAudioStopped != nil {
			s.handlers.OnAudioStopped(m)
		}
	case wire.MsgHostSoftwareUpdateStatus:
		var m wire.SoftwareUpdateStatus
		if m, err = wire.ParseSoftwareUpdateStatus(env.Payload); err == nil && s.handlers.OnUpdateStatus != nil {
			s.handlers.OnUpdateStatus(m)
		}
	default:
		s.log.Debug("ignoring control message", "type", env.Type)
	}
	if err != nil {
		s.log.Warn("malformed control message", "type", env.Type, "error", err)
	}
}

// resolve completes the oldest request waiting for env's type.
func (s *Session) resolve(env wire.Envelope) bool {
	s.mu.Lock()
	q := s.pending[env.Type]
	if len(q) == 0 {
		s.mu.Unlock()
		return false
	}
	p := q[0]
	s.pending[env.Type] = q[1:]
	s.mu.Unlock()
	p.Fulfill(env, nil)
	return true
}

func (s *Session) failPending() {
	s.mu.Lock()
	s.closed = true
	pending := s.pending
	s.pending = make(map[wire.MessageType][]*oneshot.Promise[wire.Envelope])
	s.mu.Unlock()
	for _, q := range pending {
		for _, p := range q {
			p.Fulfill(wire.Envelope{}, ErrClosed)
		}
	}
}

// Send writes a message to the host.
func (s *Session) Send(t wire.MessageType, payload []byte) error {
	return s.st.send(t, payload)
}

// Request sends a message and waits for its reply. Run must be reading.
func (s *Session) Request(ctx context.Context, t wire.MessageType, payload []byte) (wire.Envelope, error) {
	reply, ok := replyTypes[t]
	if !ok {
		return wire.Envelope{}, fmt.Errorf("control: %s has no reply", t)
	}
	p := oneshot.New[wire.Envelope]()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return wire.Envelope{}, ErrClosed
	}
	s.pending[reply] = append(s.pending[reply], p)
	s.mu.Unlock()

	if err := s.Send(t, payload); err != nil {
		s.abandon(reply, p)
		return wire.Envelope{}, err
	}
	env, err := p.Wait(ctx)
	if err != nil && !errors.Is(err, ErrClosed) {
		s.abandon(reply, p)
	}
	return env, err
}

func (s *Session) abandon(reply wire.MessageType, p *oneshot.Promise[wire.Envelope]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.pending[reply]
	for i, x := range q {
		if x == p {
			s.pending[reply] = append(q[:i:i], q[i+1:]...)
			return
		}
	}
}

// Ping measures the control channel round trip.
func (s *Session) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := s.Request(ctx, wire.MsgPing, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// RequestKeyframe asks the host for a keyframe on streamID.
func (s *Session) RequestKeyframe(streamID uint16) error {
	return s.Send(wire.MsgKeyframeRequest, wire.SerializeKeyframeRequest(wire.KeyframeRequest{StreamID: streamID}))
}

// UpdateStatus fetches the host's software update status.
func (s *Session) UpdateStatus(ctx context.Context) (wire.SoftwareUpdateStatus, error) {
	env, err := s.Request(ctx, wire.MsgHostSoftwareUpdateStatusRequest, nil)
	if err != nil {
		return wire.SoftwareUpdateStatus{}, err
	}
	return wire.ParseSoftwareUpdateStatus(env.Payload)
}

// InstallUpdate asks the host to install a software update.
func (s *Session) InstallUpdate(ctx context.Context, version string) (wire.SoftwareUpdateInstallResult, error) {
	env, err := s.Request(ctx, wire.MsgHostSoftwareUpdateInstallRequest,
		wire.SerializeSoftwareUpdateInstallRequest(wire.SoftwareUpdateInstallRequest{Version: version}))
	if err != nil {
		return wire.SoftwareUpdateInstallResult{}, err
	}
	return wire.ParseSoftwareUpdateInstallResult(env.Payload)
}

// Close ends the session.
func (s *Session) Close() error {
	return s.st.close(codeNormal, "")
}
