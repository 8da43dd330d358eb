// Package control runs the reliable control channel between host and
// clients: one QUIC connection per client with a single bidirectional
// stream carrying wire envelopes.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/beam/internal/wire"
)

// ALPN identifies the control protocol during the TLS handshake.
const ALPN = "beam-control"

// DefaultHandshakeTimeout bounds hello and helloResponse.
const DefaultHandshakeTimeout = 5 * time.Second

var (
	ErrClosed          = errors.New("control: connection closed")
	ErrVersionMismatch = errors.New("control: protocol version mismatch")
	ErrRejected        = errors.New("control: hello rejected")
)

// Application error codes used when closing a QUIC connection.
const (
	codeNormal quic.ApplicationErrorCode = iota
	codeRejected
	codeProtocolError
)

// RejectError is returned by an Admitter to refuse a client with a specific
// reason.
type RejectError struct {
	Reason wire.RejectReason
}

func (e *RejectError) Error() string {
	return "control: rejected: " + e.Reason.String()
}

func (e *RejectError) Is(target error) bool { return target == ErrRejected }

// rejectReason maps an admission error to the reason sent to the client.
func rejectReason(err error) wire.RejectReason {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Reason
	}
	return wire.RejectHostBusy
}

// stream carries envelopes over one QUIC stream. Writes are serialized so
// messages from different goroutines never interleave.
type stream struct {
	conn quic.Connection
	str  quic.Stream

	writeMu sync.Mutex
}

func (s *stream) send(t wire.MessageType, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := wire.WriteEnvelope(s.str, wire.Envelope{Type: t, Payload: payload}); err != nil {
		return fmt.Errorf("send %s: %w", t, err)
	}
	return nil
}

func (s *stream) read() (wire.Envelope, error) {
	return wire.ReadEnvelope(s.str)
}

// readWithTimeout reads one envelope, giving up after d.
func (s *stream) readWithTimeout(d time.Duration) (wire.Envelope, error) {
	_ = s.str.SetReadDeadline(time.Now().Add(d))
	defer func() { _ = s.str.SetReadDeadline(time.Time{}) }()
	return s.read()
}

func (s *stream) remoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *stream) close(code quic.ApplicationErrorCode, msg string) error {
	return s.conn.CloseWithError(code, msg)
}

// isClosedErr reports whether err means the peer or we closed the
// connection, as opposed to a protocol failure.
func isClosedErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return true
	}
	var idleErr *quic.IdleTimeoutError
	return errors.As(err, &idleErr)
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
