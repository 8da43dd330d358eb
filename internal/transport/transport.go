// Package transport moves media packets between host and clients. Media
// send is fire-and-forget; loss is recovered above this layer by keyframe
// requests and fragment discard.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/zsiec/beam/internal/security"
	"github.com/zsiec/beam/internal/wire"
)

var (
	ErrClosed          = errors.New("transport: closed")
	ErrNotRegistered   = errors.New("transport: not registered")
	ErrUnauthorized    = errors.New("transport: device not authorized")
	ErrInvalidStreamID = errors.New("transport: invalid stream id")
)

const (
	registerLength = 1 + 16 + 32
	ackLength      = 1 + 16
)

// Peer is a registered client as seen by the host.
type Peer interface {
	DeviceID() uuid.UUID
	RemoteAddr() net.Addr
	Send(pkt []byte) error
	Stats() PeerStats
}

// PeerStats counts traffic to and from one peer.
type PeerStats struct {
	PacketsSent     uint64 `json:"packetsSent"`
	BytesSent       uint64 `json:"bytesSent"`
	SendErrors      uint64 `json:"sendErrors"`
	PacketsReceived uint64 `json:"packetsReceived"`
}

type peerCounters struct {
	packetsSent     atomic.Uint64
	bytesSent       atomic.Uint64
	sendErrors      atomic.Uint64
	packetsReceived atomic.Uint64
}

func (c *peerCounters) recordSend(n int, err error) {
	if err != nil {
		c.sendErrors.Add(1)
		return
	}
	c.packetsSent.Add(1)
	c.bytesSent.Add(uint64(n))
}

func (c *peerCounters) snapshot() PeerStats {
	return PeerStats{
		PacketsSent:     c.packetsSent.Load(),
		BytesSent:       c.bytesSent.Load(),
		SendErrors:      c.sendErrors.Load(),
		PacketsReceived: c.packetsReceived.Load(),
	}
}

// ServerHandlers receives media server events. Both callbacks run on the
// server's read goroutine and must not block.
type ServerHandlers struct {
	OnRegister func(Peer)
	OnPacket   func(Peer, []byte)
}

// appendRegister builds a registration packet: kind, device ID and proof.
func appendRegister(buf []byte, id uuid.UUID, proof [32]byte) []byte {
	buf = append(buf, wire.KindRegister)
	buf = append(buf, id[:]...)
	return append(buf, proof[:]...)
}

func parseRegister(pkt []byte) (uuid.UUID, []byte, bool) {
	if len(pkt) != registerLength || pkt[0] != wire.KindRegister {
		return uuid.Nil, nil, false
	}
	id, err := uuid.FromBytes(pkt[1:17])
	if err != nil {
		return uuid.Nil, nil, false
	}
	return id, pkt[17:], true
}

func appendAck(buf []byte, id uuid.UUID) []byte {
	buf = append(buf, wire.KindRegisterAck)
	return append(buf, id[:]...)
}

func parseAck(pkt []byte) (uuid.UUID, bool) {
	if len(pkt) != ackLength || pkt[0] != wire.KindRegisterAck {
		return uuid.Nil, false
	}
	id, err := uuid.FromBytes(pkt[1:])
	return id, err == nil
}

// authorizer holds the registration tokens issued during the control
// handshake.
type authorizer struct {
	tokens map[uuid.UUID][32]byte
}

func (a *authorizer) authorize(id uuid.UUID, token [32]byte) {
	if a.tokens == nil {
		a.tokens = make(map[uuid.UUID][32]byte)
	}
	a.tokens[id] = token
}

func (a *authorizer) verify(id uuid.UUID, proof []byte) bool {
	token, ok := a.tokens[id]
	return ok && security.VerifyRegistrationProof(token, id, proof)
}

// Server is the host side of a media transport.
type Server interface {
	Transport() wire.MediaTransport
	Port() uint16
	Authorize(id uuid.UUID, token [security.KeySize]byte)
	Revoke(id uuid.UUID)
	Peer(id uuid.UUID) (Peer, bool)
	Serve(ctx context.Context) error
	Close() error
}

// Client is the client side of a media transport.
type Client interface {
	Register(ctx context.Context) error
	Run(ctx context.Context) error
	Send(pkt []byte) error
	Close() error
}

var (
	_ Server = (*UDPServer)(nil)
	_ Server = (*SRTServer)(nil)
	_ Client = (*UDPClient)(nil)
	_ Client = (*SRTClient)(nil)
)

// Listen creates the host server for transport t on addr.
func Listen(t wire.MediaTransport, addr string, h ServerHandlers, log *slog.Logger) (Server, error) {
	switch t {
	case wire.TransportUDP:
		s, err := ListenUDP(addr, h, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case wire.TransportSRT:
		s, err := NewSRTServer(addr, h, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("transport: unsupported media transport %s", t)
	}
}

// Dial connects a client using transport t.
func Dial(ctx context.Context, t wire.MediaTransport, cfg ClientConfig) (Client, error) {
	switch t {
	case wire.TransportUDP:
		c, err := DialUDP(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	case wire.TransportSRT:
		c, err := DialSRT(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("transport: unsupported media transport %s", t)
	}
}

// MaxPacketSize caps a path's packet size to what transport t can carry in
// one message.
func MaxPacketSize(t wire.MediaTransport, pathSize int) int {
	if t == wire.TransportSRT {
		return min(pathSize, SRTPayloadSize)
	}
	return pathSize
}
