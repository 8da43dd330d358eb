package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageType tags a control envelope.
type MessageType uint16

// Control message types. Values are part of the wire protocol.
const (
	MsgHello                            MessageType = 0x0001
	MsgHelloResponse                    MessageType = 0x0002
	MsgPing                             MessageType = 0x0003
	MsgPong                             MessageType = 0x0004
	MsgAudioStreamStarted               MessageType = 0x0010
	MsgAudioStreamStopped               MessageType = 0x0011
	MsgStreamEncoderSettingsChange      MessageType = 0x0012
	MsgKeyframeRequest                  MessageType = 0x0013
	MsgHostSoftwareUpdateStatusRequest  MessageType = 0x0020
	MsgHostSoftwareUpdateStatus         MessageType = 0x0021
	MsgHostSoftwareUpdateInstallRequest MessageType = 0x0022
	MsgHostSoftwareUpdateInstallResult  MessageType = 0x0023
)

var messageTypeNames = map[MessageType]string{
	MsgHello:                            "hello",
	MsgHelloResponse:                    "helloResponse",
	MsgPing:                             "ping",
	MsgPong:                             "pong",
	MsgAudioStreamStarted:               "audioStreamStarted",
	MsgAudioStreamStopped:               "audioStreamStopped",
	MsgStreamEncoderSettingsChange:      "streamEncoderSettingsChange",
	MsgKeyframeRequest:                  "keyframeRequest",
	MsgHostSoftwareUpdateStatusRequest:  "hostSoftwareUpdateStatusRequest",
	MsgHostSoftwareUpdateStatus:         "hostSoftwareUpdateStatus",
	MsgHostSoftwareUpdateInstallRequest: "hostSoftwareUpdateInstallRequest",
	MsgHostSoftwareUpdateInstallResult:  "hostSoftwareUpdateInstallResult",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(0x%04x)", uint16(t))
}

const (
	// EnvelopeHeaderSize is the fixed prefix: type (u16) + payload length (u32).
	EnvelopeHeaderSize = 6

	// MaxPayloadLength bounds a single control payload.
	MaxPayloadLength = 16 << 20
)

// Envelope is one control message: [type u16][payloadLength u32][payload].
type Envelope struct {
	Type    MessageType
	Payload []byte
}

// Size returns the serialized length of the envelope.
func (e Envelope) Size() int { return EnvelopeHeaderSize + len(e.Payload) }

// Expect returns ErrUnexpectedType unless e carries message type t.
func (e Envelope) Expect(t MessageType) error {
	if e.Type != t {
		return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedType, e.Type, t)
	}
	return nil
}

// AppendEnvelope appends the serialized envelope to buf.
func AppendEnvelope(buf []byte, e Envelope) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(e.Type))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Payload)))
	return append(buf, e.Payload...)
}

// ParseEnvelope decodes one envelope from the front of data. It returns the
// number of bytes consumed so a stream reader can continue past trailing
// data. ok is false when data does not yet hold a complete envelope or the
// declared length exceeds MaxPayloadLength; no partial envelope is returned.
// The returned payload aliases data.
func ParseEnvelope(data []byte) (e Envelope, consumed int, ok bool) {
	if len(data) < EnvelopeHeaderSize {
		return Envelope{}, 0, false
	}
	length := binary.BigEndian.Uint32(data[2:6])
	if length > MaxPayloadLength {
		return Envelope{}, 0, false
	}
	end := EnvelopeHeaderSize + int(length)
	if len(data) < end {
		return Envelope{}, 0, false
	}
	return Envelope{
		Type:    MessageType(binary.BigEndian.Uint16(data[0:2])),
		Payload: data[EnvelopeHeaderSize:end:end],
	}, end, true
}

// ReadEnvelope reads exactly one envelope from a byte stream.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	var hdr [EnvelopeHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Envelope{}, fmt.Errorf("read envelope header: %w", err)
	}
	length := binary.BigEndian.Uint32(hdr[2:6])
	if length > MaxPayloadLength {
		return Envelope{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, length)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Envelope{}, fmt.Errorf("read envelope payload: %w", err)
		}
	}
	return Envelope{Type: MessageType(binary.BigEndian.Uint16(hdr[0:2])), Payload: payload}, nil
}

// WriteEnvelope writes e as a single Write call so concurrent writers that
// share a lock never interleave partial messages.
func WriteEnvelope(w io.Writer, e Envelope) error {
	if len(e.Payload) > MaxPayloadLength {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(e.Payload))
	}
	_, err := w.Write(AppendEnvelope(make([]byte, 0, e.Size()), e))
	return err
}

// Decoder splits a byte stream that arrives in arbitrary chunks into
// envelopes.
type Decoder struct {
	buf []byte
}

// Feed appends newly received bytes.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete envelope, or ok=false when more bytes are
// needed. The payload is copied so it remains valid after further Feed calls.
// An oversized length prefix is unrecoverable for the stream.
func (d *Decoder) Next() (e Envelope, ok bool, err error) {
	if len(d.buf) >= EnvelopeHeaderSize {
		if length := binary.BigEndian.Uint32(d.buf[2:6]); length > MaxPayloadLength {
			return Envelope{}, false, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, length)
		}
	}
	e, n, ok := ParseEnvelope(d.buf)
	if !ok {
		return Envelope{}, false, nil
	}
	e.Payload = append([]byte(nil), e.Payload...)
	d.buf = d.buf[n:]
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return e, true, nil
}

// Buffered reports how many bytes are waiting for a complete envelope.
func (d *Decoder) Buffered() int { return len(d.buf) }
