package wire

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go/quicvarint"
)

// ProtocolVersion is the wire protocol version spoken by this build. Any
// change to a media header layout requires a bump.
const ProtocolVersion uint32 = 3

// RejectReason explains a refused hello.
type RejectReason uint8

// Hello rejection reasons.
const (
	RejectNone RejectReason = iota
	RejectProtocolVersionMismatch
	RejectIdentityRejected
	RejectHostBusy
	RejectDuplicateDevice
)

func (r RejectReason) String() string {
	switch r {
	case RejectNone:
		return "none"
	case RejectProtocolVersionMismatch:
		return "protocolVersionMismatch"
	case RejectIdentityRejected:
		return "identityRejected"
	case RejectHostBusy:
		return "hostBusy"
	case RejectDuplicateDevice:
		return "duplicateDevice"
	default:
		return fmt.Sprintf("RejectReason(%d)", uint8(r))
	}
}

// MediaTransport names the datagram transport negotiated for media.
type MediaTransport uint8

// Media transports.
const (
	TransportUDP MediaTransport = iota
	TransportSRT
)

func (t MediaTransport) String() string {
	if t == TransportSRT {
		return "srt"
	}
	return "udp"
}

// ParseMediaTransport parses the String form of a MediaTransport.
func ParseMediaTransport(s string) (MediaTransport, error) {
	switch s {
	case "udp", "":
		return TransportUDP, nil
	case "srt":
		return TransportSRT, nil
	}
	return TransportUDP, fmt.Errorf("unknown media transport %q", s)
}

// IdentityEnvelope is the signed device identity carried in a hello.
// Signature verification belongs to the caller.
type IdentityEnvelope struct {
	KeyID       string
	PublicKey   []byte
	TimestampMs uint64
	Nonce       []byte
	Signature   []byte
}

// Hello is the first message a client sends on the control stream.
type Hello struct {
	ProtocolVersion uint32
	DeviceID        uuid.UUID
	DeviceName      string
	Identity        IdentityEnvelope
}

// HelloResponse answers a Hello. On acceptance it carries the per-connection
// secrets and where to send the UDP registration.
type HelloResponse struct {
	Accepted          bool
	ProtocolVersion   uint32
	RejectReason      RejectReason
	SessionKey        []byte
	RegistrationToken []byte
	MediaPort         uint16
	Transport         MediaTransport
	VideoStreamID     uint16
	VideoEpoch        uint16
}

// AudioCodec identifies the audio payload format.
type AudioCodec uint8

// Audio codecs.
const (
	AudioCodecPCM AudioCodec = iota
	AudioCodecOpus
	AudioCodecAAC
)

// AudioStreamStarted announces an audio stream and its format generation.
type AudioStreamStarted struct {
	StreamID        uint16
	Codec           AudioCodec
	SampleRate      uint32
	ChannelCount    uint8
	SamplesPerFrame uint16
	Epoch           uint16
}

// AudioStreamStopped announces the end of an audio stream.
type AudioStreamStopped struct {
	StreamID uint16
	Reason   string
}

// EncoderSettingsChange announces a video reconfiguration. Packets carrying
// an older epoch must be discarded once it is received.
type EncoderSettingsChange struct {
	StreamID     uint16
	Width        uint32
	Height       uint32
	FrameRate    uint32
	BitrateKbps  uint32
	LatencyMode  uint8
	Epoch        uint16
	ResetDecoder bool
}

// KeyframeRequest asks the host to encode a keyframe on a stream.
type KeyframeRequest struct {
	StreamID uint16
}

// UpdateBlockReason explains why a software update cannot proceed.
type UpdateBlockReason uint8

// Software update block reasons.
const (
	UpdateNotBlocked UpdateBlockReason = iota
	UpdatePolicyDenied
	UpdateAuthorizationRequired
	UpdateInProgress
	UpdateNoUpdateAvailable
)

func (r UpdateBlockReason) String() string {
	switch r {
	case UpdateNotBlocked:
		return "none"
	case UpdatePolicyDenied:
		return "policyDenied"
	case UpdateAuthorizationRequired:
		return "authorizationRequired"
	case UpdateInProgress:
		return "updateInProgress"
	case UpdateNoUpdateAvailable:
		return "noUpdateAvailable"
	default:
		return fmt.Sprintf("UpdateBlockReason(%d)", uint8(r))
	}
}

// SoftwareUpdateStatus reports the host's update state.
type SoftwareUpdateStatus struct {
	State            string
	CurrentVersion   string
	AvailableVersion string
	BlockReason      UpdateBlockReason
}

// SoftwareUpdateInstallRequest asks the host to install a version.
type SoftwareUpdateInstallRequest struct {
	Version string
}

// SoftwareUpdateInstallResult is the outcome of an install request.
type SoftwareUpdateInstallResult struct {
	Success     bool
	BlockReason UpdateBlockReason
	Message     string
}

// SerializeHello serializes a HELLO payload.
func SerializeHello(h Hello) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, uint64(h.ProtocolVersion))
	buf = append(buf, h.DeviceID[:]...)
	buf = appendVarIntBytes(buf, []byte(h.DeviceName))
	buf = appendIdentity(buf, h.Identity)
	return buf
}

// ParseHello parses a HELLO payload.
func ParseHello(data []byte) (Hello, error) {
	r := newFieldReader(data)
	var h Hello

	v, err := r.uvarint()
	if err != nil {
		return h, &ParseError{Field: "protocol_version", Err: err}
	}
	h.ProtocolVersion = uint32(v)

	id, err := r.fixed(16)
	if err != nil {
		return h, &ParseError{Field: "device_id", Err: err}
	}
	copy(h.DeviceID[:], id)

	name, err := r.blob()
	if err != nil {
		return h, &ParseError{Field: "device_name", Err: err}
	}
	h.DeviceName = string(name)

	h.Identity, err = parseIdentity(r)
	if err != nil {
		return h, err
	}
	return h, nil
}

func appendIdentity(buf []byte, id IdentityEnvelope) []byte {
	buf = appendVarIntBytes(buf, []byte(id.KeyID))
	buf = appendVarIntBytes(buf, id.PublicKey)
	buf = quicvarint.Append(buf, id.TimestampMs)
	buf = appendVarIntBytes(buf, id.Nonce)
	buf = appendVarIntBytes(buf, id.Signature)
	return buf
}

func parseIdentity(r *fieldReader) (IdentityEnvelope, error) {
	var id IdentityEnvelope

	keyID, err := r.blob()
	if err != nil {
		return id, &ParseError{Field: "identity_key_id", Err: err}
	}
	id.KeyID = string(keyID)

	if id.PublicKey, err = r.ownedBlob(); err != nil {
		return id, &ParseError{Field: "identity_public_key", Err: err}
	}
	if id.TimestampMs, err = r.uvarint(); err != nil {
		return id, &ParseError{Field: "identity_timestamp", Err: err}
	}
	if id.Nonce, err = r.ownedBlob(); err != nil {
		return id, &ParseError{Field: "identity_nonce", Err: err}
	}
	if id.Signature, err = r.ownedBlob(); err != nil {
		return id, &ParseError{Field: "identity_signature", Err: err}
	}
	return id, nil
}

// SerializeHelloResponse serializes a HELLO_RESPONSE payload.
func SerializeHelloResponse(hr HelloResponse) []byte {
	var buf []byte
	buf = append(buf, boolByte(hr.Accepted))
	buf = quicvarint.Append(buf, uint64(hr.ProtocolVersion))
	buf = append(buf, byte(hr.RejectReason))
	buf = appendVarIntBytes(buf, hr.SessionKey)
	buf = appendVarIntBytes(buf, hr.RegistrationToken)
	buf = quicvarint.Append(buf, uint64(hr.MediaPort))
	buf = append(buf, byte(hr.Transport))
	buf = quicvarint.Append(buf, uint64(hr.VideoStreamID))
	buf = quicvarint.Append(buf, uint64(hr.VideoEpoch))
	return buf
}

// ParseHelloResponse parses a HELLO_RESPONSE payload.
func ParseHelloResponse(data []byte) (HelloResponse, error) {
	r := newFieldReader(data)
	var hr HelloResponse

	accepted, err := r.u8()
	if err != nil {
		return hr, &ParseError{Field: "accepted", Err: err}
	}
	hr.Accepted = accepted != 0

	v, err := r.uvarint()
	if err != nil {
		return hr, &ParseError{Field: "protocol_version", Err: err}
	}
	hr.ProtocolVersion = uint32(v)

	reason, err := r.u8()
	if err != nil {
		return hr, &ParseError{Field: "reject_reason", Err: err}
	}
	hr.RejectReason = RejectReason(reason)

	if hr.SessionKey, err = r.ownedBlob(); err != nil {
		return hr, &ParseError{Field: "session_key", Err: err}
	}
	if hr.RegistrationToken, err = r.ownedBlob(); err != nil {
		return hr, &ParseError{Field: "registration_token", Err: err}
	}

	port, err := r.uvarint()
	if err != nil {
		return hr, &ParseError{Field: "media_port", Err: err}
	}
	hr.MediaPort = uint16(port)

	transport, err := r.u8()
	if err != nil {
		return hr, &ParseError{Field: "transport", Err: err}
	}
	hr.Transport = MediaTransport(transport)

	sid, err := r.uvarint()
	if err != nil {
		return hr, &ParseError{Field: "video_stream_id", Err: err}
	}
	hr.VideoStreamID = uint16(sid)

	epoch, err := r.uvarint()
	if err != nil {
		return hr, &ParseError{Field: "video_epoch", Err: err}
	}
	hr.VideoEpoch = uint16(epoch)
	return hr, nil
}

// SerializeAudioStreamStarted serializes an AUDIO_STREAM_STARTED payload.
func SerializeAudioStreamStarted(m AudioStreamStarted) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, uint64(m.StreamID))
	buf = append(buf, byte(m.Codec))
	buf = quicvarint.Append(buf, uint64(m.SampleRate))
	buf = append(buf, m.ChannelCount)
	buf = quicvarint.Append(buf, uint64(m.SamplesPerFrame))
	buf = quicvarint.Append(buf, uint64(m.Epoch))
	return buf
}

// ParseAudioStreamStarted parses an AUDIO_STREAM_STARTED payload.
func ParseAudioStreamStarted(data []byte) (AudioStreamStarted, error) {
	r := newFieldReader(data)
	var m AudioStreamStarted

	sid, err := r.uvarint()
	if err != nil {
		return m, &ParseError{Field: "stream_id", Err: err}
	}
	m.StreamID = uint16(sid)

	codec, err := r.u8()
	if err != nil {
		return m, &ParseError{Field: "codec", Err: err}
	}
	m.Codec = AudioCodec(codec)

	rate, err := r.uvarint()
	if err != nil {
		return m, &ParseError{Field: "sample_rate", Err: err}
	}
	m.SampleRate = uint32(rate)

	if m.ChannelCount, err = r.u8(); err != nil {
		return m, &ParseError{Field: "channel_count", Err: err}
	}

	spf, err := r.uvarint()
	if err != nil {
		return m, &ParseError{Field: "samples_per_frame", Err: err}
	}
	m.SamplesPerFrame = uint16(spf)

	epoch, err := r.uvarint()
	if err != nil {
		return m, &ParseError{Field: "epoch", Err: err}
	}
	m.Epoch = uint16(epoch)
	return m, nil
}

// SerializeAudioStreamStopped serializes an AUDIO_STREAM_STOPPED payload.
func SerializeAudioStreamStopped(m AudioStreamStopped) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, uint64(m.StreamID))
	buf = appendVarIntBytes(buf, []byte(m.Reason))
	return buf
}

// ParseAudioStreamStopped parses an AUDIO_STREAM_STOPPED payload.
func ParseAudioStreamStopped(data []byte) (AudioStreamStopped, error) {
	r := newFieldReader(data)
	var m AudioStreamStopped

	sid, err := r.uvarint()
	if err != nil {
		return m, &ParseError{Field: "stream_id", Err: err}
	}
	m.StreamID = uint16(sid)

	reason, err := r.blob()
	if err != nil {
		return m, &ParseError{Field: "reason", Err: err}
	}
	m.Reason = string(reason)
	return m, nil
}

// SerializeEncoderSettingsChange serializes a STREAM_ENCODER_SETTINGS_CHANGE payload.
func SerializeEncoderSettingsChange(m EncoderSettingsChange) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, uint64(m.StreamID))
	buf = quicvarint.Append(buf, uint64(m.Width))
	buf = quicvarint.Append(buf, uint64(m.Height))
	buf = quicvarint.Append(buf, uint64(m.FrameRate))
	buf = quicvarint.Append(buf, uint64(m.BitrateKbps))
	buf = append(buf, m.LatencyMode)
	buf = quicvarint.Append(buf, uint64(m.Epoch))
	buf = append(buf, boolByte(m.ResetDecoder))
	return buf
}

// ParseEncoderSettingsChange parses a STREAM_ENCODER_SETTINGS_CHANGE payload.
func ParseEncoderSettingsChange(data []byte) (EncoderSettingsChange, error) {
	r := newFieldReader(data)
	var m EncoderSettingsChange

	fields := []struct {
		name string
		dst  *uint32
	}{
		{"width", &m.Width},
		{"height", &m.Height},
		{"frame_rate", &m.FrameRate},
		{"bitrate_kbps", &m.BitrateKbps},
	}

	sid, err := r.uvarint()
	if err != nil {
		return m, &ParseError{Field: "stream_id", Err: err}
	}
	m.StreamID = uint16(sid)

	for _, f := range fields {
		v, err := r.uvarint()
		if err != nil {
			return m, &ParseError{Field: f.name, Err: err}
		}
		*f.dst = uint32(v)
	}

	if m.LatencyMode, err = r.u8(); err != nil {
		return m, &ParseError{Field: "latency_mode", Err: err}
	}

	epoch, err := r.uvarint()
	if err != nil {
		return m, &ParseError{Field: "epoch", Err: err}
	}
	m.Epoch = uint16(epoch)

	reset, err := r.u8()
	if err != nil {
		return m, &ParseError{Field: "reset_decoder", Err: err}
	}
	m.ResetDecoder = reset != 0
	return m, nil
}

// SerializeKeyframeRequest serializes a KEYFRAME_REQUEST payload.
func SerializeKeyframeRequest(m KeyframeRequest) []byte {
	return quicvarint.Append(nil, uint64(m.StreamID))
}

// ParseKeyframeRequest parses a KEYFRAME_REQUEST payload.
func ParseKeyframeRequest(data []byte) (KeyframeRequest, error) {
	r := newFieldReader(data)
	sid, err := r.uvarint()
	if err != nil {
		return KeyframeRequest{}, &ParseError{Field: "stream_id", Err: err}
	}
	return KeyframeRequest{StreamID: uint16(sid)}, nil
}

// SerializeSoftwareUpdateStatus serializes a HOST_SOFTWARE_UPDATE_STATUS payload.
func SerializeSoftwareUpdateStatus(m SoftwareUpdateStatus) []byte {
	var buf []byte
	buf = appendVarIntBytes(buf, []byte(m.State))
	buf = appendVarIntBytes(buf, []byte(m.CurrentVersion))
	buf = appendVarIntBytes(buf, []byte(m.AvailableVersion))
	buf = append(buf, byte(m.BlockReason))
	return buf
}

// ParseSoftwareUpdateStatus parses a HOST_SOFTWARE_UPDATE_STATUS payload.
func ParseSoftwareUpdateStatus(data []byte) (SoftwareUpdateStatus, error) {
	r := newFieldReader(data)
	var m SoftwareUpdateStatus

	state, err := r.blob()
	if err != nil {
		return m, &ParseError{Field: "state", Err: err}
	}
	m.State = string(state)

	current, err := r.blob()
	if err != nil {
		return m, &ParseError{Field: "current_version", Err: err}
	}
	m.CurrentVersion = string(current)

	available, err := r.blob()
	if err != nil {
		return m, &ParseError{Field: "available_version", Err: err}
	}
	m.AvailableVersion = string(available)

	reason, err := r.u8()
	if err != nil {
		return m, &ParseError{Field: "block_reason", Err: err}
	}
	m.BlockReason = UpdateBlockReason(reason)
	return m, nil
}

// SerializeSoftwareUpdateInstallRequest serializes a HOST_SOFTWARE_UPDATE_INSTALL_REQUEST payload.
func SerializeSoftwareUpdateInstallRequest(m SoftwareUpdateInstallRequest) []byte {
	return appendVarIntBytes(nil, []byte(m.Version))
}

// ParseSoftwareUpdateInstallRequest parses a HOST_SOFTWARE_UPDATE_INSTALL_REQUEST payload.
func ParseSoftwareUpdateInstallRequest(data []byte) (SoftwareUpdateInstallRequest, error) {
	r := newFieldReader(data)
	v, err := r.blob()
	if err != nil {
		return SoftwareUpdateInstallRequest{}, &ParseError{Field: "version", Err: err}
	}
	return SoftwareUpdateInstallRequest{Version: string(v)}, nil
}

// SerializeSoftwareUpdateInstallResult serializes a HOST_SOFTWARE_UPDATE_INSTALL_RESULT payload.
func SerializeSoftwareUpdateInstallResult(m SoftwareUpdateInstallResult) []byte {
	var buf []byte
	buf = append(buf, boolByte(m.Success))
	buf = append(buf, byte(m.BlockReason))
	buf = appendVarIntBytes(buf, []byte(m.Message))
	return buf
}

// ParseSoftwareUpdateInstallResult parses a HOST_SOFTWARE_UPDATE_INSTALL_RESULT payload.
func ParseSoftwareUpdateInstallResult(data []byte) (SoftwareUpdateInstallResult, error) {
	r := newFieldReader(data)
	var m SoftwareUpdateInstallResult

	ok, err := r.u8()
	if err != nil {
		return m, &ParseError{Field: "success", Err: err}
	}
	m.Success = ok != 0

	reason, err := r.u8()
	if err != nil {
		return m, &ParseError{Field: "block_reason", Err: err}
	}
	m.BlockReason = UpdateBlockReason(reason)

	msg, err := r.blob()
	if err != nil {
		return m, &ParseError{Field: "message", Err: err}
	}
	m.Message = string(msg)
	return m, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// appendVarIntBytes appends a varint-length-prefixed byte string to buf.
func appendVarIntBytes(buf []byte, data []byte) []byte {
	buf = quicvarint.Append(buf, uint64(len(data)))
	return append(buf, data...)
}

// fieldReader walks a control payload field by field. Every read reports
// a short payload as a truncation error wrapping io.ErrUnexpectedEOF.
type fieldReader struct {
	buf []byte
	off int
}

func newFieldReader(payload []byte) *fieldReader {
	return &fieldReader{buf: payload}
}

func (f *fieldReader) remaining() int { return len(f.buf) - f.off }

func (f *fieldReader) truncated(need int) error {
	return fmt.Errorf("%w: field needs %d bytes at offset %d, %d left",
		io.ErrUnexpectedEOF, need, f.off, f.remaining())
}

func (f *fieldReader) uvarint() (uint64, error) {
	if f.remaining() == 0 {
		return 0, f.truncated(1)
	}
	v, n, err := quicvarint.Parse(f.buf[f.off:])
	if err != nil {
		return 0, f.truncated(1 << (f.buf[f.off] >> 6))
	}
	f.off += n
	return v, nil
}

func (f *fieldReader) u8() (byte, error) {
	if f.remaining() < 1 {
		return 0, f.truncated(1)
	}
	v := f.buf[f.off]
	f.off++
	return v, nil
}

// fixed returns the next n bytes without copying.
func (f *fieldReader) fixed(n int) ([]byte, error) {
	if n < 0 || f.remaining() < n {
		return nil, f.truncated(n)
	}
	v := f.buf[f.off : f.off+n]
	f.off += n
	return v, nil
}

// blob reads a varint length prefix and that many bytes, aliasing the payload.
func (f *fieldReader) blob() ([]byte, error) {
	n, err := f.uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(f.remaining()) {
		return nil, f.truncated(int(min(n, uint64(MaxPayloadLength))))
	}
	return f.fixed(int(n))
}

// ownedBlob is blob for fields that outlive the payload buffer, such as key
// material.
func (f *fieldReader) ownedBlob() ([]byte, error) {
	v, err := f.blob()
	if err != nil || len(v) == 0 {
		return nil, err
	}
	return append([]byte(nil), v...), nil
}
