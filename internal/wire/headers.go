package wire

import "encoding/binary"

// Packet kinds. The first byte of every media datagram.
const (
	KindVideo       byte = 'V'
	KindAudio       byte = 'A'
	KindRegister    byte = 'R'
	KindRegisterAck byte = 'K'
)

// Header flags.
const (
	FlagKeyframe         uint8 = 1 << 0
	FlagEndOfFrame       uint8 = 1 << 1
	FlagEncryptedPayload uint8 = 1 << 2
	FlagDiscontinuity    uint8 = 1 << 3
)

const (
	// FrameHeaderSize is the serialized size of a FrameHeader.
	FrameHeaderSize = 38

	// AudioHeaderSize is the serialized size of an AudioPacketHeader.
	AudioHeaderSize = 32
)

// PeekKind returns the packet kind of a media datagram, or 0 if empty.
func PeekKind(pkt []byte) byte {
	if len(pkt) == 0 {
		return 0
	}
	return pkt[0]
}

// NonceFields are the header fields that identify a packet for nonce
// derivation.
type NonceFields struct {
	Kind     byte
	StreamID uint16
	Sequence uint32
	Epoch    uint16
}

// FrameHeader precedes every video fragment.
type FrameHeader struct {
	Flags          uint8
	StreamID       uint16
	SequenceNumber uint32
	Timestamp      uint64 // microseconds
	FrameNumber    uint32
	FragmentIndex  uint16
	FragmentCount  uint16
	PayloadLength  uint32 // bytes following the header, including any auth tag
	FrameByteCount uint32 // plaintext bytes across all fragments of the frame
	Checksum       uint32
	Epoch          uint16
}

// Has reports whether all bits of flag are set.
func (h FrameHeader) Has(flag uint8) bool { return h.Flags&flag == flag }

// NonceFields returns the fields that key this packet's nonce.
func (h FrameHeader) NonceFields() NonceFields {
	return NonceFields{Kind: KindVideo, StreamID: h.StreamID, Sequence: h.SequenceNumber, Epoch: h.Epoch}
}

// AppendBinary appends the serialized header to buf.
func (h FrameHeader) AppendBinary(buf []byte) []byte {
	buf = append(buf, KindVideo, h.Flags)
	buf = binary.BigEndian.AppendUint16(buf, h.StreamID)
	buf = binary.BigEndian.AppendUint32(buf, h.SequenceNumber)
	buf = binary.BigEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.BigEndian.AppendUint32(buf, h.FrameNumber)
	buf = binary.BigEndian.AppendUint16(buf, h.FragmentIndex)
	buf = binary.BigEndian.AppendUint16(buf, h.FragmentCount)
	buf = binary.BigEndian.AppendUint32(buf, h.PayloadLength)
	buf = binary.BigEndian.AppendUint32(buf, h.FrameByteCount)
	buf = binary.BigEndian.AppendUint32(buf, h.Checksum)
	buf = binary.BigEndian.AppendUint16(buf, h.Epoch)
	return buf
}

// Marshal returns the FrameHeaderSize-byte encoding of h.
func (h FrameHeader) Marshal() []byte {
	return h.AppendBinary(make([]byte, 0, FrameHeaderSize))
}

// UnmarshalFrameHeader decodes a video header from the front of data.
// ok is false for a short buffer, a non-video kind, or fragment fields that
// violate fragmentIndex < fragmentCount.
func UnmarshalFrameHeader(data []byte) (h FrameHeader, ok bool) {
	if len(data) < FrameHeaderSize || data[0] != KindVideo {
		return FrameHeader{}, false
	}
	h = FrameHeader{
		Flags:          data[1],
		StreamID:       binary.BigEndian.Uint16(data[2:4]),
		SequenceNumber: binary.BigEndian.Uint32(data[4:8]),
		Timestamp:      binary.BigEndian.Uint64(data[8:16]),
		FrameNumber:    binary.BigEndian.Uint32(data[16:20]),
		FragmentIndex:  binary.BigEndian.Uint16(data[20:22]),
		FragmentCount:  binary.BigEndian.Uint16(data[22:24]),
		PayloadLength:  binary.BigEndian.Uint32(data[24:28]),
		FrameByteCount: binary.BigEndian.Uint32(data[28:32]),
		Checksum:       binary.BigEndian.Uint32(data[32:36]),
		Epoch:          binary.BigEndian.Uint16(data[36:38]),
	}
	if h.FragmentCount == 0 || h.FragmentIndex >= h.FragmentCount {
		return FrameHeader{}, false
	}
	return h, true
}

// AudioPacketHeader precedes every audio packet. Audio frames are never
// fragmented, so the payload length fits a u16.
type AudioPacketHeader struct {
	Flags           uint8
	Codec           AudioCodec
	ChannelCount    uint8
	StreamID        uint16
	SequenceNumber  uint32
	Timestamp       uint64 // microseconds
	SampleRate      uint32
	SamplesPerFrame uint16
	PayloadLength   uint16
	Checksum        uint32
	Epoch           uint16
}

// Has reports whether all bits of flag are set.
func (h AudioPacketHeader) Has(flag uint8) bool { return h.Flags&flag == flag }

// NonceFields returns the fields that key this packet's nonce.
func (h AudioPacketHeader) NonceFields() NonceFields {
	return NonceFields{Kind: KindAudio, StreamID: h.StreamID, Sequence: h.SequenceNumber, Epoch: h.Epoch}
}

// AppendBinary appends the serialized header to buf.
func (h AudioPacketHeader) AppendBinary(buf []byte) []byte {
	buf = append(buf, KindAudio, h.Flags, byte(h.Codec), h.ChannelCount)
	buf = binary.BigEndian.AppendUint16(buf, h.StreamID)
	buf = binary.BigEndian.AppendUint32(buf, h.SequenceNumber)
	buf = binary.BigEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.BigEndian.AppendUint32(buf, h.SampleRate)
	buf = binary.BigEndian.AppendUint16(buf, h.SamplesPerFrame)
	buf = binary.BigEndian.AppendUint16(buf, h.PayloadLength)
	buf = binary.BigEndian.AppendUint32(buf, h.Checksum)
	buf = binary.BigEndian.AppendUint16(buf, h.Epoch)
	return buf
}

// Marshal returns the AudioHeaderSize-byte encoding of h.
func (h AudioPacketHeader) Marshal() []byte {
	return h.AppendBinary(make([]byte, 0, AudioHeaderSize))
}

// UnmarshalAudioHeader decodes an audio header from the front of data.
func UnmarshalAudioHeader(data []byte) (h AudioPacketHeader, ok bool) {
	if len(data) < AudioHeaderSize || data[0] != KindAudio {
		return AudioPacketHeader{}, false
	}
	return AudioPacketHeader{
		Flags:           data[1],
		Codec:           AudioCodec(data[2]),
		ChannelCount:    data[3],
		StreamID:        binary.BigEndian.Uint16(data[4:6]),
		SequenceNumber:  binary.BigEndian.Uint32(data[6:10]),
		Timestamp:       binary.BigEndian.Uint64(data[10:18]),
		SampleRate:      binary.BigEndian.Uint32(data[18:22]),
		SamplesPerFrame: binary.BigEndian.Uint16(data[22:24]),
		PayloadLength:   binary.BigEndian.Uint16(data[24:26]),
		Checksum:        binary.BigEndian.Uint32(data[26:30]),
		Epoch:           binary.BigEndian.Uint16(data[30:32]),
	}, true
}
