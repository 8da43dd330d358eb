// Package packetizer splits encoded media frames into datagram-sized,
// optionally encrypted packets and reassembles them on the receiving side.
package packetizer

import (
	"fmt"
	"math"
	"sync"

	"github.com/pion/rtp"

	"github.com/zsiec/beam/internal/security"
	"github.com/zsiec/beam/internal/wire"
)

// DefaultMaxPacketSize fits a typical 1500-byte Ethernet MTU after IP and
// UDP headers.
const DefaultMaxPacketSize = 1400

// EncodedFrame is one encoded video access unit.
type EncodedFrame struct {
	Data          []byte
	Keyframe      bool
	Timestamp     uint64 // microseconds
	FrameNumber   uint32
	Discontinuity bool
}

// VideoConfig configures a VideoPacketizer.
type VideoConfig struct {
	StreamID      uint16
	MaxPacketSize int
	Epoch         uint16
	Direction     security.Direction

	// ChecksumEncrypted computes checksums even for encrypted payloads.
	// Otherwise encrypted fragments carry wire.ChecksumNotComputed and rely
	// on the auth tag.
	ChecksumEncrypted bool
}

// VideoPacketizer turns encoded frames into media packets for one stream.
// It is safe for concurrent use.
type VideoPacketizer struct {
	mu            sync.Mutex
	cfg           VideoConfig
	key           *security.PacketKey
	seq           sequence
	epoch         uint16
	discontinuity bool
}

// NewVideoPacketizer creates a packetizer. key may be nil for plaintext.
func NewVideoPacketizer(cfg VideoConfig, key *security.PacketKey) *VideoPacketizer {
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = DefaultMaxPacketSize
	}
	if cfg.Direction == 0 {
		cfg.Direction = security.HostToClient
	}
	return &VideoPacketizer{
		cfg:   cfg,
		key:   key,
		seq:   newSequence(),
		epoch: cfg.Epoch,
	}
}

// MaxFragmentPayload returns the plaintext bytes that fit in one packet.
func (p *VideoPacketizer) MaxFragmentPayload() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxFragmentLocked()
}

func (p *VideoPacketizer) maxFragmentLocked() int {
	n := p.cfg.MaxPacketSize - wire.FrameHeaderSize
	if p.key != nil {
		n -= security.AuthTagLength
	}
	return n
}

// Epoch returns the current configuration epoch.
func (p *VideoPacketizer) Epoch() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch
}

// Reconfigure advances the epoch and returns it. The next frame is flagged
// as a discontinuity.
func (p *VideoPacketizer) Reconfigure() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.epoch++
	p.discontinuity = true
	return p.epoch
}

// SetKey installs a new packet key. Rotating keys is a reconfiguration, so
// the epoch advances and is returned.
func (p *VideoPacketizer) SetKey(key *security.PacketKey) uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.key = key
	p.epoch++
	p.discontinuity = true
	return p.epoch
}

// SetMaxPacketSize changes the packet size bound for subsequent frames,
// for example after the network path changes.
func (p *VideoPacketizer) SetMaxPacketSize(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > 0 {
		p.cfg.MaxPacketSize = n
	}
}

// Packetize splits f into packets. Each packet is a complete datagram:
// header followed by the (possibly sealed) fragment.
func (p *VideoPacketizer) Packetize(f EncodedFrame) ([][]byte, error) {
	if len(f.Data) == 0 {
		return nil, ErrEmptyFrame
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	maxFrag := p.maxFragmentLocked()
	if maxFrag <= 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketSizeTooSmall, p.cfg.MaxPacketSize)
	}
	count := (len(f.Data) + maxFrag - 1) / maxFrag
	if count > math.MaxUint16 || uint64(len(f.Data)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d bytes in %d fragments", ErrFrameTooLarge, len(f.Data), count)
	}

	var flags uint8
	if f.Keyframe {
		flags |= wire.FlagKeyframe
	}
	if p.key != nil {
		flags |= wire.FlagEncryptedPayload
	}
	if f.Discontinuity || p.discontinuity {
		flags |= wire.FlagDiscontinuity
		p.discontinuity = false
	}

	packets := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * maxFrag
		end := min(start+maxFrag, len(f.Data))
		chunk := f.Data[start:end]

		h := wire.FrameHeader{
			Flags:          flags,
			StreamID:       p.cfg.StreamID,
			SequenceNumber: p.seq.next(),
			Timestamp:      f.Timestamp,
			FrameNumber:    f.FrameNumber,
			FragmentIndex:  uint16(i),
			FragmentCount:  uint16(count),
			PayloadLength:  uint32(len(chunk)),
			FrameByteCount: uint32(len(f.Data)),
			Epoch:          p.epoch,
		}
		if i == count-1 {
			h.Flags |= wire.FlagEndOfFrame
		}
		if p.key == nil || p.cfg.ChecksumEncrypted {
			h.Checksum = wire.Checksum(chunk)
		}
		if p.key != nil {
			h.PayloadLength += security.AuthTagLength
		}

		pkt := make([]byte, 0, wire.FrameHeaderSize+int(h.PayloadLength))
		pkt = h.AppendBinary(pkt)
		pkt = append(pkt, chunk...)
		if p.key != nil {
			sealed := p.key.SealInPlace(pkt[wire.FrameHeaderSize:], h, p.cfg.Direction)
			pkt = pkt[:wire.FrameHeaderSize+len(sealed)]
		}
		packets = append(packets, pkt)
	}
	return packets, nil
}

// AudioFormat describes an audio stream's sample layout.
type AudioFormat struct {
	Codec           wire.AudioCodec
	SampleRate      uint32
	ChannelCount    uint8
	SamplesPerFrame uint16
}

// AudioFrame is one encoded audio frame.
type AudioFrame struct {
	Data      []byte
	Timestamp uint64 // microseconds
}

// AudioConfig configures an AudioPacketizer.
type AudioConfig struct {
	StreamID          uint16
	Format            AudioFormat
	MaxPacketSize     int
	Epoch             uint16
	Direction         security.Direction
	ChecksumEncrypted bool
}

// AudioPacketizer emits exactly one packet per audio frame.
type AudioPacketizer struct {
	mu    sync.Mutex
	cfg   AudioConfig
	key   *security.PacketKey
	seq   sequence
	epoch uint16
}

// NewAudioPacketizer creates an audio packetizer. key may be nil.
func NewAudioPacketizer(cfg AudioConfig, key *security.PacketKey) *AudioPacketizer {
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = DefaultMaxPacketSize
	}
	if cfg.Direction == 0 {
		cfg.Direction = security.HostToClient
	}
	return &AudioPacketizer{cfg: cfg, key: key, seq: newSequence(), epoch: cfg.Epoch}
}

// Epoch returns the current format epoch.
func (p *AudioPacketizer) Epoch() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch
}

// Format returns the current audio format.
func (p *AudioPacketizer) Format() AudioFormat {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Format
}

// Reconfigure installs a new format and returns the advanced epoch.
func (p *AudioPacketizer) Reconfigure(f AudioFormat) uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.Format = f
	p.epoch++
	return p.epoch
}

// SetKey installs a new packet key and returns the advanced epoch.
func (p *AudioPacketizer) SetKey(key *security.PacketKey) uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.key = key
	p.epoch++
	return p.epoch
}

// Packetize builds the packet for f. f.Data is only read.
func (p *AudioPacketizer) Packetize(f AudioFrame) ([]byte, error) {
	if len(f.Data) == 0 {
		return nil, ErrEmptyFrame
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	payloadLen := len(f.Data)
	if p.key != nil {
		payloadLen += security.AuthTagLength
	}
	if payloadLen > math.MaxUint16 || wire.AudioHeaderSize+payloadLen > p.cfg.MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrAudioTooLarge, len(f.Data))
	}

	h := wire.AudioPacketHeader{
		Codec:           p.cfg.Format.Codec,
		ChannelCount:    p.cfg.Format.ChannelCount,
		StreamID:        p.cfg.StreamID,
		SequenceNumber:  p.seq.next(),
		Timestamp:       f.Timestamp,
		SampleRate:      p.cfg.Format.SampleRate,
		SamplesPerFrame: p.cfg.Format.SamplesPerFrame,
		PayloadLength:   uint16(payloadLen),
		Epoch:           p.epoch,
	}
	if p.key != nil {
		h.Flags |= wire.FlagEncryptedPayload
	}
	if p.key == nil || p.cfg.ChecksumEncrypted {
		h.Checksum = wire.Checksum(f.Data)
	}

	pkt := make([]byte, 0, wire.AudioHeaderSize+payloadLen)
	pkt = h.AppendBinary(pkt)
	if p.key != nil {
		return append(pkt, p.key.Seal(f.Data, h, p.cfg.Direction)...), nil
	}
	return append(pkt, f.Data...), nil
}

// sequence extends an RTP sequencer's 16-bit numbers with its rollover count
// so media sequence numbers, and therefore nonces, do not repeat after 65536
// packets.
type sequence struct {
	s rtp.Sequencer
}

func newSequence() sequence {
	return sequence{s: rtp.NewRandomSequencer()}
}

func (s sequence) next() uint32 {
	n := s.s.NextSequenceNumber()
	return uint32(s.s.RollOverCount())<<16 | uint32(n)
}
