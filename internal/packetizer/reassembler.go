package packetizer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/beam/internal/ringbuf"
	"github.com/zsiec/beam/internal/security"
	"github.com/zsiec/beam/internal/wire"
)

const (
	defaultFrameTimeout     = 500 * time.Millisecond
	defaultMaxPendingFrames = 8
	recentWindow            = 32
)

// Frame is a fully reassembled, decrypted video frame.
type Frame struct {
	StreamID      uint16
	FrameNumber   uint32
	Timestamp     uint64
	Keyframe      bool
	Discontinuity bool
	Epoch         uint16
	Data          []byte
}

// AudioPacket is a verified, decrypted audio packet.
type AudioPacket struct {
	Header wire.AudioPacketHeader
	Data   []byte
}

// Stats counts reassembly outcomes.
type Stats struct {
	FramesDelivered  uint64
	FramesDiscarded  uint64
	AudioDelivered   uint64
	StalePackets     uint64
	AuthFailures     uint64
	ChecksumFailures uint64
	Duplicates       uint64
	Malformed        uint64
}

// ReassemblerConfig configures a Reassembler.
type ReassemblerConfig struct {
	// Direction of the packets being received.
	Direction security.Direction

	// FrameTimeout discards partial frames older than this.
	FrameTimeout time.Duration

	// MaxPendingFrames bounds partial frames per stream. The oldest partial
	// is discarded to admit a new one.
	MaxPendingFrames int

	Log *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

type streamKey struct {
	kind byte
	id   uint16
}

type partialFrame struct {
	header    wire.FrameHeader
	fragments [][]byte
	received  int
	bytes     int
	firstSeen time.Time
}

type streamState struct {
	epoch    uint16
	epochSet bool
	pending  map[uint32]*partialFrame
	recent   *ringbuf.RingBuffer[uint32]
}

func (s *streamState) seenRecently(id uint32) bool {
	for i := 0; i < s.recent.Len(); i++ {
		if s.recent.At(i) == id {
			return true
		}
	}
	return false
}

func (s *streamState) remember(id uint32) {
	if s.recent.Len() == recentWindow {
		s.recent.PopFront()
	}
	s.recent.Append(id)
}

// Reassembler rebuilds frames from media packets. Only complete frames are
// delivered; a frame with missing, inconsistent or expired fragments is
// dropped whole. It is safe for concurrent use.
type Reassembler struct {
	mu      sync.Mutex
	cfg     ReassemblerConfig
	log     *slog.Logger
	key     *security.PacketKey
	streams map[streamKey]*streamState
	stats   Stats
}

// NewReassembler creates a Reassembler. key may be nil until SetKey.
func NewReassembler(cfg ReassemblerConfig, key *security.PacketKey) *Reassembler {
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = defaultFrameTimeout
	}
	if cfg.MaxPendingFrames <= 0 {
		cfg.MaxPendingFrames = defaultMaxPendingFrames
	}
	if cfg.Direction == 0 {
		cfg.Direction = security.HostToClient
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Reassembler{
		cfg:     cfg,
		log:     log.With("component", "reassembler"),
		key:     key,
		streams: make(map[streamKey]*streamState),
	}
}

// SetKey installs the packet key used for encrypted packets.
func (r *Reassembler) SetKey(key *security.PacketKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.key = key
}

// SetExpectedEpoch sets the epoch accepted for a stream of the given kind
// (wire.KindVideo or wire.KindAudio). Buffered partial frames from any other
// epoch are discarded.
func (r *Reassembler) SetExpectedEpoch(kind byte, streamID, epoch uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.streamLocked(streamKey{kind: kind, id: streamID})
	st.epoch = epoch
	st.epochSet = true
	for n, pf := range st.pending {
		if pf.header.Epoch != epoch {
			delete(st.pending, n)
			r.stats.FramesDiscarded++
		}
	}
}

// ExpectedEpoch returns the epoch a stream currently accepts.
func (r *Reassembler) ExpectedEpoch(kind byte, streamID uint16) (uint16, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.streams[streamKey{kind: kind, id: streamID}]
	if !ok || !st.epochSet {
		return 0, false
	}
	return st.epoch, true
}

// Reset drops all state for a stream, for example when its decoder is torn
// down.
func (r *Reassembler) Reset(kind byte, streamID uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, streamKey{kind: kind, id: streamID})
}

// Stats returns a snapshot of the counters.
func (r *Reassembler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Reassembler) streamLocked(k streamKey) *streamState {
	st, ok := r.streams[k]
	if !ok {
		st = &streamState{
			pending: make(map[uint32]*partialFrame),
			recent:  ringbuf.New[uint32](recentWindow),
		}
		r.streams[k] = st
	}
	return st
}

// checkEpochLocked adopts the epoch of the first packet on a stream and
// requires an exact match afterwards.
func (r *Reassembler) checkEpochLocked(st *streamState, epoch uint16) error {
	if !st.epochSet {
		st.epoch = epoch
		st.epochSet = true
		return nil
	}
	if epoch != st.epoch {
		r.stats.StalePackets++
		return fmt.Errorf("%w: got %d, want %d", ErrStaleEpoch, epoch, st.epoch)
	}
	return nil
}

// openLocked returns the plaintext of a payload, verifying auth tag and
// checksum. The result never aliases payload.
func (r *Reassembler) openLocked(payload []byte, h security.Header, encrypted bool, checksum uint32) ([]byte, error) {
	var pt []byte
	if encrypted {
		if r.key == nil {
			r.stats.AuthFailures++
			return nil, ErrNoKey
		}
		var err error
		pt, err = r.key.Open(payload, h, r.cfg.Direction)
		if err != nil {
			r.stats.AuthFailures++
			return nil, err
		}
	} else {
		pt = append([]byte(nil), payload...)
	}

	if wire.ShouldValidate(encrypted, checksum) {
		if err := wire.VerifyChecksum(pt, checksum); err != nil {
			r.stats.ChecksumFailures++
			return nil, err
		}
	}
	return pt, nil
}

// Push accepts one video packet. It returns the frame when pkt completes
// one, nil when more fragments are needed, or an error when pkt was
// rejected. A rejected packet never affects delivered frames.
func (r *Reassembler) Push(pkt []byte) (*Frame, error) {
	h, ok := wire.UnmarshalFrameHeader(pkt)
	if !ok || len(pkt)-wire.FrameHeaderSize != int(h.PayloadLength) {
		r.mu.Lock()
		r.stats.Malformed++
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: video packet of %d bytes", wire.ErrMalformedHeader, len(pkt))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.cfg.Now()
	r.expireLocked(now)

	st := r.streamLocked(streamKey{kind: wire.KindVideo, id: h.StreamID})
	if err := r.checkEpochLocked(st, h.Epoch); err != nil {
		return nil, err
	}
	if st.seenRecently(h.FrameNumber) {
		r.stats.Duplicates++
		return nil, nil
	}

	pt, err := r.openLocked(pkt[wire.FrameHeaderSize:], h, h.Has(wire.FlagEncryptedPayload), h.Checksum)
	if err != nil {
		return nil, err
	}

	pf := st.pending[h.FrameNumber]
	if pf == nil {
		if len(st.pending) >= r.cfg.MaxPendingFrames {
			r.evictOldestLocked(st)
		}
		pf = &partialFrame{
			header:    h,
			fragments: make([][]byte, h.FragmentCount),
			firstSeen: now,
		}
		st.pending[h.FrameNumber] = pf
	} else if pf.header.FragmentCount != h.FragmentCount || pf.header.FrameByteCount != h.FrameByteCount {
		delete(st.pending, h.FrameNumber)
		r.stats.FramesDiscarded++
		r.log.Debug("discarding frame with inconsistent fragments",
			"stream", h.StreamID, "frame", h.FrameNumber,
			"count", h.FragmentCount, "pendingCount", pf.header.FragmentCount)
		return nil, fmt.Errorf("%w: frame %d", ErrFragmentMismatch, h.FrameNumber)
	}

	if pf.fragments[h.FragmentIndex] != nil {
		r.stats.Duplicates++
		return nil, nil
	}
	pf.fragments[h.FragmentIndex] = pt
	pf.received++
	pf.bytes += len(pt)
	pf.header.Flags |= h.Flags & (wire.FlagKeyframe | wire.FlagDiscontinuity)

	if pf.received < len(pf.fragments) {
		return nil, nil
	}

	delete(st.pending, h.FrameNumber)
	st.remember(h.FrameNumber)
	if pf.bytes != int(pf.header.FrameByteCount) {
		r.stats.FramesDiscarded++
		return nil, fmt.Errorf("%w: frame %d has %d bytes, header says %d",
			ErrFrameSizeMismatch, h.FrameNumber, pf.bytes, pf.header.FrameByteCount)
	}

	data := make([]byte, 0, pf.bytes)
	for _, frag := range pf.fragments {
		data = append(data, frag...)
	}
	r.stats.FramesDelivered++
	return &Frame{
		StreamID:      h.StreamID,
		FrameNumber:   h.FrameNumber,
		Timestamp:     pf.header.Timestamp,
		Keyframe:      pf.header.Has(wire.FlagKeyframe),
		Discontinuity: pf.header.Has(wire.FlagDiscontinuity),
		Epoch:         h.Epoch,
		Data:          data,
	}, nil
}

// PushAudio accepts one audio packet under the same epoch, decryption and
// checksum rules as video. Duplicate sequence numbers return nil.
func (r *Reassembler) PushAudio(pkt []byte) (*AudioPacket, error) {
	h, ok := wire.UnmarshalAudioHeader(pkt)
	if !ok || len(pkt)-wire.AudioHeaderSize != int(h.PayloadLength) {
		r.mu.Lock()
		r.stats.Malformed++
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: audio packet of %d bytes", wire.ErrMalformedHeader, len(pkt))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.streamLocked(streamKey{kind: wire.KindAudio, id: h.StreamID})
	if err := r.checkEpochLocked(st, h.Epoch); err != nil {
		return nil, err
	}
	if st.seenRecently(h.SequenceNumber) {
		r.stats.Duplicates++
		return nil, nil
	}

	pt, err := r.openLocked(pkt[wire.AudioHeaderSize:], h, h.Has(wire.FlagEncryptedPayload), h.Checksum)
	if err != nil {
		return nil, err
	}
	st.remember(h.SequenceNumber)
	r.stats.AudioDelivered++
	return &AudioPacket{Header: h, Data: pt}, nil
}

// Expire discards partial frames older than the frame timeout and returns
// how many were dropped. Push also expires lazily.
func (r *Reassembler) Expire(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expireLocked(now)
}

func (r *Reassembler) expireLocked(now time.Time) int {
	dropped := 0
	for _, st := range r.streams {
		for n, pf := range st.pending {
			if now.Sub(pf.firstSeen) >= r.cfg.FrameTimeout {
				delete(st.pending, n)
				dropped++
			}
		}
	}
	if dropped > 0 {
		r.stats.FramesDiscarded += uint64(dropped)
		r.log.Debug("expired partial frames", "count", dropped)
	}
	return dropped
}

func (r *Reassembler) evictOldestLocked(st *streamState) {
	var (
		oldest   uint32
		oldestAt time.Time
		found    bool
	)
	for n, pf := range st.pending {
		if !found || pf.firstSeen.Before(oldestAt) {
			oldest, oldestAt, found = n, pf.firstSeen, true
		}
	}
	if found {
		delete(st.pending, oldest)
		r.stats.FramesDiscarded++
	}
}

// Pending returns the number of partial frames buffered across all streams.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.streams {
		n += len(st.pending)
	}
	return n
}
