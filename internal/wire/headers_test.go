package wire

import (
	"math"
	"testing"
)

func TestFrameHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	headers := []FrameHeader{
		{FragmentCount: 1},
		{
			Flags:          FlagKeyframe | FlagEndOfFrame | FlagEncryptedPayload,
			StreamID:       7,
			SequenceNumber: 123456,
			Timestamp:      1_700_000_000_000_000,
			FrameNumber:    99,
			FragmentIndex:  3,
			FragmentCount:  4,
			PayloadLength:  1200,
			FrameByteCount: 4711,
			Checksum:       0xDEADBEEF,
			Epoch:          12,
		},
		{
			Flags:          0xFF,
			StreamID:       math.MaxUint16,
			SequenceNumber: math.MaxUint32,
			Timestamp:      math.MaxUint64,
			FrameNumber:    math.MaxUint32,
			FragmentIndex:  math.MaxUint16 - 1,
			FragmentCount:  math.MaxUint16,
			PayloadLength:  math.MaxUint32,
			FrameByteCount: math.MaxUint32,
			Checksum:       math.MaxUint32,
			Epoch:          math.MaxUint16,
		},
	}

	for _, h := range headers {
		data := h.Marshal()
		if len(data) != FrameHeaderSize {
			t.Fatalf("marshaled %d bytes, want %d", len(data), FrameHeaderSize)
		}
		got, ok := UnmarshalFrameHeader(data)
		if !ok {
			t.Fatalf("unmarshal failed for %+v", h)
		}
		if got != h {
			t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, h)
		}
	}
}

func TestFrameHeaderRejectsMalformed(t *testing.T) {
	t.Parallel()

	valid := FrameHeader{FragmentIndex: 0, FragmentCount: 2}.Marshal()

	for i := 0; i < FrameHeaderSize; i++ {
		if _, ok := UnmarshalFrameHeader(valid[:i]); ok {
			t.Fatalf("accepted %d-byte buffer", i)
		}
	}

	wrongKind := append([]byte(nil), valid...)
	wrongKind[0] = KindAudio
	if _, ok := UnmarshalFrameHeader(wrongKind); ok {
		t.Fatal("accepted audio kind")
	}

	if _, ok := UnmarshalFrameHeader(FrameHeader{FragmentCount: 0}.Marshal()); ok {
		t.Fatal("accepted fragmentCount 0")
	}
	if _, ok := UnmarshalFrameHeader(FrameHeader{FragmentIndex: 2, FragmentCount: 2}.Marshal()); ok {
		t.Fatal("accepted fragmentIndex == fragmentCount")
	}
}

func TestFrameHeaderIgnoresTrailingPayload(t *testing.T) {
	t.Parallel()

	h := FrameHeader{StreamID: 1, FragmentCount: 1, PayloadLength: 3}
	pkt := append(h.Marshal(), 1, 2, 3)
	got, ok := UnmarshalFrameHeader(pkt)
	if !ok || got != h {
		t.Fatalf("got %+v ok=%v", got, ok)
	}
	if PeekKind(pkt) != KindVideo {
		t.Fatalf("PeekKind = %q", PeekKind(pkt))
	}
	if PeekKind(nil) != 0 {
		t.Fatal("PeekKind(nil) != 0")
	}
}

func TestAudioHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	headers := []AudioPacketHeader{
		{},
		{
			Flags:           FlagEncryptedPayload,
			Codec:           AudioCodecOpus,
			ChannelCount:    2,
			StreamID:        3,
			SequenceNumber:  42,
			Timestamp:       20_000,
			SampleRate:      48000,
			SamplesPerFrame: 960,
			PayloadLength:   512,
			Checksum:        0x01020304,
			Epoch:           1,
		},
		{
			Flags:           0xFF,
			Codec:           AudioCodec(0xFF),
			ChannelCount:    0xFF,
			StreamID:        math.MaxUint16,
			SequenceNumber:  math.MaxUint32,
			Timestamp:       math.MaxUint64,
			SampleRate:      math.MaxUint32,
			SamplesPerFrame: math.MaxUint16,
			PayloadLength:   math.MaxUint16,
			Checksum:        math.MaxUint32,
			Epoch:           math.MaxUint16,
		},
	}

	for _, h := range headers {
		data := h.Marshal()
		if len(data) != AudioHeaderSize {
			t.Fatalf("marshaled %d bytes, want %d", len(data), AudioHeaderSize)
		}
		got, ok := UnmarshalAudioHeader(data)
		if !ok || got != h {
			t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, h)
		}
	}
}

func TestAudioHeaderRejectsMalformed(t *testing.T) {
	t.Parallel()

	valid := AudioPacketHeader{SampleRate: 48000}.Marshal()
	if _, ok := UnmarshalAudioHeader(valid[:AudioHeaderSize-1]); ok {
		t.Fatal("accepted short buffer")
	}
	video := FrameHeader{FragmentCount: 1}.Marshal()
	if _, ok := UnmarshalAudioHeader(video); ok {
		t.Fatal("accepted video kind")
	}
}

func TestNonceFieldsCarryKind(t *testing.T) {
	t.Parallel()

	v := FrameHeader{StreamID: 1, SequenceNumber: 2, Epoch: 3, FragmentCount: 1}.NonceFields()
	a := AudioPacketHeader{StreamID: 1, SequenceNumber: 2, Epoch: 3}.NonceFields()
	if v.Kind == a.Kind {
		t.Fatal("video and audio nonce fields share a kind")
	}
	if v.StreamID != a.StreamID || v.Sequence != a.Sequence || v.Epoch != a.Epoch {
		t.Fatal("nonce fields mismatch")
	}
}

func TestHeaderFlags(t *testing.T) {
	t.Parallel()

	h := FrameHeader{Flags: FlagKeyframe | FlagEndOfFrame}
	if !h.Has(FlagKeyframe) || !h.Has(FlagEndOfFrame) || h.Has(FlagEncryptedPayload) {
		t.Fatalf("unexpected flags %08b", h.Flags)
	}
	if !h.Has(FlagKeyframe | FlagEndOfFrame) {
		t.Fatal("combined flag check failed")
	}
}
