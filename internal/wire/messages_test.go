package wire

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestHelloRoundTrip(t *testing.T) {
	t.Parallel()

	h := Hello{
		ProtocolVersion: ProtocolVersion,
		DeviceID:        uuid.New(),
		DeviceName:      "living-room",
		Identity: IdentityEnvelope{
			KeyID:       "key-1",
			PublicKey:   bytes.Repeat([]byte{0x11}, 32),
			TimestampMs: 1_700_000_000_000,
			Nonce:       []byte{1, 2, 3, 4},
			Signature:   bytes.Repeat([]byte{0x22}, 64),
		},
	}

	got, err := ParseHello(SerializeHello(h))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, h) {
		t.Fatalf("got %+v, want %+v", got, h)
	}
}

func TestHelloTruncated(t *testing.T) {
	t.Parallel()

	data := SerializeHello(Hello{ProtocolVersion: 1, DeviceID: uuid.New(), DeviceName: "x"})
	for i := 0; i < len(data); i++ {
		_, err := ParseHello(data[:i])
		if err == nil {
			t.Fatalf("accepted %d-byte prefix", i)
		}
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Fatalf("prefix %d: expected *ParseError, got %T", i, err)
		}
	}
}

func TestHelloResponseRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []HelloResponse{
		{Accepted: false, ProtocolVersion: ProtocolVersion, RejectReason: RejectProtocolVersionMismatch},
		{
			Accepted:          true,
			ProtocolVersion:   ProtocolVersion,
			SessionKey:        bytes.Repeat([]byte{0xAA}, 32),
			RegistrationToken: bytes.Repeat([]byte{0xBB}, 32),
			MediaPort:         5004,
			Transport:         TransportSRT,
			VideoStreamID:     1,
			VideoEpoch:        4,
		},
	}
	for _, hr := range tests {
		got, err := ParseHelloResponse(SerializeHelloResponse(hr))
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, hr) {
			t.Fatalf("got %+v, want %+v", got, hr)
		}
	}
}

func TestStreamMessagesRoundTrip(t *testing.T) {
	t.Parallel()

	started := AudioStreamStarted{StreamID: 2, Codec: AudioCodecOpus, SampleRate: 48000, ChannelCount: 2, SamplesPerFrame: 960, Epoch: 5}
	gotStarted, err := ParseAudioStreamStarted(SerializeAudioStreamStarted(started))
	if err != nil || gotStarted != started {
		t.Fatalf("audio started: got %+v err %v", gotStarted, err)
	}

	stopped := AudioStreamStopped{StreamID: 2, Reason: "device removed"}
	gotStopped, err := ParseAudioStreamStopped(SerializeAudioStreamStopped(stopped))
	if err != nil || gotStopped != stopped {
		t.Fatalf("audio stopped: got %+v err %v", gotStopped, err)
	}

	change := EncoderSettingsChange{StreamID: 1, Width: 3840, Height: 2160, FrameRate: 120, BitrateKbps: 40000, LatencyMode: 1, Epoch: 9, ResetDecoder: true}
	gotChange, err := ParseEncoderSettingsChange(SerializeEncoderSettingsChange(change))
	if err != nil || gotChange != change {
		t.Fatalf("settings change: got %+v err %v", gotChange, err)
	}

	kr := KeyframeRequest{StreamID: 1}
	gotKR, err := ParseKeyframeRequest(SerializeKeyframeRequest(kr))
	if err != nil || gotKR != kr {
		t.Fatalf("keyframe request: got %+v err %v", gotKR, err)
	}
}

func TestSoftwareUpdateMessagesRoundTrip(t *testing.T) {
	t.Parallel()

	status := SoftwareUpdateStatus{State: "available", CurrentVersion: "1.2.0", AvailableVersion: "1.3.0", BlockReason: UpdateAuthorizationRequired}
	gotStatus, err := ParseSoftwareUpdateStatus(SerializeSoftwareUpdateStatus(status))
	if err != nil || gotStatus != status {
		t.Fatalf("status: got %+v err %v", gotStatus, err)
	}

	req := SoftwareUpdateInstallRequest{Version: "1.3.0"}
	gotReq, err := ParseSoftwareUpdateInstallRequest(SerializeSoftwareUpdateInstallRequest(req))
	if err != nil || gotReq != req {
		t.Fatalf("install request: got %+v err %v", gotReq, err)
	}

	res := SoftwareUpdateInstallResult{Success: false, BlockReason: UpdatePolicyDenied, Message: "managed device"}
	gotRes, err := ParseSoftwareUpdateInstallResult(SerializeSoftwareUpdateInstallResult(res))
	if err != nil || gotRes != res {
		t.Fatalf("install result: got %+v err %v", gotRes, err)
	}
}

func TestParseErrorField(t *testing.T) {
	t.Parallel()

	_, err := ParseEncoderSettingsChange([]byte{0x01, 0x40})
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %v", err)
	}
	if pe.Field != "width" {
		t.Fatalf("field = %q, want width", pe.Field)
	}
	if pe.Err == nil {
		t.Fatal("ParseError without cause")
	}

	_, err = ParseKeyframeRequest(nil)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestReasonStrings(t *testing.T) {
	t.Parallel()

	if RejectHostBusy.String() != "hostBusy" {
		t.Fatalf("RejectHostBusy = %q", RejectHostBusy)
	}
	if UpdateNoUpdateAvailable.String() != "noUpdateAvailable" {
		t.Fatalf("UpdateNoUpdateAvailable = %q", UpdateNoUpdateAvailable)
	}
	if TransportSRT.String() != "srt" || TransportUDP.String() != "udp" {
		t.Fatal("transport strings")
	}
}

func TestParseMediaTransport(t *testing.T) {
	t.Parallel()
	for _, tr := range []MediaTransport{TransportUDP, TransportSRT} {
		got, err := ParseMediaTransport(tr.String())
		if err != nil || got != tr {
			t.Errorf("ParseMediaTransport(%q) = %v, %v", tr.String(), got, err)
		}
	}
	if _, err := ParseMediaTransport("tcp"); err == nil {
		t.Error("expected error for tcp")
	}
}

func TestFieldReaderTruncation(t *testing.T) {
	t.Parallel()

	// A two-byte varint prefix with only one byte present.
	f := newFieldReader([]byte{0x40})
	if _, err := f.uvarint(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("uvarint: expected ErrUnexpectedEOF, got %v", err)
	}

	// Length prefix claims more bytes than remain.
	f = newFieldReader([]byte{5, 'a', 'b'})
	_, err := f.blob()
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("blob: expected ErrUnexpectedEOF, got %v", err)
	}
	if !strings.Contains(err.Error(), "needs 5 bytes at offset 1, 2 left") {
		t.Fatalf("blob error lacks position: %v", err)
	}

	f = newFieldReader([]byte{2, 'h', 'i', 7})
	v, err := f.ownedBlob()
	if err != nil || string(v) != "hi" {
		t.Fatalf("ownedBlob = %q, %v", v, err)
	}
	if b, err := f.u8(); err != nil || b != 7 {
		t.Fatalf("u8 = %d, %v", b, err)
	}
	if _, err := f.fixed(1); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("fixed past end: expected ErrUnexpectedEOF, got %v", err)
	}
}
