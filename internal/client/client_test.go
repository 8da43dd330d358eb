package client

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/beam/internal/capture"
	"github.com/zsiec/beam/internal/certs"
	"github.com/zsiec/beam/internal/control"
	"github.com/zsiec/beam/internal/decode"
	"github.com/zsiec/beam/internal/host"
	"github.com/zsiec/beam/internal/packetizer"
	"github.com/zsiec/beam/internal/synthetic"
	"github.com/zsiec/beam/internal/wire"
)

type testHost struct {
	*host.Host
	cert   *certs.CertInfo
	cancel context.CancelFunc
	done   chan struct{}
}

func startHost(t *testing.T, audio host.AudioSource) *testHost {
	t.Helper()
	cert, err := certs.Generate(time.Hour)
	require.NoError(t, err)

	h, err := host.New(host.Config{
		ControlAddr: "127.0.0.1:0",
		MediaAddr:   "127.0.0.1:0",
		Certificate: cert.TLSCert,
		Capture:     capture.Settings{Width: 320, Height: 180, FrameRate: 60},
		Sources:     &synthetic.PatternFactory{},
		Encoder:     &synthetic.Encoder{GOP: 30},
		Audio:       audio,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	th := &testHost{Host: h, cert: cert, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(th.done)
		assert.NoError(t, h.Run(ctx))
	}()
	t.Cleanup(th.stop)

	select {
	case <-h.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("host did not become ready")
	}
	return th
}

func (h *testHost) stop() {
	h.cancel()
	<-h.done
}

type running struct {
	*Client
	display *synthetic.Display
	decoder *synthetic.Decoder
	errc    chan error
}

func startClient(t *testing.T, h *testHost, cfg Config) *running {
	t.Helper()
	cache := decode.NewFrameCache()
	r := &running{
		display: &synthetic.Display{Cache: cache},
		decoder: &synthetic.Decoder{},
		errc:    make(chan error, 1),
	}
	cfg.HostAddr = h.ControlAddr().String()
	cfg.Fingerprint = h.cert.Fingerprint
	cfg.Decoder = r.decoder
	cfg.Display = r.display
	cfg.Cache = cache
	c, err := New(cfg)
	require.NoError(t, err)
	r.Client = c

	ctx, cancel := context.WithCancel(context.Background())
	go func() { r.errc <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.errc:
		case <-time.After(5 * time.Second):
			t.Error("client did not stop")
		}
	})
	return r
}

func waitConnected(t *testing.T, c *running) {
	t.Helper()
	select {
	case <-c.Connected():
	case err := <-c.errc:
		t.Fatalf("client exited before connecting: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not connect")
	}
}

func TestNewRequiresDecoder(t *testing.T) {
	t.Parallel()

	_, err := New(Config{HostAddr: "127.0.0.1:1"})
	assert.ErrorIs(t, err, ErrNoDecoder)
}

func TestMediaAddress(t *testing.T) {
	t.Parallel()

	addr, err := mediaAddress("192.168.1.20:7000", 7001)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.20:7001", addr)

	addr, err = mediaAddress("[fe80::1]:7000", 9000)
	require.NoError(t, err)
	assert.Equal(t, "[fe80::1]:9000", addr)

	_, err = mediaAddress("no-port", 1)
	assert.Error(t, err)
}

func TestClientReceivesAndDraws(t *testing.T) {
	t.Parallel()

	h := startHost(t, nil)
	c := startClient(t, h, Config{DeviceName: "viewer"})
	waitConnected(t, c)

	require.Eventually(t, func() bool { return c.display.Draws() >= 5 }, 5*time.Second, 10*time.Millisecond)

	st := c.Stats()
	assert.NotZero(t, st.Reassembly.FramesDelivered)
	assert.NotZero(t, st.Decode.Decoded)
	assert.Zero(t, st.Reassembly.AuthFailures)
	assert.NotZero(t, st.KeyframeRequests)
	assert.LessOrEqual(t, st.Render.Draws, st.Render.Signals)

	latest, ok := c.Cache().Latest(host.VideoStreamID)
	require.True(t, ok)
	assert.Equal(t, 320, latest.Width)
	assert.Equal(t, 180, latest.Height)
}

func TestClientFollowsEpochChange(t *testing.T) {
	t.Parallel()

	h := startHost(t, nil)
	c := startClient(t, h, Config{})
	waitConnected(t, c)
	require.Eventually(t, func() bool { return c.display.Draws() >= 1 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Reconfigure(ctx, capture.Settings{Width: 640, Height: 360, FrameRate: 60}))

	require.Eventually(t, func() bool {
		epoch, ok := c.reasm.ExpectedEpoch(wire.KindVideo, host.VideoStreamID)
		return ok && epoch == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Decoding resumes at the new size after the forced keyframe.
	require.Eventually(t, func() bool {
		f, ok := c.Cache().Latest(host.VideoStreamID)
		return ok && f.Width == 640
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClientRejectedAsDuplicate(t *testing.T) {
	t.Parallel()

	h := startHost(t, nil)
	id := uuid.New()
	first := startClient(t, h, Config{DeviceID: id})
	waitConnected(t, first)

	second, err := New(Config{HostAddr: h.ControlAddr().String(), DeviceID: id, Decoder: &synthetic.Decoder{}})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = second.Run(ctx)
	require.ErrorIs(t, err, control.ErrRejected)
	assert.Contains(t, err.Error(), wire.RejectDuplicateDevice.String())
}

func TestClientEndsWhenHostStops(t *testing.T) {
	t.Parallel()

	h := startHost(t, nil)
	c := startClient(t, h, Config{})
	waitConnected(t, c)

	h.stop()
	select {
	case err := <-c.errc:
		assert.ErrorIs(t, err, ErrHostClosed)
		c.errc <- err
	case <-time.After(5 * time.Second):
		t.Fatal("client kept running after host stopped")
	}
}

func TestClientAudio(t *testing.T) {
	t.Parallel()

	h := startHost(t, synthetic.NewTone(440))
	got := make(chan *packetizer.AudioPacket, 64)
	c := startClient(t, h, Config{OnAudio: func(a *packetizer.AudioPacket) {
		select {
		case got <- a:
		default:
		}
	}})
	waitConnected(t, c)

	select {
	case a := <-got:
		assert.Equal(t, host.AudioStreamID, a.Header.StreamID)
		assert.Equal(t, wire.AudioCodecPCM, a.Header.Codec)
	case <-time.After(5 * time.Second):
		t.Fatal("no audio received")
	}
	require.Eventually(t, func() bool { return c.Stats().AudioActive }, 5*time.Second, 10*time.Millisecond)
}
