package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/beam/internal/certs"
	"github.com/zsiec/beam/internal/wire"
)

type fakeHandler struct {
	mu        sync.Mutex
	reject    error
	admitted  []*Conn
	keyframes []wire.KeyframeRequest
	closed    int
}

func (h *fakeHandler) Admit(_ context.Context, c *Conn) (Admission, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reject != nil {
		return Admission{}, h.reject
	}
	h.admitted = append(h.admitted, c)
	return Admission{MediaPort: 9000, Transport: wire.TransportUDP, VideoStreamID: 1, VideoEpoch: 4}, nil
}

func (h *fakeHandler) KeyframeRequested(_ *Conn, req wire.KeyframeRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keyframes = append(h.keyframes, req)
}

func (h *fakeHandler) Closed(*Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
}

func (h *fakeHandler) counts() (admitted, keyframes, closed int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.admitted), len(h.keyframes), h.closed
}

type fakeUpdates struct{}

func (fakeUpdates) Status(context.Context) (wire.SoftwareUpdateStatus, error) {
	return wire.SoftwareUpdateStatus{State: "available", CurrentVersion: "1.0.0", AvailableVersion: "1.1.0"}, nil
}

func (fakeUpdates) Install(_ context.Context, req wire.SoftwareUpdateInstallRequest) (wire.SoftwareUpdateInstallResult, error) {
	if req.Version != "1.1.0" {
		return wire.SoftwareUpdateInstallResult{BlockReason: wire.UpdateNoUpdateAvailable}, nil
	}
	return wire.SoftwareUpdateInstallResult{BlockReason: wire.UpdateAuthorizationRequired, Message: "admin approval needed"}, nil
}

type testHost struct {
	srv     *Server
	cert    *certs.CertInfo
	handler *fakeHandler
}

func startServer(t *testing.T, h *fakeHandler, v Verifier) *testHost {
	t.Helper()
	cert, err := certs.Generate(time.Hour)
	require.NoError(t, err)

	srv := NewServer(ServerConfig{
		Addr:        "127.0.0.1:0",
		Certificate: cert.TLSCert,
		Handler:     h,
		Verifier:    v,
		Updates:     fakeUpdates{},
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, srv.Start(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}
	return &testHost{srv: srv, cert: cert, handler: h}
}

func (h *testHost) dial(ctx context.Context, hello wire.Hello, handlers SessionHandlers) (*Session, error) {
	return Dial(ctx, DialConfig{
		Addr:        h.srv.Addr().String(),
		Hello:       hello,
		Fingerprint: h.cert.Fingerprint,
		Handlers:    handlers,
	})
}

func runSession(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func newHello() wire.Hello {
	return wire.Hello{DeviceID: uuid.New(), DeviceName: "studio-ipad"}
}

func TestHandshakeAccepted(t *testing.T) {
	t.Parallel()

	h := startServer(t, &fakeHandler{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hello := newHello()
	s, err := h.dial(ctx, hello, SessionHandlers{})
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, s.Response.Accepted)
	assert.Equal(t, wire.ProtocolVersion, s.Response.ProtocolVersion)
	assert.Equal(t, uint16(9000), s.Response.MediaPort)
	assert.Equal(t, uint16(4), s.Response.VideoEpoch)
	assert.Equal(t, h.cert.Fingerprint, s.Fingerprint)

	h.handler.mu.Lock()
	require.Len(t, h.handler.admitted, 1)
	conn := h.handler.admitted[0]
	h.handler.mu.Unlock()
	assert.Equal(t, hello.DeviceID, conn.DeviceID())
	assert.Equal(t, conn.Security, s.Security, "both ends hold the same session secrets")
}

func TestHandshakeVersionMismatch(t *testing.T) {
	t.Parallel()

	h := startServer(t, &fakeHandler{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hello := newHello()
	hello.ProtocolVersion = wire.ProtocolVersion + 1
	_, err := h.dial(ctx, hello, SessionHandlers{})
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, ErrVersionMismatch)

	admitted, _, _ := h.handler.counts()
	assert.Equal(t, 0, admitted)
}

func TestHandshakeIdentityRejected(t *testing.T) {
	t.Parallel()

	v := VerifierFunc(func(_ context.Context, hello wire.Hello) error {
		if len(hello.Identity.Signature) == 0 {
			return errors.New("unsigned identity")
		}
		return nil
	})
	h := startServer(t, &fakeHandler{}, v)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := h.dial(ctx, newHello(), SessionHandlers{})
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), wire.RejectIdentityRejected.String())

	hello := newHello()
	hello.Identity = wire.IdentityEnvelope{KeyID: "k1", Signature: []byte{1}}
	s, err := h.dial(ctx, hello, SessionHandlers{})
	require.NoError(t, err)
	s.Close()
}

func TestHandshakeAdmissionRejected(t *testing.T) {
	t.Parallel()

	h := startServer(t, &fakeHandler{reject: &RejectError{Reason: wire.RejectDuplicateDevice}}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := h.dial(ctx, newHello(), SessionHandlers{})
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), wire.RejectDuplicateDevice.String())
}

func TestFingerprintPinning(t *testing.T) {
	t.Parallel()

	h := startServer(t, &fakeHandler{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	other, err := certs.Generate(time.Hour)
	require.NoError(t, err)
	_, err = Dial(ctx, DialConfig{Addr: h.srv.Addr().String(), Hello: newHello(), Fingerprint: other.Fingerprint})
	assert.Error(t, err)

	admitted, _, _ := h.handler.counts()
	assert.Equal(t, 0, admitted)
}

func TestSessionRequests(t *testing.T) {
	t.Parallel()

	h := startServer(t, &fakeHandler{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := h.dial(ctx, newHello(), SessionHandlers{})
	require.NoError(t, err)
	runSession(t, s)

	rtt, err := s.Ping(ctx)
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	st, err := s.UpdateStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", st.AvailableVersion)

	res, err := s.InstallUpdate(ctx, "1.1.0")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, wire.UpdateAuthorizationRequired, res.BlockReason)

	require.NoError(t, s.RequestKeyframe(1))
	require.Eventually(t, func() bool {
		_, n, _ := h.handler.counts()
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err = s.Request(ctx, wire.MsgKeyframeRequest, nil)
	assert.Error(t, err, "keyframe requests have no reply")
}

func TestHostPush(t *testing.T) {
	t.Parallel()

	h := startServer(t, &fakeHandler{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan wire.EncoderSettingsChange, 1)
	s, err := h.dial(ctx, newHello(), SessionHandlers{
		OnEncoderSettings: func(m wire.EncoderSettingsChange) { got <- m },
	})
	require.NoError(t, err)
	runSession(t, s)

	require.Eventually(t, func() bool { return len(h.srv.Conns()) == 1 }, 2*time.Second, 5*time.Millisecond)
	change := wire.EncoderSettingsChange{StreamID: 1, Width: 1920, Height: 1080, FrameRate: 60, Epoch: 5, ResetDecoder: true}
	h.srv.Broadcast(wire.MsgStreamEncoderSettingsChange, wire.SerializeEncoderSettingsChange(change))

	select {
	case m := <-got:
		assert.Equal(t, change, m)
	case <-ctx.Done():
		t.Fatal("encoder settings change not delivered")
	}
}

func TestCloseNotifiesHandler(t *testing.T) {
	t.Parallel()

	h := startServer(t, &fakeHandler{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := h.dial(ctx, newHello(), SessionHandlers{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.srv.Conns()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	require.Eventually(t, func() bool {
		_, _, closed := h.handler.counts()
		return closed == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.srv.Conns())
}

func TestRejectReason(t *testing.T) {
	t.Parallel()

	assert.Equal(t, wire.RejectDuplicateDevice, rejectReason(&RejectError{Reason: wire.RejectDuplicateDevice}))
	assert.Equal(t, wire.RejectHostBusy, rejectReason(errors.New("boom")))
	assert.ErrorIs(t, &RejectError{Reason: wire.RejectHostBusy}, ErrRejected)
}
