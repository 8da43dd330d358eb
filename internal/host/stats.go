package host

import (
	"context"
	"sort"
	"time"

	"github.com/zsiec/beam/internal/capture"
	"github.com/zsiec/beam/internal/transport"
)

// ClientInfo describes one admitted client.
type ClientInfo struct {
	DeviceID    string              `json:"deviceId"`
	Name        string              `json:"name"`
	RemoteAddr  string              `json:"remoteAddr"`
	Registered  bool                `json:"registered"`
	MediaAddr   string              `json:"mediaAddr,omitempty"`
	VideoEpoch  uint16              `json:"videoEpoch"`
	ConnectedAt time.Time           `json:"connectedAt"`
	Media       transport.PeerStats `json:"media"`
}

// Stats is a point-in-time view of the host.
type Stats struct {
	Capture         CaptureStats `json:"capture"`
	Transport       string       `json:"transport"`
	Clients         int          `json:"clients"`
	FramesEncoded   uint64       `json:"framesEncoded"`
	EncodeErrors    uint64       `json:"encodeErrors"`
	KeyframesForced uint64       `json:"keyframesForced"`
	Recoveries      uint64       `json:"recoveries"`
	AudioFrames     uint64       `json:"audioFrames"`
}

// CaptureStats mirrors capture.Status for JSON.
type CaptureStats struct {
	State           string `json:"state"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	FrameRate       int    `json:"frameRate"`
	Latency         string `json:"latency"`
	Generation      uint64 `json:"generation"`
	Streak          int    `json:"streak"`
	Restarts        uint64 `json:"restarts"`
	AbortedRestarts uint64 `json:"abortedRestarts"`
	PendingRestart  bool   `json:"pendingRestart"`
	QueueDepth      int    `json:"queueDepth"`
	QueueDropped    uint64 `json:"queueDropped"`
	LastError       string `json:"lastError,omitempty"`
}

func captureStats(st capture.Status, dropped uint64) CaptureStats {
	return CaptureStats{
		State:           st.State.String(),
		Width:           st.Settings.Width,
		Height:          st.Settings.Height,
		FrameRate:       st.Settings.FrameRate,
		Latency:         st.Settings.Latency.String(),
		Generation:      st.Generation,
		Streak:          st.Streak,
		Restarts:        st.Restarts,
		AbortedRestarts: st.AbortedRestarts,
		PendingRestart:  st.PendingRestart,
		QueueDepth:      st.QueueDepth,
		QueueDropped:    dropped,
		LastError:       st.LastError,
	}
}

// Clients lists admitted clients ordered by connection time.
func (h *Host) Clients() []ClientInfo {
	clients := h.snapshotClients()
	out := make([]ClientInfo, 0, len(clients))
	for _, c := range clients {
		info := ClientInfo{
			DeviceID:    c.conn.DeviceID().String(),
			Name:        c.conn.Hello.DeviceName,
			RemoteAddr:  c.conn.RemoteAddr().String(),
			VideoEpoch:  c.video.Epoch(),
			ConnectedAt: c.connected,
		}
		if p := c.mediaPeer(); p != nil {
			info.Registered = true
			info.MediaAddr = p.RemoteAddr().String()
			info.Media = p.Stats()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Stats returns host counters and the capture engine status.
func (h *Host) Stats(ctx context.Context) (Stats, error) {
	st, err := h.engine.Status(ctx)
	if err != nil {
		return Stats{}, err
	}
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		Capture:         captureStats(st, h.engine.Queue().Dropped()),
		Transport:       h.cfg.Transport.String(),
		Clients:         n,
		FramesEncoded:   h.framesEncoded.Load(),
		EncodeErrors:    h.encodeErrors.Load(),
		KeyframesForced: h.keyframesForced.Load(),
		Recoveries:      h.recoveries.Load(),
		AudioFrames:     h.audioFrames.Load(),
	}, nil
}
