// Package status serves the host's REST status API and a websocket that
// pushes status snapshots.
package status

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/beam/internal/certs"
	"github.com/zsiec/beam/internal/host"
)

// DefaultInterval is how often websocket clients receive a snapshot.
const DefaultInterval = time.Second

const writeTimeout = 5 * time.Second

// Provider supplies host status. *host.Host implements it.
type Provider interface {
	Stats(ctx context.Context) (host.Stats, error)
	Clients() []host.ClientInfo
}

// Snapshot is the body of GET /api/status and of each websocket message.
type Snapshot struct {
	Time    time.Time         `json:"time"`
	Host    host.Stats        `json:"host"`
	Clients []host.ClientInfo `json:"clients"`
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Hex  string `json:"hex"`
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Addr     string
	Provider Provider

	// Cert enables TLS and the cert-hash endpoint. Optional.
	Cert *certs.CertInfo

	Interval time.Duration
	Log      *slog.Logger
}

// Server is the status HTTP server.
type Server struct {
	config   ServerConfig
	log      *slog.Logger
	upgrader websocket.Upgrader
	ready    chan struct{}

	mu       sync.Mutex
	listener net.Listener
	watchers int
}

// NewServer creates a Server. It returns an error if required fields are
// missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Provider == nil {
		return nil, errors.New("status: Provider is required")
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		config: config,
		log:    log.With("component", "status"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ready: make(chan struct{}),
	}, nil
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/clients", s.handleClients)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("GET /api/status/ws", s.handleWatch)
	return withOpenCORS(mux)
}

// withOpenCORS lets dashboards on other origins read the API.
func withOpenCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

type apiError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (s *Server) respond(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Debug("status response write failed", "code", code, "error", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, code int, reason string) {
	s.respond(w, code, apiError{Error: reason, Code: code})
}

func (s *Server) snapshot(ctx context.Context) (Snapshot, error) {
	st, err := s.config.Provider.Stats(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	clients := s.config.Provider.Clients()
	if clients == nil {
		clients = make([]host.ClientInfo, 0)
	}
	return Snapshot{Time: time.Now(), Host: st, Clients: clients}, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot(r.Context())
	if err != nil {
		s.fail(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.respond(w, http.StatusOK, snap)
}

func (s *Server) handleClients(w http.ResponseWriter, _ *http.Request) {
	clients := s.config.Provider.Clients()
	if clients == nil {
		clients = make([]host.ClientInfo, 0)
	}
	s.respond(w, http.StatusOK, clients)
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	if s.config.Cert == nil {
		s.fail(w, http.StatusNotFound, "no certificate")
		return
	}
	s.respond(w, http.StatusOK, certHashResponse{
		Hash: s.config.Cert.FingerprintBase64(),
		Hex:  s.config.Cert.FingerprintHex(),
	})
}

// handleWatch pushes a snapshot immediately and then every Interval until
// the peer goes away.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.watchers++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.watchers--
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reads only detect the close; the API is push-only.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.log.Debug("websocket read error", "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		snap, err := s.snapshot(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn("status snapshot failed", "error", err)
			}
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(snap); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeTimeout))
			return
		case <-ticker.C:
		}
	}
}

// Watchers returns the number of connected websocket clients.
func (s *Server) Watchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchers
}

// Ready is closed once Start is listening.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the listening address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("status listen on %s: %w", s.config.Addr, err)
	}
	if s.config.Cert != nil {
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{s.config.Cert.TLSCert}})
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("status API listening", "addr", ln.Addr(), "tls", s.config.Cert != nil)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}
