// Package web serves the local status API: health, version, controller
// status, a live event stream over WebSocket, Prometheus metrics and a
// QR code of the device identity for pairing.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/skip2/go-qrcode"

	"github.com/iobeam/rssibeam/internal/buildinfo"
	"github.com/iobeam/rssibeam/internal/connwatch"
	"github.com/iobeam/rssibeam/internal/events"
	"github.com/iobeam/rssibeam/internal/sampling"
)

// StatusSource reports the controller state.
type StatusSource interface {
	Status() sampling.Status
}

// Deps are the components the server reads from. Any of Bus, Health
// and Metrics may be nil; the matching routes then report nothing or
// 404.
type Deps struct {
	Status  StatusSource
	Bus     *events.Bus
	Health  *connwatch.Group
	Metrics http.Handler
}

// Server is the status HTTP server.
type Server struct {
	address string
	port    int
	deps    Deps
	logger  *slog.Logger

	upgrader websocket.Upgrader
	server   *http.Server
}

// NewServer creates a server bound to address:port. Nothing listens
// until Start.
func NewServer(address string, port int, deps Deps, logger *slog.Logger) *Server {
	if deps.Status == nil {
		panic("web: NewServer requires a StatusSource")
	}
	return &Server{
		address: address,
		port:    port,
		deps:    deps,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Local dashboard clients come from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the route table, wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/device/qr.png", s.handleQR)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}
	return s.withLogging(mux)
}

// Start listens and serves until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.address, strconv.Itoa(s.port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("starting status server", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for handlers to finish.
// Open event streams end when their request context is cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response failed", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"name":    "rssibeam",
		"version": buildinfo.Version,
		"state":   string(s.deps.Status.Status().State),
	})
}

type healthResponse struct {
	Status   string             `json:"status"`
	State    sampling.State     `json:"state"`
	Services []connwatch.Health `json:"services"`
}

// handleHealth answers 200 while the controller runs, reporting
// "degraded" when a watched service is down, and 503 once it stopped.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Status.Status()
	resp := healthResponse{
		Status:   "ok",
		State:    st.State,
		Services: s.deps.Health.Health(),
	}
	if resp.Services == nil {
		resp.Services = []connwatch.Health{}
	}

	code := http.StatusOK
	switch {
	case st.State == sampling.StateStopped:
		resp.Status = "stopped"
		code = http.StatusServiceUnavailable
	case !s.deps.Health.AllUp():
		resp.Status = "degraded"
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, buildinfo.Info())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Status.Status())
}

// QRSize is the edge length of the pairing QR image in pixels.
const QRSize = 256

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	id := s.deps.Status.Status().DeviceID
	if id == "" {
		s.errorResponse(w, http.StatusNotFound, "device not registered")
		return
	}
	png, err := qrcode.Encode(id, qrcode.Medium, QRSize)
	if err != nil {
		s.logger.Error("qr encode failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "qr encode failed")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(png); err != nil {
		s.logger.Debug("write qr failed", "error", err)
	}
}
