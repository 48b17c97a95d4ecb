// Package httpserver is the HTTP front of the mesh signaling server: the
// /signal WebSocket upgrade, ICE configuration for browsers, metrics and
// health probes, behind request logging and panic recovery.
package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Signaling is the WebSocket endpoint mounted at signaling.SignalPath.
// *signaling.Server implements it.
type Signaling interface {
	http.Handler
	ConnectedPeers() int
}

type Server struct {
	log     *slog.Logger
	build   BuildInfo
	sig     Signaling
	metrics *metrics.Metrics
	ice     []config.ICEServer
	origins origin.Policy

	ready atomic.Bool
	srv   *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, sig Signaling, m *metrics.Metrics) *Server {
	s := &Server{
		log:     logger,
		build:   build,
		sig:     sig,
		metrics: m,
		ice:     cfg.ICEServers.Browser(),
		origins: origin.Policy{Allowed: cfg.AllowedOrigins},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("GET /readyz", s.readyz)
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})
	mux.HandleFunc("GET /webrtc/ice", s.withOriginPolicy(s.iceServers))
	mux.Handle("GET "+signaling.SignalPath, sig)
	mux.Handle("GET /metrics", metrics.PrometheusHandler(m, sig.ConnectedPeers))

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           recoverPanics(logger, accessLog(logger, mux)),
		ReadHeaderTimeout: 5 * time.Second,
		// Signaling sockets are long-lived; the channel layer enforces its own
		// idle and write deadlines.
	}
	return s
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String(), "signal_path", signaling.SignalPath)
	return s.srv.Serve(l)
}

// Shutdown stops accepting requests. Upgraded signaling sockets are not
// tracked by net/http; the caller closes the signaling server afterwards.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "peers": s.sig.ConnectedPeers()})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (s *Server) iceServers(w http.ResponseWriter, r *http.Request) {
	// TURN credentials must not end up in shared caches.
	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, map[string]any{"iceServers": s.ice})
}

func recoverPanics(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logger.Error("panic in http handler", "path", r.URL.Path, "recover", rec, "stack", string(debug.Stack()))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// accessLog tags every request with an X-Request-ID and logs it once the
// handler returns. For /signal that is when the peer's session ends.
func accessLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
			r.Header.Set("X-Request-ID", reqID)
		}
		w.Header().Set("X-Request-ID", reqID)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)

		level := slog.LevelInfo
		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" || r.URL.Path == "/readyz" {
			level = slog.LevelDebug
		}
		logger.Log(r.Context(), level, "http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"request_id", reqID,
		)
	})
}

// statusWriter records the response status. It forwards Hijack so /signal
// can upgrade through the middleware.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	// The upgrader writes 101 on the raw connection.
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// WriteJSON writes v as a JSON response body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
