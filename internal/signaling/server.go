package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/channel"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/ratelimit"
)

// SignalPath is the WebSocket endpoint peers connect to.
const SignalPath = "/signal"

type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// AllowedOrigins is the browser Origin allow-list; empty means same host.
	AllowedOrigins []string
	// PeerIDPrefix prefixes server-assigned identifiers. Defaults to "peer".
	PeerIDPrefix   string
	SenderIDPolicy config.SenderIDPolicy

	MaxMessageBytes   int64
	MessagesPerSecond int
	IdleTimeout       time.Duration
	PingInterval      time.Duration
	SendQueueLen      int

	// Clock drives the inbound rate limiter; tests inject a fake.
	Clock ratelimit.Clock
}

type Server struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	registry *Registry
	origins  origin.Policy
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PeerIDPrefix == "" {
		cfg.PeerIDPrefix = config.DefaultPeerIDPrefix
	}
	if cfg.SenderIDPolicy == "" {
		cfg.SenderIDPolicy = config.DefaultSenderIDPolicy
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  cfg.Metrics,
		registry: NewRegistry(logger),
		origins:  origin.Policy{Allowed: cfg.AllowedOrigins},
		upgrader: websocket.Upgrader{
			// ServeHTTP applies the origin policy before upgrading so the
			// rejection carries a proper HTTP status.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET "+SignalPath, s)
}

func (s *Server) Registry() *Registry { return s.registry }

// ConnectedPeers reports the number of registered peers.
func (s *Server) ConnectedPeers() int { return s.registry.Len() }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.origins.Allow(r) {
		s.metrics.Inc(metrics.OriginRejected)
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	id := r.URL.Query().Get(channel.PeerIDQueryParam)
	if id == "" {
		id = newPeerID(s.cfg.PeerIDPrefix)
	} else if err := validatePeerID(id); err != nil {
		s.metrics.Inc(metrics.PeerIDRejected)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// Early refusal with a status code the client can see. Join re-checks
	// atomically after the upgrade.
	if s.registry.Has(id) {
		s.metrics.Inc(metrics.PeerIDRejected)
		http.Error(w, ErrDuplicatePeerID.Error(), http.StatusConflict)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	header := http.Header{}
	header.Set(channel.PeerIDHeader, id)
	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		s.logger.Debug("signaling upgrade failed", "peer_id", id, "err", err)
		return
	}

	s.serveChannel(id, channel.New(conn, channel.Options{
		ID:                id,
		Parser:            protocol.ParseClientMessage,
		Logger:            s.logger,
		Metrics:           s.metrics,
		SendQueueLen:      s.cfg.SendQueueLen,
		MaxMessageBytes:   s.cfg.MaxMessageBytes,
		IdleTimeout:       s.cfg.IdleTimeout,
		PingInterval:      s.cfg.PingInterval,
		MessagesPerSecond: s.cfg.MessagesPerSecond,
		Clock:             s.cfg.Clock,
	}))
}

// serveChannel runs one peer connection to completion. A panic in any of its
// handlers closes that connection only.
func (s *Server) serveChannel(id string, ch *channel.Channel) {
	logger := s.logger.With("peer_id", id)

	defer func() {
		if v := recover(); v != nil {
			s.metrics.Inc(metrics.HandlerPanics)
			logger.Error("signaling handler panic", "panic", v, "stack", string(debug.Stack()))
			ch.CloseWith(websocket.CloseInternalServerErr, "internal error")
			s.leave(logger, id, ch)
		}
	}()

	joined := false
	ch.OnOpen(func() {
		if err := s.registry.Join(id, ch); err != nil {
			s.metrics.Inc(metrics.PeerIDRejected)
			logger.Info("refusing duplicate peer id")
			ch.CloseWith(websocket.ClosePolicyViolation, ErrDuplicatePeerID.Error())
			return
		}
		joined = true
		s.metrics.Inc(metrics.PeersJoined)
		logger.Info("peer joined", "peers", s.registry.Len())
	})
	ch.OnMessage(protocol.KindRTC, func(m protocol.Message) {
		s.relay(logger, id, m.(protocol.RTC))
	})
	ch.OnClose(func(err error) {
		if !joined {
			return
		}
		if err != nil {
			logger.Debug("signaling channel closed with error", "err", err)
		}
		s.leave(logger, id, ch)
	})

	_ = ch.Run(s.ctx)
}

func (s *Server) leave(logger *slog.Logger, id string, ch *channel.Channel) {
	if s.registry.Leave(id, ch) {
		s.metrics.Inc(metrics.PeersLeft)
		logger.Info("peer left", "peers", s.registry.Len())
	}
}

// relay forwards an rtc envelope received from sender to its recipient.
func (s *Server) relay(logger *slog.Logger, sender string, m protocol.RTC) {
	if m.From != sender {
		if s.cfg.SenderIDPolicy != config.SenderIDPolicyRewrite {
			s.metrics.Inc(metrics.RTCDroppedSpoofedSender)
			logger.Warn("dropping rtc message with mismatched sender", "from", m.From, "to", m.To)
			return
		}
		s.metrics.Inc(metrics.RTCSenderRewritten)
		logger.Debug("rewriting rtc sender", "from", m.From, "to", m.To)
		m = m.WithFrom(sender)
	}
	if m.To == sender {
		s.metrics.Inc(metrics.RTCDroppedSelfAddressed)
		logger.Warn("dropping self-addressed rtc message")
		return
	}

	err := s.registry.SendTo(m.To, m)
	switch {
	case err == nil:
		s.metrics.Inc(metrics.RTCRelayed)
	case errors.Is(err, ErrUnknownPeer):
		// The recipient may have left while the message was in flight.
		s.metrics.Inc(metrics.RTCDroppedUnknownRecipient)
		logger.Warn("dropping rtc message for unknown recipient", "to", m.To, "payload", string(m.Payload()))
	default:
		logger.Warn("failed to relay rtc message", "to", m.To, "err", err)
	}
}

// Close disconnects every peer and waits for their connections to finish.
// New connections are refused afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	// Every running channel watches this context and closes with 1001.
	s.cancel()
	s.wg.Wait()
}

