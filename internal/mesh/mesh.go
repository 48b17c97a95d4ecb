// Package mesh keeps one negotiated connection per remote peer announced by
// the signaling server.
package mesh

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/channel"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/webrtcpeer"
)

// Signaling is the client side of the signaling channel. *channel.Channel
// implements it.
type Signaling interface {
	ID() string
	Send(protocol.Message) error
	OnMessage(protocol.Kind, channel.MessageHandler)
}

// EngineFactory creates the transport engine for one remote peer.
type EngineFactory func(remoteID string) (negotiation.Engine, error)

// Config wires a Mesh to its signaling channel and engine factory. The
// callbacks are optional.
type Config struct {
	Signaling Signaling
	NewEngine EngineFactory
	Logger    *slog.Logger

	NegotiationTimeout time.Duration
	MaxRetries         int

	// OnDataChannel receives every mesh data channel, both the ones this
	// peer opens and the ones remote peers open. It may run on pion
	// goroutines.
	OnDataChannel func(remoteID string, dc *webrtc.DataChannel)
	OnTrack       func(remoteID string, track *webrtc.TrackRemote, recv *webrtc.RTPReceiver)
	OnPeerAdded   func(remoteID string)
	OnPeerRemoved func(remoteID string)
	// OnConnectionStateChange reports transport state for engines that
	// expose it, such as *webrtcpeer.Engine.
	OnConnectionStateChange func(remoteID string, state webrtc.PeerConnectionState)
}

// Entry is the connection to one remote peer. Negotiator owns Engine and
// closes it when the peer is removed.
type Entry struct {
	PeerID     string
	Negotiator *negotiation.Negotiator
	Engine     negotiation.Engine
}

// Mesh tracks one Entry per remote peer in the signaling server's membership
// and routes rtc envelopes to them. It is safe for concurrent use.
type Mesh struct {
	self   string
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	closed  bool
}

// New subscribes a mesh to sig. Register it before running the channel so the
// initial peers message is not missed.
func New(cfg Config) (*Mesh, error) {
	if cfg.Signaling == nil {
		return nil, errors.New("mesh: signaling channel is required")
	}
	if cfg.NewEngine == nil {
		return nil, errors.New("mesh: engine factory is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	self := cfg.Signaling.ID()
	m := &Mesh{
		self:    self,
		cfg:     cfg,
		logger:  logger.With("peer_id", self),
		entries: make(map[string]*Entry),
	}

	sig := cfg.Signaling
	sig.OnMessage(protocol.KindPeers, func(msg protocol.Message) {
		m.SetPeers(msg.(protocol.Peers).IDs)
	})
	sig.OnMessage(protocol.KindAddPeer, func(msg protocol.Message) {
		m.AddPeer(msg.(protocol.AddPeer).ID)
	})
	sig.OnMessage(protocol.KindDelPeer, func(msg protocol.Message) {
		m.RemovePeer(msg.(protocol.DelPeer).ID)
	})
	sig.OnMessage(protocol.KindRTC, func(msg protocol.Message) {
		m.HandleRTC(msg.(protocol.RTC))
	})
	return m, nil
}

func (m *Mesh) ID() string { return m.self }

// Peers returns the tracked remote ids, sorted.
func (m *Mesh) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peersLocked()
}

func (m *Mesh) peersLocked() []string {
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Mesh) Entry(id string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return e, ok
}

// SetPeers reconciles the tracked peers against a full membership list.
func (m *Mesh) SetPeers(ids []string) {
	added, removed := Reconcile(m.Peers(), ids, m.self)
	for _, id := range removed {
		m.RemovePeer(id)
	}
	for _, id := range added {
		m.AddPeer(id)
	}
}

// AddPeer starts tracking id. Adding self or a tracked id does nothing.
func (m *Mesh) AddPeer(id string) {
	if id == "" || id == m.self {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, ok := m.entries[id]; ok {
		m.mu.Unlock()
		return
	}
	entry, err := m.newEntry(id)
	if err != nil {
		m.mu.Unlock()
		m.logger.Error("failed to create peer connection", "remote_id", id, "err", err)
		return
	}
	m.entries[id] = entry
	m.mu.Unlock()

	m.logger.Info("peer added", "remote_id", id, "polite", entry.Negotiator.Polite())
	if f := m.cfg.OnPeerAdded; f != nil {
		f(id)
	}

	if entry.Negotiator.Polite() {
		return
	}
	// The impolite side opens the data channel; the engine then requests
	// negotiation.
	dc, err := entry.Engine.CreateDataChannel(webrtcpeer.DataChannelLabel(m.self, id))
	if err != nil {
		m.logger.Error("failed to create data channel", "remote_id", id, "err", err)
		return
	}
	if f := m.cfg.OnDataChannel; f != nil && dc != nil {
		f(id, dc)
	}
}

func (m *Mesh) newEntry(id string) (*Entry, error) {
	engine, err := m.cfg.NewEngine(id)
	if err != nil {
		return nil, err
	}

	handlers := negotiation.Handlers{}
	if f := m.cfg.OnDataChannel; f != nil {
		handlers.OnDataChannel = func(dc *webrtc.DataChannel) { f(id, dc) }
	}
	if f := m.cfg.OnTrack; f != nil {
		handlers.OnTrack = func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) { f(id, track, recv) }
	}

	neg, err := negotiation.New(negotiation.Config{
		LocalID:    m.self,
		RemoteID:   id,
		Engine:     engine,
		Signaler:   m.cfg.Signaling,
		Logger:     m.logger,
		Handlers:   handlers,
		Timeout:    m.cfg.NegotiationTimeout,
		MaxRetries: m.cfg.MaxRetries,
	})
	if err != nil {
		_ = engine.Close()
		return nil, err
	}
	entry := &Entry{PeerID: id, Negotiator: neg, Engine: engine}
	if n, ok := engine.(connectionStateNotifier); ok {
		n.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			m.connectionStateChanged(entry, state)
		})
	}
	return entry, nil
}

type connectionStateNotifier interface {
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
}

func (m *Mesh) connectionStateChanged(entry *Entry, state webrtc.PeerConnectionState) {
	// Removed entries report their own close; that is not news.
	if cur, ok := m.Entry(entry.PeerID); !ok || cur != entry {
		return
	}
	switch state {
	case webrtc.PeerConnectionStateFailed:
		m.logger.Warn("peer connection failed", "remote_id", entry.PeerID)
	case webrtc.PeerConnectionStateDisconnected:
		m.logger.Info("peer connection interrupted", "remote_id", entry.PeerID)
	default:
		m.logger.Debug("peer connection state", "remote_id", entry.PeerID, "state", state.String())
	}
	if f := m.cfg.OnConnectionStateChange; f != nil {
		f(entry.PeerID, state)
	}
}

// RemovePeer stops tracking id and closes its connection. Unknown ids are
// ignored.
func (m *Mesh) RemovePeer(id string) {
	m.mu.Lock()
	entry, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := entry.Negotiator.Close(); err != nil {
		m.logger.Warn("error closing peer connection", "remote_id", id, "err", err)
	}
	m.logger.Info("peer removed", "remote_id", id)
	if f := m.cfg.OnPeerRemoved; f != nil {
		f(id)
	}
}

// HandleRTC routes an envelope to the negotiator of its sender.
func (m *Mesh) HandleRTC(msg protocol.RTC) {
	if msg.To != m.self {
		m.logger.Warn("dropping rtc addressed to another peer", "to", msg.To, "from", msg.From)
		return
	}
	entry, ok := m.Entry(msg.From)
	if !ok {
		m.logger.Warn("dropping rtc from unknown peer", "from", msg.From, "payload", string(msg.Payload()))
		return
	}
	entry.Negotiator.HandleRTC(msg)
}

// Close tears down every tracked peer. Later membership updates are ignored.
func (m *Mesh) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	ids := m.peersLocked()
	m.mu.Unlock()

	for _, id := range ids {
		m.RemovePeer(id)
	}
}
