package signaling

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/protocol"
)

var (
	ErrDuplicatePeerID = errors.New("peer id in use")
	ErrUnknownPeer     = errors.New("unknown peer")
)

// Peer is the registry's view of a connected channel. Send must not block.
type Peer interface {
	Send(protocol.Message) error
	Close() error
}

// Registry maps peer identifiers to their channels.
//
// Every mutation and the messages it produces happen under one lock, so the
// order of membership deltas seen by each peer equals the order of mutations.
type Registry struct {
	logger *slog.Logger

	mu    sync.Mutex
	peers map[string]Peer
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		peers:  make(map[string]Peer),
	}
}

// Join registers p under id, sends p the sorted list of the other peers and
// announces id to them. Duplicate identifiers are refused, never replaced.
func (r *Registry) Join(id string, p Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[id]; ok {
		return ErrDuplicatePeerID
	}
	r.peers[id] = p

	others := make([]string, 0, len(r.peers)-1)
	for other := range r.peers {
		if other != id {
			others = append(others, other)
		}
	}
	sort.Strings(others)

	if err := p.Send(protocol.Peers{IDs: others}); err != nil {
		r.logger.Warn("failed to send peer snapshot", "peer_id", id, "err", err)
	}
	for _, other := range others {
		if err := r.peers[other].Send(protocol.AddPeer{ID: id}); err != nil {
			r.logger.Warn("failed to announce peer", "peer_id", other, "new_peer_id", id, "err", err)
		}
	}
	return nil
}

// Leave removes id if it is still bound to p and announces the departure. It
// reports whether an entry was removed, so a stale close cannot evict a newer
// connection that reused the identifier.
func (r *Registry) Leave(id string, p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.peers[id]; !ok || cur != p {
		return false
	}
	delete(r.peers, id)

	for other, op := range r.peers {
		if err := op.Send(protocol.DelPeer{ID: id}); err != nil {
			r.logger.Warn("failed to announce departure", "peer_id", other, "left_peer_id", id, "err", err)
		}
	}
	return true
}

// SendTo delivers msg to the peer registered under id.
func (r *Registry) SendTo(id string, msg protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return ErrUnknownPeer
	}
	return p.Send(msg)
}

func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[id]
	return ok
}

// IDs returns the registered identifiers in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

