package metrics

import "sync"

// Signaling event names.
const (
	PeersJoined                = "peers_joined"
	PeersLeft                  = "peers_left"
	PeerIDRejected             = "peer_id_rejected"
	OriginRejected             = "origin_rejected"
	RTCRelayed                 = "rtc_relayed"
	RTCDroppedUnknownRecipient = "rtc_dropped_unknown_recipient"
	RTCDroppedSpoofedSender    = "rtc_dropped_spoofed_sender"
	RTCDroppedSelfAddressed    = "rtc_dropped_self_addressed"
	RTCSenderRewritten         = "rtc_sender_rewritten"
	ProtocolErrors             = "protocol_errors"
	RateLimited                = "rate_limited"
	SendQueueOverflow          = "send_queue_overflow"
	HandlerPanics              = "handler_panics"
)

// Metrics is a concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

// Inc is safe to call on a nil receiver so optional metrics need no guards.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
