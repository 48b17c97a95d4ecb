// Package negotiation implements perfect negotiation between two mesh peers.
//
// Both ends compare their identifiers: the lower one is impolite and offers
// whenever its engine needs negotiation; the higher one is polite and asks
// the impolite end to offer instead. When offers still collide, the polite
// end rolls its offer back and answers, while the impolite end ignores the
// incoming offer.
package negotiation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/protocol"
)

const (
	// DefaultTimeout is how long an offer or a negotiate request may go
	// unanswered before it is retried.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxRetries bounds re-offers after DefaultTimeout expires.
	DefaultMaxRetries = 3

	// deferralGrace is how soon after answering a deferred round a further
	// need counts as left over from that round.
	deferralGrace = time.Second
)

// IsPolite reports whether local yields to remote when offers collide.
func IsPolite(local, remote string) bool {
	return local > remote
}

// State is where a Negotiator is in the offer/answer exchange. Only
// StateNeutral accepts a new local negotiation.
type State int32

const (
	StateNeutral State = iota
	// StateCaller: a local offer was sent and no answer applied yet.
	StateCaller
	// StateCallee: a remote offer is being answered.
	StateCallee
)

func (s State) String() string {
	switch s {
	case StateNeutral:
		return "neutral"
	case StateCaller:
		return "caller"
	case StateCallee:
		return "callee"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Handlers surface what the remote peer opens towards us. They run on pion
// goroutines and never after Close returns.
type Handlers struct {
	OnDataChannel func(*webrtc.DataChannel)
	OnTrack       func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

type Config struct {
	LocalID  string
	RemoteID string
	Engine   Engine
	Signaler Signaler
	Logger   *slog.Logger
	Handlers Handlers

	// Timeout rolls back an offer that got no answer. Zero disables it.
	Timeout time.Duration
	// MaxRetries bounds re-offers after a timeout.
	MaxRetries int
}

// Negotiator runs the negotiation for one remote peer. Every input is queued
// and handled by a single goroutine, so handling for one pair never
// interleaves while different pairs proceed concurrently.
type Negotiator struct {
	local    string
	remote   string
	polite   bool
	engine   Engine
	signaler Signaler
	handlers Handlers
	logger   *slog.Logger

	timeout    time.Duration
	maxRetries int

	state atomic.Int32

	mu     sync.Mutex
	queue  []event
	closed bool

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	// Owned by the run goroutine.
	pendingCandidates []webrtc.ICECandidateInit
	// awaitingOffer: the polite side sent negotiate and waits for an offer.
	awaitingOffer bool
	// deferralAnsweredAt: when the offer answering our negotiate request was
	// applied. One need shortly after means that offer did not cover what the
	// engine wanted, so the polite side offers itself once.
	deferralAnsweredAt time.Time
	deferralGrace      time.Duration
	retries            int
	timer              *time.Timer
	timerGen           uint64
}

type event interface{}

type (
	evNegotiationNeeded struct{}
	evRemote            struct{ msg protocol.RTC }
	evLocalCandidate    struct{ c *webrtc.ICECandidateInit }
	evTimeout           struct{ gen uint64 }
	evBarrier           struct{ done chan struct{} }
)

func New(cfg Config) (*Negotiator, error) {
	if cfg.LocalID == "" || cfg.RemoteID == "" {
		return nil, errors.New("negotiation: local and remote ids are required")
	}
	if cfg.LocalID == cfg.RemoteID {
		return nil, fmt.Errorf("negotiation: cannot negotiate with self (%q)", cfg.LocalID)
	}
	if cfg.Engine == nil || cfg.Signaler == nil {
		return nil, errors.New("negotiation: engine and signaler are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	polite := IsPolite(cfg.LocalID, cfg.RemoteID)
	n := &Negotiator{
		local:         cfg.LocalID,
		remote:        cfg.RemoteID,
		polite:        polite,
		engine:        cfg.Engine,
		signaler:      cfg.Signaler,
		handlers:      cfg.Handlers,
		logger:        logger.With("remote_id", cfg.RemoteID, "polite", polite),
		timeout:       cfg.Timeout,
		maxRetries:    cfg.MaxRetries,
		deferralGrace: deferralGrace,
		wake:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}

	n.engine.OnNegotiationNeeded(func() { n.post(evNegotiationNeeded{}) })
	n.engine.OnICECandidate(func(c *webrtc.ICECandidateInit) { n.post(evLocalCandidate{c: c}) })
	n.engine.OnDataChannel(func(dc *webrtc.DataChannel) {
		if h := n.handlers.OnDataChannel; h != nil && !n.isClosed() {
			h(dc)
		}
	})
	n.engine.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		if h := n.handlers.OnTrack; h != nil && !n.isClosed() {
			h(track, recv)
		}
	})

	go n.run()
	return n, nil
}

func (n *Negotiator) RemoteID() string { return n.remote }
func (n *Negotiator) Polite() bool     { return n.polite }
func (n *Negotiator) State() State     { return State(n.state.Load()) }

// Negotiate requests a negotiation as if the engine had signalled one.
func (n *Negotiator) Negotiate() { n.post(evNegotiationNeeded{}) }

// HandleRTC queues an envelope received from the remote peer.
func (n *Negotiator) HandleRTC(msg protocol.RTC) { n.post(evRemote{msg: msg}) }

// Close stops event handling and closes the engine. Queued events are dropped.
func (n *Negotiator) Close() error {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		n.queue = nil
		n.mu.Unlock()

		close(n.stop)
		<-n.done
		if n.timer != nil {
			n.timer.Stop()
		}
		n.closeErr = n.engine.Close()
	})
	return n.closeErr
}

func (n *Negotiator) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (n *Negotiator) post(ev event) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, ev)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// barrier returns once every event queued before it has been handled.
func (n *Negotiator) barrier() {
	done := make(chan struct{})
	n.post(evBarrier{done: done})
	select {
	case <-done:
	case <-n.done:
	}
}

func (n *Negotiator) run() {
	defer close(n.done)
	for {
		select {
		case <-n.stop:
			return
		case <-n.wake:
		}
		for {
			n.mu.Lock()
			if n.closed || len(n.queue) == 0 {
				n.mu.Unlock()
				break
			}
			ev := n.queue[0]
			n.queue[0] = nil
			n.queue = n.queue[1:]
			n.mu.Unlock()

			n.handle(ev)
		}
	}
}

func (n *Negotiator) handle(ev event) {
	switch ev := ev.(type) {
	case evNegotiationNeeded:
		n.onNegotiationNeeded()
	case evRemote:
		n.onRemote(ev.msg)
	case evLocalCandidate:
		n.onLocalCandidate(ev.c)
	case evTimeout:
		n.onTimeout(ev.gen)
	case evBarrier:
		close(ev.done)
	}
}

func (n *Negotiator) setState(s State) {
	if prev := State(n.state.Swap(int32(s))); prev != s {
		n.logger.Debug("negotiation state", "from", prev.String(), "to", s.String())
	}
}

func (n *Negotiator) onNegotiationNeeded() {
	if n.State() != StateNeutral {
		n.logger.Debug("negotiation already in progress; ignoring request", "state", n.State().String())
		return
	}
	if !n.polite {
		n.offer()
		return
	}

	answeredAt := n.deferralAnsweredAt
	n.deferralAnsweredAt = time.Time{}
	switch {
	case !answeredAt.IsZero() && time.Since(answeredAt) <= n.deferralGrace:
		// The impolite side's offer did not cover what the engine needs.
		n.offer()
	case n.awaitingOffer:
		n.logger.Debug("still waiting for the impolite peer to offer")
	default:
		n.awaitingOffer = true
		n.send(protocol.NewNegotiate(n.local, n.remote))
		n.armTimer()
	}
}

func (n *Negotiator) onRemote(msg protocol.RTC) {
	switch msg.Payload() {
	case protocol.PayloadOffer:
		sd, err := msg.SessionDescription()
		if err != nil {
			n.logger.Warn("ignoring malformed offer", "err", err)
			return
		}
		n.onRemoteOffer(sd)
	case protocol.PayloadAnswer:
		sd, err := msg.SessionDescription()
		if err != nil {
			n.logger.Warn("ignoring malformed answer", "err", err)
			return
		}
		n.onRemoteAnswer(sd)
	case protocol.PayloadICECandidate:
		c, err := msg.Candidate()
		if err != nil {
			n.logger.Warn("ignoring malformed ice candidate", "err", err)
			return
		}
		n.onRemoteCandidate(c)
	case protocol.PayloadNegotiate:
		n.onRemoteNegotiate()
	}
}

func (n *Negotiator) onRemoteNegotiate() {
	if n.polite {
		n.logger.Warn("ignoring negotiate request from impolite peer")
		return
	}
	if n.State() != StateNeutral {
		n.logger.Debug("ignoring negotiate request while negotiating", "state", n.State().String())
		return
	}
	n.offer()
}

func (n *Negotiator) offer() {
	offer, err := n.engine.CreateOffer()
	if err != nil {
		n.logger.Error("create offer failed", "err", err)
		return
	}
	if err := n.engine.SetLocalDescription(offer); err != nil {
		n.logger.Error("set local offer failed", "err", err)
		return
	}
	msg, err := protocol.NewOffer(n.local, n.remote, offer)
	if err != nil {
		n.logger.Error("encode offer failed", "err", err)
		n.rollback()
		return
	}

	n.setState(StateCaller)
	n.send(msg)
	n.armTimer()
}

func (n *Negotiator) onRemoteOffer(offer webrtc.SessionDescription) {
	switch n.State() {
	case StateCaller:
		if !n.polite {
			n.logger.Info("offer collision; keeping local offer")
			return
		}
		n.logger.Info("offer collision; rolling back local offer")
		n.stopTimer()
		if err := n.engine.Rollback(); err != nil {
			n.logger.Warn("rollback failed", "err", err)
		}
	case StateCallee:
		n.logger.Warn("ignoring offer while answering")
		return
	}

	n.setState(StateCallee)
	if err := n.engine.SetRemoteDescription(offer); err != nil {
		n.logger.Warn("set remote offer failed", "err", err)
		n.setState(StateNeutral)
		return
	}
	n.flushCandidates()

	answer, err := n.engine.CreateAnswer()
	if err != nil {
		n.logger.Error("create answer failed", "err", err)
		n.setState(StateNeutral)
		return
	}
	if err := n.engine.SetLocalDescription(answer); err != nil {
		n.logger.Error("set local answer failed", "err", err)
		n.setState(StateNeutral)
		return
	}
	msg, err := protocol.NewAnswer(n.local, n.remote, answer)
	if err != nil {
		n.logger.Error("encode answer failed", "err", err)
		n.setState(StateNeutral)
		return
	}
	n.send(msg)
	n.setState(StateNeutral)

	n.deferralAnsweredAt = time.Time{}
	if n.awaitingOffer {
		n.awaitingOffer = false
		n.deferralAnsweredAt = time.Now()
		n.stopTimer()
	}
}

func (n *Negotiator) onRemoteAnswer(answer webrtc.SessionDescription) {
	if n.State() != StateCaller {
		n.logger.Warn("ignoring unexpected answer", "state", n.State().String())
		return
	}
	n.stopTimer()
	if err := n.engine.SetRemoteDescription(answer); err != nil {
		n.logger.Warn("set remote answer failed", "err", err)
		n.rollback()
		return
	}
	n.flushCandidates()

	n.retries = 0
	n.deferralAnsweredAt = time.Time{}
	n.setState(StateNeutral)
}

func (n *Negotiator) onRemoteCandidate(c webrtc.ICECandidateInit) {
	if !n.engine.HasRemoteDescription() {
		n.pendingCandidates = append(n.pendingCandidates, c)
		return
	}
	n.addCandidate(c)
}

func (n *Negotiator) flushCandidates() {
	pending := n.pendingCandidates
	n.pendingCandidates = nil
	for _, c := range pending {
		n.addCandidate(c)
	}
}

func (n *Negotiator) addCandidate(c webrtc.ICECandidateInit) {
	// Candidates racing description changes are expected; never fatal.
	if err := n.engine.AddICECandidate(c); err != nil {
		n.logger.Warn("add ice candidate failed", "err", err)
	}
}

func (n *Negotiator) onLocalCandidate(c *webrtc.ICECandidateInit) {
	if c == nil {
		return
	}
	msg, err := protocol.NewICECandidate(n.local, n.remote, *c)
	if err != nil {
		n.logger.Warn("dropping local ice candidate", "err", err)
		return
	}
	n.send(msg)
}

func (n *Negotiator) onTimeout(gen uint64) {
	if gen != n.timerGen {
		return
	}
	n.timer = nil

	switch {
	case n.State() == StateCaller:
		n.logger.Warn("negotiation timed out; rolling back", "retries", n.retries)
		n.rollback()
		if n.retries >= n.maxRetries {
			n.logger.Error("abandoning negotiation", "retries", n.retries)
			n.retries = 0
			return
		}
		n.retries++
		n.offer()
	case n.awaitingOffer:
		// The impolite peer never offered; offer directly.
		n.logger.Warn("no offer after negotiate request; offering instead")
		n.awaitingOffer = false
		n.offer()
	}
}

func (n *Negotiator) rollback() {
	if err := n.engine.Rollback(); err != nil {
		n.logger.Warn("rollback failed", "err", err)
	}
	n.setState(StateNeutral)
}

func (n *Negotiator) armTimer() {
	n.stopTimer()
	if n.timeout <= 0 {
		return
	}
	gen := n.timerGen
	n.timer = time.AfterFunc(n.timeout, func() { n.post(evTimeout{gen: gen}) })
}

func (n *Negotiator) stopTimer() {
	n.timerGen++
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
}

func (n *Negotiator) send(msg protocol.Message) {
	if err := n.signaler.Send(msg); err != nil {
		n.logger.Warn("signaling send failed", "err", err)
	}
}
