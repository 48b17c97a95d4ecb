package negotiation

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/protocol"
)

// fakeEngine tracks just enough signaling state to reject the same
// transitions a real PeerConnection rejects.
type fakeEngine struct {
	name string

	mu         sync.Mutex
	localOffer bool
	remoteSet  bool
	remoteType webrtc.SDPType
	ops        []string
	candidates []webrtc.ICECandidateInit
	closed     bool

	negotiationNeeded func()
	iceCandidate      func(*webrtc.ICECandidateInit)
	dataChannel       func(*webrtc.DataChannel)
}

func newFakeEngine(name string) *fakeEngine { return &fakeEngine{name: name} }

func (e *fakeEngine) record(op string) { e.ops = append(e.ops, op) }

func (e *fakeEngine) CreateOffer() (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("createOffer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-from-" + e.name}, nil
}

func (e *fakeEngine) CreateAnswer() (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.remoteSet || e.remoteType != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	e.record("createAnswer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-from-" + e.name}, nil
}

func (e *fakeEngine) SetLocalDescription(sd webrtc.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("setLocal:" + sd.Type.String())
	e.localOffer = sd.Type == webrtc.SDPTypeOffer
	return nil
}

func (e *fakeEngine) SetRemoteDescription(sd webrtc.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch sd.Type {
	case webrtc.SDPTypeOffer:
		if e.localOffer {
			return errors.New("remote offer in have-local-offer")
		}
	case webrtc.SDPTypeAnswer:
		if !e.localOffer {
			return errors.New("remote answer without local offer")
		}
		e.localOffer = false
	}
	e.record("setRemote:" + sd.Type.String())
	e.remoteSet = true
	e.remoteType = sd.Type
	return nil
}

func (e *fakeEngine) Rollback() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("rollback")
	e.localOffer = false
	return nil
}

func (e *fakeEngine) AddICECandidate(c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.remoteSet {
		return errors.New("no remote description")
	}
	e.record("addCandidate")
	e.candidates = append(e.candidates, c)
	return nil
}

func (e *fakeEngine) HasRemoteDescription() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteSet
}

func (e *fakeEngine) CreateDataChannel(string) (*webrtc.DataChannel, error) {
	e.mu.Lock()
	f := e.negotiationNeeded
	e.mu.Unlock()
	if f != nil {
		f()
	}
	return nil, nil
}

func (e *fakeEngine) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.iceCandidate = f
}

func (e *fakeEngine) OnNegotiationNeeded(f func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.negotiationNeeded = f
}

func (e *fakeEngine) OnDataChannel(f func(*webrtc.DataChannel)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dataChannel = f
}

func (e *fakeEngine) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEngine) fireNegotiationNeeded() {
	e.mu.Lock()
	f := e.negotiationNeeded
	e.mu.Unlock()
	f()
}

func (e *fakeEngine) fireICECandidate(c *webrtc.ICECandidateInit) {
	e.mu.Lock()
	f := e.iceCandidate
	e.mu.Unlock()
	f(c)
}

func (e *fakeEngine) fireDataChannel() {
	e.mu.Lock()
	f := e.dataChannel
	e.mu.Unlock()
	f(nil)
}

func (e *fakeEngine) opsSnapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ops...)
}

func (e *fakeEngine) count(op string) int {
	n := 0
	for _, o := range e.opsSnapshot() {
		if o == op {
			n++
		}
	}
	return n
}

func (e *fakeEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

type fakeSignaler struct {
	sent chan protocol.Message
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{sent: make(chan protocol.Message, 64)}
}

func (s *fakeSignaler) Send(msg protocol.Message) error {
	s.sent <- msg
	return nil
}

func (s *fakeSignaler) next(t *testing.T) protocol.RTC {
	t.Helper()
	select {
	case msg := <-s.sent:
		rtc, ok := msg.(protocol.RTC)
		if !ok {
			t.Fatalf("sent %T, want protocol.RTC", msg)
		}
		return rtc
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a signaling message")
		return protocol.RTC{}
	}
}

func (s *fakeSignaler) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-s.sent:
		t.Fatalf("unexpected signaling message %#v", msg)
	case <-time.After(wait):
	}
}
