package negotiation

import (
	"reflect"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/protocol"
)

func newTestNegotiator(t *testing.T, local, remote string, timeout time.Duration, retries int) (*Negotiator, *fakeEngine, *fakeSignaler) {
	t.Helper()
	engine := newFakeEngine(local)
	sig := newFakeSignaler()
	n, err := New(Config{
		LocalID:    local,
		RemoteID:   remote,
		Engine:     engine,
		Signaler:   sig,
		Timeout:    timeout,
		MaxRetries: retries,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n, engine, sig
}

func remoteOffer(t *testing.T, from, to string) protocol.RTC {
	t.Helper()
	msg, err := protocol.NewOffer(from, to, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-from-" + from})
	if err != nil {
		t.Fatalf("NewOffer: %v", err)
	}
	return msg
}

func remoteAnswer(t *testing.T, from, to string) protocol.RTC {
	t.Helper()
	msg, err := protocol.NewAnswer(from, to, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-from-" + from})
	if err != nil {
		t.Fatalf("NewAnswer: %v", err)
	}
	return msg
}

func remoteCandidate(t *testing.T, from, to, cand string) protocol.RTC {
	t.Helper()
	msg, err := protocol.NewICECandidate(from, to, webrtc.ICECandidateInit{Candidate: cand})
	if err != nil {
		t.Fatalf("NewICECandidate: %v", err)
	}
	return msg
}

func TestIsPolite(t *testing.T) {
	if IsPolite("a", "b") {
		t.Fatalf("IsPolite(a, b) = true, want false")
	}
	if !IsPolite("b", "a") {
		t.Fatalf("IsPolite(b, a) = false, want true")
	}
	if IsPolite("peer-1", "peer-10") {
		t.Fatalf("IsPolite uses plain string ordering")
	}
}

func TestNew_RejectsSelf(t *testing.T) {
	if _, err := New(Config{LocalID: "a", RemoteID: "a", Engine: newFakeEngine("a"), Signaler: newFakeSignaler()}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNegotiator_ImpoliteOffersAndAppliesAnswer(t *testing.T) {
	n, engine, sig := newTestNegotiator(t, "a", "b", 0, 0)

	engine.fireNegotiationNeeded()
	msg := sig.next(t)
	if msg.Payload() != protocol.PayloadOffer || msg.From != "a" || msg.To != "b" {
		t.Fatalf("sent %+v, want offer a->b", msg)
	}
	n.barrier()
	if got := n.State(); got != StateCaller {
		t.Fatalf("state = %v, want caller", got)
	}

	n.HandleRTC(remoteAnswer(t, "b", "a"))
	n.barrier()
	if got := n.State(); got != StateNeutral {
		t.Fatalf("state = %v, want neutral", got)
	}
	want := []string{"createOffer", "setLocal:offer", "setRemote:answer"}
	if got := engine.opsSnapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("ops = %v, want %v", got, want)
	}
}

func TestNegotiator_PoliteDefersToImpolite(t *testing.T) {
	n, engine, sig := newTestNegotiator(t, "b", "a", 0, 0)

	engine.fireNegotiationNeeded()
	msg := sig.next(t)
	if msg.Payload() != protocol.PayloadNegotiate || msg.From != "b" || msg.To != "a" {
		t.Fatalf("sent %+v, want negotiate b->a", msg)
	}
	n.barrier()
	if got := n.State(); got != StateNeutral {
		t.Fatalf("state = %v, want neutral", got)
	}
	if engine.count("createOffer") != 0 {
		t.Fatalf("polite peer must not offer first")
	}

	// A second request while waiting does not repeat the negotiate.
	engine.fireNegotiationNeeded()
	n.barrier()
	sig.expectNone(t, 20*time.Millisecond)

	n.HandleRTC(remoteOffer(t, "a", "b"))
	answer := sig.next(t)
	if answer.Payload() != protocol.PayloadAnswer {
		t.Fatalf("sent %+v, want answer", answer)
	}
	n.barrier()
	if got := n.State(); got != StateNeutral {
		t.Fatalf("state = %v, want neutral", got)
	}

	// The engine still needs negotiation after the deferred round: offer directly.
	engine.fireNegotiationNeeded()
	if got := sig.next(t); got.Payload() != protocol.PayloadOffer {
		t.Fatalf("sent %+v, want offer", got)
	}
}

func TestNegotiator_PoliteDefersAgainAfterImpoliteRenegotiation(t *testing.T) {
	n, engine, sig := newTestNegotiator(t, "b", "a", 0, 0)

	engine.fireNegotiationNeeded()
	if got := sig.next(t); got.Payload() != protocol.PayloadNegotiate {
		t.Fatalf("sent %+v, want negotiate", got)
	}
	n.HandleRTC(remoteOffer(t, "a", "b"))
	if got := sig.next(t); got.Payload() != protocol.PayloadAnswer {
		t.Fatalf("sent %+v, want answer", got)
	}

	// The impolite peer renegotiates on its own; that round answers nothing
	// we asked for.
	n.HandleRTC(remoteOffer(t, "a", "b"))
	if got := sig.next(t); got.Payload() != protocol.PayloadAnswer {
		t.Fatalf("sent %+v, want answer", got)
	}

	engine.fireNegotiationNeeded()
	if got := sig.next(t); got.Payload() != protocol.PayloadNegotiate {
		t.Fatalf("sent %+v, want negotiate", got)
	}
	n.barrier()
	if engine.count("createOffer") != 0 {
		t.Fatalf("ops = %v, polite peer must not offer", engine.opsSnapshot())
	}
}

func TestNegotiator_PoliteDefersWhenNeedComesLate(t *testing.T) {
	n, engine, sig := newTestNegotiator(t, "b", "a", 0, 0)
	n.deferralGrace = 10 * time.Millisecond

	engine.fireNegotiationNeeded()
	_ = sig.next(t) // negotiate
	n.HandleRTC(remoteOffer(t, "a", "b"))
	_ = sig.next(t) // answer
	n.barrier()

	time.Sleep(50 * time.Millisecond)
	engine.fireNegotiationNeeded()
	if got := sig.next(t); got.Payload() != protocol.PayloadNegotiate {
		t.Fatalf("sent %+v, want negotiate", got)
	}
}

func TestNegotiator_PoliteOffersOnlyOnceAfterDeferral(t *testing.T) {
	n, engine, sig := newTestNegotiator(t, "b", "a", 0, 0)

	engine.fireNegotiationNeeded()
	_ = sig.next(t) // negotiate
	n.HandleRTC(remoteOffer(t, "a", "b"))
	_ = sig.next(t) // answer
	engine.fireNegotiationNeeded()
	if got := sig.next(t); got.Payload() != protocol.PayloadOffer {
		t.Fatalf("sent %+v, want offer", got)
	}
	n.HandleRTC(remoteAnswer(t, "a", "b"))
	n.barrier()

	engine.fireNegotiationNeeded()
	if got := sig.next(t); got.Payload() != protocol.PayloadNegotiate {
		t.Fatalf("sent %+v, want negotiate", got)
	}
}

func TestNegotiator_ImpoliteOffersOnNegotiateRequest(t *testing.T) {
	n, _, sig := newTestNegotiator(t, "a", "b", 0, 0)

	n.HandleRTC(protocol.NewNegotiate("b", "a"))
	if got := sig.next(t); got.Payload() != protocol.PayloadOffer {
		t.Fatalf("sent %+v, want offer", got)
	}

	// Already calling: a further request is ignored.
	n.HandleRTC(protocol.NewNegotiate("b", "a"))
	n.barrier()
	sig.expectNone(t, 20*time.Millisecond)
}

func TestNegotiator_PoliteIgnoresNegotiateRequest(t *testing.T) {
	n, engine, sig := newTestNegotiator(t, "b", "a", 0, 0)

	n.HandleRTC(protocol.NewNegotiate("a", "b"))
	n.barrier()
	sig.expectNone(t, 20*time.Millisecond)
	if len(engine.opsSnapshot()) != 0 {
		t.Fatalf("ops = %v, want none", engine.opsSnapshot())
	}
}

func TestNegotiator_GlareImpoliteKeepsOffer(t *testing.T) {
	n, engine, sig := newTestNegotiator(t, "a", "b", 0, 0)

	engine.fireNegotiationNeeded()
	if got := sig.next(t); got.Payload() != protocol.PayloadOffer {
		t.Fatalf("sent %+v, want offer", got)
	}

	n.HandleRTC(remoteOffer(t, "b", "a"))
	n.barrier()
	sig.expectNone(t, 20*time.Millisecond)
	if got := n.State(); got != StateCaller {
		t.Fatalf("state = %v, want caller", got)
	}
	if engine.count("rollback") != 0 {
		t.Fatalf("impolite peer must not roll back")
	}

	n.HandleRTC(remoteAnswer(t, "b", "a"))
	n.barrier()
	if got := n.State(); got != StateNeutral {
		t.Fatalf("state = %v, want neutral", got)
	}
}

func TestNegotiator_GlarePoliteRollsBackAndAnswers(t *testing.T) {
	n, engine, sig := newTestNegotiator(t, "b", "a", 0, 0)

	// Put the polite side in Caller: a deferred round that did not satisfy
	// the engine makes it offer directly.
	engine.fireNegotiationNeeded()
	_ = sig.next(t) // negotiate
	n.HandleRTC(remoteOffer(t, "a", "b"))
	_ = sig.next(t) // answer
	engine.fireNegotiationNeeded()
	if got := sig.next(t); got.Payload() != protocol.PayloadOffer {
		t.Fatalf("sent %+v, want offer", got)
	}
	n.barrier()
	if got := n.State(); got != StateCaller {
		t.Fatalf("state = %v, want caller", got)
	}

	n.HandleRTC(remoteOffer(t, "a", "b"))
	answer := sig.next(t)
	if answer.Payload() != protocol.PayloadAnswer || answer.To != "a" {
		t.Fatalf("sent %+v, want answer to a", answer)
	}
	n.barrier()
	if got := n.State(); got != StateNeutral {
		t.Fatalf("state = %v, want neutral", got)
	}
	if engine.count("rollback") != 1 {
		t.Fatalf("ops = %v, want one rollback", engine.opsSnapshot())
	}
}

func TestNegotiator_UnexpectedAnswerIgnored(t *testing.T) {
	n, engine, _ := newTestNegotiator(t, "a", "b", 0, 0)

	n.HandleRTC(remoteAnswer(t, "b", "a"))
	n.barrier()
	if got := n.State(); got != StateNeutral {
		t.Fatalf("state = %v, want neutral", got)
	}
	if len(engine.opsSnapshot()) != 0 {
		t.Fatalf("ops = %v, want none", engine.opsSnapshot())
	}
}

func TestNegotiator_BuffersCandidatesUntilRemoteDescription(t *testing.T) {
	n, engine, sig := newTestNegotiator(t, "b", "a", 0, 0)

	n.HandleRTC(remoteCandidate(t, "a", "b", "candidate:1 1 udp 1 10.0.0.1 5000 typ host"))
	n.HandleRTC(remoteCandidate(t, "a", "b", "candidate:2 1 udp 1 10.0.0.1 5001 typ host"))
	n.barrier()
	if engine.count("addCandidate") != 0 {
		t.Fatalf("candidates applied before remote description")
	}

	n.HandleRTC(remoteOffer(t, "a", "b"))
	_ = sig.next(t)
	n.barrier()

	want := []string{"setRemote:offer", "addCandidate", "addCandidate", "createAnswer", "setLocal:answer"}
	if got := engine.opsSnapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("ops = %v, want %v", got, want)
	}

	// With a remote description in place candidates apply immediately.
	n.HandleRTC(remoteCandidate(t, "a", "b", "candidate:3 1 udp 1 10.0.0.1 5002 typ host"))
	n.barrier()
	if engine.count("addCandidate") != 3 {
		t.Fatalf("ops = %v, want three candidates", engine.opsSnapshot())
	}
}

func TestNegotiator_ForwardsLocalCandidates(t *testing.T) {
	_, engine, sig := newTestNegotiator(t, "a", "b", 0, 0)

	engine.fireICECandidate(&webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.2 6000 typ host"})
	msg := sig.next(t)
	if msg.Payload() != protocol.PayloadICECandidate || msg.To != "b" {
		t.Fatalf("sent %+v, want candidate to b", msg)
	}
	c, err := msg.Candidate()
	if err != nil || c.Candidate != "candidate:1 1 udp 1 10.0.0.2 6000 typ host" {
		t.Fatalf("candidate = %+v, %v", c, err)
	}

	// End of gathering is not signaled.
	engine.fireICECandidate(nil)
	sig.expectNone(t, 20*time.Millisecond)
}

func TestNegotiator_TimeoutRetriesThenGivesUp(t *testing.T) {
	n, engine, sig := newTestNegotiator(t, "a", "b", 30*time.Millisecond, 1)

	engine.fireNegotiationNeeded()
	if got := sig.next(t); got.Payload() != protocol.PayloadOffer {
		t.Fatalf("sent %+v, want offer", got)
	}
	// No answer: one retry.
	if got := sig.next(t); got.Payload() != protocol.PayloadOffer {
		t.Fatalf("sent %+v, want retried offer", got)
	}
	// Still no answer: give up.
	sig.expectNone(t, 150*time.Millisecond)
	n.barrier()
	if got := n.State(); got != StateNeutral {
		t.Fatalf("state = %v, want neutral", got)
	}
	if engine.count("rollback") != 2 {
		t.Fatalf("ops = %v, want two rollbacks", engine.opsSnapshot())
	}
}

func TestNegotiator_AnswerCancelsTimeout(t *testing.T) {
	n, engine, sig := newTestNegotiator(t, "a", "b", 30*time.Millisecond, 3)

	engine.fireNegotiationNeeded()
	_ = sig.next(t)
	n.HandleRTC(remoteAnswer(t, "b", "a"))
	n.barrier()

	sig.expectNone(t, 100*time.Millisecond)
	if engine.count("rollback") != 0 {
		t.Fatalf("ops = %v, want no rollback", engine.opsSnapshot())
	}
}

func TestNegotiator_PoliteOffersWhenNegotiateUnanswered(t *testing.T) {
	_, engine, sig := newTestNegotiator(t, "b", "a", 30*time.Millisecond, 0)

	engine.fireNegotiationNeeded()
	if got := sig.next(t); got.Payload() != protocol.PayloadNegotiate {
		t.Fatalf("sent %+v, want negotiate", got)
	}
	if got := sig.next(t); got.Payload() != protocol.PayloadOffer {
		t.Fatalf("sent %+v, want offer after timeout", got)
	}
}

func TestNegotiator_CloseStopsHandling(t *testing.T) {
	engine := newFakeEngine("a")
	sig := newFakeSignaler()
	surfaced := make(chan struct{}, 1)
	n, err := New(Config{
		LocalID:  "a",
		RemoteID: "b",
		Engine:   engine,
		Signaler: sig,
		Handlers: Handlers{OnDataChannel: func(*webrtc.DataChannel) { surfaced <- struct{}{} }},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	engine.fireDataChannel()
	select {
	case <-surfaced:
	case <-time.After(time.Second):
		t.Fatalf("data channel handler not called")
	}

	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !engine.isClosed() {
		t.Fatalf("engine not closed")
	}
	if err := n.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	engine.fireNegotiationNeeded()
	engine.fireDataChannel()
	n.HandleRTC(remoteOffer(t, "b", "a"))
	sig.expectNone(t, 20*time.Millisecond)
	select {
	case <-surfaced:
		t.Fatalf("handler ran after Close")
	default:
	}
}
