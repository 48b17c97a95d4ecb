package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestEncode(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		want string
	}{
		{name: "nil peers", msg: Peers{}, want: `{"peers":[]}`},
		{name: "peers", msg: Peers{IDs: []string{"a", "b"}}, want: `{"peers":["a","b"]}`},
		{name: "addPeer", msg: AddPeer{ID: "c"}, want: `{"addPeer":"c"}`},
		{name: "delPeer", msg: DelPeer{ID: "c"}, want: `{"delPeer":"c"}`},
		{name: "negotiate", msg: NewNegotiate("b", "a"), want: `{"rtc":{"from":"b","to":"a","negotiate":true}}`},
		{
			name: "payload verbatim",
			msg:  RTC{From: "a", To: "b", Answer: json.RawMessage(`{ "type":"answer","sdp":"x" }`)},
			want: `{"rtc":{"from":"a","to":"b","answer":{ "type":"answer","sdp":"x" }}}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Encode(tc.msg)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("Encode=%s, want %s", got, tc.want)
			}
			if _, err := ParseServerMessage(got); err != nil {
				t.Fatalf("encoded form does not parse: %v", err)
			}
		})
	}
}

func TestEncode_RejectsInvalid(t *testing.T) {
	for name, msg := range map[string]Message{
		"nil":             nil,
		"empty addPeer":   AddPeer{},
		"empty delPeer":   DelPeer{},
		"empty peer id":   Peers{IDs: []string{""}},
		"rtc no payload":  RTC{From: "a", To: "b"},
		"rtc no from":     RTC{To: "b", Negotiate: true},
		"rtc two payload": RTC{From: "a", To: "b", Offer: json.RawMessage(`{}`), Negotiate: true},
		"rtc bad json":    RTC{From: "a", To: "b", Offer: json.RawMessage(`{`)},
	} {
		if _, err := Encode(msg); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("%s: err=%v, want ErrInvalidMessage", name, err)
		}
	}
}

func TestPionPayloads(t *testing.T) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	m, err := NewOffer("a", "b", offer)
	if err != nil {
		t.Fatalf("NewOffer: %v", err)
	}
	wire, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	parsed, err := ParseClientMessage(wire)
	if err != nil {
		t.Fatalf("ParseClientMessage: %v", err)
	}
	sd, err := parsed.(RTC).SessionDescription()
	if err != nil {
		t.Fatalf("SessionDescription: %v", err)
	}
	if sd.Type != webrtc.SDPTypeOffer || sd.SDP != offer.SDP {
		t.Fatalf("round trip mismatch: %+v", sd)
	}

	if _, err := NewAnswer("a", "b", offer); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("NewAnswer with offer type: err=%v, want ErrInvalidMessage", err)
	}

	// An offer envelope that smuggles an answer description is rejected.
	bad := RTC{From: "a", To: "b", Offer: json.RawMessage(`{"type":"answer","sdp":"v=0"}`)}
	if _, err := bad.SessionDescription(); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("mismatched type: err=%v, want ErrInvalidMessage", err)
	}

	mid := "0"
	idx := uint16(0)
	c, err := NewICECandidate("a", "b", webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: &mid, SDPMLineIndex: &idx})
	if err != nil {
		t.Fatalf("NewICECandidate: %v", err)
	}
	got, err := c.Candidate()
	if err != nil {
		t.Fatalf("Candidate: %v", err)
	}
	if got.SDPMid == nil || *got.SDPMid != "0" || got.SDPMLineIndex == nil || *got.SDPMLineIndex != 0 {
		t.Fatalf("unexpected candidate: %+v", got)
	}

	if _, err := NewICECandidate("a", "b", webrtc.ICECandidateInit{}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("empty candidate: err=%v, want ErrInvalidMessage", err)
	}
}

func TestRTCWithFromSharesPayload(t *testing.T) {
	m := RTC{From: "mallory", To: "b", Offer: json.RawMessage(`{}`)}
	got := m.WithFrom("a")
	if got.From != "a" || m.From != "mallory" {
		t.Fatalf("WithFrom mutated the receiver or failed: %+v %+v", m, got)
	}
	if string(got.Offer) != `{}` {
		t.Fatalf("payload changed: %s", got.Offer)
	}
}
