package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// NewOffer addresses a local offer to a remote peer.
func NewOffer(from, to string, sd webrtc.SessionDescription) (RTC, error) {
	raw, err := encodeDescription(sd, webrtc.SDPTypeOffer)
	if err != nil {
		return RTC{}, err
	}
	return RTC{From: from, To: to, Offer: raw}, nil
}

func NewAnswer(from, to string, sd webrtc.SessionDescription) (RTC, error) {
	raw, err := encodeDescription(sd, webrtc.SDPTypeAnswer)
	if err != nil {
		return RTC{}, err
	}
	return RTC{From: from, To: to, Answer: raw}, nil
}

func NewICECandidate(from, to string, c webrtc.ICECandidateInit) (RTC, error) {
	if c.Candidate == "" {
		return RTC{}, invalid("empty ice candidate")
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return RTC{}, err
	}
	return RTC{From: from, To: to, ICECandidate: raw}, nil
}

func NewNegotiate(from, to string) RTC {
	return RTC{From: from, To: to, Negotiate: true}
}

// SessionDescription decodes the offer or answer carried by m.
func (m RTC) SessionDescription() (webrtc.SessionDescription, error) {
	var (
		raw  json.RawMessage
		want webrtc.SDPType
	)
	switch m.Payload() {
	case PayloadOffer:
		raw, want = m.Offer, webrtc.SDPTypeOffer
	case PayloadAnswer:
		raw, want = m.Answer, webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, invalid("rtc does not carry a session description")
	}

	var sd webrtc.SessionDescription
	if err := json.Unmarshal(raw, &sd); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if sd.Type != want {
		return webrtc.SessionDescription{}, invalid(fmt.Sprintf("description type %q in %s", sd.Type, m.Payload()))
	}
	if sd.SDP == "" {
		return webrtc.SessionDescription{}, invalid("empty sdp")
	}
	return sd, nil
}

// Candidate decodes the ICE candidate carried by m.
func (m RTC) Candidate() (webrtc.ICECandidateInit, error) {
	if m.Payload() != PayloadICECandidate {
		return webrtc.ICECandidateInit{}, invalid("rtc does not carry an ice candidate")
	}
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(m.ICECandidate, &c); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if c.Candidate == "" {
		return webrtc.ICECandidateInit{}, invalid("empty ice candidate")
	}
	return c, nil
}

func encodeDescription(sd webrtc.SessionDescription, want webrtc.SDPType) (json.RawMessage, error) {
	if sd.Type != want {
		return nil, invalid(fmt.Sprintf("description type %q, want %q", sd.Type, want))
	}
	if sd.SDP == "" {
		return nil, invalid("empty sdp")
	}
	return json.Marshal(sd)
}
