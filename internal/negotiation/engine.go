package negotiation

import (
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/protocol"
)

// Engine is the transport engine a Negotiator drives. *webrtcpeer.Engine
// implements it over a pion PeerConnection.
type Engine interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// Rollback discards a pending local offer.
	Rollback() error
	AddICECandidate(webrtc.ICECandidateInit) error
	HasRemoteDescription() bool
	CreateDataChannel(label string) (*webrtc.DataChannel, error)

	// OnICECandidate reports local candidates; nil marks end of gathering.
	OnICECandidate(func(*webrtc.ICECandidateInit))
	OnNegotiationNeeded(func())
	OnDataChannel(func(*webrtc.DataChannel))
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))

	Close() error
}

// Signaler delivers rtc envelopes to the signaling server.
type Signaler interface {
	Send(protocol.Message) error
}
