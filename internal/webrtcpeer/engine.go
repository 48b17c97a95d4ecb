package webrtcpeer

import (
	"github.com/pion/webrtc/v4"
)

// Engine adapts a pion PeerConnection to the negotiation engine surface.
type Engine struct {
	pc *webrtc.PeerConnection
}

func NewEngine(api *webrtc.API, iceServers []webrtc.ICEServer) (*Engine, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}
	return &Engine{pc: pc}, nil
}

func (e *Engine) PeerConnection() *webrtc.PeerConnection { return e.pc }

func (e *Engine) CreateOffer() (webrtc.SessionDescription, error) {
	return e.pc.CreateOffer(nil)
}

func (e *Engine) CreateAnswer() (webrtc.SessionDescription, error) {
	return e.pc.CreateAnswer(nil)
}

func (e *Engine) SetLocalDescription(sd webrtc.SessionDescription) error {
	return e.pc.SetLocalDescription(sd)
}

func (e *Engine) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return e.pc.SetRemoteDescription(sd)
}

// Rollback discards a pending local offer and returns to the stable state.
func (e *Engine) Rollback() error {
	return e.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (e *Engine) AddICECandidate(c webrtc.ICECandidateInit) error {
	return e.pc.AddICECandidate(c)
}

func (e *Engine) HasRemoteDescription() bool {
	return e.pc.RemoteDescription() != nil
}

func (e *Engine) CreateDataChannel(label string) (*webrtc.DataChannel, error) {
	return e.pc.CreateDataChannel(label, nil)
}

// OnICECandidate registers f for local candidates. A nil argument marks the
// end of gathering.
func (e *Engine) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			f(nil)
			return
		}
		cand := c.ToJSON()
		f(&cand)
	})
}

func (e *Engine) OnNegotiationNeeded(f func()) {
	e.pc.OnNegotiationNeeded(f)
}

func (e *Engine) OnDataChannel(f func(*webrtc.DataChannel)) {
	e.pc.OnDataChannel(f)
}

func (e *Engine) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	e.pc.OnTrack(f)
}

func (e *Engine) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	e.pc.OnConnectionStateChange(f)
}

func (e *Engine) Close() error {
	return e.pc.Close()
}
