// Package protocol defines the signaling wire messages exchanged between mesh
// peers and the signaling server.
//
// Messages are JSON text frames carrying exactly one top-level key:
//
//	{"peers":["a","b"]}
//	{"addPeer":"c"}
//	{"delPeer":"b"}
//	{"rtc":{"from":"a","to":"c","offer":{...}}}
//
// Parsing is strict: keys are case-sensitive, and unknown or repeated keys,
// trailing data, missing identifiers and envelopes without exactly one
// payload are rejected with ErrInvalidMessage.
package protocol

import (
	"encoding/json"
	"errors"
)

var ErrInvalidMessage = errors.New("invalid signaling message")

type Kind string

const (
	KindPeers   Kind = "peers"
	KindAddPeer Kind = "addPeer"
	KindDelPeer Kind = "delPeer"
	KindRTC     Kind = "rtc"
)

// Message is one of Peers, AddPeer, DelPeer or RTC.
type Message interface {
	Kind() Kind
	isMessage()
}

// Peers is the membership snapshot sent to a peer when it joins. It never
// contains the recipient's own identifier.
type Peers struct {
	IDs []string
}

type AddPeer struct {
	ID string
}

type DelPeer struct {
	ID string
}

// PayloadKind names the populated field of an RTC envelope.
type PayloadKind string

const (
	PayloadOffer        PayloadKind = "offer"
	PayloadAnswer       PayloadKind = "answer"
	PayloadICECandidate PayloadKind = "iceCandidate"
	// PayloadNegotiate asks the receiving (impolite) peer to start an offer.
	PayloadNegotiate PayloadKind = "negotiate"
)

// RTC is an addressed negotiation envelope. Exactly one of Offer, Answer,
// ICECandidate and Negotiate is set. Payloads are kept as raw JSON so relays
// forward them untouched.
type RTC struct {
	From string
	To   string

	Offer        json.RawMessage
	Answer       json.RawMessage
	ICECandidate json.RawMessage
	Negotiate    bool
}

func (Peers) Kind() Kind   { return KindPeers }
func (AddPeer) Kind() Kind { return KindAddPeer }
func (DelPeer) Kind() Kind { return KindDelPeer }
func (RTC) Kind() Kind     { return KindRTC }

func (Peers) isMessage()   {}
func (AddPeer) isMessage() {}
func (DelPeer) isMessage() {}
func (RTC) isMessage()     {}

// Payload returns the populated payload kind, or "" when the envelope does not
// carry exactly one payload.
func (m RTC) Payload() PayloadKind {
	var (
		kind  PayloadKind
		count int
	)
	if len(m.Offer) > 0 {
		kind, count = PayloadOffer, count+1
	}
	if len(m.Answer) > 0 {
		kind, count = PayloadAnswer, count+1
	}
	if len(m.ICECandidate) > 0 {
		kind, count = PayloadICECandidate, count+1
	}
	if m.Negotiate {
		kind, count = PayloadNegotiate, count+1
	}
	if count != 1 {
		return ""
	}
	return kind
}

// WithFrom returns a copy of m addressed from id. Payload bytes are shared.
func (m RTC) WithFrom(id string) RTC {
	m.From = id
	return m
}
