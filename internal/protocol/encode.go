package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Encode renders m in its wire form. RTC payload bytes are copied verbatim.
func Encode(m Message) ([]byte, error) {
	switch m := m.(type) {
	case Peers:
		ids := m.IDs
		if ids == nil {
			ids = []string{}
		}
		for _, id := range ids {
			if id == "" {
				return nil, invalid("peers must not contain empty identifiers")
			}
		}
		return json.Marshal(struct {
			Peers []string `json:"peers"`
		}{ids})
	case AddPeer:
		if m.ID == "" {
			return nil, invalid("addPeer must not be empty")
		}
		return json.Marshal(struct {
			AddPeer string `json:"addPeer"`
		}{m.ID})
	case DelPeer:
		if m.ID == "" {
			return nil, invalid("delPeer must not be empty")
		}
		return json.Marshal(struct {
			DelPeer string `json:"delPeer"`
		}{m.ID})
	case RTC:
		return encodeRTC(m)
	case nil:
		return nil, invalid("nil message")
	default:
		return nil, fmt.Errorf("%w: unsupported message type %T", ErrInvalidMessage, m)
	}
}

func encodeRTC(m RTC) ([]byte, error) {
	if m.From == "" || m.To == "" {
		return nil, invalid("rtc.from and rtc.to are required")
	}
	kind := m.Payload()
	if kind == "" {
		return nil, invalid("rtc must carry exactly one of offer, answer, iceCandidate, negotiate")
	}

	from, err := json.Marshal(m.From)
	if err != nil {
		return nil, err
	}
	to, err := json.Marshal(m.To)
	if err != nil {
		return nil, err
	}

	var payload []byte
	switch kind {
	case PayloadOffer:
		payload = m.Offer
	case PayloadAnswer:
		payload = m.Answer
	case PayloadICECandidate:
		payload = m.ICECandidate
	case PayloadNegotiate:
		payload = []byte("true")
	}
	if !json.Valid(payload) {
		return nil, invalid("rtc." + string(kind) + " is not valid JSON")
	}

	var buf bytes.Buffer
	buf.Grow(len(from) + len(to) + len(payload) + 48)
	buf.WriteString(`{"rtc":{"from":`)
	buf.Write(from)
	buf.WriteString(`,"to":`)
	buf.Write(to)
	buf.WriteString(`,"`)
	buf.WriteString(string(kind))
	buf.WriteString(`":`)
	buf.Write(payload)
	buf.WriteString(`}}`)
	return buf.Bytes(), nil
}
