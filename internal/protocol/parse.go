package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
)

var (
	messageFields = []string{"peers", "addPeer", "delPeer", "rtc"}
	rtcFields     = []string{"from", "to", "offer", "answer", "iceCandidate", "negotiate"}
)

// ParseClientMessage validates a frame sent by a peer to the server. Only rtc
// envelopes are accepted.
func ParseClientMessage(data []byte) (Message, error) {
	w, err := decodeObject(data, messageFields...)
	if err != nil {
		return nil, err
	}
	if present(w["peers"]) || present(w["addPeer"]) || present(w["delPeer"]) {
		return nil, invalid("clients may only send rtc messages")
	}
	if !present(w["rtc"]) {
		return nil, invalid("missing rtc")
	}
	return parseRTC(w["rtc"])
}

// ParseServerMessage validates a frame sent by the server to a peer.
func ParseServerMessage(data []byte) (Message, error) {
	w, err := decodeObject(data, messageFields...)
	if err != nil {
		return nil, err
	}
	if n := len(w); n != 1 {
		return nil, invalid(fmt.Sprintf("expected exactly one of peers, addPeer, delPeer, rtc; got %d", n))
	}

	switch {
	case present(w["peers"]):
		var ids []string
		if isNull(w["peers"]) || json.Unmarshal(w["peers"], &ids) != nil {
			return nil, invalid("peers must be an array of strings")
		}
		for _, id := range ids {
			if id == "" {
				return nil, invalid("peers must not contain empty identifiers")
			}
		}
		if ids == nil {
			ids = []string{}
		}
		return Peers{IDs: ids}, nil
	case present(w["addPeer"]):
		id, err := parseID("addPeer", w["addPeer"])
		if err != nil {
			return nil, err
		}
		return AddPeer{ID: id}, nil
	case present(w["delPeer"]):
		id, err := parseID("delPeer", w["delPeer"])
		if err != nil {
			return nil, err
		}
		return DelPeer{ID: id}, nil
	default:
		return parseRTC(w["rtc"])
	}
}

func parseRTC(raw json.RawMessage) (Message, error) {
	if isNull(raw) {
		return nil, invalid("rtc must be an object")
	}
	w, err := decodeObject(raw, rtcFields...)
	if err != nil {
		return nil, err
	}

	from, err := parseID("rtc.from", w["from"])
	if err != nil {
		return nil, err
	}
	to, err := parseID("rtc.to", w["to"])
	if err != nil {
		return nil, err
	}

	m := RTC{From: from, To: to}
	for _, p := range []struct {
		name string
		raw  json.RawMessage
		dst  *json.RawMessage
	}{
		{"offer", w["offer"], &m.Offer},
		{"answer", w["answer"], &m.Answer},
		{"iceCandidate", w["iceCandidate"], &m.ICECandidate},
	} {
		if !present(p.raw) {
			continue
		}
		if isNull(p.raw) {
			return nil, invalid("rtc." + p.name + " must not be null")
		}
		*p.dst = append(json.RawMessage(nil), p.raw...)
	}
	if present(w["negotiate"]) {
		var v bool
		if err := json.Unmarshal(w["negotiate"], &v); err != nil || !v {
			return nil, invalid("rtc.negotiate must be true")
		}
		m.Negotiate = true
	}

	if m.Payload() == "" {
		return nil, invalid("rtc must carry exactly one of offer, answer, iceCandidate, negotiate")
	}
	return m, nil
}

func parseID(field string, raw json.RawMessage) (string, error) {
	if !present(raw) {
		return "", invalid("missing " + field)
	}
	var id string
	if isNull(raw) || json.Unmarshal(raw, &id) != nil {
		return "", invalid(field + " must be a string")
	}
	if id == "" {
		return "", invalid(field + " must not be empty")
	}
	return id, nil
}

// decodeObject splits a JSON object into its members. encoding/json matches
// struct tags case-insensitively and lets a repeated key win, so keys are
// checked here: each must be spelled exactly as one of allowed and appear
// once.
func decodeObject(data []byte, allowed ...string) (map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, invalid("expected a JSON object")
	}

	members := make(map[string]json.RawMessage, len(allowed))
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		key, _ := tok.(string)
		if !slices.Contains(allowed, key) {
			return nil, invalid(fmt.Sprintf("unknown field %q", key))
		}
		if _, dup := members[key]; dup {
			return nil, invalid(fmt.Sprintf("duplicate field %q", key))
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		members[key] = raw
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, invalid("trailing data")
	}
	return members, nil
}

func present(raw json.RawMessage) bool { return len(raw) > 0 }

func isNull(raw json.RawMessage) bool { return bytes.Equal(bytes.TrimSpace(raw), []byte("null")) }

func invalid(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, reason)
}
