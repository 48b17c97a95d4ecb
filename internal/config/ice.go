package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

// Both binaries read the same ICE server list: the signaling server hands it
// to browsers on GET /webrtc/ice and the peer configures pion with it.
const envVarICEServers = "AERO_MESH_ICE_SERVERS"

// ICEServer is one RTCIceServer dictionary as browsers take it. On input
// "urls" may also be a single string.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

func (s *ICEServer) UnmarshalJSON(b []byte) error {
	var raw struct {
		URLs       json.RawMessage `json:"urls"`
		Username   string          `json:"username"`
		Credential string          `json:"credential"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var one string
	if err := json.Unmarshal(raw.URLs, &one); err == nil {
		s.URLs = []string{one}
	} else if err := json.Unmarshal(raw.URLs, &s.URLs); err != nil {
		return errors.New("urls must be a string or an array of strings")
	}
	s.Username = raw.Username
	s.Credential = raw.Credential
	return nil
}

// ICEServerList is the parsed AERO_MESH_ICE_SERVERS value. It doubles as the
// --ice-servers flag of both binaries.
type ICEServerList []webrtc.ICEServer

func (l *ICEServerList) String() string {
	if l == nil || len(*l) == 0 {
		return ""
	}
	b, _ := json.Marshal(l.Browser())
	return string(b)
}

func (l *ICEServerList) Set(raw string) error {
	servers, err := ParseICEServers(raw)
	if err != nil {
		return err
	}
	*l = servers
	return nil
}

// Browser converts the list into what GET /webrtc/ice serves. It never
// returns nil so the response always carries an array.
func (l ICEServerList) Browser() []ICEServer {
	out := make([]ICEServer, 0, len(l))
	for _, s := range l {
		entry := ICEServer{URLs: append([]string(nil), s.URLs...), Username: s.Username}
		if cred, ok := s.Credential.(string); ok {
			entry.Credential = cred
		}
		out = append(out, entry)
	}
	return out
}

// ParseICEServers parses a JSON array of ICEServer. Every URL must parse as a
// STUN or TURN URI, and TURN URIs need a username and credential. Blank input
// yields an empty list.
func ParseICEServers(raw string) (ICEServerList, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var in []ICEServer
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, fmt.Errorf("%s: %w", envVarICEServers, err)
	}

	out := make(ICEServerList, 0, len(in))
	for i, s := range in {
		server := webrtc.ICEServer{Username: strings.TrimSpace(s.Username)}
		for _, u := range s.URLs {
			server.URLs = append(server.URLs, strings.TrimSpace(u))
		}
		if cred := strings.TrimSpace(s.Credential); cred != "" {
			server.Credential = cred
		}
		if err := checkICEServer(server); err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", envVarICEServers, i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

func envICEServers(lookup func(string) (string, bool)) (ICEServerList, error) {
	return ParseICEServers(envOrDefault(lookup, envVarICEServers, ""))
}

func checkICEServer(s webrtc.ICEServer) error {
	if len(s.URLs) == 0 {
		return errors.New("missing urls")
	}
	for _, raw := range s.URLs {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return fmt.Errorf("url %q: %w", raw, err)
		}
		if uri.Scheme != stun.SchemeTypeTURN && uri.Scheme != stun.SchemeTypeTURNS {
			continue
		}
		if cred, _ := s.Credential.(string); s.Username == "" || cred == "" {
			return fmt.Errorf("url %q: turn servers need username and credential", raw)
		}
	}
	return nil
}
