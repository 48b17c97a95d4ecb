// Package origin decides which browser origins may open a signaling socket.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates a browser Origin header and returns the canonical
// scheme://host[:port] form together with its host[:port] authority. Default
// ports are dropped so "https://a.example:443" and "https://a.example" compare
// equal. The opaque origin "null" is returned unchanged with an empty host.
func Normalize(header string) (normalized, host string, ok bool) {
	header = strings.TrimSpace(header)
	switch header {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(header)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Policy is an origin allow-list. An empty list means same-host only; "*"
// admits every origin.
type Policy struct {
	Allowed []string
}

// Allow reports whether r may proceed. Requests without an Origin header are
// not from browsers and are always allowed.
func (p Policy) Allow(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if strings.TrimSpace(header) == "" {
		return true
	}
	normalized, host, ok := Normalize(header)
	if !ok {
		return false
	}
	return p.allows(normalized, host, r.Host)
}

func (p Policy) allows(normalized, host, requestHost string) bool {
	if len(p.Allowed) > 0 {
		for _, allowed := range p.Allowed {
			if allowed == "*" || allowed == normalized {
				return true
			}
		}
		return false
	}
	if normalized == "null" {
		return false
	}

	// Scheme is ignored: TLS is commonly terminated in front of the server.
	scheme, _, _ := strings.Cut(normalized, "://")
	reqHost, ok := canonicalHost(requestHost, scheme)
	return ok && reqHost == host
}

func canonicalHost(authority, scheme string) (string, bool) {
	hostname, port, ok := splitAuthority(strings.ToLower(strings.TrimSpace(authority)))
	if !ok || hostname == "" {
		return "", false
	}
	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}

	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port != "" {
		return hostname + ":" + port, true
	}
	return hostname, true
}

// splitAuthority splits host[:port]; IPv6 literals must be bracketed.
func splitAuthority(s string) (hostname, port string, ok bool) {
	if s == "" {
		return "", "", false
	}
	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return "", "", false
		}
		hostname, rest := s[1:end], s[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}
	switch strings.Count(s, ":") {
	case 0:
		return s, "", true
	case 1:
		hostname, port, _ = strings.Cut(s, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		return "", "", false
	}
}
