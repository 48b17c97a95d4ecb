package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/protocol"
)

const (
	// PeerIDHeader carries the identifier the server bound to the connection
	// on the upgrade response.
	PeerIDHeader = "X-Peer-Id"
	// PeerIDQueryParam is the query parameter a client uses to request an
	// identifier.
	PeerIDQueryParam = "id"
)

// ErrPeerIDInUse is returned by Dial when the server refuses the requested
// identifier because another connected peer holds it.
var ErrPeerIDInUse = errors.New("peer id in use")

type DialOptions struct {
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	Header http.Header
	// Options configures the returned channel. ID and Parser are set by Dial.
	Options Options
}

// Dial connects to the signaling server at rawURL, requesting id (empty lets
// the server assign one). The returned channel is not yet running; register
// handlers and call Run.
func Dial(ctx context.Context, rawURL, id string, opts DialOptions) (*Channel, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse signaling url: %w", err)
	}
	if id != "" {
		q := u.Query()
		q.Set(PeerIDQueryParam, id)
		u.RawQuery = q.Encode()
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), opts.Header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil, fmt.Errorf("dial %s: %w", u.Redacted(), ErrPeerIDInUse)
		}
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", u.Redacted(), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}

	assigned := resp.Header.Get(PeerIDHeader)
	if assigned == "" {
		assigned = id
	}
	if assigned == "" {
		_ = conn.Close()
		return nil, fmt.Errorf("dial %s: server did not report a peer id", u.Redacted())
	}
	if id != "" && assigned != id {
		_ = conn.Close()
		return nil, fmt.Errorf("dial %s: requested peer id %q but server bound %q", u.Redacted(), id, assigned)
	}

	chOpts := opts.Options
	chOpts.ID = assigned
	chOpts.Parser = protocol.ParseServerMessage
	return New(conn, chOpts), nil
}
