// Package webrtcpeer builds pion WebRTC APIs and wraps PeerConnections in the
// engine surface used by mesh negotiation.
package webrtcpeer

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/webrtc/v4"
)

// Settings configures the pion SettingEngine shared by every PeerConnection
// created from one API.
type Settings struct {
	// UDPPortMin/UDPPortMax bound ICE host candidates; zero leaves the range
	// to the OS.
	UDPPortMin uint16
	UDPPortMax uint16
	// NAT1To1IPs are advertised as host candidates in place of local
	// addresses.
	NAT1To1IPs []string
	// ListenIP restricts gathering to one local address when set.
	ListenIP net.IP

	// Logger receives pion's internal logs. Nil keeps pion's default logger.
	Logger *slog.Logger

	// Configure runs after the fields above are applied.
	Configure func(*webrtc.SettingEngine)
}

func NewAPI(s Settings) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, s); err != nil {
		return nil, err
	}
	if s.Logger != nil {
		se.LoggerFactory = NewLoggerFactory(s.Logger)
	}
	if s.Configure != nil {
		s.Configure(&se)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, s Settings) error {
	if s.UDPPortMin != 0 || s.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(s.UDPPortMin, s.UDPPortMax); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(s.NAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(s.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}

	// SettingEngine doesn't expose a bind address; restrict gathering via
	// IPFilter instead.
	if s.ListenIP != nil && !s.ListenIP.IsUnspecified() {
		listenIP := s.ListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	return nil
}
