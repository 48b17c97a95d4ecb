package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	envVarPeerSignalURL          = "AERO_MESH_SIGNAL_URL"
	envVarPeerID                 = "AERO_MESH_PEER_ID"
	envVarPeerNegotiationTimeout = "AERO_MESH_NEGOTIATION_TIMEOUT"
	envVarPeerMaxRetries         = "AERO_MESH_NEGOTIATION_MAX_RETRIES"
	envVarWebRTCUDPPortMin       = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax       = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs       = "WEBRTC_NAT_1TO1_IPS"

	DefaultPeerSignalURL          = "ws://127.0.0.1:8080/signal"
	DefaultPeerNegotiationTimeout = 30 * time.Second
	DefaultPeerMaxRetries         = 3
)

// PeerConfig configures the headless mesh peer.
type PeerConfig struct {
	SignalURL string
	// PeerID is the requested identifier; empty lets the server assign one.
	PeerID string

	LogFormat LogFormat
	LogLevel  slog.Level

	// NegotiationTimeout of 0 disables the stuck-offer rollback.
	NegotiationTimeout time.Duration
	MaxRetries         int

	ICEServers ICEServerList

	// UDPPortMin/UDPPortMax bound ICE host candidates; both zero means unset.
	UDPPortMin uint16
	UDPPortMax uint16
	NAT1To1IPs []string
}

func LoadPeer(args []string) (PeerConfig, error) {
	return loadPeer(os.LookupEnv, args)
}

func loadPeer(lookup func(string) (string, bool), args []string) (PeerConfig, error) {
	signalURL := envOrDefault(lookup, envVarPeerSignalURL, DefaultPeerSignalURL)
	peerID := envOrDefault(lookup, envVarPeerID, "")
	logFormatStr := envOrDefault(lookup, envVarLogFormat, string(LogFormatText))
	logLevelStr := envOrDefault(lookup, envVarLogLevel, "info")
	nat1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")

	negotiationTimeout, err := envDurationOrDefault(lookup, envVarPeerNegotiationTimeout, DefaultPeerNegotiationTimeout)
	if err != nil {
		return PeerConfig{}, err
	}
	maxRetries, err := envIntOrDefault(lookup, envVarPeerMaxRetries, DefaultPeerMaxRetries)
	if err != nil {
		return PeerConfig{}, err
	}
	portMin, err := envIntOrDefault(lookup, envVarWebRTCUDPPortMin, 0)
	if err != nil {
		return PeerConfig{}, err
	}
	portMax, err := envIntOrDefault(lookup, envVarWebRTCUDPPortMax, 0)
	if err != nil {
		return PeerConfig{}, err
	}
	iceServers, err := envICEServers(lookup)
	if err != nil {
		return PeerConfig{}, err
	}

	fs := flag.NewFlagSet("aero-mesh-peer", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVar(&signalURL, "signal-url", signalURL, "Signaling WebSocket URL (env "+envVarPeerSignalURL+")")
	fs.StringVar(&peerID, "id", peerID, "Requested peer id; empty = server assigned (env "+envVarPeerID+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error")
	fs.DurationVar(&negotiationTimeout, "negotiation-timeout", negotiationTimeout, "Roll back offers left unanswered for this long, 0 = never (env "+envVarPeerNegotiationTimeout+")")
	fs.IntVar(&maxRetries, "negotiation-max-retries", maxRetries, "Offer retries after a negotiation timeout (env "+envVarPeerMaxRetries+")")
	fs.Var(&iceServers, "ice-servers", "JSON array of RTCIceServer (env "+envVarICEServers+")")
	fs.IntVar(&portMin, "webrtc-udp-port-min", portMin, "Min UDP port for ICE, 0 = unset (env "+envVarWebRTCUDPPortMin+")")
	fs.IntVar(&portMax, "webrtc-udp-port-max", portMax, "Max UDP port for ICE, 0 = unset (env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&nat1To1IPsStr, "webrtc-nat-1to1-ips", nat1To1IPsStr, "Comma-separated public IPs to advertise as host candidates (env "+envVarWebRTCNAT1To1IPs+")")

	if err := fs.Parse(args); err != nil {
		return PeerConfig{}, err
	}

	u, err := url.Parse(strings.TrimSpace(signalURL))
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return PeerConfig{}, fmt.Errorf("invalid signal url %q (expected ws:// or wss://)", signalURL)
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return PeerConfig{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return PeerConfig{}, err
	}
	if negotiationTimeout < 0 {
		return PeerConfig{}, fmt.Errorf("negotiation timeout must be >= 0")
	}
	if maxRetries < 0 {
		return PeerConfig{}, fmt.Errorf("negotiation max retries must be >= 0")
	}

	if (portMin == 0) != (portMax == 0) {
		return PeerConfig{}, fmt.Errorf("%s and %s must be set together", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	}
	if portMin < 0 || portMax > 65535 || portMin > portMax {
		return PeerConfig{}, fmt.Errorf("invalid UDP port range %d-%d", portMin, portMax)
	}

	nat1To1IPs := splitList(nat1To1IPsStr)
	for _, ip := range nat1To1IPs {
		if net.ParseIP(ip) == nil {
			return PeerConfig{}, fmt.Errorf("invalid %s entry %q", envVarWebRTCNAT1To1IPs, ip)
		}
	}

	return PeerConfig{
		SignalURL:          u.String(),
		PeerID:             strings.TrimSpace(peerID),
		LogFormat:          logFormat,
		LogLevel:           level,
		NegotiationTimeout: negotiationTimeout,
		MaxRetries:         maxRetries,
		ICEServers:         iceServers,
		UDPPortMin:         uint16(portMin),
		UDPPortMax:         uint16(portMax),
		NAT1To1IPs:         nat1To1IPs,
	}, nil
}

// NewPeerLogger logs to stderr; stdout carries chat output.
func NewPeerLogger(cfg PeerConfig) (*slog.Logger, error) {
	return newLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)
}
