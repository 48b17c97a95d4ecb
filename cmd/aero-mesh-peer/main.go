// Command aero-mesh-peer joins a signaling server as a headless mesh peer.
// Lines read from stdin are sent to every connected peer over WebRTC data
// channels; received messages are printed to stdout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/channel"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/mesh"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/webrtcpeer"
)

func main() {
	cfg, err := config.LoadPeer(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewPeerLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Stdin, os.Stdout); err != nil {
		logger.Error("peer exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.PeerConfig, logger *slog.Logger, in io.Reader, out io.Writer) error {
	api, err := webrtcpeer.NewAPI(webrtcpeer.Settings{
		UDPPortMin: cfg.UDPPortMin,
		UDPPortMax: cfg.UDPPortMax,
		NAT1To1IPs: cfg.NAT1To1IPs,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	ch, err := channel.Dial(ctx, cfg.SignalURL, cfg.PeerID, channel.DialOptions{
		Options: channel.Options{Logger: logger},
	})
	if err != nil {
		return err
	}
	logger.Info("connected to signaling server", "url", cfg.SignalURL, "peer_id", ch.ID())

	chat := newChat(out, logger)
	m, err := mesh.New(mesh.Config{
		Signaling: ch,
		Logger:    logger,
		NewEngine: func(string) (negotiation.Engine, error) {
			e, err := webrtcpeer.NewEngine(api, cfg.ICEServers)
			if err != nil {
				return nil, err
			}
			return e, nil
		},
		NegotiationTimeout:      cfg.NegotiationTimeout,
		MaxRetries:              cfg.MaxRetries,
		OnDataChannel:           chat.attach,
		OnPeerRemoved:           chat.detach,
		OnConnectionStateChange: chat.linkState,
	})
	if err != nil {
		_ = ch.Close()
		return err
	}
	defer m.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- ch.Run(ctx) }()
	go chat.readInput(ctx, in)

	select {
	case err := <-runErr:
		if err != nil {
			return fmt.Errorf("signaling channel: %w", err)
		}
		logger.Info("signaling channel closed")
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		_ = ch.Close()
		<-runErr
		return nil
	}
}
