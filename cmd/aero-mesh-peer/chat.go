package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"
)

// chat fans stdin lines out to every open data channel and prints what
// arrives.
type chat struct {
	logger *slog.Logger

	outMu sync.Mutex
	out   io.Writer

	mu    sync.Mutex
	peers map[string]*webrtc.DataChannel
}

func newChat(out io.Writer, logger *slog.Logger) *chat {
	return &chat{
		logger: logger,
		out:    out,
		peers:  make(map[string]*webrtc.DataChannel),
	}
}

func (c *chat) attach(remote string, dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		c.mu.Lock()
		c.peers[remote] = dc
		c.mu.Unlock()
		c.logger.Info("data channel open", "remote_id", remote, "label", dc.Label())
	})
	dc.OnClose(func() {
		c.mu.Lock()
		if c.peers[remote] == dc {
			delete(c.peers, remote)
		}
		c.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			c.logger.Debug("ignoring binary message", "remote_id", remote, "bytes", len(msg.Data))
			return
		}
		c.printf("[%s] %s\n", remote, msg.Data)
	})
}

func (c *chat) detach(remote string) {
	c.mu.Lock()
	delete(c.peers, remote)
	c.mu.Unlock()
}

// linkState tells the user when the transport to a peer drops or returns.
func (c *chat) linkState(remote string, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.printf("* %s connected\n", remote)
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		c.printf("* %s %s\n", remote, state)
	}
}

// open returns the remote ids with an open data channel, sorted.
func (c *chat) open() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *chat) broadcast(text string) int {
	c.mu.Lock()
	targets := make(map[string]*webrtc.DataChannel, len(c.peers))
	for id, dc := range c.peers {
		targets[id] = dc
	}
	c.mu.Unlock()

	sent := 0
	for id, dc := range targets {
		if err := dc.SendText(text); err != nil {
			c.logger.Warn("send failed", "remote_id", id, "err", err)
			continue
		}
		sent++
	}
	return sent
}

func (c *chat) readInput(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		if line == "/peers" {
			c.printf("connected: %v\n", c.open())
			continue
		}
		if c.broadcast(line) == 0 {
			c.printf("no connected peers\n")
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("stdin read failed", "err", err)
	}
}

func (c *chat) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}
