// Package channel implements a typed, validated message channel over a
// WebSocket connection. The same type is used by the signaling server (one
// channel per connected peer) and by mesh clients (one channel to the server).
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/ratelimit"
)

var (
	ErrClosed          = errors.New("channel closed")
	ErrAlreadyStarted  = errors.New("channel already started")
	ErrSendQueueFull   = errors.New("send queue full")
	ErrMessageTooLarge = errors.New("message too large")
	ErrUnsupportedData = errors.New("expected text message")
	ErrRateLimited     = errors.New("rate limit exceeded")
)

const (
	DefaultSendQueueLen    = 256
	DefaultMaxMessageBytes = int64(64 * 1024)
	DefaultWriteTimeout    = time.Second

	drainLimit = 1 << 20
)

// Conn is the subset of *websocket.Conn used by Channel.
type Conn interface {
	NextReader() (messageType int, r io.Reader, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Parser validates one inbound frame.
type Parser func(data []byte) (protocol.Message, error)

type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Options struct {
	// ID identifies the peer on the other end (server side) or the local
	// peer (client side). Used for logging only.
	ID     string
	Parser Parser
	Logger *slog.Logger
	// Metrics is optional.
	Metrics *metrics.Metrics

	SendQueueLen    int
	MaxMessageBytes int64
	WriteTimeout    time.Duration
	// IdleTimeout closes the channel when nothing (including pongs) is read
	// for this long. Zero disables it.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	// MessagesPerSecond limits inbound frames; zero disables the limit.
	MessagesPerSecond int
	Clock             ratelimit.Clock
}

type (
	MessageHandler func(protocol.Message)
	OpenHandler    func()
	// CloseHandler receives the error that ended the channel, nil for a
	// normal close.
	CloseHandler func(err error)
	ErrorHandler func(err error)
)

// Channel dispatches validated inbound messages to per-kind handlers and
// serializes outbound messages through a single writer goroutine.
//
// Handlers for one channel run sequentially on the goroutine that called Run,
// in arrival order. No message is dispatched before the channel is open or
// after it is closed.
type Channel struct {
	id      string
	conn    Conn
	parse   Parser
	logger  *slog.Logger
	metrics *metrics.Metrics
	limiter *ratelimit.TokenBucket

	maxMessageBytes int64
	writeTimeout    time.Duration
	idleTimeout     time.Duration
	pingInterval    time.Duration

	mu       sync.Mutex
	state    State
	handlers map[protocol.Kind][]MessageHandler
	onOpen   []OpenHandler
	onClose  []CloseHandler
	onError  []ErrorHandler

	send       chan []byte
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

func New(conn Conn, opts Options) *Channel {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	parse := opts.Parser
	if parse == nil {
		parse = protocol.ParseServerMessage
	}
	queueLen := opts.SendQueueLen
	if queueLen <= 0 {
		queueLen = DefaultSendQueueLen
	}
	maxBytes := opts.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}

	var limiter *ratelimit.TokenBucket
	if opts.MessagesPerSecond > 0 {
		clock := opts.Clock
		if clock == nil {
			clock = ratelimit.RealClock{}
		}
		limiter = ratelimit.NewTokenBucket(clock, int64(opts.MessagesPerSecond), int64(opts.MessagesPerSecond))
	}

	return &Channel{
		id:              opts.ID,
		conn:            conn,
		parse:           parse,
		logger:          logger.With("peer_id", opts.ID),
		metrics:         opts.Metrics,
		limiter:         limiter,
		maxMessageBytes: maxBytes,
		writeTimeout:    writeTimeout,
		idleTimeout:     opts.IdleTimeout,
		pingInterval:    opts.PingInterval,
		handlers:        make(map[protocol.Kind][]MessageHandler),
		send:            make(chan []byte, queueLen),
		done:            make(chan struct{}),
		writerDone:      make(chan struct{}),
	}
}

func (c *Channel) ID() string { return c.id }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the connection has been closed.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) OnMessage(kind protocol.Kind, h MessageHandler) {
	c.mu.Lock()
	c.handlers[kind] = append(c.handlers[kind], h)
	c.mu.Unlock()
}

func (c *Channel) OnOpen(h OpenHandler) {
	c.mu.Lock()
	c.onOpen = append(c.onOpen, h)
	c.mu.Unlock()
}

func (c *Channel) OnClose(h CloseHandler) {
	c.mu.Lock()
	c.onClose = append(c.onClose, h)
	c.mu.Unlock()
}

func (c *Channel) OnError(h ErrorHandler) {
	c.mu.Lock()
	c.onError = append(c.onError, h)
	c.mu.Unlock()
}

// Send encodes msg and queues it for the writer goroutine without blocking.
// A full queue closes the channel: dropping a membership delta would leave
// the peer with a stale view.
func (c *Channel) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return ErrClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
	}

	c.metrics.Inc(metrics.SendQueueOverflow)
	c.logger.Warn("signaling send queue full; closing channel", "queue_len", cap(c.send))
	// Send may be called while the caller holds its own locks; the close
	// frame write happens elsewhere.
	go c.CloseWith(websocket.CloseTryAgainLater, "send queue full")
	return ErrSendQueueFull
}

// Run opens the channel and reads frames until it closes. It returns nil when
// the channel was closed locally or by a normal close from the remote end.
func (c *Channel) Run(ctx context.Context) (err error) {
	c.mu.Lock()
	switch c.state {
	case StateOpen:
		c.mu.Unlock()
		return ErrAlreadyStarted
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = StateOpen
	onOpen := append([]OpenHandler(nil), c.onOpen...)
	c.mu.Unlock()

	go c.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			c.CloseWith(websocket.CloseGoingAway, "shutting down")
		case <-c.done:
		}
	}()

	defer func() {
		c.CloseWith(websocket.CloseNormalClosure, "")
		<-c.writerDone

		c.mu.Lock()
		onClose := append([]CloseHandler(nil), c.onClose...)
		c.mu.Unlock()
		for _, h := range onClose {
			h(err)
		}
	}()

	c.conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	for _, h := range onOpen {
		if c.State() != StateOpen {
			return nil
		}
		h()
	}

	return c.readLoop()
}

func (c *Channel) readLoop() error {
	for {
		c.extendReadDeadline()
		msgType, r, err := c.conn.NextReader()
		if err != nil {
			return c.readError(err)
		}

		data, err := readLimited(r, c.maxMessageBytes)
		if err != nil {
			if errors.Is(err, ErrMessageTooLarge) {
				// Consume what is already buffered so the close frame is not
				// lost to a connection reset.
				_, _ = io.CopyN(io.Discard, r, drainLimit)
				return c.fail(ErrMessageTooLarge, websocket.CloseMessageTooBig, "message too large")
			}
			return c.readError(err)
		}
		// Rate limit after reading so bytes already buffered are consumed
		// and the peer reliably observes the close frame.
		if c.limiter != nil && !c.limiter.Allow(1) {
			c.metrics.Inc(metrics.RateLimited)
			return c.fail(ErrRateLimited, websocket.ClosePolicyViolation, "rate limit exceeded")
		}
		if msgType != websocket.TextMessage {
			c.metrics.Inc(metrics.ProtocolErrors)
			return c.fail(ErrUnsupportedData, websocket.CloseUnsupportedData, "expected text message")
		}

		msg, err := c.parse(data)
		if err != nil {
			c.metrics.Inc(metrics.ProtocolErrors)
			return c.fail(err, websocket.ClosePolicyViolation, "invalid message")
		}
		if !c.dispatch(msg) {
			return nil
		}
	}
}

func (c *Channel) dispatch(msg protocol.Message) bool {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return false
	}
	handlers := append([]MessageHandler(nil), c.handlers[msg.Kind()]...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
	return true
}

// fail reports err to error handlers and closes the connection with code.
func (c *Channel) fail(err error, code int, reason string) error {
	c.logger.Warn("closing signaling channel", "err", err, "close_code", code)

	c.mu.Lock()
	onError := append([]ErrorHandler(nil), c.onError...)
	c.mu.Unlock()
	for _, h := range onError {
		h(err)
	}

	c.CloseWith(code, reason)
	return err
}

func (c *Channel) readError(err error) error {
	if c.State() == StateClosed {
		// Closed locally; the read error is the consequence.
		return nil
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return nil
	}
	if isTimeout(err) {
		c.logger.Debug("signaling channel idle timeout")
		c.CloseWith(websocket.CloseNormalClosure, "idle timeout")
		return nil
	}
	return err
}

func (c *Channel) extendReadDeadline() {
	if c.idleTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
}

// Close closes the channel with a normal close frame. It is idempotent.
func (c *Channel) Close() error {
	c.CloseWith(websocket.CloseNormalClosure, "")
	return nil
}

// CloseWith sends a close frame with code and reason (first call wins) and
// closes the connection. Close handlers run on the Run goroutine.
func (c *Channel) CloseWith(code int, reason string) {
	c.shutdown(websocket.FormatCloseMessage(code, reason))
}

// abort closes the connection without a close frame, after a failed write.
func (c *Channel) abort() {
	c.shutdown(nil)
}

func (c *Channel) shutdown(closeFrame []byte) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		wasConnecting := c.state == StateConnecting
		c.state = StateClosed
		c.mu.Unlock()

		if closeFrame != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage, closeFrame, time.Now().Add(c.writeTimeout))
		}
		_ = c.conn.Close()
		close(c.done)
		if wasConnecting {
			close(c.writerDone)
		}
	})
}

func (c *Channel) writeLoop() {
	defer close(c.writerDone)

	var ping <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("signaling write failed", "err", err)
				c.abort()
				return
			}
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.logger.Debug("signaling ping failed", "err", err)
				c.abort()
				return
			}
		}
	}
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, ErrMessageTooLarge
	}
	return data, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
