// Package transport opens and supervises the streaming connection to the
// remote agent, translating wire frames into typed events and handling
// reconnection with exponential backoff.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/calliope-labs/voicelink/internal/metrics"
	"github.com/calliope-labs/voicelink/internal/wire"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultMaxReconnects  = 5
	defaultReconnectBase  = 1 * time.Second

	closeWriteTimeout = 2 * time.Second
)

// ConnectionError reports a failure to establish the connection: a dial
// timeout or a channel that closed before it ever opened.
type ConnectionError struct {
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connect: %s: %v", e.Reason, e.Err)
	}
	return "connect: " + e.Reason
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransportError reports an abnormal close after the connection had opened.
// Attempts counts reconnects tried before the error was surfaced.
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failed after %d reconnect attempts: %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Descriptor identifies the remote agent endpoint. SignedURL is the
// preferred pre-authorized form; the AgentID+APIKey fallback exposes a
// long-lived credential to the client and should be avoided.
type Descriptor struct {
	SignedURL string
	BaseURL   string
	AgentID   string
	APIKey    string
}

// URL resolves the descriptor to a dialable WebSocket URL.
func (d Descriptor) URL() (string, error) {
	if d.SignedURL != "" {
		return d.SignedURL, nil
	}
	if d.AgentID == "" {
		return "", fmt.Errorf("descriptor needs a signed URL or an agent id")
	}
	base := d.BaseURL
	if base == "" {
		base = "wss://api.elevenlabs.io/v1/convai/conversation"
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse endpoint base: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", d.AgentID)
	if d.APIKey != "" {
		q.Set("xi-api-key", d.APIKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Config tunes connection supervision. Zero values take the defaults used
// in production; tests shrink the timings.
type Config struct {
	ConnectTimeout time.Duration
	MaxReconnects  int
	ReconnectBase  time.Duration
	Dialer         *websocket.Dialer
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = defaultMaxReconnects
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = defaultReconnectBase
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	return c
}

// Conn is one supervised connection to the remote agent. It is owned by a
// single session and never shared.
type Conn struct {
	cfg     Config
	desc    Descriptor
	emitter *Emitter

	mu sync.Mutex // serializes writes and socket swaps
	ws *websocket.Conn

	open        atomic.Bool
	intentional atomic.Bool
	closeOnce   sync.Once
}

// New builds an unopened connection. Callers register handlers on it
// before calling Dial, so no inbound event can arrive without a home.
func New(desc Descriptor, cfg Config) *Conn {
	return &Conn{
		cfg:     cfg.withDefaults(),
		desc:    desc,
		emitter: NewEmitter(),
	}
}

// Dial opens the connection. It returns once the transport is open, or a
// *ConnectionError if no open signal arrives within the connect timeout
// or the channel closes before opening. Exactly one connection attempt is
// made; reconnection applies only to abnormal closes after a successful
// open.
func (c *Conn) Dial(ctx context.Context) error {
	ws, err := c.dialOnce(ctx)
	if err != nil {
		return err
	}
	c.adopt(ws)
	return nil
}

// Dial is the one-shot form of New followed by Conn.Dial, for callers
// whose handlers can wait until the connection is open.
func Dial(ctx context.Context, desc Descriptor, cfg Config) (*Conn, error) {
	c := New(desc, cfg)
	if err := c.Dial(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conn) dialOnce(ctx context.Context) (*websocket.Conn, error) {
	target, err := c.desc.URL()
	if err != nil {
		return nil, &ConnectionError{Reason: "invalid endpoint descriptor", Err: err}
	}

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	start := time.Now()
	ws, resp, err := c.cfg.Dialer.DialContext(dialCtx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, &ConnectionError{Reason: fmt.Sprintf("dial rejected (status %d)", resp.StatusCode), Err: err}
		}
		return nil, &ConnectionError{Reason: "no open signal before timeout", Err: err}
	}
	metrics.ConnectDuration.Observe(time.Since(start).Seconds())
	return ws, nil
}

// adopt installs a freshly dialed socket, announces the client, and starts
// the read loop.
func (c *Conn) adopt(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	// Best effort; the agent starts the conversation without it too.
	if err := ws.WriteMessage(websocket.TextMessage, wire.InitiationMessage()); err != nil {
		slog.Warn("send initiation", "error", err)
	}
	c.mu.Unlock()
	c.open.Store(true)

	go c.readLoop(ws)
}

// On registers a handler for an inbound event kind; handlers for a kind
// run in registration order. The returned token removes it via Off.
func (c *Conn) On(kind wire.EventKind, fn Handler) uint64 {
	return c.emitter.On(kind, fn)
}

// Off removes a handler registered with On.
func (c *Conn) Off(kind wire.EventKind, id uint64) {
	c.emitter.Off(kind, id)
}

// Send enqueues a text message. It reports false, and sends nothing, when
// the socket is not currently open; it never panics. Callers must check
// the result.
func (c *Conn) Send(msg []byte) bool {
	if !c.open.Load() {
		metrics.SendFailures.Inc()
		return false
	}
	c.mu.Lock()
	ws := c.ws
	var err error
	if ws != nil {
		err = ws.WriteMessage(websocket.TextMessage, msg)
	}
	c.mu.Unlock()
	if ws == nil || err != nil {
		metrics.SendFailures.Inc()
		return false
	}
	return true
}

// Open reports whether the socket is currently open.
func (c *Conn) Open() bool {
	return c.open.Load()
}

// Disconnect closes the connection intentionally, suppressing
// auto-reconnect. Safe to call multiple times.
func (c *Conn) Disconnect() {
	c.intentional.Store(true)
	c.closeOnce.Do(func() {
		c.open.Store(false)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.ws == nil {
			return
		}
		deadline := time.Now().Add(closeWriteTimeout)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.ws.Close()
	})
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			// Raw binary frames are audio in binary transport mode.
			c.emitter.Emit(wire.AudioChunk{Data: data})
		case websocket.TextMessage:
			c.handleTextFrame(data)
		}
	}
}

func (c *Conn) handleTextFrame(data []byte) {
	ev, err := wire.DecodeText(data)
	if err != nil {
		slog.Warn("undecodable frame", "error", err)
		return
	}

	if ka, ok := ev.(wire.Keepalive); ok {
		c.schedulePong(ka)
	}
	c.emitter.Emit(ev)
}

// schedulePong answers a keepalive ping with a pong carrying the same
// event id, no earlier than the ping's requested delay.
func (c *Conn) schedulePong(ka wire.Keepalive) {
	metrics.KeepalivePings.Inc()
	pong := wire.PongMessage(ka.EventID)
	if ka.Delay <= 0 {
		c.Send(pong)
		return
	}
	time.AfterFunc(ka.Delay, func() {
		c.Send(pong)
	})
}

func (c *Conn) handleReadError(err error) {
	c.open.Store(false)

	if c.intentional.Load() {
		return
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		// Clean remote close ends the conversation.
		c.emitter.Emit(wire.LifecycleSignal{Phase: wire.PhaseEnd})
		return
	}

	slog.Warn("connection lost", "error", err)
	c.emitter.Emit(wire.ErrorEvent{Err: err})
	go c.reconnect(err)
}

// reconnect retries the dial with exponential backoff, doubling from the
// base delay, up to the configured attempt limit. Success is invisible to
// handlers; exhaustion emits a permanent error event.
func (c *Conn) reconnect(cause error) {
	for attempt := 1; attempt <= c.cfg.MaxReconnects; attempt++ {
		delay := c.backoffDelay(attempt)
		time.Sleep(delay)

		if c.intentional.Load() {
			return
		}

		metrics.ReconnectAttempts.Inc()
		slog.Info("reconnecting", "attempt", attempt, "delay", delay)

		ws, err := c.dialOnce(context.Background())
		if err != nil {
			cause = err
			continue
		}

		c.adopt(ws)
		slog.Info("reconnected", "attempt", attempt)
		return
	}

	slog.Error("reconnect attempts exhausted", "attempts", c.cfg.MaxReconnects, "error", cause)
	c.emitter.Emit(wire.ErrorEvent{
		Err:       &TransportError{Attempts: c.cfg.MaxReconnects, Err: cause},
		Permanent: true,
	})
}

// backoffDelay returns the wait before the given 1-based attempt:
// base, 2*base, 4*base, ...
func (c *Conn) backoffDelay(attempt int) time.Duration {
	return c.cfg.ReconnectBase << (attempt - 1)
}
