// Package chat implements the streaming chat session controller: the
// connection manager supervising the transport and the reconciler merging
// cache, fetched history, and live stream events into one timeline.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"docchat/internal/domain"
	"docchat/internal/wire"
	"github.com/coder/websocket"
)

// Dialer opens the streaming transport for a session.
type Dialer interface {
	DialSession(ctx context.Context, sessionID, fingerprint string) (*websocket.Conn, error)
}

// EventSink receives connection lifecycle and server events. Every callback
// carries the switch token captured when the connection was created, so the
// receiver can discard events from a session it has since left.
type EventSink interface {
	ConnectionOpened(token uint64)
	ConnectionClosed(token uint64, cause error)
	ConnectionFailed(token uint64, cause error)
	DecodeError(token uint64, err error)
	ServerEvent(token uint64, ev *wire.ServerEvent)
}

// ConnState is the connection manager state.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateOpen
	StateClosed
	StateFailed
)

// String returns a human-readable state name.
func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	maxReconnectAttempts = 5
	defaultReconnectBase = time.Second
	defaultReconnectMax  = 30 * time.Second
	dialTimeout          = 10 * time.Second
	writeTimeout         = 5 * time.Second
)

// Connection supervises one WebSocket bound to exactly one session. The
// session it was opened for never changes; a session switch discards the
// connection and creates a new one.
type Connection struct {
	sessionID   string
	fingerprint string
	token       uint64
	dialer      Dialer
	sink        EventSink

	reconnectBase time.Duration
	reconnectMax  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    ConnState
	ws       *websocket.Conn
	attempts int
	retry    *time.Timer
}

// NewConnection creates an unconnected transport supervisor for a session.
func NewConnection(sessionID, fingerprint string, token uint64, d Dialer, sink EventSink) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		sessionID:     sessionID,
		fingerprint:   fingerprint,
		token:         token,
		dialer:        d,
		sink:          sink,
		reconnectBase: defaultReconnectBase,
		reconnectMax:  defaultReconnectMax,
		ctx:           ctx,
		cancel:        cancel,
		state:         StateIdle,
	}
}

// SessionID returns the session this connection was opened for.
func (c *Connection) SessionID() string {
	return c.sessionID
}

// State returns the current connection state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// reconnectDelay computes the backoff before reconnect attempt n:
// min(base * 2^n, max).
func (c *Connection) reconnectDelay(attempt int) time.Duration {
	if attempt > maxReconnectAttempts {
		attempt = maxReconnectAttempts
	}
	delay := c.reconnectBase << uint(attempt)
	if delay > c.reconnectMax {
		delay = c.reconnectMax
	}
	return delay
}

// Connect starts dialing asynchronously. It is a no-op while already
// connecting or open, and after terminal failure or teardown.
func (c *Connection) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil || c.state == StateConnecting || c.state == StateOpen || c.state == StateFailed {
		return
	}
	c.state = StateConnecting
	go c.dial()
}

func (c *Connection) dial() {
	dialCtx, cancel := context.WithTimeout(c.ctx, dialTimeout)
	defer cancel()

	ws, err := c.dialer.DialSession(dialCtx, c.sessionID, c.fingerprint)

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		if ws != nil {
			_ = ws.CloseNow()
		}
		return
	}
	if err != nil {
		slog.Debug("Dial failed", "session_id", c.sessionID, "error", err)
		c.mu.Unlock()
		c.handleDisconnect(err)
		return
	}

	c.ws = ws
	c.state = StateOpen
	c.attempts = 0
	c.mu.Unlock()

	c.sink.ConnectionOpened(c.token)
	go c.readLoop(ws)
}

func (c *Connection) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by server", "session_id", c.sessionID)
			} else {
				slog.Warn("WebSocket read error", "session_id", c.sessionID, "error", err)
			}
			c.handleDisconnect(err)
			return
		}

		ev, decodeErr := wire.Decode(data)
		if decodeErr != nil {
			// A bad frame surfaces an error but does not drop the link.
			c.sink.DecodeError(c.token, decodeErr)
			continue
		}
		c.sink.ServerEvent(c.token, ev)
	}
}

// handleDisconnect transitions to Closed and schedules a reconnect, or to
// Failed once the attempt cap is reached.
func (c *Connection) handleDisconnect(cause error) {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}

	c.ws = nil
	c.state = StateClosed

	if c.attempts >= maxReconnectAttempts {
		c.state = StateFailed
		c.mu.Unlock()
		c.sink.ConnectionFailed(c.token, domain.ErrReconnectExhausted)
		return
	}

	delay := c.reconnectDelay(c.attempts)
	c.attempts++
	slog.Debug("Scheduling reconnect",
		"session_id", c.sessionID,
		"attempt", c.attempts,
		"delay", delay)
	c.retry = time.AfterFunc(delay, c.retryFire)
	c.mu.Unlock()

	c.sink.ConnectionClosed(c.token, cause)
}

func (c *Connection) retryFire() {
	c.mu.Lock()
	if c.ctx.Err() != nil || c.state != StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.dial()
}

// Send transmits a payload over the open transport. Fails with
// domain.ErrNotConnected unless the connection is Open.
func (c *Connection) Send(payload []byte) error {
	c.mu.Lock()
	ws := c.ws
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open || ws == nil {
		return domain.ErrNotConnected
	}

	writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()

	if err := ws.Write(writeCtx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Teardown cancels any pending reconnect, force-closes the transport
// regardless of state, and stops event delivery. It must run before a
// connection for another session is created; otherwise both connections
// stay open and deliver duplicate tokens.
func (c *Connection) Teardown() {
	c.cancel()

	c.mu.Lock()
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	ws := c.ws
	c.ws = nil
	c.state = StateIdle
	c.mu.Unlock()

	if ws != nil {
		_ = ws.CloseNow()
	}
}
