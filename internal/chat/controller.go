package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"docchat/internal/bus"
	"docchat/internal/domain"
	"docchat/internal/store"
	"docchat/internal/wire"
	"github.com/google/uuid"
)

// Backend is the remote surface the controller depends on: authoritative
// history and the streaming transport dial.
type Backend interface {
	Dialer
	History(ctx context.Context, sessionID, fingerprint string) ([]domain.Message, error)
}

// TimelineState tracks history loading for the active session.
type TimelineState int

const (
	TimelineLoading TimelineState = iota
	TimelineReady
)

// TokenEvent is published on bus.TopicStreamToken for every applied token.
type TokenEvent struct {
	SessionID string
	Content   string
}

// CompleteEvent is published on bus.TopicStreamComplete when an exchange
// finalizes.
type CompleteEvent struct {
	SessionID string
	Message   domain.Message
}

// ErrorEvent is published on bus.TopicStreamError when an exchange or the
// connection fails.
type ErrorEvent struct {
	SessionID string
	Err       *domain.ChatError
}

// Controller owns one logical conversation: it reconciles the durable
// cache, fetched server history, and live stream events into a single
// ordered timeline, and guards every asynchronous continuation with a
// switch token so results for an abandoned session are discarded.
type Controller struct {
	repo    store.Repository
	backend Backend
	bus     *bus.Bus

	historyTimeout time.Duration

	mu          sync.Mutex
	token       uint64
	sessionID   string
	fingerprint string
	conn        *Connection
	timeline    []domain.Message
	state       TimelineState
	streaming   bool
	lastErr     *domain.ChatError
	modelID     string
}

// NewController creates an inactive controller. Call Activate to bind it
// to a session.
func NewController(repo store.Repository, backend Backend, b *bus.Bus) *Controller {
	return &Controller{
		repo:           repo,
		backend:        backend,
		bus:            b,
		historyTimeout: 10 * time.Second,
		state:          TimelineReady,
	}
}

// Activate binds the controller to a session: it mints a new switch token,
// tears down the previous connection, seeds the timeline from the durable
// cache, and concurrently fetches authoritative history while the new
// transport connects.
func (c *Controller) Activate(ctx context.Context, sessionID, fingerprint string) {
	c.mu.Lock()

	c.token++
	token := c.token

	// The old connection must be gone before the new one exists;
	// otherwise both stay open and deliver duplicate tokens.
	if c.conn != nil {
		c.conn.Teardown()
		c.conn = nil
	}

	c.sessionID = sessionID
	c.fingerprint = fingerprint
	c.streaming = false
	c.lastErr = nil
	c.state = TimelineLoading

	cached, err := c.repo.Messages(ctx, sessionID)
	if err != nil {
		// A corrupt or unreadable cache entry degrades to empty.
		slog.Warn("Cache read failed, starting empty", "session_id", sessionID, "error", err)
		cached = nil
	}
	c.timeline = cached

	conn := NewConnection(sessionID, fingerprint, token, c.backend, c)
	c.conn = conn
	c.mu.Unlock()

	conn.Connect()
	go c.fetchHistory(token, sessionID, fingerprint)
}

func (c *Controller) fetchHistory(token uint64, sessionID, fingerprint string) {
	c.mu.Lock()
	timeout := c.historyTimeout
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	messages, err := c.backend.History(ctx, sessionID, fingerprint)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != token {
		// The user switched sessions while the fetch was in flight.
		return
	}

	c.state = TimelineReady

	if err != nil {
		// Serve the cache-seeded timeline instead.
		slog.Warn("History fetch failed, serving cached timeline", "session_id", sessionID, "error", err)
		return
	}
	if len(messages) == 0 {
		// An empty result may race a conversation that just started; it
		// must not erase a cache-seeded timeline.
		return
	}

	c.timeline = messages
	c.persistLocked()
}

// Send appends a user message and a streaming assistant placeholder to the
// timeline as an atomic pair, persists the cache snapshot, and transmits
// the message event. Fails with domain.ErrNotConnected when no open
// connection exists.
func (c *Controller) Send(content string) error {
	c.mu.Lock()

	conn := c.conn
	if conn == nil || conn.State() != StateOpen {
		c.mu.Unlock()
		return domain.ErrNotConnected
	}

	payload, err := wire.EncodeMessage(content, c.modelID)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	now := time.Now()
	userMsg := domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleUser,
		Content:   content,
		CreatedAt: now,
	}
	placeholder := domain.Message{
		ID:          uuid.NewString(),
		Role:        domain.RoleAssistant,
		CreatedAt:   now,
		IsStreaming: true,
	}

	c.timeline = append(c.timeline, userMsg, placeholder)
	c.lastErr = nil
	c.persistLocked()

	if sendErr := conn.Send(payload); sendErr != nil {
		// The pair is atomic with transmission: both or neither.
		c.timeline = c.timeline[:len(c.timeline)-2]
		c.persistLocked()
		c.streaming = false
		c.mu.Unlock()

		if errors.Is(sendErr, domain.ErrNotConnected) {
			return sendErr
		}
		return fmt.Errorf("send message: %w", sendErr)
	}

	c.streaming = true
	c.mu.Unlock()
	return nil
}

// persistLocked writes the cache snapshot for the active session,
// excluding any open streaming message. Failures are logged, never fatal.
func (c *Controller) persistLocked() {
	snapshot := make([]domain.Message, 0, len(c.timeline))
	for _, m := range c.timeline {
		if m.IsStreaming {
			continue
		}
		snapshot = append(snapshot, m)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.repo.ReplaceMessages(ctx, c.sessionID, snapshot); err != nil {
		slog.Warn("Cache write failed", "session_id", c.sessionID, "error", err)
	}
}

// openStreamingLocked returns the open streaming placeholder, or nil when
// no exchange is in flight. The placeholder is always the last element.
func (c *Controller) openStreamingLocked() *domain.Message {
	if !c.streaming || len(c.timeline) == 0 {
		return nil
	}
	last := &c.timeline[len(c.timeline)-1]
	if !last.IsStreaming {
		return nil
	}
	return last
}

// ConnectionOpened implements EventSink.
func (c *Controller) ConnectionOpened(token uint64) {
	c.mu.Lock()
	if token != c.token {
		c.mu.Unlock()
		return
	}
	c.lastErr = nil
	sessionID := c.sessionID
	c.mu.Unlock()

	slog.Info("Connected", "session_id", sessionID)
}

// ConnectionClosed implements EventSink. The close is retryable; the
// connection manager schedules the reconnect itself.
func (c *Controller) ConnectionClosed(token uint64, cause error) {
	chatErr := &domain.ChatError{
		Kind:      domain.ErrorKindConnection,
		Message:   "Connection error. Retrying...",
		Retryable: true,
	}

	c.mu.Lock()
	if token != c.token {
		c.mu.Unlock()
		return
	}
	c.lastErr = chatErr
	sessionID := c.sessionID
	c.mu.Unlock()

	slog.Debug("Connection closed", "session_id", sessionID, "cause", cause)
	c.bus.Publish(bus.TopicStreamError, ErrorEvent{SessionID: sessionID, Err: chatErr})
}

// ConnectionFailed implements EventSink. Reconnection is exhausted; the
// error is terminal until the user activates a new session.
func (c *Controller) ConnectionFailed(token uint64, cause error) {
	chatErr := &domain.ChatError{
		Kind:      domain.ErrorKindConnection,
		Message:   "Connection failed. Start a new chat to reconnect.",
		Retryable: false,
	}

	c.mu.Lock()
	if token != c.token {
		c.mu.Unlock()
		return
	}
	c.lastErr = chatErr
	sessionID := c.sessionID
	c.mu.Unlock()

	slog.Warn("Connection failed permanently", "session_id", sessionID, "cause", cause)
	c.bus.Publish(bus.TopicStreamError, ErrorEvent{SessionID: sessionID, Err: chatErr})
}

// DecodeError implements EventSink.
func (c *Controller) DecodeError(token uint64, err error) {
	chatErr := &domain.ChatError{
		Kind:      domain.ErrorKindMalformed,
		Message:   "Failed to parse server response",
		Retryable: true,
	}

	c.mu.Lock()
	if token != c.token {
		c.mu.Unlock()
		return
	}
	c.lastErr = chatErr
	sessionID := c.sessionID
	c.mu.Unlock()

	slog.Warn("Dropping malformed frame", "session_id", sessionID, "error", err)
	c.bus.Publish(bus.TopicStreamError, ErrorEvent{SessionID: sessionID, Err: chatErr})
}

// ServerEvent implements EventSink.
func (c *Controller) ServerEvent(token uint64, ev *wire.ServerEvent) {
	switch ev.Type {
	case wire.EventToken:
		c.applyToken(token, ev)
	case wire.EventComplete:
		c.applyComplete(token, ev)
	case wire.EventError, wire.EventRateLimited, wire.EventLLMError:
		c.applyFailure(token, ev)
	}
}

func (c *Controller) applyToken(token uint64, ev *wire.ServerEvent) {
	c.mu.Lock()
	if token != c.token {
		c.mu.Unlock()
		return
	}

	open := c.openStreamingLocked()
	if open == nil {
		// Stray token after a completed or failed exchange.
		sessionID := c.sessionID
		c.mu.Unlock()
		slog.Debug("Dropping stray token", "session_id", sessionID)
		return
	}

	open.Content += ev.Content
	if ev.SourceInfo != nil {
		open.SourceInfo = ev.SourceInfo
	}
	sessionID := c.sessionID
	c.mu.Unlock()

	c.bus.Publish(bus.TopicStreamToken, TokenEvent{SessionID: sessionID, Content: ev.Content})
}

func (c *Controller) applyComplete(token uint64, ev *wire.ServerEvent) {
	c.mu.Lock()
	if token != c.token {
		c.mu.Unlock()
		return
	}

	open := c.openStreamingLocked()
	// The exchange is over whether or not the placeholder survived; a
	// history replacement can wipe it mid-stream.
	c.streaming = false
	if open == nil {
		c.mu.Unlock()
		return
	}

	open.IsStreaming = false
	if ev.SourceInfo != nil {
		open.SourceInfo = ev.SourceInfo
	}
	final := *open
	c.persistLocked()
	sessionID := c.sessionID
	c.mu.Unlock()

	c.bus.Publish(bus.TopicStreamComplete, CompleteEvent{SessionID: sessionID, Message: final})
	c.bus.Publish(bus.TopicConversationsUpdated, sessionID)
}

func (c *Controller) applyFailure(token uint64, ev *wire.ServerEvent) {
	chatErr := chatErrorFromEvent(ev)

	c.mu.Lock()
	if token != c.token {
		c.mu.Unlock()
		return
	}

	if c.openStreamingLocked() != nil {
		// The placeholder never completed; a partial answer must not
		// survive. The user's message stays.
		c.timeline = c.timeline[:len(c.timeline)-1]
	}
	c.streaming = false
	c.lastErr = chatErr
	sessionID := c.sessionID
	c.mu.Unlock()

	c.bus.Publish(bus.TopicStreamError, ErrorEvent{SessionID: sessionID, Err: chatErr})
}

func chatErrorFromEvent(ev *wire.ServerEvent) *domain.ChatError {
	message := ev.Message
	if message == "" {
		message = "An error occurred"
	}

	chatErr := &domain.ChatError{
		Message:    message,
		ErrorType:  ev.ErrorType,
		RetryAfter: time.Duration(ev.RetryAfter) * time.Second,
		Limits:     ev.Limits,
	}

	switch ev.Type {
	case wire.EventRateLimited:
		chatErr.Kind = domain.ErrorKindRateLimited
		chatErr.Retryable = true
	case wire.EventLLMError:
		chatErr.Kind = domain.ErrorKindUpstream
		chatErr.Retryable = ev.IsRetryable == nil || *ev.IsRetryable
	default:
		chatErr.Kind = domain.ErrorKindUpstream
		chatErr.Retryable = ev.IsRetryable != nil && *ev.IsRetryable
	}
	return chatErr
}

// Messages returns a copy of the current timeline.
func (c *Controller) Messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Message, len(c.timeline))
	copy(out, c.timeline)
	return out
}

// SessionID returns the session the controller is bound to.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// State reports whether authoritative history has been reconciled.
func (c *Controller) State() TimelineState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Streaming reports whether a streaming placeholder is open.
func (c *Controller) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// Connected reports whether the transport is open.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	return conn != nil && conn.State() == StateOpen
}

// LastError returns the most recent structured error, or nil.
func (c *Controller) LastError() *domain.ChatError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// SetHistoryTimeout overrides the bound on authoritative history fetches.
// Non-positive values are ignored.
func (c *Controller) SetHistoryTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.historyTimeout = d
	c.mu.Unlock()
}

// SetModelID selects the model forwarded on subsequent message events and
// persists the choice best-effort.
func (c *Controller) SetModelID(ctx context.Context, modelID string) {
	c.mu.Lock()
	c.modelID = modelID
	c.mu.Unlock()

	if err := c.repo.SetSetting(ctx, store.SettingSelectedModel, modelID); err != nil {
		slog.Warn("Failed to persist model selection", "model_id", modelID, "error", err)
	}
}

// ModelID returns the selected model id, or "" for the backend default.
func (c *Controller) ModelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modelID
}

// Close tears down the active connection. The controller can be
// reactivated afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Teardown()
	}
}
