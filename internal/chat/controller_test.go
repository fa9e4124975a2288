package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"docchat/internal/bus"
	"docchat/internal/domain"
	"docchat/internal/store"
	"docchat/internal/wire"
	"github.com/coder/websocket"
)

type fakeRepo struct {
	mu        sync.Mutex
	snapshots map[string][]domain.Message
	settings  map[string]string
	readErr   error
}

func newTestRepo() *fakeRepo {
	return &fakeRepo{
		snapshots: make(map[string][]domain.Message),
		settings:  make(map[string]string),
	}
}

func (f *fakeRepo) Messages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	out := make([]domain.Message, len(f.snapshots[sessionID]))
	copy(out, f.snapshots[sessionID])
	return out, nil
}

func (f *fakeRepo) ReplaceMessages(ctx context.Context, sessionID string, messages []domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Message, len(messages))
	copy(out, messages)
	f.snapshots[sessionID] = out
	return nil
}

func (f *fakeRepo) DeleteMessages(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.snapshots, sessionID)
	return nil
}

func (f *fakeRepo) GetSetting(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings[key], nil
}

func (f *fakeRepo) SetSetting(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[key] = value
	return nil
}

func (f *fakeRepo) Ping(ctx context.Context) error { return nil }
func (f *fakeRepo) Close() error                   { return nil }

func (f *fakeRepo) snapshot(sessionID string) []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Message, len(f.snapshots[sessionID]))
	copy(out, f.snapshots[sessionID])
	return out
}

// fakeBackend pairs a transport dialer with a scripted history fetch.
type fakeBackend struct {
	dialer  Dialer
	history func(ctx context.Context, sessionID, fingerprint string) ([]domain.Message, error)
}

func (b *fakeBackend) DialSession(ctx context.Context, sessionID, fingerprint string) (*websocket.Conn, error) {
	return b.dialer.DialSession(ctx, sessionID, fingerprint)
}

func (b *fakeBackend) History(ctx context.Context, sessionID, fingerprint string) ([]domain.Message, error) {
	if b.history == nil {
		return nil, nil
	}
	return b.history(ctx, sessionID, fingerprint)
}

func idleServer(t *testing.T) *serverDialer {
	t.Helper()
	return wsTestServer(t, func(ctx context.Context, ws *websocket.Conn) {
		<-ctx.Done()
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func historyOf(messages ...domain.Message) func(context.Context, string, string) ([]domain.Message, error) {
	return func(context.Context, string, string) ([]domain.Message, error) {
		return messages, nil
	}
}

func msg(id string, role domain.Role, content string) domain.Message {
	return domain.Message{ID: id, Role: role, Content: content, CreatedAt: time.Now()}
}

func TestActivateReplacesCacheWithHistory(t *testing.T) {
	repo := newTestRepo()
	repo.snapshots["s1"] = []domain.Message{msg("cached", domain.RoleUser, "old")}

	backend := &fakeBackend{
		dialer: idleServer(t),
		history: historyOf(
			msg("h1", domain.RoleUser, "question"),
			msg("h2", domain.RoleAssistant, "answer"),
		),
	}

	c := NewController(repo, backend, bus.New())
	defer c.Close()

	c.Activate(context.Background(), "s1", "fp")
	waitFor(t, "history reconcile", func() bool { return c.State() == TimelineReady })

	got := c.Messages()
	if len(got) != 2 || got[0].ID != "h1" || got[1].ID != "h2" {
		t.Fatalf("timeline = %+v, want authoritative history", got)
	}

	// The reconciled history is the new durable snapshot.
	waitFor(t, "snapshot write", func() bool { return len(repo.snapshot("s1")) == 2 })
}

func TestActivateKeepsCacheWhenHistoryEmpty(t *testing.T) {
	repo := newTestRepo()
	repo.snapshots["s1"] = []domain.Message{
		msg("cached-1", domain.RoleUser, "hi"),
		msg("cached-2", domain.RoleAssistant, "hello"),
	}

	backend := &fakeBackend{dialer: idleServer(t), history: historyOf()}

	c := NewController(repo, backend, bus.New())
	defer c.Close()

	c.Activate(context.Background(), "s1", "fp")
	waitFor(t, "history reconcile", func() bool { return c.State() == TimelineReady })

	got := c.Messages()
	if len(got) != 2 || got[0].ID != "cached-1" {
		t.Errorf("timeline = %+v, want cache seed preserved", got)
	}
}

func TestActivateDegradesUnreadableCacheToEmpty(t *testing.T) {
	repo := newTestRepo()
	repo.readErr = errors.New("disk corrupt")

	backend := &fakeBackend{dialer: idleServer(t), history: historyOf()}

	c := NewController(repo, backend, bus.New())
	defer c.Close()

	c.Activate(context.Background(), "s1", "fp")
	waitFor(t, "history reconcile", func() bool { return c.State() == TimelineReady })

	if got := c.Messages(); len(got) != 0 {
		t.Errorf("timeline = %+v, want empty", got)
	}
}

func TestActivateKeepsCacheWhenHistoryFails(t *testing.T) {
	repo := newTestRepo()
	repo.snapshots["s1"] = []domain.Message{msg("cached", domain.RoleUser, "hi")}

	backend := &fakeBackend{
		dialer: idleServer(t),
		history: func(context.Context, string, string) ([]domain.Message, error) {
			return nil, errors.New("backend down")
		},
	}

	c := NewController(repo, backend, bus.New())
	defer c.Close()

	c.Activate(context.Background(), "s1", "fp")
	waitFor(t, "history reconcile", func() bool { return c.State() == TimelineReady })

	got := c.Messages()
	if len(got) != 1 || got[0].ID != "cached" {
		t.Errorf("timeline = %+v, want cached timeline served", got)
	}
}

func TestStaleHistoryFetchDiscarded(t *testing.T) {
	repo := newTestRepo()
	release := make(chan struct{})

	backend := &fakeBackend{
		dialer: idleServer(t),
		history: func(ctx context.Context, sessionID, fingerprint string) ([]domain.Message, error) {
			if sessionID == "s1" {
				<-release
				return []domain.Message{msg("stale", domain.RoleUser, "from s1")}, nil
			}
			return []domain.Message{msg("fresh", domain.RoleUser, "from s2")}, nil
		},
	}

	c := NewController(repo, backend, bus.New())
	defer c.Close()

	c.Activate(context.Background(), "s1", "fp")
	c.Activate(context.Background(), "s2", "fp")
	waitFor(t, "history reconcile", func() bool { return c.State() == TimelineReady })

	// Release the in-flight fetch for the abandoned session.
	close(release)
	time.Sleep(50 * time.Millisecond)

	got := c.Messages()
	if len(got) != 1 || got[0].ID != "fresh" {
		t.Errorf("timeline = %+v, want only the active session's history", got)
	}
	if len(repo.snapshot("s1")) != 0 {
		t.Errorf("abandoned session snapshot = %+v, want untouched", repo.snapshot("s1"))
	}
}

func currentToken(c *Controller) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func TestStaleStreamEventsDiscardedAfterSwitch(t *testing.T) {
	repo := newTestRepo()
	backend := &fakeBackend{dialer: idleServer(t), history: historyOf()}

	b := bus.New()
	errored := make(chan ErrorEvent, 4)
	b.Subscribe(bus.TopicStreamError, func(payload any) {
		errored <- payload.(ErrorEvent)
	})

	c := NewController(repo, backend, b)
	defer c.Close()

	c.Activate(context.Background(), "old-session", "fp")
	waitFor(t, "connection open", c.Connected)

	if err := c.Send("first question"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	stale := currentToken(c)

	// Switch away mid-stream, before any completion arrives.
	c.Activate(context.Background(), "new-session", "fp")
	waitFor(t, "history reconcile", func() bool { return c.State() == TimelineReady })
	waitFor(t, "connection open", c.Connected)

	// The abandoned exchange's events now land with the pre-switch token.
	c.ServerEvent(stale, &wire.ServerEvent{Type: wire.EventToken, Content: "ghost"})
	c.ServerEvent(stale, &wire.ServerEvent{Type: wire.EventComplete})
	c.ServerEvent(stale, &wire.ServerEvent{Type: wire.EventError, Message: "late failure"})

	if got := c.Messages(); len(got) != 0 {
		t.Errorf("timeline = %+v, want empty for the new session", got)
	}
	if c.Streaming() {
		t.Error("Streaming() = true after stale events")
	}
	if c.LastError() != nil {
		t.Errorf("LastError() = %+v, want nil", c.LastError())
	}

	// The old session's snapshot keeps only what Send persisted.
	old := repo.snapshot("old-session")
	if len(old) != 1 || old[0].Role != domain.RoleUser {
		t.Errorf("old session snapshot = %+v, want just the user message", old)
	}
	if len(repo.snapshot("new-session")) != 0 {
		t.Errorf("new session snapshot = %+v, want empty", repo.snapshot("new-session"))
	}

	select {
	case ev := <-errored:
		t.Errorf("stale error event was published: %+v", ev)
	default:
	}
}

func TestCompleteWithoutPlaceholderResetsStreaming(t *testing.T) {
	release := make(chan struct{})
	backend := &fakeBackend{
		dialer: idleServer(t),
		history: func(context.Context, string, string) ([]domain.Message, error) {
			<-release
			return []domain.Message{
				msg("h1", domain.RoleUser, "question"),
				msg("h2", domain.RoleAssistant, "answer"),
			}, nil
		},
	}

	c := NewController(newTestRepo(), backend, bus.New())
	defer c.Close()

	c.Activate(context.Background(), "s1", "fp")
	waitFor(t, "connection open", c.Connected)

	if err := c.Send("hi"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	// The history replacement lands mid-stream and wipes the placeholder.
	close(release)
	waitFor(t, "history replacement", func() bool {
		got := c.Messages()
		return len(got) == 2 && got[1].ID == "h2"
	})

	c.ServerEvent(currentToken(c), &wire.ServerEvent{Type: wire.EventComplete})

	if c.Streaming() {
		t.Error("Streaming() = true after completion without a placeholder")
	}
	if got := c.Messages(); len(got) != 2 || got[1].ID != "h2" {
		t.Errorf("timeline = %+v, want the replaced history untouched", got)
	}
}

func TestSetHistoryTimeoutBoundsFetch(t *testing.T) {
	repo := newTestRepo()
	repo.snapshots["s1"] = []domain.Message{msg("cached", domain.RoleUser, "hi")}

	backend := &fakeBackend{
		dialer: idleServer(t),
		history: func(ctx context.Context, sessionID, fingerprint string) ([]domain.Message, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	c := NewController(repo, backend, bus.New())
	defer c.Close()
	c.SetHistoryTimeout(50 * time.Millisecond)

	start := time.Now()
	c.Activate(context.Background(), "s1", "fp")
	waitFor(t, "history reconcile", func() bool { return c.State() == TimelineReady })

	// The fetch gave up on the configured bound, not the default one.
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("fetch took %v, want the 50ms bound to apply", elapsed)
	}
	if got := c.Messages(); len(got) != 1 || got[0].ID != "cached" {
		t.Errorf("timeline = %+v, want cached timeline served", got)
	}
}

func TestSendStreamsExchange(t *testing.T) {
	dialer := wsTestServer(t, func(ctx context.Context, ws *websocket.Conn) {
		_, _, err := ws.Read(ctx)
		if err != nil {
			return
		}
		frames := []string{
			`{"type":"token","content":"Hello"}`,
			`{"type":"token","content":" there"}`,
			`{"type":"complete","source_info":{"source_type":"documents","sources":["intro.pdf"]}}`,
		}
		for _, frame := range frames {
			if err := ws.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
				return
			}
		}
		<-ctx.Done()
	})

	repo := newTestRepo()
	b := bus.New()
	complete := make(chan CompleteEvent, 1)
	b.Subscribe(bus.TopicStreamComplete, func(payload any) {
		complete <- payload.(CompleteEvent)
	})
	listRefresh := make(chan struct{}, 1)
	b.Subscribe(bus.TopicConversationsUpdated, func(any) {
		listRefresh <- struct{}{}
	})

	c := NewController(repo, &fakeBackend{dialer: dialer}, b)
	defer c.Close()

	c.Activate(context.Background(), "s1", "fp")
	waitFor(t, "connection open", c.Connected)

	if err := c.Send("hi"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !c.Streaming() {
		t.Error("Streaming() = false right after Send")
	}

	var final CompleteEvent
	select {
	case final = <-complete:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	if final.Message.Content != "Hello there" {
		t.Errorf("final content = %q, want %q", final.Message.Content, "Hello there")
	}
	if final.Message.SourceInfo == nil || final.Message.SourceInfo.SourceType != domain.SourceDocuments {
		t.Errorf("source info = %+v, want documents", final.Message.SourceInfo)
	}

	got := c.Messages()
	if len(got) != 2 {
		t.Fatalf("timeline length = %d, want 2", len(got))
	}
	if got[0].Role != domain.RoleUser || got[0].Content != "hi" {
		t.Errorf("user message = %+v", got[0])
	}
	if !got[1].Finalized() || got[1].Content != "Hello there" {
		t.Errorf("assistant message = %+v, want finalized stream", got[1])
	}
	if c.Streaming() {
		t.Error("Streaming() = true after completion")
	}

	select {
	case <-listRefresh:
	case <-time.After(time.Second):
		t.Fatal("completion did not signal a conversation list refresh")
	}

	// The finalized exchange is in the durable snapshot.
	waitFor(t, "snapshot write", func() bool { return len(repo.snapshot("s1")) == 2 })
}

func TestErrorEventRollsBackPlaceholder(t *testing.T) {
	dialer := wsTestServer(t, func(ctx context.Context, ws *websocket.Conn) {
		_, _, err := ws.Read(ctx)
		if err != nil {
			return
		}
		_ = ws.Write(ctx, websocket.MessageText, []byte(`{"type":"error","message":"boom"}`))
		<-ctx.Done()
	})

	repo := newTestRepo()
	b := bus.New()
	failed := make(chan ErrorEvent, 1)
	b.Subscribe(bus.TopicStreamError, func(payload any) {
		failed <- payload.(ErrorEvent)
	})

	c := NewController(repo, &fakeBackend{dialer: dialer}, b)
	defer c.Close()

	c.Activate(context.Background(), "s1", "fp")
	waitFor(t, "connection open", c.Connected)

	if err := c.Send("hi"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	var ev ErrorEvent
	select {
	case ev = <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for error event")
	}

	if ev.Err.Kind != domain.ErrorKindUpstream || ev.Err.Message != "boom" {
		t.Errorf("error = %+v, want upstream boom", ev.Err)
	}
	if ev.Err.Retryable {
		t.Error("plain error event defaulted to retryable")
	}

	// The placeholder is gone; the user's message survives.
	got := c.Messages()
	if len(got) != 1 || got[0].Role != domain.RoleUser {
		t.Errorf("timeline = %+v, want only the user message", got)
	}
	if c.Streaming() {
		t.Error("Streaming() = true after failure")
	}
	if c.LastError() == nil {
		t.Error("LastError() = nil after failure")
	}
}

func TestStrayTokenDropped(t *testing.T) {
	dialer := wsTestServer(t, func(ctx context.Context, ws *websocket.Conn) {
		_ = ws.Write(ctx, websocket.MessageText, []byte(`{"type":"token","content":"ghost"}`))
		<-ctx.Done()
	})

	c := NewController(newTestRepo(), &fakeBackend{dialer: dialer}, bus.New())
	defer c.Close()

	c.Activate(context.Background(), "s1", "fp")
	waitFor(t, "connection open", c.Connected)

	// No exchange is in flight, so the token has nowhere to land.
	time.Sleep(50 * time.Millisecond)
	if got := c.Messages(); len(got) != 0 {
		t.Errorf("timeline = %+v, want empty", got)
	}
}

func TestSendWithoutConnection(t *testing.T) {
	c := NewController(newTestRepo(), &fakeBackend{dialer: &failingDialer{}}, bus.New())
	defer c.Close()

	if err := c.Send("hi"); !errors.Is(err, domain.ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestSetModelIDPersistsSelection(t *testing.T) {
	repo := newTestRepo()
	c := NewController(repo, &fakeBackend{dialer: &failingDialer{}}, bus.New())
	defer c.Close()

	c.SetModelID(context.Background(), "gpt-4o-mini")
	if c.ModelID() != "gpt-4o-mini" {
		t.Errorf("ModelID() = %q, want gpt-4o-mini", c.ModelID())
	}

	stored, _ := repo.GetSetting(context.Background(), store.SettingSelectedModel)
	if stored != "gpt-4o-mini" {
		t.Errorf("persisted model = %q, want gpt-4o-mini", stored)
	}
}

func TestChatErrorFromEvent(t *testing.T) {
	no := false
	tests := []struct {
		name          string
		ev            *wire.ServerEvent
		wantKind      domain.ErrorKind
		wantRetryable bool
		wantMessage   string
	}{
		{
			name:          "rate limited is always retryable",
			ev:            &wire.ServerEvent{Type: wire.EventRateLimited, Message: "slow down", RetryAfter: 30, IsRetryable: &no},
			wantKind:      domain.ErrorKindRateLimited,
			wantRetryable: true,
			wantMessage:   "slow down",
		},
		{
			name:          "llm error defaults to retryable",
			ev:            &wire.ServerEvent{Type: wire.EventLLMError, Message: "overloaded"},
			wantKind:      domain.ErrorKindUpstream,
			wantRetryable: true,
			wantMessage:   "overloaded",
		},
		{
			name:          "llm error honors explicit flag",
			ev:            &wire.ServerEvent{Type: wire.EventLLMError, Message: "bad request", IsRetryable: &no},
			wantKind:      domain.ErrorKindUpstream,
			wantRetryable: false,
			wantMessage:   "bad request",
		},
		{
			name:          "plain error defaults to not retryable",
			ev:            &wire.ServerEvent{Type: wire.EventError, Message: "boom"},
			wantKind:      domain.ErrorKindUpstream,
			wantRetryable: false,
			wantMessage:   "boom",
		},
		{
			name:          "missing message gets a fallback",
			ev:            &wire.ServerEvent{Type: wire.EventError},
			wantKind:      domain.ErrorKindUpstream,
			wantRetryable: false,
			wantMessage:   "An error occurred",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := chatErrorFromEvent(tt.ev)
			if got.Kind != tt.wantKind {
				t.Errorf("kind = %v, want %v", got.Kind, tt.wantKind)
			}
			if got.Retryable != tt.wantRetryable {
				t.Errorf("retryable = %v, want %v", got.Retryable, tt.wantRetryable)
			}
			if got.Message != tt.wantMessage {
				t.Errorf("message = %q, want %q", got.Message, tt.wantMessage)
			}
		})
	}
}
