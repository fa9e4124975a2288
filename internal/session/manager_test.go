package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"docchat/internal/bus"
	"docchat/internal/domain"
	"docchat/internal/store"
	"github.com/google/uuid"
)

type fakeRepo struct {
	mu       sync.Mutex
	settings map[string]string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{settings: make(map[string]string)}
}

func (f *fakeRepo) Messages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	return nil, nil
}

func (f *fakeRepo) ReplaceMessages(ctx context.Context, sessionID string, messages []domain.Message) error {
	return nil
}

func (f *fakeRepo) DeleteMessages(ctx context.Context, sessionID string) error {
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

type fakeRegistrar struct {
	calls chan string
}

func (f *fakeRegistrar) CreateConversation(ctx context.Context, sessionID, fingerprint string) error {
	f.calls <- sessionID
	return nil
}

func TestCurrentMintsOnFirstCall(t *testing.T) {
	repo := newFakeRepo()
	m := NewManager(repo, bus.New())

	id := m.Current(context.Background())
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("session id %q is not a uuid: %v", id, err)
	}

	stored, _ := repo.GetSetting(context.Background(), store.SettingCurrentSession)
	if stored != id {
		t.Errorf("persisted session = %q, want %q", stored, id)
	}

	if again := m.Current(context.Background()); again != id {
		t.Errorf("second call = %q, want %q", again, id)
	}
}

func TestCurrentReusesStored(t *testing.T) {
	repo := newFakeRepo()
	existing := uuid.NewString()
	repo.settings[store.SettingCurrentSession] = existing

	m := NewManager(repo, bus.New())
	if id := m.Current(context.Background()); id != existing {
		t.Errorf("session = %q, want stored %q", id, existing)
	}
}

func TestCurrentDiscardsInvalidStored(t *testing.T) {
	repo := newFakeRepo()
	repo.settings[store.SettingCurrentSession] = "garbage"

	m := NewManager(repo, bus.New())
	id := m.Current(context.Background())
	if id == "garbage" {
		t.Fatal("invalid stored session id was reused")
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("replacement %q is not a uuid: %v", id, err)
	}
}

func TestNewSessionBroadcastsChange(t *testing.T) {
	repo := newFakeRepo()
	b := bus.New()
	m := NewManager(repo, b)

	var broadcast []string
	b.Subscribe(bus.TopicSessionChanged, func(payload any) {
		broadcast = append(broadcast, payload.(string))
	})

	id := m.NewSession(context.Background())
	if len(broadcast) != 1 || broadcast[0] != id {
		t.Errorf("broadcasts = %v, want [%s]", broadcast, id)
	}
	if m.Current(context.Background()) != id {
		t.Errorf("current = %q, want %q", m.Current(context.Background()), id)
	}
}

func TestSwitchToSameSessionStillBroadcasts(t *testing.T) {
	repo := newFakeRepo()
	b := bus.New()
	m := NewManager(repo, b)

	id := m.NewSession(context.Background())

	count := 0
	b.Subscribe(bus.TopicSessionChanged, func(any) { count++ })

	// Consumers rebind on the broadcast even when the id is unchanged.
	m.SwitchTo(context.Background(), id)
	m.SwitchTo(context.Background(), id)

	if count != 2 {
		t.Errorf("broadcasts = %d, want 2", count)
	}
}

func TestNewSessionPreRegistersConversation(t *testing.T) {
	repo := newFakeRepo()
	m := NewManager(repo, bus.New())

	reg := &fakeRegistrar{calls: make(chan string, 1)}
	m.SetRegistrar(reg, func(ctx context.Context) string { return "fp-1" })

	id := m.NewSession(context.Background())

	select {
	case got := <-reg.calls:
		if got != id {
			t.Errorf("pre-registered session = %q, want %q", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for conversation pre-registration")
	}
}
