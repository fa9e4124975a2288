// Package session owns the active session identity: which conversation
// thread the client is currently bound to.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"docchat/internal/bus"
	"docchat/internal/store"
	"github.com/google/uuid"
)

// Registrar pre-registers an empty conversation record for a new session.
// The call is best-effort: failures must never block starting to chat.
type Registrar interface {
	CreateConversation(ctx context.Context, sessionID, fingerprint string) error
}

// Manager owns the current session id. Every mutation persists to the
// repository and broadcasts TopicSessionChanged; consumers key off the
// broadcast, not id equality.
type Manager struct {
	repo store.Repository
	bus  *bus.Bus

	registrar   Registrar
	fingerprint func(ctx context.Context) string

	mu      sync.Mutex
	current string
}

// NewManager creates a session manager.
func NewManager(repo store.Repository, b *bus.Bus) *Manager {
	return &Manager{repo: repo, bus: b}
}

// SetRegistrar enables best-effort conversation pre-registration on
// NewSession. The fingerprint func supplies the id to scope the record to.
func (m *Manager) SetRegistrar(r Registrar, fingerprint func(ctx context.Context) string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registrar = r
	m.fingerprint = fingerprint
}

// Current returns the active session id, initializing and persisting one on
// first call if none exists. A read failure falls back to minting a new
// session rather than failing.
func (m *Manager) Current(ctx context.Context) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != "" {
		return m.current
	}

	stored, err := m.repo.GetSetting(ctx, store.SettingCurrentSession)
	if err != nil {
		slog.Warn("Failed to read current session, minting a new one", "error", err)
	}
	if stored != "" {
		if _, parseErr := uuid.Parse(stored); parseErr == nil {
			m.current = stored
			return stored
		}
		slog.Warn("Discarding invalid stored session id")
	}

	id := uuid.NewString()
	m.persist(ctx, id)
	m.current = id
	return id
}

// NewSession mints a fresh session id, persists it, broadcasts the change,
// and returns it.
func (m *Manager) NewSession(ctx context.Context) string {
	id := uuid.NewString()

	m.mu.Lock()
	m.persist(ctx, id)
	m.current = id
	registrar := m.registrar
	fingerprint := m.fingerprint
	m.mu.Unlock()

	if registrar != nil && fingerprint != nil {
		go func() {
			regCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := registrar.CreateConversation(regCtx, id, fingerprint(regCtx)); err != nil {
				// Pre-registration is cosmetic; chatting works without it.
				slog.Debug("Conversation pre-registration failed", "session_id", id, "error", err)
			}
		}()
	}

	m.bus.Publish(bus.TopicSessionChanged, id)
	return id
}

// SwitchTo makes id the active session and broadcasts the change. The
// broadcast fires even when id equals the current session.
func (m *Manager) SwitchTo(ctx context.Context, id string) {
	m.mu.Lock()
	m.persist(ctx, id)
	m.current = id
	m.mu.Unlock()

	m.bus.Publish(bus.TopicSessionChanged, id)
}

func (m *Manager) persist(ctx context.Context, id string) {
	if err := m.repo.SetSetting(ctx, store.SettingCurrentSession, id); err != nil {
		slog.Warn("Failed to persist current session", "session_id", id, "error", err)
	}
}
