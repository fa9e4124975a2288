// Package store provides durable client-side persistence interfaces and
// implementations.
package store

import (
	"context"

	"docchat/internal/domain"
)

// Setting keys for persisted client state. All values are best-effort and
// must be safely regenerable if absent or corrupt.
const (
	SettingCurrentSession = "current_session_id"
	SettingFingerprint    = "fingerprint"
	SettingSelectedModel  = "selected_model_id"
)

// Repository defines the interface for the local durable cache and
// persisted client settings.
type Repository interface {
	// Messages retrieves the cached timeline snapshot for a session.
	// A missing cache entry yields an empty slice, not an error.
	Messages(ctx context.Context, sessionID string) ([]domain.Message, error)

	// ReplaceMessages atomically replaces the cached timeline snapshot for
	// a session with the given finalized messages, preserving order.
	ReplaceMessages(ctx context.Context, sessionID string, messages []domain.Message) error

	// DeleteMessages removes the cached snapshot for a session.
	DeleteMessages(ctx context.Context, sessionID string) error

	// GetSetting retrieves a persisted setting value, or "" if unset.
	GetSetting(ctx context.Context, key string) (string, error)

	// SetSetting persists a setting value.
	SetSetting(ctx context.Context, key, value string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
