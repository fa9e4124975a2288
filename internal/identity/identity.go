// Package identity provides the anonymous per-installation fingerprint used
// to scope unauthenticated chat history.
package identity

import (
	"context"
	"log/slog"
	"sync"

	"docchat/internal/store"
	"github.com/google/uuid"
)

// Provider loads or mints the stable anonymous fingerprint id.
type Provider struct {
	repo store.Repository

	mu     sync.Mutex
	cached string
}

// NewProvider creates a fingerprint provider backed by the given repository.
func NewProvider(repo store.Repository) *Provider {
	return &Provider{repo: repo}
}

// Fingerprint returns the persisted fingerprint, minting and persisting a
// fresh one when absent or unreadable. A storage failure degrades to an
// unpersisted fingerprint rather than an error.
func (p *Provider) Fingerprint(ctx context.Context) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != "" {
		return p.cached
	}

	stored, err := p.repo.GetSetting(ctx, store.SettingFingerprint)
	if err != nil {
		slog.Warn("Failed to read fingerprint, minting a new one", "error", err)
	}
	if stored != "" {
		if _, parseErr := uuid.Parse(stored); parseErr == nil {
			p.cached = stored
			return stored
		}
		slog.Warn("Discarding invalid stored fingerprint")
	}

	fp := uuid.NewString()
	if err := p.repo.SetSetting(ctx, store.SettingFingerprint, fp); err != nil {
		slog.Warn("Failed to persist fingerprint", "error", err)
	}
	p.cached = fp
	return fp
}

// Reset clears the in-memory fingerprint cache so the next call re-reads
// or re-mints.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = ""
}
