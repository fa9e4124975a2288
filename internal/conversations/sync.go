// Package conversations maintains the list of prior conversations,
// refreshed whenever an exchange completes.
package conversations

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"docchat/internal/bus"
	"docchat/internal/domain"
)

// Lister fetches the conversation summary list for a fingerprint.
type Lister interface {
	Conversations(ctx context.Context, fingerprint string) ([]domain.ConversationSummary, int, error)
}

const defaultDebounce = 500 * time.Millisecond

// Synchronizer keeps a de-duplicated conversation list current. It
// subscribes to the conversations-updated broadcast and also serves
// explicit refresh requests.
type Synchronizer struct {
	lister      Lister
	fingerprint string
	debounce    time.Duration

	sub *bus.Subscription

	mu          sync.Mutex
	items       []domain.ConversationSummary
	lastAttempt time.Time
}

// NewSynchronizer creates a synchronizer scoped to one fingerprint and
// subscribes it to the conversations-updated broadcast.
func NewSynchronizer(lister Lister, b *bus.Bus, fingerprint string) *Synchronizer {
	s := &Synchronizer{
		lister:      lister,
		fingerprint: fingerprint,
		debounce:    defaultDebounce,
	}

	s.sub = b.Subscribe(bus.TopicConversationsUpdated, func(any) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.Refresh(ctx, false); err != nil {
				slog.Warn("Conversation list refresh failed", "error", err)
			}
		}()
	})

	return s
}

// Refresh fetches the summary list. Repeated calls within the debounce
// window are skipped unless force is set.
func (s *Synchronizer) Refresh(ctx context.Context, force bool) error {
	s.mu.Lock()
	if !force && time.Since(s.lastAttempt) < s.debounce {
		s.mu.Unlock()
		return nil
	}
	s.lastAttempt = time.Now()
	fingerprint := s.fingerprint
	s.mu.Unlock()

	items, _, err := s.lister.Conversations(ctx, fingerprint)
	if err != nil {
		return fmt.Errorf("refresh conversations: %w", err)
	}

	deduped := dedupe(items)

	s.mu.Lock()
	s.items = deduped
	s.mu.Unlock()
	return nil
}

// dedupe collapses duplicate session ids, keeping the most recently
// updated entry per session, ordered newest first. Concurrent completions
// can legitimately produce duplicate entries server-side.
func dedupe(items []domain.ConversationSummary) []domain.ConversationSummary {
	bySession := make(map[string]domain.ConversationSummary, len(items))
	for _, item := range items {
		existing, ok := bySession[item.SessionID]
		if !ok || item.UpdatedAt.After(existing.UpdatedAt) {
			bySession[item.SessionID] = item
		}
	}

	out := make([]domain.ConversationSummary, 0, len(bySession))
	for _, item := range bySession {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Conversations returns a copy of the current list.
func (s *Synchronizer) Conversations() []domain.ConversationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ConversationSummary, len(s.items))
	copy(out, s.items)
	return out
}

// Close cancels the broadcast subscription.
func (s *Synchronizer) Close() {
	s.sub.Cancel()
}
