package domain

import (
	"time"
)

// ConversationSummary is one entry in the prior-conversations list.
type ConversationSummary struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Preview      string    `json:"preview"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
