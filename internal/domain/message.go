// Package domain contains core domain types for the docchat client.
package domain

import (
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SourceType identifies where the backend grounded an answer.
type SourceType string

const (
	SourceDocuments SourceType = "documents"
	SourceWeb       SourceType = "web"
	SourceNone      SourceType = "none"
)

// SourceInfo describes the retrieval sources attached to an assistant message.
type SourceInfo struct {
	SourceType SourceType `json:"source_type"`
	Sources    []string   `json:"sources"`
}

// Message is a single entry in a session timeline. A message is mutable only
// while IsStreaming is true; once finalized it never changes.
type Message struct {
	ID          string      `json:"id"`
	Role        Role        `json:"role"`
	Content     string      `json:"content"`
	CreatedAt   time.Time   `json:"created_at"`
	IsStreaming bool        `json:"is_streaming,omitempty"`
	SourceInfo  *SourceInfo `json:"source_info,omitempty"`
}

// Finalized reports whether the message content is settled.
func (m *Message) Finalized() bool {
	return !m.IsStreaming
}
