// Package wire defines the JSON event envelope exchanged with the chat
// backend over the streaming transport.
package wire

import (
	"encoding/json"
	"fmt"

	"docchat/internal/domain"
)

// Server event types.
const (
	EventToken       = "token"
	EventComplete    = "complete"
	EventError       = "error"
	EventRateLimited = "rate_limited"
	EventLLMError    = "llm_error"
)

// ClientEvent is the single client-to-server event shape.
type ClientEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	ModelID string `json:"model_id,omitempty"`
}

// ServerEvent is the server-to-client envelope, discriminated by Type.
// Fields are populated depending on the event type.
type ServerEvent struct {
	Type        string                          `json:"type"`
	Content     string                          `json:"content,omitempty"`
	Message     string                          `json:"message,omitempty"`
	ErrorType   string                          `json:"error_type,omitempty"`
	RetryAfter  int                             `json:"retry_after,omitempty"`
	IsRetryable *bool                           `json:"is_retryable,omitempty"`
	Limits      map[string]domain.RateLimitInfo `json:"limits,omitempty"`
	SourceInfo  *domain.SourceInfo              `json:"source_info,omitempty"`
}

// MalformedEventError indicates a frame that could not be decoded into a
// known server event.
type MalformedEventError struct {
	Reason string
}

// Error implements the error interface.
func (e *MalformedEventError) Error() string {
	return "malformed server event: " + e.Reason
}

// EncodeMessage serializes a user message event, optionally carrying a
// model selector.
func EncodeMessage(content, modelID string) ([]byte, error) {
	data, err := json.Marshal(ClientEvent{
		Type:    "message",
		Content: content,
		ModelID: modelID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode message event: %w", err)
	}
	return data, nil
}

// Decode parses a server frame. Unknown event types and invalid JSON are
// reported as MalformedEventError so callers can surface them without
// tearing down the connection.
func Decode(data []byte) (*ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, &MalformedEventError{Reason: err.Error()}
	}

	switch ev.Type {
	case EventToken, EventComplete, EventError, EventRateLimited, EventLLMError:
		return &ev, nil
	case "":
		return nil, &MalformedEventError{Reason: "missing event type"}
	default:
		return nil, &MalformedEventError{Reason: "unknown event type " + ev.Type}
	}
}
