package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for connection lifecycle failures.
var (
	// ErrNotConnected indicates an operation that requires an open
	// connection was attempted without one.
	ErrNotConnected = errors.New("not connected to chat backend")

	// ErrReconnectExhausted indicates automatic reconnection gave up after
	// the attempt cap. The connection will not recover without a new
	// session activation.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// ErrorKind classifies a ChatError.
type ErrorKind string

const (
	// ErrorKindConnection covers transport-level failures (connect failure,
	// unexpected close).
	ErrorKindConnection ErrorKind = "connection"

	// ErrorKindRateLimited covers refused exchanges due to rate limiting.
	// Always retryable.
	ErrorKindRateLimited ErrorKind = "rate_limited"

	// ErrorKindUpstream covers server-side exchange failures, including
	// upstream model errors.
	ErrorKindUpstream ErrorKind = "upstream"

	// ErrorKindMalformed covers frames that could not be decoded.
	ErrorKindMalformed ErrorKind = "malformed"
)

// RateLimitInfo reports usage against one rate-limit window.
type RateLimitInfo struct {
	Current   int `json:"current"`
	Max       int `json:"max"`
	Remaining int `json:"remaining"`
}

// ChatError is the structured error surfaced for a failed exchange.
// None of these are fatal to the process; Retryable distinguishes errors
// the user can retry from ones that require starting over.
type ChatError struct {
	Kind       ErrorKind
	Message    string
	ErrorType  string
	RetryAfter time.Duration
	Retryable  bool
	Limits     map[string]RateLimitInfo
}

// Error implements the error interface.
func (e *ChatError) Error() string {
	if e.ErrorType != "" {
		return fmt.Sprintf("chat error [%s/%s]: %s", e.Kind, e.ErrorType, e.Message)
	}
	return fmt.Sprintf("chat error [%s]: %s", e.Kind, e.Message)
}
