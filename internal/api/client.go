// Package api provides the HTTP client for the chat backend: history and
// conversation lookups, the streaming-endpoint config lookup, and the
// WebSocket dial used by the connection manager.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"docchat/internal/domain"
	"github.com/coder/websocket"
)

// maxResponseSize bounds response bodies read into memory.
const maxResponseSize = 4 * 1024 * 1024

// Error is a typed error for non-2xx backend responses.
type Error struct {
	Status     int
	Message    string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("backend error (HTTP %d): %s", e.Status, e.Message)
}

// Client talks to the chat backend HTTP surface.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a backend client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

type historyMessage struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

type historyResponse struct {
	SessionID string           `json:"session_id"`
	Messages  []historyMessage `json:"messages"`
}

// History fetches the authoritative message history for a session.
func (c *Client) History(ctx context.Context, sessionID, fingerprint string) ([]domain.Message, error) {
	endpoint := fmt.Sprintf("%s/api/chat/history/%s?fingerprint=%s",
		c.baseURL, url.PathEscape(sessionID), url.QueryEscape(fingerprint))

	var resp historyResponse
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}

	messages := make([]domain.Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		createdAt, err := time.Parse(time.RFC3339, m.CreatedAt)
		if err != nil {
			// Tolerate a bad timestamp rather than dropping the message.
			createdAt = time.Now()
		}
		messages = append(messages, domain.Message{
			ID:        m.ID,
			Role:      domain.Role(m.Role),
			Content:   m.Content,
			CreatedAt: createdAt,
		})
	}
	return messages, nil
}

type conversationEntry struct {
	ID           string `json:"id"`
	SessionID    string `json:"session_id"`
	Preview      string `json:"preview"`
	MessageCount int    `json:"message_count"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

type conversationsResponse struct {
	Conversations []conversationEntry `json:"conversations"`
	Total         int                 `json:"total"`
}

// Conversations fetches the conversation summary list for a fingerprint.
func (c *Client) Conversations(ctx context.Context, fingerprint string) ([]domain.ConversationSummary, int, error) {
	endpoint := fmt.Sprintf("%s/api/chat/conversations?fingerprint=%s",
		c.baseURL, url.QueryEscape(fingerprint))

	var resp conversationsResponse
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, 0, fmt.Errorf("fetch conversations: %w", err)
	}

	summaries := make([]domain.ConversationSummary, 0, len(resp.Conversations))
	for _, e := range resp.Conversations {
		summaries = append(summaries, domain.ConversationSummary{
			ID:           e.ID,
			SessionID:    e.SessionID,
			Preview:      e.Preview,
			MessageCount: e.MessageCount,
			CreatedAt:    parseTimestamp(e.CreatedAt),
			UpdatedAt:    parseTimestamp(e.UpdatedAt),
		})
	}
	return summaries, resp.Total, nil
}

// CreateConversation pre-registers an empty conversation record.
func (c *Client) CreateConversation(ctx context.Context, sessionID, fingerprint string) error {
	endpoint := fmt.Sprintf("%s/api/chat/conversations?session_id=%s&fingerprint=%s",
		c.baseURL, url.QueryEscape(sessionID), url.QueryEscape(fingerprint))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.errorFromResponse(resp)
	}
	return nil
}

type configResponse struct {
	WSURL string `json:"wsUrl"`
}

// WebSocketURL resolves the streaming endpoint for a session. The host is
// taken from the backend's config lookup, not hardcoded.
func (c *Client) WebSocketURL(ctx context.Context, sessionID, fingerprint string) (string, error) {
	var cfg configResponse
	if err := c.getJSON(ctx, c.baseURL+"/api/config", &cfg); err != nil {
		return "", fmt.Errorf("config lookup: %w", err)
	}

	parsed, err := url.Parse(cfg.WSURL)
	if err != nil {
		return "", fmt.Errorf("parse ws url %q: %w", cfg.WSURL, err)
	}

	scheme := "ws"
	if parsed.Scheme == "https" || parsed.Scheme == "wss" {
		scheme = "wss"
	}

	query := url.Values{}
	query.Set("session_id", sessionID)
	query.Set("fingerprint", fingerprint)

	return fmt.Sprintf("%s://%s/api/chat/ws?%s", scheme, parsed.Host, query.Encode()), nil
}

// DialSession resolves the streaming endpoint and opens a WebSocket bound
// to the given session.
func (c *Client) DialSession(ctx context.Context, sessionID, fingerprint string) (*websocket.Conn, error) {
	wsURL, err := c.WebSocketURL(ctx, sessionID, fingerprint)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	return conn, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return c.errorFromResponse(resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func (c *Client) errorFromResponse(resp *http.Response) error {
	apiErr := &Error{
		Status:  resp.StatusCode,
		Message: resp.Status,
	}

	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if seconds, err := strconv.Atoi(ra); err == nil {
			apiErr.RetryAfter = time.Duration(seconds) * time.Second
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err == nil && len(body) > 0 {
		var payload struct {
			Detail  string `json:"detail"`
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if json.Unmarshal(body, &payload) == nil {
			switch {
			case payload.Detail != "":
				apiErr.Message = payload.Detail
			case payload.Message != "":
				apiErr.Message = payload.Message
			case payload.Error != "":
				apiErr.Message = payload.Error
			}
		}
	}

	return apiErr
}

func parseTimestamp(value string) time.Time {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
