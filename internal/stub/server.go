// Package stub provides an in-memory chat backend implementing the wire
// contract the client expects: the streaming WebSocket endpoint plus the
// history, conversations, and config lookups. It backs cmd/stubserver for
// local development and the integration tests.
package stub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"docchat/internal/domain"
	"docchat/internal/wire"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// ReplyFunc produces the token sequence streamed back for a prompt.
type ReplyFunc func(prompt string) []string

// EchoReply is the default reply script: it acknowledges the prompt and
// echoes it back word by word.
func EchoReply(prompt string) []string {
	tokens := []string{"You", " said:", " "}
	for i, word := range strings.Fields(prompt) {
		if i > 0 {
			tokens = append(tokens, " ")
		}
		tokens = append(tokens, word)
	}
	return tokens
}

// Server is an in-memory chat backend.
type Server struct {
	mu            sync.Mutex
	baseURL       string
	histories     map[string][]domain.Message
	conversations map[string]domain.ConversationSummary
	reply         ReplyFunc
	tokenDelay    time.Duration
}

// NewServer creates a stub backend with the echo reply script.
func NewServer() *Server {
	return &Server{
		histories:     make(map[string][]domain.Message),
		conversations: make(map[string]domain.ConversationSummary),
		reply:         EchoReply,
	}
}

// SetBaseURL sets the URL advertised by the config lookup. It must be set
// before clients resolve the streaming endpoint.
func (s *Server) SetBaseURL(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseURL = u
}

// SetReply overrides the reply script.
func (s *Server) SetReply(fn ReplyFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply = fn
}

// SetTokenDelay adds a pause between streamed tokens.
func (s *Server) SetTokenDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenDelay = d
}

// Router returns the HTTP handler for the backend surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/config", s.handleConfig)
	r.Get("/api/chat/history/{sessionID}", s.handleHistory)
	r.Get("/api/chat/conversations", s.handleConversations)
	r.Post("/api/chat/conversations", s.handleCreateConversation)
	r.Get("/api/chat/ws", s.handleWS)
	return r
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	baseURL := s.baseURL
	s.mu.Unlock()
	writeJSON(w, map[string]string{"wsUrl": baseURL})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	s.mu.Lock()
	history := make([]domain.Message, len(s.histories[sessionID]))
	copy(history, s.histories[sessionID])
	s.mu.Unlock()

	messages := make([]map[string]string, 0, len(history))
	for _, m := range history {
		messages = append(messages, map[string]string{
			"id":         m.ID,
			"role":       string(m.Role),
			"content":    m.Content,
			"created_at": m.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, map[string]any{"session_id": sessionID, "messages": messages})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	entries := make([]map[string]any, 0, len(s.conversations))
	for _, conv := range s.conversations {
		entries = append(entries, map[string]any{
			"id":            conv.ID,
			"session_id":    conv.SessionID,
			"preview":       conv.Preview,
			"message_count": conv.MessageCount,
			"created_at":    conv.CreatedAt.UTC().Format(time.RFC3339),
			"updated_at":    conv.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{"conversations": entries, "total": len(entries)})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, `{"error":"session_id required"}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	conv, created := s.conversations[sessionID], false
	if conv.SessionID == "" {
		now := time.Now()
		conv = domain.ConversationSummary{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.conversations[sessionID] = conv
		created = true
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{"id": conv.ID, "session_id": sessionID, "created": created})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	fingerprint := r.URL.Query().Get("fingerprint")
	if sessionID == "" || fingerprint == "" {
		http.Error(w, `{"error":"session_id and fingerprint required"}`, http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		_ = ws.Close(websocket.StatusNormalClosure, "session ended")
	}()

	ctx := r.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				slog.Debug("WebSocket read error", "session_id", sessionID, "error", err)
			}
			return
		}

		var ev wire.ClientEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.Type != "message" {
			continue
		}

		if err := s.streamReply(ctx, ws, sessionID, ev.Content); err != nil {
			slog.Debug("Streaming reply failed", "session_id", sessionID, "error", err)
			return
		}
	}
}

func (s *Server) streamReply(ctx context.Context, ws *websocket.Conn, sessionID, prompt string) error {
	now := time.Now()

	s.mu.Lock()
	reply := s.reply
	delay := s.tokenDelay
	s.histories[sessionID] = append(s.histories[sessionID], domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleUser,
		Content:   prompt,
		CreatedAt: now,
	})
	s.mu.Unlock()

	tokens := reply(prompt)

	var full strings.Builder
	for _, tok := range tokens {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		full.WriteString(tok)
		if err := writeEvent(ctx, ws, map[string]string{"type": wire.EventToken, "content": tok}); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.histories[sessionID] = append(s.histories[sessionID], domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleAssistant,
		Content:   full.String(),
		CreatedAt: time.Now(),
	})
	s.touchConversationLocked(sessionID, prompt)
	s.mu.Unlock()

	return writeEvent(ctx, ws, map[string]string{"type": wire.EventComplete})
}

// touchConversationLocked updates the summary entry after an exchange.
func (s *Server) touchConversationLocked(sessionID, prompt string) {
	conv, ok := s.conversations[sessionID]
	if !ok {
		conv = domain.ConversationSummary{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			CreatedAt: time.Now(),
		}
	}
	conv.Preview = preview(prompt)
	conv.MessageCount = len(s.histories[sessionID])
	conv.UpdatedAt = time.Now()
	s.conversations[sessionID] = conv
}

func preview(prompt string) string {
	const maxPreview = 80
	if len(prompt) > maxPreview {
		return prompt[:maxPreview]
	}
	return prompt
}

func writeEvent(ctx context.Context, ws *websocket.Conn, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}
