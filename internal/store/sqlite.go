package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"docchat/internal/domain"
	"docchat/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		source_json TEXT,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Messages retrieves the cached timeline snapshot for a session in
// insertion order.
func (s *SQLiteStore) Messages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	query := `
		SELECT id, role, content, source_json, created_at
		FROM messages WHERE session_id = ? ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var role string
		var sourceJSON sql.NullString
		var createdAt int64

		if err := rows.Scan(&msg.ID, &role, &msg.Content, &sourceJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		msg.Role = domain.Role(role)
		msg.CreatedAt = time.Unix(0, createdAt)

		if sourceJSON.Valid && sourceJSON.String != "" {
			var info domain.SourceInfo
			if err := json.Unmarshal([]byte(sourceJSON.String), &info); err != nil {
				// A corrupt source blob degrades to no source info.
				slog.Warn("discarding corrupt source info", "session_id", sessionID, "message_id", msg.ID)
			} else {
				msg.SourceInfo = &info
			}
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}

// ReplaceMessages atomically replaces the cached snapshot for a session.
// Retries on SQLite concurrency errors with exponential backoff.
func (s *SQLiteStore) ReplaceMessages(ctx context.Context, sessionID string, messages []domain.Message) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		lastErr = s.replaceMessagesOnce(ctx, sessionID, messages)
		if lastErr == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(lastErr) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("ReplaceMessages hit SQLITE_BUSY, retrying",
				"session_id", sessionID,
				"attempt", i+1,
				"delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		break
	}

	return fmt.Errorf("replace messages for %s: %w", sessionID, lastErr)
}

func (s *SQLiteStore) replaceMessagesOnce(ctx context.Context, sessionID string, messages []domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}

	insert := `
		INSERT INTO messages (session_id, seq, id, role, content, source_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	for seq, msg := range messages {
		var sourceJSON interface{}
		if msg.SourceInfo != nil {
			data, err := json.Marshal(msg.SourceInfo)
			if err != nil {
				return fmt.Errorf("marshal source info: %w", err)
			}
			sourceJSON = string(data)
		}

		_, err := tx.ExecContext(ctx, insert,
			sessionID, seq, msg.ID, string(msg.Role), msg.Content,
			sourceJSON, msg.CreatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// DeleteMessages removes the cached snapshot for a session.
func (s *SQLiteStore) DeleteMessages(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

// GetSetting retrieves a persisted setting value, or "" if unset.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key)

	var value string
	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("scan setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting persists a setting value.
func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, key, value, time.Now().Unix()); err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
