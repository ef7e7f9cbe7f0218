// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides ask usage and conversation persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS ask_usage (
			id TEXT PRIMARY KEY,
			module TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			message_id TEXT,
			prompt_chars INTEGER NOT NULL,
			response_chars INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_ask_usage_module
			ON ask_usage(module, created_at);

		CREATE TABLE IF NOT EXISTS conversations (
			module TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			last_message_id TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (module, conversation_id)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_updated
			ON conversations(module, updated_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// RecordAsk inserts one completed ask's accounting record.
func (s *SQLiteStore) RecordAsk(ctx context.Context, usage *AskUsage) error {
	query := `
		INSERT INTO ask_usage (
			id, module, conversation_id, message_id,
			prompt_chars, response_chars, duration_ms, outcome, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		usage.ID,
		usage.Module,
		usage.ConversationID,
		nullString(usage.MessageID),
		usage.PromptChars,
		usage.ResponseChars,
		usage.Duration.Milliseconds(),
		string(usage.Outcome),
		usage.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting ask usage: %w", err)
	}

	s.logger.Debug("recorded ask",
		"id", usage.ID,
		"module", usage.Module,
		"conversation_id", usage.ConversationID,
		"outcome", usage.Outcome,
	)
	return nil
}

// TouchConversation upserts a conversation record.
func (s *SQLiteStore) TouchConversation(ctx context.Context, module, conversationID, lastMessageID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	query := `
		INSERT INTO conversations (module, conversation_id, last_message_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(module, conversation_id) DO UPDATE SET
			last_message_id = excluded.last_message_id,
			updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, module, conversationID, nullString(lastMessageID), now, now); err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	return nil
}

// DeleteConversation removes a conversation record.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, module, conversationID string) error {
	query := `DELETE FROM conversations WHERE module = ? AND conversation_id = ?`
	if _, err := s.db.ExecContext(ctx, query, module, conversationID); err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	return nil
}

// ListConversations returns a module's conversations, most recently updated first.
func (s *SQLiteStore) ListConversations(ctx context.Context, module string) ([]*Conversation, error) {
	query := `
		SELECT module, conversation_id, last_message_id, created_at, updated_at
		FROM conversations
		WHERE module = ?
		ORDER BY updated_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, module)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return convs, nil
}

// UsageSummary aggregates ask records matching the filter.
func (s *SQLiteStore) UsageSummary(ctx context.Context, filter UsageFilter) (*UsageSummary, error) {
	query := `
		SELECT
			COUNT(*) as ask_count,
			COALESCE(SUM(CASE WHEN outcome = 'done' THEN 1 ELSE 0 END), 0) as done_count,
			COALESCE(SUM(CASE WHEN outcome = 'cancelled' THEN 1 ELSE 0 END), 0) as cancelled_count,
			COALESCE(SUM(CASE WHEN outcome = 'error' THEN 1 ELSE 0 END), 0) as error_count,
			COALESCE(SUM(prompt_chars), 0) as total_prompt_chars,
			COALESCE(SUM(response_chars), 0) as total_response_chars,
			COALESCE(SUM(duration_ms), 0) as total_duration_ms
		FROM ask_usage
		WHERE 1=1
	`
	args := []any{}

	if filter.Module != nil {
		query += " AND module = ?"
		args = append(args, *filter.Module)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UTC().Format(time.RFC3339))
	}
	if filter.Until != nil {
		query += " AND created_at < ?"
		args = append(args, filter.Until.UTC().Format(time.RFC3339))
	}

	var summary UsageSummary
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&summary.AskCount,
		&summary.DoneCount,
		&summary.CancelledCount,
		&summary.ErrorCount,
		&summary.TotalPromptChars,
		&summary.TotalResponseChars,
		&summary.TotalDurationMS,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage summary: %w", err)
	}
	return &summary, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanConversation scans a single conversation row.
func scanConversation(rows *sql.Rows) (*Conversation, error) {
	var conv Conversation
	var lastMessageID sql.NullString
	var createdAtStr, updatedAtStr string

	err := rows.Scan(
		&conv.Module,
		&conv.ConversationID,
		&lastMessageID,
		&createdAtStr,
		&updatedAtStr,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning conversation row: %w", err)
	}

	if lastMessageID.Valid {
		conv.LastMessageID = lastMessageID.String
	}
	if conv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &conv, nil
}

// nullString converts an empty string to a NULL value.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Ensure SQLiteStore implements the Store interface.
var _ Store = (*SQLiteStore)(nil)
