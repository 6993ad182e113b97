package store

import (
	"context"
	"fmt"
	"time"

	"github.com/companionkit/companiond/internal/consts"
	"github.com/google/uuid"
)

// CreateMessageParams carries the optional columns of a message.
type CreateMessageParams struct {
	SessionID  string
	Role       string
	Content    string
	RawContent string // generated text before tag cleanup, empty for user turns
	AudioURL   string
}

// CreateMessage appends a message to a session. It refreshes the session's
// updated_at timestamp and, for the first user message of a title-less
// session, derives the session title from the leading characters of the
// content.
func (s *Store) CreateMessage(ctx context.Context, params CreateMessageParams) (*Message, error) {
	msg := &Message{
		ID:        uuid.NewString(),
		SessionID: params.SessionID,
		Role:      params.Role,
		Content:   params.Content,
		CreatedAt: time.Now().UTC(),
	}
	if params.RawContent != "" {
		msg.RawContent = &params.RawContent
	}
	if params.AudioURL != "" {
		msg.AudioURL = &params.AudioURL
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, raw_content, audio_url, created_at)
		SELECT ?, id, ?, ?, ?, ?, ? FROM sessions WHERE id = ?`,
		msg.ID, msg.Role, msg.Content, msg.RawContent, msg.AudioURL, msg.CreatedAt,
		msg.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`,
		msg.CreatedAt, msg.SessionID); err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}

	if msg.Role == "user" {
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET title = ? WHERE id = ? AND title IS NULL`,
			deriveTitle(msg.Content), msg.SessionID); err != nil {
			return nil, fmt.Errorf("failed to derive title: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	return msg, nil
}

// GetRecentMessages returns the most recent count messages of a session in
// chronological (oldest-first) order.
func (s *Store) GetRecentMessages(ctx context.Context, sessionID string, count int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, raw_content, audio_url, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, sessionID, count)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent messages: %w", err)
	}
	defer rows.Close()

	messages, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	// Query returns newest-first; callers want oldest-first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// GetMessages returns a session's messages in chronological order. A
// non-positive limit returns all of them.
func (s *Store) GetMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, raw_content, audio_url, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// CountMessages returns the number of messages in a session.
func (s *Store) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

func collectMessages(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]*Message, error) {
	messages := make([]*Message, 0)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content,
			&msg.RawContent, &msg.AudioURL, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.CreatedAt = msg.CreatedAt.UTC()
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// deriveTitle shortens the first user message into a session title.
func deriveTitle(content string) string {
	runes := []rune(content)
	if len(runes) <= consts.SessionTitleRunes {
		return content
	}
	return string(runes[:consts.SessionTitleRunes]) + "..."
}
