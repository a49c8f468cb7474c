package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/g960059/agthub/internal/model"
)

const messageColumns = `id, session_id, seq, local_id, content, created_at`

// AppendMessage assigns the next seq for the session and stores content.
// A repeated non-empty localID returns the stored message with created=false.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, content json.RawMessage, localID string) (model.Message, bool, error) {
	if len(content) == 0 {
		return model.Message{}, false, fmt.Errorf("%w: message content is required", ErrInvalid)
	}
	if !json.Valid(content) {
		return model.Message{}, false, fmt.Errorf("%w: message content is not valid json", ErrInvalid)
	}
	localID = strings.TrimSpace(localID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Message{}, false, fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if localID != "" {
		row := tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE session_id = ? AND local_id = ?`, sessionID, localID)
		existing, err := scanMessage(row)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return model.Message{}, false, err
		}
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT seq FROM sessions WHERE id = ?`, sessionID).Scan(&seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Message{}, false, ErrNotFound
		}
		return model.Message{}, false, fmt.Errorf("read session seq: %w", err)
	}
	seq++

	now := s.now()
	msg := model.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Seq:       seq,
		LocalID:   localID,
		Content:   cloneJSON(content),
		CreatedAt: now,
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(id, session_id, seq, local_id, content, created_at)
VALUES (?, ?, ?, ?, ?, ?)`, msg.ID, sessionID, seq, nullIfEmpty(localID), string(content), ts(now)); err != nil {
		if isUniqueErr(err) {
			return model.Message{}, false, fmt.Errorf("append message seq %d: %w", seq, err)
		}
		return model.Message{}, false, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET seq = ?, updated_at = ? WHERE id = ?`, seq, ts(now), sessionID); err != nil {
		return model.Message{}, false, fmt.Errorf("bump session seq: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Message{}, false, fmt.Errorf("commit append: %w", err)
	}
	return msg, true, nil
}

// ListMessagesAfter returns messages with seq > afterSeq in ascending order.
func (s *Store) ListMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]model.Message, error) {
	if afterSeq < 0 {
		afterSeq = 0
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+messageColumns+` FROM messages
WHERE session_id = ? AND seq > ?
ORDER BY seq ASC
LIMIT ?`, sessionID, afterSeq, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list messages after: %w", err)
	}
	return collectMessages(rows)
}

// ListMessagesBefore pages backwards: the newest limit messages with
// seq < beforeSeq, returned in ascending order. beforeSeq <= 0 means latest.
func (s *Store) ListMessagesBefore(ctx context.Context, sessionID string, beforeSeq int64, limit int) ([]model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE session_id = ?`
	args := []any{sessionID}
	if beforeSeq > 0 {
		query += ` AND seq < ?`
		args = append(args, beforeSeq)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, normalizeLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages before: %w", err)
	}
	out, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

const maxMessagePage = 1000

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 200
	}
	if limit > maxMessagePage {
		return maxMessagePage
	}
	return limit
}

func collectMessages(rows *sql.Rows) ([]model.Message, error) {
	defer rows.Close()
	out := make([]model.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter messages: %w", err)
	}
	return out, nil
}

func scanMessage(scanner interface{ Scan(dest ...any) error }) (model.Message, error) {
	var (
		msg       model.Message
		localID   sql.NullString
		content   string
		createdAt string
	)
	if err := scanner.Scan(&msg.ID, &msg.SessionID, &msg.Seq, &localID, &content, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Message{}, ErrNotFound
		}
		return model.Message{}, fmt.Errorf("scan message: %w", err)
	}
	msg.LocalID = localID.String
	msg.Content = json.RawMessage(content)
	var err error
	if msg.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Message{}, fmt.Errorf("parse created_at: %w", err)
	}
	return msg, nil
}
