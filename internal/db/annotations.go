package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/g960059/agthub/internal/model"
)

// SetTodos stores the derived todo list when updatedAt is newer than the
// stored one. It reports whether the row changed.
func (s *Store) SetTodos(ctx context.Context, sessionID string, items json.RawMessage, updatedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET todos = ?, todos_updated_at = ?
WHERE id = ? AND (todos_updated_at IS NULL OR todos_updated_at < ?)`,
		nullableJSON(items), ts(updatedAt), sessionID, ts(updatedAt))
	if err != nil {
		return false, fmt.Errorf("set todos: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// LinkBead associates an external work item with a session. Relinking only
// refreshes linked_at.
func (s *Store) LinkBead(ctx context.Context, sessionID, beadID string) (model.BeadLink, error) {
	beadID = strings.TrimSpace(beadID)
	if beadID == "" {
		return model.BeadLink{}, fmt.Errorf("%w: bead id is required", ErrInvalid)
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO session_beads(session_id, bead_id, linked_at) VALUES (?, ?, ?)
ON CONFLICT(session_id, bead_id) DO UPDATE SET linked_at = excluded.linked_at`,
		sessionID, beadID, ts(now))
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return model.BeadLink{}, ErrNotFound
		}
		return model.BeadLink{}, fmt.Errorf("link bead: %w", err)
	}
	return model.BeadLink{SessionID: sessionID, BeadID: beadID, LinkedAt: now}, nil
}

func (s *Store) ListBeads(ctx context.Context, sessionID string) ([]model.BeadLink, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, bead_id, linked_at FROM session_beads WHERE session_id = ? ORDER BY linked_at ASC, bead_id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list beads: %w", err)
	}
	defer rows.Close()
	out := make([]model.BeadLink, 0)
	for rows.Next() {
		var (
			link     model.BeadLink
			linkedAt string
		)
		if err := rows.Scan(&link.SessionID, &link.BeadID, &linkedAt); err != nil {
			return nil, fmt.Errorf("scan bead: %w", err)
		}
		if link.LinkedAt, err = parseTS(linkedAt); err != nil {
			return nil, fmt.Errorf("parse linked_at: %w", err)
		}
		out = append(out, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter beads: %w", err)
	}
	return out, nil
}

// SaveSnapshot keeps one payload per (session, kind); last write wins.
func (s *Store) SaveSnapshot(ctx context.Context, sessionID, kind string, payload json.RawMessage) (model.Snapshot, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" || len(payload) == 0 {
		return model.Snapshot{}, fmt.Errorf("%w: snapshot kind and payload are required", ErrInvalid)
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO session_snapshots(session_id, kind, payload, saved_at) VALUES (?, ?, ?, ?)
ON CONFLICT(session_id, kind) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at`,
		sessionID, kind, string(payload), ts(now))
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return model.Snapshot{}, ErrNotFound
		}
		return model.Snapshot{}, fmt.Errorf("save snapshot: %w", err)
	}
	return model.Snapshot{SessionID: sessionID, Kind: kind, Payload: cloneJSON(payload), SavedAt: now}, nil
}

func (s *Store) GetSnapshot(ctx context.Context, sessionID, kind string) (model.Snapshot, error) {
	var (
		snap    model.Snapshot
		payload string
		savedAt string
	)
	err := s.db.QueryRowContext(ctx, `SELECT session_id, kind, payload, saved_at FROM session_snapshots WHERE session_id = ? AND kind = ?`, sessionID, kind).
		Scan(&snap.SessionID, &snap.Kind, &payload, &savedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Snapshot{}, ErrNotFound
		}
		return model.Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	snap.Payload = json.RawMessage(payload)
	if snap.SavedAt, err = parseTS(savedAt); err != nil {
		return model.Snapshot{}, fmt.Errorf("parse saved_at: %w", err)
	}
	return snap, nil
}

// AliveRecord is a persisted heartbeat used to seed presence on startup.
type AliveRecord struct {
	Kind     model.PresenceKind
	ID       string
	At       time.Time
	Thinking bool
}

// ListAliveSince returns sessions and machines with a heartbeat at or after since.
func (s *Store) ListAliveSince(ctx context.Context, since time.Time) ([]AliveRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT 'session', id, last_alive_at, thinking FROM sessions WHERE last_alive_at >= ?
UNION ALL
SELECT 'machine', id, last_alive_at, 0 FROM machines WHERE last_alive_at >= ?`, ts(since), ts(since))
	if err != nil {
		return nil, fmt.Errorf("list alive: %w", err)
	}
	defer rows.Close()
	out := make([]AliveRecord, 0)
	for rows.Next() {
		var (
			rec      AliveRecord
			kind     string
			at       string
			thinking int
		)
		if err := rows.Scan(&kind, &rec.ID, &at, &thinking); err != nil {
			return nil, fmt.Errorf("scan alive: %w", err)
		}
		if rec.At, err = parseTS(at); err != nil {
			return nil, fmt.Errorf("parse last_alive_at: %w", err)
		}
		rec.Kind = model.PresenceMachine
		if kind == "session" {
			rec.Kind = model.PresenceSession
		}
		rec.Thinking = thinking == 1
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter alive: %w", err)
	}
	return out, nil
}
