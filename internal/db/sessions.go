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

const sessionColumns = `id, namespace, tag, machine_id, metadata, metadata_version, agent_state, agent_state_version,
	sort_order, todos, todos_updated_at, last_alive_at, thinking, permission_mode, model_mode, seq, created_at, updated_at`

type CreateSessionParams struct {
	Namespace  string
	Tag        string
	MachineID  string
	Metadata   json.RawMessage
	AgentState json.RawMessage
}

// GetOrCreateSession inserts a session for (namespace, tag) or returns the
// existing row untouched. created reports whether this call inserted it.
func (s *Store) GetOrCreateSession(ctx context.Context, p CreateSessionParams) (model.Session, bool, error) {
	namespace := strings.TrimSpace(p.Namespace)
	if namespace == "" {
		return model.Session{}, false, fmt.Errorf("%w: namespace is required", ErrInvalid)
	}
	id := uuid.NewString()
	tag := strings.TrimSpace(p.Tag)
	if tag == "" {
		tag = id
	}
	now := ts(s.now())
	res, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(id, namespace, tag, machine_id, metadata, metadata_version, agent_state, agent_state_version, seq, thinking, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 1, ?, 1, 0, 0, ?, ?)
ON CONFLICT(namespace, tag) DO NOTHING
`, id, namespace, tag, nullIfEmpty(strings.TrimSpace(p.MachineID)), nullableJSON(p.Metadata), nullableJSON(p.AgentState), now, now)
	if err != nil {
		return model.Session{}, false, fmt.Errorf("insert session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return model.Session{}, false, fmt.Errorf("rows affected: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE namespace = ? AND tag = ?`, namespace, tag)
	session, err := scanSession(row)
	if err != nil {
		return model.Session{}, false, err
	}
	return session, affected == 1, nil
}

// GetSession loads a session regardless of namespace; callers resolve
// access before exposing it.
func (s *Store) GetSession(ctx context.Context, id string) (model.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *Store) ListSessions(ctx context.Context, namespace string) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE namespace = ? ORDER BY updated_at DESC, id ASC`, namespace)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]model.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter sessions: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateSessionMetadata(ctx context.Context, namespace, id string, value json.RawMessage, expectedVersion int64, opts UpdateOptions) (model.UpdateResult, error) {
	return s.compareAndSwap(ctx, sessionMetadataCols, namespace, id, value, expectedVersion, opts)
}

func (s *Store) UpdateSessionAgentState(ctx context.Context, namespace, id string, value json.RawMessage, expectedVersion int64, opts UpdateOptions) (model.UpdateResult, error) {
	return s.compareAndSwap(ctx, sessionAgentStateCols, namespace, id, value, expectedVersion, opts)
}

// UpdateSortOrder is last-write-wins and leaves updated_at alone.
func (s *Store) UpdateSortOrder(ctx context.Context, namespace, id string, sortOrder *string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET sort_order = ? WHERE id = ? AND namespace = ?`, nullableStr(sortOrder), id, namespace)
	if err != nil {
		return fmt.Errorf("update sort order: %w", err)
	}
	return requireOneRow(res)
}

func (s *Store) SetSessionMachine(ctx context.Context, namespace, id, machineID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET machine_id = ? WHERE id = ? AND namespace = ?`, nullIfEmpty(machineID), id, namespace)
	if err != nil {
		return fmt.Errorf("set session machine: %w", err)
	}
	return requireOneRow(res)
}

// TouchSessionAlive advances last_alive_at; an older timestamp never
// overwrites a newer one.
func (s *Store) TouchSessionAlive(ctx context.Context, id string, at model.AliveSignal) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE sessions SET
	last_alive_at = CASE WHEN last_alive_at IS NULL OR last_alive_at < ? THEN ? ELSE last_alive_at END,
	thinking = CASE WHEN last_alive_at IS NULL OR last_alive_at <= ? THEN ? ELSE thinking END
WHERE id = ?`, ts(at.Time), ts(at.Time), ts(at.Time), boolToInt(at.Thinking), id)
	if err != nil {
		return fmt.Errorf("touch session alive: %w", err)
	}
	return nil
}

// SetSessionModes records the permission and model mode the agent runs
// with. Empty values keep the stored mode. It reports whether anything
// changed.
func (s *Store) SetSessionModes(ctx context.Context, id, permissionMode, modelMode string) (bool, error) {
	permissionMode = strings.TrimSpace(permissionMode)
	modelMode = strings.TrimSpace(modelMode)
	if permissionMode == "" && modelMode == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET
	permission_mode = COALESCE(NULLIF(?, ''), permission_mode),
	model_mode = COALESCE(NULLIF(?, ''), model_mode),
	updated_at = ?
WHERE id = ? AND (
	(? <> '' AND permission_mode IS NOT ?) OR
	(? <> '' AND model_mode IS NOT ?)
)`, permissionMode, modelMode, ts(s.now()), id, permissionMode, permissionMode, modelMode, modelMode)
	if err != nil {
		return false, fmt.Errorf("set session modes: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// ClearSessionAlive marks a session ended unless a newer heartbeat exists.
func (s *Store) ClearSessionAlive(ctx context.Context, id string, at model.AliveSignal) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE sessions SET last_alive_at = NULL, thinking = 0
WHERE id = ? AND (last_alive_at IS NULL OR last_alive_at <= ?)`, id, ts(at.Time))
	if err != nil {
		return fmt.Errorf("clear session alive: %w", err)
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, namespace, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND namespace = ?`, id, namespace)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return requireOneRow(res)
}

func requireOneRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSession(scanner interface{ Scan(dest ...any) error }) (model.Session, error) {
	var (
		session        model.Session
		machineID      sql.NullString
		metadata       sql.NullString
		agentState     sql.NullString
		sortOrder      sql.NullString
		todos          sql.NullString
		todosUpdatedAt sql.NullString
		lastAliveAt    sql.NullString
		thinking       int
		permissionMode sql.NullString
		modelMode      sql.NullString
		createdAt      string
		updatedAt      string
	)
	if err := scanner.Scan(
		&session.ID,
		&session.Namespace,
		&session.Tag,
		&machineID,
		&metadata,
		&session.Metadata.Version,
		&agentState,
		&session.AgentState.Version,
		&sortOrder,
		&todos,
		&todosUpdatedAt,
		&lastAliveAt,
		&thinking,
		&permissionMode,
		&modelMode,
		&session.Seq,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, fmt.Errorf("scan session: %w", err)
	}
	if machineID.Valid {
		v := machineID.String
		session.MachineID = &v
	}
	if sortOrder.Valid {
		v := sortOrder.String
		session.SortOrder = &v
	}
	session.Metadata.Value = rawJSON(metadata)
	session.AgentState.Value = rawJSON(agentState)
	session.Thinking = thinking == 1
	session.PermissionMode = permissionMode.String
	session.ModelMode = modelMode.String

	var err error
	if session.LastAliveAt, err = parseNullableTS(lastAliveAt); err != nil {
		return model.Session{}, fmt.Errorf("parse last_alive_at: %w", err)
	}
	if todos.Valid {
		updated, err := parseNullableTS(todosUpdatedAt)
		if err != nil {
			return model.Session{}, fmt.Errorf("parse todos_updated_at: %w", err)
		}
		session.Todos = &model.Todos{Items: rawJSON(todos)}
		if updated != nil {
			session.Todos.UpdatedAt = *updated
		}
	}
	if session.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Session{}, fmt.Errorf("parse created_at: %w", err)
	}
	if session.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.Session{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return session, nil
}
