package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/agthub/internal/model"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrAccessDenied = errors.New("access denied")
	ErrInvalid      = errors.New("invalid argument")
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// UpdateOptions tunes a compare-and-swap write. TouchUpdatedAt is true for
// every externally reachable call; only internal callers and tests clear it.
type UpdateOptions struct {
	TouchUpdatedAt bool
}

// DefaultUpdate advances updated_at on success.
var DefaultUpdate = UpdateOptions{TouchUpdatedAt: true}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers; every CAS below relies on it.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// SetClock overrides the wall clock used for created_at/updated_at.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

type versionedColumns struct {
	table   string
	value   string
	version string
}

var (
	sessionMetadataCols    = versionedColumns{table: "sessions", value: "metadata", version: "metadata_version"}
	sessionAgentStateCols  = versionedColumns{table: "sessions", value: "agent_state", version: "agent_state_version"}
	machineMetadataCols    = versionedColumns{table: "machines", value: "metadata", version: "metadata_version"}
	machineRunnerStateCols = versionedColumns{table: "machines", value: "runner_state", version: "runner_state_version"}
)

// compareAndSwap writes value only when the stored version equals expected.
// The write and the version check are one UPDATE statement.
func (s *Store) compareAndSwap(ctx context.Context, cols versionedColumns, namespace, id string, value json.RawMessage, expected int64, opts UpdateOptions) (model.UpdateResult, error) {
	now := ts(s.now())
	query := fmt.Sprintf(`
UPDATE %[1]s SET
	%[2]s = ?,
	%[3]s = %[3]s + 1,
	updated_at = CASE WHEN ? THEN ? ELSE updated_at END
WHERE id = ? AND namespace = ? AND %[3]s = ?`, cols.table, cols.value, cols.version)
	res, err := s.db.ExecContext(ctx, query, nullableJSON(value), boolToInt(opts.TouchUpdatedAt), now, id, namespace, expected)
	if err != nil {
		return model.UpdateResult{Status: model.UpdateError}, fmt.Errorf("update %s.%s: %w", cols.table, cols.value, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return model.UpdateResult{Status: model.UpdateError}, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 1 {
		return model.UpdateResult{Status: model.UpdateSuccess, Version: expected + 1, Value: cloneJSON(value)}, nil
	}

	var (
		ownerNS string
		current sql.NullString
		version int64
	)
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT namespace, %s, %s FROM %s WHERE id = ?`, cols.value, cols.version, cols.table), id)
	if err := row.Scan(&ownerNS, &current, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.UpdateResult{Status: model.UpdateError}, ErrNotFound
		}
		return model.UpdateResult{Status: model.UpdateError}, fmt.Errorf("read %s.%s: %w", cols.table, cols.value, err)
	}
	if ownerNS != namespace {
		return model.UpdateResult{Status: model.UpdateError}, ErrAccessDenied
	}
	return model.UpdateResult{Status: model.UpdateVersionMismatch, Version: version, Value: rawJSON(current)}, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableJSON(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func rawJSON(v sql.NullString) json.RawMessage {
	if !v.Valid || v.String == "" {
		return nil
	}
	return json.RawMessage(v.String)
}

func cloneJSON(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out
}

// tsLayout is fixed width so stored timestamps compare lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullableTS(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTS(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg,
		"UNIQUE constraint failed",
		"constraint failed: UNIQUE",
	)
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}
