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

const machineColumns = `id, namespace, metadata, metadata_version, runner_state, runner_state_version, last_alive_at, created_at, updated_at`

// GetOrCreateMachine inserts the machine or returns the existing row. A
// machine id belongs to the namespace that created it; callers from any
// other namespace get ErrAccessDenied.
func (s *Store) GetOrCreateMachine(ctx context.Context, namespace, id string, metadata, runnerState json.RawMessage) (model.Machine, bool, error) {
	namespace = strings.TrimSpace(namespace)
	id = strings.TrimSpace(id)
	if namespace == "" || id == "" {
		return model.Machine{}, false, fmt.Errorf("%w: namespace and machine id are required", ErrInvalid)
	}
	now := ts(s.now())
	res, err := s.db.ExecContext(ctx, `
INSERT INTO machines(id, namespace, metadata, metadata_version, runner_state, runner_state_version, created_at, updated_at)
VALUES (?, ?, ?, 1, ?, 1, ?, ?)
ON CONFLICT(id) DO NOTHING
`, id, namespace, nullableJSON(metadata), nullableJSON(runnerState), now, now)
	if err != nil {
		return model.Machine{}, false, fmt.Errorf("insert machine: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return model.Machine{}, false, fmt.Errorf("rows affected: %w", err)
	}
	machine, err := s.GetMachine(ctx, id)
	if err != nil {
		return model.Machine{}, false, err
	}
	if machine.Namespace != namespace {
		return model.Machine{}, false, ErrAccessDenied
	}
	return machine, affected == 1, nil
}

func (s *Store) GetMachine(ctx context.Context, id string) (model.Machine, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+machineColumns+` FROM machines WHERE id = ?`, id)
	return scanMachine(row)
}

func (s *Store) ListMachines(ctx context.Context, namespace string) ([]model.Machine, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+machineColumns+` FROM machines WHERE namespace = ? ORDER BY updated_at DESC, id ASC`, namespace)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	defer rows.Close()

	out := make([]model.Machine, 0)
	for rows.Next() {
		machine, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, machine)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter machines: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateMachineMetadata(ctx context.Context, namespace, id string, value json.RawMessage, expectedVersion int64, opts UpdateOptions) (model.UpdateResult, error) {
	return s.compareAndSwap(ctx, machineMetadataCols, namespace, id, value, expectedVersion, opts)
}

func (s *Store) UpdateMachineRunnerState(ctx context.Context, namespace, id string, value json.RawMessage, expectedVersion int64, opts UpdateOptions) (model.UpdateResult, error) {
	return s.compareAndSwap(ctx, machineRunnerStateCols, namespace, id, value, expectedVersion, opts)
}

func (s *Store) TouchMachineAlive(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE machines SET last_alive_at = ?
WHERE id = ? AND (last_alive_at IS NULL OR last_alive_at < ?)`, ts(at), id, ts(at))
	if err != nil {
		return fmt.Errorf("touch machine alive: %w", err)
	}
	return nil
}

func scanMachine(scanner interface{ Scan(dest ...any) error }) (model.Machine, error) {
	var (
		machine     model.Machine
		metadata    sql.NullString
		runnerState sql.NullString
		lastAliveAt sql.NullString
		createdAt   string
		updatedAt   string
	)
	if err := scanner.Scan(
		&machine.ID,
		&machine.Namespace,
		&metadata,
		&machine.Metadata.Version,
		&runnerState,
		&machine.RunnerState.Version,
		&lastAliveAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Machine{}, ErrNotFound
		}
		return model.Machine{}, fmt.Errorf("scan machine: %w", err)
	}
	machine.Metadata.Value = rawJSON(metadata)
	machine.RunnerState.Value = rawJSON(runnerState)
	var err error
	if machine.LastAliveAt, err = parseNullableTS(lastAliveAt); err != nil {
		return model.Machine{}, fmt.Errorf("parse last_alive_at: %w", err)
	}
	if machine.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Machine{}, fmt.Errorf("parse created_at: %w", err)
	}
	if machine.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.Machine{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return machine, nil
}
