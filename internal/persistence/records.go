package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// timeFormat stores timestamps in a lexicographically sortable form.
const timeFormat = time.RFC3339Nano

// SaveWorkflow inserts or replaces a workflow record.
func (s *SQLiteStore) SaveWorkflow(ctx context.Context, rec WorkflowRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("workflow record has no id")
	}

	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("failed to encode workflow %s: %w", rec.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, data, version, timestamp)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			data = excluded.data,
			version = excluded.version,
			timestamp = excluded.timestamp
	`, rec.ID, string(data), rec.Version, rec.Timestamp.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", rec.ID, err)
	}
	return nil
}

// GetWorkflow retrieves a workflow record by ID.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (WorkflowRecord, error) {
	var rec WorkflowRecord
	var data, ts string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, data, version, timestamp FROM workflows WHERE id = ?
	`, id).Scan(&rec.ID, &data, &rec.Version, &ts)
	if err == sql.ErrNoRows {
		return WorkflowRecord{}, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return WorkflowRecord{}, fmt.Errorf("failed to query workflow %s: %w", id, err)
	}

	if err := decodeRecord(data, ts, &rec.Data, &rec.Timestamp); err != nil {
		return WorkflowRecord{}, fmt.Errorf("workflow %s: %w", id, err)
	}
	return rec, nil
}

// ListWorkflows returns all workflow records ordered by timestamp.
func (s *SQLiteStore) ListWorkflows(ctx context.Context) ([]WorkflowRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, data, version, timestamp FROM workflows ORDER BY timestamp
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer rows.Close()

	var out []WorkflowRecord
	for rows.Next() {
		var rec WorkflowRecord
		var data, ts string
		if err := rows.Scan(&rec.ID, &data, &rec.Version, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		if err := decodeRecord(data, ts, &rec.Data, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("workflow %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveResult appends a task result record.
func (s *SQLiteStore) SaveResult(ctx context.Context, rec ResultRecord) error {
	if rec.TaskID == "" {
		return fmt.Errorf("result record has no task id")
	}

	result, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("failed to encode result for task %s: %w", rec.TaskID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO results (worker_id, task_id, result, timestamp)
		VALUES (?, ?, ?, ?)
	`, rec.WorkerID, rec.TaskID, string(result), rec.Timestamp.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to save result for task %s: %w", rec.TaskID, err)
	}
	return nil
}

// ListResults returns result records, filtered by task ID when non-empty,
// ordered by timestamp.
func (s *SQLiteStore) ListResults(ctx context.Context, taskID string) ([]ResultRecord, error) {
	query := `SELECT worker_id, task_id, result, timestamp FROM results ORDER BY timestamp`
	args := []any{}
	if taskID != "" {
		query = `SELECT worker_id, task_id, result, timestamp FROM results WHERE task_id = ? ORDER BY timestamp`
		args = append(args, taskID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var out []ResultRecord
	for rows.Next() {
		var rec ResultRecord
		var result, ts string
		if err := rows.Scan(&rec.WorkerID, &rec.TaskID, &result, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if err := decodeRecord(result, ts, &rec.Result, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("result for task %s: %w", rec.TaskID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveState inserts or replaces a shared-state record.
func (s *SQLiteStore) SaveState(ctx context.Context, rec StateRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("state record has no id")
	}

	state, err := json.Marshal(rec.State)
	if err != nil {
		return fmt.Errorf("failed to encode state %s: %w", rec.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO states (id, state, version, timestamp)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			version = excluded.version,
			timestamp = excluded.timestamp
	`, rec.ID, string(state), rec.Version, rec.Timestamp.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to save state %s: %w", rec.ID, err)
	}
	return nil
}

// GetState retrieves a shared-state record by key.
func (s *SQLiteStore) GetState(ctx context.Context, id string) (StateRecord, error) {
	var rec StateRecord
	var state, ts string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, state, version, timestamp FROM states WHERE id = ?
	`, id).Scan(&rec.ID, &state, &rec.Version, &ts)
	if err == sql.ErrNoRows {
		return StateRecord{}, fmt.Errorf("state %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return StateRecord{}, fmt.Errorf("failed to query state %s: %w", id, err)
	}

	if err := decodeRecord(state, ts, &rec.State, &rec.Timestamp); err != nil {
		return StateRecord{}, fmt.Errorf("state %s: %w", id, err)
	}
	return rec, nil
}

// ListStates returns all shared-state records ordered by key.
func (s *SQLiteStore) ListStates(ctx context.Context) ([]StateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, state, version, timestamp FROM states ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query states: %w", err)
	}
	defer rows.Close()

	var out []StateRecord
	for rows.Next() {
		var rec StateRecord
		var state, ts string
		if err := rows.Scan(&rec.ID, &state, &rec.Version, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan state: %w", err)
		}
		if err := decodeRecord(state, ts, &rec.State, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("state %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeWorkflows deletes workflow records older than the given duration.
// Returns the number of records deleted.
func (s *SQLiteStore) PurgeWorkflows(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(timeFormat)

	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge workflows: %w", err)
	}
	return res.RowsAffected()
}

// decodeRecord parses the JSON payload and timestamp columns of a record.
func decodeRecord(data, ts string, value *any, when *time.Time) error {
	if data != "" {
		if err := json.Unmarshal([]byte(data), value); err != nil {
			return fmt.Errorf("failed to decode payload: %w", err)
		}
	}
	parsed, err := time.Parse(timeFormat, ts)
	if err != nil {
		return fmt.Errorf("failed to parse timestamp: %w", err)
	}
	*when = parsed
	return nil
}
