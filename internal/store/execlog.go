package store

import (
	"context"
	"fmt"
	"time"
)

// AppendLog writes one execution-log row. The insertion id breaks
// timestamp ties, so total order is (timestamp asc, id asc).
func (s *Store) AppendLog(ctx context.Context, entry *ExecutionLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO execution_log (session_id, task_id, event, old_status, new_status, agent, data, timestamp)
		VALUES (:session_id, :task_id, :event, :old_status, :new_status, :agent, :data, :timestamp)`,
		entry)
	if err != nil {
		return fmt.Errorf("failed to append execution log: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// SessionLog returns a session's log entries in total order, optionally
// limited to the most recent rows. Served by idx_execution_log_session_ts.
func (s *Store) SessionLog(ctx context.Context, sessionID string, limit int) ([]*ExecutionLogEntry, error) {
	query := `
		SELECT * FROM execution_log
		WHERE session_id = ?
		ORDER BY timestamp ASC, id ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var entries []*ExecutionLogEntry
	if err := s.ro.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("failed to read session log: %w", err)
	}
	return entries, nil
}

// LogByEvent returns a session's entries for one event tag, in total order.
func (s *Store) LogByEvent(ctx context.Context, sessionID, event string) ([]*ExecutionLogEntry, error) {
	var entries []*ExecutionLogEntry
	err := s.ro.SelectContext(ctx, &entries, `
		SELECT * FROM execution_log
		WHERE session_id = ? AND event = ?
		ORDER BY timestamp ASC, id ASC`, sessionID, event)
	if err != nil {
		return nil, fmt.Errorf("failed to read log by event: %w", err)
	}
	return entries, nil
}

// LogByTimeRange returns a session's entries within [from, to], in total order.
func (s *Store) LogByTimeRange(ctx context.Context, sessionID string, from, to time.Time) ([]*ExecutionLogEntry, error) {
	var entries []*ExecutionLogEntry
	err := s.ro.SelectContext(ctx, &entries, `
		SELECT * FROM execution_log
		WHERE session_id = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC, id ASC`, sessionID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to read log by time range: %w", err)
	}
	return entries, nil
}
