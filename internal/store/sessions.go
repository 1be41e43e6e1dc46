package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// CreateSession persists a new session row. It takes a Querier so the
// insert can share the graph-load transaction; the writer pool holds a
// single connection, so running it on the pool while a transaction is
// open would wait on that transaction forever.
func (s *Store) CreateSession(ctx context.Context, q Querier, session *Session) error {
	_, err := sqlx.NamedExecContext(ctx, q, `
		INSERT INTO sessions (id, graph_file, status, created_at, updated_at)
		VALUES (:id, :graph_file, :status, :created_at, :updated_at)`,
		session)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession returns the session with the given id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var session Session
	err := s.db.GetContext(ctx, &session,
		`SELECT * FROM sessions WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

// UpdateSessionStatus transitions a session to the given status.
func (s *Store) UpdateSessionStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindInterruptedSession returns the most recent session that needs
// recovery, or ErrNotFound. A graceful shutdown leaves the session
// 'interrupted'; an abrupt crash leaves it 'active' with orphaned
// running tasks, and both must be found on restart.
func (s *Store) FindInterruptedSession(ctx context.Context) (*Session, error) {
	var session Session
	err := s.db.GetContext(ctx, &session, `
		SELECT * FROM sessions
		WHERE status = ?
		   OR (status = ? AND EXISTS (
			SELECT 1 FROM tasks
			WHERE tasks.session_id = sessions.id AND tasks.status = ?))
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, SessionInterrupted, SessionActive, TaskRunning)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find interrupted session: %w", err)
	}
	return &session, nil
}

// ListSessionsByStatus returns sessions in the given status, newest first.
func (s *Store) ListSessionsByStatus(ctx context.Context, status string) ([]*Session, error) {
	var sessions []*Session
	err := s.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE status = ?
		ORDER BY created_at DESC, id DESC`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}
