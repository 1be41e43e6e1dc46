package store

import (
	"context"
	"fmt"
	"time"
)

// EnqueueSignal appends a pause/resume directive for a session.
func (s *Store) EnqueueSignal(ctx context.Context, sessionID, signal string) error {
	if signal != SignalPause && signal != SignalResume {
		return fmt.Errorf("unknown session signal %q", signal)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_signals (session_id, signal, created_at)
		VALUES (?, ?, ?)`,
		sessionID, signal, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to enqueue signal: %w", err)
	}
	return nil
}

// DrainSignals returns all unconsumed signals for a session in arrival
// order and marks them consumed.
func (s *Store) DrainSignals(ctx context.Context, sessionID string) ([]*SessionSignal, error) {
	var signals []*SessionSignal
	err := s.db.SelectContext(ctx, &signals, `
		SELECT * FROM session_signals
		WHERE session_id = ? AND consumed_at IS NULL
		ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read signals: %w", err)
	}
	if len(signals) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		UPDATE session_signals SET consumed_at = ?
		WHERE session_id = ? AND consumed_at IS NULL AND id <= ?`,
		now, sessionID, signals[len(signals)-1].ID)
	if err != nil {
		return nil, fmt.Errorf("failed to consume signals: %w", err)
	}

	return signals, nil
}
