package store

import (
	"context"
	"fmt"
	"time"
)

// InsertCostEntry appends one billed task step. The database assigns the id.
func (s *Store) InsertCostEntry(ctx context.Context, entry *CostEntry) error {
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO cost_entries (
			session_id, task_id, agent, provider, model, billing_mode,
			tokens_input, tokens_output, cost_usd, savings_usd, recorded_at
		) VALUES (
			:session_id, :task_id, :agent, :provider, :model, :billing_mode,
			:tokens_input, :tokens_output, :cost_usd, :savings_usd, :recorded_at
		)`, entry)
	if err != nil {
		return fmt.Errorf("failed to insert cost entry: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// CostSummary aggregates billed outcomes over some grouping.
type CostSummary struct {
	Key          string  `db:"key"`
	Entries      int64   `db:"entries"`
	TokensInput  int64   `db:"tokens_input"`
	TokensOutput int64   `db:"tokens_output"`
	CostUSD      float64 `db:"cost_usd"`
	SavingsUSD   float64 `db:"savings_usd"`
}

// CostByTask aggregates a session's cost entries per task.
func (s *Store) CostByTask(ctx context.Context, sessionID string) ([]*CostSummary, error) {
	var rows []*CostSummary
	err := s.ro.SelectContext(ctx, &rows, `
		SELECT task_id AS key, COUNT(*) AS entries,
		       SUM(tokens_input) AS tokens_input, SUM(tokens_output) AS tokens_output,
		       SUM(cost_usd) AS cost_usd, SUM(savings_usd) AS savings_usd
		FROM cost_entries
		WHERE session_id = ?
		GROUP BY task_id
		ORDER BY task_id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate cost by task: %w", err)
	}
	return rows, nil
}

// CostByAgent aggregates a session's cost entries per agent. Served by
// idx_cost_entries_session_agent.
func (s *Store) CostByAgent(ctx context.Context, sessionID string) ([]*CostSummary, error) {
	var rows []*CostSummary
	err := s.ro.SelectContext(ctx, &rows, `
		SELECT agent AS key, COUNT(*) AS entries,
		       SUM(tokens_input) AS tokens_input, SUM(tokens_output) AS tokens_output,
		       SUM(cost_usd) AS cost_usd, SUM(savings_usd) AS savings_usd
		FROM cost_entries
		WHERE session_id = ?
		GROUP BY agent
		ORDER BY agent ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate cost by agent: %w", err)
	}
	return rows, nil
}

// SessionCost aggregates all of a session's cost entries.
func (s *Store) SessionCost(ctx context.Context, sessionID string) (*CostSummary, error) {
	var row CostSummary
	err := s.ro.GetContext(ctx, &row, `
		SELECT ? AS key, COUNT(*) AS entries,
		       COALESCE(SUM(tokens_input), 0) AS tokens_input,
		       COALESCE(SUM(tokens_output), 0) AS tokens_output,
		       COALESCE(SUM(cost_usd), 0) AS cost_usd,
		       COALESCE(SUM(savings_usd), 0) AS savings_usd
		FROM cost_entries
		WHERE session_id = ?`, sessionID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate session cost: %w", err)
	}
	return &row, nil
}

// ListCostEntries returns a session's cost entries in recorded order.
func (s *Store) ListCostEntries(ctx context.Context, sessionID string) ([]*CostEntry, error) {
	var entries []*CostEntry
	err := s.ro.SelectContext(ctx, &entries, `
		SELECT * FROM cost_entries
		WHERE session_id = ?
		ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cost entries: %w", err)
	}
	return entries, nil
}
