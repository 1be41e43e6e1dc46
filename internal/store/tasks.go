package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Querier is satisfied by both *sqlx.DB and *sqlx.Tx, so task mutations
// can run standalone or inside an engine transaction.
type Querier = sqlx.ExtContext

// CreateTask inserts a task and its dependency edges.
func (s *Store) CreateTask(ctx context.Context, q Querier, task *Task, dependsOn []string) error {
	_, err := sqlx.NamedExecContext(ctx, q, `
		INSERT INTO tasks (
			id, session_id, name, prompt, task_type, status, agent,
			retry_count, max_retries, cost_usd, input_tokens, output_tokens,
			error, position, created_at, updated_at
		) VALUES (
			:id, :session_id, :name, :prompt, :task_type, :status, :agent,
			:retry_count, :max_retries, :cost_usd, :input_tokens, :output_tokens,
			:error, :position, :created_at, :updated_at
		)`, task)
	if err != nil {
		return fmt.Errorf("failed to create task %s: %w", task.ID, err)
	}

	for i, dep := range dependsOn {
		_, err := q.ExecContext(ctx, `
			INSERT INTO task_dependencies (session_id, task_id, depends_on_id, position)
			VALUES (?, ?, ?, ?)`,
			task.SessionID, task.ID, dep, i)
		if err != nil {
			return fmt.Errorf("failed to record dependency %s -> %s: %w", task.ID, dep, err)
		}
	}

	return nil
}

// GetTask returns one task by session and id.
func (s *Store) GetTask(ctx context.Context, sessionID, taskID string) (*Task, error) {
	var task Task
	err := s.db.GetContext(ctx, &task,
		`SELECT * FROM tasks WHERE session_id = ? AND id = ?`, sessionID, taskID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

// ListTasks returns all tasks of a session in insertion order.
func (s *Store) ListTasks(ctx context.Context, sessionID string) ([]*Task, error) {
	var tasks []*Task
	err := s.db.SelectContext(ctx, &tasks,
		`SELECT * FROM tasks WHERE session_id = ? ORDER BY position ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// ListTasksByStatus returns a session's tasks in the given status,
// in insertion order. Served by idx_tasks_session_status.
func (s *Store) ListTasksByStatus(ctx context.Context, sessionID, status string) ([]*Task, error) {
	var tasks []*Task
	err := s.db.SelectContext(ctx, &tasks, `
		SELECT * FROM tasks
		WHERE session_id = ? AND status = ?
		ORDER BY position ASC`, sessionID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks by status: %w", err)
	}
	return tasks, nil
}

// ListDependencies returns every dependency edge of a session, ordered by
// task and declaration position.
func (s *Store) ListDependencies(ctx context.Context, sessionID string) ([]*Dependency, error) {
	var deps []*Dependency
	err := s.db.SelectContext(ctx, &deps, `
		SELECT * FROM task_dependencies
		WHERE session_id = ?
		ORDER BY task_id ASC, position ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	return deps, nil
}

// UpdateTaskStatus sets a task's status. The caller is responsible for
// legality of the transition; the graph engine enforces the state machine.
func (s *Store) UpdateTaskStatus(ctx context.Context, q Querier, sessionID, taskID, status string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE session_id = ? AND id = ?`,
		status, time.Now().UTC(), sessionID, taskID)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkTaskRunning sets status running and records the owning worker.
func (s *Store) MarkTaskRunning(ctx context.Context, q Querier, sessionID, taskID, workerID string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE tasks SET status = ?, worker_id = ?, updated_at = ?
		WHERE session_id = ? AND id = ?`,
		TaskRunning, workerID, time.Now().UTC(), sessionID, taskID)
	if err != nil {
		return fmt.Errorf("failed to mark task running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkTaskTerminal sets a terminal status, clears the worker, and records
// the exit code and error text.
func (s *Store) MarkTaskTerminal(ctx context.Context, q Querier, sessionID, taskID, status string, exitCode *int, errText string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE tasks SET status = ?, worker_id = NULL, exit_code = ?, error = ?, updated_at = ?
		WHERE session_id = ? AND id = ?`,
		status, exitCode, errText, time.Now().UTC(), sessionID, taskID)
	if err != nil {
		return fmt.Errorf("failed to mark task terminal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetTaskForRetry puts a task back to pending, increments its retry
// count, and clears the worker. Used by crash recovery and the retry surface.
func (s *Store) ResetTaskForRetry(ctx context.Context, q Querier, sessionID, taskID string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, worker_id = NULL, retry_count = retry_count + 1, error = '', exit_code = NULL, updated_at = ?
		WHERE session_id = ? AND id = ?`,
		TaskPending, time.Now().UTC(), sessionID, taskID)
	if err != nil {
		return fmt.Errorf("failed to reset task for retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTaskWorktree records the provisioned worktree path.
func (s *Store) SetTaskWorktree(ctx context.Context, sessionID, taskID, path string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET worktree_path = ?, updated_at = ?
		WHERE session_id = ? AND id = ?`,
		path, time.Now().UTC(), sessionID, taskID)
	if err != nil {
		return fmt.Errorf("failed to set worktree path: %w", err)
	}
	return nil
}

// SetTaskWorktreeCleaned records the reap time of the task's worktree.
func (s *Store) SetTaskWorktreeCleaned(ctx context.Context, sessionID, taskID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET worktree_cleaned_at = ?, updated_at = ?
		WHERE session_id = ? AND id = ?`,
		now, now, sessionID, taskID)
	if err != nil {
		return fmt.Errorf("failed to set worktree cleaned: %w", err)
	}
	return nil
}

// AddTaskUsage accumulates billed cost and token counts onto a task.
func (s *Store) AddTaskUsage(ctx context.Context, sessionID, taskID string, costUSD float64, inputTokens, outputTokens int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET cost_usd = cost_usd + ?, input_tokens = input_tokens + ?,
		    output_tokens = output_tokens + ?, updated_at = ?
		WHERE session_id = ? AND id = ?`,
		costUSD, inputTokens, outputTokens, time.Now().UTC(), sessionID, taskID)
	if err != nil {
		return fmt.Errorf("failed to add task usage: %w", err)
	}
	return nil
}

// CountTasksByStatus returns the number of a session's tasks in the given status.
func (s *Store) CountTasksByStatus(ctx context.Context, sessionID, status string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM tasks WHERE session_id = ? AND status = ?`, sessionID, status)
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return n, nil
}

// IsTaskRunningAnywhere reports whether any session has the given task id
// in running status. Used by worktree reaping to skip live checkouts.
func (s *Store) IsTaskRunningAnywhere(ctx context.Context, taskID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM tasks WHERE id = ? AND status = ?`, taskID, TaskRunning)
	if err != nil {
		return false, fmt.Errorf("failed to check running task: %w", err)
	}
	return n > 0, nil
}
