package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/substratehq/substrate/internal/store"
)

// Exit codes of the retry surface.
const (
	ExitOK             = 0
	ExitPartialFailure = 1
	ExitUsage          = 2
	ExitAllFailed      = 4
)

// RetryResult reports the outcome of a retry invocation.
type RetryResult struct {
	SessionID string
	TaskIDs   []string
	// ExitCode is 0 when every retried task completed, 1 when some
	// re-failed, 2 on a usage error, 4 when all re-failed.
	ExitCode int
	Run      *RunResult
}

// Retry resets the named failed or cancelled tasks of a session back to
// pending and, with follow, re-executes the graph and reports per-task
// outcomes.
func (o *Orchestrator) Retry(ctx context.Context, sessionID string, taskIDs []string, follow bool) (*RetryResult, error) {
	res := &RetryResult{SessionID: sessionID, TaskIDs: taskIDs}

	if _, err := o.store.GetSession(ctx, sessionID); err != nil {
		res.ExitCode = ExitUsage
		if errors.Is(err, store.ErrNotFound) {
			return res, fmt.Errorf("session %s not found", sessionID)
		}
		return res, err
	}
	if len(taskIDs) == 0 {
		res.ExitCode = ExitUsage
		return res, fmt.Errorf("no tasks named for retry")
	}

	for _, taskID := range taskIDs {
		task, err := o.store.GetTask(ctx, sessionID, taskID)
		if err != nil {
			res.ExitCode = ExitUsage
			if errors.Is(err, store.ErrNotFound) {
				return res, fmt.Errorf("task %s not found in session %s", taskID, sessionID)
			}
			return res, err
		}
		if task.Status != store.TaskFailed && task.Status != store.TaskCancelled {
			res.ExitCode = ExitUsage
			return res, fmt.Errorf("task %s is %s, only failed or cancelled tasks can be retried",
				taskID, task.Status)
		}
		if task.RetryCount >= task.MaxRetries {
			res.ExitCode = ExitUsage
			return res, fmt.Errorf("task %s has exhausted its retry budget (%d/%d)",
				taskID, task.RetryCount, task.MaxRetries)
		}
	}

	err := o.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, taskID := range taskIDs {
			if err := o.store.ResetTaskForRetry(ctx, tx, sessionID, taskID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		res.ExitCode = ExitUsage
		return res, err
	}
	if err := o.store.UpdateSessionStatus(ctx, sessionID, store.SessionActive); err != nil {
		return res, err
	}

	if !follow {
		res.ExitCode = ExitOK
		return res, nil
	}

	if err := o.engine.LoadSession(ctx, sessionID); err != nil {
		return res, err
	}
	run, err := o.execute(ctx, sessionID)
	res.Run = run
	if err != nil {
		return res, err
	}

	refailed := 0
	for _, taskID := range taskIDs {
		task, err := o.store.GetTask(ctx, sessionID, taskID)
		if err != nil {
			return res, err
		}
		if task.Status != store.TaskCompleted {
			refailed++
		}
	}
	switch {
	case refailed == 0:
		res.ExitCode = ExitOK
	case refailed == len(taskIDs):
		res.ExitCode = ExitAllFailed
	default:
		res.ExitCode = ExitPartialFailure
	}
	return res, nil
}
