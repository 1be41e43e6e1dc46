// Package recovery re-queues work orphaned by a crashed run.
package recovery

import (
	"context"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/substratehq/substrate/internal/common/logger"
	"github.com/substratehq/substrate/internal/store"
)

// recoveryError is recorded on tasks whose retry budget was already spent.
const recoveryError = "task was running when the orchestrator crashed; retry budget exhausted"

// Report counts the outcome of one recovery pass.
type Report struct {
	Recovered int
	Failed    int
}

// Recoverer inspects interrupted sessions and resets their orphaned tasks.
type Recoverer struct {
	store  *store.Store
	logger *logger.Logger
}

// NewRecoverer creates a recoverer over the store.
func NewRecoverer(st *store.Store, log *logger.Logger) *Recoverer {
	if log == nil {
		log = logger.Default()
	}
	return &Recoverer{
		store:  st,
		logger: log.WithFields(zap.String("component", "recovery")),
	}
}

// FindInterruptedSession returns the most recent interrupted session, or
// store.ErrNotFound.
func (r *Recoverer) FindInterruptedSession(ctx context.Context) (*store.Session, error) {
	return r.store.FindInterruptedSession(ctx)
}

// Recover resets every running task of the session: back to pending with
// an incremented retry count while budget remains, failed otherwise. One
// transaction; idempotent, since a second pass finds no running tasks.
//
// Recovery intentionally writes no execution-log entries; the log keeps
// only what was recorded before the crash.
func (r *Recoverer) Recover(ctx context.Context, sessionID string) (*Report, error) {
	running, err := r.store.ListTasksByStatus(ctx, sessionID, store.TaskRunning)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	err = r.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, task := range running {
			if task.RetryCount < task.MaxRetries {
				if err := r.store.ResetTaskForRetry(ctx, tx, sessionID, task.ID); err != nil {
					return err
				}
				report.Recovered++
				continue
			}
			if err := r.store.MarkTaskTerminal(ctx, tx, sessionID, task.ID, store.TaskFailed, nil, recoveryError); err != nil {
				return err
			}
			report.Failed++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if report.Recovered > 0 || report.Failed > 0 {
		r.logger.Info("recovered interrupted session",
			zap.String("session_id", sessionID),
			zap.Int("recovered", report.Recovered),
			zap.Int("failed", report.Failed))
	}
	return report, nil
}

// ArchiveSession marks a session abandoned, used when a new graph starts
// while a prior interrupted session exists.
func (r *Recoverer) ArchiveSession(ctx context.Context, sessionID string) error {
	return r.store.UpdateSessionStatus(ctx, sessionID, store.SessionAbandoned)
}
