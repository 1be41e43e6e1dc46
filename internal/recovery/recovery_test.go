package recovery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratehq/substrate/internal/common/logger"
	"github.com/substratehq/substrate/internal/store"
)

func newTestRecoverer(t *testing.T) (*Recoverer, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewRecoverer(s, logger.Default()), s
}

func seedSession(t *testing.T, s *store.Store, status string, tasks ...*store.Task) string {
	t.Helper()
	ctx := context.Background()
	sessionID := uuid.NewString()
	now := time.Now().UTC()
	require.NoError(t, s.CreateSession(ctx, s.DB(), &store.Session{
		ID:        sessionID,
		GraphFile: "graph.yaml",
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}))
	require.NoError(t, s.WithTx(ctx, func(tx *sqlx.Tx) error {
		for i, task := range tasks {
			task.SessionID = sessionID
			task.Position = i
			if task.Status == "" {
				task.Status = store.TaskPending
			}
			task.CreatedAt = now
			task.UpdatedAt = now
			if err := s.CreateTask(ctx, tx, task, nil); err != nil {
				return err
			}
		}
		return nil
	}))
	return sessionID
}

func markRunning(t *testing.T, s *store.Store, sessionID string, taskIDs ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, id := range taskIDs {
			if err := s.UpdateTaskStatus(ctx, tx, sessionID, id, store.TaskReady); err != nil {
				return err
			}
			if err := s.MarkTaskRunning(ctx, tx, sessionID, id, "worker-1"); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestRecoverResetsRunningTasksWithBudget(t *testing.T) {
	r, s := newTestRecoverer(t)
	ctx := context.Background()

	sessionID := seedSession(t, s, store.SessionInterrupted,
		&store.Task{ID: "task-a", Name: "A", Prompt: "p", MaxRetries: 2},
		&store.Task{ID: "task-b", Name: "B", Prompt: "p", MaxRetries: 2},
	)
	markRunning(t, s, sessionID, "task-a")

	report, err := r.Recover(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Recovered)
	assert.Equal(t, 0, report.Failed)

	a, err := s.GetTask(ctx, sessionID, "task-a")
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, a.Status)
	assert.Equal(t, 1, a.RetryCount)
	assert.Nil(t, a.WorkerID)

	b, err := s.GetTask(ctx, sessionID, "task-b")
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, b.Status)
	assert.Equal(t, 0, b.RetryCount)
}

func TestRecoverFailsTasksWithExhaustedBudget(t *testing.T) {
	r, s := newTestRecoverer(t)
	ctx := context.Background()

	sessionID := seedSession(t, s, store.SessionInterrupted,
		&store.Task{ID: "task-a", Name: "A", Prompt: "p", MaxRetries: 0},
	)
	markRunning(t, s, sessionID, "task-a")

	report, err := r.Recover(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Recovered)
	assert.Equal(t, 1, report.Failed)

	a, err := s.GetTask(ctx, sessionID, "task-a")
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, a.Status)
	assert.Contains(t, a.Error, "retry budget exhausted")
}

func TestRecoverIsIdempotent(t *testing.T) {
	r, s := newTestRecoverer(t)
	ctx := context.Background()

	sessionID := seedSession(t, s, store.SessionInterrupted,
		&store.Task{ID: "task-a", Name: "A", Prompt: "p", MaxRetries: 2},
	)
	markRunning(t, s, sessionID, "task-a")

	first, err := r.Recover(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Recovered)

	second, err := r.Recover(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Recovered)
	assert.Equal(t, 0, second.Failed)

	a, err := s.GetTask(ctx, sessionID, "task-a")
	require.NoError(t, err)
	assert.Equal(t, 1, a.RetryCount)
}

func TestRecoverLeavesExecutionLogUntouched(t *testing.T) {
	r, s := newTestRecoverer(t)
	ctx := context.Background()

	sessionID := seedSession(t, s, store.SessionInterrupted,
		&store.Task{ID: "task-a", Name: "A", Prompt: "p", MaxRetries: 2},
	)
	markRunning(t, s, sessionID, "task-a")

	taskID := "task-a"
	old, new_ := store.TaskReady, store.TaskRunning
	require.NoError(t, s.AppendLog(ctx, &store.ExecutionLogEntry{
		SessionID: sessionID,
		TaskID:    &taskID,
		Event:     store.LogTaskStatusChange,
		OldStatus: &old,
		NewStatus: &new_,
	}))

	_, err := r.Recover(ctx, sessionID)
	require.NoError(t, err)

	entries, err := s.SessionLog(ctx, sessionID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.TaskRunning, *entries[0].NewStatus)
}

func TestFindInterruptedSession(t *testing.T) {
	r, s := newTestRecoverer(t)
	ctx := context.Background()

	_, err := r.FindInterruptedSession(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)

	seedSession(t, s, store.SessionCompleted)
	wantID := seedSession(t, s, store.SessionInterrupted)

	found, err := r.FindInterruptedSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, wantID, found.ID)
}

func TestFindsCrashedActiveSession(t *testing.T) {
	r, s := newTestRecoverer(t)
	ctx := context.Background()

	// An abrupt kill leaves the session active with a running task.
	sessionID := seedSession(t, s, store.SessionActive,
		&store.Task{ID: "task-a", Name: "A", Prompt: "p", MaxRetries: 2},
	)
	markRunning(t, s, sessionID, "task-a")

	found, err := r.FindInterruptedSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, sessionID, found.ID)

	report, err := r.Recover(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Recovered)

	// With no orphaned tasks left, the active session no longer matches.
	_, err = r.FindInterruptedSession(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestArchiveSession(t *testing.T) {
	r, s := newTestRecoverer(t)
	ctx := context.Background()

	sessionID := seedSession(t, s, store.SessionInterrupted)
	require.NoError(t, r.ArchiveSession(ctx, sessionID))

	sess, err := s.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionAbandoned, sess.Status)

	_, err = r.FindInterruptedSession(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)
}
