package execlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratehq/substrate/internal/common/logger"
	"github.com/substratehq/substrate/internal/events"
	"github.com/substratehq/substrate/internal/store"
)

func newTestRecorder(t *testing.T) (*Recorder, *store.Store, *events.Bus) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	bus := events.NewBus(logger.Default())
	rec := NewRecorder(s, bus, logger.Default())
	rec.Start()
	t.Cleanup(rec.Stop)
	return rec, s, bus
}

// seedSession inserts the session row the log entries reference.
func seedSession(t *testing.T, s *store.Store, id string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, s.CreateSession(context.Background(), s.DB(), &store.Session{
		ID:        id,
		GraphFile: "graph.yaml",
		Status:    store.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func TestRecordsTaskStatusChanges(t *testing.T) {
	rec, s, bus := newTestRecorder(t)
	ctx := context.Background()
	seedSession(t, s, "session-1")

	bus.Publish(events.TaskStatusChange{
		SessionID: "session-1",
		TaskID:    "task-a",
		OldStatus: store.TaskPending,
		NewStatus: store.TaskReady,
	})
	bus.Publish(events.TaskStatusChange{
		SessionID: "session-1",
		TaskID:    "task-a",
		OldStatus: store.TaskReady,
		NewStatus: store.TaskRunning,
		Agent:     "claude",
	})

	entries, err := rec.SessionLog(ctx, "session-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	first := entries[0]
	assert.Equal(t, store.LogTaskStatusChange, first.Event)
	require.NotNil(t, first.TaskID)
	assert.Equal(t, "task-a", *first.TaskID)
	assert.Equal(t, store.TaskPending, *first.OldStatus)
	assert.Equal(t, store.TaskReady, *first.NewStatus)
	assert.Nil(t, first.Agent)

	second := entries[1]
	assert.Equal(t, store.TaskRunning, *second.NewStatus)
	require.NotNil(t, second.Agent)
	assert.Equal(t, "claude", *second.Agent)
}

func TestRecordsOrchestratorStateChanges(t *testing.T) {
	rec, s, bus := newTestRecorder(t)
	ctx := context.Background()
	seedSession(t, s, "session-1")

	bus.Publish(events.OrchestratorStateChange{
		SessionID: "session-1",
		OldState:  "idle",
		NewState:  "loading",
	})

	entries, err := rec.ByEvent(ctx, "session-1", store.LogOrchestratorStateChange)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].TaskID)
	assert.Equal(t, "idle", *entries[0].OldStatus)
	assert.Equal(t, "loading", *entries[0].NewStatus)
}

func TestLogPreservesPublishOrder(t *testing.T) {
	rec, s, bus := newTestRecorder(t)
	ctx := context.Background()
	seedSession(t, s, "session-1")

	transitions := [][2]string{
		{store.TaskPending, store.TaskReady},
		{store.TaskReady, store.TaskRunning},
		{store.TaskRunning, store.TaskCompleted},
	}
	for _, tr := range transitions {
		bus.Publish(events.TaskStatusChange{
			SessionID: "session-1",
			TaskID:    "task-a",
			OldStatus: tr[0],
			NewStatus: tr[1],
		})
	}

	entries, err := rec.SessionLog(ctx, "session-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, tr := range transitions {
		assert.Equal(t, tr[1], *entries[i].NewStatus)
	}
}

func TestByTimeRange(t *testing.T) {
	rec, s, bus := newTestRecorder(t)
	ctx := context.Background()
	seedSession(t, s, "session-1")

	// A pre-existing old row is outside the queried window.
	taskID := "task-old"
	old, new_ := store.TaskPending, store.TaskReady
	require.NoError(t, s.AppendLog(ctx, &store.ExecutionLogEntry{
		SessionID: "session-1",
		TaskID:    &taskID,
		Event:     store.LogTaskStatusChange,
		OldStatus: &old,
		NewStatus: &new_,
		Timestamp: time.Now().UTC().Add(-time.Hour),
	}))

	bus.Publish(events.TaskStatusChange{
		SessionID: "session-1",
		TaskID:    "task-a",
		OldStatus: store.TaskPending,
		NewStatus: store.TaskReady,
	})

	entries, err := rec.ByTimeRange(ctx, "session-1",
		time.Now().UTC().Add(-time.Minute), time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "task-a", *entries[0].TaskID)
}

func TestStopDetachesFromBus(t *testing.T) {
	rec, s, bus := newTestRecorder(t)
	ctx := context.Background()
	seedSession(t, s, "session-1")

	rec.Stop()
	bus.Publish(events.TaskStatusChange{
		SessionID: "session-1",
		TaskID:    "task-a",
		OldStatus: store.TaskPending,
		NewStatus: store.TaskReady,
	})

	entries, err := rec.SessionLog(ctx, "session-1", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
