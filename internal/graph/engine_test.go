package graph

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratehq/substrate/internal/common/logger"
	"github.com/substratehq/substrate/internal/events"
	"github.com/substratehq/substrate/internal/store"
)

// recorder captures every published envelope in order.
type recorder struct {
	mu   sync.Mutex
	seen []events.Envelope
}

func record(bus *events.Bus) *recorder {
	r := &recorder{}
	kinds := []string{
		events.TaskReadyKind, events.TaskStartedKind, events.TaskCompleteKind,
		events.TaskFailedKind, events.TaskCancelledKind, events.TaskStatusChangeKind,
		events.GraphCompleteKind, events.OrchestratorStateChangeKind,
	}
	bus.SubscribeAll(kinds, func(env events.Envelope) {
		r.mu.Lock()
		r.seen = append(r.seen, env)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) ofKind(kind string) []events.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Envelope
	for _, env := range r.seen {
		if env.Type == kind {
			out = append(out, env)
		}
	}
	return out
}

// index returns the position of the first matching envelope, or -1.
func (r *recorder) index(match func(events.Envelope) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, env := range r.seen {
		if match(env) {
			return i
		}
	}
	return -1
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, *events.Bus, *recorder) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	bus := events.NewBus(logger.Default())
	rec := record(bus)
	return NewEngine(s, bus, logger.Default()), s, bus, rec
}

const chainGraph = `
version: "1"
session: {name: chain}
tasks:
  task-a: {name: A, prompt: do a}
  task-b: {name: B, prompt: do b, depends_on: [task-a]}
  task-c: {name: C, prompt: do c, depends_on: [task-b]}
`

func TestStartExecutionPromotesIndependentTasks(t *testing.T) {
	e, _, _, rec := newTestEngine(t)
	ctx := context.Background()

	sessionID, err := e.LoadGraphFromString(ctx, `
version: "1"
session: {name: par}
tasks:
  task-a: {name: A, prompt: p}
  task-b: {name: B, prompt: p}
  task-c: {name: C, prompt: p, depends_on: [task-a, task-b]}
`)
	require.NoError(t, err)
	require.NoError(t, e.StartExecution(ctx, sessionID, 2))

	ready := e.ReadyTasks()
	require.Len(t, ready, 2)
	assert.Equal(t, "task-a", ready[0].ID)
	assert.Equal(t, "task-b", ready[1].ID)

	readyEvents := rec.ofKind(events.TaskReadyKind)
	require.Len(t, readyEvents, 2)
	assert.Equal(t, "task-a", readyEvents[0].Payload.(events.TaskReady).TaskID)
	assert.Equal(t, "task-b", readyEvents[1].Payload.(events.TaskReady).TaskID)
	assert.Equal(t, StateExecuting, e.State())
}

func TestChainRunsToCompletion(t *testing.T) {
	e, s, _, rec := newTestEngine(t)
	ctx := context.Background()

	sessionID, err := e.LoadGraphFromString(ctx, chainGraph)
	require.NoError(t, err)
	require.NoError(t, e.StartExecution(ctx, sessionID, 1))

	for _, id := range []string{"task-a", "task-b", "task-c"} {
		require.NoError(t, e.MarkTaskRunning(ctx, id, "worker-1"))
		require.NoError(t, e.MarkTaskComplete(ctx, id, 0, 100))
	}

	// Predecessor terminal precedes successor readiness.
	doneA := rec.index(func(env events.Envelope) bool {
		p, ok := env.Payload.(events.TaskComplete)
		return ok && p.TaskID == "task-a"
	})
	readyB := rec.index(func(env events.Envelope) bool {
		p, ok := env.Payload.(events.TaskReady)
		return ok && p.TaskID == "task-b"
	})
	require.GreaterOrEqual(t, doneA, 0)
	require.GreaterOrEqual(t, readyB, 0)
	assert.Less(t, doneA, readyB)

	completes := rec.ofKind(events.GraphCompleteKind)
	require.Len(t, completes, 1)
	gc := completes[0].Payload.(events.GraphComplete)
	assert.Equal(t, 3, gc.TotalTasks)
	assert.Equal(t, 3, gc.CompletedTasks)
	assert.Equal(t, 0, gc.FailedTasks)

	assert.Equal(t, StateIdle, e.State())

	session, err := s.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionCompleted, session.Status)

	// Run states observed in order.
	var states []string
	for _, env := range rec.ofKind(events.OrchestratorStateChangeKind) {
		states = append(states, env.Payload.(events.OrchestratorStateChange).NewState)
	}
	assert.Equal(t, []string{StateLoading, StateExecuting, StateCompleting, StateIdle}, states)
}

func TestLoadEventsCarrySessionID(t *testing.T) {
	e, _, _, rec := newTestEngine(t)
	ctx := context.Background()

	sessionID, err := e.LoadGraphFromString(ctx, chainGraph)
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	changes := rec.ofKind(events.OrchestratorStateChangeKind)
	require.NotEmpty(t, changes)
	first := changes[0].Payload.(events.OrchestratorStateChange)
	assert.Equal(t, StateIdle, first.OldState)
	assert.Equal(t, StateLoading, first.NewState)
	assert.Equal(t, sessionID, first.SessionID)
}

func TestFailedDependencyBlocksSuccessor(t *testing.T) {
	e, _, _, rec := newTestEngine(t)
	ctx := context.Background()

	sessionID, err := e.LoadGraphFromString(ctx, chainGraph)
	require.NoError(t, err)
	require.NoError(t, e.StartExecution(ctx, sessionID, 1))

	require.NoError(t, e.MarkTaskRunning(ctx, "task-a", "worker-1"))
	require.NoError(t, e.MarkTaskFailed(ctx, "task-a", 2, "boom", 250))

	// task-b must never become ready.
	for _, env := range rec.ofKind(events.TaskReadyKind) {
		assert.NotEqual(t, "task-b", env.Payload.(events.TaskReady).TaskID)
	}
	taskB, err := e.Task("task-b")
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, taskB.Status)

	completes := rec.ofKind(events.GraphCompleteKind)
	require.Len(t, completes, 1)
	gc := completes[0].Payload.(events.GraphComplete)
	assert.Equal(t, 1, gc.FailedTasks)
	assert.Equal(t, 0, gc.CompletedTasks)

	// The failure event still carries the tokens consumed before the
	// failure, so the cost tracker bills them.
	fails := rec.ofKind(events.TaskFailedKind)
	require.Len(t, fails, 1)
	failed := fails[0].Payload.(events.TaskFailed)
	assert.Equal(t, int64(250), failed.TokensUsed)
	assert.Equal(t, "boom", failed.Error)
}

func TestTerminalTxFailureRestoresCache(t *testing.T) {
	e, s, _, _ := newTestEngine(t)
	ctx := context.Background()

	sessionID, err := e.LoadGraphFromString(ctx, chainGraph)
	require.NoError(t, err)
	require.NoError(t, e.StartExecution(ctx, sessionID, 1))
	require.NoError(t, e.MarkTaskRunning(ctx, "task-a", "worker-1"))

	// Remove the successor behind the engine's back so the promotion half
	// of the terminal transaction fails and the whole write rolls back.
	_, err = s.DB().ExecContext(ctx,
		`DELETE FROM task_dependencies WHERE task_id = 'task-b' OR depends_on_id = 'task-b'`)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, `DELETE FROM tasks WHERE id = 'task-b'`)
	require.NoError(t, err)

	require.Error(t, e.MarkTaskComplete(ctx, "task-a", 0, 100))

	a, err := e.Task("task-a")
	require.NoError(t, err)
	assert.Equal(t, store.TaskRunning, a.Status)
	require.NotNil(t, a.WorkerID)
	assert.Equal(t, "worker-1", *a.WorkerID)
	assert.Nil(t, a.ExitCode)
	assert.Empty(t, a.Error)

	persisted, err := s.GetTask(ctx, sessionID, "task-a")
	require.NoError(t, err)
	assert.Equal(t, store.TaskRunning, persisted.Status)
}

func TestIllegalTransitions(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	sessionID, err := e.LoadGraphFromString(ctx, chainGraph)
	require.NoError(t, err)
	require.NoError(t, e.StartExecution(ctx, sessionID, 1))

	// pending -> running is illegal.
	err = e.MarkTaskRunning(ctx, "task-b", "worker-1")
	require.ErrorIs(t, err, ErrIllegalTransition)
	var illegal *IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, store.TaskPending, illegal.From)

	// ready -> completed without running is illegal.
	err = e.MarkTaskComplete(ctx, "task-a", 0, 0)
	require.ErrorIs(t, err, ErrIllegalTransition)

	// Unknown task.
	err = e.MarkTaskRunning(ctx, "ghost", "worker-1")
	require.ErrorIs(t, err, ErrTaskNotFound)

	// Completed is terminal.
	require.NoError(t, e.MarkTaskRunning(ctx, "task-a", "worker-1"))
	require.NoError(t, e.MarkTaskComplete(ctx, "task-a", 0, 0))
	err = e.MarkTaskCancelled(ctx, "task-a", "late")
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestTerminalTransitionsPersist(t *testing.T) {
	e, s, _, _ := newTestEngine(t)
	ctx := context.Background()

	sessionID, err := e.LoadGraphFromString(ctx, chainGraph)
	require.NoError(t, err)
	require.NoError(t, e.StartExecution(ctx, sessionID, 1))
	require.NoError(t, e.MarkTaskRunning(ctx, "task-a", "worker-1"))
	require.NoError(t, e.MarkTaskComplete(ctx, "task-a", 0, 0))

	// The terminal write and the successor promotion share a transaction,
	// so both must be visible in the database.
	a, err := s.GetTask(ctx, sessionID, "task-a")
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, a.Status)
	b, err := s.GetTask(ctx, sessionID, "task-b")
	require.NoError(t, err)
	assert.Equal(t, store.TaskReady, b.Status)
}

func TestPauseStopsPromotion(t *testing.T) {
	e, _, _, rec := newTestEngine(t)
	ctx := context.Background()

	sessionID, err := e.LoadGraphFromString(ctx, chainGraph)
	require.NoError(t, err)
	require.NoError(t, e.StartExecution(ctx, sessionID, 1))
	require.NoError(t, e.MarkTaskRunning(ctx, "task-a", "worker-1"))
	require.NoError(t, e.Pause(ctx))
	require.NoError(t, e.MarkTaskComplete(ctx, "task-a", 0, 0))

	taskB, err := e.Task("task-b")
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, taskB.Status)
	assert.Empty(t, rec.ofKind(events.GraphCompleteKind))

	require.NoError(t, e.Resume(ctx))
	taskB, err = e.Task("task-b")
	require.NoError(t, err)
	assert.Equal(t, store.TaskReady, taskB.Status)
}

func TestCancelAll(t *testing.T) {
	e, _, _, rec := newTestEngine(t)
	ctx := context.Background()

	sessionID, err := e.LoadGraphFromString(ctx, `
version: "1"
session: {name: par}
tasks:
  task-a: {name: A, prompt: p}
  task-b: {name: B, prompt: p}
`)
	require.NoError(t, err)
	require.NoError(t, e.StartExecution(ctx, sessionID, 2))
	require.NoError(t, e.MarkTaskRunning(ctx, "task-a", "worker-1"))

	require.NoError(t, e.CancelAll(ctx, "shutdown"))

	assert.Len(t, e.TasksByStatus(store.TaskCancelled), 2)
	assert.Len(t, rec.ofKind(events.TaskCancelledKind), 2)

	completes := rec.ofKind(events.GraphCompleteKind)
	require.Len(t, completes, 1)
	assert.Equal(t, 2, completes[0].Payload.(events.GraphComplete).CancelledTasks)
}

func TestLoadSessionRebuildsCache(t *testing.T) {
	e, s, bus, _ := newTestEngine(t)
	ctx := context.Background()

	sessionID, err := e.LoadGraphFromString(ctx, chainGraph)
	require.NoError(t, err)
	require.NoError(t, e.StartExecution(ctx, sessionID, 1))
	require.NoError(t, e.MarkTaskRunning(ctx, "task-a", "worker-1"))
	require.NoError(t, e.MarkTaskComplete(ctx, "task-a", 0, 0))

	// A fresh engine over the same store sees the persisted state.
	e2 := NewEngine(s, bus, logger.Default())
	require.NoError(t, e2.LoadSession(ctx, sessionID))

	a, err := e2.Task("task-a")
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, a.Status)
	b, err := e2.Task("task-b")
	require.NoError(t, err)
	assert.Equal(t, store.TaskReady, b.Status)
	assert.Len(t, e2.AllTasks(), 3)
}
