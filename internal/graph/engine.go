// Package graph loads task graphs and owns the per-task state machine.
package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/substratehq/substrate/internal/common/logger"
	"github.com/substratehq/substrate/internal/events"
	"github.com/substratehq/substrate/internal/store"
)

// Run-level states, observable as orchestrator:state_change.
const (
	StateIdle       = "idle"
	StateLoading    = "loading"
	StateExecuting  = "executing"
	StateCompleting = "completing"
)

// Engine drives one session's task graph. Task state lives durably in the
// store; the engine's maps are a cache rebuilt from the database on load.
//
// Events are published after the engine mutex is released, so handlers may
// call back into the engine's read surface.
type Engine struct {
	store  *store.Store
	bus    *events.Bus
	logger *logger.Logger

	mu          sync.Mutex
	sessionID   string
	order       []string
	tasks       map[string]*store.Task
	deps        map[string][]string
	state       string
	concurrency int
	paused      bool
	drained     bool
}

// NewEngine creates an idle engine.
func NewEngine(st *store.Store, bus *events.Bus, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		store:  st,
		bus:    bus,
		logger: log.WithFields(zap.String("component", "graph-engine")),
		tasks:  make(map[string]*store.Task),
		deps:   make(map[string][]string),
		state:  StateIdle,
	}
}

// LoadGraph parses a graph file and persists a new session. Returns the
// session id.
func (e *Engine) LoadGraph(ctx context.Context, path string) (string, error) {
	doc, err := ParseDocumentFile(path)
	if err != nil {
		return "", err
	}
	return e.load(ctx, path, doc)
}

// LoadGraphFromString parses an in-memory graph document and persists a
// new session.
func (e *Engine) LoadGraphFromString(ctx context.Context, text string) (string, error) {
	doc, err := ParseDocument([]byte(text))
	if err != nil {
		return "", err
	}
	return e.load(ctx, doc.Session.Name, doc)
}

func (e *Engine) load(ctx context.Context, graphFile string, doc *Document) (string, error) {
	e.mu.Lock()

	if e.state != StateIdle {
		e.mu.Unlock()
		return "", fmt.Errorf("cannot load graph in state %s", e.state)
	}
	// Minted before the first state change so every event of this load,
	// the Idle->Loading transition included, carries the session id.
	sessionID := uuid.NewString()
	var out []events.Payload
	e.setStateLocked(sessionID, StateLoading, &out)

	now := time.Now().UTC()
	session := &store.Session{
		ID:        sessionID,
		GraphFile: graphFile,
		Status:    store.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := e.store.CreateSession(ctx, tx, session); err != nil {
			return err
		}
		for i, spec := range doc.Tasks {
			task := &store.Task{
				ID:         spec.ID,
				SessionID:  sessionID,
				Name:       spec.Name,
				Prompt:     spec.Prompt,
				TaskType:   spec.Type,
				Status:     store.TaskPending,
				Agent:      spec.Agent,
				MaxRetries: spec.MaxRetriesOrDefault(),
				Position:   i,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := e.store.CreateTask(ctx, tx, task, spec.DependsOn); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.setStateLocked(sessionID, StateIdle, &out)
		e.mu.Unlock()
		e.publish(out)
		return "", err
	}

	e.sessionID = sessionID
	e.order = e.order[:0]
	e.tasks = make(map[string]*store.Task, len(doc.Tasks))
	e.deps = make(map[string][]string, len(doc.Tasks))
	for i, spec := range doc.Tasks {
		e.order = append(e.order, spec.ID)
		e.tasks[spec.ID] = &store.Task{
			ID:         spec.ID,
			SessionID:  sessionID,
			Name:       spec.Name,
			Prompt:     spec.Prompt,
			TaskType:   spec.Type,
			Status:     store.TaskPending,
			Agent:      spec.Agent,
			MaxRetries: spec.MaxRetriesOrDefault(),
			Position:   i,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		e.deps[spec.ID] = append([]string{}, spec.DependsOn...)
	}
	e.paused = false
	e.drained = false
	e.mu.Unlock()

	e.publish(out)
	e.logger.Info("graph loaded",
		zap.String("session_id", sessionID),
		zap.Int("tasks", len(doc.Tasks)))
	return sessionID, nil
}

// LoadSession rebuilds the engine cache from a persisted session, used
// after crash recovery.
func (e *Engine) LoadSession(ctx context.Context, sessionID string) error {
	tasks, err := e.store.ListTasks(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return fmt.Errorf("session %s has no tasks", sessionID)
	}
	edges, err := e.store.ListDependencies(ctx, sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return fmt.Errorf("cannot load session in state %s", e.state)
	}
	var out []events.Payload
	e.setStateLocked(sessionID, StateLoading, &out)

	e.sessionID = sessionID
	e.order = e.order[:0]
	e.tasks = make(map[string]*store.Task, len(tasks))
	e.deps = make(map[string][]string, len(tasks))
	for _, t := range tasks {
		e.order = append(e.order, t.ID)
		e.tasks[t.ID] = t
	}
	for _, edge := range edges {
		e.deps[edge.TaskID] = append(e.deps[edge.TaskID], edge.DependsOnID)
	}
	e.paused = false
	e.drained = false
	e.mu.Unlock()

	e.publish(out)
	return nil
}

// StartExecution promotes every independent task to ready and moves the
// engine into the executing state.
func (e *Engine) StartExecution(ctx context.Context, sessionID string, concurrency int) error {
	e.mu.Lock()

	if e.sessionID == "" {
		e.mu.Unlock()
		return ErrNoSession
	}
	if sessionID != e.sessionID {
		e.mu.Unlock()
		return fmt.Errorf("unknown session %s", sessionID)
	}
	if e.state == StateExecuting {
		e.mu.Unlock()
		return ErrAlreadyExecuting
	}
	if concurrency < 1 {
		concurrency = 1
	}
	e.concurrency = concurrency

	var out []events.Payload
	e.setStateLocked(sessionID, StateExecuting, &out)

	err := e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return e.promoteLocked(ctx, tx, &out)
	})
	if err != nil {
		e.mu.Unlock()
		e.publish(out)
		return err
	}
	e.maybeCompleteLocked(ctx, &out)
	e.mu.Unlock()

	e.publish(out)
	return nil
}

// Concurrency returns the cap passed to StartExecution.
func (e *Engine) Concurrency() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.concurrency
}

// SessionID returns the loaded session's id, empty when idle.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// State returns the current run state.
func (e *Engine) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Pause stops readiness promotion. Running tasks are unaffected.
func (e *Engine) Pause(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused || e.sessionID == "" {
		return nil
	}
	e.paused = true
	if err := e.store.UpdateSessionStatus(ctx, e.sessionID, store.SessionPaused); err != nil {
		return err
	}
	e.logger.Info("execution paused", zap.String("session_id", e.sessionID))
	return nil
}

// Resume re-enables promotion and immediately sweeps for ready tasks.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	if !e.paused {
		e.mu.Unlock()
		return nil
	}
	e.paused = false
	if err := e.store.UpdateSessionStatus(ctx, e.sessionID, store.SessionActive); err != nil {
		e.paused = true
		e.mu.Unlock()
		return err
	}

	var out []events.Payload
	err := e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return e.promoteLocked(ctx, tx, &out)
	})
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.maybeCompleteLocked(ctx, &out)
	e.mu.Unlock()

	e.logger.Info("execution resumed", zap.String("session_id", e.sessionID))
	e.publish(out)
	return nil
}

// MarkTaskRunning transitions ready -> running and records the worker.
func (e *Engine) MarkTaskRunning(ctx context.Context, taskID, workerID string) error {
	e.mu.Lock()

	task, err := e.taskLocked(taskID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if task.Status != store.TaskReady {
		err := &IllegalTransitionError{TaskID: taskID, From: task.Status, To: store.TaskRunning}
		e.mu.Unlock()
		return err
	}

	if err := e.store.MarkTaskRunning(ctx, e.store.DB(), e.sessionID, taskID, workerID); err != nil {
		e.mu.Unlock()
		return err
	}
	old := task.Status
	task.Status = store.TaskRunning
	task.WorkerID = &workerID

	out := []events.Payload{
		events.TaskStarted{
			SessionID: e.sessionID,
			TaskID:    taskID,
			WorkerID:  workerID,
			Agent:     task.Agent,
		},
		events.TaskStatusChange{
			SessionID: e.sessionID,
			TaskID:    taskID,
			OldStatus: old,
			NewStatus: store.TaskRunning,
			Agent:     task.Agent,
		},
	}
	e.mu.Unlock()

	e.publish(out)
	return nil
}

// MarkTaskComplete transitions running -> completed and promotes
// successors whose dependencies are now all completed, in the same
// transaction as the terminal write.
func (e *Engine) MarkTaskComplete(ctx context.Context, taskID string, exitCode int, tokensUsed int64) error {
	return e.markTerminal(ctx, taskID, store.TaskCompleted, &exitCode, "", tokensUsed)
}

// MarkTaskFailed transitions running -> failed. The tokens consumed
// before the failure still flow to the cost tracker.
func (e *Engine) MarkTaskFailed(ctx context.Context, taskID string, exitCode int, errText string, tokensUsed int64) error {
	return e.markTerminal(ctx, taskID, store.TaskFailed, &exitCode, errText, tokensUsed)
}

// MarkTaskCancelled transitions ready or running -> cancelled.
func (e *Engine) MarkTaskCancelled(ctx context.Context, taskID, reason string) error {
	return e.markTerminal(ctx, taskID, store.TaskCancelled, nil, reason, 0)
}

func (e *Engine) markTerminal(ctx context.Context, taskID, status string, exitCode *int, errText string, tokensUsed int64) error {
	e.mu.Lock()

	task, err := e.taskLocked(taskID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	legal := task.Status == store.TaskRunning ||
		(status == store.TaskCancelled && task.Status == store.TaskReady)
	if !legal {
		err := &IllegalTransitionError{TaskID: taskID, From: task.Status, To: status}
		e.mu.Unlock()
		return err
	}
	old := task.Status
	oldWorker := task.WorkerID
	oldExit := task.ExitCode
	oldErr := task.Error

	var out []events.Payload
	switch status {
	case store.TaskCompleted:
		out = append(out, events.TaskComplete{
			SessionID:  e.sessionID,
			TaskID:     taskID,
			Agent:      task.Agent,
			ExitCode:   derefExit(exitCode),
			TokensUsed: tokensUsed,
		})
	case store.TaskFailed:
		out = append(out, events.TaskFailed{
			SessionID:  e.sessionID,
			TaskID:     taskID,
			Agent:      task.Agent,
			ExitCode:   derefExit(exitCode),
			Error:      errText,
			TokensUsed: tokensUsed,
		})
	case store.TaskCancelled:
		out = append(out, events.TaskCancelled{
			SessionID: e.sessionID,
			TaskID:    taskID,
			Reason:    errText,
		})
	}
	out = append(out, events.TaskStatusChange{
		SessionID: e.sessionID,
		TaskID:    taskID,
		OldStatus: old,
		NewStatus: status,
		Agent:     task.Agent,
	})

	err = e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := e.store.MarkTaskTerminal(ctx, tx, e.sessionID, taskID, status, exitCode, errText); err != nil {
			return err
		}
		task.Status = status
		task.WorkerID = nil
		task.ExitCode = exitCode
		task.Error = errText
		return e.promoteLocked(ctx, tx, &out)
	})
	if err != nil {
		// Keep the cache consistent with the rolled-back transaction.
		task.Status = old
		task.WorkerID = oldWorker
		task.ExitCode = oldExit
		task.Error = oldErr
		e.mu.Unlock()
		return err
	}
	e.maybeCompleteLocked(ctx, &out)
	e.mu.Unlock()

	e.publish(out)
	return nil
}

// CancelAll cancels every ready and running task.
func (e *Engine) CancelAll(ctx context.Context, reason string) error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.order))
	for _, id := range e.order {
		t := e.tasks[id]
		if t.Status == store.TaskReady || t.Status == store.TaskRunning {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.MarkTaskCancelled(ctx, id, reason); err != nil {
			return err
		}
	}
	return nil
}

// ReadyTasks returns tasks in the ready status, in insertion order.
func (e *Engine) ReadyTasks() []*store.Task {
	return e.TasksByStatus(store.TaskReady)
}

// Task returns a copy of one task.
func (e *Engine) Task(taskID string) (*store.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, err := e.taskLocked(taskID)
	if err != nil {
		return nil, err
	}
	cp := *task
	return &cp, nil
}

// AllTasks returns copies of every task, in insertion order.
func (e *Engine) AllTasks() []*store.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*store.Task, 0, len(e.order))
	for _, id := range e.order {
		cp := *e.tasks[id]
		out = append(out, &cp)
	}
	return out
}

// TasksByStatus returns copies of the tasks in the given status, in
// insertion order.
func (e *Engine) TasksByStatus(status string) []*store.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*store.Task
	for _, id := range e.order {
		if t := e.tasks[id]; t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

func (e *Engine) taskLocked(taskID string) (*store.Task, error) {
	task, ok := e.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task, nil
}

// promoteLocked scans pending tasks in insertion order and promotes those
// whose dependencies are all completed, inside the caller's transaction.
// Promotion events are appended to out for publication after unlock.
func (e *Engine) promoteLocked(ctx context.Context, tx *sqlx.Tx, out *[]events.Payload) error {
	if e.paused {
		return nil
	}
	for _, id := range e.order {
		task := e.tasks[id]
		if task.Status != store.TaskPending {
			continue
		}
		if !e.depsCompletedLocked(id) {
			continue
		}
		if err := e.store.UpdateTaskStatus(ctx, tx, e.sessionID, id, store.TaskReady); err != nil {
			return err
		}
		task.Status = store.TaskReady
		*out = append(*out,
			events.TaskReady{SessionID: e.sessionID, TaskID: id},
			events.TaskStatusChange{
				SessionID: e.sessionID,
				TaskID:    id,
				OldStatus: store.TaskPending,
				NewStatus: store.TaskReady,
				Agent:     task.Agent,
			})
	}
	return nil
}

func (e *Engine) depsCompletedLocked(taskID string) bool {
	for _, dep := range e.deps[taskID] {
		if t, ok := e.tasks[dep]; !ok || t.Status != store.TaskCompleted {
			return false
		}
	}
	return true
}

// maybeCompleteLocked drains the run when nothing is ready or running.
// Blocked pending tasks (a failed dependency) do not keep the run alive.
func (e *Engine) maybeCompleteLocked(ctx context.Context, out *[]events.Payload) {
	if e.state != StateExecuting || e.paused || e.drained {
		return
	}
	var completed, failed, cancelled int
	for _, id := range e.order {
		switch e.tasks[id].Status {
		case store.TaskReady, store.TaskRunning:
			return
		case store.TaskCompleted:
			completed++
		case store.TaskFailed:
			failed++
		case store.TaskCancelled:
			cancelled++
		}
	}
	e.drained = true
	e.setStateLocked(e.sessionID, StateCompleting, out)

	if err := e.store.UpdateSessionStatus(ctx, e.sessionID, store.SessionCompleted); err != nil {
		e.logger.Error("failed to complete session",
			zap.String("session_id", e.sessionID),
			zap.Error(err))
	}

	*out = append(*out, events.GraphComplete{
		SessionID:      e.sessionID,
		TotalTasks:     len(e.order),
		CompletedTasks: completed,
		FailedTasks:    failed,
		CancelledTasks: cancelled,
	})
	e.logger.Info("graph complete",
		zap.String("session_id", e.sessionID),
		zap.Int("completed", completed),
		zap.Int("failed", failed),
		zap.Int("cancelled", cancelled))

	e.setStateLocked(e.sessionID, StateIdle, out)
}

func (e *Engine) setStateLocked(sessionID, state string, out *[]events.Payload) {
	if e.state == state {
		return
	}
	old := e.state
	e.state = state
	*out = append(*out, events.OrchestratorStateChange{
		SessionID: sessionID,
		OldState:  old,
		NewState:  state,
	})
}

func (e *Engine) publish(payloads []events.Payload) {
	for _, p := range payloads {
		e.bus.Publish(p)
	}
}

func derefExit(code *int) int {
	if code == nil {
		return 0
	}
	return *code
}
