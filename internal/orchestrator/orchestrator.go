// Package orchestrator wires the event bus, store, graph engine, router,
// dispatcher, and worktree manager into a runnable session.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/substratehq/substrate/internal/agent"
	"github.com/substratehq/substrate/internal/common/config"
	"github.com/substratehq/substrate/internal/common/logger"
	"github.com/substratehq/substrate/internal/cost"
	"github.com/substratehq/substrate/internal/dispatch"
	"github.com/substratehq/substrate/internal/events"
	"github.com/substratehq/substrate/internal/execlog"
	"github.com/substratehq/substrate/internal/graph"
	"github.com/substratehq/substrate/internal/recovery"
	"github.com/substratehq/substrate/internal/routing"
	"github.com/substratehq/substrate/internal/store"
	"github.com/substratehq/substrate/internal/worktree"
)

// ErrInterrupted is returned by Run when the context is cancelled before
// the graph drains; the session is left resumable.
var ErrInterrupted = errors.New("run interrupted")

// signalPollInterval is how often queued pause/resume directives are drained.
const signalPollInterval = 200 * time.Millisecond

// Options configures a new orchestrator.
type Options struct {
	// ProjectRoot is the git repository the run operates on.
	ProjectRoot string
	// Config supplies all sections; nil loads the default configuration.
	Config *config.Config
	// Logger defaults to the package default.
	Logger *logger.Logger
	// Registry overrides the built-in adapter set; tests use the mock.
	Registry *agent.Registry
	// EventStream, when set, receives every bus envelope as one NDJSON line.
	EventStream io.Writer
	// SkipGitCheck disables worktree provisioning checks; tests without a
	// real repository set it together with a registry whose adapters run
	// outside worktrees.
	SkipGitCheck bool
}

// RunResult summarizes a drained session.
type RunResult struct {
	SessionID string
	Total     int
	Completed int
	Failed    int
	Cancelled int
}

type pendingTask struct {
	decision     *events.TaskRouted
	worktreePath string
	dispatched   bool
}

// Orchestrator composes every component and drives sessions end to end.
type Orchestrator struct {
	cfg         *config.Config
	projectRoot string
	logger      *logger.Logger

	bus        *events.Bus
	store      *store.Store
	registry   *agent.Registry
	router     *routing.Router
	dispatcher *dispatch.Dispatcher
	engine     *graph.Engine
	worktrees  *worktree.Manager
	recorder   *execlog.Recorder
	costs      *cost.Tracker
	recoverer  *recovery.Recoverer
	stream     *streamWriter

	mu           sync.Mutex
	pending      map[string]*pendingTask
	held         []string
	paused       bool
	interrupting bool

	dispatchCh chan string
	schedStop  chan struct{}
	subs       []*events.Subscription
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// New builds and wires an orchestrator. Subscriptions are registered
// before any task can start.
func New(opts Options) (*Orchestrator, error) {
	if opts.ProjectRoot == "" {
		return nil, fmt.Errorf("project root is required")
	}
	cfg := opts.Config
	if cfg == nil {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return nil, err
		}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}

	o := &Orchestrator{
		cfg:         cfg,
		projectRoot: opts.ProjectRoot,
		logger:      log.WithFields(zap.String("component", "orchestrator")),
		pending:     make(map[string]*pendingTask),
		dispatchCh:  make(chan string, 128),
		schedStop:   make(chan struct{}),
	}

	o.bus = events.NewBus(log)
	if opts.EventStream != nil {
		o.stream = newStreamWriter(o.bus, opts.EventStream, log)
	}

	dbPath := o.resolvePath(cfg.Database.Path)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	st, err := store.Open(dbPath, log)
	if err != nil {
		return nil, err
	}
	o.store = st

	o.registry = opts.Registry
	if o.registry == nil {
		o.registry = defaultRegistry()
	}

	policy, err := routing.LoadPolicy(o.resolvePath(cfg.Routing.PolicyPath))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to load routing policy: %w", err)
	}
	o.router = routing.NewRouter(policy, o.resolvePath(cfg.Routing.PolicyPath), st, o.bus, log)
	o.router.Start()

	o.recorder = execlog.NewRecorder(st, o.bus, log)
	o.recorder.Start()
	o.costs = cost.NewTracker(st, o.bus, log)
	o.costs.Start()

	wt, err := worktree.NewManager(worktree.Config{
		ProjectRoot:  opts.ProjectRoot,
		Dir:          cfg.Worktree.Dir,
		BaseBranch:   cfg.Worktree.BaseBranch,
		BranchPrefix: cfg.Worktree.BranchPrefix,
	}, st, o.bus, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	o.worktrees = wt
	if !opts.SkipGitCheck {
		if err := wt.VerifyGitVersion(context.Background()); err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	wt.Start(context.Background())

	o.engine = graph.NewEngine(st, o.bus, log)
	o.dispatcher = dispatch.NewDispatcher(o.registry, o.bus, dispatch.Config{
		MaxConcurrency: cfg.Dispatcher.MaxConcurrency,
		KillGrace:      cfg.Dispatcher.ShutdownGraceDuration(),
		ShutdownGrace:  cfg.Dispatcher.DispatcherGraceDuration(),
		DefaultTimeout: cfg.Dispatcher.DefaultTimeout,
	}, log)
	o.recoverer = recovery.NewRecoverer(st, log)

	o.subs = append(o.subs,
		o.bus.Subscribe(events.TaskRoutedKind, func(env events.Envelope) {
			p := env.Payload.(events.TaskRouted)
			o.onRouted(p)
		}),
		o.bus.Subscribe(events.WorktreeCreatedKind, func(env events.Envelope) {
			p := env.Payload.(events.WorktreeCreated)
			o.onWorktreeCreated(p)
		}),
	)

	o.wg.Add(1)
	go o.scheduler()

	return o, nil
}

// defaultRegistry registers the production adapters plus the mock.
func defaultRegistry() *agent.Registry {
	reg := agent.NewRegistry()
	reg.Register(agent.NewClaudeAdapter(""))
	reg.Register(agent.NewCodexAdapter(""))
	reg.Register(agent.NewGeminiAdapter(""))
	reg.Register(agent.NewMockAdapter(""))
	return reg
}

func (o *Orchestrator) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(o.projectRoot, p)
}

// Bus exposes the event bus for additional consumers.
func (o *Orchestrator) Bus() *events.Bus { return o.bus }

// Store exposes the persistence layer for query surfaces.
func (o *Orchestrator) Store() *store.Store { return o.store }

// Costs exposes the cost aggregation surface.
func (o *Orchestrator) Costs() *cost.Tracker { return o.costs }

// Log exposes the execution-log query surface.
func (o *Orchestrator) Log() *execlog.Recorder { return o.recorder }

// Run loads a new graph and drives it until drained or interrupted.
// A prior resumable session is archived first: a new graph supersedes it.
func (o *Orchestrator) Run(ctx context.Context, graphPath string) (*RunResult, error) {
	if prior, err := o.recoverer.FindInterruptedSession(ctx); err == nil {
		o.logger.Warn("archiving prior interrupted session",
			zap.String("session_id", prior.ID))
		if err := o.recoverer.ArchiveSession(ctx, prior.ID); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	sessionID, err := o.engine.LoadGraph(ctx, graphPath)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, sessionID)
}

// Resume recovers the most recent interrupted session and drives it to
// completion. store.ErrNotFound is returned when there is nothing to resume.
func (o *Orchestrator) Resume(ctx context.Context) (*RunResult, error) {
	sess, err := o.recoverer.FindInterruptedSession(ctx)
	if err != nil {
		return nil, err
	}

	report, err := o.recoverer.Recover(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	o.logger.Info("resuming session",
		zap.String("session_id", sess.ID),
		zap.Int("recovered", report.Recovered),
		zap.Int("failed", report.Failed))

	if err := o.store.UpdateSessionStatus(ctx, sess.ID, store.SessionActive); err != nil {
		return nil, err
	}
	if err := o.engine.LoadSession(ctx, sess.ID); err != nil {
		return nil, err
	}
	return o.execute(ctx, sess.ID)
}

// execute starts the graph and waits for it to drain or the context to
// be cancelled.
func (o *Orchestrator) execute(ctx context.Context, sessionID string) (*RunResult, error) {
	done := make(chan events.GraphComplete, 1)
	doneSub := o.bus.Subscribe(events.GraphCompleteKind, func(env events.Envelope) {
		select {
		case done <- env.Payload.(events.GraphComplete):
		default:
		}
	})
	defer doneSub.Unsubscribe()

	pollerStop := make(chan struct{})
	pollerDone := make(chan struct{})
	go o.pollSignals(sessionID, pollerStop, pollerDone)
	defer func() {
		close(pollerStop)
		<-pollerDone
	}()

	if err := o.engine.StartExecution(ctx, sessionID, o.cfg.Dispatcher.MaxConcurrency); err != nil {
		return nil, err
	}

	select {
	case gc := <-done:
		return &RunResult{
			SessionID: sessionID,
			Total:     gc.TotalTasks,
			Completed: gc.CompletedTasks,
			Failed:    gc.FailedTasks,
			Cancelled: gc.CancelledTasks,
		}, nil
	case <-ctx.Done():
		res := o.interrupt(sessionID)
		return res, ErrInterrupted
	}
}

// interrupt performs the graceful shutdown sequence: pause, terminate
// workers, reset running tasks for retry, mark the session interrupted,
// checkpoint the WAL.
func (o *Orchestrator) interrupt(sessionID string) *RunResult {
	ctx := context.Background()

	o.mu.Lock()
	o.interrupting = true
	o.mu.Unlock()

	if err := o.engine.Pause(ctx); err != nil {
		o.logger.Warn("failed to pause during shutdown", zap.Error(err))
	}

	grace := o.cfg.Dispatcher.DispatcherGraceDuration() + o.cfg.Dispatcher.ShutdownGraceDuration()
	shutdownCtx, cancel := context.WithTimeout(ctx, grace+time.Second)
	defer cancel()
	if err := o.dispatcher.Shutdown(shutdownCtx); err != nil {
		o.logger.Warn("dispatcher shutdown incomplete", zap.Error(err))
	}

	running, err := o.store.ListTasksByStatus(ctx, sessionID, store.TaskRunning)
	if err != nil {
		o.logger.Error("failed to list running tasks during shutdown", zap.Error(err))
	}
	for _, task := range running {
		if err := o.store.ResetTaskForRetry(ctx, o.store.DB(), sessionID, task.ID); err != nil {
			o.logger.Error("failed to reset running task",
				zap.String("task_id", task.ID), zap.Error(err))
		}
	}

	if err := o.store.UpdateSessionStatus(ctx, sessionID, store.SessionInterrupted); err != nil {
		o.logger.Error("failed to mark session interrupted", zap.Error(err))
	}
	if err := o.store.Checkpoint(ctx); err != nil {
		o.logger.Warn("wal checkpoint failed", zap.Error(err))
	}

	res := &RunResult{SessionID: sessionID}
	for _, task := range o.engine.AllTasks() {
		res.Total++
		switch task.Status {
		case store.TaskCompleted:
			res.Completed++
		case store.TaskFailed:
			res.Failed++
		case store.TaskCancelled:
			res.Cancelled++
		}
	}
	return res
}

// pollSignals drains queued pause/resume directives between sweeps.
func (o *Orchestrator) pollSignals(sessionID string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(signalPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			signals, err := o.store.DrainSignals(context.Background(), sessionID)
			if err != nil {
				o.logger.Warn("failed to drain session signals", zap.Error(err))
				continue
			}
			for _, sig := range signals {
				o.applySignal(sig.Signal)
			}
		}
	}
}

func (o *Orchestrator) applySignal(signal string) {
	ctx := context.Background()
	switch signal {
	case store.SignalPause:
		o.mu.Lock()
		o.paused = true
		o.mu.Unlock()
		if err := o.engine.Pause(ctx); err != nil {
			o.logger.Warn("pause signal failed", zap.Error(err))
		}
	case store.SignalResume:
		if err := o.engine.Resume(ctx); err != nil {
			o.logger.Warn("resume signal failed", zap.Error(err))
		}
		o.mu.Lock()
		o.paused = false
		held := o.held
		o.held = nil
		o.mu.Unlock()
		for _, taskID := range held {
			o.sendDispatch(taskID)
		}
	}
}

// onRouted caches the routing decision and enqueues the dispatch once
// the worktree is also ready. An unavailable decision does not wait for
// the worktree: the task will never dispatch.
func (o *Orchestrator) onRouted(p events.TaskRouted) {
	o.mu.Lock()
	ent := o.ensurePendingLocked(p.TaskID)
	ent.decision = &p
	send := (p.BillingMode == routing.BillingUnavailable || ent.worktreePath != "") &&
		o.claimDispatchLocked(p.TaskID, ent)
	o.mu.Unlock()

	if send {
		o.sendDispatch(p.TaskID)
	}
}

func (o *Orchestrator) onWorktreeCreated(p events.WorktreeCreated) {
	o.mu.Lock()
	ent := o.ensurePendingLocked(p.TaskID)
	ent.worktreePath = p.Path
	send := ent.decision != nil && o.claimDispatchLocked(p.TaskID, ent)
	o.mu.Unlock()

	if send {
		o.sendDispatch(p.TaskID)
	}
}

// sendDispatch never blocks the caller: bus handlers and the scheduler
// itself feed this channel, so a blocking send could self-deadlock on a
// very wide graph.
func (o *Orchestrator) sendDispatch(taskID string) {
	select {
	case o.dispatchCh <- taskID:
	default:
		go func() { o.dispatchCh <- taskID }()
	}
}

func (o *Orchestrator) ensurePendingLocked(taskID string) *pendingTask {
	ent, ok := o.pending[taskID]
	if !ok {
		ent = &pendingTask{}
		o.pending[taskID] = ent
	}
	return ent
}

// claimDispatchLocked marks the task dispatched exactly once. While
// paused the task is parked instead; the resume signal flushes it.
func (o *Orchestrator) claimDispatchLocked(taskID string, ent *pendingTask) bool {
	if ent.dispatched {
		return false
	}
	ent.dispatched = true
	if o.paused {
		o.held = append(o.held, taskID)
		return false
	}
	return true
}

func (o *Orchestrator) clearPending(taskID string) {
	o.mu.Lock()
	delete(o.pending, taskID)
	o.mu.Unlock()
}

func (o *Orchestrator) scheduler() {
	defer o.wg.Done()
	for {
		select {
		case taskID := <-o.dispatchCh:
			o.dispatchTask(taskID)
		case <-o.schedStop:
			return
		}
	}
}

// dispatchTask turns a routed task with a provisioned worktree into an
// agent dispatch and tracks its terminal result.
func (o *Orchestrator) dispatchTask(taskID string) {
	ctx := context.Background()

	task, err := o.engine.Task(taskID)
	if err != nil {
		o.logger.Warn("routed task is unknown", zap.String("task_id", taskID))
		return
	}
	if task.Status != store.TaskReady {
		return
	}

	o.mu.Lock()
	ent := o.pending[taskID]
	var decision *events.TaskRouted
	var worktreePath string
	if ent != nil {
		decision = ent.decision
		worktreePath = ent.worktreePath
	}
	o.mu.Unlock()
	if decision == nil {
		return
	}

	if decision.BillingMode == routing.BillingUnavailable {
		o.clearPending(taskID)
		if err := o.engine.MarkTaskCancelled(ctx, taskID, decision.Rationale); err != nil {
			o.logger.Error("failed to cancel unroutable task",
				zap.String("task_id", taskID), zap.Error(err))
		}
		return
	}

	handle, err := o.dispatcher.Dispatch(ctx, dispatch.Request{
		SessionID:    task.SessionID,
		TaskID:       taskID,
		Prompt:       task.Prompt,
		Agent:        decision.Agent,
		TaskType:     task.TaskType,
		WorktreePath: worktreePath,
		BillingMode:  decision.BillingMode,
		Model:        decision.Model,
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrShuttingDown) {
			return
		}
		o.clearPending(taskID)
		if markErr := o.engine.MarkTaskFailed(ctx, taskID, -1, err.Error(), 0); markErr != nil {
			o.logger.Error("failed to fail undispatchable task",
				zap.String("task_id", taskID), zap.Error(markErr))
		}
		return
	}

	if err := o.engine.MarkTaskRunning(ctx, taskID, handle.ID); err != nil {
		o.logger.Error("failed to mark task running",
			zap.String("task_id", taskID), zap.Error(err))
		handle.Cancel()
		return
	}

	o.wg.Add(1)
	go o.awaitResult(taskID, handle)
}

// awaitResult maps a dispatch terminal result back onto the task graph.
func (o *Orchestrator) awaitResult(taskID string, handle *dispatch.Handle) {
	defer o.wg.Done()
	ctx := context.Background()
	res := <-handle.Result()

	// A retried task is routed and provisioned afresh.
	o.clearPending(taskID)

	switch res.Status {
	case dispatch.StatusCompleted:
		if err := o.engine.MarkTaskComplete(ctx, taskID, res.ExitCode, res.TokensUsed()); err != nil {
			o.logger.Error("failed to complete task",
				zap.String("task_id", taskID), zap.Error(err))
		}
	case dispatch.StatusCancelled:
		// Left running on purpose: the interrupt path resets running
		// tasks to pending with an incremented retry count.
		o.mu.Lock()
		interrupting := o.interrupting
		o.mu.Unlock()
		if !interrupting {
			if err := o.engine.MarkTaskCancelled(ctx, taskID, "dispatch cancelled"); err != nil {
				o.logger.Error("failed to cancel task",
					zap.String("task_id", taskID), zap.Error(err))
			}
		}
	default:
		errText := res.ParseError
		if res.Err != nil {
			errText = res.Err.Error()
		} else if res.Stderr != "" {
			errText = res.Stderr
		}
		if err := o.engine.MarkTaskFailed(ctx, taskID, res.ExitCode, errText, res.TokensUsed()); err != nil {
			o.logger.Error("failed to fail task",
				zap.String("task_id", taskID), zap.Error(err))
		}
	}
}

// Close releases every component. It is safe to call after a completed
// or interrupted run.
func (o *Orchestrator) Close() error {
	var err error
	o.closeOnce.Do(func() {
		for _, sub := range o.subs {
			sub.Unsubscribe()
		}
		close(o.schedStop)

		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			o.cfg.Dispatcher.DispatcherGraceDuration()+time.Second)
		defer cancel()
		if shutdownErr := o.dispatcher.Shutdown(shutdownCtx); shutdownErr != nil {
			o.logger.Warn("dispatcher shutdown incomplete", zap.Error(shutdownErr))
		}

		o.wg.Wait()
		o.router.Stop()
		o.recorder.Stop()
		o.costs.Stop()
		o.worktrees.Stop()
		if o.stream != nil {
			o.stream.stop()
		}
		err = o.store.Close()
	})
	return err
}
