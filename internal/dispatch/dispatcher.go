// Package dispatch owns agent subprocess lifecycle: a bounded worker
// pool with timeouts, cancellation, stdout streaming, and structured
// output parsing.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/substratehq/substrate/internal/agent"
	"github.com/substratehq/substrate/internal/common/logger"
	"github.com/substratehq/substrate/internal/events"
)

// Per-dispatch lifecycle states.
const (
	StatusQueued    = "queued"
	StatusStarting  = "starting"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
)

var (
	// ErrShuttingDown rejects new dispatches during shutdown.
	ErrShuttingDown = errors.New("dispatcher is shutting down")
	// ErrCancelled rejects a dispatch cancelled while still queued.
	ErrCancelled = errors.New("dispatch cancelled while queued")
)

// Request describes one agent invocation.
type Request struct {
	SessionID    string
	TaskID       string
	Prompt       string
	Agent        string
	TaskType     string
	WorktreePath string
	BillingMode  string
	Model        string
	// Timeout of zero falls back to the adapter's CommandSpec timeout,
	// then to the configured default for the task type.
	Timeout time.Duration
	// OutputSchema optionally validates the parsed structured output.
	OutputSchema string
}

// Result is the terminal outcome of one dispatch.
type Result struct {
	DispatchID   string
	TaskID       string
	Agent        string
	Status       string
	ExitCode     int
	Stdout       string
	Stderr       string
	Parsed       map[string]any
	ParseError   string
	TokensInput  int64
	TokensOutput int64
	Duration     time.Duration
	Err          error
}

// TokensUsed is the total token estimate for rate-limit accounting.
func (r *Result) TokensUsed() int64 {
	return r.TokensInput + r.TokensOutput
}

// Handle is the caller's view of an in-flight dispatch.
type Handle struct {
	ID    string
	state *dispatchState
}

// Status returns the dispatch's current lifecycle state.
func (h *Handle) Status() string {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	return h.state.status
}

// Cancel aborts the dispatch: a queued dispatch rejects immediately, a
// running one gets the terminate-grace-kill sequence.
func (h *Handle) Cancel() {
	h.state.cancel()
}

// Result returns the terminal result channel (buffered, one value).
func (h *Handle) Result() <-chan *Result {
	return h.state.resultCh
}

type dispatchState struct {
	id       string
	req      Request
	ctx      context.Context
	cancel   context.CancelFunc
	resultCh chan *Result

	mu      sync.Mutex
	status  string
	cmd     *exec.Cmd
	timeout time.Duration
}

func (s *dispatchState) setStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Config tunes the dispatcher.
type Config struct {
	MaxConcurrency int
	// KillGrace is the window between terminate and force-kill.
	KillGrace time.Duration
	// ShutdownGrace bounds Shutdown's wait for running dispatches.
	ShutdownGrace time.Duration
	// DefaultTimeout resolves a per-task-type timeout; may be nil.
	DefaultTimeout func(taskType string) time.Duration
}

// Dispatcher runs agent subprocesses behind a FIFO semaphore.
type Dispatcher struct {
	registry *agent.Registry
	bus      *events.Bus
	logger   *logger.Logger
	sem      *semaphore.Weighted
	cfg      Config

	mu       sync.Mutex
	pending  int
	running  int
	shutdown bool
	inflight map[string]*dispatchState
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the adapter registry.
func NewDispatcher(registry *agent.Registry, bus *events.Bus, cfg Config, log *logger.Logger) *Dispatcher {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if log == nil {
		log = logger.Default()
	}
	return &Dispatcher{
		registry: registry,
		bus:      bus,
		logger:   log.WithFields(zap.String("component", "dispatcher")),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		cfg:      cfg,
		inflight: make(map[string]*dispatchState),
	}
}

// Pending returns the number of dispatches waiting for a slot.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Running returns the number of dispatches holding a slot.
func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Dispatch enqueues one agent invocation and returns immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Handle, error) {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return nil, ErrShuttingDown
	}

	var schema *jsonschema.Schema
	if req.OutputSchema != "" {
		var err error
		schema, err = jsonschema.CompileString("output_schema.json", req.OutputSchema)
		if err != nil {
			d.mu.Unlock()
			return nil, fmt.Errorf("invalid output schema: %w", err)
		}
	}

	stateCtx, cancel := context.WithCancel(context.Background())
	state := &dispatchState{
		id:       uuid.NewString(),
		req:      req,
		ctx:      stateCtx,
		cancel:   cancel,
		resultCh: make(chan *Result, 1),
		status:   StatusQueued,
	}
	d.pending++
	d.inflight[state.id] = state
	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(state, schema)
	return &Handle{ID: state.id, state: state}, nil
}

func (d *Dispatcher) run(state *dispatchState, schema *jsonschema.Schema) {
	defer d.wg.Done()

	// Wait for a slot. Queued cancellations reject here without ever
	// holding one.
	if err := d.sem.Acquire(state.ctx, 1); err != nil {
		d.mu.Lock()
		d.pending--
		shuttingDown := d.shutdown
		delete(d.inflight, state.id)
		d.mu.Unlock()

		state.setStatus(StatusCancelled)
		cause := ErrCancelled
		if shuttingDown {
			cause = ErrShuttingDown
		}
		state.resultCh <- &Result{
			DispatchID: state.id,
			TaskID:     state.req.TaskID,
			Agent:      state.req.Agent,
			Status:     StatusCancelled,
			ExitCode:   -1,
			Err:        cause,
		}
		return
	}
	d.startHeld(state, schema)
}

// startHeld runs the dispatch while holding a semaphore slot. finalize is
// the single structured cleanup path: every exit releases the slot and
// emits exactly one terminal event.
func (d *Dispatcher) startHeld(state *dispatchState, schema *jsonschema.Schema) {
	started := time.Now()

	d.mu.Lock()
	d.pending--
	d.running++
	d.mu.Unlock()
	state.setStatus(StatusStarting)

	var once sync.Once
	finalize := func(res *Result) {
		once.Do(func() {
			res.DispatchID = state.id
			res.TaskID = state.req.TaskID
			res.Agent = state.req.Agent
			res.Duration = time.Since(started)
			state.setStatus(res.Status)

			d.mu.Lock()
			d.running--
			delete(d.inflight, state.id)
			d.mu.Unlock()
			d.sem.Release(1)

			d.publishTerminal(state, res)
			state.resultCh <- res
		})
	}
	defer func() {
		if r := recover(); r != nil {
			finalize(&Result{
				Status: StatusFailed,
				Err:    fmt.Errorf("dispatch panicked: %v", r),
			})
		}
	}()

	adapter, err := d.registry.Get(state.req.Agent)
	if err != nil {
		finalize(&Result{Status: StatusFailed, ExitCode: -1, Err: err})
		return
	}

	spec, err := adapter.BuildCommand(state.req.Prompt, agent.Options{
		WorktreePath: state.req.WorktreePath,
		BillingMode:  state.req.BillingMode,
		Model:        state.req.Model,
	})
	if err != nil {
		finalize(&Result{Status: StatusFailed, ExitCode: -1, Err: fmt.Errorf("failed to build command: %w", err)})
		return
	}

	timeout := state.req.Timeout
	if timeout <= 0 {
		timeout = spec.Timeout
	}
	if timeout <= 0 && d.cfg.DefaultTimeout != nil {
		timeout = d.cfg.DefaultTimeout(state.req.TaskType)
	}
	state.mu.Lock()
	state.timeout = timeout
	state.mu.Unlock()

	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	// Agents fork helpers; a process group lets terminate reach all of
	// them, and keeps orphans from holding the output pipes open.
	setProcGroup(cmd)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		finalize(&Result{Status: StatusFailed, ExitCode: -1, Err: err})
		return
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		finalize(&Result{Status: StatusFailed, ExitCode: -1, Err: err})
		return
	}

	if err := cmd.Start(); err != nil {
		finalize(&Result{Status: StatusFailed, ExitCode: -1, Err: fmt.Errorf("failed to spawn agent: %w", err)})
		return
	}
	state.mu.Lock()
	state.cmd = cmd
	state.status = StatusRunning
	state.mu.Unlock()

	d.bus.Publish(events.AgentSpawned{
		DispatchID: state.id,
		TaskID:     state.req.TaskID,
		Agent:      state.req.Agent,
		PID:        cmd.Process.Pid,
	})

	var stdout, stderr syncBuffer
	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		d.streamOutput(state, stdoutPipe, &stdout)
	}()
	go func() {
		defer pipes.Done()
		copyAll(stderrPipe, &stderr)
	}()

	waitCh := make(chan error, 1)
	go func() {
		pipes.Wait()
		waitCh <- cmd.Wait()
	}()

	var timerCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerCh = timer.C
	}

	select {
	case waitErr := <-waitCh:
		exitCode := exitCodeOf(cmd, waitErr)
		parsed := adapter.ParseOutput(stdout.String(), stderr.String(), exitCode)
		res := d.buildResult(state, parsed, stdout.String(), stderr.String(), schema)
		if parsed.Success {
			res.Status = StatusCompleted
		} else {
			res.Status = StatusFailed
			res.Err = fmt.Errorf("agent exited with code %d", exitCode)
		}
		finalize(res)

	case <-timerCh:
		d.terminate(state, cmd)
		<-waitCh
		res := d.buildResult(state, nil, stdout.String(), stderr.String(), schema)
		res.Status = StatusTimeout
		res.ExitCode = -1
		res.Parsed = nil
		res.ParseError = fmt.Sprintf("agent timed out after %dms", timeout.Milliseconds())
		res.Err = fmt.Errorf("agent timed out after %s", timeout)
		finalize(res)

	case <-state.ctx.Done():
		d.terminate(state, cmd)
		<-waitCh
		res := d.buildResult(state, nil, stdout.String(), stderr.String(), schema)
		res.Status = StatusCancelled
		res.ExitCode = -1
		res.Err = ErrCancelled
		finalize(res)
	}
}

// buildResult assembles the common result fields; exit code and status
// are set by the caller.
func (d *Dispatcher) buildResult(state *dispatchState, parsed *agent.ExecResult, stdout, stderr string, schema *jsonschema.Schema) *Result {
	res := &Result{
		Stdout:       stdout,
		Stderr:       stderr,
		TokensInput:  estimateTokens(state.req.Prompt),
		TokensOutput: estimateTokens(stdout),
	}
	if parsed != nil {
		res.ExitCode = parsed.ExitCode
		res.Parsed, res.ParseError = ExtractStructured(parsed.Output, schema)
	}
	return res
}

func (d *Dispatcher) publishTerminal(state *dispatchState, res *Result) {
	switch res.Status {
	case StatusCompleted:
		d.bus.Publish(events.AgentCompleted{
			DispatchID: state.id,
			TaskID:     state.req.TaskID,
			Agent:      state.req.Agent,
			ExitCode:   res.ExitCode,
		})
	case StatusTimeout:
		state.mu.Lock()
		timeoutMs := state.timeout.Milliseconds()
		state.mu.Unlock()
		d.bus.Publish(events.AgentTimeout{
			DispatchID: state.id,
			TaskID:     state.req.TaskID,
			Agent:      state.req.Agent,
			TimeoutMs:  timeoutMs,
		})
	default:
		msg := ""
		if res.Err != nil {
			msg = res.Err.Error()
		}
		d.bus.Publish(events.AgentFailed{
			DispatchID: state.id,
			TaskID:     state.req.TaskID,
			Agent:      state.req.Agent,
			ExitCode:   res.ExitCode,
			Error:      msg,
		})
	}
}

// streamOutput copies stdout into buf, publishing one agent:output event
// per chunk.
func (d *Dispatcher) streamOutput(state *dispatchState, r io.Reader, buf *syncBuffer) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			text := string(chunk[:n])
			buf.WriteString(text)
			d.bus.Publish(events.AgentOutput{
				DispatchID: state.id,
				TaskID:     state.req.TaskID,
				Chunk:      text,
			})
		}
		if err != nil {
			return
		}
	}
}

// terminate sends SIGTERM to the agent's process group, waits the kill
// grace, then SIGKILLs the group. Liveness is checked with signal 0
// rather than Wait: the run loop owns cmd.Wait.
func (d *Dispatcher) terminate(state *dispatchState, cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if err := terminateProcessGroup(pid); err != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	deadline := time.After(d.cfg.KillGrace)
	for {
		if cmd.Process.Signal(syscall.Signal(0)) != nil {
			return
		}
		select {
		case <-deadline:
			d.logger.Warn("agent ignored terminate, force killing process group",
				zap.String("dispatch_id", state.id))
			if err := killProcessGroup(pid); err != nil {
				_ = cmd.Process.Kill()
			}
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Shutdown rejects queued dispatches, terminates running ones, and waits
// up to the shutdown grace for everything to drain.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.shutdown = true
	states := make([]*dispatchState, 0, len(d.inflight))
	for _, s := range d.inflight {
		states = append(states, s)
	}
	d.mu.Unlock()

	for _, s := range states {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(d.cfg.ShutdownGrace):
		return fmt.Errorf("dispatcher shutdown timed out after %s", d.cfg.ShutdownGrace)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func copyAll(r io.Reader, buf *syncBuffer) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.WriteString(string(chunk[:n]))
		}
		if err != nil {
			return
		}
	}
}

// syncBuffer is a mutex-guarded string builder shared between the pipe
// readers and the run loop.
type syncBuffer struct {
	mu sync.Mutex
	sb []byte
}

func (b *syncBuffer) WriteString(s string) {
	b.mu.Lock()
	b.sb = append(b.sb, s...)
	b.mu.Unlock()
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.sb)
}
