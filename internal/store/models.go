package store

import "time"

// Session statuses.
const (
	SessionActive      = "active"
	SessionPaused      = "paused"
	SessionInterrupted = "interrupted"
	SessionCompleted   = "completed"
	SessionAbandoned   = "abandoned"
)

// Task statuses.
const (
	TaskPending   = "pending"
	TaskReady     = "ready"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// TerminalTaskStatuses is the fixed set of statuses a task cannot leave,
// except through crash recovery.
var TerminalTaskStatuses = map[string]bool{
	TaskCompleted: true,
	TaskFailed:    true,
	TaskCancelled: true,
}

// Session signals.
const (
	SignalPause  = "pause"
	SignalResume = "resume"
)

// Execution log event tags.
const (
	LogTaskStatusChange        = "task:status_change"
	LogOrchestratorStateChange = "orchestrator:state_change"
)

// Session is one execution of one task graph.
type Session struct {
	ID        string    `db:"id"`
	GraphFile string    `db:"graph_file"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Task is one unit of work within a session.
type Task struct {
	ID                string     `db:"id"`
	SessionID         string     `db:"session_id"`
	Name              string     `db:"name"`
	Prompt            string     `db:"prompt"`
	TaskType          string     `db:"task_type"`
	Status            string     `db:"status"`
	Agent             string     `db:"agent"`
	WorkerID          *string    `db:"worker_id"`
	WorktreePath      *string    `db:"worktree_path"`
	WorktreeCleanedAt *time.Time `db:"worktree_cleaned_at"`
	RetryCount        int        `db:"retry_count"`
	MaxRetries        int        `db:"max_retries"`
	CostUSD           float64    `db:"cost_usd"`
	InputTokens       int64      `db:"input_tokens"`
	OutputTokens      int64      `db:"output_tokens"`
	ExitCode          *int       `db:"exit_code"`
	Error             string     `db:"error"`
	Position          int        `db:"position"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

// IsTerminal reports whether the task has reached a terminal status.
func (t *Task) IsTerminal() bool {
	return TerminalTaskStatuses[t.Status]
}

// Dependency is one edge of the task dependency relation.
type Dependency struct {
	SessionID   string `db:"session_id"`
	TaskID      string `db:"task_id"`
	DependsOnID string `db:"depends_on_id"`
	Position    int    `db:"position"`
}

// SessionSignal is a queued directive for the orchestrator.
type SessionSignal struct {
	ID         int64      `db:"id"`
	SessionID  string     `db:"session_id"`
	Signal     string     `db:"signal"`
	CreatedAt  time.Time  `db:"created_at"`
	ConsumedAt *time.Time `db:"consumed_at"`
}

// ExecutionLogEntry is one append-only audit row.
type ExecutionLogEntry struct {
	ID        int64     `db:"id"`
	SessionID string    `db:"session_id"`
	TaskID    *string   `db:"task_id"`
	Event     string    `db:"event"`
	OldStatus *string   `db:"old_status"`
	NewStatus *string   `db:"new_status"`
	Agent     *string   `db:"agent"`
	Data      *string   `db:"data"`
	Timestamp time.Time `db:"timestamp"`
}

// CostEntry is one append-only billed task step.
type CostEntry struct {
	ID           int64     `db:"id"`
	SessionID    string    `db:"session_id"`
	TaskID       string    `db:"task_id"`
	Agent        string    `db:"agent"`
	Provider     string    `db:"provider"`
	Model        string    `db:"model"`
	BillingMode  string    `db:"billing_mode"`
	TokensInput  int64     `db:"tokens_input"`
	TokensOutput int64     `db:"tokens_output"`
	CostUSD      float64   `db:"cost_usd"`
	SavingsUSD   float64   `db:"savings_usd"`
	RecordedAt   time.Time `db:"recorded_at"`
}
