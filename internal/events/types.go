// Package events defines the typed event payloads exchanged on the bus.
package events

import "time"

// Event kinds for tasks.
const (
	TaskReadyKind        = "task:ready"
	TaskRoutedKind       = "task:routed"
	TaskStartedKind      = "task:started"
	TaskProgressKind     = "task:progress"
	TaskCompleteKind     = "task:complete"
	TaskFailedKind       = "task:failed"
	TaskCancelledKind    = "task:cancelled"
	TaskStatusChangeKind = "task:status_change"
)

// Event kinds for worktrees.
const (
	WorktreeCreatedKind  = "worktree:created"
	WorktreeMergedKind   = "worktree:merged"
	WorktreeConflictKind = "worktree:conflict"
	WorktreeRemovedKind  = "worktree:removed"
)

// Event kinds for agent dispatches.
const (
	AgentSpawnedKind   = "agent:spawned"
	AgentOutputKind    = "agent:output"
	AgentCompletedKind = "agent:completed"
	AgentFailedKind    = "agent:failed"
	AgentTimeoutKind   = "agent:timeout"
)

// Event kinds for routing, cost and run state.
const (
	ProviderUnavailableKind     = "provider:unavailable"
	CostRecordedKind            = "cost:recorded"
	GraphCompleteKind           = "graph:complete"
	OrchestratorStateChangeKind = "orchestrator:state_change"
)

// AllKinds returns every event kind, for stream consumers that want the
// full firehose.
func AllKinds() []string {
	return []string{
		TaskReadyKind, TaskRoutedKind, TaskStartedKind, TaskProgressKind,
		TaskCompleteKind, TaskFailedKind, TaskCancelledKind, TaskStatusChangeKind,
		WorktreeCreatedKind, WorktreeMergedKind, WorktreeConflictKind, WorktreeRemovedKind,
		AgentSpawnedKind, AgentOutputKind, AgentCompletedKind, AgentFailedKind, AgentTimeoutKind,
		ProviderUnavailableKind, CostRecordedKind, GraphCompleteKind, OrchestratorStateChangeKind,
	}
}

// Payload is implemented by every event payload type.
type Payload interface {
	Kind() string
}

// TaskReady is published when all of a task's dependencies are completed.
type TaskReady struct {
	SessionID string `json:"sessionId"`
	TaskID    string `json:"taskId"`
}

func (TaskReady) Kind() string { return TaskReadyKind }

// RateLimitSnapshot reports window usage at decision time.
type RateLimitSnapshot struct {
	Used  int64 `json:"used"`
	Limit int64 `json:"limit"`
}

// TaskRouted carries the routing decision for a ready task.
type TaskRouted struct {
	SessionID        string             `json:"sessionId"`
	TaskID           string             `json:"taskId"`
	Agent            string             `json:"agent"`
	BillingMode      string             `json:"billingMode"`
	Model            string             `json:"model,omitempty"`
	Rationale        string             `json:"rationale"`
	FallbackChain    []string           `json:"fallbackChain"`
	EstimatedCostUSD float64            `json:"estimatedCostUsd,omitempty"`
	RateLimit        *RateLimitSnapshot `json:"rateLimit,omitempty"`
}

func (TaskRouted) Kind() string { return TaskRoutedKind }

// TaskStarted is published when a worker begins executing a task.
type TaskStarted struct {
	SessionID string `json:"sessionId"`
	TaskID    string `json:"taskId"`
	WorkerID  string `json:"workerId"`
	Agent     string `json:"agent"`
}

func (TaskStarted) Kind() string { return TaskStartedKind }

// TaskProgress reports incremental agent output for a running task.
type TaskProgress struct {
	SessionID string `json:"sessionId"`
	TaskID    string `json:"taskId"`
	Chunk     string `json:"chunk"`
}

func (TaskProgress) Kind() string { return TaskProgressKind }

// TaskComplete is the successful terminal event for a task.
type TaskComplete struct {
	SessionID  string `json:"sessionId"`
	TaskID     string `json:"taskId"`
	Agent      string `json:"agent"`
	ExitCode   int    `json:"exitCode"`
	TokensUsed int64  `json:"tokensUsed"`
}

func (TaskComplete) Kind() string { return TaskCompleteKind }

// TaskFailed is the failure terminal event for a task.
type TaskFailed struct {
	SessionID  string `json:"sessionId"`
	TaskID     string `json:"taskId"`
	Agent      string `json:"agent,omitempty"`
	ExitCode   int    `json:"exitCode"`
	Error      string `json:"error"`
	TokensUsed int64  `json:"tokensUsed,omitempty"`
}

func (TaskFailed) Kind() string { return TaskFailedKind }

// TaskCancelled is the cancellation terminal event for a task.
type TaskCancelled struct {
	SessionID string `json:"sessionId"`
	TaskID    string `json:"taskId"`
	Reason    string `json:"reason,omitempty"`
}

func (TaskCancelled) Kind() string { return TaskCancelledKind }

// TaskStatusChange mirrors every task state transition for the execution log.
type TaskStatusChange struct {
	SessionID string `json:"sessionId"`
	TaskID    string `json:"taskId"`
	OldStatus string `json:"oldStatus"`
	NewStatus string `json:"newStatus"`
	Agent     string `json:"agent,omitempty"`
}

func (TaskStatusChange) Kind() string { return TaskStatusChangeKind }

// WorktreeCreated is published after a task's worktree is provisioned.
type WorktreeCreated struct {
	SessionID string `json:"sessionId"`
	TaskID    string `json:"taskId"`
	Path      string `json:"path"`
	Branch    string `json:"branch"`
}

func (WorktreeCreated) Kind() string { return WorktreeCreatedKind }

// WorktreeMerged is published after a clean merge into a target branch.
type WorktreeMerged struct {
	TaskID       string   `json:"taskId"`
	TargetBranch string   `json:"targetBranch"`
	MergedFiles  []string `json:"mergedFiles"`
}

func (WorktreeMerged) Kind() string { return WorktreeMergedKind }

// WorktreeConflict is published when a merge simulation finds conflicts.
type WorktreeConflict struct {
	TaskID       string   `json:"taskId"`
	TargetBranch string   `json:"targetBranch"`
	Files        []string `json:"files"`
}

func (WorktreeConflict) Kind() string { return WorktreeConflictKind }

// WorktreeRemoved is published after a task's worktree is reaped.
type WorktreeRemoved struct {
	TaskID string `json:"taskId"`
	Path   string `json:"path"`
}

func (WorktreeRemoved) Kind() string { return WorktreeRemovedKind }

// AgentSpawned is published when a dispatch's subprocess starts.
type AgentSpawned struct {
	DispatchID string `json:"dispatchId"`
	TaskID     string `json:"taskId"`
	Agent      string `json:"agent"`
	PID        int    `json:"pid"`
}

func (AgentSpawned) Kind() string { return AgentSpawnedKind }

// AgentOutput carries one stdout chunk from a running agent.
type AgentOutput struct {
	DispatchID string `json:"dispatchId"`
	TaskID     string `json:"taskId"`
	Chunk      string `json:"chunk"`
}

func (AgentOutput) Kind() string { return AgentOutputKind }

// AgentCompleted is the successful terminal event for a dispatch.
type AgentCompleted struct {
	DispatchID string `json:"dispatchId"`
	TaskID     string `json:"taskId"`
	Agent      string `json:"agent"`
	ExitCode   int    `json:"exitCode"`
}

func (AgentCompleted) Kind() string { return AgentCompletedKind }

// AgentFailed is the failure terminal event for a dispatch.
type AgentFailed struct {
	DispatchID string `json:"dispatchId"`
	TaskID     string `json:"taskId"`
	Agent      string `json:"agent"`
	ExitCode   int    `json:"exitCode"`
	Error      string `json:"error"`
}

func (AgentFailed) Kind() string { return AgentFailedKind }

// AgentTimeout is the timeout terminal event for a dispatch.
type AgentTimeout struct {
	DispatchID string `json:"dispatchId"`
	TaskID     string `json:"taskId"`
	Agent      string `json:"agent"`
	TimeoutMs  int64  `json:"timeoutMs"`
}

func (AgentTimeout) Kind() string { return AgentTimeoutKind }

// ProviderUnavailable is published once per window exhaustion of a provider.
type ProviderUnavailable struct {
	Provider  string `json:"provider"`
	Reason    string `json:"reason"`
	ResetAtMs int64  `json:"resetAtMs,omitempty"`
}

func (ProviderUnavailable) Kind() string { return ProviderUnavailableKind }

// CostRecorded is published after a billed task outcome is persisted.
type CostRecorded struct {
	SessionID   string  `json:"sessionId"`
	TaskID      string  `json:"taskId"`
	Agent       string  `json:"agent"`
	BillingMode string  `json:"billingMode"`
	CostUSD     float64 `json:"costUsd"`
	SavingsUSD  float64 `json:"savingsUsd"`
}

func (CostRecorded) Kind() string { return CostRecordedKind }

// GraphComplete is published when the graph has drained to a terminal state.
type GraphComplete struct {
	SessionID      string `json:"sessionId"`
	TotalTasks     int    `json:"totalTasks"`
	CompletedTasks int    `json:"completedTasks"`
	FailedTasks    int    `json:"failedTasks"`
	CancelledTasks int    `json:"cancelledTasks"`
}

func (GraphComplete) Kind() string { return GraphCompleteKind }

// OrchestratorStateChange reports run-level state transitions.
type OrchestratorStateChange struct {
	SessionID string `json:"sessionId,omitempty"`
	OldState  string `json:"oldState"`
	NewState  string `json:"newState"`
}

func (OrchestratorStateChange) Kind() string { return OrchestratorStateChangeKind }

// Envelope wraps a payload with its kind and publish time. It is the unit
// written to the NDJSON event stream.
type Envelope struct {
	Type      string
	Timestamp time.Time
	Payload   Payload
}
