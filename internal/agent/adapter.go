// Package agent defines the adapter contract the dispatcher drives, plus
// the concrete adapters for the supported coding agents.
package agent

import (
	"context"
	"errors"
	"time"
)

// ErrAdapterNotFound indicates no adapter is registered under the name.
var ErrAdapterNotFound = errors.New("adapter not found")

// Options carries the per-dispatch settings an adapter needs to build a
// command line.
type Options struct {
	WorktreePath string
	BillingMode  string
	Model        string
}

// CommandSpec is a ready-to-spawn subprocess description.
type CommandSpec struct {
	Binary string
	Args   []string
	Dir    string
	// Env entries are appended to the inherited environment.
	Env []string
	// Timeout of zero defers to the dispatcher's configured default.
	Timeout time.Duration
}

// ExecResult is an adapter's reading of a finished subprocess.
type ExecResult struct {
	Success  bool
	Output   string
	ExitCode int
}

// TokenEstimate predicts token consumption for rate-limit accounting.
type TokenEstimate struct {
	Input  int64
	Output int64
	Total  int64
}

// Capabilities describes what an agent supports.
type Capabilities struct {
	SupportsHeadless bool
	SupportsModels   bool
	BillingModes     []string
}

// Health is the outcome of an adapter health probe.
type Health struct {
	Healthy          bool
	SupportsHeadless bool
}

// Adapter knows how to drive one specific coding agent. The dispatcher
// never knows agent specifics; it only calls through this interface.
type Adapter interface {
	Name() string
	BuildCommand(prompt string, opts Options) (*CommandSpec, error)
	ParseOutput(stdout, stderr string, exitCode int) *ExecResult
	EstimateTokens(prompt string) TokenEstimate
	Capabilities() Capabilities
	HealthCheck(ctx context.Context) Health
}

// estimateTokens is the shared length/4 approximation: a quarter of the
// prompt length in, three quarters equivalent out.
func estimateTokens(prompt string) TokenEstimate {
	input := int64((len(prompt) + 3) / 4)
	output := input * 3
	return TokenEstimate{Input: input, Output: output, Total: input + output}
}

func parseByExitCode(stdout string, exitCode int) *ExecResult {
	return &ExecResult{
		Success:  exitCode == 0,
		Output:   stdout,
		ExitCode: exitCode,
	}
}
