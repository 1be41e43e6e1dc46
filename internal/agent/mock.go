package agent

import (
	"context"
	"os/exec"
	"time"
)

// MockAdapter drives the mock-agent test binary. Tests and local smoke
// runs register it under the name "mock".
type MockAdapter struct {
	binary  string
	timeout time.Duration
}

// NewMockAdapter creates the adapter; binary defaults to "mock-agent".
func NewMockAdapter(binary string) *MockAdapter {
	if binary == "" {
		binary = "mock-agent"
	}
	return &MockAdapter{binary: binary}
}

// SetTimeout makes BuildCommand advertise a per-command timeout, used to
// exercise the dispatcher's timeout precedence.
func (a *MockAdapter) SetTimeout(d time.Duration) { a.timeout = d }

func (a *MockAdapter) Name() string { return "mock" }

func (a *MockAdapter) BuildCommand(prompt string, opts Options) (*CommandSpec, error) {
	return &CommandSpec{
		Binary:  a.binary,
		Args:    []string{"--prompt", prompt},
		Dir:     opts.WorktreePath,
		Timeout: a.timeout,
	}, nil
}

func (a *MockAdapter) ParseOutput(stdout, stderr string, exitCode int) *ExecResult {
	return parseByExitCode(stdout, exitCode)
}

func (a *MockAdapter) EstimateTokens(prompt string) TokenEstimate {
	return estimateTokens(prompt)
}

func (a *MockAdapter) Capabilities() Capabilities {
	return Capabilities{
		SupportsHeadless: true,
		BillingModes:     []string{"subscription"},
	}
}

func (a *MockAdapter) HealthCheck(ctx context.Context) Health {
	_, err := exec.LookPath(a.binary)
	return Health{Healthy: err == nil, SupportsHeadless: true}
}
