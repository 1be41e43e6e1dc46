package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ClaudeAdapter drives the claude CLI in headless print mode.
type ClaudeAdapter struct {
	binary string
}

// NewClaudeAdapter creates the adapter; binary defaults to "claude".
func NewClaudeAdapter(binary string) *ClaudeAdapter {
	if binary == "" {
		binary = "claude"
	}
	return &ClaudeAdapter{binary: binary}
}

func (a *ClaudeAdapter) Name() string { return "claude" }

func (a *ClaudeAdapter) BuildCommand(prompt string, opts Options) (*CommandSpec, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("prompt must not be empty")
	}
	args := []string{"-p", prompt, "--output-format", "text"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	spec := &CommandSpec{
		Binary: a.binary,
		Args:   args,
		Dir:    opts.WorktreePath,
	}
	if opts.BillingMode == "subscription" {
		// Force the CLI onto the subscription channel even when an API
		// key is present in the environment.
		spec.Env = append(spec.Env, "CLAUDE_CODE_USE_SUBSCRIPTION=1")
	}
	return spec, nil
}

func (a *ClaudeAdapter) ParseOutput(stdout, stderr string, exitCode int) *ExecResult {
	return parseByExitCode(stdout, exitCode)
}

func (a *ClaudeAdapter) EstimateTokens(prompt string) TokenEstimate {
	return estimateTokens(prompt)
}

func (a *ClaudeAdapter) Capabilities() Capabilities {
	return Capabilities{
		SupportsHeadless: true,
		SupportsModels:   true,
		BillingModes:     []string{"subscription", "api"},
	}
}

func (a *ClaudeAdapter) HealthCheck(ctx context.Context) Health {
	_, err := exec.LookPath(a.binary)
	return Health{Healthy: err == nil, SupportsHeadless: true}
}
