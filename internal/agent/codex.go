package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CodexAdapter drives the codex CLI through its non-interactive exec mode.
type CodexAdapter struct {
	binary string
}

// NewCodexAdapter creates the adapter; binary defaults to "codex".
func NewCodexAdapter(binary string) *CodexAdapter {
	if binary == "" {
		binary = "codex"
	}
	return &CodexAdapter{binary: binary}
}

func (a *CodexAdapter) Name() string { return "codex" }

func (a *CodexAdapter) BuildCommand(prompt string, opts Options) (*CommandSpec, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("prompt must not be empty")
	}
	args := []string{"exec", "--skip-git-repo-check"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	args = append(args, prompt)
	return &CommandSpec{
		Binary: a.binary,
		Args:   args,
		Dir:    opts.WorktreePath,
	}, nil
}

func (a *CodexAdapter) ParseOutput(stdout, stderr string, exitCode int) *ExecResult {
	return parseByExitCode(stdout, exitCode)
}

func (a *CodexAdapter) EstimateTokens(prompt string) TokenEstimate {
	return estimateTokens(prompt)
}

func (a *CodexAdapter) Capabilities() Capabilities {
	return Capabilities{
		SupportsHeadless: true,
		SupportsModels:   true,
		BillingModes:     []string{"subscription", "api"},
	}
}

func (a *CodexAdapter) HealthCheck(ctx context.Context) Health {
	_, err := exec.LookPath(a.binary)
	return Health{Healthy: err == nil, SupportsHeadless: true}
}
