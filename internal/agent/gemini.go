package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// GeminiAdapter drives the gemini CLI in one-shot prompt mode.
type GeminiAdapter struct {
	binary string
}

// NewGeminiAdapter creates the adapter; binary defaults to "gemini".
func NewGeminiAdapter(binary string) *GeminiAdapter {
	if binary == "" {
		binary = "gemini"
	}
	return &GeminiAdapter{binary: binary}
}

func (a *GeminiAdapter) Name() string { return "gemini" }

func (a *GeminiAdapter) BuildCommand(prompt string, opts Options) (*CommandSpec, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("prompt must not be empty")
	}
	args := []string{"-p", prompt, "--yolo"}
	if opts.Model != "" {
		args = append(args, "-m", opts.Model)
	}
	return &CommandSpec{
		Binary: a.binary,
		Args:   args,
		Dir:    opts.WorktreePath,
	}, nil
}

func (a *GeminiAdapter) ParseOutput(stdout, stderr string, exitCode int) *ExecResult {
	return parseByExitCode(stdout, exitCode)
}

func (a *GeminiAdapter) EstimateTokens(prompt string) TokenEstimate {
	return estimateTokens(prompt)
}

func (a *GeminiAdapter) Capabilities() Capabilities {
	return Capabilities{
		SupportsHeadless: true,
		SupportsModels:   true,
		BillingModes:     []string{"subscription"},
	}
}

func (a *GeminiAdapter) HealthCheck(ctx context.Context) Health {
	_, err := exec.LookPath(a.binary)
	return Health{Healthy: err == nil, SupportsHeadless: true}
}
