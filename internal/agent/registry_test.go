package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(NewClaudeAdapter(""))
	r.Register(NewCodexAdapter(""))
	r.Register(NewMockAdapter(""))

	a, err := r.Get("claude")
	require.NoError(t, err)
	assert.Equal(t, "claude", a.Name())

	_, err = r.Get("ghost")
	assert.ErrorIs(t, err, ErrAdapterNotFound)

	assert.Equal(t, []string{"claude", "codex", "mock"}, r.Names())
}

func TestBuildCommands(t *testing.T) {
	opts := Options{WorktreePath: "/tmp/wt", BillingMode: "subscription", Model: "opus"}

	claude, err := NewClaudeAdapter("").BuildCommand("fix the bug", opts)
	require.NoError(t, err)
	assert.Equal(t, "claude", claude.Binary)
	assert.Contains(t, claude.Args, "--model")
	assert.Equal(t, "/tmp/wt", claude.Dir)
	assert.Contains(t, claude.Env, "CLAUDE_CODE_USE_SUBSCRIPTION=1")

	codex, err := NewCodexAdapter("").BuildCommand("fix the bug", Options{WorktreePath: "/tmp/wt"})
	require.NoError(t, err)
	assert.Equal(t, "exec", codex.Args[0])
	assert.Equal(t, "fix the bug", codex.Args[len(codex.Args)-1])

	gemini, err := NewGeminiAdapter("").BuildCommand("fix the bug", opts)
	require.NoError(t, err)
	assert.Contains(t, gemini.Args, "-m")

	_, err = NewClaudeAdapter("").BuildCommand("  ", opts)
	assert.Error(t, err)
}

func TestEstimateTokens(t *testing.T) {
	est := NewClaudeAdapter("").EstimateTokens("12345678") // 8 chars
	assert.Equal(t, int64(2), est.Input)
	assert.Equal(t, int64(6), est.Output)
	assert.Equal(t, int64(8), est.Total)

	est = NewClaudeAdapter("").EstimateTokens("12345") // ceil(5/4) = 2
	assert.Equal(t, int64(2), est.Input)
}

func TestParseOutput(t *testing.T) {
	res := NewClaudeAdapter("").ParseOutput("done", "", 0)
	assert.True(t, res.Success)
	assert.Equal(t, "done", res.Output)

	res = NewClaudeAdapter("").ParseOutput("", "boom", 2)
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.ExitCode)
}
