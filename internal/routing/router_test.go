package routing

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratehq/substrate/internal/common/logger"
	"github.com/substratehq/substrate/internal/events"
	"github.com/substratehq/substrate/internal/store"
)

func testPolicy(t *testing.T, text string) *Policy {
	t.Helper()
	policy, err := ParsePolicy([]byte(text))
	require.NoError(t, err)
	return policy
}

func newTestRouter(t *testing.T, text string) (*Router, *events.Bus) {
	t.Helper()
	bus := events.NewBus(logger.Default())
	r := NewRouter(testPolicy(t, text), "", nil, bus, logger.Default())
	r.env = func(string) string { return "" }
	return r, bus
}

func task(id, taskType, prompt string) *store.Task {
	return &store.Task{ID: id, TaskType: taskType, Prompt: prompt}
}

const threeSubProviders = `
providers:
  claude:
    enabled: true
    subscription_routing: true
    rate_limit: {tokens_per_window: 100, window_seconds: 60}
  codex:
    enabled: true
    subscription_routing: true
    rate_limit: {tokens_per_window: 100, window_seconds: 60}
  gemini:
    enabled: true
    subscription_routing: true
default:
  preferred_agents: [claude, codex, gemini]
`

func TestDecideSubscriptionFirst(t *testing.T) {
	r, _ := newTestRouter(t, threeSubProviders)

	d := r.Decide(task("task-a", "", "a short prompt"))
	assert.Equal(t, "claude", d.Agent)
	assert.Equal(t, BillingSubscription, d.BillingMode)
	assert.Equal(t, []string{"claude"}, d.FallbackChain)
	assert.NotEmpty(t, d.Rationale)
	require.NotNil(t, d.RateLimit)
	assert.Equal(t, int64(100), d.RateLimit.Limit)
}

func TestDecideFallsBackOnExhaustedWindows(t *testing.T) {
	r, bus := newTestRouter(t, threeSubProviders)

	var unavailable []events.ProviderUnavailable
	bus.Subscribe(events.ProviderUnavailableKind, func(env events.Envelope) {
		unavailable = append(unavailable, env.Payload.(events.ProviderUnavailable))
	})

	r.UpdateRateLimit("claude", 100)
	r.UpdateRateLimit("codex", 100)

	d := r.Decide(task("task-a", "", "prompt"))
	assert.Equal(t, "gemini", d.Agent)
	assert.Equal(t, BillingSubscription, d.BillingMode)
	assert.Equal(t, []string{"claude", "codex", "gemini"}, d.FallbackChain)
	assert.Contains(t, d.Rationale, "claude")
	assert.Contains(t, d.Rationale, "codex")

	require.Len(t, unavailable, 2)
	assert.Equal(t, "rate_limit", unavailable[0].Reason)
	assert.Greater(t, unavailable[0].ResetAtMs, int64(0))

	// Exhaustion is signalled once per window, not per decision.
	d = r.Decide(task("task-b", "", "prompt"))
	assert.Equal(t, "gemini", d.Agent)
	assert.Len(t, unavailable, 2)
}

func TestDecideAPIFallback(t *testing.T) {
	r, _ := newTestRouter(t, `
providers:
  claude:
    enabled: true
    subscription_routing: true
    rate_limit: {tokens_per_window: 10, window_seconds: 60}
    api_billing: {enabled: true, api_key_env: CLAUDE_API_KEY}
default:
  preferred_agents: [claude]
`)

	// Exhaust the subscription window; no API key yet.
	r.UpdateRateLimit("claude", 10)
	d := r.Decide(task("task-a", "", "prompt"))
	assert.Equal(t, BillingUnavailable, d.BillingMode)
	assert.Contains(t, d.Rationale, "CLAUDE_API_KEY")

	r.env = func(name string) string {
		if name == "CLAUDE_API_KEY" {
			return "sk-test"
		}
		return ""
	}
	d = r.Decide(task("task-b", "", "prompt"))
	assert.Equal(t, "claude", d.Agent)
	assert.Equal(t, BillingAPI, d.BillingMode)
	assert.Contains(t, d.Rationale, "exhausted")
}

func TestDecideSkipsDisabledProviders(t *testing.T) {
	r, _ := newTestRouter(t, `
providers:
  claude: {enabled: false, subscription_routing: true}
  gemini: {enabled: true, subscription_routing: true}
default:
  preferred_agents: [claude, gemini]
`)

	d := r.Decide(task("task-a", "", "prompt"))
	assert.Equal(t, "gemini", d.Agent)
	assert.Equal(t, []string{"claude", "gemini"}, d.FallbackChain)
	assert.Contains(t, d.Rationale, "claude: disabled")
}

func TestDecideHonorsTaskTypeAndModel(t *testing.T) {
	r, _ := newTestRouter(t, `
providers:
  claude: {enabled: true, subscription_routing: true}
  gemini: {enabled: true, subscription_routing: true}
task_types:
  review:
    preferred_agents: [gemini]
    model_preferences: {gemini: pro}
default:
  preferred_agents: [claude]
`)

	d := r.Decide(task("task-a", "review", "prompt"))
	assert.Equal(t, "gemini", d.Agent)
	assert.Equal(t, "pro", d.Model)

	d = r.Decide(task("task-b", "", "prompt"))
	assert.Equal(t, "claude", d.Agent)
}

func TestDecideExplicitTaskAgent(t *testing.T) {
	r, _ := newTestRouter(t, threeSubProviders)

	tk := task("task-a", "", "prompt")
	tk.Agent = "gemini"
	d := r.Decide(tk)
	assert.Equal(t, "gemini", d.Agent)
	assert.Equal(t, []string{"gemini"}, d.FallbackChain)
}

func TestDecideIsDeterministic(t *testing.T) {
	r, _ := newTestRouter(t, threeSubProviders)

	first := r.Decide(task("task-a", "", "same prompt"))
	second := r.Decide(task("task-a", "", "same prompt"))
	assert.Equal(t, first.Agent, second.Agent)
	assert.Equal(t, first.BillingMode, second.BillingMode)
}

func TestWindowLazyReset(t *testing.T) {
	r, bus := newTestRouter(t, `
providers:
  claude:
    enabled: true
    subscription_routing: true
    rate_limit: {tokens_per_window: 100, window_seconds: 60}
default:
  preferred_agents: [claude]
`)
	var unavailable int
	bus.Subscribe(events.ProviderUnavailableKind, func(events.Envelope) { unavailable++ })

	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	r.UpdateRateLimit("claude", 100)
	assert.False(t, r.CheckRateLimit("claude", 1))
	assert.Equal(t, BillingUnavailable, r.Decide(task("t1", "", "p")).BillingMode)
	assert.Equal(t, 1, unavailable)

	// Same window: no second signal.
	assert.Equal(t, BillingUnavailable, r.Decide(task("t2", "", "p")).BillingMode)
	assert.Equal(t, 1, unavailable)

	// Window elapses: counters reset, provider available again.
	now = now.Add(61 * time.Second)
	assert.True(t, r.CheckRateLimit("claude", 100))
	d := r.Decide(task("t3", "", "p"))
	assert.Equal(t, BillingSubscription, d.BillingMode)

	used, limit := r.ProviderWindow("claude")
	assert.Equal(t, int64(0), used)
	assert.Equal(t, int64(100), limit)

	// A fresh exhaustion in the new window signals again.
	r.UpdateRateLimit("claude", 100)
	assert.Equal(t, BillingUnavailable, r.Decide(task("t4", "", "p")).BillingMode)
	assert.Equal(t, 2, unavailable)
}

func TestCheckRateLimitDoesNotMutate(t *testing.T) {
	r, _ := newTestRouter(t, threeSubProviders)

	r.UpdateRateLimit("claude", 40)
	for i := 0; i < 5; i++ {
		assert.True(t, r.CheckRateLimit("claude", 60))
		assert.False(t, r.CheckRateLimit("claude", 61))
	}
	used, _ := r.ProviderWindow("claude")
	assert.Equal(t, int64(40), used)
}

func TestBusWiring(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	bus := events.NewBus(logger.Default())
	r := NewRouter(testPolicy(t, threeSubProviders), "", s, bus, logger.Default())
	r.env = func(string) string { return "" }
	r.Start()
	t.Cleanup(r.Stop)

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.CreateSession(ctx, s.DB(), &store.Session{
		ID: "s1", GraphFile: "g", Status: store.SessionActive, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.CreateTask(ctx, s.DB(), &store.Task{
		ID: "task-a", SessionID: "s1", Name: "A", Prompt: "do it",
		Status: store.TaskReady, CreatedAt: now, UpdatedAt: now,
	}, nil))

	var routed []events.TaskRouted
	bus.Subscribe(events.TaskRoutedKind, func(env events.Envelope) {
		routed = append(routed, env.Payload.(events.TaskRouted))
	})

	bus.Publish(events.TaskReady{SessionID: "s1", TaskID: "task-a"})
	require.Len(t, routed, 1)
	assert.Equal(t, "claude", routed[0].Agent)
	assert.Equal(t, BillingSubscription, routed[0].BillingMode)

	// Completion credits the provider window via the cached decision.
	bus.Publish(events.TaskComplete{SessionID: "s1", TaskID: "task-a", TokensUsed: 42})
	used, _ := r.ProviderWindow("claude")
	assert.Equal(t, int64(42), used)
}

func TestReloadPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  claude: {enabled: true, subscription_routing: true}
default:
  preferred_agents: [claude]
`), 0o644))

	policy, err := LoadPolicy(path)
	require.NoError(t, err)
	r := NewRouter(policy, path, nil, events.NewBus(logger.Default()), logger.Default())

	d := r.Decide(task("task-a", "", "p"))
	assert.Equal(t, "claude", d.Agent)

	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  claude: {enabled: false}
  gemini: {enabled: true, subscription_routing: true}
default:
  preferred_agents: [claude, gemini]
`), 0o644))
	require.NoError(t, r.ReloadPolicy())

	d = r.Decide(task("task-b", "", "p"))
	assert.Equal(t, "gemini", d.Agent)

	// Invalid replacement leaves the active policy in place.
	require.NoError(t, os.WriteFile(path, []byte(`providers: {}`), 0o644))
	require.Error(t, r.ReloadPolicy())
	d = r.Decide(task("task-c", "", "p"))
	assert.Equal(t, "gemini", d.Agent)
}
