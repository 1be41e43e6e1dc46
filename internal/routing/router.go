package routing

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/substratehq/substrate/internal/common/logger"
	"github.com/substratehq/substrate/internal/events"
	"github.com/substratehq/substrate/internal/store"
)

// Decision is the outcome of routing one task.
type Decision struct {
	TaskID           string
	Agent            string
	BillingMode      string
	Model            string
	Rationale        string
	FallbackChain    []string
	EstimatedCostUSD float64
	RateLimit        *events.RateLimitSnapshot
}

// providerState tracks one provider's rolling subscription window.
type providerState struct {
	tokensUsed    int64
	windowStart   time.Time
	exhaustedSent bool
}

// TokenEstimator predicts a task's token consumption before dispatch.
type TokenEstimator func(task *store.Task) int64

// Router applies the routing policy to ready tasks. Window counters are
// mutated only by the router; reads take snapshots under the lock.
type Router struct {
	store  *store.Store
	bus    *events.Bus
	logger *logger.Logger

	mu         sync.Mutex
	policy     *Policy
	policyPath string
	providers  map[string]*providerState
	decisions  map[string]*Decision

	estimate TokenEstimator
	now      func() time.Time
	env      func(string) string

	subs []*events.Subscription
}

// NewRouter creates a router over a validated policy. policyPath may be
// empty when the policy was parsed from memory; ReloadPolicy then fails.
func NewRouter(policy *Policy, policyPath string, st *store.Store, bus *events.Bus, log *logger.Logger) *Router {
	if log == nil {
		log = logger.Default()
	}
	r := &Router{
		store:      st,
		bus:        bus,
		logger:     log.WithFields(zap.String("component", "router")),
		policy:     policy,
		policyPath: policyPath,
		providers:  make(map[string]*providerState),
		decisions:  make(map[string]*Decision),
		now:        time.Now,
		env:        os.Getenv,
	}
	r.estimate = func(task *store.Task) int64 {
		return int64((len(task.Prompt) + 3) / 4)
	}
	return r
}

// SetEstimator replaces the pre-dispatch token estimator. The default is
// the same length/4 approximation the dispatcher reports.
func (r *Router) SetEstimator(fn TokenEstimator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.estimate = fn
}

// Start subscribes the router to the bus: ready tasks get routed, completed
// tasks credit their window.
func (r *Router) Start() {
	r.subs = append(r.subs,
		r.bus.Subscribe(events.TaskReadyKind, func(env events.Envelope) {
			p := env.Payload.(events.TaskReady)
			r.routeReadyTask(p.SessionID, p.TaskID)
		}),
		r.bus.Subscribe(events.TaskCompleteKind, func(env events.Envelope) {
			p := env.Payload.(events.TaskComplete)
			r.creditCompletion(p.TaskID, p.TokensUsed)
		}),
	)
}

// Stop removes the bus subscriptions.
func (r *Router) Stop() {
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
	r.subs = nil
}

func (r *Router) routeReadyTask(sessionID, taskID string) {
	task, err := r.store.GetTask(context.Background(), sessionID, taskID)
	if err != nil {
		r.logger.Error("failed to load task for routing",
			zap.String("task_id", taskID),
			zap.Error(err))
		return
	}

	decision := r.Decide(task)
	r.bus.Publish(events.TaskRouted{
		SessionID:        sessionID,
		TaskID:           taskID,
		Agent:            decision.Agent,
		BillingMode:      decision.BillingMode,
		Model:            decision.Model,
		Rationale:        decision.Rationale,
		FallbackChain:    decision.FallbackChain,
		EstimatedCostUSD: decision.EstimatedCostUSD,
		RateLimit:        decision.RateLimit,
	})
}

func (r *Router) creditCompletion(taskID string, tokensUsed int64) {
	r.mu.Lock()
	decision, ok := r.decisions[taskID]
	r.mu.Unlock()
	if !ok || decision.BillingMode == BillingUnavailable {
		return
	}
	r.UpdateRateLimit(decision.Agent, tokensUsed)
}

// Decision returns the cached routing decision for a task, if any.
func (r *Router) Decision(taskID string) (*Decision, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.decisions[taskID]
	return d, ok
}

// Decide routes one task: walk the candidate list in order, prefer the
// subscription window, fall back to API billing, otherwise skip. The
// decision is deterministic given provider state.
func (r *Router) Decide(task *store.Task) *Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	policy := r.policy
	estimate := r.estimate(task)

	candidates := policy.Candidates(task.TaskType)
	if task.Agent != "" {
		// An explicit task agent narrows the candidate list to itself.
		candidates = []string{task.Agent}
	}
	pref := policy.Default.BillingPreference

	decision := &Decision{TaskID: task.ID, BillingMode: BillingUnavailable}
	var tried []string
	var exhausted []events.ProviderUnavailable

	for _, name := range candidates {
		provider, ok := policy.Providers[name]
		if !ok {
			tried = append(tried, fmt.Sprintf("%s: unknown provider", name))
			continue
		}
		decision.FallbackChain = append(decision.FallbackChain, name)

		if !provider.Enabled {
			tried = append(tried, fmt.Sprintf("%s: disabled", name))
			continue
		}

		if pref != PreferAPIOnly && provider.SubscriptionRouting {
			state := r.stateLocked(name, &provider)
			if r.windowFitsLocked(state, &provider, estimate) {
				decision.Agent = name
				decision.BillingMode = BillingSubscription
				decision.Model = policy.Model(task.TaskType, name)
				if provider.RateLimit != nil {
					decision.RateLimit = &events.RateLimitSnapshot{
						Used:  state.tokensUsed,
						Limit: provider.RateLimit.TokensPerWindow,
					}
				}
				decision.Rationale = rationale(name, BillingSubscription, tried)
				r.decisions[task.ID] = decision
				r.publishExhaustions(exhausted)
				return decision
			}
			tried = append(tried, fmt.Sprintf("%s: subscription window exhausted", name))
			if !state.exhaustedSent {
				state.exhaustedSent = true
				exhausted = append(exhausted, events.ProviderUnavailable{
					Provider:  name,
					Reason:    "rate_limit",
					ResetAtMs: state.windowStart.Add(time.Duration(provider.RateLimit.WindowSeconds) * time.Second).UnixMilli(),
				})
			}
		} else if provider.SubscriptionRouting {
			tried = append(tried, fmt.Sprintf("%s: subscription skipped (billing preference %s)", name, pref))
		} else {
			tried = append(tried, fmt.Sprintf("%s: subscription routing disabled", name))
		}

		if pref != PreferSubscriptionOnly && provider.APIBilling != nil && provider.APIBilling.Enabled {
			if key := r.env(provider.APIBilling.APIKeyEnv); key != "" {
				decision.Agent = name
				decision.BillingMode = BillingAPI
				decision.Model = policy.Model(task.TaskType, name)
				decision.Rationale = rationale(name, BillingAPI, tried)
				r.decisions[task.ID] = decision
				r.publishExhaustions(exhausted)
				return decision
			}
			tried = append(tried, fmt.Sprintf("%s: api key env %s is empty", name, provider.APIBilling.APIKeyEnv))
		}
	}

	decision.Rationale = "no provider available: " + strings.Join(tried, "; ")
	r.decisions[task.ID] = decision
	r.publishExhaustions(exhausted)
	return decision
}

// publishExhaustions runs under the router lock; the bus tolerates that
// because exhaustion subscribers never call back into the router.
func (r *Router) publishExhaustions(exhausted []events.ProviderUnavailable) {
	for _, ev := range exhausted {
		r.logger.Warn("provider window exhausted",
			zap.String("provider", ev.Provider),
			zap.Int64("reset_at_ms", ev.ResetAtMs))
		if r.bus != nil {
			r.bus.Publish(ev)
		}
	}
}

func rationale(agent, mode string, tried []string) string {
	if len(tried) == 0 {
		return fmt.Sprintf("selected %s via %s", agent, mode)
	}
	return fmt.Sprintf("selected %s via %s (skipped: %s)", agent, mode, strings.Join(tried, "; "))
}

// stateLocked returns the provider's window state, lazily resetting an
// elapsed window.
func (r *Router) stateLocked(name string, provider *ProviderPolicy) *providerState {
	state, ok := r.providers[name]
	if !ok {
		state = &providerState{windowStart: r.now()}
		r.providers[name] = state
	}
	if provider.RateLimit != nil {
		window := time.Duration(provider.RateLimit.WindowSeconds) * time.Second
		if r.now().Sub(state.windowStart) >= window {
			state.tokensUsed = 0
			state.windowStart = r.now()
			state.exhaustedSent = false
		}
	}
	return state
}

func (r *Router) windowFitsLocked(state *providerState, provider *ProviderPolicy, estimate int64) bool {
	if provider.RateLimit == nil {
		return true
	}
	return state.tokensUsed+estimate <= provider.RateLimit.TokensPerWindow
}

// CheckRateLimit reports whether the estimate fits the provider's current
// window without mutating any state.
func (r *Router) CheckRateLimit(provider string, estimate int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.policy.Providers[provider]
	if !ok {
		return false
	}
	if p.RateLimit == nil {
		return true
	}
	state, ok := r.providers[provider]
	if !ok {
		return estimate <= p.RateLimit.TokensPerWindow
	}
	window := time.Duration(p.RateLimit.WindowSeconds) * time.Second
	if r.now().Sub(state.windowStart) >= window {
		return estimate <= p.RateLimit.TokensPerWindow
	}
	return state.tokensUsed+estimate <= p.RateLimit.TokensPerWindow
}

// UpdateRateLimit credits tokens against the provider's current window,
// lazily resetting an elapsed one.
func (r *Router) UpdateRateLimit(provider string, tokensUsed int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.policy.Providers[provider]
	if !ok {
		return
	}
	state := r.stateLocked(provider, &p)
	state.tokensUsed += tokensUsed
}

// ProviderWindow snapshots a provider's window usage for inspection.
func (r *Router) ProviderWindow(provider string) (used int64, limit int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.policy.Providers[provider]
	if !ok || p.RateLimit == nil {
		return 0, 0
	}
	if state, ok := r.providers[provider]; ok {
		used = state.tokensUsed
	}
	return used, p.RateLimit.TokensPerWindow
}

// ReloadPolicy re-reads the policy file and swaps it in atomically.
// Cached decisions and window counters are unaffected.
func (r *Router) ReloadPolicy() error {
	r.mu.Lock()
	path := r.policyPath
	r.mu.Unlock()
	if path == "" {
		return fmt.Errorf("router has no policy file to reload")
	}

	policy, err := LoadPolicy(path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.policy = policy
	r.mu.Unlock()
	r.logger.Info("routing policy reloaded", zap.String("path", path))
	return nil
}
