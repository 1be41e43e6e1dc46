// Package cost records per-task spend and subscription savings.
package cost

import (
	"context"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/substratehq/substrate/internal/common/logger"
	"github.com/substratehq/substrate/internal/events"
	"github.com/substratehq/substrate/internal/routing"
	"github.com/substratehq/substrate/internal/store"
)

// ModelPricing is API list price per million tokens.
type ModelPricing struct {
	InputPerMTokUSD  float64
	OutputPerMTokUSD float64
}

// defaultPricing covers the models the built-in adapters route to. Unknown
// models fall back to fallbackPricing.
var defaultPricing = map[string]ModelPricing{
	"opus":       {InputPerMTokUSD: 15, OutputPerMTokUSD: 75},
	"sonnet":     {InputPerMTokUSD: 3, OutputPerMTokUSD: 15},
	"haiku":      {InputPerMTokUSD: 0.80, OutputPerMTokUSD: 4},
	"o3":         {InputPerMTokUSD: 2, OutputPerMTokUSD: 8},
	"gpt-5":      {InputPerMTokUSD: 1.25, OutputPerMTokUSD: 10},
	"gemini-pro": {InputPerMTokUSD: 1.25, OutputPerMTokUSD: 10},
}

var fallbackPricing = ModelPricing{InputPerMTokUSD: 3, OutputPerMTokUSD: 15}

// inputTokenShare splits a dispatch's total token estimate between prompt
// and completion when only the total is known.
const inputTokenShare = 0.25

type cachedDecision struct {
	agent       string
	billingMode string
	model       string
}

// Tracker caches routing decisions and turns terminal task events into
// cost entries.
type Tracker struct {
	store   *store.Store
	bus     *events.Bus
	logger  *logger.Logger
	pricing map[string]ModelPricing

	mu        sync.Mutex
	decisions map[string]cachedDecision

	subs []*events.Subscription
}

// NewTracker creates a tracker with the built-in pricing table.
func NewTracker(st *store.Store, bus *events.Bus, log *logger.Logger) *Tracker {
	if log == nil {
		log = logger.Default()
	}
	return &Tracker{
		store:     st,
		bus:       bus,
		logger:    log.WithFields(zap.String("component", "cost")),
		pricing:   defaultPricing,
		decisions: make(map[string]cachedDecision),
	}
}

// Start registers the bus subscriptions.
func (t *Tracker) Start() {
	t.subs = append(t.subs,
		t.bus.Subscribe(events.TaskRoutedKind, func(env events.Envelope) {
			p := env.Payload.(events.TaskRouted)
			t.mu.Lock()
			t.decisions[p.TaskID] = cachedDecision{
				agent:       p.Agent,
				billingMode: p.BillingMode,
				model:       p.Model,
			}
			t.mu.Unlock()
		}),
		t.bus.Subscribe(events.TaskCompleteKind, func(env events.Envelope) {
			p := env.Payload.(events.TaskComplete)
			t.record(p.SessionID, p.TaskID, p.TokensUsed)
		}),
		t.bus.Subscribe(events.TaskFailedKind, func(env events.Envelope) {
			p := env.Payload.(events.TaskFailed)
			t.record(p.SessionID, p.TaskID, p.TokensUsed)
		}),
	)
}

// Stop removes the bus subscriptions.
func (t *Tracker) Stop() {
	for _, sub := range t.subs {
		sub.Unsubscribe()
	}
	t.subs = nil
}

func (t *Tracker) record(sessionID, taskID string, tokensUsed int64) {
	t.mu.Lock()
	dec, ok := t.decisions[taskID]
	delete(t.decisions, taskID)
	t.mu.Unlock()

	if !ok || dec.billingMode == routing.BillingUnavailable {
		return
	}

	tokensIn := int64(math.Round(float64(tokensUsed) * inputTokenShare))
	tokensOut := tokensUsed - tokensIn
	apiCost := t.apiCost(dec.model, tokensIn, tokensOut)

	var costUSD, savingsUSD float64
	switch dec.billingMode {
	case routing.BillingSubscription:
		savingsUSD = apiCost
	default:
		costUSD = apiCost
	}

	ctx := context.Background()
	entry := &store.CostEntry{
		SessionID:    sessionID,
		TaskID:       taskID,
		Agent:        dec.agent,
		Provider:     dec.agent,
		Model:        dec.model,
		BillingMode:  dec.billingMode,
		TokensInput:  tokensIn,
		TokensOutput: tokensOut,
		CostUSD:      costUSD,
		SavingsUSD:   savingsUSD,
	}
	if err := t.store.InsertCostEntry(ctx, entry); err != nil {
		t.logger.Error("failed to insert cost entry",
			zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if err := t.store.AddTaskUsage(ctx, sessionID, taskID, costUSD, tokensIn, tokensOut); err != nil {
		t.logger.Error("failed to accumulate task usage",
			zap.String("task_id", taskID), zap.Error(err))
	}

	t.bus.Publish(events.CostRecorded{
		SessionID:   sessionID,
		TaskID:      taskID,
		Agent:       dec.agent,
		BillingMode: dec.billingMode,
		CostUSD:     costUSD,
		SavingsUSD:  savingsUSD,
	})
}

func (t *Tracker) apiCost(model string, tokensIn, tokensOut int64) float64 {
	pricing, ok := t.pricing[model]
	if !ok {
		pricing = fallbackPricing
	}
	cost := float64(tokensIn)/1e6*pricing.InputPerMTokUSD +
		float64(tokensOut)/1e6*pricing.OutputPerMTokUSD
	return math.Round(cost*1e5) / 1e5
}

// EstimateAPICost prices a token total at API rates, for routing previews.
func (t *Tracker) EstimateAPICost(model string, tokensTotal int64) float64 {
	tokensIn := int64(math.Round(float64(tokensTotal) * inputTokenShare))
	return t.apiCost(model, tokensIn, tokensTotal-tokensIn)
}

// SessionCost aggregates all of a session's cost entries.
func (t *Tracker) SessionCost(ctx context.Context, sessionID string) (*store.CostSummary, error) {
	return t.store.SessionCost(ctx, sessionID)
}

// CostByTask aggregates a session's cost entries per task.
func (t *Tracker) CostByTask(ctx context.Context, sessionID string) ([]*store.CostSummary, error) {
	return t.store.CostByTask(ctx, sessionID)
}

// CostByAgent aggregates a session's cost entries per agent.
func (t *Tracker) CostByAgent(ctx context.Context, sessionID string) ([]*store.CostSummary, error) {
	return t.store.CostByAgent(ctx, sessionID)
}
