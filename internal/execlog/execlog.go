// Package execlog maintains the append-only audit trail of transitions.
package execlog

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/substratehq/substrate/internal/common/logger"
	"github.com/substratehq/substrate/internal/events"
	"github.com/substratehq/substrate/internal/store"
)

// Recorder subscribes to status-change events and appends one row each.
type Recorder struct {
	store  *store.Store
	bus    *events.Bus
	logger *logger.Logger
	subs   []*events.Subscription
}

// NewRecorder creates a recorder over the store.
func NewRecorder(st *store.Store, bus *events.Bus, log *logger.Logger) *Recorder {
	if log == nil {
		log = logger.Default()
	}
	return &Recorder{
		store:  st,
		bus:    bus,
		logger: log.WithFields(zap.String("component", "execlog")),
	}
}

// Start registers the bus subscriptions.
func (r *Recorder) Start() {
	r.subs = append(r.subs,
		r.bus.Subscribe(events.TaskStatusChangeKind, func(env events.Envelope) {
			p := env.Payload.(events.TaskStatusChange)
			taskID := p.TaskID
			old := p.OldStatus
			new_ := p.NewStatus
			entry := &store.ExecutionLogEntry{
				SessionID: p.SessionID,
				TaskID:    &taskID,
				Event:     store.LogTaskStatusChange,
				OldStatus: &old,
				NewStatus: &new_,
				Timestamp: env.Timestamp,
			}
			if p.Agent != "" {
				agent := p.Agent
				entry.Agent = &agent
			}
			r.append(entry)
		}),
		r.bus.Subscribe(events.OrchestratorStateChangeKind, func(env events.Envelope) {
			p := env.Payload.(events.OrchestratorStateChange)
			old := p.OldState
			new_ := p.NewState
			r.append(&store.ExecutionLogEntry{
				SessionID: p.SessionID,
				Event:     store.LogOrchestratorStateChange,
				OldStatus: &old,
				NewStatus: &new_,
				Timestamp: env.Timestamp,
			})
		}),
	)
}

// Stop removes the bus subscriptions.
func (r *Recorder) Stop() {
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
	r.subs = nil
}

func (r *Recorder) append(entry *store.ExecutionLogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if err := r.store.AppendLog(context.Background(), entry); err != nil {
		r.logger.Error("failed to append execution log entry",
			zap.String("event", entry.Event),
			zap.Error(err))
	}
}

// SessionLog returns a session's entries in (timestamp, id) order. A
// limit of zero means no limit.
func (r *Recorder) SessionLog(ctx context.Context, sessionID string, limit int) ([]*store.ExecutionLogEntry, error) {
	return r.store.SessionLog(ctx, sessionID, limit)
}

// ByEvent returns a session's entries with the given event tag.
func (r *Recorder) ByEvent(ctx context.Context, sessionID, event string) ([]*store.ExecutionLogEntry, error) {
	return r.store.LogByEvent(ctx, sessionID, event)
}

// ByTimeRange returns a session's entries within [from, to].
func (r *Recorder) ByTimeRange(ctx context.Context, sessionID string, from, to time.Time) ([]*store.ExecutionLogEntry, error) {
	return r.store.LogByTimeRange(ctx, sessionID, from, to)
}
