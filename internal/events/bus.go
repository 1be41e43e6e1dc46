package events

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/substratehq/substrate/internal/common/logger"
)

// Handler receives every envelope published for a subscribed kind.
// Handlers run synchronously on the publisher's goroutine and must not
// block; long work belongs on the handler's own channel or goroutine.
type Handler func(Envelope)

// Subscription represents an active bus subscription.
type Subscription struct {
	bus     *Bus
	kind    string
	id      uint64
	handler Handler
}

// Unsubscribe removes the subscription from the bus.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s)
}

// Bus is a synchronous in-process pub/sub bus. Publish invokes every
// registered handler for the payload's kind, in registration order,
// before returning. A panicking handler is logged and does not suppress
// delivery to the remaining handlers. Events with no subscribers are lost.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription
	nextID uint64
	logger *logger.Logger
}

// NewBus creates a new event bus.
func NewBus(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.Default()
	}
	return &Bus{
		subs:   make(map[string][]*Subscription),
		logger: log.WithFields(zap.String("component", "event-bus")),
	}
}

// Subscribe registers a handler for the given event kind.
func (b *Bus) Subscribe(kind string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{bus: b, kind: kind, id: b.nextID, handler: handler}
	b.subs[kind] = append(b.subs[kind], sub)
	return sub
}

// SubscribeAll registers a handler for every listed event kind.
func (b *Bus) SubscribeAll(kinds []string, handler Handler) []*Subscription {
	subs := make([]*Subscription, 0, len(kinds))
	for _, kind := range kinds {
		subs = append(subs, b.Subscribe(kind, handler))
	}
	return subs
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.kind]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.kind] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Publish delivers the payload to every subscriber of its kind. When
// Publish returns, each handler registered at publish time has been
// invoked exactly once.
func (b *Bus) Publish(payload Payload) {
	env := Envelope{
		Type:      payload.Kind(),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	b.mu.RLock()
	handlers := make([]*Subscription, len(b.subs[env.Type]))
	copy(handlers, b.subs[env.Type])
	b.mu.RUnlock()

	for _, sub := range handlers {
		b.invoke(sub, env)
	}
}

// invoke runs one handler, converting a panic into a logged error so the
// remaining handlers still receive the event.
func (b *Bus) invoke(sub *Subscription, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event", env.Type),
				zap.Any("panic", r))
		}
	}()
	sub.handler(env)
}

// MarshalJSON flattens the payload's fields alongside type and timestamp,
// producing one NDJSON stream object.
func (e Envelope) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]any)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["type"] = e.Type
	fields["timestamp"] = e.Timestamp.Format(time.RFC3339Nano)

	return json.Marshal(fields)
}
