package orchestrator

import (
	"encoding/json"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/substratehq/substrate/internal/common/logger"
	"github.com/substratehq/substrate/internal/events"
)

// streamWriter mirrors every bus envelope to a writer as NDJSON, one
// JSON object per line, in publish order.
type streamWriter struct {
	mu     sync.Mutex
	w      io.Writer
	logger *logger.Logger
	subs   []*events.Subscription
}

func newStreamWriter(bus *events.Bus, w io.Writer, log *logger.Logger) *streamWriter {
	sw := &streamWriter{
		w:      w,
		logger: log.WithFields(zap.String("component", "event-stream")),
	}
	sw.subs = bus.SubscribeAll(events.AllKinds(), sw.write)
	return sw
}

func (sw *streamWriter) write(env events.Envelope) {
	line, err := json.Marshal(env)
	if err != nil {
		sw.logger.Warn("failed to encode event", zap.String("event", env.Type), zap.Error(err))
		return
	}
	line = append(line, '\n')

	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := sw.w.Write(line); err != nil {
		sw.logger.Warn("failed to write event stream line", zap.Error(err))
	}
}

func (sw *streamWriter) stop() {
	for _, sub := range sw.subs {
		sub.Unsubscribe()
	}
	sw.subs = nil
}
