package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/tonguard/tonguard/internal/events"
	"github.com/tonguard/tonguard/internal/retry"
)

// recordTimeout bounds each best-effort persistence attempt.
const recordTimeout = 5 * time.Second

// Recorder subscribes to the security event bus and persists every event.
// Persistence is best-effort: a store failure is logged and the event
// dropped, never propagated back to the publisher.
type Recorder struct {
	store  Store
	logger *slog.Logger
	cancel func()
}

// NewRecorder attaches a recorder to the bus.
func NewRecorder(bus *events.Bus, store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{store: store, logger: logger}
	r.cancel = bus.Subscribe("audit_recorder", r.handle)
	return r
}

func (r *Recorder) handle(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	rec := &EventRecord{
		ID:        ev.ID,
		Type:      ev.Type,
		Data:      ev.Data,
		CreatedAt: ev.Timestamp,
	}
	// Transient store errors get a couple of retries before the event is
	// dropped.
	err := retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		return r.store.RecordEvent(ctx, rec)
	})
	if err != nil {
		r.logger.Warn("failed to persist security event", "eventId", ev.ID, "type", ev.Type, "error", err)
	}
}

// Close detaches the recorder from the bus.
func (r *Recorder) Close() {
	r.cancel()
}
