// Package events provides the security event bus for the tonguard platform.
//
// Components publish security events (key generated, permission changed,
// transaction authorized, anomaly alerts) onto an in-process bus. Each
// subscriber drains its own bounded queue on its own goroutine, so a slow
// or panicking subscriber can never affect authorization or custody
// outcomes. Overflowing queues drop events rather than block publishers.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tonguard/tonguard/internal/idgen"
	"github.com/tonguard/tonguard/internal/metrics"
)

// Type identifies the kind of security event.
type Type string

const (
	EventKeyGenerated      Type = "key.generated"
	EventKeyRotated        Type = "key.rotated"
	EventKeyRevoked        Type = "key.revoked"
	EventWalletCreated     Type = "wallet.created"
	EventWalletLocked      Type = "wallet.locked"
	EventPermissionChanged Type = "permission.changed"
	EventTxAuthorized      Type = "transaction.authorized"
	EventTxRejected        Type = "transaction.rejected"
	EventTxPrepared        Type = "transaction.prepared"
	EventTxSigned          Type = "transaction.signed"
	EventRecoveryInitiated Type = "recovery.initiated"
	EventRecoveryCompleted Type = "recovery.completed"
	EventAnomalyAlert      Type = "alert.anomaly"
)

// Event is a single security event.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Handler consumes events. Panics are recovered and logged; errors are the
// handler's own concern.
type Handler func(Event)

// DefaultQueueSize is the per-subscriber queue depth.
const DefaultQueueSize = 256

type subscriber struct {
	name string
	ch   chan Event
	done chan struct{}
}

// Bus fans events out to subscribers with per-subscriber isolation.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	logger *slog.Logger
	closed bool
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string]*subscriber),
		logger: logger,
	}
}

// Subscribe registers a named handler. The handler runs on its own goroutine
// draining a bounded queue. Returns a cancel function that detaches the
// subscriber and stops its goroutine.
func (b *Bus) Subscribe(name string, fn Handler) func() {
	sub := &subscriber{
		name: name,
		ch:   make(chan Event, DefaultQueueSize),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[name] = sub
	b.mu.Unlock()

	go func() {
		for ev := range sub.ch {
			b.deliver(sub.name, fn, ev)
		}
		close(sub.done)
	}()

	return func() {
		b.mu.Lock()
		if s, ok := b.subs[name]; ok && s == sub {
			delete(b.subs, name)
			close(sub.ch)
		}
		b.mu.Unlock()
		<-sub.done
	}
}

// deliver invokes the handler, isolating panics.
func (b *Bus) deliver(name string, fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked", "subscriber", name, "event", ev.Type, "panic", r)
		}
	}()
	fn(ev)
}

// Publish enqueues an event for every subscriber. Never blocks: a full
// subscriber queue drops the event for that subscriber only.
func (b *Bus) Publish(eventType Type, data map[string]any) {
	ev := Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	metrics.SecurityEventsTotal.WithLabelValues(string(eventType)).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("subscriber queue full, dropping event",
				"subscriber", sub.name, "event", ev.Type)
		}
	}
}

// Close detaches all subscribers and waits for their queues to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for name, sub := range b.subs {
		delete(b.subs, name)
		close(sub.ch)
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		<-sub.done
	}
}
