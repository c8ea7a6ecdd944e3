package events

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event)

// Bus manages event subscriptions and dispatching.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	sync     bool
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithSynchronousDelivery makes Emit call handlers inline, in subscription
// order, before returning.
func WithSynchronousDelivery() BusOption {
	return func(b *Bus) { b.sync = true }
}

// NewBus creates a new event bus. Handlers run asynchronously unless
// WithSynchronousDelivery is given.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{handlers: make(map[EventType][]Handler)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe adds a handler for a specific event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)

	log.WithFields(log.Fields{
		"eventType":    eventType,
		"handlerCount": len(b.handlers[eventType]),
	}).Debug("subscribed handler")
}

// SubscribeAll adds a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) {
	for _, t := range AllTypes {
		b.Subscribe(t, handler)
	}
}

// Emit publishes an event to all registered handlers. A panicking handler
// is logged and does not affect the others.
func (b *Bus) Emit(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[event.Type()]))
	copy(handlers, b.handlers[event.Type()])
	b.mu.RUnlock()

	for i, h := range handlers {
		if b.sync {
			call(ctx, h, i, event)
			continue
		}
		go call(ctx, h, i, event)
	}
}

func call(ctx context.Context, h Handler, index int, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"eventType":    event.Type(),
				"handlerIndex": index,
				"panic":        r,
			}).Error("event handler panicked")
		}
	}()
	h(ctx, event)
}

// TransactionalBus holds events raised while a request is being applied and
// releases them to the underlying bus only once the request has committed.
type TransactionalBus struct {
	real    *Bus
	pending []Event
}

// NewTransactionalBus wraps real. A nil real bus drops every event.
func NewTransactionalBus(real *Bus) *TransactionalBus {
	return &TransactionalBus{real: real}
}

// Publish stashes an event until Flush.
func (b *TransactionalBus) Publish(e Event) {
	b.pending = append(b.pending, e)
}

// Flush emits the pending events; call it after a successful commit.
func (b *TransactionalBus) Flush() {
	if b.real != nil {
		// Subscribers outlive the request, so they get a fresh context.
		ctx := context.Background()
		for _, ev := range b.pending {
			b.real.Emit(ctx, ev)
		}
	}
	b.pending = nil
}

// Discard drops the pending events; call it when the request fails.
func (b *TransactionalBus) Discard() {
	if len(b.pending) > 0 {
		log.WithField("discardedEventCount", len(b.pending)).Debug("discarding pending events")
	}
	b.pending = nil
}
