// Package bus is the in-process publish/subscribe seam between the approval
// engine and its side-effecting listeners (sync adapter, notifications).
// Delivery is synchronous and best-effort: a panicking handler is logged and
// isolated, it never aborts the publishing operation or later handlers.
// Anything that must survive a crash belongs in the database, not here.
package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/oldoneme/quote-approval-service/internal/repository"
	"github.com/oldoneme/quote-approval-service/internal/statemachine"
)

// TopicOperationExecuted carries every accepted engine operation.
const TopicOperationExecuted = "approval.operation.executed"

// Event is the payload published after each accepted operation.
type Event struct {
	QuoteID     string
	Action      statemachine.Action
	Channel     repository.Channel
	NewStatus   statemachine.ApprovalStatus
	OperationID string
	ActorID     *string
	Comments    *string
}

// Handler consumes one event. Errors are the handler's own problem; the bus
// only isolates panics.
type Handler func(ctx context.Context, evt Event)

// Bus dispatches events to subscribers in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	log      zerolog.Logger
}

// New creates an empty bus.
func New(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		log:      log,
	}
}

// Subscribe registers a handler for a topic. Handlers for the same topic
// fire in the order they subscribed.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Publish delivers evt to every subscriber of topic, synchronously.
func (b *Bus) Publish(ctx context.Context, topic string, evt Event) {
	b.mu.RLock()
	handlers := b.handlers[topic]
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(ctx, topic, h, evt)
	}
}

func (b *Bus) dispatch(ctx context.Context, topic string, h Handler, evt Event) {
	defer func() {
		if p := recover(); p != nil {
			b.log.Error().
				Interface("panic", p).
				Str("topic", topic).
				Str("quote_id", evt.QuoteID).
				Str("action", string(evt.Action)).
				Msg("event handler panicked")
		}
	}()
	h(ctx, evt)
}
