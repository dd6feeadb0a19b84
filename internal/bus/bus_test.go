package bus

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/oldoneme/quote-approval-service/internal/statemachine"
)

func TestHandlersFireInSubscriptionOrder(t *testing.T) {
	b := New(zerolog.Nop())

	var order []string
	b.Subscribe(TopicOperationExecuted, func(ctx context.Context, evt Event) {
		order = append(order, "first")
	})
	b.Subscribe(TopicOperationExecuted, func(ctx context.Context, evt Event) {
		order = append(order, "second")
	})
	b.Subscribe("other.topic", func(ctx context.Context, evt Event) {
		order = append(order, "unrelated")
	})

	b.Publish(context.Background(), TopicOperationExecuted, Event{QuoteID: "q1"})

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestPanickingHandlerDoesNotAbortOthers(t *testing.T) {
	b := New(zerolog.Nop())

	var delivered bool
	b.Subscribe(TopicOperationExecuted, func(ctx context.Context, evt Event) {
		panic("handler bug")
	})
	b.Subscribe(TopicOperationExecuted, func(ctx context.Context, evt Event) {
		delivered = true
	})

	assert.NotPanics(t, func() {
		b.Publish(context.Background(), TopicOperationExecuted, Event{
			QuoteID: "q1",
			Action:  statemachine.ActionSubmit,
		})
	})
	assert.True(t, delivered, "second handler must still run")
}

func TestPublishWithNoSubscribersIsANoOp(t *testing.T) {
	b := New(zerolog.Nop())
	assert.NotPanics(t, func() {
		b.Publish(context.Background(), "nobody.listens", Event{})
	})
}
