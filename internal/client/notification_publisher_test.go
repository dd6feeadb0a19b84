package client

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldoneme/quote-approval-service/internal/bus"
	"github.com/oldoneme/quote-approval-service/internal/errors"
	"github.com/oldoneme/quote-approval-service/internal/repository"
	"github.com/oldoneme/quote-approval-service/internal/statemachine"
)

type fakeNats struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakeNats) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestPublisherMirrorsOperationsToNats(t *testing.T) {
	conn := &fakeNats{}
	b := bus.New(zerolog.Nop())
	NewNotificationPublisher(conn, zerolog.Nop()).Register(b)

	actor := "alice"
	b.Publish(context.Background(), bus.TopicOperationExecuted, bus.Event{
		QuoteID:     "q1",
		Action:      statemachine.ActionSubmit,
		Channel:     repository.ChannelInternal,
		NewStatus:   statemachine.StatusPending,
		OperationID: "op-1",
		ActorID:     &actor,
	})

	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "notifications.quote.quote_submitted", conn.subjects[0])

	var evt NotificationEvent
	require.NoError(t, json.Unmarshal(conn.payloads[0], &evt))
	assert.Equal(t, "quote_submitted", evt.EventType)
	assert.Equal(t, "q1", evt.QuoteID)
	assert.Equal(t, "pending", evt.ApprovalStatus)
	assert.Equal(t, "internal", evt.Channel)
	require.NotNil(t, evt.ActorID)
	assert.Equal(t, "alice", *evt.ActorID)
}

func TestPublisherToleratesNilConnection(t *testing.T) {
	b := bus.New(zerolog.Nop())
	NewNotificationPublisher(nil, zerolog.Nop()).Register(b)

	// Must not panic.
	b.Publish(context.Background(), bus.TopicOperationExecuted, bus.Event{
		QuoteID: "q1", Action: statemachine.ActionApprove,
		Channel: repository.ChannelExternal, NewStatus: statemachine.StatusApproved,
	})
}

func TestPublisherTreatsTypedNilConnectionAsDisabled(t *testing.T) {
	// The wiring in main hands over a *nats.Conn that is nil when NATS_URL
	// is unset; inside the interface it must still count as disabled.
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	b := bus.New(zerolog.Nop())
	NewNotificationPublisher((*nats.Conn)(nil), log).Register(b)

	b.Publish(context.Background(), bus.TopicOperationExecuted, bus.Event{
		QuoteID: "q1", Action: statemachine.ActionSubmit,
		Channel: repository.ChannelInternal, NewStatus: statemachine.StatusPending,
	})

	assert.Empty(t, buf.String(), "disabled publisher must not attempt a publish")
}

func TestPublisherSwallowsPublishErrors(t *testing.T) {
	conn := &fakeNats{err: errors.New(errors.ErrCodeUnavailable, "nats down")}
	b := bus.New(zerolog.Nop())
	NewNotificationPublisher(conn, zerolog.Nop()).Register(b)

	b.Publish(context.Background(), bus.TopicOperationExecuted, bus.Event{
		QuoteID: "q1", Action: statemachine.ActionReject,
		Channel: repository.ChannelInternal, NewStatus: statemachine.StatusRejected,
	})

	assert.Empty(t, conn.subjects)
}
