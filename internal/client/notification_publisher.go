// Package client holds outbound integrations that are not the approval
// platform itself.
package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/oldoneme/quote-approval-service/internal/bus"
	"github.com/oldoneme/quote-approval-service/internal/statemachine"
)

// NatsConn is the subset of *nats.Conn the publisher uses.
type NatsConn interface {
	Publish(subject string, data []byte) error
}

// NotificationPublisher mirrors approval operations onto NATS for the
// notifications service.
//
// Subject convention: notifications.quote.<event_type>
// Event types: quote_submitted, quote_approved, quote_rejected,
//              quote_withdrawn
//
// All publish operations are non-fatal. Errors are logged but never
// propagated, so notification failures never interrupt approval operations.
type NotificationPublisher struct {
	nats NatsConn
	log  zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType      string  `json:"event_type"`
	QuoteID        string  `json:"quote_id"`
	ApprovalStatus string  `json:"approval_status"`
	Channel        string  `json:"channel"`
	ActorID        *string `json:"actor_id,omitempty"`
	Comments       *string `json:"comments,omitempty"`
	OperationID    string  `json:"operation_id"`
	Category       string  `json:"category"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// connection. A nil connection disables publishing entirely; a nil
// *nats.Conn inside the interface counts as nil too, so callers can pass
// an unconnected conn straight through.
func NewNotificationPublisher(conn NatsConn, log zerolog.Logger) *NotificationPublisher {
	if c, ok := conn.(*nats.Conn); ok && c == nil {
		conn = nil
	}
	return &NotificationPublisher{nats: conn, log: log}
}

// Register subscribes the publisher to the engine's operation topic.
func (p *NotificationPublisher) Register(b *bus.Bus) {
	b.Subscribe(bus.TopicOperationExecuted, p.HandleOperationEvent)
}

var eventTypes = map[statemachine.Action]string{
	statemachine.ActionSubmit:   "quote_submitted",
	statemachine.ActionApprove:  "quote_approved",
	statemachine.ActionReject:   "quote_rejected",
	statemachine.ActionWithdraw: "quote_withdrawn",
}

// HandleOperationEvent publishes one executed operation.
func (p *NotificationPublisher) HandleOperationEvent(ctx context.Context, evt bus.Event) {
	if p.nats == nil {
		return
	}
	eventType, ok := eventTypes[evt.Action]
	if !ok {
		return
	}

	event := &NotificationEvent{
		EventType:      eventType,
		QuoteID:        evt.QuoteID,
		ApprovalStatus: string(evt.NewStatus),
		Channel:        string(evt.Channel),
		ActorID:        evt.ActorID,
		Comments:       evt.Comments,
		OperationID:    evt.OperationID,
		Category:       "quote_approval",
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.quote.%s", eventType)
	if err := p.nats.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("quote_id", evt.QuoteID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("quote_id", evt.QuoteID).
		Msg("notification: event published")
}
