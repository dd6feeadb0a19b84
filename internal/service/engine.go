// Package service contains the approval engine: the single mutation path
// for a quote's approval state, regardless of which side initiated the
// change.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/oldoneme/quote-approval-service/internal/bus"
	"github.com/oldoneme/quote-approval-service/internal/errors"
	"github.com/oldoneme/quote-approval-service/internal/metrics"
	"github.com/oldoneme/quote-approval-service/internal/repository"
	"github.com/oldoneme/quote-approval-service/internal/statemachine"
)

// Roles allowed to decide approvals on the internal channel. Supplied by
// the auth collaborator alongside the actor id.
const (
	RoleApprover = "approver"
	RoleAdmin    = "admin"
)

// QuoteStore is the persistence surface the engine needs.
type QuoteStore interface {
	GetByID(ctx context.Context, id string) (*repository.Quote, error)
	ApplyTransition(ctx context.Context, q *repository.Quote, rec *repository.ApprovalRecord) error
}

// Publisher is the event bus surface the engine needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, evt bus.Event)
}

// Operation is one requested approval action.
type Operation struct {
	Action    statemachine.Action
	QuoteID   string
	ActorID   string // empty for external/system actors
	ActorRole string
	Channel   repository.Channel
	Comments  string
}

// Result reports an accepted operation.
type Result struct {
	OperationID string
	NewStatus   statemachine.ApprovalStatus
}

// Engine executes approval operations: validate, authorize, state-check,
// persist (state + audit in one transaction), then publish. Operations on
// the same quote are serialized; operations on different quotes run freely
// in parallel.
type Engine struct {
	quotes  QuoteStore
	bus     Publisher
	metrics metrics.Metrics
	log     zerolog.Logger
	locks   *keyedMutex
}

// NewEngine creates the approval engine.
func NewEngine(quotes QuoteStore, publisher Publisher, m metrics.Metrics, log zerolog.Logger) *Engine {
	return &Engine{
		quotes:  quotes,
		bus:     publisher,
		metrics: m,
		log:     log,
		locks:   newKeyedMutex(),
	}
}

// Execute runs one operation through every gate. Validation, authorization
// and state errors are expected rejections with distinct codes and leave
// the quote untouched; anything else is an infrastructure failure the
// caller may retry.
func (e *Engine) Execute(ctx context.Context, op Operation) (*Result, error) {
	if err := validate(op); err != nil {
		e.metrics.IncOperationExecuted(string(op.Action), string(op.Channel), "rejected")
		return nil, err
	}

	unlock := e.locks.lock(op.QuoteID)
	defer unlock()

	quote, err := e.quotes.GetByID(ctx, op.QuoteID)
	if err != nil {
		status := "error"
		if errors.HasCode(err, errors.ErrCodeNotFound) {
			status = "not_found"
		}
		e.metrics.IncOperationExecuted(string(op.Action), string(op.Channel), status)
		return nil, err
	}

	if err := authorize(op, quote); err != nil {
		e.metrics.IncOperationExecuted(string(op.Action), string(op.Channel), "denied")
		return nil, err
	}

	newStatus, err := statemachine.Next(quote.ApprovalStatus, op.Action)
	if err != nil {
		e.metrics.IncOperationExecuted(string(op.Action), string(op.Channel), "invalid_state")
		return nil, err
	}

	applyEffect(quote, op, newStatus)

	operationID := uuid.NewString()
	rec := &repository.ApprovalRecord{
		QuoteID:         quote.ID,
		Action:          op.Action,
		ResultingStatus: newStatus,
		ActorID:         optional(op.ActorID),
		Channel:         op.Channel,
		Comments:        optional(op.Comments),
		OperationID:     operationID,
	}

	if err := e.quotes.ApplyTransition(ctx, quote, rec); err != nil {
		e.metrics.IncOperationExecuted(string(op.Action), string(op.Channel), "error")
		return nil, err
	}

	e.metrics.IncOperationExecuted(string(op.Action), string(op.Channel), "ok")
	e.log.Info().
		Str("quote_id", quote.ID).
		Str("action", string(op.Action)).
		Str("channel", string(op.Channel)).
		Str("new_status", string(newStatus)).
		Str("operation_id", operationID).
		Msg("Approval operation executed")

	e.bus.Publish(ctx, bus.TopicOperationExecuted, bus.Event{
		QuoteID:     quote.ID,
		Action:      op.Action,
		Channel:     op.Channel,
		NewStatus:   newStatus,
		OperationID: operationID,
		ActorID:     optional(op.ActorID),
		Comments:    optional(op.Comments),
	})

	return &Result{OperationID: operationID, NewStatus: newStatus}, nil
}

// validate checks required fields per action before touching any state.
func validate(op Operation) error {
	if op.QuoteID == "" {
		return errors.InvalidInput("quote_id", "quote id is required")
	}
	switch op.Action {
	case statemachine.ActionSubmit, statemachine.ActionApprove,
		statemachine.ActionReject, statemachine.ActionWithdraw:
	default:
		return errors.InvalidInput("action", "unknown action")
	}
	if op.Action == statemachine.ActionReject && op.Comments == "" {
		return errors.InvalidInput("comments", "a rejection reason is required")
	}
	switch op.Channel {
	case repository.ChannelInternal:
		if op.ActorID == "" {
			return errors.InvalidInput("actor_id", "actor id is required on the internal channel")
		}
	case repository.ChannelExternal, repository.ChannelSystem:
	default:
		return errors.InvalidInput("channel", "unknown channel")
	}
	return nil
}

// authorize enforces who may act on the internal channel. External and
// system operations carry the platform's own authorization.
func authorize(op Operation, quote *repository.Quote) error {
	if op.Channel != repository.ChannelInternal {
		return nil
	}

	switch op.Action {
	case statemachine.ActionSubmit, statemachine.ActionWithdraw:
		if op.ActorID != quote.OwnerID {
			return errors.PermissionDenied("only the quote owner may submit or withdraw it")
		}
	case statemachine.ActionApprove, statemachine.ActionReject:
		if op.ActorRole != RoleApprover && op.ActorRole != RoleAdmin {
			return errors.PermissionDenied("only an approver may decide a quote")
		}
	}
	return nil
}

// applyEffect mutates the quote for the accepted transition. Both status
// fields are derived together; no other code path writes them.
func applyEffect(quote *repository.Quote, op Operation, newStatus statemachine.ApprovalStatus) {
	now := time.Now()
	quote.ApprovalStatus = newStatus
	quote.Status = statemachine.CoarseStatus(newStatus)

	switch op.Action {
	case statemachine.ActionSubmit:
		quote.SubmittedAt = &now
		quote.DecidedAt = nil
		quote.DecidedBy = nil
		quote.RejectionReason = nil
	case statemachine.ActionApprove, statemachine.ActionReject, statemachine.ActionWithdraw:
		quote.DecidedAt = &now
		quote.DecidedBy = optional(op.ActorID)
		if op.Action == statemachine.ActionReject {
			quote.RejectionReason = optional(op.Comments)
		}
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
