// Package syncer keeps the internal approval state and the external
// approval platform converged without echo loops. Outbound: internal
// operations are pushed to the platform with bounded retry. Inbound:
// verified platform events become engine operations tagged external, which
// the outbound side then recognizes and suppresses.
package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/oldoneme/quote-approval-service/internal/bus"
	"github.com/oldoneme/quote-approval-service/internal/errors"
	"github.com/oldoneme/quote-approval-service/internal/metrics"
	"github.com/oldoneme/quote-approval-service/internal/repository"
	"github.com/oldoneme/quote-approval-service/internal/service"
	"github.com/oldoneme/quote-approval-service/internal/statemachine"
	"github.com/oldoneme/quote-approval-service/internal/wecom"
)

// PlatformClient is the outbound platform surface the adapter needs.
type PlatformClient interface {
	SubmitApproval(ctx context.Context, req wecom.SubmitRequest) (string, error)
	Approve(ctx context.Context, approvalNumber, actorID, comments string) error
	Reject(ctx context.Context, approvalNumber, actorID, reason string) error
	GetApprovalDetail(ctx context.Context, approvalNumber string) (*wecom.ApprovalDetail, error)
}

// QuoteResolver is the read/registration surface the adapter needs.
type QuoteResolver interface {
	GetByID(ctx context.Context, id string) (*repository.Quote, error)
	GetByCorrelationID(ctx context.Context, correlationID string) (*repository.Quote, error)
	SetExternalCorrelation(ctx context.Context, quoteID, correlationID string) error
}

// OperationExecutor is the engine surface the adapter needs.
type OperationExecutor interface {
	Execute(ctx context.Context, op service.Operation) (*service.Result, error)
}

// ErrorRecorder writes to the error ledger.
type ErrorRecorder interface {
	Record(ctx context.Context, classification, message, payload string) error
}

// RetryPolicy bounds outbound push retries.
type RetryPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy is exponential backoff: 1s, 2s, 4s... capped at 10s,
// three attempts total.
var DefaultRetryPolicy = RetryPolicy{Base: time.Second, Cap: 10 * time.Second, MaxAttempts: 3}

// Adapter is the bidirectional sync component.
type Adapter struct {
	engine   OperationExecutor
	quotes   QuoteResolver
	platform PlatformClient
	errLog   ErrorRecorder
	metrics  metrics.Metrics
	log      zerolog.Logger
	retry    RetryPolicy
}

// New creates the adapter. platform may be nil when the service runs
// without an external platform; outbound pushes are then skipped entirely.
func New(
	engine OperationExecutor,
	quotes QuoteResolver,
	platform PlatformClient,
	errLog ErrorRecorder,
	m metrics.Metrics,
	log zerolog.Logger,
	retry RetryPolicy,
) *Adapter {
	if retry.MaxAttempts < 1 {
		retry = DefaultRetryPolicy
	}
	return &Adapter{
		engine:   engine,
		quotes:   quotes,
		platform: platform,
		errLog:   errLog,
		metrics:  m,
		log:      log,
		retry:    retry,
	}
}

// Register subscribes the adapter to the engine's operation topic.
func (a *Adapter) Register(b *bus.Bus) {
	b.Subscribe(bus.TopicOperationExecuted, a.HandleOperationEvent)
}

// HandleOperationEvent pushes an internal change outward. The anti-loop
// rule lives here: operations that arrived from the platform (external
// channel) or from the reconciler (system channel) are never pushed back.
func (a *Adapter) HandleOperationEvent(ctx context.Context, evt bus.Event) {
	if evt.Channel != repository.ChannelInternal {
		return
	}
	if a.platform == nil {
		return
	}

	quote, err := a.quotes.GetByID(ctx, evt.QuoteID)
	if err != nil {
		a.log.Error().Err(err).Str("quote_id", evt.QuoteID).Msg("sync: quote vanished before outbound push")
		return
	}

	switch evt.Action {
	case statemachine.ActionSubmit:
		a.pushSubmit(ctx, quote, evt)
	case statemachine.ActionApprove, statemachine.ActionReject:
		a.pushDecision(ctx, quote, evt)
	case statemachine.ActionWithdraw:
		// The platform has no recall API for third-party flows; the
		// reconciler will converge it if the platform decides anyway.
		a.log.Debug().Str("quote_id", quote.ID).Msg("sync: withdraw is not pushed outward")
	}
}

// pushSubmit registers the quote with the platform and records the returned
// approval number. The correlation id column is set-once; a resubmission
// reuses the original registration (the platform keys on our reference).
func (a *Adapter) pushSubmit(ctx context.Context, quote *repository.Quote, evt bus.Event) {
	ownerID := quote.OwnerID
	approvalNumber, err := a.withRetry(ctx, "submit", func() (string, error) {
		return a.platform.SubmitApproval(ctx, wecom.SubmitRequest{
			CorrelationID: quote.ID,
			OwnerID:       ownerID,
			Summary:       fmt.Sprintf("Quote %s approval", quote.QuoteNumber),
		})
	})
	if err != nil {
		a.metrics.IncOutboundPush("submit", "failed")
		a.log.Error().Err(err).
			Str("quote_id", quote.ID).
			Msg("sync: platform submission failed after retries; local state retained")
		return
	}
	a.metrics.IncOutboundPush("submit", "ok")

	if quote.ExternalCorrelationID != nil {
		if *quote.ExternalCorrelationID != approvalNumber {
			a.log.Info().
				Str("quote_id", quote.ID).
				Str("stored", *quote.ExternalCorrelationID).
				Str("returned", approvalNumber).
				Msg("sync: resubmission returned a new approval number; keeping the original correlation id")
		}
		return
	}

	if err := a.quotes.SetExternalCorrelation(ctx, quote.ID, approvalNumber); err != nil {
		a.log.Error().Err(err).
			Str("quote_id", quote.ID).
			Str("approval_number", approvalNumber).
			Msg("sync: failed to record correlation id")
		return
	}
	a.log.Info().
		Str("quote_id", quote.ID).
		Str("approval_number", approvalNumber).
		Msg("sync: quote registered with approval platform")
}

// pushDecision mirrors an internal approve/reject onto the platform flow,
// when one exists.
func (a *Adapter) pushDecision(ctx context.Context, quote *repository.Quote, evt bus.Event) {
	if quote.ExternalCorrelationID == nil {
		// Purely internal approval; nothing registered to mirror.
		return
	}
	approvalNumber := *quote.ExternalCorrelationID

	actorID := ""
	if evt.ActorID != nil {
		actorID = *evt.ActorID
	}
	comments := ""
	if evt.Comments != nil {
		comments = *evt.Comments
	}

	_, err := a.withRetry(ctx, string(evt.Action), func() (string, error) {
		if evt.Action == statemachine.ActionApprove {
			return "", a.platform.Approve(ctx, approvalNumber, actorID, comments)
		}
		return "", a.platform.Reject(ctx, approvalNumber, actorID, comments)
	})
	if err != nil {
		a.metrics.IncOutboundPush(string(evt.Action), "failed")
		a.log.Error().Err(err).
			Str("quote_id", quote.ID).
			Str("approval_number", approvalNumber).
			Str("action", string(evt.Action)).
			Msg("sync: outbound decision push failed after retries; local state retained")
		return
	}
	a.metrics.IncOutboundPush(string(evt.Action), "ok")
}

// withRetry runs fn with bounded exponential backoff.
func (a *Adapter) withRetry(ctx context.Context, label string, fn func() (string, error)) (string, error) {
	delay := a.retry.Base
	var lastErr error
	for attempt := 1; attempt <= a.retry.MaxAttempts; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt == a.retry.MaxAttempts {
			break
		}
		a.log.Warn().Err(err).
			Str("push", label).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("sync: outbound call failed, retrying")
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > a.retry.Cap {
			delay = a.retry.Cap
		}
	}
	return "", lastErr
}

// ── Inbound ───────────────────────────────────────────────────────────────────

// statusActions maps the platform's raw status codes to internal actions.
var statusActions = map[int]statemachine.Action{
	1: statemachine.ActionSubmit,
	2: statemachine.ActionApprove,
	3: statemachine.ActionReject,
	4: statemachine.ActionWithdraw,
}

// targetStates is the state each action lands in, used for the idempotent
// already-there no-op.
var targetStates = map[statemachine.Action]statemachine.ApprovalStatus{
	statemachine.ActionSubmit:   statemachine.StatusPending,
	statemachine.ActionApprove:  statemachine.StatusApproved,
	statemachine.ActionReject:   statemachine.StatusRejected,
	statemachine.ActionWithdraw: statemachine.StatusWithdrawn,
}

// MapStatus translates a raw platform status code. The second return is
// false for codes this service does not understand.
func MapStatus(raw int) (statemachine.Action, bool) {
	action, ok := statusActions[raw]
	return action, ok
}

// ApplyExternalChange turns a verified platform event into an engine
// operation on the external channel. Already-in-target-state events are
// successful no-ops; transitions the internal state cannot accept are
// recorded as conflicts and resolved in favor of the internal state. The
// method only errors when nothing could be decided (unknown status,
// unresolvable quote, infrastructure failure).
func (a *Adapter) ApplyExternalChange(ctx context.Context, evt *wecom.ApprovalEvent) error {
	action, ok := MapStatus(evt.RawStatus)
	if !ok {
		return errors.Newf(errors.ErrCodeParse, "unknown platform status code %d", evt.RawStatus)
	}

	quote, err := a.resolveQuote(ctx, evt)
	if err != nil {
		return err
	}

	if quote.ApprovalStatus == targetStates[action] {
		a.log.Debug().
			Str("quote_id", quote.ID).
			Str("status", string(quote.ApprovalStatus)).
			Msg("sync: external event already reflected, no-op")
		return nil
	}

	comments := fmt.Sprintf("decided on approval platform (event %s)", evt.ApprovalNumber)
	_, err = a.engine.Execute(ctx, service.Operation{
		Action:   action,
		QuoteID:  quote.ID,
		Channel:  repository.ChannelExternal,
		Comments: comments,
	})
	if err == nil {
		return nil
	}

	if errors.HasCode(err, errors.ErrCodeInvalidState) {
		// The platform and an internal actor disagree on a terminal
		// decision. The internal state dominates; the disagreement is
		// ledgered for manual resolution.
		msg := fmt.Sprintf("platform says %s but quote %s is %s",
			action, quote.ID, quote.ApprovalStatus)
		if lerr := a.errLog.Record(ctx, repository.ErrClassStateConflict, msg, evt.ApprovalNumber); lerr != nil {
			a.log.Error().Err(lerr).Msg("sync: failed to ledger state conflict")
		}
		a.log.Warn().
			Str("quote_id", quote.ID).
			Str("internal_status", string(quote.ApprovalStatus)).
			Str("external_action", string(action)).
			Msg("sync: external decision conflicts with internal state, keeping internal state")
		return nil
	}

	return err
}

// resolveQuote finds the quote an event refers to: first by the platform's
// approval number, then by our own reference it carries back.
func (a *Adapter) resolveQuote(ctx context.Context, evt *wecom.ApprovalEvent) (*repository.Quote, error) {
	if evt.ApprovalNumber != "" {
		quote, err := a.quotes.GetByCorrelationID(ctx, evt.ApprovalNumber)
		if err == nil {
			return quote, nil
		}
		if !errors.HasCode(err, errors.ErrCodeNotFound) {
			return nil, err
		}
	}
	if evt.CorrelationID != "" {
		return a.quotes.GetByID(ctx, evt.CorrelationID)
	}
	return nil, errors.Newf(errors.ErrCodeNotFound,
		"no quote matches approval %q", evt.ApprovalNumber)
}
