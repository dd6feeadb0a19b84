// Package handler contains the HTTP surfaces: the platform callback
// pipeline and the internal operation API.
package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/oldoneme/quote-approval-service/internal/errors"
	"github.com/oldoneme/quote-approval-service/internal/metrics"
	"github.com/oldoneme/quote-approval-service/internal/repository"
	"github.com/oldoneme/quote-approval-service/internal/syncer"
	"github.com/oldoneme/quote-approval-service/internal/wecom"
)

// ackBody is the literal acknowledgement the platform expects. Anything
// else (or a non-2xx) triggers redelivery.
const ackBody = "success"

// maxCallbackBody bounds how much of an inbound request is read.
const maxCallbackBody = 1 << 20

// EventLedger is the idempotency gate.
type EventLedger interface {
	Insert(ctx context.Context, evt *repository.ExternalEvent) error
}

// ErrorRecorder writes to the error ledger.
type ErrorRecorder interface {
	Record(ctx context.Context, classification, message, payload string) error
}

// ExternalApplier feeds a verified event into the sync adapter.
type ExternalApplier interface {
	ApplyExternalChange(ctx context.Context, evt *wecom.ApprovalEvent) error
}

// DetailFetcher is the fallback for unknown status codes.
type DetailFetcher interface {
	GetApprovalDetail(ctx context.Context, approvalNumber string) (*wecom.ApprovalDetail, error)
}

// CallbackHandler is the webhook ingestion pipeline: authenticate, decrypt,
// parse, dedup, apply. Responses are deliberately opaque; the platform
// learns nothing about internal state beyond "delivered" or "not".
type CallbackHandler struct {
	codec    *wecom.Codec
	ledger   EventLedger
	errLog   ErrorRecorder
	applier  ExternalApplier
	platform DetailFetcher // may be nil; disables the detail fallback
	metrics  metrics.Metrics
	log      zerolog.Logger
}

// NewCallbackHandler wires the pipeline.
func NewCallbackHandler(
	codec *wecom.Codec,
	ledger EventLedger,
	errLog ErrorRecorder,
	applier ExternalApplier,
	platform DetailFetcher,
	m metrics.Metrics,
	log zerolog.Logger,
) *CallbackHandler {
	return &CallbackHandler{
		codec:    codec,
		ledger:   ledger,
		errLog:   errLog,
		applier:  applier,
		platform: platform,
		metrics:  m,
		log:      log,
	}
}

// Verify handles the platform's endpoint-ownership check: it signs the echo
// string, and we must return its decrypted content.
func (h *CallbackHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	signature := q.Get("msg_signature")
	timestamp := q.Get("timestamp")
	nonce := q.Get("nonce")
	echostr := q.Get("echostr")

	if !h.codec.VerifySignature(signature, timestamp, nonce, echostr) {
		h.rejectAuth(r.Context(), w, repository.ErrClassSignature,
			errors.New(errors.ErrCodeUnauthenticated, "verify signature mismatch"), echostr)
		return
	}

	plain, err := h.codec.Decrypt(echostr)
	if err != nil {
		h.rejectAuth(r.Context(), w, repository.ErrClassDecrypt, err, echostr)
		return
	}

	h.metrics.IncWebhookReceived("verified")
	w.Write(plain)
}

// Approval handles the approval-change callback.
func (h *CallbackHandler) Approval(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	signature := q.Get("msg_signature")
	timestamp := q.Get("timestamp")
	nonce := q.Get("nonce")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	ciphertext, err := wecom.ExtractEncrypted(body)
	if err != nil {
		// No Encrypt field means we cannot even authenticate the payload.
		h.rejectAuth(ctx, w, repository.ErrClassSignature,
			errors.Wrap(err, errors.ErrCodeUnauthenticated, "callback body carries no ciphertext"), string(body))
		return
	}

	// 1. Authenticate. On mismatch nothing is decrypted or persisted.
	if !h.codec.VerifySignature(signature, timestamp, nonce, ciphertext) {
		h.rejectAuth(ctx, w, repository.ErrClassSignature,
			errors.New(errors.ErrCodeUnauthenticated, "callback signature mismatch"), ciphertext)
		return
	}

	// 2. Decrypt. Nothing was persisted, so the platform's retry is safe.
	plain, err := h.codec.Decrypt(ciphertext)
	if err != nil {
		h.rejectAuth(ctx, w, repository.ErrClassDecrypt, err, ciphertext)
		return
	}

	// 3. Parse. An unusable payload stays unusable on redelivery, so it is
	// ledgered and acked to stop the retry storm.
	evt, err := wecom.ParseApprovalEvent(plain)
	if err != nil {
		h.recordError(ctx, repository.ErrClassParse, err.Error(), string(plain))
		h.ack(w, "parse_failed")
		return
	}
	if evt.EventID == "" {
		// Some deployments omit a dedicated event id; (approval, status)
		// identifies the change.
		evt.EventID = fmt.Sprintf("%s:%s:%d", evt.ApprovalNumber, evt.CorrelationID, evt.RawStatus)
	}

	// 4. Idempotency gate. The UNIQUE insert is the sole dedup mechanism;
	// the losing side of a redelivery race acks without reapplying.
	err = h.ledger.Insert(ctx, &repository.ExternalEvent{
		EventID:        evt.EventID,
		ApprovalNumber: evt.ApprovalNumber,
		CorrelationID:  evt.CorrelationID,
		RawStatus:      evt.RawStatus,
	})
	if errors.HasCode(err, errors.ErrCodeDuplicate) {
		h.ack(w, "duplicate")
		return
	}
	if err != nil {
		// Ledger unavailable: nothing persisted, let the platform retry.
		h.log.Error().Err(err).Str("event_id", evt.EventID).Msg("webhook: ledger insert failed")
		h.metrics.IncWebhookReceived("ledger_error")
		http.Error(w, "temporarily unavailable", http.StatusInternalServerError)
		return
	}

	// 5. Apply, with a single detail-fetch fallback for unknown codes.
	if _, known := syncer.MapStatus(evt.RawStatus); !known {
		if !h.resolveUnknownStatus(ctx, evt) {
			h.ack(w, "unknown_status")
			return
		}
	}

	if err := h.applier.ApplyExternalChange(ctx, evt); err != nil {
		// Business rejection or unresolved reference. The event is
		// ledgered; redelivery would change nothing, so ack anyway.
		h.log.Error().Err(err).
			Str("event_id", evt.EventID).
			Str("approval_number", evt.ApprovalNumber).
			Msg("webhook: event could not be applied")
		h.ack(w, "apply_failed")
		return
	}

	h.ack(w, "applied")
}

// resolveUnknownStatus asks the platform for the flow's full detail once.
// Returns false when the status stays unknown; the failure is ledgered.
func (h *CallbackHandler) resolveUnknownStatus(ctx context.Context, evt *wecom.ApprovalEvent) bool {
	msg := fmt.Sprintf("unmapped platform status %d for approval %s", evt.RawStatus, evt.ApprovalNumber)

	if h.platform != nil && evt.ApprovalNumber != "" {
		detail, err := h.platform.GetApprovalDetail(ctx, evt.ApprovalNumber)
		if err == nil {
			if _, known := syncer.MapStatus(detail.RawStatus); known {
				h.log.Info().
					Str("approval_number", evt.ApprovalNumber).
					Int("webhook_status", evt.RawStatus).
					Int("detail_status", detail.RawStatus).
					Msg("webhook: unknown status resolved via detail fetch")
				evt.RawStatus = detail.RawStatus
				return true
			}
			msg = fmt.Sprintf("%s (detail fetch also returned unknown status %d)", msg, detail.RawStatus)
		} else {
			msg = fmt.Sprintf("%s (detail fetch failed: %v)", msg, err)
		}
	}

	h.recordError(ctx, repository.ErrClassUnknownStatus, msg, evt.ApprovalNumber)
	return false
}

// ack writes the platform's expected acknowledgement.
func (h *CallbackHandler) ack(w http.ResponseWriter, outcome string) {
	h.metrics.IncWebhookReceived(outcome)
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(ackBody))
}

// rejectAuth ledgers an authentication/decryption failure and returns a
// generic failure. This is the one path where the platform sees a non-ack.
// err carries UNAUTHENTICATED for signature failures and BAD_CIPHER for
// decryption failures; the ledger entry keeps the code.
func (h *CallbackHandler) rejectAuth(ctx context.Context, w http.ResponseWriter, classification string, err error, payload string) {
	h.recordError(ctx, classification, err.Error(), payload)
	h.metrics.IncWebhookReceived(classification)
	h.log.Warn().Err(err).Str("classification", classification).Msg("webhook: rejected")
	http.Error(w, "forbidden", http.StatusForbidden)
}

func (h *CallbackHandler) recordError(ctx context.Context, classification, msg, payload string) {
	if err := h.errLog.Record(ctx, classification, msg, payload); err != nil {
		h.log.Error().Err(err).Str("classification", classification).Msg("webhook: error ledger write failed")
	}
}
