// Package reconciler runs the compensation sweep: pending quotes whose
// webhook never arrived (or was lost) are polled against the platform and
// converged through the same inbound path the webhook uses.
package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/oldoneme/quote-approval-service/internal/metrics"
	"github.com/oldoneme/quote-approval-service/internal/repository"
	"github.com/oldoneme/quote-approval-service/internal/wecom"
)

// StuckLister finds pending quotes that have not moved recently.
type StuckLister interface {
	ListStuckPending(ctx context.Context, threshold time.Duration) ([]*repository.Quote, error)
}

// DetailFetcher reads the platform's current state for one flow.
type DetailFetcher interface {
	GetApprovalDetail(ctx context.Context, approvalNumber string) (*wecom.ApprovalDetail, error)
}

// Applier is the sync adapter's inbound entry point.
type Applier interface {
	ApplyExternalChange(ctx context.Context, evt *wecom.ApprovalEvent) error
}

// Reconciler periodically sweeps stuck pending quotes. Applying goes through
// the adapter, so a quote already in the platform's state is a no-op and a
// redundant sweep is harmless.
type Reconciler struct {
	quotes    StuckLister
	platform  DetailFetcher
	applier   Applier
	metrics   metrics.Metrics
	log       zerolog.Logger
	interval  time.Duration
	threshold time.Duration
}

// New creates the reconciler.
func New(
	quotes StuckLister,
	platform DetailFetcher,
	applier Applier,
	m metrics.Metrics,
	log zerolog.Logger,
	interval, threshold time.Duration,
) *Reconciler {
	return &Reconciler{
		quotes:    quotes,
		platform:  platform,
		applier:   applier,
		metrics:   m,
		log:       log,
		interval:  interval,
		threshold: threshold,
	}
}

// Run sweeps on a ticker until ctx is cancelled. Call in a goroutine.
func (r *Reconciler) Run(ctx context.Context) {
	r.log.Info().
		Dur("interval", r.interval).
		Dur("stuck_threshold", r.threshold).
		Msg("reconciler: started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("reconciler: stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Failures on one quote never stop the rest.
func (r *Reconciler) Sweep(ctx context.Context) {
	quotes, err := r.quotes.ListStuckPending(ctx, r.threshold)
	if err != nil {
		r.log.Error().Err(err).Msg("reconciler: failed to list stuck quotes")
		return
	}
	if len(quotes) == 0 {
		return
	}

	succeeded, failed := 0, 0
	for _, quote := range quotes {
		if ctx.Err() != nil {
			// Shutdown mid-sweep: the in-flight quote finished. The partial
			// counts still get recorded so the interruption is observable.
			r.metrics.ObserveReconcileSweep(len(quotes), succeeded, failed)
			r.log.Info().
				Int("found", len(quotes)).
				Int("succeeded", succeeded).
				Int("failed", failed).
				Msg("reconciler: sweep interrupted")
			return
		}
		if err := r.reconcileQuote(ctx, quote); err != nil {
			failed++
			r.log.Warn().Err(err).
				Str("quote_id", quote.ID).
				Msg("reconciler: quote could not be reconciled")
			continue
		}
		succeeded++
	}

	r.metrics.ObserveReconcileSweep(len(quotes), succeeded, failed)
	r.log.Info().
		Int("found", len(quotes)).
		Int("succeeded", succeeded).
		Int("failed", failed).
		Msg("reconciler: sweep complete")
}

func (r *Reconciler) reconcileQuote(ctx context.Context, quote *repository.Quote) error {
	if quote.ExternalCorrelationID == nil {
		// Pending but never registered with the platform; nothing to poll.
		// Internal-only approvals resolve through the internal API.
		return nil
	}
	approvalNumber := *quote.ExternalCorrelationID

	detail, err := r.platform.GetApprovalDetail(ctx, approvalNumber)
	if err != nil {
		return err
	}

	return r.applier.ApplyExternalChange(ctx, &wecom.ApprovalEvent{
		EventType:      "reconcile",
		ApprovalNumber: detail.ApprovalNumber,
		CorrelationID:  detail.CorrelationID,
		RawStatus:      detail.RawStatus,
	})
}
