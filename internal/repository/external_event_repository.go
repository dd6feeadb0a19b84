package repository

import (
	"context"

	"github.com/oldoneme/quote-approval-service/internal/database"
	"github.com/oldoneme/quote-approval-service/internal/errors"
)

// ExternalEventRepository owns the webhook idempotency ledger. The UNIQUE
// constraint on event_id is the whole dedup mechanism: concurrent
// redeliveries race to insert, exactly one wins, and losers get a DUPLICATE
// error which the pipeline treats as "already processed".
type ExternalEventRepository struct {
	db *database.DB
}

// NewExternalEventRepository creates a new ExternalEventRepository.
func NewExternalEventRepository(db *database.DB) *ExternalEventRepository {
	return &ExternalEventRepository{db: db}
}

// Insert records an inbound platform event. Returns an error carrying
// ErrCodeDuplicate when the event id was already recorded.
func (r *ExternalEventRepository) Insert(ctx context.Context, evt *ExternalEvent) error {
	query := `
		INSERT INTO external_event_ledger
		    (event_id, approval_number, correlation_id, raw_status)
		VALUES ($1, $2, $3, $4)
		RETURNING received_at
	`

	err := r.db.QueryRow(ctx, query,
		evt.EventID,
		evt.ApprovalNumber,
		evt.CorrelationID,
		evt.RawStatus,
	).Scan(&evt.ReceivedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return errors.Newf(errors.ErrCodeDuplicate,
				"event %s already processed", evt.EventID)
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert external event")
	}
	return nil
}
