package repository

import (
	"context"

	"github.com/oldoneme/quote-approval-service/internal/database"
	"github.com/oldoneme/quote-approval-service/internal/errors"
)

// payloadExcerptLimit bounds how much of a raw payload lands in the ledger.
const payloadExcerptLimit = 512

// ErrorLedgerRepository records pipeline failures for monitoring. Rows are
// never read by business logic.
type ErrorLedgerRepository struct {
	db *database.DB
}

// NewErrorLedgerRepository creates a new ErrorLedgerRepository.
func NewErrorLedgerRepository(db *database.DB) *ErrorLedgerRepository {
	return &ErrorLedgerRepository{db: db}
}

// Record writes one error entry, truncating the payload excerpt.
func (r *ErrorLedgerRepository) Record(ctx context.Context, classification, message, payload string) error {
	if len(payload) > payloadExcerptLimit {
		payload = payload[:payloadExcerptLimit]
	}

	query := `
		INSERT INTO error_ledger (classification, message, payload_excerpt)
		VALUES ($1, $2, $3)
	`

	if _, err := r.db.Exec(ctx, query, classification, message, payload); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record error ledger entry")
	}
	return nil
}
