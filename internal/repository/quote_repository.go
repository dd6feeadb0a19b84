package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/oldoneme/quote-approval-service/internal/database"
	"github.com/oldoneme/quote-approval-service/internal/errors"
)

// QuoteRepository reads quotes and applies approval state transitions.
// The two status columns are only ever written together with the matching
// audit row, in one transaction.
type QuoteRepository struct {
	db      *database.DB
	records *ApprovalRecordRepository
}

// NewQuoteRepository creates a new QuoteRepository.
func NewQuoteRepository(db *database.DB, records *ApprovalRecordRepository) *QuoteRepository {
	return &QuoteRepository{db: db, records: records}
}

const quoteColumns = `
	id, quote_number, owner_id, status, approval_status, approval_method,
	external_correlation_id, submitted_at, decided_at, decided_by,
	rejection_reason, created_at, updated_at
`

// GetByID retrieves a quote by its primary key.
func (r *QuoteRepository) GetByID(ctx context.Context, id string) (*Quote, error) {
	query := `SELECT ` + quoteColumns + ` FROM quotes WHERE id = $1`

	q, err := r.scanQuote(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("quote", id)
	}
	return q, err
}

// GetByCorrelationID resolves the platform's approval number to a quote.
func (r *QuoteRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*Quote, error) {
	query := `SELECT ` + quoteColumns + ` FROM quotes WHERE external_correlation_id = $1`

	q, err := r.scanQuote(r.db.QueryRow(ctx, query, correlationID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("quote with correlation id", correlationID)
	}
	return q, err
}

// ApplyTransition persists the quote's new state and appends the audit row
// in a single transaction. Both status fields on q must already be set by
// the state machine; this method never derives anything.
func (r *QuoteRepository) ApplyTransition(ctx context.Context, q *Quote, rec *ApprovalRecord) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE quotes
			SET status          = $2,
			    approval_status = $3,
			    submitted_at    = $4,
			    decided_at      = $5,
			    decided_by      = $6,
			    rejection_reason = $7,
			    updated_at      = NOW()
			WHERE id = $1
			RETURNING updated_at
		`

		err := tx.QueryRow(ctx, query,
			q.ID,
			q.Status,
			q.ApprovalStatus,
			q.SubmittedAt,
			q.DecidedAt,
			q.DecidedBy,
			q.RejectionReason,
		).Scan(&q.UpdatedAt)
		if err == pgx.ErrNoRows {
			return errors.NotFound("quote", q.ID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update quote state")
		}

		return r.records.AppendTx(ctx, tx, rec)
	})
}

// SetExternalCorrelation records the platform approval number for a quote
// and marks its approval method external. The column is set-once: a second
// write for the same quote is rejected.
func (r *QuoteRepository) SetExternalCorrelation(ctx context.Context, quoteID, correlationID string) error {
	query := `
		UPDATE quotes
		SET external_correlation_id = $2,
		    approval_method         = 'external',
		    updated_at              = NOW()
		WHERE id = $1 AND external_correlation_id IS NULL
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, quoteID, correlationID).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.Newf(errors.ErrCodeConflict,
			"quote %s already has an external correlation id", quoteID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to set external correlation id")
	}
	return nil
}

// ListStuckPending returns externally-approved quotes that have sat in
// pending longer than threshold without an update. Fed to the reconciler.
func (r *QuoteRepository) ListStuckPending(ctx context.Context, threshold time.Duration) ([]*Quote, error) {
	query := `SELECT ` + quoteColumns + `
		FROM quotes
		WHERE approval_status = 'pending'
		  AND approval_method = 'external'
		  AND updated_at < NOW() - $1::interval
		ORDER BY updated_at ASC
	`

	rows, err := r.db.Query(ctx, query, threshold.String())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list stuck quotes")
	}
	defer rows.Close()

	var quotes []*Quote
	for rows.Next() {
		q, err := r.scanQuote(rows)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, q)
	}
	return quotes, rows.Err()
}

// ── scan helper ───────────────────────────────────────────────────────────────

type quoteScanner interface {
	Scan(dest ...any) error
}

func (r *QuoteRepository) scanQuote(row quoteScanner) (*Quote, error) {
	q := &Quote{}
	err := row.Scan(
		&q.ID,
		&q.QuoteNumber,
		&q.OwnerID,
		&q.Status,
		&q.ApprovalStatus,
		&q.ApprovalMethod,
		&q.ExternalCorrelationID,
		&q.SubmittedAt,
		&q.DecidedAt,
		&q.DecidedBy,
		&q.RejectionReason,
		&q.CreatedAt,
		&q.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return q, nil
}
