package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/oldoneme/quote-approval-service/internal/database"
	"github.com/oldoneme/quote-approval-service/internal/errors"
)

// ApprovalRecordRepository appends and reads the immutable approval audit
// ledger. Appends only ever happen inside the engine's persist transaction,
// so the write path takes an open pgx.Tx.
type ApprovalRecordRepository struct {
	db *database.DB
}

// NewApprovalRecordRepository creates a new ApprovalRecordRepository.
func NewApprovalRecordRepository(db *database.DB) *ApprovalRecordRepository {
	return &ApprovalRecordRepository{db: db}
}

// AppendTx inserts one audit row inside the caller's transaction.
func (r *ApprovalRecordRepository) AppendTx(ctx context.Context, tx pgx.Tx, rec *ApprovalRecord) error {
	query := `
		INSERT INTO approval_records
		    (quote_id, action, resulting_status,
		     actor_id, channel, comments, operation_id)
		VALUES ($1, $2, $3,
		        $4, $5, $6, $7)
		RETURNING id, created_at
	`

	err := tx.QueryRow(ctx, query,
		rec.QuoteID,
		rec.Action,
		rec.ResultingStatus,
		rec.ActorID,
		rec.Channel,
		rec.Comments,
		rec.OperationID,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append approval record")
	}
	return nil
}

// ListByQuoteID returns the full audit trail for a quote ordered oldest-first.
func (r *ApprovalRecordRepository) ListByQuoteID(ctx context.Context, quoteID string) ([]*ApprovalRecord, error) {
	query := `
		SELECT id, quote_id, action, resulting_status,
		       actor_id, channel, comments, operation_id, created_at
		FROM approval_records
		WHERE quote_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, quoteID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval records")
	}
	defer rows.Close()

	var records []*ApprovalRecord
	for rows.Next() {
		rec := &ApprovalRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.QuoteID,
			&rec.Action,
			&rec.ResultingStatus,
			&rec.ActorID,
			&rec.Channel,
			&rec.Comments,
			&rec.OperationID,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval record")
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
