package repository

import (
	"time"

	"github.com/oldoneme/quote-approval-service/internal/statemachine"
)

// ── Domain types for quote approval ──────────────────────────────────────────

// Channel identifies which side initiated an operation. The sync adapter
// uses it to suppress echo loops: externally-sourced operations are never
// pushed back to the platform.
type Channel string

const (
	ChannelInternal Channel = "internal"
	ChannelExternal Channel = "external"
	ChannelSystem   Channel = "system"
)

// ApprovalMethod records which side owns the approval chain for a quote.
type ApprovalMethod string

const (
	MethodInternal ApprovalMethod = "internal"
	MethodExternal ApprovalMethod = "external"
)

// Quote is the approvable resource. Status is always derived from
// ApprovalStatus; the two are only ever written together by ApplyTransition.
type Quote struct {
	ID                    string
	QuoteNumber           string
	OwnerID               string
	Status                statemachine.QuoteStatus
	ApprovalStatus        statemachine.ApprovalStatus
	ApprovalMethod        ApprovalMethod
	ExternalCorrelationID *string // platform approval number; set once, immutable
	SubmittedAt           *time.Time
	DecidedAt             *time.Time
	DecidedBy             *string
	RejectionReason       *string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// ApprovalRecord is one immutable row in the audit ledger: who did what,
// when, through which channel, and what state resulted.
type ApprovalRecord struct {
	ID              string
	QuoteID         string
	Action          statemachine.Action
	ResultingStatus statemachine.ApprovalStatus
	ActorID         *string // nil for system/external actors
	Channel         Channel
	Comments        *string
	OperationID     string
	CreatedAt       time.Time
}

// ExternalEvent is one entry in the webhook idempotency ledger. EventID
// carries a UNIQUE constraint; the losing insert of a redelivery race is the
// dedup signal.
type ExternalEvent struct {
	EventID        string
	ApprovalNumber string
	CorrelationID  string
	RawStatus      int
	ReceivedAt     time.Time
}

// Error ledger classifications. Write-only; read by monitoring, never by
// business logic.
const (
	ErrClassSignature     = "signature_failure"
	ErrClassDecrypt       = "decrypt_failure"
	ErrClassParse         = "parse_failure"
	ErrClassUnknownStatus = "unknown_status"
	ErrClassStateConflict = "state_conflict"
)

// ErrorEntry is one write-only error ledger row.
type ErrorEntry struct {
	ID             string
	Classification string
	Message        string
	PayloadExcerpt string
	CreatedAt      time.Time
}
