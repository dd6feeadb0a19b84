// Package statemachine holds the pure approval state transition rules.
// It is the only place that knows which (state, action) pairs are legal and
// how the coarse business status derives from the fine-grained approval
// status. Callers never mutate either field outside these functions.
package statemachine

import (
	"github.com/oldoneme/quote-approval-service/internal/errors"
)

// ApprovalStatus is the fine-grained approval lifecycle state.
type ApprovalStatus string

const (
	StatusNotSubmitted ApprovalStatus = "not_submitted"
	StatusPending      ApprovalStatus = "pending"
	StatusApproved     ApprovalStatus = "approved"
	StatusRejected     ApprovalStatus = "rejected"
	StatusWithdrawn    ApprovalStatus = "withdrawn"
)

// QuoteStatus is the coarse business lifecycle state, always derived from
// the approval status.
type QuoteStatus string

const (
	QuoteDraft     QuoteStatus = "draft"
	QuotePending   QuoteStatus = "pending"
	QuoteApproved  QuoteStatus = "approved"
	QuoteRejected  QuoteStatus = "rejected"
	QuoteCancelled QuoteStatus = "cancelled"
)

// Action is an approval operation.
type Action string

const (
	ActionSubmit   Action = "submit"
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionWithdraw Action = "withdraw"
)

// transitions is the full table of legal moves. Approved is terminal.
var transitions = map[ApprovalStatus]map[Action]ApprovalStatus{
	StatusNotSubmitted: {
		ActionSubmit: StatusPending,
	},
	StatusPending: {
		ActionApprove:  StatusApproved,
		ActionReject:   StatusRejected,
		ActionWithdraw: StatusWithdrawn,
	},
	StatusRejected: {
		ActionSubmit: StatusPending,
	},
	StatusWithdrawn: {
		ActionSubmit: StatusPending,
	},
}

// Validate reports whether action is legal from state.
func Validate(state ApprovalStatus, action Action) bool {
	_, ok := transitions[state][action]
	return ok
}

// Next returns the state reached by applying action to state, or an
// INVALID_STATE error when the transition is not in the table.
func Next(state ApprovalStatus, action Action) (ApprovalStatus, error) {
	next, ok := transitions[state][action]
	if !ok {
		return state, errors.Newf(errors.ErrCodeInvalidState,
			"cannot %s a quote in approval status %q", action, state)
	}
	return next, nil
}

// CoarseStatus derives the business status from an approval status. The two
// fields always change together through this mapping.
func CoarseStatus(s ApprovalStatus) QuoteStatus {
	switch s {
	case StatusPending:
		return QuotePending
	case StatusApproved:
		return QuoteApproved
	case StatusRejected:
		return QuoteRejected
	default:
		// not_submitted and withdrawn both leave the quote editable.
		return QuoteDraft
	}
}
