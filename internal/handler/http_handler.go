package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/oldoneme/quote-approval-service/internal/errors"
	"github.com/oldoneme/quote-approval-service/internal/repository"
	"github.com/oldoneme/quote-approval-service/internal/service"
	"github.com/oldoneme/quote-approval-service/internal/statemachine"
)

// OperationRunner is the engine surface the HTTP API needs.
type OperationRunner interface {
	Execute(ctx context.Context, op service.Operation) (*service.Result, error)
}

// QuoteReader serves the read endpoints.
type QuoteReader interface {
	GetByID(ctx context.Context, id string) (*repository.Quote, error)
}

// HistoryReader lists a quote's audit trail.
type HistoryReader interface {
	ListByQuoteID(ctx context.Context, quoteID string) ([]*repository.ApprovalRecord, error)
}

// HTTPHandler exposes the internal approval API. Actor identity arrives in
// the X-Actor-ID / X-Actor-Role headers, set by the gateway in front of
// this service.
type HTTPHandler struct {
	engine  OperationRunner
	quotes  QuoteReader
	history HistoryReader
	log     zerolog.Logger
}

// NewHTTPHandler creates the internal API handler.
func NewHTTPHandler(engine OperationRunner, quotes QuoteReader, history HistoryReader, log zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{engine: engine, quotes: quotes, history: history, log: log}
}

type operationRequest struct {
	QuoteID  string `json:"quote_id"`
	Comments string `json:"comments,omitempty"`
}

type operationResponse struct {
	OperationID    string `json:"operation_id"`
	QuoteID        string `json:"quote_id"`
	ApprovalStatus string `json:"approval_status"`
}

type quoteResponse struct {
	ID                    string  `json:"id"`
	QuoteNumber           string  `json:"quote_number"`
	OwnerID               string  `json:"owner_id"`
	Status                string  `json:"status"`
	ApprovalStatus        string  `json:"approval_status"`
	ApprovalMethod        string  `json:"approval_method"`
	ExternalCorrelationID *string `json:"external_correlation_id,omitempty"`
	SubmittedAt           *string `json:"submitted_at,omitempty"`
	DecidedAt             *string `json:"decided_at,omitempty"`
	DecidedBy             *string `json:"decided_by,omitempty"`
	RejectionReason       *string `json:"rejection_reason,omitempty"`
}

type historyEntry struct {
	Action          string  `json:"action"`
	ResultingStatus string  `json:"resulting_status"`
	ActorID         *string `json:"actor_id,omitempty"`
	Channel         string  `json:"channel"`
	Comments        *string `json:"comments,omitempty"`
	OperationID     string  `json:"operation_id"`
	CreatedAt       string  `json:"created_at"`
}

// Submit handles POST /api/v1/quotes/submit.
func (h *HTTPHandler) Submit(w http.ResponseWriter, r *http.Request) {
	h.operate(w, r, statemachine.ActionSubmit)
}

// Approve handles POST /api/v1/quotes/approve.
func (h *HTTPHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.operate(w, r, statemachine.ActionApprove)
}

// Reject handles POST /api/v1/quotes/reject.
func (h *HTTPHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.operate(w, r, statemachine.ActionReject)
}

// Withdraw handles POST /api/v1/quotes/withdraw.
func (h *HTTPHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.operate(w, r, statemachine.ActionWithdraw)
}

func (h *HTTPHandler) operate(w http.ResponseWriter, r *http.Request, action statemachine.Action) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req operationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.engine.Execute(r.Context(), service.Operation{
		Action:    action,
		QuoteID:   req.QuoteID,
		ActorID:   r.Header.Get("X-Actor-ID"),
		ActorRole: r.Header.Get("X-Actor-Role"),
		Channel:   repository.ChannelInternal,
		Comments:  req.Comments,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, operationResponse{
		OperationID:    res.OperationID,
		QuoteID:        req.QuoteID,
		ApprovalStatus: string(res.NewStatus),
	})
}

// GetApproval handles GET /api/v1/quotes/approval?id=.
func (h *HTTPHandler) GetApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Quote ID is required", http.StatusBadRequest)
		return
	}

	quote, err := h.quotes.GetByID(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := quoteResponse{
		ID:                    quote.ID,
		QuoteNumber:           quote.QuoteNumber,
		OwnerID:               quote.OwnerID,
		Status:                string(quote.Status),
		ApprovalStatus:        string(quote.ApprovalStatus),
		ApprovalMethod:        string(quote.ApprovalMethod),
		ExternalCorrelationID: quote.ExternalCorrelationID,
		DecidedBy:             quote.DecidedBy,
		RejectionReason:       quote.RejectionReason,
	}
	if quote.SubmittedAt != nil {
		s := quote.SubmittedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.SubmittedAt = &s
	}
	if quote.DecidedAt != nil {
		s := quote.DecidedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.DecidedAt = &s
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetHistory handles GET /api/v1/quotes/history?id=.
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Quote ID is required", http.StatusBadRequest)
		return
	}

	records, err := h.history.ListByQuoteID(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	entries := make([]historyEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, historyEntry{
			Action:          string(rec.Action),
			ResultingStatus: string(rec.ResultingStatus),
			ActorID:         rec.ActorID,
			Channel:         string(rec.Channel),
			Comments:        rec.Comments,
			OperationID:     rec.OperationID,
			CreatedAt:       rec.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"quote_id": id,
		"history":  entries,
	})
}

// writeError maps an error code to an HTTP status with a JSON body. Internal
// failures are never echoed to the client.
func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := http.StatusInternalServerError
	msg := err.Error()

	switch code {
	case errors.ErrCodeValidation:
		status = http.StatusBadRequest
	case errors.ErrCodePermissionDenied:
		status = http.StatusForbidden
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeInvalidState, errors.ErrCodeConflict:
		status = http.StatusConflict
	default:
		h.log.Error().Err(err).Msg("internal API request failed")
		msg = "internal error"
	}

	writeJSON(w, status, map[string]string{
		"error": msg,
		"code":  string(code),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
