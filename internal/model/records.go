package model

import (
	"encoding/json"
	"time"
)

// VerificationRecord is the append-only audit row for one judgment call
// against one (document, criterion) pair. Persisted for rejections too.
type VerificationRecord struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	CriterionID string    `json:"criterion_id"`
	Approved    bool      `json:"approved"`
	ChanceScore float64   `json:"chance_score"` // in [0,1]
	Reason      string    `json:"reason"`
	Keywords    []string  `json:"keywords,omitempty"`

	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`

	CreatedAt time.Time `json:"created_at"`
}

// Confirmed reports whether the verification clears the approval gate at
// the given threshold.
func (r *VerificationRecord) Confirmed(threshold float64) bool {
	return r.Approved && r.ChanceScore >= threshold
}

// Sentinel status codes recorded on a DeliveryEvent when no upstream HTTP
// status exists for the outcome.
const (
	StatusUnsupportedMethod = 400 // method outside POST/PUT/PATCH
	StatusDeliveryTimeout   = 408
	StatusTransportError    = 500 // any other transport exception
	StatusConnectionFailed  = 503
)

// DeliveryEvent is the append-only record of one outbound delivery attempt
// sequence (retries are internal; one event per confirmed match).
type DeliveryEvent struct {
	ID          string          `json:"id"`
	CriterionID string          `json:"criterion_id"`
	DocumentID  string          `json:"document_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	StatusCode  int             `json:"status_code"`
	Attempts    int             `json:"attempts"`

	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`

	CreatedAt time.Time `json:"created_at"`
}

// Succeeded reports delivery success: any final status below 400.
func (e *DeliveryEvent) Succeeded() bool {
	return e.StatusCode < 400
}

// Account carries the credit balance debited by settlement. The balance is
// monotonically decreasing from this subsystem's perspective.
type Account struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Balance   float64   `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}
