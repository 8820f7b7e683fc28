package model

import (
	"encoding/json"
	"time"
)

// CriterionStatus is the lifecycle state of a watch criterion.
type CriterionStatus string

const (
	StatusActive    CriterionStatus = "active"
	StatusWarned    CriterionStatus = "warned"
	StatusTriggered CriterionStatus = "triggered"
	StatusCancelled CriterionStatus = "cancelled"
	StatusExpired   CriterionStatus = "expired"
)

// Matchable reports whether a criterion in this status stays in the
// candidate pool. Triggered, cancelled and expired criteria never match.
func (s CriterionStatus) Matchable() bool {
	return s == StatusActive || s == StatusWarned
}

// DeliveryKind selects the outbound transport for a confirmed match.
type DeliveryKind string

const (
	DeliverWebhook DeliveryKind = "webhook"
	DeliverChat    DeliveryKind = "chat"
)

// DeliveryTarget is the tagged union of delivery configurations. Kind
// selects which half is meaningful: webhook fields (method, URL, headers,
// optional payload schema) or the chat recipient.
type DeliveryTarget struct {
	Kind DeliveryKind `json:"kind"`

	// Webhook delivery.
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	// Schema, when present, is an opaque JSON document describing the
	// desired payload shape. It is validated for well-formedness only.
	Schema json.RawMessage `json:"schema,omitempty"`

	// Chat delivery.
	Recipient string `json:"recipient,omitempty"`
}

// Criterion is a user-declared natural-language watch condition plus its
// delivery target. Created by the user-facing creation flow; mutated only
// by pipeline status transitions and explicit cancel.
type Criterion struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Prompt    string          `json:"prompt"`
	Embedding Vector          `json:"embedding,omitempty"`
	// Keywords is the required-keyword set, derived once at creation time
	// by the judgment provider and never recomputed.
	Keywords  []string        `json:"keywords"`
	Target    DeliveryTarget  `json:"target"`
	Recurring bool            `json:"recurring"`
	ExpiresAt time.Time       `json:"expires_at"`
	Model     string          `json:"model"`
	Status    CriterionStatus `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Eligible reports whether the criterion may be returned as a candidate:
// status ∈ {active, warned} and not yet expired.
func (c *Criterion) Eligible(now time.Time) bool {
	return c.Status.Matchable() && now.Before(c.ExpiresAt)
}

// NextStatus returns the lifecycle state a confirmed match advances to:
// recurring criteria stay in the pool as warned, one-shot criteria are
// triggered and leave the pool.
func (c *Criterion) NextStatus() CriterionStatus {
	if c.Recurring {
		return StatusWarned
	}
	return StatusTriggered
}

// Candidate is a criterion selected by approximate vector similarity,
// pending semantic confirmation.
type Candidate struct {
	Criterion Criterion `json:"criterion"`
	Distance  float64   `json:"distance"`
}
