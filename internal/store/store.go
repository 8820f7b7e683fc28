// Package store defines the persistence contract of the matching pipeline:
// criteria, documents, the append-only audit tables, account balances and
// the atomic settlement operation.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/watchtower-hq/watchtower/internal/model"
	"github.com/watchtower-hq/watchtower/internal/resilience"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = eris.New("store: not found")

	// ErrAlreadySettled is returned when a settlement key has been used.
	// The caller must treat this as success (the pair is already billed).
	ErrAlreadySettled = eris.New("store: settlement already applied")

	// ErrStaleStatus is returned when a settlement loses the race against
	// user cancellation or expiry: the criterion is no longer matchable and
	// nothing was charged or transitioned.
	ErrStaleStatus = eris.New("store: criterion status no longer matchable")

	// ErrEmbeddingAlreadySet guards the write-once document embedding.
	ErrEmbeddingAlreadySet = eris.New("store: document embedding already set")
)

// CandidateQuery selects criteria by vector similarity. Status and expiry
// eligibility are always enforced; TenantID nil means all tenants.
type CandidateQuery struct {
	Embedding   model.Vector
	TenantID    *string
	MaxDistance float64
	Limit       int
	Now         time.Time
}

// CriterionFilter narrows ListCriteria.
type CriterionFilter struct {
	TenantID string
	Status   model.CriterionStatus
	Limit    int
}

// Settlement pairs a ledger debit with the criterion lifecycle transition
// it causes. Key is deterministic per (document, criterion) pair; reusing a
// key is rejected with ErrAlreadySettled.
type Settlement struct {
	Key         string
	AccountID   string
	DocumentID  string
	CriterionID string
	Amount      float64
	NextStatus  model.CriterionStatus
}

// Metrics is an operational snapshot over a time window.
type Metrics struct {
	Verifications    int     `json:"verifications"`
	Approved         int     `json:"approved"`
	Deliveries       int     `json:"deliveries"`
	DeliveryFailures int     `json:"delivery_failures"`
	SpendUSD         float64 `json:"spend_usd"`
	DeadLetters      int     `json:"dead_letters"`
}

// Store is the persistence interface consumed by the pipeline.
type Store interface {
	// Documents. Documents are immutable after creation; the embedding is
	// written exactly once.
	InsertDocument(ctx context.Context, doc *model.Document) error
	InsertDocuments(ctx context.Context, docs []model.Document) (int64, error)
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	SetDocumentEmbedding(ctx context.Context, id string, emb model.Vector) error

	// Criteria.
	InsertCriterion(ctx context.Context, c *model.Criterion) error
	GetCriterion(ctx context.Context, id string) (*model.Criterion, error)
	ListCriteria(ctx context.Context, f CriterionFilter) ([]model.Criterion, error)
	FindCandidates(ctx context.Context, q CandidateQuery) ([]model.Candidate, error)
	CancelCriterion(ctx context.Context, id string) error
	ExpireCriteria(ctx context.Context, now time.Time) (int64, error)

	// Append-only audit trail.
	InsertVerification(ctx context.Context, rec *model.VerificationRecord) error
	InsertDelivery(ctx context.Context, ev *model.DeliveryEvent) error

	// Accounts and settlement.
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccountByTenant(ctx context.Context, tenantID string) (*model.Account, error)
	UpsertAccount(ctx context.Context, a *model.Account) error
	// SettleMatch applies the debit and the status transition atomically:
	// the settlement key insert, the compare-and-set on criterion status
	// and the balance decrement commit together or not at all.
	SettleMatch(ctx context.Context, s Settlement) error

	// Dead letter queue.
	EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, f resilience.DLQFilter) ([]resilience.DLQEntry, error)
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Ops.
	Metrics(ctx context.Context, since time.Time) (*Metrics, error)
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
