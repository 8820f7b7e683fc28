package resilience

import "time"

// DLQEntry is a unit of work that exhausted its failure budget: either a
// whole document (retrieval failed repeatedly) or a single
// (document, criterion) pair. CriterionID is empty for document-level
// entries.
type DLQEntry struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	CriterionID string    `json:"criterion_id,omitempty"`
	Error       string    `json:"error"`
	ErrorType   string    `json:"error_type"` // "transient" or "permanent"
	RetryCount  int       `json:"retry_count"`
	MaxRetries  int       `json:"max_retries"`
	NextRetryAt time.Time `json:"next_retry_at"`
	CreatedAt   time.Time `json:"created_at"`
	LastFailed  time.Time `json:"last_failed_at"`
}

// DLQFilter selects entries when draining the queue.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}
