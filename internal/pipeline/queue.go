package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/watchtower-hq/watchtower/internal/config"
	"github.com/watchtower-hq/watchtower/internal/resilience"
)

// ErrQueueFull is returned when the ingestion buffer is at capacity. The
// caller decides whether to shed or back off.
var ErrQueueFull = eris.New("pipeline: queue full")

// Processor is the document-level entry point the queue drives.
type Processor interface {
	Process(ctx context.Context, documentID string) (*Result, error)
}

// DeadLetterer stores work that exhausted its retry budget.
type DeadLetterer interface {
	EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error
}

type job struct {
	documentID string
	attempt    int
}

// Queue is the bounded ingestion buffer feeding the match workers.
// Documents that keep failing retrieval land in the dead letter queue
// rather than being dropped.
type Queue struct {
	processor Processor
	dlq       DeadLetterer
	cfg       config.PipelineConfig

	jobs chan job
	wg   sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

func NewQueue(p Processor, dlq DeadLetterer, cfg config.PipelineConfig) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxDocumentRetry <= 0 {
		cfg.MaxDocumentRetry = 3
	}
	return &Queue{
		processor: p,
		dlq:       dlq,
		cfg:       cfg,
		jobs:      make(chan job, cfg.QueueSize),
	}
}

// Start launches the worker pool. Workers drain until Stop closes the
// queue or ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		for range q.cfg.Workers {
			q.wg.Add(1)
			go q.worker(ctx)
		}
		zap.L().Info("pipeline workers started",
			zap.Int("workers", q.cfg.Workers),
			zap.Int("queue_size", q.cfg.QueueSize),
		)
	})
}

// Enqueue submits a document for matching. Non-blocking; a full buffer is
// reported to the caller instead of stalling ingestion.
func (q *Queue) Enqueue(documentID string) error {
	select {
	case q.jobs <- job{documentID: documentID}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for in-flight work to finish.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.jobs)
	})
	q.wg.Wait()
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q.jobs:
			if !ok {
				return
			}
			q.run(ctx, j)
		}
	}
}

// run processes one job, re-queueing on failure until the document retry
// budget is spent, then dead-letters it.
func (q *Queue) run(ctx context.Context, j job) {
	_, err := q.processor.Process(ctx, j.documentID)
	if err == nil {
		return
	}

	j.attempt++
	if j.attempt < q.cfg.MaxDocumentRetry {
		zap.L().Warn("document processing failed, requeueing",
			zap.String("document_id", j.documentID),
			zap.Int("attempt", j.attempt),
			zap.Error(err),
		)
		select {
		case q.jobs <- j:
			return
		default:
			// Buffer full; fall through to the dead letter queue instead
			// of blocking a worker.
		}
	}

	now := time.Now()
	entry := resilience.DLQEntry{
		ID:          uuid.NewString(),
		DocumentID:  j.documentID,
		Error:       err.Error(),
		ErrorType:   resilience.ClassifyError(err),
		RetryCount:  j.attempt,
		MaxRetries:  q.cfg.MaxDocumentRetry,
		NextRetryAt: now.Add(5 * time.Minute),
		CreatedAt:   now,
		LastFailed:  now,
	}
	if dlqErr := q.dlq.EnqueueDLQ(ctx, entry); dlqErr != nil {
		zap.L().Error("dead letter enqueue failed",
			zap.String("document_id", j.documentID),
			zap.Error(dlqErr),
		)
		return
	}
	zap.L().Error("document dead-lettered",
		zap.String("document_id", j.documentID),
		zap.Int("attempts", j.attempt),
		zap.String("error_type", entry.ErrorType),
		zap.Error(err),
	)
}
