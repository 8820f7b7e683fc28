// Package pipeline orchestrates the match flow for an ingested document:
// candidate retrieval, per-pair semantic verification, delivery and
// settlement. Pairs are independent; one pair's failure never blocks the
// others.
package pipeline

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/watchtower-hq/watchtower/internal/config"
	"github.com/watchtower-hq/watchtower/internal/model"
)

// PairState is the terminal state of one (document, criterion) pair.
type PairState string

const (
	PairRejected       PairState = "rejected"
	PairVerifyFailed   PairState = "verify_failed"
	PairSettled        PairState = "settled"
	PairSettleFailed   PairState = "settle_failed"
	PairDispatchFailed PairState = "dispatch_failed"
)

// PairResult records what happened to one candidate pair.
type PairResult struct {
	CriterionID  string
	Distance     float64
	State        PairState
	Verification *model.VerificationRecord
	Delivery     *model.DeliveryEvent
	Err          error
}

// Result summarizes one document's trip through the pipeline.
type Result struct {
	DocumentID string
	Candidates int
	Confirmed  int
	Delivered  int
	Pairs      []PairResult
}

// Retriever selects candidate criteria for a document.
type Retriever interface {
	Retrieve(ctx context.Context, doc *model.Document) ([]model.Candidate, error)
}

// Verifier runs the semantic judgment for one pair.
type Verifier interface {
	Verify(ctx context.Context, crit *model.Criterion, doc *model.Document) (*model.VerificationRecord, error)
}

// Dispatcher delivers a confirmed match.
type Dispatcher interface {
	Dispatch(ctx context.Context, crit *model.Criterion, doc *model.Document) (*model.DeliveryEvent, error)
}

// Settler bills a confirmed match and advances the criterion lifecycle.
type Settler interface {
	Settle(ctx context.Context, crit *model.Criterion, doc *model.Document, rec *model.VerificationRecord, ev *model.DeliveryEvent) error
}

// DocumentGetter loads the document under processing.
type DocumentGetter interface {
	GetDocument(ctx context.Context, id string) (*model.Document, error)
}

// Coordinator runs the full match flow for one document at a time.
type Coordinator struct {
	store      DocumentGetter
	retriever  Retriever
	verifier   Verifier
	dispatcher Dispatcher
	settler    Settler
	matching   config.MatchingConfig
	workers    int
}

func NewCoordinator(
	st DocumentGetter,
	ret Retriever,
	ver Verifier,
	disp Dispatcher,
	settler Settler,
	matching config.MatchingConfig,
	cfg config.PipelineConfig,
) *Coordinator {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Coordinator{
		store:      st,
		retriever:  ret,
		verifier:   ver,
		dispatcher: disp,
		settler:    settler,
		matching:   matching,
		workers:    workers,
	}
}

// Process runs retrieval for the document and fans the candidates out to
// the verify/dispatch/settle flow. A retrieval failure fails the document;
// pair failures are recorded in the result and do not.
func (c *Coordinator) Process(ctx context.Context, documentID string) (*Result, error) {
	doc, err := c.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load document %s", documentID)
	}

	log := zap.L().With(zap.String("document_id", doc.ID), zap.String("source", string(doc.Source)))

	candidates, err := c.retriever.Retrieve(ctx, doc)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: retrieve candidates")
	}
	log.Info("candidates retrieved", zap.Int("count", len(candidates)))

	result := &Result{
		DocumentID: doc.ID,
		Candidates: len(candidates),
		Pairs:      make([]PairResult, len(candidates)),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for i, cand := range candidates {
		g.Go(func() error {
			pr := c.processPair(gctx, cand, doc)
			mu.Lock()
			result.Pairs[i] = pr
			mu.Unlock()
			return nil
		})
	}
	// Workers never return errors; Wait only observes context cancellation.
	_ = g.Wait()

	for _, pr := range result.Pairs {
		if pr.Verification != nil && pr.Verification.Confirmed(c.matching.MatchApprovalThreshold) {
			result.Confirmed++
		}
		if pr.Delivery != nil && pr.Delivery.Succeeded() {
			result.Delivered++
		}
	}

	log.Info("document processed",
		zap.Int("candidates", result.Candidates),
		zap.Int("confirmed", result.Confirmed),
		zap.Int("delivered", result.Delivered),
	)
	return result, ctx.Err()
}

// processPair walks one candidate through verify, dispatch and settle. All
// outcomes are terminal for the pair; errors are captured, not propagated.
func (c *Coordinator) processPair(ctx context.Context, cand model.Candidate, doc *model.Document) PairResult {
	crit := cand.Criterion
	pr := PairResult{CriterionID: crit.ID, Distance: cand.Distance}

	rec, err := c.verifier.Verify(ctx, &crit, doc)
	if err != nil {
		zap.L().Warn("verification failed",
			zap.String("document_id", doc.ID),
			zap.String("criterion_id", crit.ID),
			zap.Error(err),
		)
		pr.State = PairVerifyFailed
		pr.Err = err
		return pr
	}
	pr.Verification = rec

	if !rec.Confirmed(c.matching.MatchApprovalThreshold) {
		pr.State = PairRejected
		return pr
	}

	// Delivery failure is terminal for the event but never for the
	// settlement; the judgment and generation spend is owed either way.
	ev, err := c.dispatcher.Dispatch(ctx, &crit, doc)
	if err != nil {
		zap.L().Error("dispatch failed to persist",
			zap.String("document_id", doc.ID),
			zap.String("criterion_id", crit.ID),
			zap.Error(err),
		)
		pr.State = PairDispatchFailed
		pr.Err = err
	}
	pr.Delivery = ev

	if err := c.settler.Settle(ctx, &crit, doc, rec, ev); err != nil {
		zap.L().Error("settlement failed",
			zap.String("document_id", doc.ID),
			zap.String("criterion_id", crit.ID),
			zap.Error(err),
		)
		pr.State = PairSettleFailed
		pr.Err = err
		return pr
	}
	if pr.State == "" {
		pr.State = PairSettled
	}
	return pr
}
