// Package retriever selects the candidate criteria for an ingested
// document: vector recall within a per-source distance threshold, then a
// keyword backstop for precision.
package retriever

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/watchtower-hq/watchtower/internal/config"
	"github.com/watchtower-hq/watchtower/internal/model"
	"github.com/watchtower-hq/watchtower/internal/store"
	"github.com/watchtower-hq/watchtower/pkg/jina"
)

// Store is the subset of persistence the retriever needs.
type Store interface {
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	SetDocumentEmbedding(ctx context.Context, id string, emb model.Vector) error
	FindCandidates(ctx context.Context, q store.CandidateQuery) ([]model.Candidate, error)
}

// Retriever embeds documents lazily and runs the candidate query.
type Retriever struct {
	store    Store
	embedder jina.Client
	cfg      config.MatchingConfig
}

func New(st Store, embedder jina.Client, cfg config.MatchingConfig) *Retriever {
	return &Retriever{store: st, embedder: embedder, cfg: cfg}
}

// Retrieve returns the candidate criteria for the document, ordered by
// ascending distance then creation time. The document's embedding is
// computed and persisted on first use. Any retrieval error fails the whole
// document: a partial candidate list is worse than an explicit retry.
func (r *Retriever) Retrieve(ctx context.Context, doc *model.Document) ([]model.Candidate, error) {
	if doc.Embedding == nil {
		if err := r.ensureEmbedding(ctx, doc); err != nil {
			return nil, err
		}
	}

	var tenant *string
	if doc.TenantScoped() {
		tenant = doc.TenantID
	}

	candidates, err := r.store.FindCandidates(ctx, store.CandidateQuery{
		Embedding:   doc.Embedding,
		TenantID:    tenant,
		MaxDistance: r.cfg.DistanceThresholdFor(string(doc.Source)),
		Limit:       r.cfg.MaxCandidates,
		Now:         time.Now(),
	})
	if err != nil {
		return nil, eris.Wrap(err, "retriever: find candidates")
	}

	folded := foldContent(doc.Content)
	kept := candidates[:0]
	for _, c := range candidates {
		if matchesKeywords(folded, c.Criterion.Keywords) {
			kept = append(kept, c)
			continue
		}
		zap.L().Debug("candidate dropped by keyword backstop",
			zap.String("document_id", doc.ID),
			zap.String("criterion_id", c.Criterion.ID),
			zap.Float64("distance", c.Distance),
		)
	}
	return kept, nil
}

// ensureEmbedding computes the passage embedding and persists it. The write
// is once-only; losing the race to a concurrent worker means the stored
// vector wins.
func (r *Retriever) ensureEmbedding(ctx context.Context, doc *model.Document) error {
	resp, err := r.embedder.Embed(ctx, []string{doc.Content}, jina.TaskPassage)
	if err != nil {
		return eris.Wrap(err, "retriever: embed document")
	}
	if len(resp.Data) != 1 {
		return eris.Errorf("retriever: expected 1 embedding, got %d", len(resp.Data))
	}
	emb := model.Vector(resp.Data[0].Embedding)

	err = r.store.SetDocumentEmbedding(ctx, doc.ID, emb)
	switch {
	case err == nil:
		doc.Embedding = emb
		return nil
	case errors.Is(err, store.ErrEmbeddingAlreadySet):
		stored, err := r.store.GetDocument(ctx, doc.ID)
		if err != nil {
			return eris.Wrap(err, "retriever: reload document")
		}
		doc.Embedding = stored.Embedding
		return nil
	default:
		return eris.Wrap(err, "retriever: persist embedding")
	}
}

func foldContent(s string) string {
	return cases.Fold().String(s)
}

// matchesKeywords applies the keyword backstop: a criterion with required
// keywords must have at least one present in the document content,
// case-insensitively. Criteria without keywords pass through.
func matchesKeywords(foldedContent string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	fold := cases.Fold()
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(foldedContent, fold.String(kw)) {
			return true
		}
	}
	return false
}
