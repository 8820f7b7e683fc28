// Package verifier is the precision gate: each vector-recalled candidate is
// confirmed or rejected by the judgment provider before anything is
// delivered or billed.
package verifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/watchtower-hq/watchtower/internal/config"
	"github.com/watchtower-hq/watchtower/internal/cost"
	"github.com/watchtower-hq/watchtower/internal/model"
	"github.com/watchtower-hq/watchtower/internal/resilience"
	"github.com/watchtower-hq/watchtower/pkg/anthropic"
)

const judgeSystemPrompt = `You evaluate whether a document satisfies a user's watch criterion. The criterion describes an event or condition the user wants to be alerted about. Judge strictly: approve only when the document clearly describes the watched condition, not merely related topics. Respond with a valid JSON object: {"approval": <bool>, "chance_score": <0.0-1.0>, "reason": "<one sentence>", "keywords": ["<term>", ...]}`

const judgeUserPrompt = `Watch criterion:
%s

Document:
%s`

const validateSystemPrompt = `You validate whether a user's watch criterion is a concrete, monitorable condition. Reject criteria that are vague, unanswerable, or not about observable events. Derive the minimal set of keywords a matching document would contain. Respond with a valid JSON object: {"approval": <bool>, "chance_score": <0.0-1.0>, "reason": "<one sentence>", "keywords": ["<term>", ...]}`

// Judgment is the structured output of a judge call.
type Judgment struct {
	Approval    bool     `json:"approval"`
	ChanceScore float64  `json:"chance_score"`
	Reason      string   `json:"reason"`
	Keywords    []string `json:"keywords"`
}

// Store is the subset of persistence the verifier needs.
type Store interface {
	InsertVerification(ctx context.Context, rec *model.VerificationRecord) error
}

// Verifier confirms candidates via the judgment provider and records every
// outcome.
type Verifier struct {
	ai      anthropic.Client
	store   Store
	counter cost.Counter
	calc    *cost.Calculator
	cfg     config.AnthropicConfig
	retry   resilience.RetryConfig
}

func New(ai anthropic.Client, st Store, counter cost.Counter, calc *cost.Calculator, cfg config.AnthropicConfig) *Verifier {
	return &Verifier{
		ai:      ai,
		store:   st,
		counter: counter,
		calc:    calc,
		cfg:     cfg,
		retry:   resilience.DefaultRetryConfig(),
	}
}

// Verify runs one judge call for the (document, criterion) pair and persists
// the resulting record whether approved or rejected. A provider failure or
// unparseable judgment is a hard failure for this pair only.
func (v *Verifier) Verify(ctx context.Context, crit *model.Criterion, doc *model.Document) (*model.VerificationRecord, error) {
	mdl := crit.Model
	if mdl == "" {
		mdl = v.cfg.JudgeModel
	}

	userPrompt := fmt.Sprintf(judgeUserPrompt, crit.Prompt, doc.Content)
	resp, err := resilience.DoVal(ctx, v.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return v.ai.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     mdl,
			MaxTokens: v.cfg.MaxTokens,
			System:    anthropic.BuildCachedSystemBlocks(judgeSystemPrompt),
			Messages:  []anthropic.Message{{Role: "user", Content: userPrompt}},
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "verifier: judge call")
	}

	judgment, err := parseJudgment(resp.Text())
	if err != nil {
		return nil, eris.Wrapf(err, "verifier: parse judgment for criterion %s", crit.ID)
	}

	in, out := v.tokenCounts(resp, judgeSystemPrompt+userPrompt, mdl)
	rec := &model.VerificationRecord{
		DocumentID:   doc.ID,
		CriterionID:  crit.ID,
		Approved:     judgment.Approval,
		ChanceScore:  judgment.ChanceScore,
		Reason:       judgment.Reason,
		Keywords:     judgment.Keywords,
		InputTokens:  in,
		OutputTokens: out,
		Cost:         v.calc.Price(mdl, in, out),
	}
	if err := v.store.InsertVerification(ctx, rec); err != nil {
		return nil, eris.Wrap(err, "verifier: persist record")
	}

	zap.L().Info("verification recorded",
		zap.String("document_id", doc.ID),
		zap.String("criterion_id", crit.ID),
		zap.Bool("approved", rec.Approved),
		zap.Float64("chance_score", rec.ChanceScore),
		zap.Float64("cost_usd", rec.Cost),
	)
	return rec, nil
}

// ValidateCriterion judges a criterion prompt at creation time and derives
// its required keywords. The caller gates on the stricter creation
// threshold.
func (v *Verifier) ValidateCriterion(ctx context.Context, prompt, mdl string) (*Judgment, error) {
	if mdl == "" {
		mdl = v.cfg.JudgeModel
	}
	resp, err := resilience.DoVal(ctx, v.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return v.ai.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     mdl,
			MaxTokens: v.cfg.MaxTokens,
			System:    []anthropic.SystemBlock{{Text: validateSystemPrompt}},
			Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "verifier: validate call")
	}

	judgment, err := parseJudgment(resp.Text())
	if err != nil {
		return nil, eris.Wrap(err, "verifier: parse validation")
	}
	return judgment, nil
}

// tokenCounts prefers the provider's reported usage and falls back to the
// local token meter when usage is absent.
func (v *Verifier) tokenCounts(resp *anthropic.MessageResponse, input, mdl string) (int, int) {
	in := int(resp.Usage.InputTokens)
	out := int(resp.Usage.OutputTokens)
	if in == 0 {
		in = v.counter.Count(input, mdl)
	}
	if out == 0 {
		out = v.counter.Count(resp.Text(), mdl)
	}
	return in, out
}

func parseJudgment(text string) (*Judgment, error) {
	var j Judgment
	if err := json.Unmarshal([]byte(anthropic.CleanJSON(text)), &j); err != nil {
		return nil, eris.Wrapf(err, "unmarshal judgment %q", text)
	}
	if j.ChanceScore < 0 || j.ChanceScore > 1 {
		return nil, eris.Errorf("chance score %f out of range", j.ChanceScore)
	}
	return &j, nil
}
