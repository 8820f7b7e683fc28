package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/watchtower-hq/watchtower/internal/config"
	"github.com/watchtower-hq/watchtower/internal/cost"
	"github.com/watchtower-hq/watchtower/internal/model"
	"github.com/watchtower-hq/watchtower/internal/resilience"
	"github.com/watchtower-hq/watchtower/pkg/anthropic"
)

const payloadSystemPrompt = `You produce the JSON body for an alert webhook. Given a watch criterion and the document that triggered it, emit a single JSON object summarizing the match for the receiving system. When a payload schema is provided, the object must conform to it. Respond with the JSON object only, no prose.`

const payloadUserPrompt = `Watch criterion:
%s

Triggering document:
%s`

const payloadSchemaSuffix = `

Payload schema:
%s`

const chatSystemPrompt = `You write a short alert message for a chat channel. Given a watch criterion and the document that triggered it, tell the user what happened and why it matches what they asked to be told about. Two or three sentences, plain text, no markdown.`

// Rendered is one generation outcome with its token accounting.
type Rendered struct {
	Payload      json.RawMessage // structured webhook body, nil for chat
	Text         string          // chat message text, empty for webhook
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// Generator renders delivery payloads via the generation capability.
type Generator struct {
	ai      anthropic.Client
	counter cost.Counter
	calc    *cost.Calculator
	cfg     config.AnthropicConfig
	retry   resilience.RetryConfig
}

func NewGenerator(ai anthropic.Client, counter cost.Counter, calc *cost.Calculator, cfg config.AnthropicConfig) *Generator {
	return &Generator{
		ai:      ai,
		counter: counter,
		calc:    calc,
		cfg:     cfg,
		retry:   resilience.DefaultRetryConfig(),
	}
}

// RenderPayload produces the structured webhook body. The output is checked
// for JSON well-formedness only; schema conformance is the model's job and
// the receiver's problem to reject.
func (g *Generator) RenderPayload(ctx context.Context, crit *model.Criterion, doc *model.Document) (*Rendered, error) {
	prompt := fmt.Sprintf(payloadUserPrompt, crit.Prompt, doc.Content)
	if len(crit.Target.Schema) > 0 {
		prompt += fmt.Sprintf(payloadSchemaSuffix, string(crit.Target.Schema))
	}

	resp, mdl, err := g.generate(ctx, crit, payloadSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	raw := anthropic.CleanJSON(resp.Text())
	if !json.Valid([]byte(raw)) {
		return nil, eris.Errorf("dispatch: generated payload is not valid JSON: %q", raw)
	}

	r := g.rendered(resp, payloadSystemPrompt+prompt, mdl)
	r.Payload = json.RawMessage(raw)
	return r, nil
}

// RenderText produces the chat message body with the attribution suffix
// naming the originating criterion.
func (g *Generator) RenderText(ctx context.Context, crit *model.Criterion, doc *model.Document) (*Rendered, error) {
	prompt := fmt.Sprintf(payloadUserPrompt, crit.Prompt, doc.Content)

	resp, mdl, err := g.generate(ctx, crit, chatSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	r := g.rendered(resp, chatSystemPrompt+prompt, mdl)
	r.Text = strings.TrimSpace(resp.Text()) + attributionSuffix(crit)
	return r, nil
}

func (g *Generator) generate(ctx context.Context, crit *model.Criterion, system, prompt string) (*anthropic.MessageResponse, string, error) {
	mdl := crit.Model
	if mdl == "" {
		mdl = g.cfg.DefaultModel
	}
	resp, err := resilience.DoVal(ctx, g.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return g.ai.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     mdl,
			MaxTokens: g.cfg.MaxTokens,
			System:    []anthropic.SystemBlock{{Text: system}},
			Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
		})
	})
	if err != nil {
		return nil, "", eris.Wrap(err, "dispatch: generation call")
	}
	return resp, mdl, nil
}

func (g *Generator) rendered(resp *anthropic.MessageResponse, input, mdl string) *Rendered {
	in := int(resp.Usage.InputTokens)
	out := int(resp.Usage.OutputTokens)
	if in == 0 {
		in = g.counter.Count(input, mdl)
	}
	if out == 0 {
		out = g.counter.Count(resp.Text(), mdl)
	}
	return &Rendered{
		InputTokens:  in,
		OutputTokens: out,
		Cost:         g.calc.Price(mdl, in, out),
	}
}

func attributionSuffix(crit *model.Criterion) string {
	return fmt.Sprintf("\n\nSent by Watchtower for your alert: %q", crit.Prompt)
}
