// Package cost is the token/cost meter: deterministic token counting and
// per-model pricing. Pure, no I/O beyond tokenizer table lookup.
package cost

import (
	"github.com/watchtower-hq/watchtower/internal/config"
)

// Calculator prices token usage from a per-model rate table
// (USD per million tokens).
type Calculator struct {
	models map[string]config.ModelPricing
}

// NewCalculator creates a Calculator with the given price table.
func NewCalculator(models map[string]config.ModelPricing) *Calculator {
	return &Calculator{models: models}
}

// Price computes the cost of a call: tokens × price / 1e6 for each side.
// Unknown models price at zero.
func (c *Calculator) Price(model string, inputTokens, outputTokens int) float64 {
	rate, ok := c.models[model]
	if !ok {
		return 0
	}
	return (float64(inputTokens)/1e6)*rate.Input + (float64(outputTokens)/1e6)*rate.Output
}

// Known reports whether the model has a configured rate.
func (c *Calculator) Known(model string) bool {
	_, ok := c.models[model]
	return ok
}
