package llm

import (
	"fmt"
	"time"

	"github.com/drjanduffy/heyberkshire/internal/resilience"
)

// ModelPricing holds per-million-token USD prices for one model.
type ModelPricing struct {
	InputPerMTok      float64
	OutputPerMTok     float64
	CacheWritePerMTok float64
	CacheReadPerMTok  float64
}

// pricingTable is the fixed per-model price list. Prompt cache writes cost
// 1.25x input; cache reads cost 0.1x input.
var pricingTable = map[string]ModelPricing{
	"claude-sonnet-4-5": {
		InputPerMTok:      3.00,
		OutputPerMTok:     15.00,
		CacheWritePerMTok: 3.75,
		CacheReadPerMTok:  0.30,
	},
	"claude-haiku-4-5": {
		InputPerMTok:      1.00,
		OutputPerMTok:     5.00,
		CacheWritePerMTok: 1.25,
		CacheReadPerMTok:  0.10,
	},
	"claude-opus-4-1": {
		InputPerMTok:      15.00,
		OutputPerMTok:     75.00,
		CacheWritePerMTok: 18.75,
		CacheReadPerMTok:  1.50,
	},
}

// Price computes the itemized cost of a call from the model and its token
// usage. It is a pure function of its inputs; an unknown model is an error
// rather than a zero-cost default.
func Price(model string, usage Usage) (resilience.Cost, error) {
	p, ok := pricingTable[model]
	if !ok {
		return resilience.Cost{}, resilience.NewError(resilience.KindValidation,
			fmt.Sprintf("no pricing for model %q", model), nil)
	}

	const mtok = 1_000_000
	c := resilience.Cost{
		Input:      float64(usage.InputTokens) / mtok * p.InputPerMTok,
		Output:     float64(usage.OutputTokens) / mtok * p.OutputPerMTok,
		CacheWrite: float64(usage.CacheWriteTokens) / mtok * p.CacheWritePerMTok,
		CacheRead:  float64(usage.CacheReadTokens) / mtok * p.CacheReadPerMTok,
		Timestamp:  time.Now(),
	}
	c.Total = c.Input + c.Output + c.CacheWrite + c.CacheRead
	return c, nil
}

// KnownModel reports whether the pricing table covers the model.
func KnownModel(model string) bool {
	_, ok := pricingTable[model]
	return ok
}
