package workflow

import (
	"sync"
	"time"
)

// ModelPricing is a model's per-1M-token input/output cost in USD.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// defaultModelPricing is a static snapshot of major provider pricing,
// sufficient for cost estimation; update as providers change rates.
var defaultModelPricing = map[string]ModelPricing{
	"gpt-4o":                     {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":                {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":                {InputPer1M: 10.00, OutputPer1M: 30.00},
	"claude-sonnet-4-5-20250929": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-opus-20240229":     {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},
	"gemini-2.5-flash":           {InputPer1M: 0.30, OutputPer1M: 2.50},
	"gemini-1.5-pro":             {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash":           {InputPer1M: 0.075, OutputPer1M: 0.30},
}

// LLMCall records one priced LLM invocation.
type LLMCall struct {
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Timestamp    time.Time
	NodeID       string
}

// CostAggregator accumulates per-event LLM costs for one run, per
// spec.md §4.8's "own the cost aggregator (sum of per-event costs,
// emitted as cost_update on change)". An unpriced model still records its
// call history, at zero cost, rather than rejecting the call.
type CostAggregator struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing

	calls      []LLMCall
	totalCost  float64
	modelCosts map[string]float64
}

// NewCostAggregator constructs an aggregator seeded with default pricing.
func NewCostAggregator() *CostAggregator {
	return &CostAggregator{
		pricing:    defaultModelPricing,
		modelCosts: make(map[string]float64),
	}
}

// RecordLLMCall prices one call against the pricing table and returns the
// running total after applying it, for the caller to emit as a
// cost_update event.
func (c *CostAggregator) RecordLLMCall(model string, inputTokens, outputTokens int, nodeID string) (deltaCost, runningTotal float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	price := c.pricing[model] // zero value if unknown: recorded at zero cost
	delta := (float64(inputTokens)/1_000_000.0)*price.InputPer1M + (float64(outputTokens)/1_000_000.0)*price.OutputPer1M

	c.calls = append(c.calls, LLMCall{
		Model: model, InputTokens: inputTokens, OutputTokens: outputTokens,
		CostUSD: delta, Timestamp: time.Now(), NodeID: nodeID,
	})
	c.totalCost += delta
	c.modelCosts[model] += delta

	return delta, c.totalCost
}

// TotalCost returns the cumulative cost recorded so far.
func (c *CostAggregator) TotalCost() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalCost
}

// CostByModel returns a copy of the per-model cost breakdown.
func (c *CostAggregator) CostByModel() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]float64, len(c.modelCosts))
	for k, v := range c.modelCosts {
		out[k] = v
	}
	return out
}
