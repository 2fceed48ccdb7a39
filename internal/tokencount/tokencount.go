// Package tokencount provides the character-based token/cost
// approximation used for routing and usage accounting (spec.md §4.1,
// §9). It is intentionally not an exact tokenizer: counting real
// provider tokens would require a vendor-specific encoder per backend,
// which the gateway has no stable way to keep in sync.
package tokencount

import (
	gateway "github.com/quietloop/llmgate/internal"
)

// charsPerUnit is the heuristic used throughout: roughly four
// characters per token for English text.
const charsPerUnit = 4

// Units converts a character count to the approximate number of
// token-equivalent units, rounding up.
func Units(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + charsPerUnit - 1) / charsPerUnit
}

// EstimateRequest returns the approximate unit count for every message
// in req, summing role-agnostic content length (spec.md §4.1).
func EstimateRequest(req *gateway.ChatRequest) int {
	return Units(req.TotalChars())
}

// EstimateText returns the approximate unit count for a single string.
func EstimateText(text string) int {
	return Units(len(text))
}

// EstimateCost applies the cost formula from spec.md §4.1:
// cost_per_unit * ceil(total_chars/4) / 1000.
func EstimateCost(costPerUnit float64, req *gateway.ChatRequest) float64 {
	return costPerUnit * float64(EstimateRequest(req)) / 1000
}
