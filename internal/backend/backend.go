// Package backend implements the adapter contract (spec.md C1) over the
// two backend kinds the gateway fronts: a local command-line assistant
// and remote HTTP chat providers.
package backend

import (
	"context"

	gateway "github.com/quietloop/llmgate/internal"
	"github.com/quietloop/llmgate/internal/tokencount"
)

// Adapter is the uniform contract every backend implements. There are
// exactly two kinds -- local and remote -- treated as a closed variant
// by the router rather than an inheritance hierarchy (spec.md §9).
type Adapter interface {
	// Name is the adapter's configured backend name.
	Name() string
	// Kind reports local or remote.
	Kind() gateway.BackendKind
	// SupportsTools reports whether this backend can execute tool-using
	// requests.
	SupportsTools() bool
	// Config returns the immutable descriptor the adapter was built from.
	Config() gateway.BackendDescriptor
	// Execute runs the request and returns a structured output record.
	Execute(ctx context.Context, req *gateway.ChatRequest) (*gateway.AdapterOutput, error)
	// IsAvailable reports current reachability. Never cached by the
	// caller (spec.md §4.3): each call does live work.
	IsAvailable(ctx context.Context) bool
	// EstimateCost returns the character-based cost estimate for req
	// (spec.md §4.1): cost_per_unit * ceil(total_chars/4) / 1000.
	EstimateCost(req *gateway.ChatRequest) float64
}

// EstimateCost implements the shared character-based cost approximation
// every adapter kind uses (spec.md §4.1, §9 "token-count approximation").
func EstimateCost(costPerUnit float64, req *gateway.ChatRequest) float64 {
	return tokencount.EstimateCost(costPerUnit, req)
}
