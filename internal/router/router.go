// Package router implements the routing decision (spec.md C4): turning
// a chat request into a Direct/Pooled/Reject decision over the set of
// registered, available backends.
package router

import (
	"context"
	"sort"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/quietloop/llmgate/internal"
	"github.com/quietloop/llmgate/internal/backend"
	"github.com/quietloop/llmgate/internal/pool"
	"github.com/quietloop/llmgate/internal/registry"
)

// aliasCacheTTL bounds how long a route-alias resolution is memoized.
// Narrow in scope: it never touches the live availability decision,
// which spec.md §4.3 requires to stay uncached.
const aliasCacheTTL = 10 * time.Second

// DecisionKind is the closed variant of routing outcomes.
type DecisionKind string

const (
	Direct DecisionKind = "direct"
	Pooled DecisionKind = "pooled"
	Reject DecisionKind = "reject"
)

// Decision is the result of routing one request.
type Decision struct {
	Kind     DecisionKind
	Adapter  backend.Adapter
	Pool     *pool.Pool // set when Kind == Pooled
	Reason   string
	Degraded bool
}

// PoolProvider resolves a backend name to its pool, for local backends.
type PoolProvider interface {
	Get(name string) *pool.Pool
}

// Router turns requests into routing decisions.
type Router struct {
	reg    *registry.Registry
	pools  PoolProvider
	aliases *otter.Cache[string, string]
}

// New builds a Router over the given registry. pools may be nil if no
// local backends are configured.
func New(reg *registry.Registry, pools PoolProvider) *Router {
	aliases := otter.Must(&otter.Options[string, string]{
		MaximumSize:      256,
		ExpiryCalculator: otter.ExpiryWriting[string, string](aliasCacheTTL),
	})
	return &Router{reg: reg, pools: pools, aliases: aliases}
}

// ResolveAlias maps a route alias to a concrete backend name, memoized
// for aliasCacheTTL. If alias is already a registered backend name, or
// no alias mapping exists, alias is returned unchanged.
func (r *Router) ResolveAlias(alias string, aliasMap map[string]string) string {
	if cached, ok := r.aliases.GetIfPresent(alias); ok {
		return cached
	}
	target := alias
	if mapped, ok := aliasMap[alias]; ok {
		target = mapped
	}
	r.aliases.Set(alias, target)
	return target
}

// Route implements the full decision algorithm of spec.md §4.4:
// explicit selection, classification by tools_required, availability
// filter, capacity filter (with non-tool fallback re-admission), cost
// sort, and Direct/Pooled/Reject decision.
func (r *Router) Route(ctx context.Context, req *gateway.ChatRequest) Decision {
	candidates, degraded := r.candidatesFor(req)

	if len(candidates) == 0 {
		return Decision{Kind: Reject, Reason: "no backend available"}
	}

	sortByCost(candidates, req)
	chosen := candidates[0]
	decision := r.decide(chosen)
	decision.Degraded = degraded
	return decision
}

// RouteExcluding re-runs Route after dropping one adapter from
// consideration, used by the request lifecycle to cascade once on
// QueueFull/QueueTimeout (spec.md §4.4).
func (r *Router) RouteExcluding(ctx context.Context, req *gateway.ChatRequest, excluded string) Decision {
	candidates, degraded := r.candidatesFor(req)
	filtered := candidates[:0]
	for _, a := range candidates {
		if a.Name() != excluded {
			filtered = append(filtered, a)
		}
	}
	if len(filtered) == 0 {
		return Decision{Kind: Reject, Reason: "no backend available"}
	}
	sortByCost(filtered, req)
	decision := r.decide(filtered[0])
	decision.Degraded = degraded
	return decision
}

// candidatesFor applies explicit selection, classification, and the
// availability/capacity filters. The returned bool reports whether the
// candidate set required graceful fallback -- either from an explicit,
// unavailable selection, or from the capacity filter's non-tool
// re-admission -- per spec.md §4.4 steps 1 and 4.
func (r *Router) candidatesFor(req *gateway.ChatRequest) ([]backend.Adapter, bool) {
	if req.Backend != "" {
		if a, err := r.reg.Get(req.Backend); err == nil && a.IsAvailable(context.Background()) {
			return []backend.Adapter{a}, false
		}
		// Named backend missing or unavailable: fall through to
		// auto-selection, marking the result degraded.
		candidates, _ := r.autoSelect(req)
		return candidates, true
	}

	candidates, degraded := r.autoSelect(req)
	return candidates, degraded
}

func (r *Router) autoSelect(req *gateway.ChatRequest) ([]backend.Adapter, bool) {
	toolsRequired := req.ToolsRequired()
	var pool []backend.Adapter
	if toolsRequired {
		for _, a := range r.reg.ListToolCapable() {
			pool = append(pool, a)
		}
	} else {
		pool = r.reg.ListAll()
	}

	available := r.filterAvailable(pool)
	return r.filterCapacity(available, toolsRequired)
}


func (r *Router) filterAvailable(adapters []backend.Adapter) []backend.Adapter {
	var out []backend.Adapter
	for _, a := range adapters {
		if a.IsAvailable(context.Background()) {
			out = append(out, a)
		}
	}
	return out
}

// filterCapacity drops local adapters whose pool is at full queue
// capacity. If that leaves nothing and the request doesn't require
// tools, every registered adapter that reports itself available is
// re-admitted, regardless of tool support or pool capacity, and the
// result is marked degraded (spec.md §4.4 step 3).
func (r *Router) filterCapacity(adapters []backend.Adapter, toolsRequired bool) ([]backend.Adapter, bool) {
	var out []backend.Adapter
	for _, a := range adapters {
		if a.Kind() != gateway.KindLocal || r.pools == nil {
			out = append(out, a)
			continue
		}
		p := r.pools.Get(a.Name())
		if p == nil {
			out = append(out, a)
			continue
		}
		stats := p.StatsSnapshot()
		if stats.Queued >= stats.QueueDepth && stats.Active >= stats.MaxConcurrent {
			continue
		}
		out = append(out, a)
	}

	if len(out) == 0 && !toolsRequired && len(adapters) > 0 {
		// Fall back to every registered adapter, ignoring tool support,
		// when the request did not strictly require tools.
		for _, a := range r.reg.ListAll() {
			if a.IsAvailable(context.Background()) {
				out = append(out, a)
			}
		}
		return out, len(out) > 0
	}
	return out, false
}

func sortByCost(adapters []backend.Adapter, req *gateway.ChatRequest) {
	sort.SliceStable(adapters, func(i, j int) bool {
		return adapters[i].EstimateCost(req) < adapters[j].EstimateCost(req)
	})
}

// decide routes every local adapter with a resolved pool through that
// pool, unconditionally: admission (run now vs. queue vs. reject) is
// the pool's call, made atomically inside Submit. Deciding Direct here
// from a stats snapshot would race two callers observing spare
// capacity at once and both bypassing admission.
func (r *Router) decide(a backend.Adapter) Decision {
	if a.Kind() != gateway.KindLocal || r.pools == nil {
		return Decision{Kind: Direct, Adapter: a}
	}
	p := r.pools.Get(a.Name())
	if p == nil {
		return Decision{Kind: Direct, Adapter: a}
	}
	return Decision{Kind: Pooled, Adapter: a, Pool: p}
}
