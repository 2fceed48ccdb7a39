// Package registry implements the backend registry (spec.md C3): a
// concurrency-safe directory of configured adapters, queried by the
// router on every request rather than cached.
package registry

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	gateway "github.com/quietloop/llmgate/internal"
	"github.com/quietloop/llmgate/internal/backend"
)

const availabilityProbeTimeout = 5 * time.Second

// Registry maps backend names to adapters. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]backend.Adapter
	order    []string // registration order, for stable cost-tie ordering
}

// New returns an empty, ready-to-use Registry.
func New() *Registry {
	return &Registry{adapters: make(map[string]backend.Adapter)}
}

// Register adds an adapter under its configured name. Overwrites any
// previously registered adapter with the same name but preserves its
// original position in registration order.
func (r *Registry) Register(a backend.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if _, exists := r.adapters[name]; !exists {
		r.order = append(r.order, name)
	}
	r.adapters[name] = a
}

// Get returns the adapter registered under name, or ErrNotFound.
func (r *Registry) Get(name string) (backend.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, gateway.NewStatusError(gateway.ErrNotFound, 404, fmt.Sprintf("backend %q not registered", name))
	}
	return a, nil
}

// ListAll returns every registered adapter in registration order.
func (r *Registry) ListAll() []backend.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]backend.Adapter, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.adapters[name])
	}
	return out
}

// ListToolCapable returns every registered adapter that supports tools,
// in registration order.
func (r *Registry) ListToolCapable() []backend.Adapter {
	var out []backend.Adapter
	for _, a := range r.ListAll() {
		if a.SupportsTools() {
			out = append(out, a)
		}
	}
	return out
}

// ListAPI returns the static model-listing view for /v1/models: one
// entry per registered adapter, regardless of live availability.
func (r *Registry) ListAPI() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := slices.Clone(r.order)
	return names
}

// ListAvailable probes every registered adapter's IsAvailable
// concurrently, bounded by a 5s per-adapter timeout, and returns the
// subset that responded healthy. This result is intentionally never
// cached by the registry (spec.md §4.3, §9): every call does live work.
func (r *Registry) ListAvailable(ctx context.Context) []backend.Adapter {
	adapters := r.ListAll()
	available := make([]bool, len(adapters))

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range adapters {
		i, a := i, a
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, availabilityProbeTimeout)
			defer cancel()
			available[i] = a.IsAvailable(probeCtx)
			return nil
		})
	}
	_ = g.Wait() // probes never return an error; only populate `available`

	out := make([]backend.Adapter, 0, len(adapters))
	for i, a := range adapters {
		if available[i] {
			out = append(out, a)
		}
	}
	return out
}
