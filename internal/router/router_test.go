package router

import (
	"context"
	"testing"

	gateway "github.com/quietloop/llmgate/internal"
	"github.com/quietloop/llmgate/internal/backend"
	"github.com/quietloop/llmgate/internal/pool"
	"github.com/quietloop/llmgate/internal/registry"
)

type fakeAdapter struct {
	name      string
	kind      gateway.BackendKind
	tools     bool
	available bool
	cost      float64
}

func (f *fakeAdapter) Name() string                     { return f.name }
func (f *fakeAdapter) Kind() gateway.BackendKind         { return f.kind }
func (f *fakeAdapter) SupportsTools() bool               { return f.tools }
func (f *fakeAdapter) Config() gateway.BackendDescriptor { return gateway.BackendDescriptor{Name: f.name, Kind: f.kind} }
func (f *fakeAdapter) Execute(ctx context.Context, req *gateway.ChatRequest) (*gateway.AdapterOutput, error) {
	return &gateway.AdapterOutput{Result: "ok"}, nil
}
func (f *fakeAdapter) IsAvailable(ctx context.Context) bool          { return f.available }
func (f *fakeAdapter) EstimateCost(req *gateway.ChatRequest) float64 { return f.cost }

var _ backend.Adapter = (*fakeAdapter)(nil)

type fakePools struct {
	pools map[string]*pool.Pool
}

func (fp *fakePools) Get(name string) *pool.Pool { return fp.pools[name] }

func TestRouter_PicksCheapestAvailable(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	reg.Register(&fakeAdapter{name: "expensive", available: true, cost: 5})
	reg.Register(&fakeAdapter{name: "cheap", available: true, cost: 1})

	r := New(reg, nil)
	d := r.Route(context.Background(), &gateway.ChatRequest{Messages: []gateway.Message{{Role: "user", Content: "hi"}}})
	if d.Kind != Direct {
		t.Fatalf("Kind = %v, want Direct", d.Kind)
	}
	if d.Adapter.Name() != "cheap" {
		t.Errorf("chose %q, want cheap", d.Adapter.Name())
	}
}

func TestRouter_SkipsUnavailable(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	reg.Register(&fakeAdapter{name: "down", available: false, cost: 0})
	reg.Register(&fakeAdapter{name: "up", available: true, cost: 2})

	r := New(reg, nil)
	d := r.Route(context.Background(), &gateway.ChatRequest{})
	if d.Kind != Direct || d.Adapter.Name() != "up" {
		t.Errorf("Decision = %+v, want Direct/up", d)
	}
}

func TestRouter_RejectsWhenNoneAvailable(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	reg.Register(&fakeAdapter{name: "down", available: false})

	r := New(reg, nil)
	d := r.Route(context.Background(), &gateway.ChatRequest{})
	if d.Kind != Reject {
		t.Errorf("Kind = %v, want Reject", d.Kind)
	}
}

func TestRouter_ExplicitSelection(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	reg.Register(&fakeAdapter{name: "a", available: true, cost: 1})
	reg.Register(&fakeAdapter{name: "b", available: true, cost: 100})

	r := New(reg, nil)
	d := r.Route(context.Background(), &gateway.ChatRequest{Backend: "b"})
	if d.Kind != Direct || d.Adapter.Name() != "b" {
		t.Errorf("Decision = %+v, want Direct/b", d)
	}
}

func TestRouter_ExplicitSelectionNotDegraded(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	reg.Register(&fakeAdapter{name: "a", available: true, cost: 1})

	r := New(reg, nil)
	d := r.Route(context.Background(), &gateway.ChatRequest{Backend: "a"})
	if d.Degraded {
		t.Errorf("Degraded = true, want false for an available explicit selection")
	}
}

func TestRouter_ExplicitBackendUnavailableFallsBackDegraded(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	reg.Register(&fakeAdapter{name: "down", available: false, cost: 1})
	reg.Register(&fakeAdapter{name: "fallback", available: true, cost: 2})

	r := New(reg, nil)
	d := r.Route(context.Background(), &gateway.ChatRequest{Backend: "down"})
	if d.Kind != Direct || d.Adapter.Name() != "fallback" {
		t.Fatalf("Decision = %+v, want Direct/fallback", d)
	}
	if !d.Degraded {
		t.Error("Degraded = false, want true when the explicitly requested backend was unavailable")
	}
}

func TestRouter_ExplicitBackendMissingFallsBackDegraded(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	reg.Register(&fakeAdapter{name: "fallback", available: true, cost: 1})

	r := New(reg, nil)
	d := r.Route(context.Background(), &gateway.ChatRequest{Backend: "does-not-exist"})
	if d.Kind != Direct || d.Adapter.Name() != "fallback" {
		t.Fatalf("Decision = %+v, want Direct/fallback", d)
	}
	if !d.Degraded {
		t.Error("Degraded = false, want true when the explicitly requested backend does not exist")
	}
}

func TestRouter_AutoSelectionNotDegradedWhenNotRequired(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	reg.Register(&fakeAdapter{name: "a", available: true, cost: 1})

	r := New(reg, nil)
	d := r.Route(context.Background(), &gateway.ChatRequest{})
	if d.Degraded {
		t.Error("Degraded = true, want false for plain auto-selection with no capacity/tool fallback")
	}
}

func TestRouter_ToolsRequiredFiltersNonToolBackends(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	reg.Register(&fakeAdapter{name: "plain", available: true, tools: false, cost: 1})
	reg.Register(&fakeAdapter{name: "tooled", available: true, tools: true, cost: 5})

	r := New(reg, nil)
	req := &gateway.ChatRequest{Tools: []string{"search"}}
	d := r.Route(context.Background(), req)
	if d.Kind != Direct || d.Adapter.Name() != "tooled" {
		t.Errorf("Decision = %+v, want Direct/tooled", d)
	}
}

func TestRouter_PooledWhenLocalAtCapacity(t *testing.T) {
	t.Parallel()
	p := pool.New("local-a", 1, 1)
	defer p.Stop()

	start := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	go p.Submit(context.Background(), func(ctx context.Context) (any, error) {
		close(start)
		<-release
		return nil, nil
	})
	<-start

	reg := registry.New()
	reg.Register(&fakeAdapter{name: "local-a", kind: gateway.KindLocal, available: true, cost: 1})

	r := New(reg, &fakePools{pools: map[string]*pool.Pool{"local-a": p}})
	d := r.Route(context.Background(), &gateway.ChatRequest{})
	if d.Kind != Pooled {
		t.Errorf("Kind = %v, want Pooled", d.Kind)
	}
}

func TestRouter_RouteExcluding(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	reg.Register(&fakeAdapter{name: "a", available: true, cost: 1})
	reg.Register(&fakeAdapter{name: "b", available: true, cost: 2})

	r := New(reg, nil)
	d := r.RouteExcluding(context.Background(), &gateway.ChatRequest{}, "a")
	if d.Kind != Direct || d.Adapter.Name() != "b" {
		t.Errorf("Decision = %+v, want Direct/b", d)
	}
}

func TestRouter_ResolveAlias(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	r := New(reg, nil)

	aliasMap := map[string]string{"fast": "backend-x"}
	if got := r.ResolveAlias("fast", aliasMap); got != "backend-x" {
		t.Errorf("ResolveAlias(fast) = %q, want backend-x", got)
	}
	if got := r.ResolveAlias("unmapped", aliasMap); got != "unmapped" {
		t.Errorf("ResolveAlias(unmapped) = %q, want unmapped", got)
	}
}
