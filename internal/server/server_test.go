package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gateway "github.com/quietloop/llmgate/internal"
	"github.com/quietloop/llmgate/internal/backend"
	"github.com/quietloop/llmgate/internal/balance"
	"github.com/quietloop/llmgate/internal/lifecycle"
	"github.com/quietloop/llmgate/internal/registry"
	"github.com/quietloop/llmgate/internal/router"
	"github.com/quietloop/llmgate/internal/session"
	"github.com/quietloop/llmgate/internal/storage"
	"github.com/quietloop/llmgate/internal/subscription"
	"github.com/quietloop/llmgate/internal/usage"
)

// fakeAdapter is a scripted backend.Adapter for server tests.
type fakeAdapter struct {
	name      string
	kind      gateway.BackendKind
	available bool
	out       *gateway.AdapterOutput
	err       error
}

func (f *fakeAdapter) Name() string                     { return f.name }
func (f *fakeAdapter) Kind() gateway.BackendKind         { return f.kind }
func (f *fakeAdapter) SupportsTools() bool               { return false }
func (f *fakeAdapter) Config() gateway.BackendDescriptor { return gateway.BackendDescriptor{Name: f.name, Kind: f.kind} }
func (f *fakeAdapter) IsAvailable(context.Context) bool  { return f.available }
func (f *fakeAdapter) EstimateCost(*gateway.ChatRequest) float64 { return 1 }
func (f *fakeAdapter) Execute(_ context.Context, _ *gateway.ChatRequest) (*gateway.AdapterOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

var _ backend.Adapter = (*fakeAdapter)(nil)

func newTestHandler(adapters ...*fakeAdapter) http.Handler {
	reg := registry.New()
	for _, a := range adapters {
		reg.Register(a)
	}
	r := router.New(reg, nil)

	store := storage.New()
	subs, err := subscription.New(store, nil)
	if err != nil {
		panic(err)
	}
	sessions := session.New(store)
	tracker := usage.New(store, subs)
	bal := balance.New(subs, sessions, balance.Config{}, nil)
	lc := lifecycle.New(r, bal, subs, sessions, tracker, nil, nil)

	return New(Deps{Lifecycle: lc, Registry: reg})
}

func TestHealth(t *testing.T) {
	t.Parallel()
	h := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "ok")
	}
}

func TestHealthFailing(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	h := New(Deps{
		Registry: reg,
		ReadyCheck: func(context.Context) error {
			return errors.New("storage unreachable")
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()
	h := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("X-Request-Id header should be set")
	}
}

func TestChatCompletion(t *testing.T) {
	t.Parallel()
	h := newTestHandler(&fakeAdapter{
		name: "remote-a", kind: gateway.KindRemote, available: true,
		out: &gateway.AdapterOutput{Result: "hello there", Usage: gateway.AdapterUsage{InputTokens: 2, OutputTokens: 3}},
	})

	body := `{"model":"remote-a","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "hello there") {
		t.Errorf("body missing expected content, got: %s", rec.Body.String())
	}
}

func TestChatCompletionForBackend(t *testing.T) {
	t.Parallel()
	h := newTestHandler(
		&fakeAdapter{name: "a", kind: gateway.KindRemote, available: true, out: &gateway.AdapterOutput{Result: "from a"}},
		&fakeAdapter{name: "b", kind: gateway.KindRemote, available: true, out: &gateway.AdapterOutput{Result: "from b"}},
	)

	body := `{"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/b/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "from b") {
		t.Errorf("body = %s, want the pinned backend's reply", rec.Body.String())
	}
}

func TestChatCompletion_NoBackendAvailable(t *testing.T) {
	t.Parallel()
	h := newTestHandler(&fakeAdapter{name: "down", kind: gateway.KindRemote, available: false})

	body := `{"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d; body = %s", rec.Code, http.StatusServiceUnavailable, rec.Body.String())
	}
}

func TestChatCompletion_EmptyMessagesRejected(t *testing.T) {
	t.Parallel()
	h := newTestHandler(&fakeAdapter{name: "a", kind: gateway.KindRemote, available: true})

	body := `{"messages":[]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d; body = %s", rec.Code, http.StatusBadRequest, rec.Body.String())
	}
}

func TestChatCompletion_RejectsUnknownField(t *testing.T) {
	t.Parallel()
	h := newTestHandler(&fakeAdapter{name: "a", kind: gateway.KindRemote, available: true})

	body := `{"messages":[{"role":"user","content":"hi"}],"not_a_real_field":true}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d; body = %s", rec.Code, http.StatusBadRequest, rec.Body.String())
	}
}

func TestChatCompletionStream(t *testing.T) {
	t.Parallel()
	h := newTestHandler(&fakeAdapter{
		name: "remote-a", kind: gateway.KindRemote, available: true,
		out: &gateway.AdapterOutput{Result: "a reply long enough to span a few SSE chunks"},
	})

	body := `{"messages":[{"role":"user","content":"hi"}],"stream":true}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	respBody := rec.Body.String()
	if !strings.Contains(respBody, "data: ") {
		t.Error("response should contain SSE data frames")
	}
	if !strings.Contains(respBody, "[DONE]") {
		t.Error("response should contain [DONE] sentinel")
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()
	h := newTestHandler(&fakeAdapter{name: "remote-a", kind: gateway.KindRemote, available: true})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "remote-a") {
		t.Errorf("body missing remote-a, got: %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"object":"list"`) {
		t.Error("response should be an object list")
	}
}

func TestQueueStatus_NoPools(t *testing.T) {
	t.Parallel()
	h := newTestHandler(&fakeAdapter{name: "remote-a", kind: gateway.KindRemote, available: true})

	req := httptest.NewRequest(http.MethodGet, "/queue/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"backends":[]`) {
		t.Errorf("body = %s, want an empty backends list with no pool provider wired", rec.Body.String())
	}
}
