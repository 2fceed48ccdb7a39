// Package server implements the HTTP transport layer for the llmgate
// gateway (spec.md §6): the OpenAI-compatible chat-completion surface,
// model listing, queue status, and health/metrics endpoints.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.opentelemetry.io/otel/trace"

	"github.com/quietloop/llmgate/internal/lifecycle"
	"github.com/quietloop/llmgate/internal/registry"
	"github.com/quietloop/llmgate/internal/router"
	"github.com/quietloop/llmgate/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Lifecycle      *lifecycle.Lifecycle
	Registry       *registry.Registry
	Pools          router.PoolProvider // nil = no local backends, /queue/status reports none
	Metrics        *telemetry.Metrics  // nil = no Prometheus metrics
	MetricsHandler http.Handler        // nil = no /metrics endpoint
	Tracer         trace.Tracer        // nil = no distributed tracing
	ReadyCheck     ReadyChecker        // nil = always ready (for tests)
}

// New creates an http.Handler with all routes and middleware wired
// (spec.md §6). There is no authentication, admin tree, or rate
// limiting surface: this gateway is a single-tenant local service
// fronting a fixed set of configured backends.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	// System endpoints
	r.Get("/health", s.handleHealth)
	r.Get("/queue/status", s.handleQueueStatus)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Chat-completion surface (spec.md §6).
	r.Get("/v1/models", s.handleListModels)
	r.Post("/v1/chat/completions", s.handleChatCompletion)
	r.Post("/v1/{backend_name}/chat/completions", s.handleChatCompletionForBackend)

	return r
}

type server struct {
	deps Deps
}
