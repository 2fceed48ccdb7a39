package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	if m.RequestsTotal == nil {
		t.Error("RequestsTotal is nil")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.ActiveRequests == nil {
		t.Error("ActiveRequests is nil")
	}
	if m.TokensProcessed == nil {
		t.Error("TokensProcessed is nil")
	}
	if m.DegradedTotal == nil {
		t.Error("DegradedTotal is nil")
	}
	if m.CredentialHealthScore == nil {
		t.Error("CredentialHealthScore is nil")
	}
	if m.CredentialWeeklyUsageRatio == nil {
		t.Error("CredentialWeeklyUsageRatio is nil")
	}
	if m.QueueDepth == nil {
		t.Error("QueueDepth is nil")
	}
	if m.QueueActive == nil {
		t.Error("QueueActive is nil")
	}

	// Verify metrics can be gathered without error.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected at least one metric family")
	}
}

func TestNewMetricsIncrement(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	// Increment counters, gauges, and histograms to verify they work.
	m.RequestsTotal.WithLabelValues("POST", "/v1/chat/completions", "200").Inc()
	m.DegradedTotal.Inc()
	m.ActiveRequests.Set(5)
	m.RequestDuration.WithLabelValues("POST", "/v1/chat/completions").Observe(0.123)
	m.TokensProcessed.WithLabelValues("local-a", "input").Add(42)
	m.CredentialHealthScore.WithLabelValues("cred-1").Set(87.5)
	m.CredentialWeeklyUsageRatio.WithLabelValues("cred-1").Set(0.3)
	m.QueueDepth.WithLabelValues("local-a").Set(2)
	m.QueueActive.WithLabelValues("local-a").Set(1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather after increment: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	want := []string{
		"llmgate_requests_total",
		"llmgate_degraded_responses_total",
		"llmgate_active_requests",
		"llmgate_request_duration_seconds",
		"llmgate_tokens_processed_total",
		"llmgate_credential_health_score",
		"llmgate_credential_weekly_usage_ratio",
		"llmgate_queue_depth",
		"llmgate_queue_active",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("missing metric %q in gathered families", name)
		}
	}
}

func TestNewMetricsDoubleRegisterPanics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected a panic registering the same collectors twice against the same registry")
		}
	}()
	NewMetrics(reg)
}

// SetupTracing is not unit-tested because it requires a gRPC connection
// to an OTLP collector, which is integration-test territory.
