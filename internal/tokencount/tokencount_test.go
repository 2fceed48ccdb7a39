package tokencount

import (
	"testing"

	gateway "github.com/quietloop/llmgate/internal"
)

func TestUnits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		chars int
		want  int
	}{
		{0, 0},
		{1, 1},
		{4, 1},
		{5, 2},
		{8, 2},
		{9, 3},
	}
	for _, tt := range tests {
		if got := Units(tt.chars); got != tt.want {
			t.Errorf("Units(%d) = %d, want %d", tt.chars, got, tt.want)
		}
	}
}

func TestEstimateRequest(t *testing.T) {
	t.Parallel()

	req := &gateway.ChatRequest{Messages: []gateway.Message{
		{Role: "system", Content: "You are helpful."},
		{Role: "user", Content: "Explain quantum computing."},
	}}
	got := EstimateRequest(req)
	if got <= 0 {
		t.Errorf("EstimateRequest() = %d, want > 0", got)
	}
}

func TestEstimateRequestEmpty(t *testing.T) {
	t.Parallel()

	req := &gateway.ChatRequest{}
	if got := EstimateRequest(req); got != 0 {
		t.Errorf("EstimateRequest(empty) = %d, want 0", got)
	}
}

func TestEstimateText(t *testing.T) {
	t.Parallel()

	if got := EstimateText("hello"); got != 2 {
		t.Errorf("EstimateText(hello) = %d, want 2", got)
	}
	if got := EstimateText(""); got != 0 {
		t.Errorf("EstimateText(empty) = %d, want 0", got)
	}
}

func TestEstimateCost(t *testing.T) {
	t.Parallel()

	req := &gateway.ChatRequest{Messages: []gateway.Message{
		{Role: "user", Content: "12345678"}, // 8 chars -> 2 units
	}}
	got := EstimateCost(1.0, req)
	want := 2.0 / 1000
	if got != want {
		t.Errorf("EstimateCost() = %v, want %v", got, want)
	}
}
