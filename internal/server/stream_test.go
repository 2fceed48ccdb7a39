package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gateway "github.com/quietloop/llmgate/internal"
)

// TestStreamClientDisconnect verifies that the streaming handler
// respects client cancellation rather than blocking forever on a
// channel no one is reading.
func TestStreamClientDisconnect(t *testing.T) {
	t.Parallel()

	h := newTestHandler(&fakeAdapter{
		name: "slow", kind: gateway.KindRemote, available: true,
		out: &gateway.AdapterOutput{Result: "a reply"},
	})

	body := `{"model":"slow","messages":[{"role":"user","content":"hi"}],"stream":true}`
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	done := make(chan struct{})
	rec := httptest.NewRecorder()
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()
	cancel() // the client goes away mid-request

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("handler did not return promptly")
	}
	cancel()
}

// TestStreamUpstreamFailureEmitsSSEError verifies that an adapter error
// surfaces as an SSE error event, not a dropped connection, since
// headers are already committed by the time the stream starts.
func TestStreamUpstreamFailureEmitsSSEError(t *testing.T) {
	t.Parallel()

	h := newTestHandler(&fakeAdapter{
		name: "broken", kind: gateway.KindRemote, available: true,
		err: errors.New("boom"),
	})

	body := `{"model":"broken","messages":[{"role":"user","content":"hi"}],"stream":true}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (headers precede the failed stream)", rec.Code, http.StatusOK)
	}
	respBody := rec.Body.String()
	if !strings.Contains(respBody, "event: error") {
		t.Errorf("response should contain an SSE error event, got: %s", respBody)
	}
	if !strings.Contains(respBody, "[DONE]") {
		t.Error("response should still terminate with [DONE]")
	}
}
