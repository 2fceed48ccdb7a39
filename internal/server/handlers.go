package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/quietloop/llmgate/internal"
	"github.com/quietloop/llmgate/internal/lifecycle"
)

// bodyPool reuses buffers for request body reads, avoiding per-request
// allocations from json.NewDecoder (which cannot be pooled/reset).
var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// maxRequestBody is the maximum allowed request body size (spec.md §6:
// Content-Length must not exceed 1 MiB).
const maxRequestBody = 1 << 20

// decodeRequestBody reads the request body via bodyPool, decodes JSON
// into v with unknown fields rejected (spec.md §6), and returns false
// (writing a 400) on error. Parse errors are logged server-side;
// clients receive a static message to avoid leaking internals.
func decodeRequestBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		bodyPool.Put(buf)
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}

	dec := json.NewDecoder(bytes.NewReader(buf.Bytes()))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	bodyPool.Put(buf)
	if err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "request decode error",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

// clientMeta fills in the caller-identifying fields the lifecycle's
// balancer uses to bind a session to a credential (spec.md §4.10),
// which are never part of the JSON wire body.
func clientMeta(req *gateway.ChatRequest, r *http.Request) {
	req.ClientIP = clientIP(r)
	req.UserAgent = r.UserAgent()
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	s.serveChatCompletion(w, r, "")
}

// handleChatCompletionForBackend handles POST /v1/{backend_name}/chat/completions
// (spec.md §6): the path segment pins the backend, overriding any
// "backend" field in the body.
func (s *server) handleChatCompletionForBackend(w http.ResponseWriter, r *http.Request) {
	s.serveChatCompletion(w, r, chi.URLParam(r, "backend_name"))
}

func (s *server) serveChatCompletion(w http.ResponseWriter, r *http.Request, pinnedBackend string) {
	var req gateway.ChatRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	if pinnedBackend != "" {
		req.Backend = pinnedBackend
	}
	clientMeta(&req, r)

	if req.Stream {
		s.handleChatCompletionStream(w, r, &req)
		return
	}

	resp, err := s.deps.Lifecycle.Handle(r.Context(), &req)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChatCompletionStream streams a synthesised SSE response built
// from lifecycle.Stream (spec.md §4.12 step 5).
func (s *server) handleChatCompletionStream(w http.ResponseWriter, r *http.Request, req *gateway.ChatRequest) {
	ch := s.deps.Lifecycle.Stream(r.Context(), req)

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	// Lazy ticker: avoid allocating time.NewTicker for fast-completing streams
	// (saves allocs on short responses).
	var keepAlive *time.Ticker
	defer func() {
		if keepAlive != nil {
			keepAlive.Stop()
		}
	}()

	for {
		if keepAlive == nil {
			select {
			case chunk, chOpen := <-ch:
				if !s.writeStreamChunk(w, flusher, r, chunk, chOpen) {
					return
				}
				keepAlive = time.NewTicker(15 * time.Second)
			case <-r.Context().Done():
				return
			}
			continue
		}

		select {
		case chunk, chOpen := <-ch:
			if !s.writeStreamChunk(w, flusher, r, chunk, chOpen) {
				return
			}
		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeStreamChunk writes a single lifecycle.StreamChunk as an SSE
// frame. Returns false when the stream is done and the caller should
// stop reading.
func (s *server) writeStreamChunk(w http.ResponseWriter, flusher http.Flusher, r *http.Request, chunk lifecycle.StreamChunk, chOpen bool) bool {
	if !chOpen {
		return false
	}
	if chunk.Err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
			slog.String("error", chunk.Err.Error()),
		)
		writeSSEError(w, "upstream stream error")
		flusher.Flush()
		return true
	}
	if chunk.Done {
		writeSSEDone(w)
		flusher.Flush()
		return false
	}
	writeSSEData(w, chunk.Data)
	flusher.Flush()
	return true
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

// writeUpstreamError logs the full error server-side and returns a
// sanitized message to the client (spec.md §7): status maps via
// gateway.HTTPStatusFor, but the body never echoes internal detail.
func writeUpstreamError(w http.ResponseWriter, ctx context.Context, err error) {
	status := gateway.HTTPStatusFor(err)
	slog.LogAttrs(ctx, slog.LevelError, "request failed",
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)
	writeJSON(w, status, errorResponse(http.StatusText(status)))
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}
