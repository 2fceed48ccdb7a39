// Package lifecycle implements the request lifecycle (spec.md §4.12):
// validate, correlate session, route, allocate credential, execute,
// record usage, log, respond -- the orchestration that ties C1-C11
// together behind the HTTP transport.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/quietloop/llmgate/internal"
	"github.com/quietloop/llmgate/internal/balance"
	"github.com/quietloop/llmgate/internal/router"
	"github.com/quietloop/llmgate/internal/session"
	"github.com/quietloop/llmgate/internal/subscription"
	"github.com/quietloop/llmgate/internal/usage"
)

// sessionIDPattern is the shape every session id must match, whether
// supplied by the client or minted here (spec.md §4.12 step 2, §6).
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

const (
	maxContextFiles     = 100
	maxToolList         = 50
	maxAddDirs          = 20
	maxBetas            = 10
	streamChunkSize     = 20
)

// LogSink persists completed-request log records. Implemented by
// internal/storage/sqlite.Store.
type LogSink interface {
	AppendLog(ctx context.Context, records []gateway.LogRecord) error
}

// Lifecycle orchestrates one chat-completion request end to end.
type Lifecycle struct {
	router   *router.Router
	balancer *balance.Balancer
	subs     *subscription.Manager
	sessions *session.Store
	tracker  *usage.Tracker
	logs     LogSink
	logger   *slog.Logger
}

// New returns a ready-to-use Lifecycle.
func New(r *router.Router, b *balance.Balancer, subs *subscription.Manager, sessions *session.Store, tracker *usage.Tracker, logs LogSink, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{router: r, balancer: b, subs: subs, sessions: sessions, tracker: tracker, logs: logs, logger: logger}
}

// Validate applies the request-body rules of spec.md §6 that are
// domain-level rather than JSON-decoding-level (unknown-field
// rejection and Content-Length are enforced by the HTTP transport
// before this is called).
func Validate(req *gateway.ChatRequest) error {
	var problems []string

	if len(req.Messages) == 0 {
		problems = append(problems, "messages: must not be empty")
	}
	hasUser := false
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "assistant":
		case "user":
			hasUser = true
		default:
			problems = append(problems, fmt.Sprintf("messages: role %q is not one of system, user, assistant", m.Role))
		}
	}
	if len(req.Messages) > 0 && !hasUser {
		problems = append(problems, "messages: at least one user message is required")
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		problems = append(problems, "temperature: must be between 0 and 2")
	}
	if req.MaxTokens != nil && *req.MaxTokens < 1 {
		problems = append(problems, "max_tokens: must be a positive integer")
	}
	if req.SessionID != "" && !sessionIDPattern.MatchString(req.SessionID) {
		problems = append(problems, "session_id: must match [A-Za-z0-9-]+")
	}
	if len(req.ContextFiles) > maxContextFiles {
		problems = append(problems, fmt.Sprintf("context_files: must not exceed %d items", maxContextFiles))
	}
	if len(req.AllowedTools) > maxToolList {
		problems = append(problems, fmt.Sprintf("allowed_tools: must not exceed %d items", maxToolList))
	}
	if len(req.DisallowedTools) > maxToolList {
		problems = append(problems, fmt.Sprintf("disallowed_tools: must not exceed %d items", maxToolList))
	}
	if len(req.AddDirs) > maxAddDirs {
		problems = append(problems, fmt.Sprintf("add_dirs: must not exceed %d items", maxAddDirs))
	}
	if len(req.Betas) > maxBetas {
		problems = append(problems, fmt.Sprintf("betas: must not exceed %d items", maxBetas))
	}
	for _, p := range req.ContextFiles {
		if !safePath(p) {
			problems = append(problems, fmt.Sprintf("context_files: %q is not an allowed path", p))
		}
	}
	for _, p := range req.AddDirs {
		if !safePath(p) {
			problems = append(problems, fmt.Sprintf("add_dirs: %q is not an allowed path", p))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return gateway.NewStatusError(gateway.ErrValidation, 400, strings.Join(problems, "; "))
}

// safePath rejects traversal segments and absolute system-root paths
// (spec.md §6).
func safePath(p string) bool {
	if strings.Contains(p, "..") {
		return false
	}
	if strings.HasPrefix(p, "/etc") || strings.HasPrefix(p, "/root") || strings.HasPrefix(p, "/sys") || strings.HasPrefix(p, "/proc") {
		return false
	}
	return true
}

// Handle runs the full non-streaming lifecycle of spec.md §4.12 and
// returns the chat-completion response.
func (l *Lifecycle) Handle(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	l.correlateSession(req)

	out, decision, err := l.routeAndExecute(ctx, req)
	if err != nil {
		l.logFailure(ctx, req, decision, err)
		return nil, err
	}

	if decision.Adapter.Kind() == gateway.KindLocal {
		l.recordUsageAsync(req, out)
	}

	resp := buildResponse(req, out, decision)
	l.logSuccess(ctx, req, decision, out)
	return resp, nil
}

// correlateSession implements spec.md §4.12 step 2: validated session
// ids are used as given; an absent one is minted now so a credential
// can be allocated against a stable id before execution (an Open
// Question resolution -- see DESIGN.md).
func (l *Lifecycle) correlateSession(req *gateway.ChatRequest) {
	if req.SessionID == "" {
		req.SessionID = uuid.Must(uuid.NewV7()).String()
	}
}

// routeAndExecute implements steps 3-5: route, allocate a credential
// for a local decision, execute, and cascade once to a fallback
// candidate on queue exhaustion or credential exhaustion.
func (l *Lifecycle) routeAndExecute(ctx context.Context, req *gateway.ChatRequest) (*gateway.AdapterOutput, router.Decision, error) {
	decision := l.router.Route(ctx, req)
	if decision.Kind == router.Reject {
		return nil, decision, gateway.NewStatusError(gateway.ErrNoBackend, 503, decision.Reason)
	}

	out, err := l.executeDecision(ctx, req, decision)
	if err == nil {
		return out, decision, nil
	}
	if !retriable(err) {
		return nil, decision, err
	}

	fallback := l.router.RouteExcluding(ctx, req, decision.Adapter.Name())
	if fallback.Kind == router.Reject {
		return nil, decision, err
	}
	fallback.Degraded = true
	out, err = l.executeDecision(ctx, req, fallback)
	return out, fallback, err
}

// retriable reports whether err represents the kind of transient,
// capacity-shaped failure the lifecycle cascades once on (spec.md
// §4.4 step 4, §4.12 step 3-4): a full/timed-out local queue, or no
// credential available for a local backend.
func retriable(err error) bool {
	switch {
	case gateway.HTTPStatusFor(err) != 503:
		return false
	default:
		return true
	}
}

// executeDecision allocates a credential for a local decision (step
// 4), then executes the adapter, submitting through its pool when the
// decision is Pooled so admission (run now, queue, or reject) gates
// the child-process spawn rather than being bypassed.
func (l *Lifecycle) executeDecision(ctx context.Context, req *gateway.ChatRequest, decision router.Decision) (*gateway.AdapterOutput, error) {
	if decision.Adapter.Kind() == gateway.KindLocal {
		sel, err := l.allocate(ctx, req)
		if err != nil {
			return nil, err
		}
		if sel.Kind == balance.SelectionFallback {
			return nil, gateway.NewStatusError(gateway.ErrExhausted, 503, "no credential available")
		}
		ctx = gateway.ContextWithConfigDir(ctx, sel.ConfigDir)
	}

	if decision.Kind == router.Pooled && decision.Pool != nil {
		val, err := decision.Pool.Submit(ctx, func(ctx context.Context) (any, error) {
			return decision.Adapter.Execute(ctx, req)
		})
		if err != nil {
			return nil, err
		}
		out, ok := val.(*gateway.AdapterOutput)
		if !ok {
			return nil, gateway.NewStatusError(gateway.ErrInternal, 500, "pool returned unexpected result type")
		}
		return out, nil
	}
	return decision.Adapter.Execute(ctx, req)
}

// allocate binds req.SessionID's client to a credential, reusing an
// existing binding if the session was already allocated.
func (l *Lifecycle) allocate(ctx context.Context, req *gateway.ChatRequest) (*balance.Selection, error) {
	if existing, err := l.sessions.Get(req.SessionID); err == nil {
		cred, err := l.subs.Get(ctx, existing.SubscriptionID)
		if err != nil {
			return nil, err
		}
		return &balance.Selection{Kind: balance.SelectionCredential, ID: cred.ID, ConfigDir: cred.ConfigDir}, nil
	}
	return l.balancer.Allocate(ctx, req.SessionID, req.ClientIP, req.UserAgent)
}

// recordUsageAsync implements step 6: fire-and-forget usage recording
// for local-backend invocations. Failures are logged, never surfaced.
func (l *Lifecycle) recordUsageAsync(req *gateway.ChatRequest, out *gateway.AdapterOutput) {
	sess, err := l.sessions.Get(req.SessionID)
	if err != nil {
		l.logger.Warn("usage: no session bound to record against", "session_id", req.SessionID, "error", err)
		return
	}
	go func() {
		ctx := context.Background()
		if _, err := l.tracker.Record(ctx, out, sess.SubscriptionID, req.SessionID); err != nil {
			l.logger.Error("usage: failed to record", "session_id", req.SessionID, "error", err)
			return
		}
		if _, err := l.sessions.Update(req.SessionID, func(s *gateway.ClientSession) error {
			s.SessionCost += out.TotalCostUSD
			s.SessionTokens += out.Usage.InputTokens + out.Usage.OutputTokens
			s.RequestCount++
			return nil
		}); err != nil {
			l.logger.Error("usage: failed to update session counters", "session_id", req.SessionID, "error", err)
		}
	}()
}

// logSuccess and logFailure implement step 7: append a log record,
// catching and logging (not surfacing) any sink failure.
func (l *Lifecycle) logSuccess(ctx context.Context, req *gateway.ChatRequest, decision router.Decision, out *gateway.AdapterOutput) {
	rec := gateway.LogRecord{
		ID:             uuid.Must(uuid.NewV7()).String(),
		Timestamp:      time.Now().UTC(),
		BackendName:    decision.Adapter.Name(),
		SessionID:      req.SessionID,
		DurationMs:     out.DurationMs,
		CostUSD:        out.TotalCostUSD,
		InputTokens:    out.Usage.InputTokens,
		OutputTokens:   out.Usage.OutputTokens,
		Degraded:       decision.Degraded,
		RequestSummary: summarize(req),
	}
	l.appendLog(ctx, rec)
}

func (l *Lifecycle) logFailure(ctx context.Context, req *gateway.ChatRequest, decision router.Decision, err error) {
	name := ""
	if decision.Adapter != nil {
		name = decision.Adapter.Name()
	}
	rec := gateway.LogRecord{
		ID:             uuid.Must(uuid.NewV7()).String(),
		Timestamp:      time.Now().UTC(),
		BackendName:    name,
		SessionID:      req.SessionID,
		Degraded:       decision.Degraded,
		Error:          err.Error(),
		RequestSummary: summarize(req),
	}
	l.appendLog(ctx, rec)
}

func (l *Lifecycle) appendLog(ctx context.Context, rec gateway.LogRecord) {
	if l.logs == nil {
		return
	}
	if err := l.logs.AppendLog(ctx, []gateway.LogRecord{rec}); err != nil {
		l.logger.Error("log: failed to append request record", "error", err)
	}
}

func summarize(req *gateway.ChatRequest) string {
	if len(req.Messages) == 0 {
		return ""
	}
	content := req.Messages[len(req.Messages)-1].Content
	const maxLen = 200
	if len(content) > maxLen {
		return content[:maxLen]
	}
	return content
}

func buildResponse(req *gateway.ChatRequest, out *gateway.AdapterOutput, decision router.Decision) *gateway.ChatResponse {
	sessionID := out.SessionID
	if sessionID == "" {
		sessionID = req.SessionID
	}
	finish := "stop"
	if out.IsError {
		finish = "error"
	}
	return &gateway.ChatResponse{
		ID:        uuid.Must(uuid.NewV7()).String(),
		CreatedAt: time.Now().Unix(),
		Model:     req.Model,
		Choices: []gateway.Choice{{
			Index:        0,
			Message:      gateway.Message{Role: "assistant", Content: out.Result},
			FinishReason: finish,
		}},
		Usage: gateway.Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens + out.Usage.CacheCreationTokens + out.Usage.CacheReadTokens,
		},
		SessionID: sessionID,
		Degraded:  decision.Degraded,
	}
}

// --- Streaming synthesis (spec.md §4.12 step 5) ---

// StreamChunk is one frame of a synthesised SSE stream: Data is the
// pre-encoded JSON payload for a "data:" line, or nil on the final
// Done frame.
type StreamChunk struct {
	Data []byte
	Done bool
	Err  error
}

type streamDelta struct {
	Content string `json:"content,omitempty"`
}

type streamChoice struct {
	Index        int     `json:"index"`
	Delta        streamDelta `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type streamEnvelope struct {
	ID        string         `json:"id"`
	Object    string         `json:"object"`
	CreatedAt int64          `json:"created"`
	Model     string         `json:"model"`
	Choices   []streamChoice `json:"choices"`
	SessionID string         `json:"session_id,omitempty"`
}

// Stream runs Handle and synthesises a fixed-size-chunked SSE event
// sequence from the resulting full response. The local backend has no
// true token-level streaming (spec.md §4.12 step 5); the terminating
// sentinel is always emitted, even when Handle failed, so the channel
// is never left open on a client that's waiting for [DONE].
func (l *Lifecycle) Stream(ctx context.Context, req *gateway.ChatRequest) <-chan StreamChunk {
	out := make(chan StreamChunk)
	go func() {
		defer close(out)

		resp, err := l.Handle(ctx, req)
		if err != nil {
			select {
			case out <- StreamChunk{Err: err}:
			case <-ctx.Done():
			}
			select {
			case out <- StreamChunk{Done: true}:
			case <-ctx.Done():
			}
			return
		}

		content := resp.Choices[0].Message.Content
		for i := 0; i < len(content); i += streamChunkSize {
			end := i + streamChunkSize
			if end > len(content) {
				end = len(content)
			}
			env := streamEnvelope{
				ID: resp.ID, Object: "chat.completion.chunk", CreatedAt: resp.CreatedAt, Model: resp.Model,
				Choices: []streamChoice{{Index: 0, Delta: streamDelta{Content: content[i:end]}}},
			}
			data, encErr := json.Marshal(env)
			if encErr != nil {
				continue
			}
			select {
			case out <- StreamChunk{Data: data}:
			case <-ctx.Done():
				return
			}
		}

		finish := "stop"
		final := streamEnvelope{
			ID: resp.ID, Object: "chat.completion.chunk", CreatedAt: resp.CreatedAt, Model: resp.Model,
			Choices:   []streamChoice{{Index: 0, Delta: streamDelta{}, FinishReason: &finish}},
			SessionID: resp.SessionID,
		}
		if data, encErr := json.Marshal(final); encErr == nil {
			select {
			case out <- StreamChunk{Data: data}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- StreamChunk{Done: true}:
		case <-ctx.Done():
		}
	}()
	return out
}
