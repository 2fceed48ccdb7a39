package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	gateway "github.com/quietloop/llmgate/internal"
)

const defaultLocalTimeout = 120 * time.Second

// ProcessRunner spawns the external command-line assistant as a child
// process. Abstracted for testability, mirroring the CLI-subprocess
// pattern of spawning an opaque executable and reading its stdout to
// completion.
type ProcessRunner interface {
	// Start launches the child with the given flags, writes stdin (if
	// non-empty) and closes it, and returns a reader for stdout plus a
	// wait function that blocks until the process exits.
	Start(ctx context.Context, command string, args []string, stdin string) (stdout io.ReadCloser, wait func() error, kill func(), err error)
}

// execRunner is the production ProcessRunner backed by os/exec.
type execRunner struct{}

func (execRunner) Start(ctx context.Context, command string, args []string, stdin string) (io.ReadCloser, func() error, func(), error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, err
	}

	kill := func() {
		if cmd.Process != nil {
			syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	}
	wait := func() error { return cmd.Wait() }
	return stdout, wait, kill, nil
}

// Local is the CLI-subprocess adapter (spec.md §4.1).
type Local struct {
	desc   gateway.BackendDescriptor
	runner ProcessRunner
	mu     sync.Mutex // serializes flag/arg construction only; spawns run concurrently
}

// NewLocal builds a Local adapter using the production os/exec runner.
func NewLocal(desc gateway.BackendDescriptor) *Local {
	return &Local{desc: desc, runner: execRunner{}}
}

// NewLocalWithRunner builds a Local adapter with an injected runner, for
// tests.
func NewLocalWithRunner(desc gateway.BackendDescriptor, runner ProcessRunner) *Local {
	return &Local{desc: desc, runner: runner}
}

func (l *Local) Name() string                         { return l.desc.Name }
func (l *Local) Kind() gateway.BackendKind             { return gateway.KindLocal }
func (l *Local) SupportsTools() bool                   { return l.desc.SupportsTools }
func (l *Local) Config() gateway.BackendDescriptor      { return l.desc }
func (l *Local) EstimateCost(req *gateway.ChatRequest) float64 {
	return EstimateCost(l.desc.CostPerUnit, req)
}

// childPayload is the structured content delivered on the child's
// standard input, carrying anything too large or too structured for
// command-line flags (spec.md §4.1, §6).
type childPayload struct {
	Messages        []gateway.Message `json:"messages"`
	Tools           []string          `json:"tools,omitempty"`
	AllowedTools    []string          `json:"allowed_tools,omitempty"`
	DisallowedTools []string         `json:"disallowed_tools,omitempty"`
	ContextFiles    []string          `json:"context_files,omitempty"`
	MCPConfig       json.RawMessage   `json:"mcp_config,omitempty"`
}

func (l *Local) buildArgs(ctx context.Context, req *gateway.ChatRequest) []string {
	configDir := l.desc.ConfigDir
	if dir := gateway.ConfigDirFromContext(ctx); dir != "" {
		configDir = dir
	}
	args := []string{"--config-dir", configDir}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SessionID != "" {
		args = append(args, "--session-id", req.SessionID)
	}
	if req.WorkingDirectory != "" {
		args = append(args, "--working-directory", req.WorkingDirectory)
	}
	if req.MaxBudgetUSD != nil {
		args = append(args, "--budget", fmt.Sprintf("%.4f", *req.MaxBudgetUSD))
	}
	args = append(args, "--permission-mode", "default", "--output-format", "json")
	return args
}

// Execute implements Adapter.Execute for the local (CLI-subprocess)
// kind. An empty query is rejected before spawning; the child is given
// a per-request wall-clock deadline, and killed on expiry.
func (l *Local) Execute(ctx context.Context, req *gateway.ChatRequest) (*gateway.AdapterOutput, error) {
	if strings.TrimSpace(lastUserMessage(req)) == "" {
		return nil, gateway.NewStatusError(gateway.ErrValidation, 400, "empty query")
	}

	payload := childPayload{
		Messages:        req.Messages,
		Tools:           req.Tools,
		AllowedTools:    req.AllowedTools,
		DisallowedTools: req.DisallowedTools,
		ContextFiles:    req.ContextFiles,
		MCPConfig:       req.MCPConfig,
	}
	stdinBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, gateway.NewStatusError(gateway.ErrInternal, 500, "encode child payload")
	}
	if err := filterPayload(string(stdinBytes)); err != nil {
		return nil, gateway.NewStatusError(gateway.ErrValidation, 400, "rejected payload: "+err.Error())
	}

	timeout := l.desc.Timeout
	if timeout <= 0 {
		timeout = defaultLocalTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	l.mu.Lock()
	args := l.buildArgs(ctx, req)
	l.mu.Unlock()

	start := time.Now()
	stdout, wait, kill, err := l.runner.Start(ctx, l.desc.Command, args, string(stdinBytes))
	if err != nil {
		return nil, gateway.NewStatusError(gateway.ErrInternal, 500, "spawn child process")
	}

	var buf bytes.Buffer
	readDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(&buf, stdout)
		readDone <- err
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- wait() }()

	select {
	case <-ctx.Done():
		kill()
		<-waitDone
		return nil, gateway.NewStatusError(gateway.ErrTimeout, 504, "child process deadline exceeded")
	case <-waitDone:
		<-readDone
	}

	return parseChildOutput(buf.Bytes(), time.Since(start).Milliseconds()), nil
}

// parseChildOutput parses the child's stdout into the structured record
// of spec.md §4.1; on parse failure, the raw text becomes the
// assistant's content with zero usage.
func parseChildOutput(raw []byte, elapsedMs int64) *gateway.AdapterOutput {
	var rec struct {
		Result       string              `json:"result"`
		SessionID    string              `json:"session_id"`
		DurationMs   int64               `json:"duration_ms"`
		TotalCostUSD float64             `json:"total_cost_usd"`
		Usage        gateway.AdapterUsage `json:"usage"`
		UUID         string              `json:"uuid"`
		IsError      bool                `json:"is_error"`
	}
	if err := json.Unmarshal(raw, &rec); err == nil && rec.Result != "" {
		out := &gateway.AdapterOutput{
			Result:       rec.Result,
			SessionID:    rec.SessionID,
			DurationMs:   rec.DurationMs,
			TotalCostUSD: rec.TotalCostUSD,
			Usage:        rec.Usage,
			UUID:         rec.UUID,
			IsError:      rec.IsError,
		}
		if out.DurationMs == 0 {
			out.DurationMs = elapsedMs
		}
		return out
	}
	return &gateway.AdapterOutput{
		Result:     strings.TrimSpace(string(raw)),
		DurationMs: elapsedMs,
	}
}

func lastUserMessage(req *gateway.ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}

// IsAvailable for the local adapter reports whether the configured
// command can be resolved on PATH; spawning a full probe process would
// itself consume pool capacity, so availability is a cheap existence
// check rather than a live invocation.
func (l *Local) IsAvailable(ctx context.Context) bool {
	_, err := exec.LookPath(l.desc.Command)
	return err == nil
}
