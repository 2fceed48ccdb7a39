package backend

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	gateway "github.com/quietloop/llmgate/internal"
)

// fakeRunner is a scripted ProcessRunner for testing Local without
// spawning a real child process.
type fakeRunner struct {
	stdout   string
	waitErr  error
	waitWait time.Duration
	killed   bool
	gotArgs  []string
	gotStdin string
}

func (f *fakeRunner) Start(ctx context.Context, command string, args []string, stdin string) (io.ReadCloser, func() error, func(), error) {
	f.gotArgs = args
	f.gotStdin = stdin
	rc := io.NopCloser(strings.NewReader(f.stdout))
	wait := func() error {
		if f.waitWait > 0 {
			select {
			case <-time.After(f.waitWait):
			case <-ctx.Done():
			}
		}
		return f.waitErr
	}
	kill := func() { f.killed = true }
	return rc, wait, kill, nil
}

func testDescriptor() gateway.BackendDescriptor {
	return gateway.BackendDescriptor{
		Name:      "local-test",
		Kind:      gateway.KindLocal,
		Command:   "fake-assistant",
		ConfigDir: "/tmp/cfg",
	}
}

func TestLocal_Execute_StructuredOutput(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{stdout: `{"result":"hello back","session_id":"s1","uuid":"u1","usage":{"input_tokens":3,"output_tokens":4}}`}
	l := NewLocalWithRunner(testDescriptor(), runner)

	req := &gateway.ChatRequest{Messages: []gateway.Message{{Role: "user", Content: "hi"}}}
	out, err := l.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Result != "hello back" {
		t.Errorf("Result = %q", out.Result)
	}
	if out.SessionID != "s1" || out.UUID != "u1" {
		t.Errorf("unexpected record: %+v", out)
	}
}

func TestLocal_Execute_FallsBackToRawOutput(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{stdout: "plain text reply, not json"}
	l := NewLocalWithRunner(testDescriptor(), runner)

	req := &gateway.ChatRequest{Messages: []gateway.Message{{Role: "user", Content: "hi"}}}
	out, err := l.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Result != "plain text reply, not json" {
		t.Errorf("Result = %q", out.Result)
	}
	if out.Usage.InputTokens != 0 {
		t.Errorf("expected zero usage on fallback, got %+v", out.Usage)
	}
}

func TestLocal_Execute_RejectsEmptyQuery(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{stdout: `{"result":"should not run"}`}
	l := NewLocalWithRunner(testDescriptor(), runner)

	req := &gateway.ChatRequest{Messages: []gateway.Message{{Role: "system", Content: "setup only"}}}
	_, err := l.Execute(context.Background(), req)
	if err == nil {
		t.Fatal("expected error for empty query")
	}
	if gateway.HTTPStatusFor(err) != 400 {
		t.Errorf("HTTPStatusFor = %d, want 400", gateway.HTTPStatusFor(err))
	}
}

func TestLocal_Execute_TimeoutKillsChild(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{stdout: "", waitWait: 500 * time.Millisecond}
	desc := testDescriptor()
	desc.Timeout = 10 * time.Millisecond
	l := NewLocalWithRunner(desc, runner)

	req := &gateway.ChatRequest{Messages: []gateway.Message{{Role: "user", Content: "hi"}}}
	_, err := l.Execute(context.Background(), req)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if gateway.HTTPStatusFor(err) != 504 {
		t.Errorf("HTTPStatusFor = %d, want 504", gateway.HTTPStatusFor(err))
	}
	if !runner.killed {
		t.Error("expected child process to be killed on timeout")
	}
}

func TestLocal_Execute_RejectsOversizedPayload(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{stdout: `{"result":"ok"}`}
	l := NewLocalWithRunner(testDescriptor(), runner)

	big := strings.Repeat("a", maxPayloadBytes)
	req := &gateway.ChatRequest{Messages: []gateway.Message{{Role: "user", Content: big}}}
	_, err := l.Execute(context.Background(), req)
	if err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func TestLocal_BuildArgs_IncludesBudget(t *testing.T) {
	t.Parallel()
	budget := 1.5
	l := NewLocal(testDescriptor())
	args := l.buildArgs(context.Background(), &gateway.ChatRequest{MaxBudgetUSD: &budget})

	found := false
	for i, a := range args {
		if a == "--budget" && i+1 < len(args) && args[i+1] == "1.5000" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected --budget 1.5000 in args, got %v", args)
	}
}
