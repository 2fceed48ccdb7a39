package sqlite

import (
	"context"
	"testing"
	"time"

	gateway "github.com/quietloop/llmgate/internal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Use a unique file-based temp DB per test to avoid shared :memory: races.
	path := t.TempDir() + "/test.db"
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSubscriptionSnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	c := &gateway.Credential{
		ID:               "cred-1",
		Email:            "ops@example.com",
		Type:             "pro",
		ConfigDir:        "/home/ops/.config/assistant",
		WeeklyBudget:     100,
		WeeklyUsed:       12.5,
		CurrentBlockID:   "2026-07-30T15:00:00Z",
		CurrentBlockCost: 1.25,
		BlockStart:       time.Now().UTC().Truncate(time.Second),
		BlockEnd:         time.Now().UTC().Add(5 * time.Hour).Truncate(time.Second),
		MaxClients:       5,
		HealthScore:      92.5,
		Status:           gateway.StatusAvailable,
		BurnRateUSDPerHr: 0.25,
		TokensPerMinute:  120,
		CreatedAt:        time.Now().UTC().Truncate(time.Second),
	}

	if err := s.SaveSnapshot(ctx, c); err != nil {
		t.Fatal("save:", err)
	}

	got, err := s.LoadSnapshots(ctx)
	if err != nil {
		t.Fatal("load:", err)
	}
	if len(got) != 1 {
		t.Fatalf("loaded %d snapshots, want 1", len(got))
	}
	if got[0].ID != c.ID || got[0].Email != c.Email {
		t.Errorf("unexpected snapshot: %+v", got[0])
	}
	if got[0].WeeklyBudget != c.WeeklyBudget {
		t.Errorf("WeeklyBudget = %v, want %v", got[0].WeeklyBudget, c.WeeklyBudget)
	}
	if got[0].Status != gateway.StatusAvailable {
		t.Errorf("Status = %v, want %v", got[0].Status, gateway.StatusAvailable)
	}
}

func TestSubscriptionSnapshotUpsert(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	c := &gateway.Credential{
		ID: "cred-upsert", Email: "a@example.com", Type: "pro",
		WeeklyBudget: 50, MaxClients: 3, Status: gateway.StatusAvailable,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.SaveSnapshot(ctx, c); err != nil {
		t.Fatal(err)
	}

	c.WeeklyUsed = 40
	c.Status = gateway.StatusApproaching
	if err := s.SaveSnapshot(ctx, c); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadSnapshots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("loaded %d snapshots, want 1 (upsert should not duplicate)", len(got))
	}
	if got[0].WeeklyUsed != 40 || got[0].Status != gateway.StatusApproaching {
		t.Errorf("unexpected snapshot after upsert: %+v", got[0])
	}
}

func TestSubscriptionSnapshotDelete(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	c := &gateway.Credential{ID: "cred-del", Email: "b@example.com", Type: "pro", CreatedAt: time.Now().UTC()}
	if err := s.SaveSnapshot(ctx, c); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteSnapshot(ctx, "cred-del"); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadSnapshots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("loaded %d snapshots after delete, want 0", len(got))
	}
}

func TestSubscriptionSnapshotDelete_Missing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.DeleteSnapshot(ctx, "nonexistent"); err == nil {
		t.Fatal("expected error deleting a nonexistent snapshot")
	}
}

func TestAppendLogAndRecentLogs(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	records := []gateway.LogRecord{
		{ID: "log-1", Timestamp: time.Now().UTC().Add(-time.Minute), BackendName: "claude-pro", SessionID: "sess-1", DurationMs: 1200, CostUSD: 0.02, InputTokens: 100, OutputTokens: 50},
		{ID: "log-2", Timestamp: time.Now().UTC(), BackendName: "claude-pro", SessionID: "sess-1", DurationMs: 900, CostUSD: 0.01, InputTokens: 50, OutputTokens: 20, Degraded: true, Error: "upstream timeout"},
	}
	if err := s.AppendLog(ctx, records); err != nil {
		t.Fatal("append:", err)
	}

	got, err := s.RecentLogs(ctx, 10)
	if err != nil {
		t.Fatal("recent:", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	// Newest first.
	if got[0].ID != "log-2" {
		t.Errorf("got[0].ID = %q, want log-2", got[0].ID)
	}
	if !got[0].Degraded || got[0].Error != "upstream timeout" {
		t.Errorf("unexpected degraded record: %+v", got[0])
	}
}

func TestAppendLog_EmptyIsNoOp(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AppendLog(ctx, nil); err != nil {
		t.Fatal(err)
	}
	got, err := s.RecentLogs(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("got %d records, want 0", len(got))
	}
}

func TestRecentLogs_RespectsLimit(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	var records []gateway.LogRecord
	for i := 0; i < 5; i++ {
		records = append(records, gateway.LogRecord{
			ID:          "log-" + string(rune('a'+i)),
			Timestamp:   time.Now().UTC().Add(time.Duration(i) * time.Second),
			BackendName: "b",
			SessionID:   "s",
		})
	}
	if err := s.AppendLog(ctx, records); err != nil {
		t.Fatal(err)
	}

	got, err := s.RecentLogs(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("got %d records, want 2", len(got))
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() = %v, want nil", err)
	}
}
