package config

import (
	"context"
	"testing"
	"time"

	gateway "github.com/quietloop/llmgate/internal"
	"github.com/quietloop/llmgate/internal/storage"
	"github.com/quietloop/llmgate/internal/storage/sqlite"
	"github.com/quietloop/llmgate/internal/subscription"
)

func newTestSqliteStore(t *testing.T) *sqlite.Store {
	t.Helper()
	path := t.TempDir() + "/test.db"
	s, err := sqlite.New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBootstrap_RestoresPersistedCredential(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sq := newTestSqliteStore(t)

	persisted := &gateway.Credential{
		ID:           "cred-1",
		WeeklyBudget: 500,
		WeeklyUsed:   123.45,
		MaxClients:   4,
		Status:       gateway.StatusAvailable,
		CreatedAt:    time.Now().UTC(),
	}
	if err := sq.SaveSnapshot(ctx, persisted); err != nil {
		t.Fatal("seed snapshot:", err)
	}

	kv := storage.New()
	if err := Bootstrap(ctx, sq, kv); err != nil {
		t.Fatal("bootstrap:", err)
	}

	// subscription.New should merge onto the restored weekly_used
	// rather than resetting it to zero.
	mgr, err := subscription.New(kv, []subscription.CredentialConfig{
		{ID: "cred-1", WeeklyBudget: 500, MaxClients: 4},
	})
	if err != nil {
		t.Fatal("subscription.New:", err)
	}

	c, err := mgr.Get(ctx, "cred-1")
	if err != nil {
		t.Fatal("get credential:", err)
	}
	if c.WeeklyUsed != 123.45 {
		t.Errorf("WeeklyUsed = %v, want 123.45 (restored, not reset)", c.WeeklyUsed)
	}
}

func TestBootstrap_NoSnapshotsIsNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sq := newTestSqliteStore(t)
	kv := storage.New()

	if err := Bootstrap(ctx, sq, kv); err != nil {
		t.Fatal("bootstrap:", err)
	}
	if kv.Len() != 0 {
		t.Errorf("kv.Len() = %d, want 0 with no persisted snapshots", kv.Len())
	}
}
