package config

import (
	"context"
	"log/slog"

	gateway "github.com/quietloop/llmgate/internal"
	"github.com/quietloop/llmgate/internal/storage"
	"github.com/quietloop/llmgate/internal/subscription"
)

// SnapshotStore is the subset of sqlite.Store that Bootstrap needs to
// restore credential state across restarts.
type SnapshotStore interface {
	LoadSnapshots(ctx context.Context) ([]*gateway.Credential, error)
}

// Bootstrap restores every durable credential snapshot from sqlite
// into the in-memory key-value store, the same seed-if-absent idiom
// the teacher's config.Bootstrap used for providers/routes/keys: a
// config-declared credential whose snapshot has already been
// persisted resumes with its accumulated runtime state rather than
// being reset to the config file's defaults.
func Bootstrap(ctx context.Context, snapshots SnapshotStore, kv *storage.Store) error {
	persisted, err := snapshots.LoadSnapshots(ctx)
	if err != nil {
		return err
	}
	if len(persisted) == 0 {
		return nil
	}
	if err := subscription.Seed(kv, persisted); err != nil {
		return err
	}
	slog.Info("bootstrapped credential snapshots", "count", len(persisted))
	return nil
}
