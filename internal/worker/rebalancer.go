package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/quietloop/llmgate/internal/balance"
	"github.com/quietloop/llmgate/internal/notify"
)

const defaultRebalanceInterval = 300 * time.Second

// Rebalancer periodically moves idle clients from the credential with
// the highest current block cost to the one with the lowest when their
// gap reaches the balancer's cost-gap threshold (spec.md §4.10).
type Rebalancer struct {
	balancer *balance.Balancer
	notify   *notify.Manager // nil = no rotation notifications
	interval time.Duration
	running  atomic.Bool
}

// NewRebalancer creates a Rebalancer. A non-positive interval falls
// back to defaultRebalanceInterval. A nil notifier disables rotation
// notifications for moved clients.
func NewRebalancer(balancer *balance.Balancer, notifier *notify.Manager, interval time.Duration) *Rebalancer {
	if interval <= 0 {
		interval = defaultRebalanceInterval
	}
	return &Rebalancer{balancer: balancer, notify: notifier, interval: interval}
}

// Name returns the worker identifier.
func (w *Rebalancer) Name() string { return "rebalancer" }

// Run ticks every w.interval, dropping a tick if the previous cycle is
// still running rather than letting cycles pile up concurrently.
func (w *Rebalancer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.tick(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Rebalancer) tick(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		slog.Warn("rebalance cycle skipped, previous cycle still running")
		return
	}
	defer w.running.Store(false)

	result, err := w.balancer.Rebalance(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "rebalance cycle failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if result.Moved > 0 {
		slog.LogAttrs(ctx, slog.LevelInfo, "rebalance moved clients",
			slog.Int("moved", result.Moved),
			slog.String("from", result.From),
			slog.String("to", result.To),
		)
		if w.notify != nil {
			w.notify.NotifyRotation(ctx, result.To)
		}
	}
}
