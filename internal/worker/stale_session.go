package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/quietloop/llmgate/internal/session"
)

const staleSessionInterval = 60 * time.Second

// defaultIdleThreshold is how long a session can sit without activity
// before StaleSessionMarker transitions it to stale (spec.md §4.7).
const defaultIdleThreshold = 10 * time.Minute

// StaleSessionMarker periodically sweeps the session store, marking
// idle sessions stale so the balancer can reassign their slot.
type StaleSessionMarker struct {
	sessions *session.Store
	idle     time.Duration
}

// NewStaleSessionMarker creates a StaleSessionMarker. A non-positive
// idle threshold falls back to defaultIdleThreshold.
func NewStaleSessionMarker(sessions *session.Store, idle time.Duration) *StaleSessionMarker {
	if idle <= 0 {
		idle = defaultIdleThreshold
	}
	return &StaleSessionMarker{sessions: sessions, idle: idle}
}

// Name returns the worker identifier.
func (w *StaleSessionMarker) Name() string { return "stale_session_marker" }

// Run ticks every staleSessionInterval until ctx is cancelled.
func (w *StaleSessionMarker) Run(ctx context.Context) error {
	ticker := time.NewTicker(staleSessionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n := w.sessions.MarkStale(w.idle)
			if n > 0 {
				slog.Info("marked sessions stale", "count", n)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
