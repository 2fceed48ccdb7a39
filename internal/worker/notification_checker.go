package worker

import (
	"context"
	"time"

	"github.com/quietloop/llmgate/internal/notify"
	"github.com/quietloop/llmgate/internal/subscription"
)

const notificationCheckInterval = 60 * time.Second

// NotificationChecker periodically sweeps every credential and runs
// the notification manager's usage-threshold rules against it
// (spec.md §4.11). Rotation notifications are sent by the Rebalancer
// worker after it moves clients; no component here sends failover
// notifications.
type NotificationChecker struct {
	subs   *subscription.Manager
	notify *notify.Manager
}

// NewNotificationChecker creates a NotificationChecker.
func NewNotificationChecker(subs *subscription.Manager, n *notify.Manager) *NotificationChecker {
	return &NotificationChecker{subs: subs, notify: n}
}

// Name returns the worker identifier.
func (w *NotificationChecker) Name() string { return "notification_checker" }

// Run ticks every notificationCheckInterval until ctx is cancelled.
func (w *NotificationChecker) Run(ctx context.Context) error {
	ticker := time.NewTicker(notificationCheckInterval)
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

func (w *NotificationChecker) tick(ctx context.Context) {
	creds, err := w.subs.GetAll(ctx)
	if err != nil {
		return
	}
	for _, c := range creds {
		w.notify.Check(ctx, c)
	}
}
