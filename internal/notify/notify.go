// Package notify implements the notification manager (spec.md §4.11):
// rule-based threshold checks over a credential's weekly usage ratio,
// dispatched to log/webhook/external-sink channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/quietloop/llmgate/internal"
)

// webhookDeadline bounds a single webhook dispatch (spec.md §4.11,
// §5).
const webhookDeadline = 10 * time.Second

// RuleType is the closed set of notification rule kinds.
type RuleType string

const (
	RuleUsageThreshold RuleType = "usage_threshold"
	RuleFailover       RuleType = "failover"
	RuleRotation       RuleType = "rotation"
	RuleLimitReached   RuleType = "limit_reached"
)

// Channel is a notification delivery channel.
type Channel string

const (
	ChannelLog               Channel = "log"
	ChannelWebhook           Channel = "webhook"
	ChannelExternalErrorSink Channel = "external_error_sink"
)

// Rule is one configured notification rule.
type Rule struct {
	Type      RuleType
	Threshold float64
	Channels  []Channel
	Enabled   bool
}

// Notification is the payload dispatched to a channel.
type Notification struct {
	RuleType       RuleType  `json:"rule_type"`
	CredentialID   string    `json:"credential_id"`
	Message        string    `json:"message"`
	WeeklyRatio    float64   `json:"weekly_ratio,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Config holds dispatch settings for a Manager.
//
// WebhookURL, if set, receives webhook-channel notifications as an
// HTTPS POST. CooldownSeconds, if positive, is an additive dedup
// window layered on top of spec.md's documented no-dedup baseline
// (see DESIGN.md's Open Question resolution) that suppresses repeat
// dispatch for the same (rule type, credential) pair; zero restores
// the literal no-dedup baseline.
type Config struct {
	WebhookURL           string
	ExternalErrorSinkURL string
	CooldownSeconds      int
}

// Manager dispatches notifications for configured rules.
type Manager struct {
	rules  []Rule
	cfg    Config
	http   *http.Client
	logger *slog.Logger
	dedup  *otter.Cache[string, struct{}]
}

// New returns a Manager loaded with rules.
func New(rules []Rule, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	var dedup *otter.Cache[string, struct{}]
	if cfg.CooldownSeconds > 0 {
		dedup = otter.Must(&otter.Options[string, struct{}]{
			MaximumSize:      10_000,
			ExpiryCalculator: otter.ExpiryWriting[string, struct{}](time.Duration(cfg.CooldownSeconds) * time.Second),
		})
	}
	return &Manager{
		rules:  rules,
		cfg:    cfg,
		http:   &http.Client{},
		logger: logger,
		dedup:  dedup,
	}
}

// Check computes the credential's weekly-usage ratio and dispatches a
// notification for every enabled usage_threshold rule whose threshold
// is at or below the current ratio (spec.md §4.11).
func (m *Manager) Check(ctx context.Context, c *gateway.Credential) {
	if c.WeeklyBudget <= 0 {
		return
	}
	ratio := c.WeeklyUsed / c.WeeklyBudget

	for _, rule := range m.rules {
		if rule.Type != RuleUsageThreshold || !rule.Enabled {
			continue
		}
		if ratio < rule.Threshold {
			continue
		}
		n := Notification{
			RuleType:     rule.Type,
			CredentialID: c.ID,
			Message:      fmt.Sprintf("credential %s weekly usage at %.0f%% of budget", c.ID, ratio*100),
			WeeklyRatio:  ratio,
			Timestamp:    time.Now().UTC(),
		}
		m.dispatch(ctx, rule, n)
	}
}

// NotifyFailover fires unconditionally for every enabled failover rule.
func (m *Manager) NotifyFailover(ctx context.Context, backendName, reason string) {
	m.fireUnconditional(ctx, RuleFailover, Notification{
		RuleType:  RuleFailover,
		Message:   fmt.Sprintf("failover to %s: %s", backendName, reason),
		Timestamp: time.Now().UTC(),
	})
}

// NotifyRotation fires unconditionally for every enabled rotation rule.
func (m *Manager) NotifyRotation(ctx context.Context, credentialID string) {
	m.fireUnconditional(ctx, RuleRotation, Notification{
		RuleType:     RuleRotation,
		CredentialID: credentialID,
		Message:      fmt.Sprintf("credential %s rotated", credentialID),
		Timestamp:    time.Now().UTC(),
	})
}

func (m *Manager) fireUnconditional(ctx context.Context, ruleType RuleType, n Notification) {
	for _, rule := range m.rules {
		if rule.Type == ruleType && rule.Enabled {
			m.dispatch(ctx, rule, n)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, rule Rule, n Notification) {
	key := string(rule.Type) + ":" + n.CredentialID
	if m.dedup != nil {
		if _, ok := m.dedup.GetIfPresent(key); ok {
			return
		}
		m.dedup.Set(key, struct{}{})
	}

	for _, ch := range rule.Channels {
		switch ch {
		case ChannelLog:
			m.logger.Info("notification", "rule_type", n.RuleType, "credential_id", n.CredentialID, "message", n.Message)
		case ChannelWebhook:
			m.postJSON(ctx, m.cfg.WebhookURL, n)
		case ChannelExternalErrorSink:
			m.postJSON(ctx, m.cfg.ExternalErrorSinkURL, n)
		}
	}
}

// postJSON performs a single HTTPS POST with a short deadline.
// Failures are logged and swallowed; there is no retry (spec.md
// §4.11).
func (m *Manager) postJSON(ctx context.Context, url string, n Notification) {
	if url == "" {
		return
	}
	body, err := json.Marshal(n)
	if err != nil {
		m.logger.Warn("notify: failed to encode payload", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, webhookDeadline)
	defer cancel()

	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		m.logger.Warn("notify: failed to build request", "error", err)
		return
	}
	hr.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(hr)
	if err != nil {
		m.logger.Warn("notify: dispatch failed", "url", url, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		m.logger.Warn("notify: dispatch rejected", "url", url, "status", resp.StatusCode)
	}
}

// PredictedExhaustion estimates time until a credential's remaining
// weekly budget is exhausted at its current burn rate, rendered as a
// human-readable duration (spec.md §4.11). Returns "unknown" when
// burn_rate is zero.
func PredictedExhaustion(remainingBudget, burnRateUSDPerHr float64) string {
	if burnRateUSDPerHr <= 0 {
		return "unknown"
	}
	hours := remainingBudget / burnRateUSDPerHr
	d := time.Duration(hours * float64(time.Hour))
	switch {
	case d < time.Hour:
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%d hours", int(d.Hours()))
	default:
		return fmt.Sprintf("%d days", int(d.Hours()/24))
	}
}
