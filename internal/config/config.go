// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/quietloop/llmgate/internal"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server        ServerConfig           `yaml:"server"`
	Database      DatabaseConfig         `yaml:"database"`
	Storage       StorageConfig          `yaml:"storage"`
	Backends      []BackendEntry         `yaml:"backends"`
	Subscriptions []CredentialEntry      `yaml:"subscriptions"`
	Rebalance     RebalanceConfig        `yaml:"rebalance"`
	Notifications NotificationsConfig    `yaml:"notifications"`
	Fallback      FallbackConfig         `yaml:"fallback"`
	Telemetry     TelemetryConfig        `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings for the log sink and
// subscription snapshot table.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// StorageConfig bounds the in-memory key-value store backing
// subscriptions, sessions, and usage records (spec.md §4.5).
type StorageConfig struct {
	MaxEntries            int     `yaml:"max_entries"`
	EvictionBatchFraction float64 `yaml:"eviction_batch_fraction"`
}

// BackendEntry is one backend descriptor in the config file, mapping
// directly onto gateway.BackendDescriptor (spec.md §3).
type BackendEntry struct {
	Name          string  `yaml:"name"`
	Kind          string  `yaml:"kind"` // "local" or "remote"
	CostPerUnit   float64 `yaml:"cost_per_unit"`
	SupportsTools bool    `yaml:"supports_tools"`

	// Local-kind fields.
	Command       string        `yaml:"command"`
	ConfigDir     string        `yaml:"config_dir"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	QueueDepth    int           `yaml:"queue_depth"`
	Timeout       time.Duration `yaml:"timeout"`

	// Remote-kind fields.
	BaseURL           string   `yaml:"base_url"`
	Model             string   `yaml:"model"`
	CredentialEnvName string   `yaml:"credential_env_name"`
	ProviderTag       string   `yaml:"provider_tag"`
	HasSystemRole     *bool    `yaml:"has_system_role"`
	AuthType          string   `yaml:"auth_type"`
	OAuthTokenURL     string   `yaml:"oauth_token_url"`
	OAuthClientID     string   `yaml:"oauth_client_id"`
	OAuthClientSecret string   `yaml:"oauth_client_secret"`
	OAuthScopes       []string `yaml:"oauth_scopes"`
}

// Descriptor converts a BackendEntry into the domain's
// BackendDescriptor, defaulting HasSystemRole to true when absent.
func (b BackendEntry) Descriptor() gateway.BackendDescriptor {
	hasSystemRole := true
	if b.HasSystemRole != nil {
		hasSystemRole = *b.HasSystemRole
	}
	return gateway.BackendDescriptor{
		Name:              b.Name,
		Kind:              gateway.BackendKind(b.Kind),
		CostPerUnit:       b.CostPerUnit,
		SupportsTools:     b.SupportsTools,
		Command:           b.Command,
		ConfigDir:         b.ConfigDir,
		MaxConcurrent:     b.MaxConcurrent,
		QueueDepth:        b.QueueDepth,
		Timeout:           b.Timeout,
		BaseURL:           b.BaseURL,
		Model:             b.Model,
		CredentialEnvName: b.CredentialEnvName,
		ProviderTag:       b.ProviderTag,
		HasSystemRole:     hasSystemRole,
		AuthType:          b.AuthType,
		OAuthTokenURL:     b.OAuthTokenURL,
		OAuthClientID:     b.OAuthClientID,
		OAuthClientSecret: b.OAuthClientSecret,
		OAuthScopes:       b.OAuthScopes,
	}
}

// CredentialEntry seeds one subscription ("credential") in the config
// file, mapping onto subscription.CredentialConfig.
type CredentialEntry struct {
	ID           string  `yaml:"id"`
	Email        string  `yaml:"email"`
	Type         string  `yaml:"type"`
	ConfigDir    string  `yaml:"config_dir"`
	WeeklyBudget float64 `yaml:"weekly_budget"`
	MaxClients   int     `yaml:"max_clients"`
}

// RebalanceConfig controls the balancer's background rebalance cycle
// (spec.md §4.10) and the worker ticker that drives it.
type RebalanceConfig struct {
	IntervalSeconds    int     `yaml:"interval_seconds"`
	SafeguardThreshold float64 `yaml:"safeguard_threshold"`
	CostGapThreshold   float64 `yaml:"cost_gap_threshold"`
	MaxClientsPerCycle int     `yaml:"max_clients_per_cycle"`
}

// NotificationsConfig holds the notification manager's rule list and
// dispatch settings (spec.md §4.11).
type NotificationsConfig struct {
	WebhookURL           string               `yaml:"webhook_url"`
	ExternalErrorSinkURL string               `yaml:"external_error_sink_url"`
	CooldownSeconds      int                  `yaml:"cooldown_seconds"`
	Rules                []NotificationRule   `yaml:"rules"`
}

// NotificationRule is one configured rule in the config file.
type NotificationRule struct {
	Type      string   `yaml:"type"` // "usage_threshold", "failover", "rotation", "limit_reached"
	Threshold float64  `yaml:"threshold"`
	Channels  []string `yaml:"channels"` // "log", "webhook", "external_error_sink"
	Enabled   *bool    `yaml:"enabled"`
}

// IsEnabled reports whether the rule is enabled (defaults to true when nil).
func (r NotificationRule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// FallbackConfig holds the fallback settings. Enabled is passed to the
// balancer as its FallbackEnabled option; Target is parsed but not read
// by routing or any other component.
type FallbackConfig struct {
	Enabled bool   `yaml:"enabled"`
	Target  string `yaml:"target"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "llmgate.db",
		},
		Rebalance: RebalanceConfig{
			IntervalSeconds:    300,
			SafeguardThreshold: 0.85,
			CostGapThreshold:   5.0,
			MaxClientsPerCycle: 5,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
