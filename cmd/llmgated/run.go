package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	gateway "github.com/quietloop/llmgate/internal"
	"github.com/quietloop/llmgate/internal/backend"
	"github.com/quietloop/llmgate/internal/balance"
	"github.com/quietloop/llmgate/internal/config"
	"github.com/quietloop/llmgate/internal/lifecycle"
	"github.com/quietloop/llmgate/internal/notify"
	"github.com/quietloop/llmgate/internal/pool"
	"github.com/quietloop/llmgate/internal/registry"
	"github.com/quietloop/llmgate/internal/router"
	"github.com/quietloop/llmgate/internal/server"
	"github.com/quietloop/llmgate/internal/session"
	"github.com/quietloop/llmgate/internal/storage"
	"github.com/quietloop/llmgate/internal/storage/sqlite"
	"github.com/quietloop/llmgate/internal/subscription"
	"github.com/quietloop/llmgate/internal/telemetry"
	"github.com/quietloop/llmgate/internal/usage"
	"github.com/quietloop/llmgate/internal/worker"
	"go.opentelemetry.io/otel/trace"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting llmgate", "version", version, "addr", cfg.Server.Addr)

	db, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	dsnLog := cfg.Database.DSN
	if i := strings.IndexByte(dsnLog, '?'); i >= 0 {
		dsnLog = dsnLog[:i]
	}
	slog.Info("database opened", "dsn", dsnLog)

	ctx := context.Background()

	kv := storage.NewWithBound(cfg.Storage.MaxEntries, cfg.Storage.EvictionBatchFraction)
	if err := config.Bootstrap(ctx, db, kv); err != nil {
		return err
	}

	subConfigs := make([]subscription.CredentialConfig, len(cfg.Subscriptions))
	for i, s := range cfg.Subscriptions {
		subConfigs[i] = subscription.CredentialConfig{
			ID:           s.ID,
			Email:        s.Email,
			Type:         s.Type,
			ConfigDir:    s.ConfigDir,
			WeeklyBudget: s.WeeklyBudget,
			MaxClients:   s.MaxClients,
		}
	}
	subs, err := subscription.New(kv, subConfigs)
	if err != nil {
		return err
	}
	slog.Info("subscriptions loaded", "count", len(subConfigs))

	sessions := session.New(kv)
	tracker := usage.New(kv, subs)

	// Shared DNS cache for all remote backend HTTP clients.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	reg := registry.New()
	pools := pool.NewRegistry()
	for _, b := range cfg.Backends {
		desc := b.Descriptor()
		switch desc.Kind {
		case gateway.KindLocal:
			adapter := backend.NewLocal(desc)
			reg.Register(adapter)
			p := pool.New(desc.Name, desc.MaxConcurrent, desc.QueueDepth)
			pools.Add(p)
			slog.Info("local backend registered", "name", desc.Name, "max_concurrent", desc.MaxConcurrent, "queue_depth", desc.QueueDepth)
		case gateway.KindRemote:
			adapter := backend.NewRemote(desc, dnsResolver)
			reg.Register(adapter)
			slog.Info("remote backend registered", "name", desc.Name, "provider_tag", desc.ProviderTag, "auth_type", desc.AuthType)
		default:
			slog.Warn("unknown backend kind, skipping", "name", desc.Name, "kind", desc.Kind)
		}
	}

	r := router.New(reg, pools)

	bal := balance.New(subs, sessions, balance.Config{
		SafeguardThreshold: cfg.Rebalance.SafeguardThreshold,
		CostGapThreshold:   cfg.Rebalance.CostGapThreshold,
		MaxClientsPerCycle: cfg.Rebalance.MaxClientsPerCycle,
		FallbackEnabled:    cfg.Fallback.Enabled,
	}, nil)

	rules := make([]notify.Rule, 0, len(cfg.Notifications.Rules))
	for _, rule := range cfg.Notifications.Rules {
		channels := make([]notify.Channel, len(rule.Channels))
		for i, c := range rule.Channels {
			channels[i] = notify.Channel(c)
		}
		rules = append(rules, notify.Rule{
			Type:      notify.RuleType(rule.Type),
			Threshold: rule.Threshold,
			Channels:  channels,
			Enabled:   rule.IsEnabled(),
		})
	}
	notifier := notify.New(rules, notify.Config{
		WebhookURL:           cfg.Notifications.WebhookURL,
		ExternalErrorSinkURL: cfg.Notifications.ExternalErrorSinkURL,
		CooldownSeconds:      cfg.Notifications.CooldownSeconds,
	}, nil)
	slog.Info("notification rules configured", "count", len(rules))

	lc := lifecycle.New(r, bal, subs, sessions, tracker, db, nil)

	// Prometheus metrics.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	// OpenTelemetry tracing.
	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("llmgate/server")
			slog.Info("opentelemetry tracing enabled", "endpoint", endpoint, "sample_rate", sampleRate)
		}
	}

	handler := server.New(server.Deps{
		Lifecycle:      lc,
		Registry:       reg,
		Pools:          pools,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		ReadyCheck:     db.Ping,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	// Background workers.
	rebalanceInterval := time.Duration(cfg.Rebalance.IntervalSeconds) * time.Second
	runner := worker.NewRunner(
		worker.NewRebalancer(bal, notifier, rebalanceInterval),
		worker.NewStaleSessionMarker(sessions, 0),
		worker.NewNotificationChecker(subs, notifier),
	)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("gateway ready", "addr", cfg.Server.Addr, "backends", len(cfg.Backends))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	for _, p := range pools.All() {
		if err := p.Shutdown(shutdownCtx); err != nil {
			slog.Warn("pool shutdown error", "backend", p.Name(), "error", err)
		}
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("llmgate stopped")
	return nil
}
