package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"golang.org/x/sync/errgroup"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
	"github.com/oysterlabs/oyster-gateway/internal/app"
	"github.com/oysterlabs/oyster-gateway/internal/attach"
	"github.com/oysterlabs/oyster-gateway/internal/auth"
	"github.com/oysterlabs/oyster-gateway/internal/config"
	"github.com/oysterlabs/oyster-gateway/internal/provider"
	"github.com/oysterlabs/oyster-gateway/internal/provider/anthropic"
	"github.com/oysterlabs/oyster-gateway/internal/provider/mock"
	"github.com/oysterlabs/oyster-gateway/internal/provider/openai"
	"github.com/oysterlabs/oyster-gateway/internal/quota"
	"github.com/oysterlabs/oyster-gateway/internal/ratelimit"
	"github.com/oysterlabs/oyster-gateway/internal/server"
	"github.com/oysterlabs/oyster-gateway/internal/storage/sqlite"
	"github.com/oysterlabs/oyster-gateway/internal/telemetry"
	"github.com/oysterlabs/oyster-gateway/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	slog.Info("starting oysterd", "version", version, "addr", cfg.Server.Addr, "mock_mode", cfg.MockMode)

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.NormalizeTiers(ctx); err != nil {
		return fmt.Errorf("normalize tiers: %w", err)
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	tokenAuth, err := auth.NewTokenAuth(store)
	if err != nil {
		return err
	}
	var apple *auth.AppleVerifier
	if len(cfg.Apple.ClientIDs) > 0 {
		apple, err = auth.NewAppleVerifier(cfg.Apple.Issuer, cfg.Apple.ClientIDs, cfg.Apple.JWKSURL, cfg.Apple.JWKSTTL)
		if err != nil {
			return err
		}
	}
	accounts := auth.NewService(store, tokenAuth, apple, cfg.Auth.TokenTTL, cfg.Auth.RefreshWindow)

	files, err := attach.NewPipeline(cfg.Storage.UploadsDir, cfg.Storage.MaxImageSize, cfg.Storage.MaxFileSize)
	if err != nil {
		return err
	}
	exports, err := app.NewExportService(store, cfg.Storage.ExportsDir, cfg.Auth.ExportTTL)
	if err != nil {
		return err
	}

	limiter := ratelimit.New()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(promReg)

	if cfg.Telemetry.OTLPEndpoint != "" {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.TraceSampleRate)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer shutdown(context.Background())
	}

	handler := server.New(server.Deps{
		Auth:           tokenAuth,
		Accounts:       accounts,
		Chat:           app.NewChatService(store, registry, quota.NewEngine(store), files).WithMetrics(metrics),
		Exports:        exports,
		Store:          store,
		Files:          files,
		RateLimiter:    limiter,
		Metrics:        metrics,
		MetricsHandler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		AdminKey:       cfg.Admin.Key,
		ReadyCheck:     store.Ping,
	})

	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     handler,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout stays at the configured value; zero means no deadline,
		// which long-lived SSE streams require.
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, runCtx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	runner := worker.NewRunner(
		worker.NewExportCleaner(store),
		worker.NewMapPruner(limiter, accounts.Lockout()),
	)
	g.Go(func() error {
		return runner.Run(runCtx)
	})

	slog.Info("oysterd ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case <-runCtx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	cancel()
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("oysterd stopped")
	return nil
}

// buildRegistry wires one adapter per configured provider. Mock mode replaces
// all three routed names with echo adapters, which is how the end-to-end
// tests and local development run without upstream keys.
func buildRegistry(cfg *config.Config) (*provider.Registry, error) {
	registry := provider.NewRegistry()

	if cfg.MockMode {
		for _, name := range []string{"deepseek", "kimi", "claude"} {
			registry.Register(name, mock.New(name))
		}
		return registry, nil
	}

	resolver := &dnscache.Resolver{}
	go refreshDNS(resolver)
	transport := provider.NewTransport(resolver)

	for _, p := range cfg.Providers {
		switch p.Wire {
		case "anthropic":
			registry.Register(p.Name, anthropic.New(p.Name, p.BaseURL, p.APIKey, p.Model, transport))
		case "", "openai":
			registry.Register(p.Name, openai.New(p.Name, p.BaseURL, p.APIKey, p.Model, transport))
		default:
			return nil, fmt.Errorf("provider %q: unknown wire %q", p.Name, p.Wire)
		}
		slog.Info("provider registered", "name", p.Name, "wire", p.Wire, "model", p.Model)
	}

	if _, err := registry.Get(oyster.DefaultProvider(oyster.TierFree)); err != nil {
		return nil, fmt.Errorf("default provider missing: %w", err)
	}
	return registry, nil
}

func refreshDNS(resolver *dnscache.Resolver) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()
	for range t.C {
		resolver.Refresh(true)
	}
}

func setupLogging(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
