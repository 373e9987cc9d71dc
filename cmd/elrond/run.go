package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"
	"golang.org/x/sync/errgroup"

	"github.com/eugener/elrond/internal/app"
	"github.com/eugener/elrond/internal/auth"
	"github.com/eugener/elrond/internal/cache"
	"github.com/eugener/elrond/internal/config"
	"github.com/eugener/elrond/internal/credstore"
	"github.com/eugener/elrond/internal/provider"
	"github.com/eugener/elrond/internal/provider/anthropic"
	"github.com/eugener/elrond/internal/provider/mistral"
	"github.com/eugener/elrond/internal/provider/openai"
	"github.com/eugener/elrond/internal/ratelimit"
	"github.com/eugener/elrond/internal/server"
	"github.com/eugener/elrond/internal/session"
	"github.com/eugener/elrond/internal/storage/sqlite"
	"github.com/eugener/elrond/internal/telemetry"
	"github.com/eugener/elrond/internal/worker"
)

const (
	dnsRefreshInterval   = 5 * time.Minute
	limiterSweepInterval = time.Minute
	connSweepInterval    = time.Minute
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	slog.Info("starting elrond", "version", version, "addr", cfg.Server.Addr)

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(context.Background(),
			cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	// One DNS-cached client shared by every provider adapter.
	resolver := &dnscache.Resolver{}
	httpClient := provider.NewHTTPClient(resolver)

	providers := provider.NewRegistry()
	providers.Register(openai.New(cfg.Providers.BaseURLs["openai"], httpClient))
	providers.Register(anthropic.New(cfg.Providers.BaseURLs["anthropic"], httpClient))
	providers.Register(mistral.New(cfg.Providers.BaseURLs["mistral"], httpClient))

	creds, err := credstore.New(store, cfg.EncryptionKeyBytes())
	if err != nil {
		return err
	}

	policy := ratelimit.DefaultPolicy()
	for _, r := range cfg.RateLimits {
		policy[r.Class] = ratelimit.Rule{Window: r.Window, Limit: r.Limit}
	}
	limiter := ratelimit.New(policy)

	sessions := session.NewService(store)
	tokens := auth.NewTokenIssuer(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL)
	turns := app.NewTurnService(providers, sessions, creds, limiter,
		cfg.Providers.DefaultKeys, cfg.Providers.CallTimeout)

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		metrics = telemetry.NewMetrics(prometheus.DefaultRegisterer)
	}

	catalogCache, err := cache.NewMemory(256, 5*time.Minute)
	if err != nil {
		return err
	}

	wsRegistry := server.NewRegistry()
	handler := server.New(server.Deps{
		Auth:            tokens,
		Tokens:          tokens,
		Users:           store,
		Turns:           turns,
		Sessions:        sessions,
		Creds:           creds,
		Limiter:         limiter,
		Providers:       providers,
		Registry:        wsRegistry,
		Cache:           catalogCache,
		Metrics:         metrics,
		DBCheck:         store.Ping,
		MaxRequestBytes: cfg.Server.MaxRequestBytes,
		IdleTimeout:     cfg.Server.IdleTimeout,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	runner := worker.NewRunner(
		worker.NewSweeper("ratelimit_evict", limiterSweepInterval, func() int {
			return limiter.EvictStale(time.Now().Add(-2 * limiter.MaxWindow()))
		}),
		worker.NewSweeper("ws_idle_sweep", connSweepInterval, func() int {
			return wsRegistry.Sweep(cfg.Server.IdleTimeout)
		}),
		worker.NewSweeper("breaker_evict", limiterSweepInterval, func() int {
			return turns.EvictStaleBreakers(time.Now().Add(-10 * time.Minute))
		}),
		worker.NewSweeper("dns_refresh", dnsRefreshInterval, func() int {
			resolver.Refresh(true)
			return 0
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(ctx) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	slog.Info("elrond ready", "addr", cfg.Server.Addr,
		"providers", providers.List(), "metrics", cfg.Telemetry.Metrics.Enabled)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case <-ctx.Done():
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

	slog.Info("elrond stopped")
	return nil
}
