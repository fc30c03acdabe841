// Command heyberkshire runs the marketing site's HTTP server.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/drjanduffy/heyberkshire/internal/config"
	"github.com/drjanduffy/heyberkshire/internal/crm"
	"github.com/drjanduffy/heyberkshire/internal/llm"
	"github.com/drjanduffy/heyberkshire/internal/resilience"
	"github.com/drjanduffy/heyberkshire/internal/web"
)

func main() {
	root := &cobra.Command{
		Use:           "heyberkshire",
		Short:         "Marketing site with CRM and chat integrations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	metrics := resilience.NewMetricsWithRegistry(registry)

	var limiter *resilience.RateLimiter
	if cfg.EnableRateLimit {
		var err error
		limiter, err = resilience.NewRateLimiter(
			resilience.RateConfig{Limit: cfg.RateDefaultLimit, Window: cfg.RateDefaultWindow},
			resilience.WithRateContext(crm.ContextPeopleWrite, resilience.RateConfig{Limit: cfg.RateWriteLimit, Window: cfg.RateWriteWindow}),
			resilience.WithRateContext(crm.ContextEvents, resilience.RateConfig{Limit: cfg.RateEventsLimit, Window: cfg.RateEventsWindow}),
			resilience.WithRateContext(llm.ContextChat, resilience.RateConfig{Limit: cfg.RateChatLimit, Window: cfg.RateChatWindow}),
			resilience.WithRateMetrics(metrics),
		)
		if err != nil {
			return err
		}
	}

	var cache *resilience.ResponseCache
	if cfg.EnableCache {
		store, err := durableStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		cacheOpts := []resilience.CacheOption{
			resilience.WithCacheLogger(logger),
			resilience.WithCacheMetrics(metrics),
		}
		if store != nil {
			cacheOpts = append(cacheOpts, resilience.WithStore(store))
		}
		cache, err = resilience.NewResponseCache(resilience.CacheConfig{
			TTL:        cfg.CacheTTL,
			MaxEntries: cfg.CacheMaxEntries,
		}, cacheOpts...)
		if err != nil {
			return err
		}
	}

	var costs *resilience.CostTracker
	if cfg.EnableCostTracking {
		costs = resilience.NewCostTracker(resilience.WithCostMetrics(metrics))
	}

	retryCfg := resilience.RetryConfig{
		MaxAttempts:  cfg.RetryMaxAttempts,
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		Multiplier:   2.0,
		Jitter:       0.1,
	}

	crmBreaker, err := resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig())
	if err != nil {
		return err
	}

	crmOpts := []crm.Option{
		crm.WithRetryConfig(retryCfg),
		crm.WithBreaker(crmBreaker),
		crm.WithLogger(logger),
		crm.WithMetrics(metrics),
	}
	if cfg.CRMSystemKey != "" {
		crmOpts = append(crmOpts, crm.WithSystemKey(cfg.CRMSystemKey))
	}
	if limiter != nil {
		crmOpts = append(crmOpts, crm.WithRateLimiter(limiter))
	}
	if cache != nil {
		crmOpts = append(crmOpts, crm.WithResponseCache(cache))
	}
	crmClient, err := crm.New(cfg.CRMBaseURL, cfg.CRMAPIKey, crmOpts...)
	if err != nil {
		return err
	}

	llmOpts := []llm.Option{
		llm.WithModel(cfg.LLMModel),
		llm.WithRetryConfig(retryCfg),
		llm.WithLogger(logger),
		llm.WithMetrics(metrics),
	}
	if cfg.LLMBaseURL != "" {
		llmOpts = append(llmOpts, llm.WithBaseURL(cfg.LLMBaseURL))
	}
	if limiter != nil {
		llmOpts = append(llmOpts, llm.WithRateLimiter(limiter))
	}
	if cache != nil {
		llmOpts = append(llmOpts, llm.WithResponseCache(cache))
	}
	if costs != nil {
		llmOpts = append(llmOpts, llm.WithCostTracker(costs))
	}
	llmClient, err := llm.New(cfg.LLMAPIKey, llmOpts...)
	if err != nil {
		return err
	}

	handler := web.NewServer(crmClient, web.LLMChat(llmClient),
		web.WithLogger(logger),
		web.WithMetricsHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.Int("port", cfg.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// durableStore builds the optional second cache tier. Redis and the local
// SQLite file are mutually exclusive; neither configured means memory only.
func durableStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (resilience.Store, error) {
	switch {
	case cfg.RedisAddr != "":
		store, err := resilience.NewRedisStore(ctx, cfg.RedisAddr, "hbcache")
		if err != nil {
			// The durable tier is an optimization; a dead Redis at boot
			// degrades to memory-only rather than blocking startup.
			logger.Warn("redis unavailable, running memory-only cache",
				slog.String("addr", cfg.RedisAddr), slog.Any("error", err))
			return nil, nil
		}
		logger.Info("durable cache tier: redis", slog.String("addr", cfg.RedisAddr))
		return store, nil
	case cfg.CacheDB != "":
		store, err := resilience.NewSQLiteStore(cfg.CacheDB)
		if err != nil {
			return nil, err
		}
		logger.Info("durable cache tier: sqlite", slog.String("path", cfg.CacheDB))
		return store, nil
	default:
		return nil, nil
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
