package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/knowla/knowla/db"
	"github.com/knowla/knowla/internal/config"
	"github.com/knowla/knowla/internal/conversation"
	"github.com/knowla/knowla/internal/embedding"
	"github.com/knowla/knowla/internal/knowledge"
	"github.com/knowla/knowla/internal/learning"
	"github.com/knowla/knowla/internal/log"
	"github.com/knowla/knowla/internal/monitor"
	"github.com/knowla/knowla/internal/service"
)

const metricsShutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion and curation workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	logger := log.New(log.Config{Level: level, JSON: cfg.LogJSON})
	logger.Info("starting knowla", "version", AppVersion)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := db.Migrate(cfg.PostgresURL(), logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	pool, err := newPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return errors.New("initializing genkit")
	}

	provider, err := embedding.NewGenkitProvider(googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel))
	if err != nil {
		return fmt.Errorf("creating embedding provider: %w", err)
	}

	cache, err := embedding.NewCache(cfg.CacheCapacity, cfg.CacheTTL)
	if err != nil {
		return fmt.Errorf("creating embedding cache: %w", err)
	}
	defer cache.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	mon := monitor.New(registry, logger)

	embedder, err := embedding.NewEmbedder(provider, cache, embedding.Options{
		Retry: embedding.RetryPolicy{
			MaxAttempts:     cfg.EmbedMaxRetries,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		},
		Timeout:    cfg.EmbedTimeout,
		RatePerSec: cfg.EmbedRateLimit,
		RateBurst:  cfg.EmbedRateBurst,
		Recorder:   mon,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating embedder: %w", err)
	}

	convStore, err := conversation.NewPGStore(pool, logger)
	if err != nil {
		return fmt.Errorf("creating conversation store: %w", err)
	}
	optimizer, err := conversation.NewOptimizer(convStore, embedder, conversation.Options{
		BatchSize:     cfg.FlushBatchSize,
		FlushInterval: cfg.FlushInterval,
		Concurrency:   cfg.EmbedConcurrency,
		Recorder:      mon,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating optimizer: %w", err)
	}

	reprocessor, err := conversation.NewReprocessor(convStore, embedder, conversation.ReprocessOptions{
		Interval:  cfg.ReprocessInterval,
		BatchSize: cfg.ReprocessBatchSize,
		Recorder:  mon,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating reprocessor: %w", err)
	}

	kb, err := knowledge.NewStore(pool, logger)
	if err != nil {
		return fmt.Errorf("creating knowledge store: %w", err)
	}

	var arbiter knowledge.Arbiter
	if cfg.ArbiterModel != "" {
		arbiter, err = knowledge.NewGenkitArbiter(g, cfg.ArbiterModel)
		if err != nil {
			return fmt.Errorf("creating arbiter: %w", err)
		}
	}

	learningStore, err := learning.NewStore(pool, kb, logger)
	if err != nil {
		return fmt.Errorf("creating learning store: %w", err)
	}
	pipeline, err := learning.NewPipeline(learningStore, embedder, arbiter, mon, logger)
	if err != nil {
		return fmt.Errorf("creating pipeline: %w", err)
	}
	drainer := learning.NewDrainer(pipeline, cfg.DrainInterval, cfg.DrainLimit, logger)

	svc, err := service.New(service.Deps{
		Optimizer: optimizer,
		Pipeline:  pipeline,
		Knowledge: kb,
		Embedder:  embedder,
		Cache:     cache,
		Monitor:   mon,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}

	if err := optimizer.Start(ctx); err != nil {
		return fmt.Errorf("starting optimizer: %w", err)
	}
	defer optimizer.Stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		reprocessor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		drainer.Run(ctx)
	}()

	if cfg.MetricsAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveMetrics(ctx, cfg.MetricsAddr, registry, svc, logger)
		}()
	}

	logger.Info("knowla running",
		"flush_batch_size", cfg.FlushBatchSize,
		"flush_interval", cfg.FlushInterval,
		"drain_interval", cfg.DrainInterval)

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()
	return nil
}

func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// serveMetrics exposes the Prometheus registry and a small ops surface until
// ctx is canceled.
func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, svc *service.Service, logger log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/cachestats", func(w http.ResponseWriter, r *http.Request) {
		stats := svc.CacheStats()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats); err != nil {
			logger.Warn("writing cache stats", "error", err)
		}
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listener started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics listener failed", "error", err)
	}
}
