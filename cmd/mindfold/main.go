// Command mindfold is the main entry point for the Mindfold segment cache server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/mindfold/mindfold/internal/admin"
	"github.com/mindfold/mindfold/internal/config"
	"github.com/mindfold/mindfold/internal/health"
	"github.com/mindfold/mindfold/internal/observe"
	"github.com/mindfold/mindfold/internal/pipeline"
	"github.com/mindfold/mindfold/internal/resilience"
	"github.com/mindfold/mindfold/pkg/cache"
	"github.com/mindfold/mindfold/pkg/provider/embeddings"
	"github.com/mindfold/mindfold/pkg/provider/tts"
	"github.com/mindfold/mindfold/pkg/store"
	"github.com/mindfold/mindfold/pkg/store/memstore"
	"github.com/mindfold/mindfold/pkg/store/postgres"
)

const defaultEmbeddingDimensions = 1536

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "mindfold: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "mindfold: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("mindfold starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.DefaultRegistry()

	synth, err := buildTTS(cfg, reg)
	if err != nil {
		slog.Error("failed to build tts provider", "err", err)
		return 1
	}

	embedder, err := buildEmbedder(cfg, reg)
	if err != nil {
		slog.Error("failed to build embeddings provider", "err", err)
		return 1
	}

	// ── Segment store ─────────────────────────────────────────────────────────
	st, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open segment store", "err", err)
		return 1
	}
	defer closeStore()

	// ── Cache ─────────────────────────────────────────────────────────────────
	var readCache *cache.ReadCache
	cacheOpts := []cache.Option{
		cache.WithSemanticSearch(cfg.Cache.SemanticSearch),
		cache.WithLogger(logger),
		cache.WithMetrics(metrics),
	}
	if embedder != nil {
		cacheOpts = append(cacheOpts, cache.WithEmbedder(embedder))
	}
	if cfg.Cache.ReuseThreshold > 0 {
		cacheOpts = append(cacheOpts, cache.WithReuseThreshold(cfg.Cache.ReuseThreshold))
	}
	if cfg.Cache.ReadCacheSize >= 0 {
		readCache = cache.NewReadCache(cfg.Cache.ReadCacheSize)
		cacheOpts = append(cacheOpts, cache.WithReadCache(readCache))
	}
	segmentCache := cache.New(st, cacheOpts...)

	// ── Pipeline ──────────────────────────────────────────────────────────────
	audioDir := cfg.Storage.AudioDir
	if audioDir == "" {
		audioDir = "audio"
	}
	sink, err := pipeline.NewDirSink(audioDir, cfg.Storage.AudioBaseURL, "")
	if err != nil {
		slog.Error("failed to prepare audio directory", "dir", audioDir, "err", err)
		return 1
	}
	pipelineOpts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(metrics),
	}
	if cfg.Cache.PipelineConcurrency > 0 {
		pipelineOpts = append(pipelineOpts, pipeline.WithConcurrency(cfg.Cache.PipelineConcurrency))
	}
	renderer := pipeline.New(segmentCache, synth, sink, pipelineOpts...)

	// ── Admin engine ──────────────────────────────────────────────────────────
	engineOpts := []admin.EngineOption{
		admin.WithLogger(logger),
		admin.WithMetrics(metrics),
	}
	if embedder != nil {
		engineOpts = append(engineOpts, admin.WithEmbedder(embedder))
	}
	if cfg.Cache.MergeThreshold > 0 {
		engineOpts = append(engineOpts, admin.WithMergeThreshold(cfg.Cache.MergeThreshold))
	}
	if cfg.Cache.RepairBatchSize > 0 || cfg.Cache.RepairBatchDelay > 0 {
		engineOpts = append(engineOpts, admin.WithRepairBatch(cfg.Cache.RepairBatchSize, cfg.Cache.RepairBatchDelay))
	}
	if readCache != nil {
		engineOpts = append(engineOpts, admin.WithInvalidate(readCache.Clear))
	}
	engine := admin.NewEngine(st, engineOpts...)

	// ── HTTP server ───────────────────────────────────────────────────────────
	healthHandler := health.New(health.Checker{
		Name:  "database",
		Check: st.Ping,
	})

	r := chi.NewRouter()
	r.Use(observe.Middleware(metrics))
	r.Get("/healthz", healthHandler.Healthz)
	r.Get("/readyz", healthHandler.Readyz)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/render", pipeline.RenderHandler(renderer))
		api.Mount("/cache", admin.Handler(engine))
	})

	listenAddr := cfg.Server.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", listenAddr)
		if cfg.Server.TLS != nil {
			errCh <- srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildTTS instantiates the configured TTS provider. An unset provider falls
// back to the mock so development setups can exercise the cache without an
// ElevenLabs key.
func buildTTS(cfg *config.Config, reg *config.Registry) (tts.Provider, error) {
	entry := cfg.Providers.TTS
	if entry.Name == "" {
		slog.Warn("providers.tts is not configured; using the mock synthesizer")
		entry.Name = "mock"
	}
	p, err := reg.CreateTTS(entry)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "tts", "name", entry.Name, "model", entry.Model)
	return p, nil
}

// buildEmbedder instantiates the configured embeddings provider, wrapped in a
// circuit breaker. Returns nil when no provider is configured; the cache then
// skips semantic lookup entirely.
func buildEmbedder(cfg *config.Config, reg *config.Registry) (embeddings.Provider, error) {
	entry := cfg.Providers.Embeddings
	if entry.Name == "" {
		slog.Info("providers.embeddings is not configured; semantic lookup disabled")
		return nil, nil
	}
	p, err := reg.CreateEmbeddings(entry)
	if err != nil {
		return nil, fmt.Errorf("create embeddings provider %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "embeddings", "name", entry.Name, "model", p.ModelID())
	return resilience.NewBreakerEmbedder(p, resilience.CircuitBreakerConfig{}), nil
}

// buildStore opens the PostgreSQL segment store, or the in-memory store when
// no DSN is configured. The store is wrapped with the per-call timeout and
// retry decorators from internal/resilience.
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; using the in-memory store")
		return memstore.New(), func() {}, nil
	}

	dims := cfg.Storage.EmbeddingDimensions
	if dims <= 0 {
		dims = defaultEmbeddingDimensions
	}
	pg, err := postgres.New(ctx, cfg.Storage.PostgresDSN, dims)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("postgres store opened", "embedding_dimensions", dims)

	var st store.Store = pg
	st = resilience.NewTimeoutStore(st, cfg.Cache.StoreTimeout)
	st = resilience.NewRetryingStore(st, resilience.Retry{})
	return st, pg.Close, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
