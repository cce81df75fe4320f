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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/investpilot/portfolio-engine/internal/analysis"
	"github.com/investpilot/portfolio-engine/internal/api"
	"github.com/investpilot/portfolio-engine/internal/cache"
	"github.com/investpilot/portfolio-engine/internal/config"
	"github.com/investpilot/portfolio-engine/internal/events"
	"github.com/investpilot/portfolio-engine/internal/ledger"
	"github.com/investpilot/portfolio-engine/internal/model"
	"github.com/investpilot/portfolio-engine/internal/quotes"
	sig "github.com/investpilot/portfolio-engine/internal/signal"
	"github.com/investpilot/portfolio-engine/internal/store"
	"github.com/investpilot/portfolio-engine/internal/task"
	"github.com/investpilot/portfolio-engine/internal/valuation"
)

func newServeCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and task workers (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg())
		},
	}
}

// backends holds the storage clients shared by every command.
type backends struct {
	store   store.Store
	redis   *redis.Client
	cleanup []func()
}

func (b *backends) close() {
	for i := len(b.cleanup) - 1; i >= 0; i-- {
		b.cleanup[i]()
	}
}

// openBackends connects to PostgreSQL and Redis when configured, otherwise
// falls back to the in-memory store.
func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}

	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		b.store = store.NewMemoryStore()
		return b, nil
	}

	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	b.cleanup = append(b.cleanup, pool.Close)
	b.store = store.NewPostgresStore(pool)
	slog.Info("connected to PostgreSQL")

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		b.cleanup = append(b.cleanup, func() { rdb.Close() })
		b.redis = rdb
		b.store = store.NewCachedStore(b.store, rdb, cfg.SnapshotCacheTTL)
		slog.Info("Redis cache enabled")
	}
	return b, nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close()
	st := b.store

	// --- Background context, cancelled on shutdown ---
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()

	// --- Analysis cache ---
	var analysisCache cache.Cache
	if b.redis != nil {
		analysisCache = cache.NewRedis(b.redis, "portfolio:")
	} else {
		mem := cache.NewMemory()
		go mem.Janitor(hubCtx, 10*time.Minute)
		analysisCache = mem
	}

	// --- Event stream ---
	var pub events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		pub = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		slog.Info("Kafka event stream enabled", "topic", cfg.KafkaTopic)
	}
	defer pub.Close()

	// --- Market data ---
	yahoo := quotes.NewYahooSource()
	feed := quotes.NewFeed(yahoo, quotes.NewHTTPRateSource(cfg.FXAPIURL), cfg.BaseCurrency,
		quotes.WithCooldown(cfg.QuoteCooldown),
		quotes.WithConcurrency(cfg.QuoteConcurrency))
	search := quotes.NewSymbolSearch(cfg.SearchAPIURL)

	// --- Model provider ---
	var provider analysis.Provider = analysis.Disabled{}
	if cfg.GeminiAPIKey != "" {
		g, err := analysis.NewGemini(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return err
		}
		provider = g
	} else {
		slog.Warn("GEMINI_API_KEY not set, analysis tasks will fail")
	}

	// --- Services ---
	ledgerSvc := ledger.NewService(st, pub)
	statements := valuation.NewService(st, feed, feed.Base())
	recorder := valuation.NewRecorder(statements, st)
	bridge := sig.NewBridge(st, ledgerSvc)

	registry := task.NewRegistry(st)
	pool := task.NewPool(registry, &task.AnalysisExecutor{
		Provider:  provider,
		Candles:   yahoo,
		Prices:    yahoo,
		Positions: st,
		Signals:   st,
		Cache:     analysisCache,
		CacheTTL:  cfg.CacheTTL,
	}, task.PoolConfig{
		Workers:    cfg.TaskWorkers,
		QueueSize:  cfg.TaskQueueSize,
		MaxRuntime: cfg.TaskMaxRuntime,
	})

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(hubCtx)

	registry.OnChange(wsHub.NotifyTask)
	registry.OnChange(taskEvents(pub))

	pool.Start()
	go recorder.Schedule(hubCtx, cfg.ValuationHourUTC)

	// --- HTTP router ---
	r := api.NewRouter(api.NewHandler(ledgerSvc, statements, pool, bridge, wsHub,
		api.WithDailyValuations(recorder),
		api.WithSymbolSearch(search)))

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("portfolio-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		pool.Stop()
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down portfolio-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	// Running tasks are marked failed before the stores close.
	pool.Stop()
	stopHub()
	slog.Info("portfolio-engine stopped")
	return nil
}

// taskEvents publishes task transitions to the event stream. Registry
// listeners must not block, so each publish runs on its own goroutine.
func taskEvents(pub events.Publisher) task.Listener {
	return func(ctx context.Context, t model.Task) {
		evt := events.Event{
			EventType: events.TaskStatusChanged,
			UserID:    t.UserID,
			EntityID:  t.ID,
			Payload:   map[string]any{"task_type": t.Type, "status": t.Status, "error": t.Error},
			Timestamp: time.Now().UTC(),
		}
		go func() {
			if err := pub.Publish(context.WithoutCancel(ctx), evt); err != nil {
				slog.Error("task event publish failed", "task_id", t.ID, "err", err)
			}
		}()
	}
}
