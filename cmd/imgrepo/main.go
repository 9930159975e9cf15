// Command imgrepo serves picture upload, retrieval and caption search over
// HTTP, keeps the caption index flushed in the background and optionally
// consumes uploads from Kafka.
//
// Usage:
//
//	go run ./cmd/imgrepo [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/econaxis/imgrepo/internal/analytics"
	"github.com/econaxis/imgrepo/internal/analytics/snapshot"
	"github.com/econaxis/imgrepo/internal/docstore"
	"github.com/econaxis/imgrepo/internal/indexer"
	"github.com/econaxis/imgrepo/internal/indexer/consumer"
	"github.com/econaxis/imgrepo/internal/indexer/termindex"
	"github.com/econaxis/imgrepo/internal/ingestion"
	ingesthandler "github.com/econaxis/imgrepo/internal/ingestion/handler"
	"github.com/econaxis/imgrepo/internal/searcher/cache"
	"github.com/econaxis/imgrepo/internal/searcher/executor"
	searchhandler "github.com/econaxis/imgrepo/internal/searcher/handler"
	"github.com/econaxis/imgrepo/pkg/config"
	"github.com/econaxis/imgrepo/pkg/health"
	"github.com/econaxis/imgrepo/pkg/kafka"
	"github.com/econaxis/imgrepo/pkg/logger"
	"github.com/econaxis/imgrepo/pkg/metrics"
	"github.com/econaxis/imgrepo/pkg/middleware"
	"github.com/econaxis/imgrepo/pkg/postgres"
	pkgredis "github.com/econaxis/imgrepo/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if err := run(cfg); err != nil {
		slog.Error("imgrepo exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	slog.Info("starting imgrepo", "port", cfg.Server.Port, "data_dir", cfg.Indexer.DataDir)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(prometheus.DefaultRegisterer)
		shutdown, err := metrics.StartServer(cfg.Metrics.Port, prometheus.DefaultGatherer)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	var pg *postgres.Client
	if cfg.DocStore.Driver == "postgres" {
		var err error
		pg, err = postgres.New(cfg.Postgres)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer pg.Close()
		slog.Info("connected to postgres", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	}
	store, err := docstore.Open(ctx, cfg.DocStore, pg)
	if err != nil {
		return fmt.Errorf("opening document store: %w", err)
	}
	defer store.Close()

	startID, err := store.MaxID(ctx)
	if err != nil {
		return fmt.Errorf("reading highest document id: %w", err)
	}

	codec, err := termindex.ParseCodec(cfg.Indexer.Compression)
	if err != nil {
		return err
	}
	backend, err := termindex.Open(cfg.Indexer.DataDir,
		termindex.WithCodec(codec),
		termindex.WithBloomFalsePositive(cfg.Indexer.BloomFalsePositive),
		termindex.WithMergeIOLimit(cfg.Indexer.MergeIOLimit),
	)
	if err != nil {
		return fmt.Errorf("opening segment directory: %w", err)
	}

	opts := []indexer.Option{indexer.WithStartID(startID), indexer.WithMetrics(m)}
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IndexFlushed)
		defer producer.Close()
		opts = append(opts, indexer.WithFlushNotifier(consumer.NewFlushPublisher(producer, cfg.Indexer.MainName)))
	}
	index, err := indexer.Open(cfg.Indexer, backend, opts...)
	if err != nil {
		return fmt.Errorf("opening index: %w", err)
	}
	defer func() {
		if err := index.Close(); err != nil {
			slog.Error("closing index", "error", err)
		}
	}()
	flushDone := index.StartFlushLoop(ctx)

	service := ingestion.NewService(index, store)

	var (
		redisClient *pkgredis.Client
		queryCache  *cache.QueryCache
	)
	if cfg.Redis.Enabled {
		redisClient, err = pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, search caching disabled", "error", err)
		} else {
			defer redisClient.Close()
			queryCache = cache.New(redisClient, cfg.Redis.CacheTTL, m)
			slog.Info("search cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}

	if cfg.Kafka.Enabled {
		kc := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.Uploads, consumer.HandleUpload(service, m))
		uploads := consumer.New(kc)
		go func() {
			if err := uploads.Start(ctx); err != nil {
				slog.Error("upload consumer error", "error", err)
			}
		}()
		slog.Info("consuming uploads", "topic", cfg.Kafka.Topics.Uploads, "group", cfg.Kafka.ConsumerGroup)
	}

	checker := health.NewChecker()
	checker.Register("index", func(ctx context.Context) health.ComponentHealth {
		st := index.Stats()
		msg := fmt.Sprintf("generation %d, %d docs, %d buffered, %d pending", st.Generation, st.Main.Docs, st.BufferedDocs, st.Pending)
		if st.Pending > 0 {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: msg}
		}
		return health.ComponentHealth{Status: health.StatusUp, Message: msg}
	})
	checker.Register("docstore", health.PingCheck(store))
	if redisClient != nil {
		checker.Register("redis", health.OptionalPingCheck(redisClient))
	}

	mux := http.NewServeMux()
	var (
		ingestOpts []ingesthandler.Option
		searchOpts []searchhandler.Option
	)
	if cfg.Analytics.Enabled {
		collector, stopAnalytics := startAnalytics(ctx, cfg, pg, mux)
		defer stopAnalytics()
		ingestOpts = append(ingestOpts, ingesthandler.WithTracker(collector))
		searchOpts = append(searchOpts, searchhandler.WithTracker(collector))
	}

	exec := executor.New(index, store, cfg.Search.MinScore)
	ingesthandler.New(service, cfg.Server.MaxUploadBytes, ingestOpts...).Register(mux)
	searchhandler.New(exec, queryCache, m, cfg.Search.DefaultLimit, cfg.Search.MaxResults, searchOpts...).Register(mux)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: middleware.Chain(mux,
			middleware.RequestID,
			middleware.Metrics(m),
			middleware.CORS(middleware.DefaultCORSConfig(cfg.Server.AllowOrigins)),
			middleware.RateLimit(middleware.NewRateLimiter(cfg.Server.UploadsPerMinute)),
			middleware.Timeout(cfg.Server.WriteTimeout),
		),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("imgrepo listening", "addr", server.Addr, "last_id", index.LastID(), "generation", index.Generation())
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		// Background loops only wind down once ctx is cancelled.
		stop()
		<-flushDone
		return fmt.Errorf("http server: %w", err)
	}

	<-flushDone
	if err := store.Flush(context.Background()); err != nil {
		slog.Error("final document store flush failed", "error", err)
	}
	slog.Info("imgrepo stopped")
	return nil
}

// startAnalytics runs the event collector, restores totals from the latest
// PostgreSQL snapshot when one is available and mounts GET /api/v1/analytics.
// The returned func waits for the final publish and snapshot; call it after
// ctx is done and the HTTP server has stopped.
func startAnalytics(ctx context.Context, cfg *config.Config, pg *postgres.Client, mux *http.ServeMux) (*analytics.Collector, func()) {
	agg := analytics.NewAggregator()

	var (
		publisher analytics.Publisher
		producer  *kafka.Producer
	)
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.AnalyticsEvents)
		publisher = producer
	}

	var snapDone <-chan struct{}
	if pg != nil && cfg.Analytics.SnapshotInterval > 0 {
		snaps, err := snapshot.NewStore(ctx, pg)
		if err != nil {
			slog.Warn("analytics snapshots disabled", "error", err)
		} else {
			if latest, err := snaps.Latest(ctx); err != nil {
				slog.Warn("loading analytics snapshot failed", "error", err)
			} else if latest != nil {
				agg.Restore(*latest)
			}
			snapDone = snaps.Run(ctx, agg, cfg.Analytics.SnapshotInterval)
		}
	}

	collector := analytics.NewCollector(agg, publisher, analytics.CollectorConfig{
		BufferSize:    cfg.Analytics.BufferSize,
		BatchSize:     cfg.Analytics.BatchSize,
		FlushInterval: cfg.Analytics.FlushInterval,
	})
	collector.Start(ctx)
	analytics.NewHandler(agg).Register(mux)

	return collector, func() {
		collector.Close()
		if snapDone != nil {
			<-snapDone
		}
		if producer != nil {
			producer.Close()
		}
	}
}
