// Command server runs the gnosis control plane: the HTTP API, the job
// worker pool and the lifecycle scheduler share one process so a single
// deployment serves requests and executes the jobs it accepts.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gnosis-kg/gnosis/internal/api"
	"github.com/gnosis-kg/gnosis/pkg/artifacts"
	"github.com/gnosis-kg/gnosis/pkg/cache"
	"github.com/gnosis-kg/gnosis/pkg/config"
	"github.com/gnosis-kg/gnosis/pkg/database"
	"github.com/gnosis-kg/gnosis/pkg/embeddings"
	"github.com/gnosis-kg/gnosis/pkg/graph"
	"github.com/gnosis-kg/gnosis/pkg/ingest"
	"github.com/gnosis-kg/gnosis/pkg/jobs"
	"github.com/gnosis-kg/gnosis/pkg/models"
	"github.com/gnosis-kg/gnosis/pkg/observability"
	"github.com/gnosis-kg/gnosis/pkg/providers"
	"github.com/gnosis-kg/gnosis/pkg/storage"

	// Import PostgreSQL driver
	_ "github.com/lib/pq"
)

func main() {
	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logging and metrics
	logger := observability.NewStandardLoggerWithLevel("server",
		observability.ParseLogLevel(cfg.LogLevel))
	metrics := observability.NewInMemoryMetrics()

	// Run migrations before the pool opens so workers never see a stale schema
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(cfg.Database.DSN, cfg.Database.MigrationsPath, logger); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
	}

	// Initialize database
	db, err := database.Connect(ctx, cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	// Initialize cache
	cacheClient, err := cache.New(cacheConfig(cfg.Cache))
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheClient.Close()

	// Initialize object storage
	objects, err := newObjectStore(ctx, cfg.Storage, logger)
	if err != nil {
		log.Fatalf("Failed to initialize object storage: %v", err)
	}

	// Initialize model providers
	set, err := providers.New(ctx, cfg.Providers, cacheClient, logger)
	if err != nil {
		log.Fatalf("Failed to initialize providers: %v", err)
	}

	// Initialize stores
	graphStore := graph.NewStore(db, logger)
	jobStore := jobs.NewStore(db, logger)
	embedRepo := embeddings.NewRepo(db, logger)
	artifactStore := artifacts.NewStore(db, objects, graphStore, 0, logger)
	vocab := models.NewVocabulary(cfg.Vocabulary)

	// Initialize job plumbing
	broker := jobs.NewBroker(jobStore, cfg.Jobs.ProgressRateLimit, logger)
	queue := jobs.NewQueue(jobStore, broker, cfg.Jobs, logger)
	scheduler := jobs.NewScheduler(jobStore, queue, broker, cfg.Jobs, logger)
	estimator := jobs.NewEstimator(cfg.Estimator)
	intake := jobs.NewIntake(jobStore, estimator, queue, broker, cfg.Jobs, cfg.Ingestion,
		cfg.Providers.ExtractionModel(), cfg.Providers.EmbeddingModel(), logger)

	// Register one worker per job kind
	sourceEmbedder := embeddings.NewWorker(embedRepo, set.Embedder, cfg.Ingestion.SentenceMaxChars, logger)
	engine := ingest.NewEngine(graphStore, set.Embedder, set.Extractor, sourceEmbedder,
		vocab, cfg.Matcher, cfg.Ingestion, logger)
	deps := ingest.WorkerDeps{
		Engine:    engine,
		Objects:   objects,
		Vision:    set.Vision,
		Ingestion: cfg.Ingestion,
		Estimator: cfg.Estimator,
		Logger:    logger,
	}
	queue.Register(ingest.NewTextWorker(deps))
	queue.Register(ingest.NewFileWorker(deps))
	queue.Register(ingest.NewImageWorker(deps))
	queue.Register(ingest.NewAnalysisWorker(graphStore, artifactStore, logger))
	queue.Register(ingest.NewRestoreWorker(graphStore, objects, set.Embedder, vocab, logger))
	queue.Register(ingest.NewRegenerateWorker(sourceEmbedder, logger))

	// Orphan recovery runs inside scheduler.Start before the first sweep
	queue.Start(ctx)
	scheduler.Start(ctx)

	// Initialize API server
	server := api.NewServer(api.Deps{
		Intake:     intake,
		Jobs:       jobStore,
		Broker:     broker,
		Pool:       queue,
		Graph:      graphStore,
		Sources:    embedRepo,
		Embedder:   set.Embedder,
		Artifacts:  artifactStore,
		Objects:    objects,
		Vocabulary: vocab,
		Metrics:    metrics,
		Health:     healthChecks(db.PingContext, cacheClient, objects),
	}, cfg.API, logger)

	logger.Info("Server configuration", map[string]interface{}{
		"address":  cfg.API.ListenAddress,
		"env":      cfg.Environment,
		"provider": cfg.Providers.Active,
		"pool":     cfg.Jobs.PoolSize,
	})

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Received shutdown signal", nil)

	// Graceful shutdown: stop accepting requests, then drain the pool
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", map[string]interface{}{
			"error": err.Error(),
		})
	}
	scheduler.Stop()
	queue.Stop()

	logger.Info("Server stopped gracefully", nil)
}

// cacheConfig maps the file/env configuration onto the cache package's
// backend-neutral Config.
func cacheConfig(c config.CacheConfig) cache.Config {
	return cache.Config{
		Backend:      c.Backend,
		Address:      c.Address,
		Password:     c.Password,
		Database:     c.DB,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
		DefaultTTL:   c.TTL,
		MaxEntries:   c.MaxEntries,
	}
}

// newObjectStore returns the S3 store when a bucket is configured, otherwise
// an in-process store. The fallback loses objects on restart, which is fine
// for development and fatal for production backups; the warning says so.
func newObjectStore(ctx context.Context, cfg config.StorageConfig, logger observability.Logger) (storage.ObjectStore, error) {
	if cfg.Bucket == "" {
		logger.Warn("No storage bucket configured; uploads and backups are held in memory", nil)
		return storage.NewMemoryStore(), nil
	}
	return storage.NewS3Store(ctx, cfg)
}

// healthChecks wires the /healthz probes. Each probe is a cheap round-trip
// against one dependency.
func healthChecks(dbPing func(ctx context.Context) error, c cache.Cache, objects storage.ObjectStore) map[string]api.HealthCheck {
	return map[string]api.HealthCheck{
		"database": dbPing,
		"cache": func(ctx context.Context) error {
			_, err := c.Exists(ctx, "healthz")
			return err
		},
		"storage": func(ctx context.Context) error {
			_, err := objects.List(ctx, "healthz/")
			return err
		},
	}
}
