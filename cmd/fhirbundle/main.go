// cmd/fhirbundle/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/FairForge/fhirbundle/internal/api"
	"github.com/FairForge/fhirbundle/internal/bundle"
	"github.com/FairForge/fhirbundle/internal/config"
	"github.com/FairForge/fhirbundle/internal/importer"
	"github.com/FairForge/fhirbundle/internal/orchestration"
	"github.com/FairForge/fhirbundle/internal/queue"
	"github.com/FairForge/fhirbundle/internal/storage"
	"github.com/FairForge/fhirbundle/internal/subscriptions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	importQueue       = "imports"
	subscriptionQueue = "subscriptions"
)

func main() {
	configPath := flag.String("config", config.GetEnvOrDefault("FHIRBUNDLE_CONFIG", ""), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fhirbundle: %v\n", err)
		os.Exit(1)
	}

	level, err := zap.ParseAtomicLevel(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fhirbundle: %v\n", err)
		os.Exit(1)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = level
	logger, err := zcfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fhirbundle: build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *configPath, level, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, configPath string, level zap.AtomicLevel, logger *zap.Logger) error {
	store, closeStore, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	orch := orchestration.New(store,
		orchestration.WithLogger(logger),
		orchestration.WithMetrics(orchestration.NewMetrics(registry)),
		orchestration.WithDefaultTimeout(cfg.Orchestration.OperationTimeout))

	jobs, err := newQueues(cfg.Queue)
	if err != nil {
		return err
	}

	channels := subscriptions.NewChannelFactory(subscriptions.NewRestHookChannel(cfg.Subscriptions.Delivery, logger))
	subs := subscriptions.NewManager(subscriptions.NewValidator(channels, logger), jobs, subscriptionQueue, logger)
	processing := subscriptions.NewProcessingJob(channels, store, logger)

	processor := bundle.NewProcessor(orch, store,
		bundle.WithLogger(logger),
		bundle.WithNotifier(subs))

	var s3Client importer.S3API
	if cfg.Import.S3.Region != "" || cfg.Import.S3.Endpoint != "" {
		client, err := importer.NewS3Client(ctx, cfg.Import.S3)
		if err != nil {
			return err
		}
		s3Client = client
	}
	imports := importer.NewRegistry(jobs, importQueue, logger)
	runner := importer.NewRunner(imports, processor, importer.NewSources(s3Client), cfg.Import.ChunkSize, logger)

	importWorker := queue.NewWorker(jobs, queue.WorkerConfig{
		Queue:        importQueue,
		Concurrency:  cfg.Import.Workers,
		PollInterval: cfg.Queue.PollInterval,
		RetryDelay:   cfg.Queue.RetryDelay,
	}, logger)
	importWorker.Handle(importer.JobType, runner.Handle)

	subscriptionWorker := queue.NewWorker(jobs, queue.WorkerConfig{
		Queue:        subscriptionQueue,
		Concurrency:  cfg.Subscriptions.Workers,
		PollInterval: cfg.Queue.PollInterval,
		RetryDelay:   cfg.Queue.RetryDelay,
	}, logger)
	subscriptionWorker.Handle(subscriptions.JobType, processing.Handle)

	server := api.NewServer(cfg, api.Dependencies{
		Processor:     processor,
		Orchestrator:  orch,
		Imports:       imports,
		Subscriptions: subs,
		Store:         store,
		Registry:      registry,
	}, logger)
	server.OnShutdown(func(context.Context) error { return closeStore() })

	g, ctx := errgroup.WithContext(ctx)

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, cfg, logger)
		if err != nil {
			return err
		}
		watcher.Subscribe(func(next *config.Config) {
			if lvl, err := zap.ParseAtomicLevel(next.Server.LogLevel); err == nil {
				level.SetLevel(lvl.Level())
			}
			orch.SetDefaultTimeout(next.Orchestration.OperationTimeout)
		})
		server.OnShutdown(func(context.Context) error { return watcher.Close() })
		g.Go(func() error { return watcher.Run(ctx) })
	}

	g.Go(func() error { return importWorker.Run(ctx) })
	g.Go(func() error { return subscriptionWorker.Run(ctx) })
	g.Go(server.Start)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info("fhirbundle started",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Driver),
		zap.Duration("operation_timeout", cfg.Orchestration.OperationTimeout))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (storage.Store, func() error, error) {
	if cfg.Driver == "memory" {
		logger.Info("using in-memory storage")
		return storage.NewMemoryStore(), func() error { return nil }, nil
	}

	dialect, err := storage.DialectByName(cfg.Driver)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.OpenSQL(dialect, cfg.DSN, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	logger.Info("using sql storage", zap.String("dialect", dialect.Name))
	return store, store.Close, nil
}

// newQueues creates the work queues, each with a dead-letter queue.
func newQueues(cfg config.QueueConfig) (*queue.Manager, error) {
	jobs := queue.NewManager()
	for _, name := range []string{importQueue, subscriptionQueue} {
		dlq := name + "-dlq"
		if _, err := jobs.CreateQueue(&queue.Config{Name: dlq}); err != nil {
			return nil, err
		}
		if _, err := jobs.CreateQueue(&queue.Config{
			Name:              name,
			MaxRetries:        cfg.MaxRetries,
			VisibilityTimeout: cfg.VisibilityTimeout,
			DeadLetterQueue:   dlq,
		}); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}
