// Command server runs the svcmon backend: HTTP API, queue ingestion and
// background workers.
//
// # Usage
//
//	server --config /etc/svcmon/server.yaml
//
// # Configuration
//
// The server can be configured via:
// - Config file (--config, YAML)
// - Environment variables (SVCMON_*)
// - Command-line flags
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/svcmon/control-plane/internal/api"
	"github.com/pilot-net/svcmon/control-plane/internal/cache"
	"github.com/pilot-net/svcmon/control-plane/internal/config"
	"github.com/pilot-net/svcmon/control-plane/internal/events"
	"github.com/pilot-net/svcmon/control-plane/internal/federation"
	"github.com/pilot-net/svcmon/control-plane/internal/ingest"
	"github.com/pilot-net/svcmon/control-plane/internal/metrics"
	"github.com/pilot-net/svcmon/control-plane/internal/monitoring"
	"github.com/pilot-net/svcmon/control-plane/internal/secrets"
	"github.com/pilot-net/svcmon/control-plane/internal/service"
	"github.com/pilot-net/svcmon/control-plane/internal/store"
	"github.com/pilot-net/svcmon/control-plane/internal/worker"
	"github.com/pilot-net/svcmon/db/migrate"
	"github.com/pilot-net/svcmon/pkg/queue"
	"github.com/pilot-net/svcmon/pkg/types"
)

// Version is set at build time.
var Version = "dev"

func main() {
	var (
		configFile = flag.String("config", "", "Path to config file")
		port       = flag.Int("port", 0, "HTTP server port")
		dbURL      = flag.String("database", "", "Database URL (postgres://...)")
		redisURL   = flag.String("redis", "", "Redis URL (redis://...)")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("svcmon-server %s\n", Version)
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	// Load settings
	settings := config.DefaultSettings()
	if *configFile != "" {
		fileSettings, err := config.LoadFromFile(*configFile)
		if err != nil {
			logger.Error("failed to load config file", "error", err)
			os.Exit(1)
		}
		settings = fileSettings
	}
	if err := settings.ApplyEnvOverrides(); err != nil {
		logger.Error("invalid environment", "error", err)
		os.Exit(1)
	}
	if *port != 0 {
		settings.Server.Port = *port
	}
	if *dbURL != "" {
		settings.DatabaseURL = *dbURL
	}
	if *redisURL != "" {
		settings.RedisURL = *redisURL
	}

	warnings, err := settings.Validate()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	for _, w := range warnings {
		logger.Warn("configuration", "warning", w)
	}

	if err := run(settings, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(settings *config.Settings, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apiURL := settings.APIURL()
	instanceID := federation.InstanceIDFromURL(apiURL)
	logger = logger.With("instance_id", instanceID)

	// Connect to database
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	db, err := store.NewStoreFromURL(connectCtx, settings.DatabaseURL)
	cancel()
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	logger.Info("connected to database")

	if err := migrate.Run(ctx, db.Pool(), logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	// Connect to Redis
	rdb, err := queue.Connect(settings.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()
	logger.Info("connected to redis")

	// Monitoring: bus, registry and subscribers
	bus := events.NewBus(logger)
	registry := monitoring.NewRegistry(bus, db, logger)
	monitoring.Subscribe(bus, db, db, logger)

	history, err := db.LoadEndpointEvents(ctx, logger)
	if err != nil {
		return fmt.Errorf("loading endpoint events: %w", err)
	}
	registry.Rehydrate(history)

	// Federation
	tokens, err := secrets.NewTokenSource(
		secrets.ConfigFromEnv(settings.Federation.SecretsBackend, settings.Federation.TokensFile, settings.Federation.PeerTokens),
		logger,
	)
	if err != nil {
		return fmt.Errorf("configuring peer credentials: %w", err)
	}
	peers := federation.NewPeers(apiURL, settings.RemoteURLs())
	client := federation.NewClient(federation.ClientConfig{
		Timeout:   settings.Federation.RemoteTimeout,
		RateLimit: settings.Federation.RemoteRateLimit,
	}, tokens, logger)
	logger.Info("federation configured", "peers", len(peers.Remotes()))

	collector := metrics.NewCollector(db, nil, metrics.CollectorConfig{
		InstanceID: instanceID,
		Retention: types.RetentionPolicy{
			AuditRetention:  settings.Retention.Audit,
			ErrorRetention:  settings.Retention.Error,
			EventsRetention: settings.Retention.Events,
		},
		Peers: peers.Info(),
	})

	responses := cache.New(rdb, logger)

	// Ingestion
	consumers, err := startIngestion(ctx, settings, db, rdb, responses, registry, collector, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range consumers {
			c.Stop()
		}
	}()

	// Workers
	liveness := worker.NewLivenessWorker(db, registry, worker.LivenessWorkerConfig{
		Interval:    settings.Heartbeats.SweepInterval,
		GracePeriod: settings.Heartbeats.GracePeriod,
	}, logger)
	liveness.Start(ctx)
	defer liveness.Stop()

	retention := worker.NewRetentionWorker(db, worker.RetentionWorkerConfig{
		Interval:        settings.Retention.ExpirationInterval,
		BatchSize:       settings.Retention.ExpirationBatchSize,
		AuditRetention:  settings.Retention.Audit,
		ErrorRetention:  settings.Retention.Error,
		EventsRetention: settings.Retention.Events,
	}, logger)
	retention.Start(ctx)
	defer retention.Stop()

	// HTTP API
	svc := service.NewService(registry, db, responses, instanceID, logger)
	apiServer := api.NewServer(svc, peers, client, collector, api.Config{
		ManagementAPIKeyHash: settings.Management.APIKeyHash,
		PeerTokenHash:        settings.Management.PeerTokenHash,
	}, logger)

	apiPath := "/api"
	if u, err := url.Parse(apiURL); err == nil && u.Path != "" {
		apiPath = u.Path
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", settings.Server.Port),
		Handler:      apiServer.Handler(apiPath),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * config.DefaultHTTPTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", settings.Server.Port, "api_url", apiURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	return nil
}

// startIngestion builds one pipeline per enabled queue, checks that it can
// start, then starts its consumer. Any pipeline that cannot start aborts
// startup.
func startIngestion(
	ctx context.Context,
	settings *config.Settings,
	db *store.Store,
	rdb *redis.Client,
	responses *cache.Cache,
	registry *monitoring.Registry,
	collector *metrics.Collector,
	logger *slog.Logger,
) ([]*queue.Consumer, error) {
	producer := queue.NewProducer(rdb)
	poison := ingest.NewPoisonHandler(db, settings.Ingestion.FailedImportsDir, logger)
	maxBody := settings.Ingestion.MaxBodySizeToStore

	type source struct {
		queue     string
		importer  ingest.Importer
		forwardTo string
	}
	sources := []source{
		{settings.Ingestion.AuditQueue, ingest.NewAuditImporter(db, responses, maxBody, logger), ""},
		{settings.Ingestion.ErrorQueue, ingest.NewErrorImporter(db, maxBody), ""},
		{settings.Ingestion.HeartbeatQueue, ingest.NewHeartbeatImporter(db, registry), ""},
	}
	if settings.ForwardAudit() {
		sources[0].forwardTo = settings.AuditLogQueue()
	}
	if settings.ForwardErrors() {
		sources[1].forwardTo = settings.ErrorLogQueue()
	}

	var consumers []*queue.Consumer
	stopAll := func() {
		for _, c := range consumers {
			c.Stop()
		}
	}

	for _, src := range sources {
		if !config.QueueEnabled(src.queue) {
			logger.Info("ingestion disabled", "pipeline", src.importer.Category())
			continue
		}

		pipeline := ingest.NewPipeline(src.importer, producer, poison, collector, ingest.PipelineConfig{
			ForwardTo:           src.forwardTo,
			MaxDeliveryAttempts: int64(settings.Ingestion.MaxDeliveryAttempts),
		}, logger)
		if err := pipeline.Start(ctx); err != nil {
			stopAll()
			return nil, err
		}

		cfg := queue.DefaultConsumerConfig(src.queue)
		cfg.Concurrency = settings.Ingestion.MaximumConcurrencyLevel
		cfg.VisibilityTimeout = settings.Ingestion.VisibilityTimeout
		consumer := queue.NewConsumer(rdb, cfg, pipeline.Handle, logger)
		if err := consumer.Start(ctx); err != nil {
			stopAll()
			return nil, fmt.Errorf("starting %s consumer: %w", pipeline.Name(), err)
		}
		collector.AddQueue(consumer)
		consumers = append(consumers, consumer)
	}
	return consumers, nil
}
