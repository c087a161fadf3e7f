package main

import (
	"context"
	"time"

	"github.com/raniswara/vitalsync-agent/internal/api"
	"github.com/raniswara/vitalsync-agent/internal/config"
	"github.com/raniswara/vitalsync-agent/internal/events"
	"github.com/raniswara/vitalsync-agent/internal/metricstore"
	"github.com/raniswara/vitalsync-agent/internal/mq"
	"github.com/raniswara/vitalsync-agent/internal/netmon"
	"github.com/raniswara/vitalsync-agent/internal/queue"
	"github.com/raniswara/vitalsync-agent/internal/service"
	"github.com/raniswara/vitalsync-agent/internal/storage"
	"github.com/raniswara/vitalsync-agent/internal/syncengine"
	"github.com/raniswara/vitalsync-agent/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func startAgent(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	ingest *service.IngestService,
	monitor *netmon.HTTPMonitor,
	engine *syncengine.Engine,
	bus *events.Bus,
	publisher *mq.Publisher,
	store *metricstore.Store,
) (*mq.Consumer, error) {
	// Context for background loops, cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:       conn,
		Queue:            cfg.RabbitMQ.ReadingsQueue,
		DLQQueue:         cfg.RabbitMQ.DLQQueue,
		Exchange:         cfg.RabbitMQ.ReadingsExchange,
		RoutingKey:       cfg.RabbitMQ.ReadingsKey,
		PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
		Logger:           logger,
		MessageProcessor: ingest.ProcessReading,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	// Announce completed sync passes downstream
	bus.Subscribe(func(evt events.Event) {
		if evt.Type != events.SyncCompleted {
			return
		}
		result, ok := evt.Payload.(*syncengine.Result)
		if !ok || result.TotalItems == 0 {
			return
		}
		err := publisher.PublishSyncedEvent(ctx, mq.SyncedEvent{
			SyncedItems: result.SyncedItems,
			FailedItems: result.FailedItems,
			TotalItems:  result.TotalItems,
			DurationMs:  result.Duration.Milliseconds(),
			CompletedAt: time.Now(),
		}, cfg.RabbitMQ.SyncedRoutingKey)
		if err != nil {
			logger.Error("failed to publish synced event", zap.Error(err))
		}
	})

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting agent",
				zap.String("readings_queue", cfg.RabbitMQ.ReadingsQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))

			go monitor.Start(ctx)
			go engine.Run(ctx)
			go runMaintenance(ctx, store, logger)

			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			if err := publisher.Close(); err != nil {
				logger.Error("failed to close publisher", zap.Error(err))
			}
			logger.Info("agent stopped gracefully")
			return nil
		},
	})

	return consumer, nil
}

// runMaintenance runs retention cleanup and logs storage stats on a slow
// ticker. Retention uses the unauthenticated window; the agent has no user
// session of its own.
func runMaintenance(ctx context.Context, store *metricstore.Store, logger *zap.Logger) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.CleanupOldData(ctx, metricstore.CleanupOptions{})
			if err != nil {
				logger.Error("retention cleanup failed", zap.Error(err))
			}

			stats := store.GetStorageStats()
			logger.Info("storage stats",
				zap.Int("total_metrics", stats.TotalMetrics),
				zap.Int("pending_sync", stats.PendingSync),
				zap.Int("storage_bytes", stats.StorageSize),
				zap.Int("cleaned", removed))
		}
	}
}

// ProvideLocalStore creates the local persistence store
func ProvideLocalStore(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*storage.Store, error) {
	return storage.NewStore(lc, logger, cfg.Storage.Path)
}

// ProvideEventBus creates the sync event bus
func ProvideEventBus(logger *zap.Logger) *events.Bus {
	return events.NewBus(logger)
}

// ProvideNetworkMonitor creates the connectivity monitor
func ProvideNetworkMonitor(cfg *config.Config, logger *zap.Logger) *netmon.HTTPMonitor {
	return netmon.NewHTTPMonitor(cfg.Network.ProbeURL, cfg.Network.CheckInterval, cfg.Network.ProbeTimeout, logger)
}

// ProvideDurableQueue creates the durable work queue
func ProvideDurableQueue(store *storage.Store, cfg *config.Config, logger *zap.Logger) (*queue.DurableQueue, error) {
	return queue.NewDurableQueue(context.Background(), store, queue.Config{
		MaxSize:            cfg.Queue.MaxSize,
		BaseRetryDelay:     cfg.Queue.BaseRetryDelay,
		MaxRetryDelay:      cfg.Queue.MaxRetryDelay,
		BackoffMultiplier:  cfg.Queue.BackoffMultiplier,
		StuckItemThreshold: cfg.Queue.StuckItemThreshold,
	}, logger)
}

// ProvideValidator creates the metric validator
func ProvideValidator(cfg *config.Config, logger *zap.Logger) *validator.Validator {
	return validator.NewValidator(cfg.Validation.MaxBatchSize, cfg.Validation.DefaultSensorModel, logger)
}

// ProvideMetricStore creates the offline metric store
func ProvideMetricStore(
	store *storage.Store,
	q *queue.DurableQueue,
	monitor *netmon.HTTPMonitor,
	cfg *config.Config,
	logger *zap.Logger,
) (*metricstore.Store, error) {
	return metricstore.NewStore(context.Background(), store, q, monitor, metricstore.Config{
		MaxMetrics:         cfg.Store.MaxMetrics,
		RetentionAuthed:    cfg.Store.RetentionAuthed,
		RetentionAnonymous: cfg.Store.RetentionAnonymous,
	}, logger)
}

// ProvideSubmissionClient creates the remote submission client
func ProvideSubmissionClient(cfg *config.Config, logger *zap.Logger) *api.HTTPClient {
	return api.NewHTTPClient(api.Config{
		BaseURL:   cfg.Submission.BaseURL,
		AuthToken: cfg.Submission.AuthToken,
		Timeout:   cfg.Submission.Timeout,
	}, logger)
}

// ProvideSyncEngine creates the synchronization engine
func ProvideSyncEngine(
	q *queue.DurableQueue,
	store *metricstore.Store,
	client *api.HTTPClient,
	monitor *netmon.HTTPMonitor,
	bus *events.Bus,
	cfg *config.Config,
	logger *zap.Logger,
) *syncengine.Engine {
	return syncengine.NewEngine(q, store, client, monitor, bus, syncengine.Config{
		BatchSize:            cfg.Sync.BatchSize,
		MaxConcurrentBatches: cfg.Sync.MaxConcurrentBatches,
		BackgroundInterval:   cfg.Sync.BackgroundInterval,
		BackgroundSync:       cfg.Sync.BackgroundSync,
	}, logger)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates a new publisher instance
func ProvidePublisher(conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	return mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, logger)
}

// ProvideIngestService creates the ingest service
func ProvideIngestService(v *validator.Validator, store *metricstore.Store, logger *zap.Logger) *service.IngestService {
	return service.NewIngestService(v, store, logger)
}
