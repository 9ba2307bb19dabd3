package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/pilot-net/svcmon/control-plane/internal/config"
)

// RetentionStore defines the storage interface for the retention worker.
// Each call deletes at most batchSize rows older than cutoff and returns
// how many were deleted.
type RetentionStore interface {
	DeleteExpiredProcessedMessages(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
	DeleteExpiredFailedMessages(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
	DeleteExpiredEventLogItems(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// RetentionWorkerConfig holds configuration for the retention worker.
type RetentionWorkerConfig struct {
	// Interval between expiration runs.
	Interval time.Duration

	// BatchSize is the number of rows deleted per statement.
	BatchSize int

	AuditRetention  time.Duration
	ErrorRetention  time.Duration
	EventsRetention time.Duration
}

// RetentionWorker deletes data that is older than its retention period.
type RetentionWorker struct {
	store  RetentionStore
	config RetentionWorkerConfig
	logger *slog.Logger
	stopCh chan struct{}
	now    func() time.Time
}

// NewRetentionWorker creates a new retention worker.
func NewRetentionWorker(store RetentionStore, cfg RetentionWorkerConfig, logger *slog.Logger) *RetentionWorker {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = config.DefaultExpirationBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = config.DefaultExpirationInterval
	}
	return &RetentionWorker{
		store:  store,
		config: cfg,
		logger: logger.With("component", "retention_worker"),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

// Start begins the retention worker in a goroutine.
func (w *RetentionWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the worker to stop.
func (w *RetentionWorker) Stop() {
	close(w.stopCh)
}

func (w *RetentionWorker) run(ctx context.Context) {
	w.logger.Info("retention worker started",
		"interval", w.config.Interval,
		"batch_size", w.config.BatchSize,
		"audit_retention", w.config.AuditRetention,
		"error_retention", w.config.ErrorRetention,
		"events_retention", w.config.EventsRetention,
	)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("retention worker stopping (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("retention worker stopping (stop signal)")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *RetentionWorker) runOnce(ctx context.Context) map[string]int64 {
	start := time.Now()
	now := w.now()

	deleted := map[string]int64{
		"processed_messages": w.expire(ctx, "processed_messages", now.Add(-w.config.AuditRetention), w.store.DeleteExpiredProcessedMessages),
		"failed_messages":    w.expire(ctx, "failed_messages", now.Add(-w.config.ErrorRetention), w.store.DeleteExpiredFailedMessages),
		"event_log_items":    w.expire(ctx, "event_log_items", now.Add(-w.config.EventsRetention), w.store.DeleteExpiredEventLogItems),
	}

	w.logger.Info("retention cycle complete",
		"duration", time.Since(start),
		"processed_messages", deleted["processed_messages"],
		"failed_messages", deleted["failed_messages"],
		"event_log_items", deleted["event_log_items"],
	)
	return deleted
}

// expire deletes in batches until a batch comes back short.
func (w *RetentionWorker) expire(ctx context.Context, what string, cutoff time.Time, del func(context.Context, time.Time, int) (int64, error)) int64 {
	var total int64
	for ctx.Err() == nil {
		n, err := del(ctx, cutoff, w.config.BatchSize)
		if err != nil {
			w.logger.Error("failed to delete expired data", "table", what, "cutoff", cutoff, "error", err)
			return total
		}
		total += n
		if n < int64(w.config.BatchSize) {
			break
		}
	}
	return total
}
