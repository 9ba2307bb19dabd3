// Package worker provides background workers for the control plane.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/pilot-net/svcmon/control-plane/internal/events"
	"github.com/pilot-net/svcmon/pkg/types"
)

// HeartbeatStore defines the storage interface for the liveness worker.
type HeartbeatStore interface {
	// ListHeartbeats returns the latest persisted heartbeat of every endpoint instance.
	ListHeartbeats(ctx context.Context) ([]types.Heartbeat, error)
}

// LivenessRegistry is the endpoint state the liveness worker drives.
type LivenessRegistry interface {
	RecordHeartbeat(ctx context.Context, id types.EndpointInstanceID, at time.Time)
	CheckLiveness(ctx context.Context, now time.Time, grace time.Duration) []events.Event
}

// LivenessWorkerConfig holds configuration for the liveness worker.
type LivenessWorkerConfig struct {
	// Interval between sweeps.
	Interval time.Duration

	// GracePeriod is how long an endpoint may go without a heartbeat
	// before it is considered dead.
	GracePeriod time.Duration
}

// LivenessWorker periodically feeds persisted heartbeats into the registry
// and classifies every endpoint instance as alive or dead.
type LivenessWorker struct {
	store    HeartbeatStore
	registry LivenessRegistry
	config   LivenessWorkerConfig
	logger   *slog.Logger
	stopCh   chan struct{}
	now      func() time.Time
}

// NewLivenessWorker creates a new liveness worker.
func NewLivenessWorker(store HeartbeatStore, registry LivenessRegistry, config LivenessWorkerConfig, logger *slog.Logger) *LivenessWorker {
	return &LivenessWorker{
		store:    store,
		registry: registry,
		config:   config,
		logger:   logger.With("component", "liveness_worker"),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start begins the liveness worker in a goroutine.
func (w *LivenessWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the worker to stop.
func (w *LivenessWorker) Stop() {
	close(w.stopCh)
}

func (w *LivenessWorker) run(ctx context.Context) {
	w.logger.Info("liveness worker started",
		"interval", w.config.Interval,
		"grace_period", w.config.GracePeriod,
	)

	// Run immediately on start
	w.runOnce(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("liveness worker stopping (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("liveness worker stopping (stop signal)")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// runOnce performs one sweep. A failed read skips the cycle so stale data
// never marks endpoints dead.
func (w *LivenessWorker) runOnce(ctx context.Context) int {
	start := time.Now()

	heartbeats, err := w.store.ListHeartbeats(ctx)
	if err != nil {
		w.logger.Error("failed to list heartbeats, skipping sweep", "error", err)
		return 0
	}

	for _, hb := range heartbeats {
		w.registry.RecordHeartbeat(ctx, hb.Endpoint, hb.LastReportAt)
	}

	raised := w.registry.CheckLiveness(ctx, w.now(), w.config.GracePeriod)

	failed, restored := 0, 0
	for _, e := range raised {
		switch e.(type) {
		case events.HeartbeatFailed:
			failed++
		case events.HeartbeatRestored:
			restored++
		}
	}

	w.logger.Info("liveness sweep complete",
		"duration", time.Since(start),
		"heartbeats", len(heartbeats),
		"events", len(raised),
		"failed", failed,
		"restored", restored,
	)
	return len(raised)
}
