// Package ingest imports audit, error and heartbeat messages from queues
// into the store.
//
// Each queue has a Pipeline that converts a delivery with the category's
// Importer, persists it in a single idempotent write and optionally forwards
// a cleaned copy to a log queue. A message that keeps failing is diverted to
// the poison store on its last delivery attempt instead of blocking the
// queue.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/pilot-net/svcmon/control-plane/internal/cache"
	"github.com/pilot-net/svcmon/pkg/types"
)

// Importer converts and persists one message of a category.
type Importer interface {
	Category() types.ImportCategory
	Import(ctx context.Context, msg types.TransportMessage) error
}

// AuditStore persists audited messages.
type AuditStore interface {
	SaveProcessedMessage(ctx context.Context, m types.ProcessedMessage) error
}

// ErrorStore persists failed message attempts.
type ErrorStore interface {
	UpsertFailedMessage(ctx context.Context, id string, attempt types.ProcessingAttempt) error
}

// HeartbeatStore persists the latest heartbeat per endpoint instance.
type HeartbeatStore interface {
	SaveHeartbeat(ctx context.Context, hb types.Heartbeat) (bool, error)
}

// HeartbeatRecorder is notified of every imported heartbeat.
type HeartbeatRecorder interface {
	RecordHeartbeat(ctx context.Context, id types.EndpointInstanceID, at time.Time)
}

// CacheInvalidator drops cached query results.
type CacheInvalidator interface {
	DeletePattern(ctx context.Context, pattern string) error
}

// AuditImporter stores audited messages.
type AuditImporter struct {
	store       AuditStore
	cache       CacheInvalidator
	maxBodySize int
	now         func() time.Time
	logger      *slog.Logger
}

// NewAuditImporter creates an audit importer. Every stored message drops
// the cached message pages from c, which may be nil.
func NewAuditImporter(store AuditStore, c CacheInvalidator, maxBodySize int, logger *slog.Logger) *AuditImporter {
	return &AuditImporter{
		store:       store,
		cache:       c,
		maxBodySize: maxBodySize,
		now:         time.Now,
		logger:      logger.With("component", "audit_importer"),
	}
}

func (i *AuditImporter) Category() types.ImportCategory { return types.CategoryAudit }

func (i *AuditImporter) Import(ctx context.Context, msg types.TransportMessage) error {
	pm, err := ConvertAudit(msg, i.maxBodySize, i.now())
	if err != nil {
		return err
	}
	if err := i.store.SaveProcessedMessage(ctx, pm); err != nil {
		return err
	}

	// A stale page only lives until its TTL, so this never fails the import.
	if i.cache != nil {
		if err := i.cache.DeletePattern(ctx, cache.MessagesPattern); err != nil {
			i.logger.Warn("dropping cached messages failed", "message_id", pm.ID, "error", err)
		}
	}
	return nil
}

// ErrorImporter stores failed message attempts.
type ErrorImporter struct {
	store       ErrorStore
	maxBodySize int
	now         func() time.Time
}

// NewErrorImporter creates an error importer.
func NewErrorImporter(store ErrorStore, maxBodySize int) *ErrorImporter {
	return &ErrorImporter{store: store, maxBodySize: maxBodySize, now: time.Now}
}

func (i *ErrorImporter) Category() types.ImportCategory { return types.CategoryError }

func (i *ErrorImporter) Import(ctx context.Context, msg types.TransportMessage) error {
	id, attempt, err := ConvertError(msg, i.maxBodySize, i.now())
	if err != nil {
		return err
	}
	return i.store.UpsertFailedMessage(ctx, id, attempt)
}

// HeartbeatImporter stores heartbeats and hands them to the registry.
type HeartbeatImporter struct {
	store    HeartbeatStore
	recorder HeartbeatRecorder
}

// NewHeartbeatImporter creates a heartbeat importer. recorder may be nil.
func NewHeartbeatImporter(store HeartbeatStore, recorder HeartbeatRecorder) *HeartbeatImporter {
	return &HeartbeatImporter{store: store, recorder: recorder}
}

func (i *HeartbeatImporter) Category() types.ImportCategory { return types.CategoryHeartbeat }

func (i *HeartbeatImporter) Import(ctx context.Context, msg types.TransportMessage) error {
	hb, err := ConvertHeartbeat(msg)
	if err != nil {
		return err
	}
	if _, err := i.store.SaveHeartbeat(ctx, hb); err != nil {
		return err
	}
	if i.recorder != nil {
		i.recorder.RecordHeartbeat(ctx, hb.Endpoint, hb.LastReportAt)
	}
	return nil
}
