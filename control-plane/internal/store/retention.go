package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pilot-net/svcmon/pkg/types"
)

// DeleteExpiredProcessedMessages deletes up to batchSize audited messages
// processed before cutoff and returns how many were deleted.
func (s *Store) DeleteExpiredProcessedMessages(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM processed_messages
		WHERE id IN (
			SELECT id FROM processed_messages
			WHERE processed_at < $1
			LIMIT $2
		)
	`, cutoff.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("deleting expired processed messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpiredFailedMessages deletes up to batchSize resolved or archived
// failed messages last modified before cutoff. Unresolved messages are kept.
func (s *Store) DeleteExpiredFailedMessages(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM failed_messages
		WHERE id IN (
			SELECT id FROM failed_messages
			WHERE status IN ($1, $2) AND updated_at < $3
			LIMIT $4
		)
	`, string(types.FailedStatusResolved), string(types.FailedStatusArchived), cutoff.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("deleting expired failed messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpiredEventLogItems deletes up to batchSize event log items raised
// before cutoff.
func (s *Store) DeleteExpiredEventLogItems(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM event_log_items
		WHERE id IN (
			SELECT id FROM event_log_items
			WHERE raised_at < $1
			LIMIT $2
		)
	`, cutoff.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("deleting expired event log items: %w", err)
	}
	return tag.RowsAffected(), nil
}
