package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pilot-net/svcmon/control-plane/internal/events"
)

// AppendEndpointEvents durably appends events to the endpoint event log in
// one transaction. The log is replayed at startup to rebuild monitor state.
func (s *Store) AppendEndpointEvents(ctx context.Context, evs ...events.Event) error {
	if len(evs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for _, e := range evs {
		kind, payload, err := events.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO endpoint_events (unique_id, kind, payload, recorded_at)
			VALUES ($1, $2, $3, $4)
		`, e.Endpoint().UniqueID, string(kind), payload, now); err != nil {
			return fmt.Errorf("appending %s event: %w", kind, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing events: %w", err)
	}
	return nil
}

// LoadEndpointEvents returns the endpoint event log in append order. Events
// of unknown kinds are skipped and logged.
func (s *Store) LoadEndpointEvents(ctx context.Context, logger *slog.Logger) ([]events.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, kind, payload FROM endpoint_events ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("loading endpoint events: %w", err)
	}
	defer rows.Close()

	var evs []events.Event
	for rows.Next() {
		var (
			seq     int64
			kind    string
			payload []byte
		)
		if err := rows.Scan(&seq, &kind, &payload); err != nil {
			return nil, fmt.Errorf("scanning endpoint event: %w", err)
		}
		e, err := events.Unmarshal(events.Kind(kind), payload)
		if errors.Is(err, events.ErrUnknownKind) {
			logger.Warn("skipping endpoint event of unknown kind", "seq", seq, "kind", kind)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("endpoint event %d: %w", seq, err)
		}
		evs = append(evs, e)
	}
	return evs, rows.Err()
}
