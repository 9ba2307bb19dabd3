package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pilot-net/svcmon/pkg/types"
)

// SaveHeartbeat stores the latest heartbeat of an endpoint instance. A
// heartbeat older than the stored one is ignored. Reports whether the row
// changed.
func (s *Store) SaveHeartbeat(ctx context.Context, hb types.Heartbeat) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO heartbeats (id, endpoint_name, host, host_id, last_report_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			endpoint_name = EXCLUDED.endpoint_name,
			host = EXCLUDED.host,
			host_id = EXCLUDED.host_id,
			last_report_at = EXCLUDED.last_report_at
		WHERE heartbeats.last_report_at < EXCLUDED.last_report_at
	`,
		hb.ID, hb.Endpoint.LogicalName, hb.Endpoint.HostName, hb.Endpoint.HostID, hb.LastReportAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("saving heartbeat: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListHeartbeats returns the latest heartbeat of every endpoint instance.
func (s *Store) ListHeartbeats(ctx context.Context) ([]types.Heartbeat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, endpoint_name, host, host_id, last_report_at
		FROM heartbeats
		ORDER BY endpoint_name, host
	`)
	if err != nil {
		return nil, fmt.Errorf("listing heartbeats: %w", err)
	}
	defer rows.Close()

	var heartbeats []types.Heartbeat
	for rows.Next() {
		var (
			hb                 types.Heartbeat
			name, host, hostID string
			lastReportAt       time.Time
		)
		if err := rows.Scan(&hb.ID, &name, &host, &hostID, &lastReportAt); err != nil {
			return nil, fmt.Errorf("scanning heartbeat: %w", err)
		}
		hb.Endpoint = types.EndpointInstanceID{
			UniqueID:    hb.ID,
			LogicalName: name,
			HostName:    host,
			HostID:      hostID,
		}
		hb.LastReportAt = lastReportAt.UTC()
		heartbeats = append(heartbeats, hb)
	}
	return heartbeats, rows.Err()
}
