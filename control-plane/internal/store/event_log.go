package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pilot-net/svcmon/pkg/types"
)

// SaveFailedImport stores a message that could not be imported.
func (s *Store) SaveFailedImport(ctx context.Context, fi types.FailedImport) error {
	message, err := json.Marshal(fi.Message)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO failed_imports (id, category, message, failure_reason, attempts, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, fi.ID, string(fi.Category), message, fi.FailureReason, fi.Attempts, fi.FailedAt.UTC())
	if err != nil {
		return fmt.Errorf("saving failed import: %w", err)
	}
	return nil
}

// CountFailedImports returns the number of failed imports per category.
func (s *Store) CountFailedImports(ctx context.Context) (map[types.ImportCategory]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT category, COUNT(*) FROM failed_imports GROUP BY category
	`)
	if err != nil {
		return nil, fmt.Errorf("counting failed imports: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.ImportCategory]int)
	for rows.Next() {
		var (
			category string
			n        int
		)
		if err := rows.Scan(&category, &n); err != nil {
			return nil, err
		}
		counts[types.ImportCategory(category)] = n
	}
	return counts, rows.Err()
}

// SaveEventLogItem stores an event log item. Saving the same id twice is a no-op.
func (s *Store) SaveEventLogItem(ctx context.Context, item types.EventLogItem) error {
	relatedTo := item.RelatedTo
	if relatedTo == nil {
		relatedTo = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO event_log_items (id, description, severity, category, event_type, raised_at, related_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.Description, string(item.Severity), item.Category, item.EventType, item.RaisedAt.UTC(), relatedTo)
	if err != nil {
		return fmt.Errorf("saving event log item: %w", err)
	}
	return nil
}

// ListEventLogItems returns a page of event log items, newest first.
func (s *Store) ListEventLogItems(ctx context.Context, p Paging) (Page[types.EventLogItem], error) {
	p = p.normalize("raised_at")

	var page Page[types.EventLogItem]
	var lastModified *time.Time
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), MAX(raised_at) FROM event_log_items
	`).Scan(&page.TotalCount, &lastModified); err != nil {
		return page, fmt.Errorf("counting event log items: %w", err)
	}
	if lastModified != nil {
		page.LastModified = lastModified.UTC()
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, description, severity, category, event_type, raised_at, related_to
		FROM event_log_items
		ORDER BY raised_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`, p.PerPage, p.offset())
	if err != nil {
		return page, fmt.Errorf("listing event log items: %w", err)
	}
	defer rows.Close()

	page.Items = []types.EventLogItem{}
	for rows.Next() {
		var (
			item     types.EventLogItem
			severity string
		)
		if err := rows.Scan(
			&item.ID, &item.Description, &severity, &item.Category, &item.EventType, &item.RaisedAt, &item.RelatedTo,
		); err != nil {
			return page, fmt.Errorf("scanning event log item: %w", err)
		}
		item.Severity = types.Severity(severity)
		item.RaisedAt = item.RaisedAt.UTC()
		page.Items = append(page.Items, item)
	}
	return page, rows.Err()
}
