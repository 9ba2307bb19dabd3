package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pilot-net/svcmon/pkg/types"
)

// =============================================================================
// AUDIT
// =============================================================================

// MessageQuery filters and pages audited messages.
type MessageQuery struct {
	Paging

	// EndpointName restricts results to messages received by one endpoint.
	EndpointName string

	IncludeSystemMessages bool
}

var messageSortColumns = map[string]string{
	"id":              "id",
	"message_id":      "message_id",
	"message_type":    "message_type",
	"time_sent":       "time_sent",
	"processed_at":    "processed_at",
	"critical_time":   "critical_time_ms",
	"processing_time": "processing_time_ms",
}

const defaultMessageSort = "time_sent"

// SaveProcessedMessage stores an audited message. Re-importing the same
// message is a no-op.
func (s *Store) SaveProcessedMessage(ctx context.Context, m types.ProcessedMessage) error {
	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	headers, err := json.Marshal(m.Headers)
	if err != nil {
		return fmt.Errorf("encoding headers: %w", err)
	}

	var receiving string
	if m.Metadata.ReceivingEndpoint != nil {
		receiving = m.Metadata.ReceivingEndpoint.Name
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO processed_messages (
			id, message_id, message_type, conversation_id, is_system_message, receiving_endpoint,
			time_sent, processed_at, critical_time_ms, processing_time_ms, body_size,
			metadata, headers, body, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
		ON CONFLICT (id) DO NOTHING
	`,
		m.ID, m.Metadata.MessageID, m.Metadata.MessageType, nullIfEmpty(m.Metadata.ConversationID),
		m.Metadata.IsSystemMessage, nullIfEmpty(receiving),
		m.Metadata.TimeSent, m.ProcessedAt.UTC(),
		m.Metadata.CriticalTime.Milliseconds(), m.Metadata.ProcessingTime.Milliseconds(), m.Metadata.BodySize,
		metadata, headers, m.Body,
	)
	if err != nil {
		return fmt.Errorf("saving processed message: %w", err)
	}
	return nil
}

// QueryMessages returns a page of audited messages.
func (s *Store) QueryMessages(ctx context.Context, q MessageQuery) (Page[types.MessagesView], error) {
	q.Paging = q.Paging.normalize(defaultMessageSort)

	conditions := []string{}
	args := []any{}
	argNum := 1

	if !q.IncludeSystemMessages {
		conditions = append(conditions, "is_system_message = FALSE")
	}
	if q.EndpointName != "" {
		conditions = append(conditions, fmt.Sprintf("LOWER(receiving_endpoint) = LOWER($%d)", argNum))
		args = append(args, q.EndpointName)
		argNum++
	}
	where := whereClause(conditions)

	var page Page[types.MessagesView]
	var lastModified *time.Time
	if err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT COUNT(*), MAX(updated_at) FROM processed_messages WHERE %s", where),
		args...,
	).Scan(&page.TotalCount, &lastModified); err != nil {
		return page, fmt.Errorf("counting messages: %w", err)
	}
	if lastModified != nil {
		page.LastModified = lastModified.UTC()
	}

	query := fmt.Sprintf(`
		SELECT id, processed_at, metadata, headers
		FROM processed_messages
		WHERE %s
		%s
		LIMIT $%d OFFSET $%d
	`, where, orderBy(q.Paging, messageSortColumns, defaultMessageSort), argNum, argNum+1)
	args = append(args, q.PerPage, q.offset())

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return page, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	page.Items, err = scanMessageViews(rows)
	return page, err
}

func scanMessageViews(rows pgx.Rows) ([]types.MessagesView, error) {
	views := []types.MessagesView{}
	for rows.Next() {
		var (
			id          string
			processedAt time.Time
			metaJSON    []byte
			headersJSON []byte
		)
		if err := rows.Scan(&id, &processedAt, &metaJSON, &headersJSON); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}

		var meta types.MessageMetadata
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			return nil, fmt.Errorf("decoding metadata of %s: %w", id, err)
		}
		var headers map[string]string
		json.Unmarshal(headersJSON, &headers)

		views = append(views, types.MessagesView{
			ID:                id,
			MessageID:         meta.MessageID,
			MessageType:       meta.MessageType,
			SendingEndpoint:   meta.SendingEndpoint,
			ReceivingEndpoint: meta.ReceivingEndpoint,
			TimeSent:          meta.TimeSent,
			ProcessedAt:       processedAt.UTC(),
			CriticalTime:      meta.CriticalTime,
			ProcessingTime:    meta.ProcessingTime,
			Status:            "successful",
			ConversationID:    meta.ConversationID,
			IsSystemMessage:   meta.IsSystemMessage,
			BodySize:          meta.BodySize,
			Headers:           headers,
		})
	}
	return views, rows.Err()
}

// =============================================================================
// ERRORS
// =============================================================================

// FailedMessageQuery filters and pages failed messages.
type FailedMessageQuery struct {
	Paging

	// Status restricts results to one status. Empty means all.
	Status types.FailedMessageStatus
}

var failedSortColumns = map[string]string{
	"id":              "id",
	"message_id":      "message_id",
	"message_type":    "message_type",
	"time_of_failure": "time_of_failure",
	"modified":        "updated_at",
	"status":          "status",
}

const defaultFailedSort = "time_of_failure"

// UpsertFailedMessage appends a processing attempt to the failed message
// with the given id, creating it if needed. The status goes back to
// unresolved. Appending an attempt that is already recorded is a no-op.
func (s *Store) UpsertFailedMessage(ctx context.Context, id string, attempt types.ProcessingAttempt) error {
	attempts, err := json.Marshal([]types.ProcessingAttempt{attempt})
	if err != nil {
		return fmt.Errorf("encoding attempt: %w", err)
	}

	var receiving string
	if attempt.Metadata.ReceivingEndpoint != nil {
		receiving = attempt.Metadata.ReceivingEndpoint.Name
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO failed_messages (
			id, message_id, message_type, receiving_endpoint, status, attempts,
			time_of_failure, exception_type, exception_message, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (id) DO UPDATE SET
			message_type = EXCLUDED.message_type,
			receiving_endpoint = EXCLUDED.receiving_endpoint,
			status = EXCLUDED.status,
			attempts = failed_messages.attempts || EXCLUDED.attempts,
			time_of_failure = GREATEST(failed_messages.time_of_failure, EXCLUDED.time_of_failure),
			exception_type = EXCLUDED.exception_type,
			exception_message = EXCLUDED.exception_message,
			updated_at = NOW()
		WHERE NOT failed_messages.attempts @> EXCLUDED.attempts
	`,
		id, attempt.Metadata.MessageID, attempt.Metadata.MessageType, nullIfEmpty(receiving),
		string(types.FailedStatusUnresolved), attempts,
		attempt.FailureDetails.TimeOfFailure.UTC(),
		attempt.FailureDetails.ExceptionType, attempt.FailureDetails.Message,
	)
	if err != nil {
		return fmt.Errorf("upserting failed message: %w", err)
	}
	return nil
}

// QueryFailedMessages returns a page of failed messages.
func (s *Store) QueryFailedMessages(ctx context.Context, q FailedMessageQuery) (Page[types.FailedMessageView], error) {
	q.Paging = q.Paging.normalize(defaultFailedSort)

	conditions := []string{}
	args := []any{}
	argNum := 1

	if q.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argNum))
		args = append(args, string(q.Status))
		argNum++
	}
	where := whereClause(conditions)

	var page Page[types.FailedMessageView]
	var lastModified *time.Time
	if err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT COUNT(*), MAX(updated_at) FROM failed_messages WHERE %s", where),
		args...,
	).Scan(&page.TotalCount, &lastModified); err != nil {
		return page, fmt.Errorf("counting failed messages: %w", err)
	}
	if lastModified != nil {
		page.LastModified = lastModified.UTC()
	}

	query := fmt.Sprintf(`
		SELECT id, message_id, message_type, status, jsonb_array_length(attempts),
			time_of_failure, exception_type, exception_message, attempts -> -1, updated_at
		FROM failed_messages
		WHERE %s
		%s
		LIMIT $%d OFFSET $%d
	`, where, orderBy(q.Paging, failedSortColumns, defaultFailedSort), argNum, argNum+1)
	args = append(args, q.PerPage, q.offset())

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return page, fmt.Errorf("querying failed messages: %w", err)
	}
	defer rows.Close()

	page.Items = []types.FailedMessageView{}
	for rows.Next() {
		var (
			v           types.FailedMessageView
			messageType *string
			lastJSON    []byte
		)
		if err := rows.Scan(
			&v.ID, &v.MessageID, &messageType, &v.Status, &v.NumberOfAttempts,
			&v.TimeOfFailure, &v.ExceptionType, &v.ExceptionMessage, &lastJSON, &v.LastModified,
		); err != nil {
			return page, fmt.Errorf("scanning failed message: %w", err)
		}
		if messageType != nil {
			v.MessageType = *messageType
		}
		var last types.ProcessingAttempt
		if json.Unmarshal(lastJSON, &last) == nil {
			v.ReceivingEndpoint = last.Metadata.ReceivingEndpoint
		}
		v.TimeOfFailure = v.TimeOfFailure.UTC()
		v.LastModified = v.LastModified.UTC()
		page.Items = append(page.Items, v)
	}
	return page, rows.Err()
}
