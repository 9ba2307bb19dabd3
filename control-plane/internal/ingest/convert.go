package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pilot-net/svcmon/pkg/types"
)

var (
	// ErrMissingHeader is returned when a required header is absent.
	ErrMissingHeader = errors.New("missing required header")

	// ErrInvalidBody is returned when a message body cannot be decoded.
	ErrInvalidBody = errors.New("invalid message body")
)

// messageID returns the logical message id of a transport message.
func messageID(msg types.TransportMessage) string {
	if id := msg.Headers[types.HeaderMessageID]; id != "" {
		return id
	}
	return msg.ID
}

// extractMetadata builds the searchable metadata of a message. Bodies larger
// than maxBodySize are flagged as not stored.
func extractMetadata(msg types.TransportMessage, maxBodySize int) types.MessageMetadata {
	h := msg.Headers
	meta := types.MessageMetadata{
		MessageID:       messageID(msg),
		MessageType:     types.MessageType(h),
		ConversationID:  h[types.HeaderConversationID],
		MessageIntent:   h[types.HeaderMessageIntent],
		IsSystemMessage: types.IsSystemMessage(h),
		BodySize:        len(msg.Body),
	}
	if maxBodySize > 0 && len(msg.Body) > maxBodySize {
		meta.BodyNotStored = true
	}
	if ep, ok := types.SendingEndpoint(h); ok {
		meta.SendingEndpoint = &ep
	}
	if ep, ok := types.ReceivingEndpoint(h); ok {
		meta.ReceivingEndpoint = &ep
	}

	timeSent, hasSent := types.ParseWireTime(h[types.HeaderTimeSent])
	if hasSent {
		meta.TimeSent = &timeSent
	}
	started, hasStarted := types.ParseWireTime(h[types.HeaderProcessingStarted])
	ended, hasEnded := types.ParseWireTime(h[types.HeaderProcessingEnded])
	if hasStarted && hasEnded && !ended.Before(started) {
		meta.ProcessingTime = ended.Sub(started)
	}
	if hasSent && hasEnded && !ended.Before(timeSent) {
		meta.CriticalTime = ended.Sub(timeSent)
	}
	return meta
}

func storedBody(msg types.TransportMessage, meta types.MessageMetadata) []byte {
	if meta.BodyNotStored {
		return nil
	}
	return msg.Body
}

// uniqueMessageID identifies a message per receiving endpoint, so the same
// message audited by two endpoints is stored twice.
func uniqueMessageID(meta types.MessageMetadata) string {
	endpoint := ""
	if meta.ReceivingEndpoint != nil {
		endpoint = meta.ReceivingEndpoint.Name
	}
	return types.DeterministicID(meta.MessageID, endpoint)
}

// ConvertAudit turns an audited transport message into a processed message.
func ConvertAudit(msg types.TransportMessage, maxBodySize int, now time.Time) (types.ProcessedMessage, error) {
	if messageID(msg) == "" {
		return types.ProcessedMessage{}, fmt.Errorf("%w: %s", ErrMissingHeader, types.HeaderMessageID)
	}
	meta := extractMetadata(msg, maxBodySize)

	processedAt, ok := types.ParseWireTime(msg.Headers[types.HeaderProcessingEnded])
	if !ok {
		processedAt = now.UTC()
	}

	return types.ProcessedMessage{
		ID:          uniqueMessageID(meta),
		ProcessedAt: processedAt,
		Metadata:    meta,
		Headers:     msg.Headers,
		Body:        storedBody(msg, meta),
	}, nil
}

// ConvertError turns a failed transport message into one processing attempt
// and returns the id of the failed message it belongs to.
func ConvertError(msg types.TransportMessage, maxBodySize int, now time.Time) (string, types.ProcessingAttempt, error) {
	h := msg.Headers
	if messageID(msg) == "" {
		return "", types.ProcessingAttempt{}, fmt.Errorf("%w: %s", ErrMissingHeader, types.HeaderMessageID)
	}
	failedQ := h[types.HeaderFailedQueue]
	if failedQ == "" {
		return "", types.ProcessingAttempt{}, fmt.Errorf("%w: %s", ErrMissingHeader, types.HeaderFailedQueue)
	}
	meta := extractMetadata(msg, maxBodySize)

	failedAt, ok := types.ParseWireTime(h[types.HeaderTimeOfFailure])
	if !ok {
		failedAt = now.UTC()
	}

	attempt := types.ProcessingAttempt{
		AttemptedAt: failedAt,
		FailureDetails: types.FailureDetails{
			ExceptionType:    h[types.HeaderExceptionType],
			Message:          h[types.HeaderExceptionMessage],
			Source:           h[types.HeaderExceptionSource],
			StackTrace:       h[types.HeaderStackTrace],
			TimeOfFailure:    failedAt,
			AddressOfFailing: failedQ,
		},
		Metadata: meta,
		Headers:  h,
		Body:     storedBody(msg, meta),
	}
	return uniqueMessageID(meta), attempt, nil
}

// ConvertHeartbeat decodes a heartbeat message.
func ConvertHeartbeat(msg types.TransportMessage) (types.Heartbeat, error) {
	var body types.HeartbeatMessage
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return types.Heartbeat{}, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	if strings.TrimSpace(body.EndpointName) == "" {
		return types.Heartbeat{}, fmt.Errorf("%w: endpoint_name is empty", ErrInvalidBody)
	}
	if body.ExecutedAt.IsZero() {
		return types.Heartbeat{}, fmt.Errorf("%w: executed_at is missing", ErrInvalidBody)
	}

	id := types.NewEndpointInstanceID(body.EndpointName, body.Host, body.HostID)
	return types.Heartbeat{
		ID:           id.UniqueID,
		Endpoint:     id,
		LastReportAt: body.ExecutedAt.UTC(),
	}, nil
}
