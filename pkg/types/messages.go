package types

import (
	"strings"
	"time"
)

// =============================================================================
// TRANSPORT
// =============================================================================

// TransportMessage is a raw message as received from a queue. It lives only
// for one ingestion attempt before becoming a domain record or a failed import.
type TransportMessage struct {
	ID      string            `json:"id"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
}

// Header returns the value of a header and whether it was present.
func (m TransportMessage) Header(name string) (string, bool) {
	v, ok := m.Headers[name]
	return v, ok
}

// Message header names set by sending and processing endpoints.
const (
	HeaderMessageID            = "MessageId"
	HeaderConversationID       = "ConversationId"
	HeaderMessageIntent        = "MessageIntent"
	HeaderEnclosedMessageTypes = "EnclosedMessageTypes"
	HeaderTimeSent             = "TimeSent"
	HeaderOriginatingEndpoint  = "OriginatingEndpoint"
	HeaderOriginatingHost      = "OriginatingMachine"
	HeaderOriginatingHostID    = "OriginatingHostId"
	HeaderProcessingEndpoint   = "ProcessingEndpoint"
	HeaderProcessingHost       = "ProcessingMachine"
	HeaderProcessingHostID     = "HostId"
	HeaderProcessingStarted    = "ProcessingStarted"
	HeaderProcessingEnded      = "ProcessingEnded"
	HeaderReplyToAddress       = "ReplyToAddress"
	HeaderControlMessage       = "ControlMessage"

	HeaderExceptionType    = "ExceptionInfo.ExceptionType"
	HeaderExceptionMessage = "ExceptionInfo.Message"
	HeaderExceptionSource  = "ExceptionInfo.Source"
	HeaderStackTrace       = "ExceptionInfo.StackTrace"
	HeaderTimeOfFailure    = "TimeOfFailure"
	HeaderFailedQueue      = "FailedQ"

	// Transport bookkeeping, stripped before forwarding.
	HeaderRetries         = "Retries"
	HeaderFLRetries       = "FLRetries"
	HeaderDeliveryAttempt = "DeliveryAttempt"
)

// WireTimeFormat is the timestamp format used in message headers. The
// fractional seconds follow a colon, which time layouts cannot express, so
// parsing and formatting go through wireLayout.
const WireTimeFormat = "2006-01-02 15:04:05:000000 Z"

const wireLayout = "2006-01-02 15:04:05.000000 Z"

// ParseWireTime parses a header timestamp. RFC3339 is accepted as well.
func ParseWireTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if len(s) == len(wireLayout) && s[19] == ':' {
		if t, err := time.Parse(wireLayout, s[:19]+"."+s[20:]); err == nil {
			return t.UTC(), true
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

// FormatWireTime renders a timestamp for a message header.
func FormatWireTime(t time.Time) string {
	s := t.UTC().Format(wireLayout)
	return s[:19] + ":" + s[20:]
}

// EndpointRef names an endpoint as seen in message headers.
type EndpointRef struct {
	Name   string `json:"name"`
	HostID string `json:"host_id,omitempty"`
	Host   string `json:"host,omitempty"`
}

// SendingEndpoint extracts the originating endpoint from headers.
func SendingEndpoint(headers map[string]string) (EndpointRef, bool) {
	name, ok := headers[HeaderOriginatingEndpoint]
	if !ok || name == "" {
		return EndpointRef{}, false
	}
	return EndpointRef{
		Name:   name,
		HostID: headers[HeaderOriginatingHostID],
		Host:   headers[HeaderOriginatingHost],
	}, true
}

// ReceivingEndpoint extracts the processing endpoint from headers. When the
// processing endpoint is missing, the queue name of the failed queue is used.
func ReceivingEndpoint(headers map[string]string) (EndpointRef, bool) {
	name := headers[HeaderProcessingEndpoint]
	if name == "" {
		if failedQ := headers[HeaderFailedQueue]; failedQ != "" {
			name = queueName(failedQ)
		}
	}
	if name == "" {
		return EndpointRef{}, false
	}
	return EndpointRef{
		Name:   name,
		HostID: headers[HeaderProcessingHostID],
		Host:   headers[HeaderProcessingHost],
	}, true
}

// queueName strips the machine part from an address like "queue@machine".
func queueName(address string) string {
	if i := strings.Index(address, "@"); i >= 0 {
		return address[:i]
	}
	return address
}

// MessageType returns the first enclosed message type, without assembly details.
func MessageType(headers map[string]string) string {
	types := headers[HeaderEnclosedMessageTypes]
	if types == "" {
		return ""
	}
	first := strings.Split(types, ";")[0]
	return strings.TrimSpace(strings.Split(first, ",")[0])
}

// IsSystemMessage reports whether the message is transport control traffic.
func IsSystemMessage(headers map[string]string) bool {
	if strings.EqualFold(headers[HeaderControlMessage], "true") {
		return true
	}
	return headers[HeaderEnclosedMessageTypes] == ""
}

// =============================================================================
// AUDIT
// =============================================================================

// MessageMetadata is the searchable metadata extracted from a message.
type MessageMetadata struct {
	MessageID         string        `json:"message_id"`
	MessageType       string        `json:"message_type"`
	ConversationID    string        `json:"conversation_id,omitempty"`
	MessageIntent     string        `json:"message_intent,omitempty"`
	IsSystemMessage   bool          `json:"is_system_message"`
	SendingEndpoint   *EndpointRef  `json:"sending_endpoint,omitempty"`
	ReceivingEndpoint *EndpointRef  `json:"receiving_endpoint,omitempty"`
	TimeSent          *time.Time    `json:"time_sent,omitempty"`
	ProcessingTime    time.Duration `json:"processing_time"`
	CriticalTime      time.Duration `json:"critical_time"`
	BodySize          int           `json:"body_size"`
	BodyNotStored     bool          `json:"body_not_stored,omitempty"`
}

// ProcessedMessage is an audited, successfully handled message.
type ProcessedMessage struct {
	ID          string            `json:"id"`
	ProcessedAt time.Time         `json:"processed_at"`
	Metadata    MessageMetadata   `json:"metadata"`
	Headers     map[string]string `json:"headers"`
	Body        []byte            `json:"body,omitempty"`
}

// =============================================================================
// ERRORS
// =============================================================================

// FailedMessageStatus is the lifecycle state of a failed message.
type FailedMessageStatus string

const (
	FailedStatusUnresolved  FailedMessageStatus = "unresolved"
	FailedStatusResolved    FailedMessageStatus = "resolved"
	FailedStatusArchived    FailedMessageStatus = "archived"
	FailedStatusRetryIssued FailedMessageStatus = "retryissued"
)

// Valid reports whether s is a known status.
func (s FailedMessageStatus) Valid() bool {
	switch s {
	case FailedStatusUnresolved, FailedStatusResolved, FailedStatusArchived, FailedStatusRetryIssued:
		return true
	}
	return false
}

// FailureDetails describes one processing failure.
type FailureDetails struct {
	ExceptionType    string    `json:"exception_type"`
	Message          string    `json:"message"`
	Source           string    `json:"source,omitempty"`
	StackTrace       string    `json:"stack_trace,omitempty"`
	TimeOfFailure    time.Time `json:"time_of_failure"`
	AddressOfFailing string    `json:"address_of_failing_endpoint"`
}

// ProcessingAttempt is one failed attempt of a message.
type ProcessingAttempt struct {
	AttemptedAt    time.Time         `json:"attempted_at"`
	FailureDetails FailureDetails    `json:"failure_details"`
	Metadata       MessageMetadata   `json:"metadata"`
	Headers        map[string]string `json:"headers"`
	Body           []byte            `json:"body,omitempty"`
}

// FailedMessage groups all failed attempts of one logical message.
type FailedMessage struct {
	ID                 string              `json:"id"`
	Status             FailedMessageStatus `json:"status"`
	ProcessingAttempts []ProcessingAttempt `json:"processing_attempts"`
	LastModified       time.Time           `json:"last_modified"`
}

// LastAttempt returns the most recent attempt, if any.
func (f FailedMessage) LastAttempt() (ProcessingAttempt, bool) {
	if len(f.ProcessingAttempts) == 0 {
		return ProcessingAttempt{}, false
	}
	return f.ProcessingAttempts[len(f.ProcessingAttempts)-1], true
}

// =============================================================================
// QUERY VIEWS
// =============================================================================

// MessagesView is the list projection of audited and failed messages.
type MessagesView struct {
	ID                string            `json:"id"`
	MessageID         string            `json:"message_id"`
	MessageType       string            `json:"message_type"`
	SendingEndpoint   *EndpointRef      `json:"sending_endpoint,omitempty"`
	ReceivingEndpoint *EndpointRef      `json:"receiving_endpoint,omitempty"`
	TimeSent          *time.Time        `json:"time_sent,omitempty"`
	ProcessedAt       time.Time         `json:"processed_at"`
	CriticalTime      time.Duration     `json:"critical_time"`
	ProcessingTime    time.Duration     `json:"processing_time"`
	Status            string            `json:"status"`
	ConversationID    string            `json:"conversation_id,omitempty"`
	IsSystemMessage   bool              `json:"is_system_message"`
	BodySize          int               `json:"body_size"`
	Headers           map[string]string `json:"headers,omitempty"`
	InstanceID        string            `json:"instance_id"`
}

// FailedMessageView is the list projection of a failed message.
type FailedMessageView struct {
	ID                string       `json:"id"`
	MessageID         string       `json:"message_id"`
	MessageType       string       `json:"message_type"`
	Status            string       `json:"status"`
	NumberOfAttempts  int          `json:"number_of_processing_attempts"`
	TimeOfFailure     time.Time    `json:"time_of_failure"`
	ExceptionType     string       `json:"exception_type"`
	ExceptionMessage  string       `json:"exception_message"`
	ReceivingEndpoint *EndpointRef `json:"receiving_endpoint,omitempty"`
	LastModified      time.Time    `json:"last_modified"`
	InstanceID        string       `json:"instance_id"`
}

// =============================================================================
// FAILED IMPORTS
// =============================================================================

// ImportCategory names the side store a poison message is diverted to.
type ImportCategory string

const (
	CategoryAudit     ImportCategory = "audit"
	CategoryError     ImportCategory = "error"
	CategoryHeartbeat ImportCategory = "heartbeat"
)

// FailedImport captures a message that could not be imported.
type FailedImport struct {
	ID            string           `json:"id"`
	Category      ImportCategory   `json:"category"`
	Message       TransportMessage `json:"message"`
	FailureReason string           `json:"failure_reason"`
	Attempts      int64            `json:"attempts"`
	FailedAt      time.Time        `json:"failed_at"`
}

// =============================================================================
// EVENT LOG
// =============================================================================

// Severity of an event log item.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityError Severity = "error"
)

// EventLogItem is a human-readable record of a domain event.
type EventLogItem struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity"`
	Category    string    `json:"category"`
	EventType   string    `json:"event_type"`
	RaisedAt    time.Time `json:"raised_at"`
	RelatedTo   []string  `json:"related_to"`
	InstanceID  string    `json:"instance_id,omitempty"`
}
