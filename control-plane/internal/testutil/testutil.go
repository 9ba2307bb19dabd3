// Package testutil provides testing utilities and fixtures for the control plane.
//
// This package contains:
//   - Test helper functions (loggers)
//   - Fixture factories for domain types (endpoints, heartbeats, transport messages)
//   - Common test patterns and utilities
//
// # Usage
//
// Fixtures use functional options for customization:
//
//	endpoint := testutil.FixtureEndpoint()
//	endpoint := testutil.FixtureEndpoint(func(e *types.EndpointInstanceID) {
//		e.LogicalName = "Billing"
//		e.HostName = "app-2"
//	})
package testutil

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/svcmon/pkg/types"
)

// NewTestLogger returns a logger that discards all output.
// Use for tests where logging output is not needed.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewVerboseTestLogger returns a logger that writes to stderr.
// Use for debugging test failures.
func NewVerboseTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// =============================================================================
// ENDPOINT FIXTURES
// =============================================================================

// FixtureEndpoint creates an endpoint identity with sensible defaults. The
// UniqueID is derived after overrides are applied unless an override sets it.
func FixtureEndpoint(overrides ...func(*types.EndpointInstanceID)) types.EndpointInstanceID {
	id := types.EndpointInstanceID{
		LogicalName: "Sales",
		HostName:    "web-1",
		HostID:      uuid.New().String(),
	}

	for _, override := range overrides {
		override(&id)
	}

	if id.UniqueID == "" {
		id = types.NewEndpointInstanceID(id.LogicalName, id.HostName, id.HostID)
	}
	return id
}

// FixtureHeartbeat creates the persisted heartbeat record of an endpoint.
func FixtureHeartbeat(endpoint types.EndpointInstanceID, at time.Time) types.Heartbeat {
	return types.Heartbeat{
		ID:           endpoint.UniqueID,
		Endpoint:     endpoint,
		LastReportAt: at,
	}
}

// =============================================================================
// TRANSPORT MESSAGE FIXTURES
// =============================================================================

// FixtureAuditMessage creates a successfully processed message as it
// arrives on the audit queue.
func FixtureAuditMessage(overrides ...func(*types.TransportMessage)) types.TransportMessage {
	sent := time.Now().Add(-2 * time.Second).UTC()
	msg := types.TransportMessage{
		ID: uuid.New().String(),
		Headers: map[string]string{
			types.HeaderMessageID:            uuid.New().String(),
			types.HeaderConversationID:       uuid.New().String(),
			types.HeaderEnclosedMessageTypes: "Sales.Messages.OrderPlaced, Sales.Messages",
			types.HeaderMessageIntent:        "Publish",
			types.HeaderTimeSent:             types.FormatWireTime(sent),
			types.HeaderOriginatingEndpoint:  "Sales",
			types.HeaderOriginatingHost:      "web-1",
			types.HeaderOriginatingHostID:    "h1",
			types.HeaderProcessingEndpoint:   "Billing",
			types.HeaderProcessingHost:       "app-1",
			types.HeaderProcessingHostID:     "h2",
			types.HeaderProcessingStarted:    types.FormatWireTime(sent.Add(time.Second)),
			types.HeaderProcessingEnded:      types.FormatWireTime(sent.Add(1500 * time.Millisecond)),
		},
		Body: []byte(`{"order_id":"1234"}`),
	}

	for _, override := range overrides {
		override(&msg)
	}

	return msg
}

// FixtureFailedMessage creates a message as it arrives on the error queue.
func FixtureFailedMessage(overrides ...func(*types.TransportMessage)) types.TransportMessage {
	return FixtureAuditMessage(append([]func(*types.TransportMessage){
		func(m *types.TransportMessage) {
			delete(m.Headers, types.HeaderProcessingEnded)
			m.Headers[types.HeaderFailedQueue] = "Billing@app-1"
			m.Headers[types.HeaderExceptionType] = "System.InvalidOperationException"
			m.Headers[types.HeaderExceptionMessage] = "order not found"
			m.Headers[types.HeaderStackTrace] = "at Billing.Handlers.OrderPlacedHandler.Handle()"
			m.Headers[types.HeaderTimeOfFailure] = types.FormatWireTime(time.Now().UTC())
		},
	}, overrides...)...)
}

// FixtureHeartbeatMessage creates a heartbeat message from endpoint.
func FixtureHeartbeatMessage(endpoint types.EndpointInstanceID, at time.Time) types.TransportMessage {
	body, _ := json.Marshal(types.HeartbeatMessage{
		ExecutedAt:   at,
		EndpointName: endpoint.LogicalName,
		Host:         endpoint.HostName,
		HostID:       endpoint.HostID,
	})
	return types.TransportMessage{
		ID: uuid.New().String(),
		Headers: map[string]string{
			types.HeaderOriginatingEndpoint: endpoint.LogicalName,
			types.HeaderOriginatingHost:     endpoint.HostName,
			types.HeaderOriginatingHostID:   endpoint.HostID,
		},
		Body: body,
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Ptr returns a pointer to the given value.
// Useful for setting optional fields in fixtures.
func Ptr[T any](v T) *T {
	return &v
}

// TimeAgo returns a time in the past by the given duration.
func TimeAgo(d time.Duration) time.Time {
	return time.Now().Add(-d)
}
