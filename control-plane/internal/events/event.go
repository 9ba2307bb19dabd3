// Package events defines the domain events raised by endpoint monitoring and
// the bus that dispatches them to subscribers.
//
// # Events
//
// Each event is an immutable fact about one endpoint instance. Events are
// replayed to rebuild monitor state at startup and published to drive side
// effects (persistence, the event log). The Event interface is sealed: only
// the variants declared here satisfy it, so a type switch over them is
// exhaustive.
package events

import (
	"time"

	"github.com/pilot-net/svcmon/pkg/types"
)

// Kind identifies an event variant on the bus and in the event log.
type Kind string

const (
	KindMonitoringEnabled            Kind = "monitoring_enabled"
	KindMonitoringDisabled           Kind = "monitoring_disabled"
	KindEndpointDetected             Kind = "endpoint_detected"
	KindHeartbeatingEndpointDetected Kind = "heartbeating_endpoint_detected"
	KindHeartbeatRestored            Kind = "heartbeat_restored"
	KindHeartbeatFailed              Kind = "heartbeat_failed"
)

// Kinds lists every known event kind.
var Kinds = []Kind{
	KindMonitoringEnabled,
	KindMonitoringDisabled,
	KindEndpointDetected,
	KindHeartbeatingEndpointDetected,
	KindHeartbeatRestored,
	KindHeartbeatFailed,
}

// Event is a domain event about one endpoint instance.
type Event interface {
	Kind() Kind
	Endpoint() types.EndpointInstanceID
	sealed()
}

// MonitoringEnabled is raised when heartbeat monitoring is switched on.
type MonitoringEnabled struct {
	EndpointInstance types.EndpointInstanceID `json:"endpoint_instance"`
}

// MonitoringDisabled is raised when heartbeat monitoring is switched off.
type MonitoringDisabled struct {
	EndpointInstance types.EndpointInstanceID `json:"endpoint_instance"`
}

// EndpointDetected is raised the first time an endpoint instance is referenced.
type EndpointDetected struct {
	EndpointInstance types.EndpointInstanceID `json:"endpoint_instance"`
	DetectedAt       time.Time                `json:"detected_at"`
}

// HeartbeatingEndpointDetected is raised when an unknown endpoint starts heartbeating.
type HeartbeatingEndpointDetected struct {
	EndpointInstance types.EndpointInstanceID `json:"endpoint_instance"`
	DetectedAt       time.Time                `json:"detected_at"`
}

// HeartbeatRestored is raised when a dead, monitored endpoint heartbeats again.
type HeartbeatRestored struct {
	EndpointInstance types.EndpointInstanceID `json:"endpoint_instance"`
	RestoredAt       time.Time                `json:"restored_at"`
}

// HeartbeatFailed is raised when a monitored endpoint stops heartbeating.
// LastReceivedAt is types.NeverSeen if no heartbeat was ever received.
type HeartbeatFailed struct {
	EndpointInstance types.EndpointInstanceID `json:"endpoint_instance"`
	DetectedAt       time.Time                `json:"detected_at"`
	LastReceivedAt   time.Time                `json:"last_received_at"`
}

func (MonitoringEnabled) Kind() Kind            { return KindMonitoringEnabled }
func (MonitoringDisabled) Kind() Kind           { return KindMonitoringDisabled }
func (EndpointDetected) Kind() Kind             { return KindEndpointDetected }
func (HeartbeatingEndpointDetected) Kind() Kind { return KindHeartbeatingEndpointDetected }
func (HeartbeatRestored) Kind() Kind            { return KindHeartbeatRestored }
func (HeartbeatFailed) Kind() Kind              { return KindHeartbeatFailed }

func (e MonitoringEnabled) Endpoint() types.EndpointInstanceID            { return e.EndpointInstance }
func (e MonitoringDisabled) Endpoint() types.EndpointInstanceID           { return e.EndpointInstance }
func (e EndpointDetected) Endpoint() types.EndpointInstanceID             { return e.EndpointInstance }
func (e HeartbeatingEndpointDetected) Endpoint() types.EndpointInstanceID { return e.EndpointInstance }
func (e HeartbeatRestored) Endpoint() types.EndpointInstanceID            { return e.EndpointInstance }
func (e HeartbeatFailed) Endpoint() types.EndpointInstanceID              { return e.EndpointInstance }

func (MonitoringEnabled) sealed()            {}
func (MonitoringDisabled) sealed()           {}
func (EndpointDetected) sealed()             {}
func (HeartbeatingEndpointDetected) sealed() {}
func (HeartbeatRestored) sealed()            {}
func (HeartbeatFailed) sealed()              {}
