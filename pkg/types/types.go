// Package types defines the core domain types shared between the agent and the control plane.
//
// # Design Principles
//
// 1. Simplicity: Types represent the domain model directly, no ORM abstractions
// 2. Serialization: All types are JSON-serializable for API transport
// 3. Identity: Endpoint instances are identified by a deterministic UniqueID
package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ENDPOINT IDENTITY
// =============================================================================

// endpointNamespace seeds deterministic endpoint instance ids.
var endpointNamespace = uuid.MustParse("8d3b9c1e-4f2a-5e7b-9c0d-1a2b3c4d5e6f")

// EndpointInstanceID identifies one running instance of a logical endpoint.
//
// Two identities are equal iff their UniqueID values are equal. UniqueID is
// derived from the logical name and host id, so the same endpoint restarting
// on the same host keeps its identity.
type EndpointInstanceID struct {
	UniqueID    string `json:"unique_id"`
	LogicalName string `json:"name"`
	HostName    string `json:"host"`
	HostID      string `json:"host_id"`
}

// NewEndpointInstanceID builds an identity with a deterministic UniqueID.
func NewEndpointInstanceID(logicalName, hostName, hostID string) EndpointInstanceID {
	return EndpointInstanceID{
		UniqueID:    DeterministicID(logicalName, hostID),
		LogicalName: logicalName,
		HostName:    hostName,
		HostID:      hostID,
	}
}

// DeterministicID returns a stable UUID for the given parts. Parts are
// compared case-insensitively.
func DeterministicID(parts ...string) string {
	key := strings.ToLower(strings.Join(parts, "@"))
	return uuid.NewSHA1(endpointNamespace, []byte(key)).String()
}

// Equal reports whether two identities name the same endpoint instance.
func (e EndpointInstanceID) Equal(other EndpointInstanceID) bool {
	return e.UniqueID == other.UniqueID
}

// EndpointDetails is the public projection of an identity.
type EndpointDetails struct {
	Name   string `json:"name"`
	HostID string `json:"host_id"`
	Host   string `json:"host"`
}

// Details returns the public projection of the identity.
func (e EndpointInstanceID) Details() EndpointDetails {
	return EndpointDetails{Name: e.LogicalName, HostID: e.HostID, Host: e.HostName}
}

// =============================================================================
// HEARTBEAT STATUS
// =============================================================================

// HeartbeatStatus is the liveness classification of an endpoint instance.
type HeartbeatStatus string

const (
	StatusUnknown HeartbeatStatus = "unknown"
	StatusAlive   HeartbeatStatus = "alive"
	StatusDead    HeartbeatStatus = "dead"
)

// ReportedStatus is the status shown in views.
type ReportedStatus string

const (
	ReportedBeating ReportedStatus = "beating"
	ReportedDead    ReportedStatus = "dead"
)

// Heartbeat is the persisted latest heartbeat of an endpoint instance.
// Only the most recent signal is kept; older signals are ignored on save.
type Heartbeat struct {
	ID           string             `json:"id"`
	Endpoint     EndpointInstanceID `json:"endpoint"`
	LastReportAt time.Time          `json:"last_report_at"`
}

// HeartbeatMessage is the body an endpoint sends on the heartbeat queue.
type HeartbeatMessage struct {
	ExecutedAt   time.Time `json:"executed_at"`
	EndpointName string    `json:"endpoint_name"`
	Host         string    `json:"host"`
	HostID       string    `json:"host_id"`
}

// =============================================================================
// VIEWS
// =============================================================================

// NeverSeen is the sentinel timestamp for an endpoint that has not reported.
var NeverSeen = time.Unix(0, 0).UTC()

// HeartbeatInformation describes the last known heartbeat of an endpoint.
type HeartbeatInformation struct {
	ReportedStatus ReportedStatus `json:"reported_status"`
	LastReportAt   time.Time      `json:"last_report_at"`
}

// EndpointsView is the read projection of an endpoint instance.
type EndpointsView struct {
	ID                   string               `json:"id"`
	Name                 string               `json:"name"`
	HostDisplayName      string               `json:"host_display_name"`
	Monitored            bool                 `json:"monitored"`
	HeartbeatInformation HeartbeatInformation `json:"heartbeat_information"`
}

// KnownEndpointsView lists an endpoint instance the backend has seen.
type KnownEndpointsView struct {
	ID               string          `json:"id"`
	EndpointDetails  EndpointDetails `json:"endpoint_details"`
	HostDisplayName  string          `json:"host_display_name"`
	MonitorHeartbeat bool            `json:"monitor_heartbeat"`
}

// EndpointMonitoringStats aggregates liveness over monitored endpoints.
type EndpointMonitoringStats struct {
	Active  int `json:"active"`
	Failing int `json:"failing"`
}

// Add merges other into s.
func (s *EndpointMonitoringStats) Add(other EndpointMonitoringStats) {
	s.Active += other.Active
	s.Failing += other.Failing
}
