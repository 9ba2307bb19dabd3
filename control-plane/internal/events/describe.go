package events

import (
	"fmt"
	"time"

	"github.com/pilot-net/svcmon/pkg/types"
)

// Describe renders an event as an event log item. It returns false for
// events that are not shown in the event log.
func Describe(e Event, raisedAt time.Time) (types.EventLogItem, bool) {
	ep := e.Endpoint()
	item := types.EventLogItem{
		Severity:  types.SeverityInfo,
		Category:  "Endpoints",
		EventType: string(e.Kind()),
		RaisedAt:  raisedAt,
		RelatedTo: []string{"/endpoint/" + ep.UniqueID},
	}

	switch ev := e.(type) {
	case MonitoringEnabled:
		item.Category = "HeartbeatMonitoring"
		item.Description = fmt.Sprintf("Endpoint %s running on host %s heartbeat monitoring enabled", ep.LogicalName, ep.HostName)
	case MonitoringDisabled:
		item.Category = "HeartbeatMonitoring"
		item.Description = fmt.Sprintf("Endpoint %s running on host %s heartbeat monitoring disabled", ep.LogicalName, ep.HostName)
	case EndpointDetected:
		item.Description = fmt.Sprintf("New endpoint %s detected on host %s", ep.LogicalName, ep.HostName)
		item.RaisedAt = ev.DetectedAt
	case HeartbeatingEndpointDetected:
		item.Category = "Heartbeats"
		item.Description = fmt.Sprintf("Endpoint %s running on host %s is now sending heartbeats", ep.LogicalName, ep.HostName)
		item.RaisedAt = ev.DetectedAt
	case HeartbeatRestored:
		item.Category = "Heartbeats"
		item.Description = fmt.Sprintf("Endpoint %s running on host %s was restored", ep.LogicalName, ep.HostName)
		item.RaisedAt = ev.RestoredAt
	case HeartbeatFailed:
		item.Category = "Heartbeats"
		item.Severity = types.SeverityError
		if ev.LastReceivedAt.Equal(types.NeverSeen) {
			item.Description = fmt.Sprintf("Endpoint %s running on host %s has stopped sending heartbeats", ep.LogicalName, ep.HostName)
		} else {
			item.Description = fmt.Sprintf("Endpoint %s running on host %s has stopped sending heartbeats; last heartbeat at %s",
				ep.LogicalName, ep.HostName, ev.LastReceivedAt.UTC().Format(time.RFC3339))
		}
		item.RaisedAt = ev.DetectedAt
	default:
		return types.EventLogItem{}, false
	}

	if item.RaisedAt.IsZero() {
		item.RaisedAt = raisedAt
	}
	return item, true
}
