package monitoring

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/svcmon/control-plane/internal/events"
	"github.com/pilot-net/svcmon/pkg/types"
)

// EventLogStore persists event log items.
type EventLogStore interface {
	SaveEventLogItem(ctx context.Context, item types.EventLogItem) error
}

// heartbeatKinds are the events raised by the state machine itself.
// Monitoring toggles are recorded by the registry before they apply.
var heartbeatKinds = []events.Kind{
	events.KindEndpointDetected,
	events.KindHeartbeatingEndpointDetected,
	events.KindHeartbeatRestored,
	events.KindHeartbeatFailed,
}

// Subscribe wires the monitoring subscribers onto the bus:
//   - heartbeat events are appended to the endpoint event log for replay
//   - every event is written to the UI event log
//   - every event is logged
func Subscribe(bus *events.Bus, recorder EventRecorder, eventLog EventLogStore, logger *slog.Logger) {
	logger = logger.With("component", "monitoring_subscribers")

	if recorder != nil {
		bus.Subscribe(func(ctx context.Context, e events.Event) error {
			return recorder.AppendEndpointEvents(ctx, e)
		}, heartbeatKinds...)
	}

	if eventLog != nil {
		bus.SubscribeAll(func(ctx context.Context, e events.Event) error {
			item, ok := events.Describe(e, time.Now().UTC())
			if !ok {
				return nil
			}
			item.ID = uuid.New().String()
			return eventLog.SaveEventLogItem(ctx, item)
		})
	}

	bus.SubscribeAll(func(ctx context.Context, e events.Event) error {
		ep := e.Endpoint()
		logger.Info("domain event",
			"kind", e.Kind(),
			"endpoint", ep.LogicalName,
			"host", ep.HostName,
			"id", ep.UniqueID,
		)
		return nil
	})
}
