package monitoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pilot-net/svcmon/control-plane/internal/events"
	"github.com/pilot-net/svcmon/pkg/types"
)

// ErrUnknownEndpoint is returned for operations on an endpoint instance the
// registry has never seen.
var ErrUnknownEndpoint = errors.New("unknown endpoint instance")

// EventRecorder durably records monitoring events.
type EventRecorder interface {
	AppendEndpointEvents(ctx context.Context, evs ...events.Event) error
}

// Registry owns the monitors of all known endpoint instances.
type Registry struct {
	publisher Publisher
	recorder  EventRecorder
	logger    *slog.Logger

	mu       sync.RWMutex
	monitors map[string]*Monitor
	// lastBeat is the newest raw heartbeat per endpoint, fed by the sweeper.
	lastBeat map[string]time.Time
}

// NewRegistry creates an empty registry. The recorder makes monitoring
// toggles durable before they take effect.
func NewRegistry(publisher Publisher, recorder EventRecorder, logger *slog.Logger) *Registry {
	return &Registry{
		publisher: publisher,
		recorder:  recorder,
		logger:    logger.With("component", "endpoint_registry"),
		monitors:  make(map[string]*Monitor),
		lastBeat:  make(map[string]time.Time),
	}
}

// Rehydrate replays persisted events in order. Nothing is published.
func (r *Registry) Rehydrate(evs []events.Event) {
	for _, e := range evs {
		if e == nil {
			continue
		}
		m, _ := r.getOrCreate(e.Endpoint())
		m.Apply(e)
	}
	r.logger.Info("endpoint state rehydrated", "events", len(evs), "endpoints", r.Len())
}

// Len returns the number of known endpoint instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.monitors)
}

// Get returns the monitor for a unique id.
func (r *Registry) Get(uniqueID string) (*Monitor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.monitors[uniqueID]
	return m, ok
}

func (r *Registry) getOrCreate(id types.EndpointInstanceID) (*Monitor, bool) {
	r.mu.RLock()
	m, ok := r.monitors[id.UniqueID]
	r.mu.RUnlock()
	if ok {
		return m, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.monitors[id.UniqueID]; ok {
		return m, false
	}
	m = NewMonitor(id, r.publisher)
	r.monitors[id.UniqueID] = m
	return m, true
}

// RecordHeartbeat notes a raw heartbeat signal. Signals older than the one
// already recorded are ignored. The first signal for an identity creates its
// monitor and publishes EndpointDetected.
func (r *Registry) RecordHeartbeat(ctx context.Context, id types.EndpointInstanceID, at time.Time) {
	m, created := r.getOrCreate(id)

	r.mu.Lock()
	if prev, ok := r.lastBeat[id.UniqueID]; !ok || at.After(prev) {
		r.lastBeat[id.UniqueID] = at
	}
	r.mu.Unlock()

	if created {
		r.logger.Info("endpoint detected", "endpoint", id.LogicalName, "host", id.HostName, "id", id.UniqueID)
		if r.publisher != nil {
			r.publisher.Publish(ctx, events.EndpointDetected{EndpointInstance: m.ID(), DetectedAt: at})
		}
	}
}

// CheckLiveness classifies every endpoint with a recorded heartbeat as Alive
// or Dead and feeds the result into its monitor. Endpoints never seen stay
// Unknown. It returns the raised events.
func (r *Registry) CheckLiveness(ctx context.Context, now time.Time, grace time.Duration) []events.Event {
	type pending struct {
		m    *Monitor
		beat time.Time
	}

	r.mu.RLock()
	work := make([]pending, 0, len(r.lastBeat))
	for id, beat := range r.lastBeat {
		if m, ok := r.monitors[id]; ok {
			work = append(work, pending{m: m, beat: beat})
		}
	}
	r.mu.RUnlock()

	var raised []events.Event
	for _, p := range work {
		status := types.StatusAlive
		if now.Sub(p.beat) > grace {
			status = types.StatusDead
		}
		beat := p.beat
		if e := p.m.UpdateStatus(ctx, status, &beat, now); e != nil {
			raised = append(raised, e)
		}
	}
	return raised
}

// EnableMonitoring durably records and applies MonitoringEnabled.
func (r *Registry) EnableMonitoring(ctx context.Context, uniqueID string) (events.Event, error) {
	m, ok := r.Get(uniqueID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, uniqueID)
	}
	e, err := m.EnableMonitoring(ctx, r.record)
	if err != nil {
		return nil, err
	}
	r.logger.Info("heartbeat monitoring enabled", "endpoint", m.ID().LogicalName, "id", uniqueID)
	return e, nil
}

// DisableMonitoring durably records and applies MonitoringDisabled.
func (r *Registry) DisableMonitoring(ctx context.Context, uniqueID string) (events.Event, error) {
	m, ok := r.Get(uniqueID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, uniqueID)
	}
	e, err := m.DisableMonitoring(ctx, r.record)
	if err != nil {
		return nil, err
	}
	r.logger.Info("heartbeat monitoring disabled", "endpoint", m.ID().LogicalName, "id", uniqueID)
	return e, nil
}

func (r *Registry) record(ctx context.Context, e events.Event) error {
	if r.recorder == nil {
		return nil
	}
	if err := r.recorder.AppendEndpointEvents(ctx, e); err != nil {
		return fmt.Errorf("recording %s: %w", e.Kind(), err)
	}
	return nil
}

// snapshot returns all monitors ordered by name, host and id.
func (r *Registry) snapshot() []*Monitor {
	r.mu.RLock()
	list := make([]*Monitor, 0, len(r.monitors))
	for _, m := range r.monitors {
		list = append(list, m)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		a, b := list[i].ID(), list[j].ID()
		if a.LogicalName != b.LogicalName {
			return a.LogicalName < b.LogicalName
		}
		if a.HostName != b.HostName {
			return a.HostName < b.HostName
		}
		return a.UniqueID < b.UniqueID
	})
	return list
}

// Endpoints returns the view of every known endpoint instance.
func (r *Registry) Endpoints() []types.EndpointsView {
	monitors := r.snapshot()
	views := make([]types.EndpointsView, 0, len(monitors))
	for _, m := range monitors {
		views = append(views, m.View())
	}
	return views
}

// KnownEndpoints returns the known endpoints listing.
func (r *Registry) KnownEndpoints() []types.KnownEndpointsView {
	monitors := r.snapshot()
	views := make([]types.KnownEndpointsView, 0, len(monitors))
	for _, m := range monitors {
		views = append(views, m.KnownView())
	}
	return views
}

// Stats folds all monitored endpoints into liveness counters.
func (r *Registry) Stats() types.EndpointMonitoringStats {
	var stats types.EndpointMonitoringStats
	for _, m := range r.snapshot() {
		m.AddTo(&stats)
	}
	return stats
}
