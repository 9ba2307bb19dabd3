// Package monitoring tracks heartbeat liveness of endpoint instances.
//
// # State Machine
//
// Each endpoint instance has a Monitor holding (status, monitored, lastSeen).
// State changes only by applying domain events, so replaying the event log
// rebuilds the same state the live process had:
//
//	Unknown --alive--> Alive                 HeartbeatingEndpointDetected (auto-monitors)
//	Alive   --dead---> Dead   (if monitored) HeartbeatFailed
//	Dead    --alive--> Alive  (if monitored) HeartbeatRestored
//
// Transitions that raise no event leave the state untouched.
package monitoring

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pilot-net/svcmon/control-plane/internal/events"
	"github.com/pilot-net/svcmon/pkg/types"
)

// Publisher delivers raised events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, e events.Event)
}

// state is an immutable snapshot of a monitor. A new snapshot is swapped in
// for every applied event.
type state struct {
	status    types.HeartbeatStatus
	monitored bool
	lastSeen  *time.Time
}

// Monitor is the heartbeat state machine of one endpoint instance.
//
// Writers are serialized per monitor; readers load the current snapshot
// without locking. Subscribers of the publisher must not call back into the
// monitor that raised the event.
type Monitor struct {
	id        types.EndpointInstanceID
	publisher Publisher

	mu    sync.Mutex
	state atomic.Pointer[state]
}

// NewMonitor creates a monitor in the initial (Unknown, unmonitored) state.
func NewMonitor(id types.EndpointInstanceID, publisher Publisher) *Monitor {
	m := &Monitor{id: id, publisher: publisher}
	m.state.Store(&state{status: types.StatusUnknown})
	return m
}

// ID returns the endpoint instance identity.
func (m *Monitor) ID() types.EndpointInstanceID {
	return m.id
}

// Status returns the current heartbeat status.
func (m *Monitor) Status() types.HeartbeatStatus {
	return m.state.Load().status
}

// Monitored reports whether heartbeat monitoring is enabled.
func (m *Monitor) Monitored() bool {
	return m.state.Load().monitored
}

// LastSeen returns the last heartbeat time recorded by events, if any.
func (m *Monitor) LastSeen() (time.Time, bool) {
	s := m.state.Load()
	if s.lastSeen == nil {
		return time.Time{}, false
	}
	return *s.lastSeen, true
}

// UpdateStatus feeds a raw liveness observation into the state machine and
// returns the raised event, or nil if the observation changes nothing.
// observedAt is the time of the last received heartbeat, nil if unknown.
func (m *Monitor) UpdateStatus(ctx context.Context, newStatus types.HeartbeatStatus, observedAt *time.Time, now time.Time) events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.state.Load()
	if newStatus == current.status {
		return nil
	}

	var e events.Event
	switch newStatus {
	case types.StatusAlive:
		at := now
		if observedAt != nil {
			at = *observedAt
		}
		if current.status == types.StatusUnknown {
			e = events.HeartbeatingEndpointDetected{EndpointInstance: m.id, DetectedAt: at}
		} else if current.monitored {
			e = events.HeartbeatRestored{EndpointInstance: m.id, RestoredAt: at}
		}
	case types.StatusDead:
		if current.monitored {
			last := types.NeverSeen
			if observedAt != nil {
				last = *observedAt
			}
			e = events.HeartbeatFailed{EndpointInstance: m.id, DetectedAt: now, LastReceivedAt: last}
		}
	}

	if e == nil {
		return nil
	}
	m.emitLocked(ctx, e)
	return e
}

// RecordFunc durably records an event before it is applied.
type RecordFunc func(ctx context.Context, e events.Event) error

// ErrNoRecorder is returned when a monitoring toggle is attempted without a
// way to record it.
var ErrNoRecorder = errors.New("monitoring toggle requires a recorder")

// EnableMonitoring records MonitoringEnabled through record, then applies and
// publishes it. It does not touch status. If record fails, nothing changes.
func (m *Monitor) EnableMonitoring(ctx context.Context, record RecordFunc) (events.Event, error) {
	return m.toggle(ctx, events.MonitoringEnabled{EndpointInstance: m.id}, record)
}

// DisableMonitoring records MonitoringDisabled through record, then applies
// and publishes it. It does not touch status.
func (m *Monitor) DisableMonitoring(ctx context.Context, record RecordFunc) (events.Event, error) {
	return m.toggle(ctx, events.MonitoringDisabled{EndpointInstance: m.id}, record)
}

func (m *Monitor) toggle(ctx context.Context, e events.Event, record RecordFunc) (events.Event, error) {
	if record == nil {
		return nil, ErrNoRecorder
	}
	if err := m.raise(ctx, e, record); err != nil {
		return nil, err
	}
	return e, nil
}

// raise emits e after before succeeds. If before fails, nothing is applied.
func (m *Monitor) raise(ctx context.Context, e events.Event, before RecordFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if before != nil {
		if err := before(ctx, e); err != nil {
			return err
		}
	}
	m.emitLocked(ctx, e)
	return nil
}

func (m *Monitor) emitLocked(ctx context.Context, e events.Event) {
	m.applyLocked(e)
	if m.publisher != nil {
		m.publisher.Publish(ctx, e)
	}
}

// Apply folds an event into the monitor state without publishing it.
// Events for other identities and unrecognized events are ignored.
func (m *Monitor) Apply(e events.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyLocked(e)
}

func (m *Monitor) applyLocked(e events.Event) {
	if e == nil || !e.Endpoint().Equal(m.id) {
		return
	}

	next := *m.state.Load()
	switch ev := e.(type) {
	case events.MonitoringEnabled:
		next.monitored = true
	case events.MonitoringDisabled:
		next.monitored = false
	case events.EndpointDetected:
		return
	case events.HeartbeatingEndpointDetected:
		next.status = types.StatusAlive
		next.monitored = true
		next.lastSeen = timePtr(ev.DetectedAt)
	case events.HeartbeatRestored:
		next.status = types.StatusAlive
		next.lastSeen = timePtr(ev.RestoredAt)
	case events.HeartbeatFailed:
		next.status = types.StatusDead
		if !ev.LastReceivedAt.Equal(types.NeverSeen) {
			next.lastSeen = timePtr(ev.LastReceivedAt)
		}
	default:
		return
	}
	m.state.Store(&next)
}

// View projects the monitor for the endpoints API.
func (m *Monitor) View() types.EndpointsView {
	s := m.state.Load()

	info := types.HeartbeatInformation{
		ReportedStatus: types.ReportedDead,
		LastReportAt:   types.NeverSeen,
	}
	if s.status == types.StatusAlive {
		info.ReportedStatus = types.ReportedBeating
	}
	if s.lastSeen != nil {
		info.LastReportAt = *s.lastSeen
	}

	return types.EndpointsView{
		ID:                   m.id.UniqueID,
		Name:                 m.id.LogicalName,
		HostDisplayName:      m.id.HostName,
		Monitored:            s.monitored,
		HeartbeatInformation: info,
	}
}

// KnownView projects the monitor for the known endpoints API.
func (m *Monitor) KnownView() types.KnownEndpointsView {
	return types.KnownEndpointsView{
		ID:               m.id.UniqueID,
		EndpointDetails:  m.id.Details(),
		HostDisplayName:  m.id.HostName,
		MonitorHeartbeat: m.state.Load().monitored,
	}
}

// AddTo counts the monitor into stats. Unmonitored endpoints are skipped.
func (m *Monitor) AddTo(stats *types.EndpointMonitoringStats) {
	s := m.state.Load()
	if !s.monitored {
		return
	}
	switch s.status {
	case types.StatusAlive:
		stats.Active++
	case types.StatusDead:
		stats.Failing++
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
