package monitoring

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pilot-net/svcmon/control-plane/internal/events"
	"github.com/pilot-net/svcmon/pkg/types"
)

// testLogger returns a logger that discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) Events() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

var (
	orders = types.NewEndpointInstanceID("Orders", "app-1", "host-1")
	t0     = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	grace  = 40 * time.Second
)

func ptr(t time.Time) *time.Time { return &t }

func recordNothing(context.Context, events.Event) error { return nil }

func TestInitialState(t *testing.T) {
	m := NewMonitor(orders, nil)
	if m.Status() != types.StatusUnknown || m.Monitored() {
		t.Errorf("initial state = (%s, %v), want (unknown, false)", m.Status(), m.Monitored())
	}
	if _, ok := m.LastSeen(); ok {
		t.Error("expected no last seen time")
	}

	view := m.View()
	if view.HeartbeatInformation.ReportedStatus != types.ReportedDead {
		t.Errorf("reported status = %s, want dead", view.HeartbeatInformation.ReportedStatus)
	}
	if !view.HeartbeatInformation.LastReportAt.Equal(types.NeverSeen) {
		t.Errorf("last report = %v, want never sentinel", view.HeartbeatInformation.LastReportAt)
	}
}

func TestAutoMonitorOnFirstHeartbeat(t *testing.T) {
	pub := &recordingPublisher{}
	m := NewMonitor(orders, pub)

	e := m.UpdateStatus(context.Background(), types.StatusAlive, ptr(t0), t0)

	detected, ok := e.(events.HeartbeatingEndpointDetected)
	if !ok {
		t.Fatalf("raised %T, want HeartbeatingEndpointDetected", e)
	}
	if !detected.DetectedAt.Equal(t0) {
		t.Errorf("detected at %v, want %v", detected.DetectedAt, t0)
	}
	if m.Status() != types.StatusAlive || !m.Monitored() {
		t.Errorf("state = (%s, %v), want (alive, true)", m.Status(), m.Monitored())
	}
	if len(pub.Events()) != 1 {
		t.Errorf("published %d events, want 1", len(pub.Events()))
	}
}

func TestUpdateStatusIdempotent(t *testing.T) {
	pub := &recordingPublisher{}
	m := NewMonitor(orders, pub)
	ctx := context.Background()

	m.UpdateStatus(ctx, types.StatusAlive, ptr(t0), t0)
	if e := m.UpdateStatus(ctx, types.StatusAlive, ptr(t0.Add(time.Second)), t0.Add(time.Second)); e != nil {
		t.Errorf("second identical update raised %s", e.Kind())
	}
	if len(pub.Events()) != 1 {
		t.Errorf("published %d events, want exactly 1", len(pub.Events()))
	}
}

func TestOrdersScenario(t *testing.T) {
	pub := &recordingPublisher{}
	m := NewMonitor(orders, pub)
	ctx := context.Background()

	m.UpdateStatus(ctx, types.StatusAlive, ptr(t0), t0)

	now := t0.Add(grace + time.Second)
	e := m.UpdateStatus(ctx, types.StatusDead, ptr(t0), now)
	failed, ok := e.(events.HeartbeatFailed)
	if !ok {
		t.Fatalf("raised %T, want HeartbeatFailed", e)
	}
	if !failed.DetectedAt.Equal(now) || !failed.LastReceivedAt.Equal(t0) {
		t.Errorf("HeartbeatFailed = %+v, want detectedAt=%v lastReceivedAt=%v", failed, now, t0)
	}
	if m.Status() != types.StatusDead || !m.Monitored() {
		t.Errorf("state = (%s, %v), want (dead, true)", m.Status(), m.Monitored())
	}

	t1 := now.Add(5 * time.Second)
	e = m.UpdateStatus(ctx, types.StatusAlive, ptr(t1), t1.Add(time.Second))
	restored, ok := e.(events.HeartbeatRestored)
	if !ok {
		t.Fatalf("raised %T, want HeartbeatRestored", e)
	}
	if !restored.RestoredAt.Equal(t1) {
		t.Errorf("restored at %v, want %v", restored.RestoredAt, t1)
	}
	if m.Status() != types.StatusAlive || !m.Monitored() {
		t.Errorf("state = (%s, %v), want (alive, true)", m.Status(), m.Monitored())
	}
}

func TestDeadWhileUnmonitored(t *testing.T) {
	pub := &recordingPublisher{}
	m := NewMonitor(orders, pub)
	ctx := context.Background()

	m.UpdateStatus(ctx, types.StatusAlive, ptr(t0), t0)
	m.DisableMonitoring(ctx, recordNothing)
	before := len(pub.Events())

	if e := m.UpdateStatus(ctx, types.StatusDead, ptr(t0), t0.Add(time.Minute)); e != nil {
		t.Errorf("unmonitored endpoint raised %s", e.Kind())
	}
	if len(pub.Events()) != before {
		t.Error("expected no events while unmonitored")
	}
	// No event was raised, so status is unchanged.
	if m.Status() != types.StatusAlive {
		t.Errorf("status = %s, want alive", m.Status())
	}
	if last, _ := m.LastSeen(); !last.Equal(t0) {
		t.Errorf("last seen = %v, want %v", last, t0)
	}
}

func TestDisableOnDeadEndpointStopsFailures(t *testing.T) {
	pub := &recordingPublisher{}
	m := NewMonitor(orders, pub)
	ctx := context.Background()

	m.UpdateStatus(ctx, types.StatusAlive, ptr(t0), t0)
	m.UpdateStatus(ctx, types.StatusDead, ptr(t0), t0.Add(time.Minute))
	m.DisableMonitoring(ctx, recordNothing)

	for i := 2; i < 6; i++ {
		if e := m.UpdateStatus(ctx, types.StatusDead, ptr(t0), t0.Add(time.Duration(i)*time.Minute)); e != nil {
			t.Errorf("sweep %d raised %s", i, e.Kind())
		}
	}
	if m.Status() != types.StatusDead || m.Monitored() {
		t.Errorf("state = (%s, %v), want (dead, false)", m.Status(), m.Monitored())
	}
	for _, e := range pub.Events()[3:] {
		if e.Kind() == events.KindHeartbeatFailed {
			t.Error("unexpected HeartbeatFailed after disabling monitoring")
		}
	}
}

func TestDeadToAliveUnmonitoredRaisesNothing(t *testing.T) {
	m := NewMonitor(orders, nil)
	ctx := context.Background()

	m.UpdateStatus(ctx, types.StatusAlive, ptr(t0), t0)
	m.UpdateStatus(ctx, types.StatusDead, ptr(t0), t0.Add(time.Minute))
	m.DisableMonitoring(ctx, recordNothing)

	if e := m.UpdateStatus(ctx, types.StatusAlive, ptr(t0.Add(2*time.Minute)), t0.Add(2*time.Minute)); e != nil {
		t.Errorf("raised %s, want nothing", e.Kind())
	}
	if m.Status() != types.StatusDead {
		t.Errorf("status = %s, want dead", m.Status())
	}
}

func TestDeadWithoutObservedHeartbeat(t *testing.T) {
	m := NewMonitor(orders, nil)
	ctx := context.Background()
	m.EnableMonitoring(ctx, recordNothing)

	e := m.UpdateStatus(ctx, types.StatusDead, nil, t0)
	failed, ok := e.(events.HeartbeatFailed)
	if !ok {
		t.Fatalf("raised %T, want HeartbeatFailed", e)
	}
	if !failed.LastReceivedAt.Equal(types.NeverSeen) {
		t.Errorf("last received = %v, want never sentinel", failed.LastReceivedAt)
	}
	if _, ok := m.LastSeen(); ok {
		t.Error("never sentinel must not become last seen")
	}
}

func TestToggleDoesNotTouchStatus(t *testing.T) {
	m := NewMonitor(orders, nil)
	ctx := context.Background()
	m.UpdateStatus(ctx, types.StatusAlive, ptr(t0), t0)

	m.DisableMonitoring(ctx, recordNothing)
	if m.Status() != types.StatusAlive || m.Monitored() {
		t.Errorf("after disable: (%s, %v)", m.Status(), m.Monitored())
	}
	m.EnableMonitoring(ctx, recordNothing)
	if m.Status() != types.StatusAlive || !m.Monitored() {
		t.Errorf("after enable: (%s, %v)", m.Status(), m.Monitored())
	}
}

func TestToggleRecordFailureLeavesStateUnchanged(t *testing.T) {
	pub := &recordingPublisher{}
	m := NewMonitor(orders, pub)
	ctx := context.Background()
	m.UpdateStatus(ctx, types.StatusAlive, ptr(t0), t0)
	before := len(pub.Events())

	want := errors.New("store unavailable")
	failing := func(context.Context, events.Event) error { return want }

	e, err := m.DisableMonitoring(ctx, failing)
	if !errors.Is(err, want) {
		t.Fatalf("DisableMonitoring error = %v, want %v", err, want)
	}
	if e != nil {
		t.Errorf("expected no event on failure, got %#v", e)
	}
	if !m.Monitored() {
		t.Error("monitoring was disabled even though recording failed")
	}
	if got := len(pub.Events()); got != before {
		t.Errorf("published %d events after failed toggle", got-before)
	}
}

func TestToggleRequiresRecorder(t *testing.T) {
	m := NewMonitor(orders, nil)
	ctx := context.Background()

	if _, err := m.DisableMonitoring(ctx, nil); !errors.Is(err, ErrNoRecorder) {
		t.Errorf("DisableMonitoring(nil) error = %v, want ErrNoRecorder", err)
	}
	if _, err := m.EnableMonitoring(ctx, nil); !errors.Is(err, ErrNoRecorder) {
		t.Errorf("EnableMonitoring(nil) error = %v, want ErrNoRecorder", err)
	}
	if m.Monitored() {
		t.Error("state changed without a recorder")
	}
}

func TestReplayMatchesLiveState(t *testing.T) {
	sequences := []struct {
		name  string
		steps []types.HeartbeatStatus
		off   int // index after which monitoring is disabled, -1 for never
	}{
		{"alive only", []types.HeartbeatStatus{types.StatusAlive, types.StatusAlive}, -1},
		{"flapping", []types.HeartbeatStatus{types.StatusAlive, types.StatusDead, types.StatusAlive, types.StatusDead}, -1},
		{"disabled mid-way", []types.HeartbeatStatus{types.StatusAlive, types.StatusDead, types.StatusAlive, types.StatusDead, types.StatusAlive}, 1},
		{"dead first", []types.HeartbeatStatus{types.StatusDead, types.StatusAlive, types.StatusDead}, -1},
	}

	for _, tt := range sequences {
		t.Run(tt.name, func(t *testing.T) {
			pub := &recordingPublisher{}
			live := NewMonitor(orders, pub)
			ctx := context.Background()

			for i, status := range tt.steps {
				at := t0.Add(time.Duration(i) * time.Minute)
				live.UpdateStatus(ctx, status, ptr(at), at.Add(time.Second))
				if i == tt.off {
					live.DisableMonitoring(ctx, recordNothing)
				}
			}

			replayed := NewMonitor(orders, nil)
			for _, e := range pub.Events() {
				replayed.Apply(e)
			}

			if live.Status() != replayed.Status() || live.Monitored() != replayed.Monitored() {
				t.Errorf("replayed (%s, %v), live (%s, %v)",
					replayed.Status(), replayed.Monitored(), live.Status(), live.Monitored())
			}
			liveSeen, liveOK := live.LastSeen()
			replaySeen, replayOK := replayed.LastSeen()
			if liveOK != replayOK || !liveSeen.Equal(replaySeen) {
				t.Errorf("replayed last seen %v (%v), live %v (%v)", replaySeen, replayOK, liveSeen, liveOK)
			}
		})
	}
}

func TestApplyIgnoresForeignEvents(t *testing.T) {
	m := NewMonitor(orders, nil)
	other := types.NewEndpointInstanceID("Billing", "app-2", "host-2")

	m.Apply(events.HeartbeatingEndpointDetected{EndpointInstance: other, DetectedAt: t0})
	m.Apply(nil)

	if m.Status() != types.StatusUnknown || m.Monitored() {
		t.Errorf("state changed by foreign event: (%s, %v)", m.Status(), m.Monitored())
	}
}

func TestAddTo(t *testing.T) {
	ctx := context.Background()
	alive := NewMonitor(orders, nil)
	alive.UpdateStatus(ctx, types.StatusAlive, ptr(t0), t0)

	dead := NewMonitor(types.NewEndpointInstanceID("Billing", "b", "hb"), nil)
	dead.EnableMonitoring(ctx, recordNothing)
	dead.UpdateStatus(ctx, types.StatusDead, nil, t0)

	unmonitored := NewMonitor(types.NewEndpointInstanceID("Shipping", "s", "hs"), nil)
	unmonitored.UpdateStatus(ctx, types.StatusAlive, ptr(t0), t0)
	unmonitored.DisableMonitoring(ctx, recordNothing)

	var stats types.EndpointMonitoringStats
	for _, m := range []*Monitor{alive, dead, unmonitored} {
		m.AddTo(&stats)
	}
	if stats.Active != 1 || stats.Failing != 1 {
		t.Errorf("stats = %+v, want {1 1}", stats)
	}
}

func TestConcurrentReadsSeeConsistentSnapshots(t *testing.T) {
	m := NewMonitor(orders, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			at := t0.Add(time.Duration(i) * time.Second)
			status := types.StatusAlive
			if i%2 == 1 {
				status = types.StatusDead
			}
			m.UpdateStatus(ctx, status, ptr(at), at)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			v := m.View()
			if v.HeartbeatInformation.ReportedStatus == types.ReportedBeating && !v.Monitored {
				t.Error("observed alive endpoint that is not monitored")
				return
			}
		}
	}()
	wg.Wait()
}
