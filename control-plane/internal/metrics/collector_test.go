package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pilot-net/svcmon/pkg/types"
)

type mockDB struct {
	pingErr error
	stats   types.PoolStats
}

func (m *mockDB) Ping(ctx context.Context) error { return m.pingErr }
func (m *mockDB) GetPoolStats() types.PoolStats  { return m.stats }

type mockQueue struct {
	mu    sync.Mutex
	calls int
	name  string
}

func (m *mockQueue) Health(ctx context.Context) types.QueueHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return types.QueueHealth{Name: m.name, Connected: true, Length: 3}
}

func TestObserveHandle(t *testing.T) {
	c := NewCollector(nil, nil, CollectorConfig{})

	c.ObserveHandle("audit", 10*time.Millisecond, OutcomeHandled)
	c.ObserveHandle("audit", 30*time.Millisecond, OutcomeFailed)
	c.ObserveHandle("audit", 20*time.Millisecond, OutcomePoisoned)
	c.ObserveHandle("error", 5*time.Millisecond, OutcomeHandled)

	stats := c.IngestionStats()
	if len(stats) != 2 {
		t.Fatalf("expected 2 pipelines, got %d", len(stats))
	}
	audit := stats[0]
	if audit.Pipeline != "audit" {
		t.Fatalf("expected sorted pipelines, got %s first", audit.Pipeline)
	}
	if audit.Handled != 1 || audit.Failed != 1 || audit.Poisoned != 1 {
		t.Errorf("counters = %+v", audit)
	}
	if audit.AvgDurationMS != 20 {
		t.Errorf("AvgDurationMS = %v, want 20", audit.AvgDurationMS)
	}
	if audit.MaxDurationMS != 30 {
		t.Errorf("MaxDurationMS = %v, want 30", audit.MaxDurationMS)
	}
}

func TestDatabaseHealth(t *testing.T) {
	tests := []struct {
		name string
		db   DatabaseProbe
		want string
	}{
		{"no database", nil, "unavailable"},
		{"ping fails", &mockDB{pingErr: errors.New("down")}, "error"},
		{"pool exhausted", &mockDB{stats: types.PoolStats{AcquiredConnections: 9, MaxConnections: 10}}, "degraded"},
		{"healthy", &mockDB{stats: types.PoolStats{AcquiredConnections: 1, MaxConnections: 10}}, "healthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCollector(tt.db, nil, CollectorConfig{})
			if got := c.collectDatabaseHealth(context.Background()).Status; got != tt.want {
				t.Errorf("status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestInfrastructureHealthIsCached(t *testing.T) {
	q := &mockQueue{name: "audit"}
	c := NewCollector(&mockDB{}, []QueueProbe{q}, CollectorConfig{
		InstanceID:    "inst-1",
		CacheDuration: time.Minute,
	})

	first := c.GetInfrastructureHealth(context.Background())
	second := c.GetInfrastructureHealth(context.Background())

	if first.InstanceID != "inst-1" {
		t.Errorf("InstanceID = %q", first.InstanceID)
	}
	if len(first.Queues) != 1 || first.Queues[0].Name != "audit" {
		t.Errorf("queues = %+v", first.Queues)
	}
	if !first.Timestamp.Equal(second.Timestamp) {
		t.Error("second call should be served from cache")
	}
	if q.calls != 1 {
		t.Errorf("queue probed %d times, want 1", q.calls)
	}
	if first.Peers == nil {
		t.Error("peers should be an empty list, not nil")
	}
}
