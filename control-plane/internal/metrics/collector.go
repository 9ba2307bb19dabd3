// Package metrics provides infrastructure metrics collection for the backend.
package metrics

import (
	"context"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/pilot-net/svcmon/control-plane/internal/config"
	"github.com/pilot-net/svcmon/pkg/types"
)

// Outcome classifies the result of handling one ingested message.
type Outcome string

const (
	OutcomeHandled  Outcome = "handled"
	OutcomeFailed   Outcome = "failed"
	OutcomePoisoned Outcome = "poisoned"
)

// DatabaseProbe reports database connectivity and pool usage.
type DatabaseProbe interface {
	Ping(ctx context.Context) error
	GetPoolStats() types.PoolStats
}

// QueueProbe reports the state of one ingestion queue.
type QueueProbe interface {
	Health(ctx context.Context) types.QueueHealth
}

// CollectorConfig describes static facts reported with every health snapshot.
type CollectorConfig struct {
	InstanceID    string
	Retention     types.RetentionPolicy
	Peers         []types.RemoteInstanceInfo
	CacheDuration time.Duration
}

type pipelineStats struct {
	handled  int64
	failed   int64
	poisoned int64
	total    time.Duration
	max      time.Duration
}

// Collector gathers infrastructure metrics with caching.
type Collector struct {
	db     DatabaseProbe
	queues []QueueProbe
	cfg    CollectorConfig

	startTime time.Time

	statsMu   sync.Mutex
	pipelines map[string]*pipelineStats

	// Cached values with TTL
	mu           sync.RWMutex
	cachedHealth *types.InfrastructureHealth
	cacheExpiry  time.Time
}

// NewCollector creates a new metrics collector. db may be nil.
func NewCollector(db DatabaseProbe, queues []QueueProbe, cfg CollectorConfig) *Collector {
	if cfg.CacheDuration <= 0 {
		cfg.CacheDuration = config.CacheTTLInfraHealth
	}
	return &Collector{
		db:        db,
		queues:    queues,
		cfg:       cfg,
		startTime: time.Now(),
		pipelines: make(map[string]*pipelineStats),
	}
}

// AddQueue registers a queue for health reporting.
func (c *Collector) AddQueue(q QueueProbe) {
	c.mu.Lock()
	c.queues = append(c.queues, q)
	c.mu.Unlock()
}

// ObserveHandle records one handled message of a pipeline.
func (c *Collector) ObserveHandle(pipeline string, d time.Duration, outcome Outcome) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	s, ok := c.pipelines[pipeline]
	if !ok {
		s = &pipelineStats{}
		c.pipelines[pipeline] = s
	}
	switch outcome {
	case OutcomeHandled:
		s.handled++
	case OutcomeFailed:
		s.failed++
	case OutcomePoisoned:
		s.poisoned++
	}
	s.total += d
	if d > s.max {
		s.max = d
	}
}

// IngestionStats returns per-pipeline counters sorted by pipeline name.
func (c *Collector) IngestionStats() []types.IngestionStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	out := make([]types.IngestionStats, 0, len(c.pipelines))
	for name, s := range c.pipelines {
		st := types.IngestionStats{
			Pipeline:      name,
			Handled:       s.handled,
			Failed:        s.failed,
			Poisoned:      s.poisoned,
			MaxDurationMS: float64(s.max) / float64(time.Millisecond),
		}
		if n := s.handled + s.failed + s.poisoned; n > 0 {
			st.AvgDurationMS = float64(s.total) / float64(n) / float64(time.Millisecond)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pipeline < out[j].Pipeline })
	return out
}

// GetInfrastructureHealth returns the current infrastructure health metrics.
// Results are cached to keep process and queue probes cheap.
func (c *Collector) GetInfrastructureHealth(ctx context.Context) *types.InfrastructureHealth {
	c.mu.RLock()
	if c.cachedHealth != nil && time.Now().Before(c.cacheExpiry) {
		health := *c.cachedHealth
		c.mu.RUnlock()
		return &health
	}
	queues := append([]QueueProbe(nil), c.queues...)
	c.mu.RUnlock()

	health := c.collectHealth(ctx, queues)

	c.mu.Lock()
	c.cachedHealth = health
	c.cacheExpiry = time.Now().Add(c.cfg.CacheDuration)
	c.mu.Unlock()

	copied := *health
	return &copied
}

func (c *Collector) collectHealth(ctx context.Context, queues []QueueProbe) *types.InfrastructureHealth {
	health := &types.InfrastructureHealth{
		Timestamp:  time.Now().UTC(),
		InstanceID: c.cfg.InstanceID,
		Process:    c.collectProcessHealth(),
		Database:   c.collectDatabaseHealth(ctx),
		Queues:     make([]types.QueueHealth, 0, len(queues)),
		Ingestion:  c.IngestionStats(),
		Retention:  c.cfg.Retention,
		Peers:      c.cfg.Peers,
	}
	for _, q := range queues {
		health.Queues = append(health.Queues, q.Health(ctx))
	}
	if health.Peers == nil {
		health.Peers = []types.RemoteInstanceInfo{}
	}
	return health
}

func (c *Collector) collectProcessHealth() types.ProcessHealth {
	health := types.ProcessHealth{
		Status:        "healthy",
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			health.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			health.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
		if memPct, err := proc.MemoryPercent(); err == nil {
			health.MemoryPercent = float64(memPct)
		}
	}

	if health.MemoryPercent > 90 || health.CPUPercent > 90 {
		health.Status = "degraded"
	}
	return health
}

func (c *Collector) collectDatabaseHealth(ctx context.Context) types.DatabaseHealth {
	if c.db == nil {
		return types.DatabaseHealth{Status: "unavailable"}
	}

	pingCtx, cancel := context.WithTimeout(ctx, config.DatabasePingTimeout)
	defer cancel()

	health := types.DatabaseHealth{Status: "healthy", Pool: c.db.GetPoolStats()}
	if err := c.db.Ping(pingCtx); err != nil {
		health.Status = "error"
		return health
	}
	if health.Pool.MaxConnections > 2 && health.Pool.AcquiredConnections >= health.Pool.MaxConnections-2 {
		health.Status = "degraded"
	}
	return health
}
