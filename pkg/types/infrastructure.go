package types

import "time"

// InfrastructureHealth contains all infrastructure health metrics.
type InfrastructureHealth struct {
	Timestamp  time.Time            `json:"timestamp"`
	InstanceID string               `json:"instance_id"`
	Process    ProcessHealth        `json:"process"`
	Database   DatabaseHealth       `json:"database"`
	Queues     []QueueHealth        `json:"queues"`
	Ingestion  []IngestionStats     `json:"ingestion"`
	Retention  RetentionPolicy      `json:"retention_policy"`
	Peers      []RemoteInstanceInfo `json:"peers"`
}

// ProcessHealth contains backend runtime metrics.
type ProcessHealth struct {
	Status        string  `json:"status"` // healthy, degraded
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// DatabaseHealth contains database connection metrics.
type DatabaseHealth struct {
	Status string    `json:"status"`
	Pool   PoolStats `json:"pool"`
}

// PoolStats contains pgxpool connection pool statistics.
type PoolStats struct {
	TotalConnections    int32 `json:"total_connections"`
	IdleConnections     int32 `json:"idle_connections"`
	AcquiredConnections int32 `json:"acquired_connections"`
	MaxConnections      int32 `json:"max_connections"`
}

// QueueHealth describes one ingestion queue.
type QueueHealth struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	Length    int64  `json:"length"`
	Pending   int64  `json:"pending"`
}

// IngestionStats aggregates handling outcomes of one pipeline.
type IngestionStats struct {
	Pipeline      string  `json:"pipeline"`
	Handled       int64   `json:"handled"`
	Failed        int64   `json:"failed"`
	Poisoned      int64   `json:"poisoned"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
	MaxDurationMS float64 `json:"max_duration_ms"`
}

// RetentionPolicy describes data retention settings.
type RetentionPolicy struct {
	AuditRetention  time.Duration `json:"audit_retention"`
	ErrorRetention  time.Duration `json:"error_retention"`
	EventsRetention time.Duration `json:"events_retention"`
}

// RemoteInstanceInfo describes a configured peer.
type RemoteInstanceInfo struct {
	InstanceID string `json:"instance_id"`
	APIURL     string `json:"api_url"`
}
