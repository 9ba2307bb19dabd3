// Package config provides settings loading and configuration constants for
// the backend.
//
// Constants here are not user-configurable; user settings live in Settings
// and default to the Default* values below.
package config

import "time"

// DefaultPort is the HTTP API port.
const DefaultPort = 33333

// Heartbeat liveness defaults.
const (
	// DefaultHeartbeatGracePeriod - an endpoint is dead if no heartbeat has
	// been received within this duration.
	DefaultHeartbeatGracePeriod = 40 * time.Second

	// DefaultHeartbeatSweepInterval is how often persisted heartbeats are checked.
	DefaultHeartbeatSweepInterval = 10 * time.Second
)

// Retention bounds. Audit and error retention are mandatory settings.
const (
	Day = 24 * time.Hour

	MinAuditRetention = time.Hour
	MaxAuditRetention = 365 * Day

	MinErrorRetention = 10 * Day
	MaxErrorRetention = 45 * Day

	MinEventRetention     = time.Hour
	MaxEventRetention     = 200 * Day
	DefaultEventRetention = 14 * Day
)

// Expiration process configuration.
const (
	// DefaultExpirationInterval is how often expired data is deleted.
	DefaultExpirationInterval = 600 * time.Second

	// MaxExpirationInterval is the longest allowed expiration interval.
	MaxExpirationInterval = 3 * time.Hour

	// DefaultExpirationBatchSize is the number of rows deleted per statement.
	DefaultExpirationBatchSize = 65512

	// MinExpirationBatchSize is the smallest allowed batch size.
	MinExpirationBatchSize = 10240
)

// Ingestion defaults.
const (
	// DefaultMaxBodySizeToStore - message bodies larger than this are not stored.
	DefaultMaxBodySizeToStore = 102400

	// DefaultConcurrencyLevel is the number of workers per ingestion queue.
	DefaultConcurrencyLevel = 10

	// DefaultMaxDeliveryAttempts is how often a message is attempted before
	// it is diverted to the failed imports store.
	DefaultMaxDeliveryAttempts = 5

	// DefaultVisibilityTimeout - a pending message idle this long is
	// redelivered to another worker.
	DefaultVisibilityTimeout = 30 * time.Second

	// SlowHandleThreshold - handling slower than this is logged.
	SlowHandleThreshold = 2 * time.Second
)

// Federation defaults.
const (
	// DefaultRemoteTimeout bounds each call to a peer instance.
	DefaultRemoteTimeout = 10 * time.Second

	// QueryScopeHeader marks a request that must be answered locally.
	QueryScopeHeader = "X-Query-Scope"

	// QueryScopeLocal is the QueryScopeHeader value for local-only queries.
	QueryScopeLocal = "local"
)

// Pagination defaults for API list endpoints.
const (
	// DefaultPageSize is the number of items returned when no per_page is given.
	DefaultPageSize = 50

	// MaxPageSize is the maximum number of items in a single page.
	MaxPageSize = 500
)

// HTTP server and client timeouts.
const (
	// DefaultHTTPTimeout is the default timeout for HTTP client requests.
	DefaultHTTPTimeout = 30 * time.Second

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout = 10 * time.Second
)

// Cache TTLs for API response caching.
const (
	// CacheTTLMessages is the TTL for local message query results.
	CacheTTLMessages = 5 * time.Second

	// CacheTTLInfraHealth is the TTL for infrastructure health data.
	CacheTTLInfraHealth = 30 * time.Second
)

// Database connection configuration.
const (
	// DatabasePingTimeout is the timeout for database connectivity checks.
	DatabasePingTimeout = 5 * time.Second

	// RedisConnectionTimeout is the timeout for Redis connectivity checks.
	RedisConnectionTimeout = 5 * time.Second

	// StoreWriteTimeout bounds a single write from an event subscriber.
	StoreWriteTimeout = 5 * time.Second
)
