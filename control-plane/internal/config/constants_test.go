package config

import (
	"testing"
	"time"
)

func TestHeartbeatDefaults(t *testing.T) {
	// Grace period must leave room for at least two sweeps.
	if DefaultHeartbeatGracePeriod < 2*DefaultHeartbeatSweepInterval {
		t.Errorf("DefaultHeartbeatGracePeriod (%v) should be at least twice DefaultHeartbeatSweepInterval (%v)",
			DefaultHeartbeatGracePeriod, DefaultHeartbeatSweepInterval)
	}
}

func TestRetentionBounds(t *testing.T) {
	tests := []struct {
		name     string
		min, max time.Duration
	}{
		{"audit", MinAuditRetention, MaxAuditRetention},
		{"error", MinErrorRetention, MaxErrorRetention},
		{"events", MinEventRetention, MaxEventRetention},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.min <= 0 || tt.min >= tt.max {
				t.Errorf("invalid bounds [%v, %v]", tt.min, tt.max)
			}
		})
	}

	if DefaultEventRetention < MinEventRetention || DefaultEventRetention > MaxEventRetention {
		t.Errorf("DefaultEventRetention %v outside bounds", DefaultEventRetention)
	}
}

func TestExpirationDefaults(t *testing.T) {
	if DefaultExpirationBatchSize < MinExpirationBatchSize {
		t.Errorf("DefaultExpirationBatchSize (%d) below minimum (%d)", DefaultExpirationBatchSize, MinExpirationBatchSize)
	}
	if DefaultExpirationInterval > MaxExpirationInterval {
		t.Errorf("DefaultExpirationInterval (%v) above maximum (%v)", DefaultExpirationInterval, MaxExpirationInterval)
	}
}

func TestPaginationLimits(t *testing.T) {
	if DefaultPageSize > MaxPageSize {
		t.Errorf("DefaultPageSize (%d) should not exceed MaxPageSize (%d)", DefaultPageSize, MaxPageSize)
	}
}
