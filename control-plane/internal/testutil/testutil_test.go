package testutil

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pilot-net/svcmon/pkg/types"
)

func TestFixtureEndpoint(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		e := FixtureEndpoint()
		if e.UniqueID == "" {
			t.Error("expected endpoint to have UniqueID")
		}
		if e.LogicalName != "Sales" {
			t.Errorf("expected name Sales, got %s", e.LogicalName)
		}
	})

	t.Run("with overrides", func(t *testing.T) {
		e := FixtureEndpoint(func(e *types.EndpointInstanceID) {
			e.LogicalName = "Billing"
			e.HostID = "fixed"
		})
		want := types.NewEndpointInstanceID("Billing", "web-1", "fixed")
		if !e.Equal(want) {
			t.Errorf("expected UniqueID derived from overrides, got %s want %s", e.UniqueID, want.UniqueID)
		}
	})

	t.Run("explicit unique id", func(t *testing.T) {
		e := FixtureEndpoint(func(e *types.EndpointInstanceID) { e.UniqueID = "custom" })
		if e.UniqueID != "custom" {
			t.Errorf("expected UniqueID to be kept, got %s", e.UniqueID)
		}
	})

	t.Run("distinct hosts", func(t *testing.T) {
		if FixtureEndpoint().Equal(FixtureEndpoint()) {
			t.Error("expected fixtures on different hosts to differ")
		}
	})
}

func TestFixtureMessages(t *testing.T) {
	t.Run("audit", func(t *testing.T) {
		m := FixtureAuditMessage()
		if _, ok := types.SendingEndpoint(m.Headers); !ok {
			t.Error("expected a sending endpoint")
		}
		if r, ok := types.ReceivingEndpoint(m.Headers); !ok || r.Name != "Billing" {
			t.Errorf("expected Billing as receiving endpoint, got %+v", r)
		}
		if _, ok := types.ParseWireTime(m.Headers[types.HeaderTimeSent]); !ok {
			t.Error("expected TimeSent in wire format")
		}
	})

	t.Run("failed", func(t *testing.T) {
		m := FixtureFailedMessage()
		if m.Headers[types.HeaderFailedQueue] == "" {
			t.Error("expected FailedQ header")
		}
		if _, ok := m.Headers[types.HeaderProcessingEnded]; ok {
			t.Error("failed message should not carry ProcessingEnded")
		}
	})

	t.Run("overrides do not leak", func(t *testing.T) {
		a := FixtureAuditMessage(func(m *types.TransportMessage) { m.Headers["X"] = "1" })
		b := FixtureAuditMessage()
		if _, ok := b.Headers["X"]; ok || a.Headers["X"] != "1" {
			t.Error("override leaked between fixtures")
		}
	})

	t.Run("heartbeat", func(t *testing.T) {
		e := FixtureEndpoint()
		at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		m := FixtureHeartbeatMessage(e, at)

		var hb types.HeartbeatMessage
		if err := json.Unmarshal(m.Body, &hb); err != nil {
			t.Fatal(err)
		}
		if hb.HostID != e.HostID || !hb.ExecutedAt.Equal(at) {
			t.Errorf("unexpected heartbeat body: %+v", hb)
		}
	})
}

func TestFixtureHeartbeat(t *testing.T) {
	e := FixtureEndpoint()
	at := TimeAgo(time.Minute)
	hb := FixtureHeartbeat(e, at)
	if hb.ID != e.UniqueID || !hb.LastReportAt.Equal(at) {
		t.Errorf("unexpected heartbeat: %+v", hb)
	}
}

func TestPtr(t *testing.T) {
	p := Ptr(42)
	if *p != 42 {
		t.Errorf("expected 42, got %d", *p)
	}
}
