package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pilot-net/svcmon/control-plane/internal/cache"
	"github.com/pilot-net/svcmon/control-plane/internal/metrics"
	"github.com/pilot-net/svcmon/pkg/queue"
	"github.com/pilot-net/svcmon/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func auditMessage() types.TransportMessage {
	return types.TransportMessage{
		ID: "msg-1",
		Headers: map[string]string{
			types.HeaderMessageID:            "msg-1",
			types.HeaderEnclosedMessageTypes: "Sales.OrderPlaced, Sales.Messages, Version=1.0.0",
			types.HeaderConversationID:       "conv-1",
			types.HeaderOriginatingEndpoint:  "Sales",
			types.HeaderOriginatingHost:      "sales-01",
			types.HeaderProcessingEndpoint:   "Billing",
			types.HeaderProcessingHost:       "billing-01",
			types.HeaderTimeSent:             types.FormatWireTime(now),
			types.HeaderProcessingStarted:    types.FormatWireTime(now.Add(2 * time.Second)),
			types.HeaderProcessingEnded:      types.FormatWireTime(now.Add(3 * time.Second)),
			types.HeaderRetries:              "1",
		},
		Body: []byte(`{"order_id":42}`),
	}
}

func errorMessage() types.TransportMessage {
	msg := auditMessage()
	msg.Headers[types.HeaderFailedQueue] = "Billing@billing-01"
	msg.Headers[types.HeaderExceptionType] = "System.TimeoutException"
	msg.Headers[types.HeaderExceptionMessage] = "timed out"
	msg.Headers[types.HeaderTimeOfFailure] = types.FormatWireTime(now.Add(time.Minute))
	delete(msg.Headers, types.HeaderProcessingEndpoint)
	return msg
}

func heartbeatMessage(name string, at time.Time) types.TransportMessage {
	body, _ := json.Marshal(types.HeartbeatMessage{
		ExecutedAt:   at,
		EndpointName: name,
		Host:         "host-1",
		HostID:       "hid-1",
	})
	return types.TransportMessage{ID: "hb-1", Headers: map[string]string{}, Body: body}
}

// =============================================================================
// CONVERSION
// =============================================================================

func TestConvertAudit(t *testing.T) {
	pm, err := ConvertAudit(auditMessage(), 1024, now)
	if err != nil {
		t.Fatalf("ConvertAudit: %v", err)
	}

	meta := pm.Metadata
	if meta.MessageType != "Sales.OrderPlaced" {
		t.Errorf("MessageType = %q", meta.MessageType)
	}
	if meta.SendingEndpoint == nil || meta.SendingEndpoint.Name != "Sales" {
		t.Errorf("SendingEndpoint = %+v", meta.SendingEndpoint)
	}
	if meta.ReceivingEndpoint == nil || meta.ReceivingEndpoint.Name != "Billing" {
		t.Errorf("ReceivingEndpoint = %+v", meta.ReceivingEndpoint)
	}
	if meta.ProcessingTime != time.Second {
		t.Errorf("ProcessingTime = %v, want 1s", meta.ProcessingTime)
	}
	if meta.CriticalTime != 3*time.Second {
		t.Errorf("CriticalTime = %v, want 3s", meta.CriticalTime)
	}
	if !pm.ProcessedAt.Equal(now.Add(3 * time.Second)) {
		t.Errorf("ProcessedAt = %v", pm.ProcessedAt)
	}
	if string(pm.Body) != `{"order_id":42}` || meta.BodyNotStored {
		t.Errorf("body should be stored, got %q (not stored=%v)", pm.Body, meta.BodyNotStored)
	}

	again, _ := ConvertAudit(auditMessage(), 1024, now.Add(time.Hour))
	if again.ID != pm.ID {
		t.Error("re-importing the same message must yield the same id")
	}
}

func TestConvertAuditLargeBody(t *testing.T) {
	msg := auditMessage()
	msg.Body = []byte(strings.Repeat("x", 2048))

	pm, err := ConvertAudit(msg, 1024, now)
	if err != nil {
		t.Fatal(err)
	}
	if pm.Body != nil || !pm.Metadata.BodyNotStored {
		t.Error("large body should not be stored")
	}
	if pm.Metadata.BodySize != 2048 {
		t.Errorf("BodySize = %d, want 2048", pm.Metadata.BodySize)
	}
}

func TestConvertAuditMissingID(t *testing.T) {
	_, err := ConvertAudit(types.TransportMessage{Headers: map[string]string{}}, 0, now)
	if !errors.Is(err, ErrMissingHeader) {
		t.Errorf("expected ErrMissingHeader, got %v", err)
	}
}

func TestConvertError(t *testing.T) {
	id, attempt, err := ConvertError(errorMessage(), 1024, now)
	if err != nil {
		t.Fatalf("ConvertError: %v", err)
	}
	if id == "" {
		t.Error("expected failed message id")
	}
	if attempt.Metadata.ReceivingEndpoint == nil || attempt.Metadata.ReceivingEndpoint.Name != "Billing" {
		t.Errorf("receiving endpoint should come from the failed queue, got %+v", attempt.Metadata.ReceivingEndpoint)
	}
	if attempt.FailureDetails.ExceptionType != "System.TimeoutException" {
		t.Errorf("ExceptionType = %q", attempt.FailureDetails.ExceptionType)
	}
	if !attempt.FailureDetails.TimeOfFailure.Equal(now.Add(time.Minute)) {
		t.Errorf("TimeOfFailure = %v", attempt.FailureDetails.TimeOfFailure)
	}

	msg := errorMessage()
	delete(msg.Headers, types.HeaderFailedQueue)
	if _, _, err := ConvertError(msg, 1024, now); !errors.Is(err, ErrMissingHeader) {
		t.Errorf("expected ErrMissingHeader without FailedQ, got %v", err)
	}
}

func TestConvertHeartbeat(t *testing.T) {
	tests := []struct {
		name    string
		msg     types.TransportMessage
		wantErr bool
	}{
		{"valid", heartbeatMessage("Sales", now), false},
		{"missing name", heartbeatMessage("", now), true},
		{"missing time", heartbeatMessage("Sales", time.Time{}), true},
		{"not json", types.TransportMessage{Body: []byte("ping")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hb, err := ConvertHeartbeat(tt.msg)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidBody) {
					t.Errorf("expected ErrInvalidBody, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			want := types.NewEndpointInstanceID("Sales", "host-1", "hid-1")
			if hb.ID != want.UniqueID || !hb.Endpoint.Equal(want) {
				t.Errorf("heartbeat identity = %+v", hb.Endpoint)
			}
		})
	}
}

// =============================================================================
// MOCKS
// =============================================================================

type mockAuditStore struct {
	mu    sync.Mutex
	saved map[string]types.ProcessedMessage
	err   error
}

func newMockAuditStore() *mockAuditStore {
	return &mockAuditStore{saved: make(map[string]types.ProcessedMessage)}
}

func (m *mockAuditStore) SaveProcessedMessage(ctx context.Context, pm types.ProcessedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if _, exists := m.saved[pm.ID]; !exists {
		m.saved[pm.ID] = pm
	}
	return nil
}

type mockInvalidator struct {
	mu       sync.Mutex
	patterns []string
	err      error
}

func (m *mockInvalidator) DeletePattern(ctx context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns = append(m.patterns, pattern)
	return m.err
}

type mockHeartbeatStore struct {
	mu    sync.Mutex
	saved []types.Heartbeat
}

func (m *mockHeartbeatStore) SaveHeartbeat(ctx context.Context, hb types.Heartbeat) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, hb)
	return true, nil
}

type mockRecorder struct {
	mu    sync.Mutex
	beats map[string]time.Time
}

func (m *mockRecorder) RecordHeartbeat(ctx context.Context, id types.EndpointInstanceID, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.beats == nil {
		m.beats = make(map[string]time.Time)
	}
	m.beats[id.UniqueID] = at
}

type mockSender struct {
	mu   sync.Mutex
	sent []types.TransportMessage
	err  error
}

func (m *mockSender) Send(ctx context.Context, q string, msg types.TransportMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.sent = append(m.sent, msg)
	return "1-0", nil
}

type mockDiverter struct {
	mu       sync.Mutex
	diverted []queue.Delivery
	err      error
}

func (m *mockDiverter) Divert(ctx context.Context, category types.ImportCategory, d queue.Delivery, reason error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.diverted = append(m.diverted, d)
	return nil
}

type mockObserver struct {
	mu       sync.Mutex
	outcomes []metrics.Outcome
}

func (m *mockObserver) ObserveHandle(pipeline string, d time.Duration, outcome metrics.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

type mockFailedImportStore struct {
	mu    sync.Mutex
	saved []types.FailedImport
	err   error
}

func (m *mockFailedImportStore) SaveFailedImport(ctx context.Context, fi types.FailedImport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, fi)
	return nil
}

// =============================================================================
// PIPELINE
// =============================================================================

func TestAuditImportDropsCachedMessages(t *testing.T) {
	tests := []struct {
		name         string
		storeErr     error
		cacheErr     error
		wantErr      bool
		wantPatterns int
	}{
		{"stored", nil, nil, false, 1},
		{"cache failure does not fail the import", nil, errors.New("redis down"), false, 1},
		{"store failure leaves cache alone", errors.New("db down"), nil, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockAuditStore()
			store.err = tt.storeErr
			inv := &mockInvalidator{err: tt.cacheErr}
			imp := NewAuditImporter(store, inv, 1024, testLogger())

			err := imp.Import(context.Background(), auditMessage())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Import error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(inv.patterns) != tt.wantPatterns {
				t.Fatalf("invalidations = %v, want %d", inv.patterns, tt.wantPatterns)
			}
			if tt.wantPatterns > 0 && inv.patterns[0] != cache.MessagesPattern {
				t.Errorf("pattern = %q, want %q", inv.patterns[0], cache.MessagesPattern)
			}
		})
	}
}

func TestPipelineHandleForwardsCleanCopy(t *testing.T) {
	store := newMockAuditStore()
	sender := &mockSender{}
	observer := &mockObserver{}
	p := NewPipeline(NewAuditImporter(store, nil, 1024, testLogger()), sender, &mockDiverter{}, observer,
		PipelineConfig{ForwardTo: "audit.log", MaxDeliveryAttempts: 3}, testLogger())

	d := queue.Delivery{Message: auditMessage(), StreamID: "1-0", Attempt: 1}
	if err := p.Handle(context.Background(), d); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(store.saved) != 1 {
		t.Errorf("expected 1 stored message, got %d", len(store.saved))
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 forwarded message, got %d", len(sender.sent))
	}
	if _, ok := sender.sent[0].Headers[types.HeaderRetries]; ok {
		t.Error("forwarded copy still carries transport headers")
	}
	if _, ok := d.Message.Headers[types.HeaderRetries]; !ok {
		t.Error("original message must not be modified")
	}
	if len(observer.outcomes) != 1 || observer.outcomes[0] != metrics.OutcomeHandled {
		t.Errorf("outcomes = %v", observer.outcomes)
	}
}

func TestPipelineRedeliveryIsIdempotent(t *testing.T) {
	store := newMockAuditStore()
	p := NewPipeline(NewAuditImporter(store, nil, 1024, testLogger()), nil, &mockDiverter{}, nil, PipelineConfig{}, testLogger())

	for attempt := int64(1); attempt <= 3; attempt++ {
		d := queue.Delivery{Message: auditMessage(), StreamID: "1-0", Attempt: attempt}
		if err := p.Handle(context.Background(), d); err != nil {
			t.Fatal(err)
		}
	}
	if len(store.saved) != 1 {
		t.Errorf("expected one stored message after redeliveries, got %d", len(store.saved))
	}
}

func TestPipelineRetriesThenDiverts(t *testing.T) {
	store := newMockAuditStore()
	store.err = errors.New("database unavailable")
	diverter := &mockDiverter{}
	observer := &mockObserver{}
	p := NewPipeline(NewAuditImporter(store, nil, 1024, testLogger()), nil, diverter, observer,
		PipelineConfig{MaxDeliveryAttempts: 3}, testLogger())

	for attempt := int64(1); attempt < 3; attempt++ {
		err := p.Handle(context.Background(), queue.Delivery{Message: auditMessage(), Attempt: attempt})
		if err == nil {
			t.Fatalf("attempt %d: expected error for redelivery", attempt)
		}
	}
	if len(diverter.diverted) != 0 {
		t.Fatal("message diverted before the final attempt")
	}

	if err := p.Handle(context.Background(), queue.Delivery{Message: auditMessage(), Attempt: 3}); err != nil {
		t.Fatalf("final attempt should be acknowledged after diversion, got %v", err)
	}
	if len(diverter.diverted) != 1 {
		t.Errorf("expected 1 diverted message, got %d", len(diverter.diverted))
	}

	want := []metrics.Outcome{metrics.OutcomeFailed, metrics.OutcomeFailed, metrics.OutcomePoisoned}
	if len(observer.outcomes) != len(want) {
		t.Fatalf("outcomes = %v, want %v", observer.outcomes, want)
	}
	for i := range want {
		if observer.outcomes[i] != want[i] {
			t.Errorf("outcome %d = %s, want %s", i, observer.outcomes[i], want[i])
		}
	}
}

func TestPipelineDivertFailureKeepsMessage(t *testing.T) {
	p := NewPipeline(NewAuditImporter(newMockAuditStore(), nil, 1024, testLogger()), nil,
		&mockDiverter{err: errors.New("disk full")}, nil,
		PipelineConfig{MaxDeliveryAttempts: 1}, testLogger())

	d := queue.Delivery{Message: types.TransportMessage{Headers: map[string]string{}}, Attempt: 1}
	if err := p.Handle(context.Background(), d); err == nil {
		t.Error("expected error when diversion fails")
	}
}

func TestPipelineDecodeErrorIsImportFailure(t *testing.T) {
	diverter := &mockDiverter{}
	store := newMockAuditStore()
	p := NewPipeline(NewAuditImporter(store, nil, 1024, testLogger()), nil, diverter, nil,
		PipelineConfig{MaxDeliveryAttempts: 1}, testLogger())

	d := queue.Delivery{StreamID: "7-0", Attempt: 1, DecodeErr: queue.ErrMalformedEntry}
	if err := p.Handle(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if len(diverter.diverted) != 1 || len(store.saved) != 0 {
		t.Errorf("diverted %d, stored %d", len(diverter.diverted), len(store.saved))
	}
}

func TestPipelineHeartbeatReachesRegistry(t *testing.T) {
	hbStore := &mockHeartbeatStore{}
	recorder := &mockRecorder{}
	p := NewPipeline(NewHeartbeatImporter(hbStore, recorder), nil, &mockDiverter{}, nil, PipelineConfig{}, testLogger())

	if err := p.Handle(context.Background(), queue.Delivery{Message: heartbeatMessage("Sales", now), Attempt: 1}); err != nil {
		t.Fatal(err)
	}
	id := types.NewEndpointInstanceID("Sales", "host-1", "hid-1")
	if got := recorder.beats[id.UniqueID]; !got.Equal(now) {
		t.Errorf("recorded beat = %v, want %v", got, now)
	}
	if len(hbStore.saved) != 1 {
		t.Errorf("expected heartbeat to be stored")
	}
}

func TestPipelineStart(t *testing.T) {
	t.Run("forwarding probe succeeds", func(t *testing.T) {
		sender := &mockSender{}
		p := NewPipeline(NewAuditImporter(newMockAuditStore(), nil, 0, testLogger()), sender, &mockDiverter{}, nil,
			PipelineConfig{ForwardTo: "audit.log"}, testLogger())
		if err := p.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		if len(sender.sent) != 1 || len(sender.sent[0].Headers) != 0 {
			t.Errorf("expected one empty probe message, got %+v", sender.sent)
		}
	})

	t.Run("forwarding queue not writable", func(t *testing.T) {
		sender := &mockSender{err: errors.New("NOPERM")}
		p := NewPipeline(NewAuditImporter(newMockAuditStore(), nil, 0, testLogger()), sender, &mockDiverter{}, nil,
			PipelineConfig{ForwardTo: "audit.log"}, testLogger())
		if err := p.Start(context.Background()); err == nil {
			t.Error("expected start to fail")
		}
	})

	t.Run("no forwarding", func(t *testing.T) {
		sender := &mockSender{}
		p := NewPipeline(NewAuditImporter(newMockAuditStore(), nil, 0, testLogger()), sender, &mockDiverter{}, nil,
			PipelineConfig{}, testLogger())
		if err := p.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		if len(sender.sent) != 0 {
			t.Error("no probe expected without forwarding")
		}
	})
}

// =============================================================================
// POISON HANDLER
// =============================================================================

func TestPoisonHandlerStoresFailedImport(t *testing.T) {
	store := &mockFailedImportStore{}
	h := NewPoisonHandler(store, t.TempDir(), testLogger())

	d := queue.Delivery{Message: auditMessage(), StreamID: "3-0", Attempt: 5}
	if err := h.Divert(context.Background(), types.CategoryAudit, d, errors.New("bad data")); err != nil {
		t.Fatal(err)
	}
	if len(store.saved) != 1 {
		t.Fatalf("expected 1 failed import, got %d", len(store.saved))
	}
	fi := store.saved[0]
	if fi.Category != types.CategoryAudit || fi.FailureReason != "bad data" || fi.Attempts != 5 {
		t.Errorf("failed import = %+v", fi)
	}
	if fi.Message.ID != "msg-1" {
		t.Errorf("message id = %q", fi.Message.ID)
	}
}

func TestPoisonHandlerFallsBackToFile(t *testing.T) {
	dir := t.TempDir()
	h := NewPoisonHandler(&mockFailedImportStore{err: errors.New("database unavailable")}, dir, testLogger())

	d := queue.Delivery{Message: auditMessage(), StreamID: "3-0", Attempt: 5}
	if err := h.Divert(context.Background(), types.CategoryError, d, errors.New("bad data")); err != nil {
		t.Fatalf("Divert: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "error"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || !strings.HasSuffix(entries[0].Name(), ".json") {
		t.Fatalf("expected one json file, got %v", entries)
	}

	data, err := os.ReadFile(filepath.Join(dir, "error", entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	var fi types.FailedImport
	if err := json.Unmarshal(data, &fi); err != nil {
		t.Fatal(err)
	}
	if fi.Message.ID != "msg-1" || fi.FailureReason != "bad data" {
		t.Errorf("file content = %+v", fi)
	}
}

func TestPoisonHandlerBothFail(t *testing.T) {
	h := NewPoisonHandler(&mockFailedImportStore{err: errors.New("database unavailable")}, "", testLogger())
	d := queue.Delivery{Message: auditMessage(), Attempt: 5}
	if err := h.Divert(context.Background(), types.CategoryAudit, d, errors.New("bad data")); err == nil {
		t.Error("expected error when store and file both fail")
	}
}

func TestCleanForForwarding(t *testing.T) {
	msg := auditMessage()
	msg.Headers[types.HeaderFLRetries] = "2"

	cleaned := CleanForForwarding(msg)
	for _, h := range []string{types.HeaderRetries, types.HeaderFLRetries, types.HeaderDeliveryAttempt} {
		if _, ok := cleaned.Headers[h]; ok {
			t.Errorf("header %s not removed", h)
		}
	}
	if cleaned.Headers[types.HeaderMessageID] != "msg-1" {
		t.Error("business headers must be kept")
	}
	if msg.Headers[types.HeaderFLRetries] != "2" {
		t.Error("original message modified")
	}
}
