package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/pilot-net/svcmon/control-plane/internal/events"
	"github.com/pilot-net/svcmon/control-plane/internal/federation"
	"github.com/pilot-net/svcmon/control-plane/internal/monitoring"
	"github.com/pilot-net/svcmon/control-plane/internal/service"
	"github.com/pilot-net/svcmon/control-plane/internal/store"
	"github.com/pilot-net/svcmon/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockRecorder struct {
	mu  sync.Mutex
	n   int
	err error
}

func (m *mockRecorder) AppendEndpointEvents(ctx context.Context, evs ...events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.n += len(evs)
	return nil
}

type mockStore struct {
	messages []types.MessagesView
	failed   []types.FailedMessageView
	query    store.FailedMessageQuery
}

func (m *mockStore) QueryMessages(ctx context.Context, q store.MessageQuery) (store.Page[types.MessagesView], error) {
	return store.Page[types.MessagesView]{Items: m.messages, TotalCount: len(m.messages)}, nil
}

func (m *mockStore) QueryFailedMessages(ctx context.Context, q store.FailedMessageQuery) (store.Page[types.FailedMessageView], error) {
	m.query = q
	return store.Page[types.FailedMessageView]{Items: m.failed, TotalCount: len(m.failed)}, nil
}

func (m *mockStore) ListEventLogItems(ctx context.Context, p store.Paging) (store.Page[types.EventLogItem], error) {
	return store.Page[types.EventLogItem]{}, nil
}

var (
	sales   = types.NewEndpointInstanceID("Sales", "web-1", "h1")
	billing = types.NewEndpointInstanceID("Billing", "app-1", "h2")
	base    = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

type instance struct {
	server   *Server
	recorder *mockRecorder
	store    *mockStore
}

func newInstance(t *testing.T, selfURL string, remotes []string, cfg Config, evs ...events.Event) *instance {
	t.Helper()
	recorder := &mockRecorder{}
	st := &mockStore{}

	reg := monitoring.NewRegistry(nil, recorder, testLogger())
	reg.Rehydrate(evs)

	peers := federation.NewPeers(selfURL, remotes)
	client := federation.NewClient(federation.ClientConfig{Timeout: 2 * time.Second}, nil, testLogger())
	svc := service.NewService(reg, st, nil, peers.Self().ID, testLogger())

	return &instance{
		server:   NewServer(svc, peers, client, nil, cfg, testLogger()),
		recorder: recorder,
		store:    st,
	}
}

// startPeer serves an instance over HTTP the way main mounts it.
func startPeer(t *testing.T, evs ...events.Event) (*instance, string) {
	t.Helper()
	peer := newInstance(t, "http://peer.invalid/api", nil, Config{}, evs...)
	ts := httptest.NewServer(peer.server.Handler("/api"))
	t.Cleanup(ts.Close)
	return peer, ts.URL + "/api"
}

func do(t *testing.T, h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	inst := newInstance(t, "http://self/api", nil, Config{})
	rec := do(t, inst.server.Handler("/api"), "GET", "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string]string](t, rec)
	if body["status"] != "ok" || body["instance_id"] == "" {
		t.Errorf("unexpected body: %v", body)
	}

	rec = do(t, inst.server.Handler("/api"), "GET", "/api/infrastructure/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("infrastructure health without collector = %d, want 503", rec.Code)
	}
}

func TestXMLNotAcceptable(t *testing.T) {
	inst := newInstance(t, "http://self/api", nil, Config{})
	h := inst.server.Handler("/api")

	tests := []struct {
		accept string
		want   int
	}{
		{"", http.StatusOK},
		{"application/json", http.StatusOK},
		{"*/*", http.StatusOK},
		{"application/xml", http.StatusNotAcceptable},
		{"text/xml, application/xml;q=0.9", http.StatusNotAcceptable},
		{"application/xml, application/json;q=0.5", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.accept, func(t *testing.T) {
			rec := do(t, h, "GET", "/api/endpoints", "", map[string]string{"Accept": tt.accept})
			if rec.Code != tt.want {
				t.Errorf("Accept %q: status = %d, want %d", tt.accept, rec.Code, tt.want)
			}
		})
	}
}

func TestFederatedEndpoints(t *testing.T) {
	_, peerURL := startPeer(t,
		events.HeartbeatingEndpointDetected{EndpointInstance: sales, DetectedAt: base.Add(time.Minute)},
		events.HeartbeatingEndpointDetected{EndpointInstance: billing, DetectedAt: base},
	)
	local := newInstance(t, "http://self/api", []string{peerURL}, Config{},
		events.HeartbeatingEndpointDetected{EndpointInstance: sales, DetectedAt: base},
	)

	rec := do(t, local.server.Handler("/api"), "GET", "/api/endpoints", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	views := decode[[]types.EndpointsView](t, rec)
	if len(views) != 2 {
		t.Fatalf("expected 2 distinct endpoints, got %+v", views)
	}
	for _, v := range views {
		if v.ID == sales.UniqueID && !v.HeartbeatInformation.LastReportAt.Equal(base.Add(time.Minute)) {
			t.Errorf("expected the newer report to win, got %v", v.HeartbeatInformation.LastReportAt)
		}
	}
	if rec.Header().Get(federation.HeaderTotalCount) != "3" {
		t.Errorf("Total-Count = %q, want 3", rec.Header().Get(federation.HeaderTotalCount))
	}
	if rec.Header().Get(federation.HeaderInstanceID) != federation.InstanceIDFromURL("http://self/api") {
		t.Errorf("Instance-Id = %q", rec.Header().Get(federation.HeaderInstanceID))
	}
}

func TestFederatedHeartbeatStats(t *testing.T) {
	_, peerURL := startPeer(t,
		events.HeartbeatingEndpointDetected{EndpointInstance: billing, DetectedAt: base},
	)
	local := newInstance(t, "http://self/api", []string{peerURL}, Config{},
		events.HeartbeatingEndpointDetected{EndpointInstance: sales, DetectedAt: base},
		events.HeartbeatFailed{EndpointInstance: sales, DetectedAt: base.Add(time.Minute), LastReceivedAt: base},
	)

	rec := do(t, local.server.Handler("/api"), "GET", "/api/heartbeats/stats", "", nil)
	stats := decode[types.EndpointMonitoringStats](t, rec)
	if stats.Active != 1 || stats.Failing != 1 {
		t.Errorf("stats = %+v, want 1 active and 1 failing", stats)
	}
}

func TestSingleInstanceRouting(t *testing.T) {
	_, peerURL := startPeer(t,
		events.HeartbeatingEndpointDetected{EndpointInstance: billing, DetectedAt: base},
	)
	local := newInstance(t, "http://self/api", []string{peerURL}, Config{},
		events.HeartbeatingEndpointDetected{EndpointInstance: sales, DetectedAt: base},
	)
	h := local.server.Handler("/api")

	rec := do(t, h, "GET", "/api/endpoints?instance_id="+federation.InstanceIDFromURL(peerURL), "", nil)
	views := decode[[]types.EndpointsView](t, rec)
	if len(views) != 1 || views[0].ID != billing.UniqueID {
		t.Errorf("expected only the peer's endpoint, got %+v", views)
	}

	rec = do(t, h, "GET", "/api/endpoints?instance_id=bm90LWEtcGVlcg", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unknown instance: status = %d", rec.Code)
	}
	if views := decode[[]types.EndpointsView](t, rec); len(views) != 0 {
		t.Errorf("expected empty result for unknown instance, got %+v", views)
	}
}

func TestPeerFailureStillOK(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()

	local := newInstance(t, "http://self/api", []string{down.URL + "/api"}, Config{},
		events.HeartbeatingEndpointDetected{EndpointInstance: sales, DetectedAt: base},
	)

	rec := do(t, local.server.Handler("/api"), "GET", "/api/endpoints", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 despite failing peer", rec.Code)
	}
	if views := decode[[]types.EndpointsView](t, rec); len(views) != 1 {
		t.Errorf("expected local result only, got %+v", views)
	}
}

func TestNotModified(t *testing.T) {
	local := newInstance(t, "http://self/api", nil, Config{},
		events.HeartbeatingEndpointDetected{EndpointInstance: sales, DetectedAt: base},
	)
	h := local.server.Handler("/api")

	first := do(t, h, "GET", "/api/endpoints/known", "", nil)
	etag := first.Header().Get(federation.HeaderETag)
	if etag == "" {
		t.Fatal("expected an ETag")
	}

	second := do(t, h, "GET", "/api/endpoints/known", "", map[string]string{"If-None-Match": etag})
	if second.Code != http.StatusNotModified {
		t.Errorf("status = %d, want 304", second.Code)
	}
}

func TestUpdateEndpoint(t *testing.T) {
	tests := []struct {
		name        string
		id          string
		body        string
		recorderErr error
		want        int
	}{
		{"enable", sales.UniqueID, `{"monitor_heartbeat": true}`, nil, http.StatusAccepted},
		{"camel case", sales.UniqueID, `{"monitorHeartbeat": false}`, nil, http.StatusAccepted},
		{"invalid id", "not-a-uuid", `{"monitor_heartbeat": true}`, nil, http.StatusBadRequest},
		{"malformed body", sales.UniqueID, `{"monitor_heartbeat":`, nil, http.StatusBadRequest},
		{"missing field", sales.UniqueID, `{}`, nil, http.StatusBadRequest},
		{"unknown endpoint", billing.UniqueID, `{"monitor_heartbeat": true}`, nil, http.StatusNotFound},
		{"durable write fails", sales.UniqueID, `{"monitor_heartbeat": true}`, errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := newInstance(t, "http://self/api", nil, Config{},
				events.EndpointDetected{EndpointInstance: sales, DetectedAt: base},
			)
			inst.recorder.err = tt.recorderErr

			rec := do(t, inst.server.Handler("/api"), "PATCH", "/api/endpoints/"+tt.id, tt.body, nil)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
			if tt.want == http.StatusAccepted && inst.recorder.n != 1 {
				t.Errorf("expected toggle to be recorded, got %d events", inst.recorder.n)
			}
		})
	}
}

func TestUpdateEndpointRequiresManagementKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	inst := newInstance(t, "http://self/api", nil, Config{ManagementAPIKeyHash: string(hash)},
		events.EndpointDetected{EndpointInstance: sales, DetectedAt: base},
	)
	h := inst.server.Handler("/api")
	body := `{"monitor_heartbeat": true}`

	if rec := do(t, h, "PATCH", "/api/endpoints/"+sales.UniqueID, body, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", rec.Code)
	}
	wrong := map[string]string{"Authorization": "Bearer nope"}
	if rec := do(t, h, "PATCH", "/api/endpoints/"+sales.UniqueID, body, wrong); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", rec.Code)
	}
	right := map[string]string{"Authorization": "Bearer s3cret"}
	if rec := do(t, h, "PATCH", "/api/endpoints/"+sales.UniqueID, body, right); rec.Code != http.StatusAccepted {
		t.Errorf("right key: status = %d, want 202", rec.Code)
	}

	// Reads stay open.
	if rec := do(t, h, "GET", "/api/endpoints", "", nil); rec.Code != http.StatusOK {
		t.Errorf("GET with management key configured: status = %d", rec.Code)
	}
}

func TestErrorsStatusFilter(t *testing.T) {
	inst := newInstance(t, "http://self/api", nil, Config{})
	h := inst.server.Handler("/api")

	rec := do(t, h, "GET", "/api/errors?status=Unresolved&page=2&per_page=10", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	q := inst.store.query
	if q.Status != types.FailedStatusUnresolved || q.Page != 2 || q.PerPage != 10 {
		t.Errorf("unexpected query passed to store: %+v", q)
	}

	if rec := do(t, h, "GET", "/api/errors?status=bogus", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid status: %d, want 400", rec.Code)
	}
}

func TestMessagesMergedInOrder(t *testing.T) {
	at := func(m int) *time.Time { v := base.Add(time.Duration(m) * time.Minute); return &v }

	peer, peerURL := startPeer(t)
	peer.store.messages = []types.MessagesView{{ID: "p1", TimeSent: at(3)}, {ID: "p2", TimeSent: at(1)}}

	local := newInstance(t, "http://self/api", []string{peerURL}, Config{})
	local.store.messages = []types.MessagesView{{ID: "l1", TimeSent: at(2)}}

	rec := do(t, local.server.Handler("/api"), "GET", "/api/messages", "", nil)
	msgs := decode[[]types.MessagesView](t, rec)

	var ids []string
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	if strings.Join(ids, ",") != "p1,l1,p2" {
		t.Errorf("merged order = %v, want newest first", ids)
	}

	rec = do(t, local.server.Handler("/api"), "GET", "/api/endpoints/Sales/messages?sort=time_sent&direction=asc", "", nil)
	msgs = decode[[]types.MessagesView](t, rec)
	if len(msgs) != 3 || msgs[0].ID != "p2" {
		t.Errorf("ascending order wrong: %+v", msgs)
	}
}

func TestAcceptsJSON(t *testing.T) {
	tests := []struct {
		accept string
		want   bool
	}{
		{"", true},
		{"application/json", true},
		{"application/problem+json", true},
		{"text/html", true},
		{"application/*", true},
		{"application/xml", false},
		{"text/xml; charset=utf-8", false},
	}
	for _, tt := range tests {
		if got := acceptsJSON(tt.accept); got != tt.want {
			t.Errorf("acceptsJSON(%q) = %v, want %v", tt.accept, got, tt.want)
		}
	}
}

func TestEmptyListsEncodeAsArray(t *testing.T) {
	_, peerURL := startPeer(t)
	local := newInstance(t, "http://self/api", []string{peerURL}, Config{})
	h := local.server.Handler("/api")

	paths := []string{
		"/api/endpoints",
		"/api/endpoints?instance_id=bogus",
		"/api/endpoints?instance_id=" + federation.InstanceIDFromURL("http://self/api"),
		"/api/endpoints?instance_id=" + federation.InstanceIDFromURL(peerURL),
		"/api/endpoints/known",
		"/api/messages",
		"/api/messages?instance_id=bogus",
		"/api/endpoints/Sales/messages",
		"/api/errors",
		"/api/eventlogitems",
	}
	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			rec := do(t, h, "GET", path, "", nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
			}
			if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
				t.Errorf("body = %s, want []", body)
			}
		})
	}

	scoped := map[string]string{"X-Query-Scope": "local"}
	rec := do(t, h, "GET", "/api/messages", "", scoped)
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("local-scoped body = %s, want []", body)
	}
}

type peerTokens map[string]string

func (p peerTokens) Token(ctx context.Context, instanceID string) (string, error) {
	return p[instanceID], nil
}

func TestPeerAuthOnLocalScopedQueries(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("peer-s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	peer := newInstance(t, "http://peer.invalid/api", nil, Config{PeerTokenHash: string(hash)},
		events.HeartbeatingEndpointDetected{EndpointInstance: billing, DetectedAt: base},
	)
	h := peer.server.Handler("/api")

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"fan out needs no token", nil, http.StatusOK},
		{"local scope without token", map[string]string{"X-Query-Scope": "local"}, http.StatusUnauthorized},
		{"local scope with wrong token", map[string]string{"X-Query-Scope": "local", "Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"local scope with token", map[string]string{"X-Query-Scope": "local", "Authorization": "Bearer peer-s3cret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, path := range []string{"/api/endpoints", "/api/messages", "/api/heartbeats/stats"} {
				if rec := do(t, h, "GET", path, "", tt.header); rec.Code != tt.want {
					t.Errorf("%s: status = %d, want %d", path, rec.Code, tt.want)
				}
			}
		})
	}

	// Health stays open to local-scoped callers.
	if rec := do(t, h, "GET", "/api/health", "", map[string]string{"X-Query-Scope": "local"}); rec.Code != http.StatusOK {
		t.Errorf("health: status = %d", rec.Code)
	}
}

func TestFederationPresentsPeerToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("peer-s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	peer := newInstance(t, "http://peer.invalid/api", nil, Config{PeerTokenHash: string(hash)},
		events.HeartbeatingEndpointDetected{EndpointInstance: billing, DetectedAt: base},
	)
	ts := httptest.NewServer(peer.server.Handler("/api"))
	defer ts.Close()
	peerURL := ts.URL + "/api"

	build := func(tokens federation.TokenSource) http.Handler {
		reg := monitoring.NewRegistry(nil, &mockRecorder{}, testLogger())
		reg.Rehydrate([]events.Event{events.HeartbeatingEndpointDetected{EndpointInstance: sales, DetectedAt: base}})
		peers := federation.NewPeers("http://self/api", []string{peerURL})
		client := federation.NewClient(federation.ClientConfig{Timeout: 2 * time.Second}, tokens, testLogger())
		svc := service.NewService(reg, &mockStore{}, nil, peers.Self().ID, testLogger())
		return NewServer(svc, peers, client, nil, Config{}, testLogger()).Handler("/api")
	}

	withToken := build(peerTokens{federation.InstanceIDFromURL(peerURL): "peer-s3cret"})
	if views := decode[[]types.EndpointsView](t, do(t, withToken, "GET", "/api/endpoints", "", nil)); len(views) != 2 {
		t.Errorf("with token: expected local and peer endpoints, got %+v", views)
	}

	withoutToken := build(nil)
	rec := do(t, withoutToken, "GET", "/api/endpoints", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("without token: status = %d", rec.Code)
	}
	if views := decode[[]types.EndpointsView](t, rec); len(views) != 1 || views[0].ID != sales.UniqueID {
		t.Errorf("without token: expected only the local endpoint, got %+v", views)
	}
}
