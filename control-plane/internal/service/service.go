// Package service answers queries from this instance's own data.
//
// Every query returns a federation.QueryResult so the API can hand it to a
// scatter-gather coordinator as the local contribution.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/pilot-net/svcmon/control-plane/internal/cache"
	"github.com/pilot-net/svcmon/control-plane/internal/config"
	"github.com/pilot-net/svcmon/control-plane/internal/events"
	"github.com/pilot-net/svcmon/control-plane/internal/federation"
	"github.com/pilot-net/svcmon/control-plane/internal/store"
	"github.com/pilot-net/svcmon/pkg/types"
)

// Registry is the in-memory endpoint state the service reads and toggles.
type Registry interface {
	Endpoints() []types.EndpointsView
	KnownEndpoints() []types.KnownEndpointsView
	Stats() types.EndpointMonitoringStats
	EnableMonitoring(ctx context.Context, uniqueID string) (events.Event, error)
	DisableMonitoring(ctx context.Context, uniqueID string) (events.Event, error)
}

// Store is the persisted data the service queries.
type Store interface {
	QueryMessages(ctx context.Context, q store.MessageQuery) (store.Page[types.MessagesView], error)
	QueryFailedMessages(ctx context.Context, q store.FailedMessageQuery) (store.Page[types.FailedMessageView], error)
	ListEventLogItems(ctx context.Context, p store.Paging) (store.Page[types.EventLogItem], error)
}

// Service provides the local query operations.
type Service struct {
	registry   Registry
	store      Store
	cache      *cache.Cache
	instanceID string
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a new service. c may be nil to disable caching.
func NewService(registry Registry, st Store, c *cache.Cache, instanceID string, logger *slog.Logger) *Service {
	return &Service{
		registry:   registry,
		store:      st,
		cache:      c,
		instanceID: instanceID,
		logger:     logger.With("component", "service"),
		now:        time.Now,
	}
}

// InstanceID returns the id of the local instance.
func (s *Service) InstanceID() string {
	return s.instanceID
}

// =============================================================================
// ENDPOINTS
// =============================================================================

// Endpoints returns every known endpoint instance with its heartbeat state.
func (s *Service) Endpoints(ctx context.Context) (federation.QueryResult[[]types.EndpointsView], error) {
	views := nonNil(s.registry.Endpoints())

	lastModified := time.Time{}
	for _, v := range views {
		if v.HeartbeatInformation.LastReportAt.After(lastModified) {
			lastModified = v.HeartbeatInformation.LastReportAt
		}
	}
	return localResult(s, views, len(views), lastModified)
}

// KnownEndpoints returns the endpoint instances seen by this instance.
func (s *Service) KnownEndpoints(ctx context.Context) (federation.QueryResult[[]types.KnownEndpointsView], error) {
	views := nonNil(s.registry.KnownEndpoints())
	return localResult(s, views, len(views), time.Time{})
}

// HeartbeatStats counts active and failing monitored endpoints.
func (s *Service) HeartbeatStats(ctx context.Context) (federation.QueryResult[types.EndpointMonitoringStats], error) {
	stats := s.registry.Stats()
	return localResult(s, stats, 1, time.Time{})
}

// SetMonitoring turns heartbeat monitoring of an endpoint instance on or
// off. The change is durable when SetMonitoring returns nil.
func (s *Service) SetMonitoring(ctx context.Context, uniqueID string, monitored bool) error {
	var err error
	if monitored {
		_, err = s.registry.EnableMonitoring(ctx, uniqueID)
	} else {
		_, err = s.registry.DisableMonitoring(ctx, uniqueID)
	}
	if err != nil {
		return err
	}

	s.logger.Info("heartbeat monitoring changed", "endpoint_id", uniqueID, "monitored", monitored)
	return nil
}

// =============================================================================
// MESSAGES
// =============================================================================

// Messages returns a page of audited messages.
func (s *Service) Messages(ctx context.Context, q store.MessageQuery) (federation.QueryResult[[]types.MessagesView], error) {
	// Keys must match cache.MessagesPattern; audit imports drop them.
	key := fmt.Sprintf("messages:%s:%t:%s", q.EndpointName, q.IncludeSystemMessages, pagingKey(q.Paging))

	page, err := cache.Remember(ctx, s.cache, key, config.CacheTTLMessages, func(ctx context.Context) (store.Page[types.MessagesView], error) {
		return s.store.QueryMessages(ctx, q)
	})
	if err != nil {
		return federation.QueryResult[[]types.MessagesView]{}, fmt.Errorf("querying messages: %w", err)
	}

	for i := range page.Items {
		page.Items[i].InstanceID = s.instanceID
	}
	return localResult(s, nonNil(page.Items), page.TotalCount, page.LastModified)
}

// MessagesForEndpoint returns a page of messages received by one endpoint.
func (s *Service) MessagesForEndpoint(ctx context.Context, endpointName string, q store.MessageQuery) (federation.QueryResult[[]types.MessagesView], error) {
	q.EndpointName = endpointName
	return s.Messages(ctx, q)
}

// Errors returns a page of failed messages.
func (s *Service) Errors(ctx context.Context, q store.FailedMessageQuery) (federation.QueryResult[[]types.FailedMessageView], error) {
	page, err := s.store.QueryFailedMessages(ctx, q)
	if err != nil {
		return federation.QueryResult[[]types.FailedMessageView]{}, fmt.Errorf("querying failed messages: %w", err)
	}

	for i := range page.Items {
		page.Items[i].InstanceID = s.instanceID
	}
	return localResult(s, nonNil(page.Items), page.TotalCount, page.LastModified)
}

// EventLog returns a page of event log items, newest first.
func (s *Service) EventLog(ctx context.Context, p store.Paging) (federation.QueryResult[[]types.EventLogItem], error) {
	page, err := s.store.ListEventLogItems(ctx, p)
	if err != nil {
		return federation.QueryResult[[]types.EventLogItem]{}, fmt.Errorf("listing event log: %w", err)
	}

	for i := range page.Items {
		page.Items[i].InstanceID = s.instanceID
	}
	return localResult(s, nonNil(page.Items), page.TotalCount, page.LastModified)
}

// =============================================================================
// HELPERS
// =============================================================================

// result wraps a local answer with its stats. A zero lastModified means
// the data is live and is reported as now.
func localResult[T any](s *Service, v T, total int, lastModified time.Time) (federation.QueryResult[T], error) {
	etag, err := ETag(v)
	if err != nil {
		return federation.QueryResult[T]{}, err
	}
	if lastModified.IsZero() {
		lastModified = s.now().UTC()
	}
	return federation.QueryResult[T]{
		Results:    v,
		InstanceID: s.instanceID,
		Stats:      federation.NewStats(etag, lastModified, total),
	}, nil
}

// ETag hashes the JSON encoding of v.
func ETag(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("computing etag: %w", err)
	}
	return strconv.FormatUint(xxhash.Sum64(data), 16), nil
}

func pagingKey(p store.Paging) string {
	return fmt.Sprintf("%d:%d:%s:%s", p.Page, p.PerPage, p.Sort, p.Direction)
}

func nonNil[E any](items []E) []E {
	if items == nil {
		return []E{}
	}
	return items
}
