package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/pilot-net/svcmon/control-plane/internal/federation"
	"github.com/pilot-net/svcmon/control-plane/internal/monitoring"
	"github.com/pilot-net/svcmon/pkg/types"
)

// =============================================================================
// ENDPOINTS
// =============================================================================

func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	serveFederated(s, w, r, s.endpoints)
}

func (s *Server) handleKnownEndpoints(w http.ResponseWriter, r *http.Request) {
	serveFederated(s, w, r, s.knownEndpoints)
}

func (s *Server) handleHeartbeatStats(w http.ResponseWriter, r *http.Request) {
	serveFederated(s, w, r, s.heartbeatStats)
}

// UpdateEndpointRequest is the body of PATCH /endpoints/{id}.
type UpdateEndpointRequest struct {
	MonitorHeartbeat *bool `json:"monitor_heartbeat"`

	// Accepted for clients that send camelCase.
	MonitorHeartbeatCamel *bool `json:"monitorHeartbeat,omitempty"`
}

func (r UpdateEndpointRequest) monitored() (bool, bool) {
	if r.MonitorHeartbeat != nil {
		return *r.MonitorHeartbeat, true
	}
	if r.MonitorHeartbeatCamel != nil {
		return *r.MonitorHeartbeatCamel, true
	}
	return false, false
}

func (s *Server) handleUpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid endpoint id")
		return
	}

	var req UpdateEndpointRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	monitored, ok := req.monitored()
	if !ok {
		s.writeError(w, http.StatusBadRequest, "monitor_heartbeat is required")
		return
	}

	err := s.svc.SetMonitoring(r.Context(), id, monitored)
	if errors.Is(err, monitoring.ErrUnknownEndpoint) {
		s.writeError(w, http.StatusNotFound, "endpoint not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to update endpoint monitoring", "endpoint_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to update endpoint")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// =============================================================================
// COORDINATORS
// =============================================================================

func (s *Server) buildCoordinators() {
	s.endpoints = federation.NewCoordinator("endpoints", s.peers, s.client,
		func(ctx context.Context, r *http.Request) (federation.QueryResult[[]types.EndpointsView], error) {
			return s.svc.Endpoints(ctx)
		},
		federation.DistinctBy(
			func(e types.EndpointsView) string { return e.ID },
			func(a, b types.EndpointsView) bool {
				return a.HeartbeatInformation.LastReportAt.After(b.HeartbeatInformation.LastReportAt)
			},
		),
		s.logger,
	)

	s.knownEndpoints = federation.NewCoordinator("known_endpoints", s.peers, s.client,
		func(ctx context.Context, r *http.Request) (federation.QueryResult[[]types.KnownEndpointsView], error) {
			return s.svc.KnownEndpoints(ctx)
		},
		federation.DistinctBy(func(e types.KnownEndpointsView) string { return e.ID }, nil),
		s.logger,
	)

	s.heartbeatStats = federation.NewCoordinator("heartbeat_stats", s.peers, s.client,
		func(ctx context.Context, r *http.Request) (federation.QueryResult[types.EndpointMonitoringStats], error) {
			return s.svc.HeartbeatStats(ctx)
		},
		federation.Fold(func(acc *types.EndpointMonitoringStats, next types.EndpointMonitoringStats) {
			acc.Add(next)
		}),
		s.logger,
	)
}

// serveFederated executes a coordinator and writes the merged result. Only a
// failing local query yields an error response.
func serveFederated[T any](s *Server, w http.ResponseWriter, r *http.Request, c *federation.Coordinator[T]) {
	res, err := c.Execute(r)
	if err != nil {
		s.logger.Error("query failed", "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	federation.WriteHeaders(w.Header(), res.Stats, res.InstanceID)

	if match := r.Header.Get("If-None-Match"); match != "" && res.Stats.ETag != "" && match == w.Header().Get(federation.HeaderETag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	s.writeJSON(w, http.StatusOK, res.Results)
}
