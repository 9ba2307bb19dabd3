// Package api provides HTTP handlers for the control plane.
//
// # Endpoints
//
// Federated queries (answered by every instance and merged):
//   - GET  /api/endpoints - Endpoint instances with heartbeat state
//   - GET  /api/endpoints/known - Endpoint instances seen by any instance
//   - GET  /api/heartbeats/stats - Active and failing endpoint counts
//   - GET  /api/messages - Audited messages
//   - GET  /api/endpoints/{name}/messages - Messages received by an endpoint
//   - GET  /api/errors - Failed messages
//   - GET  /api/eventlogitems - Event log
//
// A federated query with ?instance_id= is routed to that instance only.
// Peers query each other with X-Query-Scope: local; when a peer token hash
// is configured those queries need a matching Bearer token.
//
// Management API:
//   - PATCH /api/endpoints/{id} - Toggle heartbeat monitoring
//
// Health:
//   - GET /api/health - Health check
//   - GET /api/infrastructure/health - Process, database and queue health
//   - GET /api/configuration/remotes - Configured peer instances
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pilot-net/svcmon/control-plane/internal/federation"
	"github.com/pilot-net/svcmon/control-plane/internal/metrics"
	"github.com/pilot-net/svcmon/control-plane/internal/service"
	"github.com/pilot-net/svcmon/pkg/types"
)

// Config holds API server options.
type Config struct {
	// ManagementAPIKeyHash is a bcrypt hash of the management key. Empty
	// leaves mutating routes open.
	ManagementAPIKeyHash string

	// PeerTokenHash is a bcrypt hash of the token peers present on
	// local-scoped queries. Empty accepts local-scoped queries from anyone.
	PeerTokenHash string
}

// Server is the HTTP API server.
type Server struct {
	svc              *service.Service
	peers            *federation.Peers
	client           *federation.Client
	metricsCollector *metrics.Collector
	cfg              Config
	logger           *slog.Logger
	mux              *http.ServeMux

	endpoints      *federation.Coordinator[[]types.EndpointsView]
	knownEndpoints *federation.Coordinator[[]types.KnownEndpointsView]
	heartbeatStats *federation.Coordinator[types.EndpointMonitoringStats]
}

// NewServer creates a new API server. metricsCollector may be nil.
func NewServer(svc *service.Service, peers *federation.Peers, client *federation.Client, metricsCollector *metrics.Collector, cfg Config, logger *slog.Logger) *Server {
	s := &Server{
		svc:              svc,
		peers:            peers,
		client:           client,
		metricsCollector: metricsCollector,
		cfg:              cfg,
		logger:           logger.With("component", "api"),
		mux:              http.NewServeMux(),
	}
	s.buildCoordinators()
	s.registerRoutes()
	return s
}

// Handler mounts the server under prefix, e.g. "/api". Handlers see paths
// relative to the prefix, which is also what peers are asked for.
func (s *Server) Handler(prefix string) http.Handler {
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		return s
	}
	return http.StripPrefix(prefix, s)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Add CORS headers
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, PATCH, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, If-None-Match, X-Query-Scope")
	w.Header().Set("Access-Control-Expose-Headers", "ETag, Last-Modified, Total-Count, Instance-Id")

	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	if !acceptsJSON(r.Header.Get("Accept")) {
		s.writeError(w, http.StatusNotAcceptable, "only application/json is supported")
		return
	}

	// Log request
	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	manage := s.ManagementAuthMiddleware()
	peer := s.PeerAuthMiddleware()

	// Health
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /infrastructure/health", s.handleInfrastructureHealth)
	s.mux.HandleFunc("GET /configuration/remotes", s.handleRemotes)

	// Endpoints - static routes must come before wildcard routes
	s.mux.HandleFunc("GET /endpoints", wrapHandler(s.handleEndpoints, peer))
	s.mux.HandleFunc("GET /endpoints/known", wrapHandler(s.handleKnownEndpoints, peer))
	s.mux.HandleFunc("PATCH /endpoints/{id}", wrapHandler(s.handleUpdateEndpoint, manage))
	s.mux.HandleFunc("GET /heartbeats/stats", wrapHandler(s.handleHeartbeatStats, peer))

	// Messages
	s.mux.HandleFunc("GET /messages", wrapHandler(s.handleMessages, peer))
	s.mux.HandleFunc("GET /endpoints/{name}/messages", wrapHandler(s.handleEndpointMessages, peer))
	s.mux.HandleFunc("GET /errors", wrapHandler(s.handleErrors, peer))

	// Event log
	s.mux.HandleFunc("GET /eventlogitems", wrapHandler(s.handleEventLog, peer))
}

// =============================================================================
// HEALTH
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"time":        time.Now().UTC().Format(time.RFC3339),
		"instance_id": s.svc.InstanceID(),
	})
}

func (s *Server) handleInfrastructureHealth(w http.ResponseWriter, r *http.Request) {
	if s.metricsCollector == nil {
		s.writeError(w, http.StatusServiceUnavailable, "metrics collector not initialized")
		return
	}
	s.writeJSON(w, http.StatusOK, s.metricsCollector.GetInfrastructureHealth(r.Context()))
}

func (s *Server) handleRemotes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.peers.Info())
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// acceptsJSON reports whether a response in JSON satisfies the Accept
// header. Only a header naming XML and nothing JSON-compatible is refused.
func acceptsJSON(accept string) bool {
	if accept == "" {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(part, ";", 2)[0]))
		if mediaType == "*/*" || mediaType == "application/*" || strings.Contains(mediaType, "json") {
			return true
		}
	}
	return !strings.Contains(strings.ToLower(accept), "xml")
}
