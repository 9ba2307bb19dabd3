package api

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/pilot-net/svcmon/control-plane/internal/config"
)

// ManagementAuthMiddleware creates middleware that validates the management
// API key on mutating routes. With no key hash configured every request is
// let through.
func (s *Server) ManagementAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.cfg.ManagementAPIKeyHash == "" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				s.logger.Warn("management auth failed: missing credentials",
					"path", r.URL.Path,
					"has_auth_header", authHeader != "",
				)
				s.writeError(w, http.StatusUnauthorized, "unauthorized: missing credentials")
				return
			}

			apiKey := strings.TrimPrefix(authHeader, "Bearer ")

			// Verify the key hash
			if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.ManagementAPIKeyHash), []byte(apiKey)); err != nil {
				s.logger.Warn("management auth failed: invalid API key",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				s.writeError(w, http.StatusUnauthorized, "unauthorized: invalid API key")
				return
			}

			s.logger.Debug("management auth successful", "path", r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
}

// PeerAuthMiddleware creates middleware that validates the token a peer
// presents on local-scoped queries. Queries without the local scope header
// are fanned out as usual. With no peer token hash configured every request
// is let through.
func (s *Server) PeerAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.cfg.PeerTokenHash == "" || r.Header.Get(config.QueryScopeHeader) != config.QueryScopeLocal {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || token == "" {
				s.logger.Warn("peer auth failed: missing token",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				s.writeError(w, http.StatusUnauthorized, "unauthorized: missing peer token")
				return
			}

			if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.PeerTokenHash), []byte(token)); err != nil {
				s.logger.Warn("peer auth failed: invalid token",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				s.writeError(w, http.StatusUnauthorized, "unauthorized: invalid peer token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// wrapHandler converts an http.HandlerFunc to use middleware.
func wrapHandler(h http.HandlerFunc, middleware func(http.Handler) http.Handler) http.HandlerFunc {
	return middleware(h).ServeHTTP
}
