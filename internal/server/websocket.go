package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/workspace/agent-relay/internal/auth"
)

// createUpgrader creates a WebSocket upgrader with origin validation.
// WebSocket upgrades bypass CORS, so origins must be checked explicitly.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// No origin header - same-origin or non-browser client
				return true
			}
			return s.isOriginAllowed(origin)
		},
	}
}

// isOriginAllowed checks if the given origin is in the allowed list.
// Supports wildcard patterns like "https://*.example.com".
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" {
			return true
		}
		if allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") {
			if matchWildcardOrigin(origin, allowed) {
				return true
			}
		}
	}
	slog.Warn("websocket origin rejected", "origin", origin, "allowed", s.config.AllowedOrigins)
	return false
}

// matchWildcardOrigin checks if origin matches a wildcard pattern.
// Pattern format: "https://*.example.com" matches "https://foo.example.com"
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix := parts[0]
	suffix := parts[1]

	if !strings.HasPrefix(origin, prefix) {
		return false
	}
	if !strings.HasSuffix(origin, suffix) {
		return false
	}

	// The subdomain portion must not contain "/"
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}

// authenticateWS resolves the browser session for a WebSocket request.
// Cookies are checked first; a ?token= query param is accepted as a
// fallback for clients that cannot set cookies before the upgrade, and
// creates a session on success. Returns nil with the response already
// written when authentication fails.
func (s *Server) authenticateWS(w http.ResponseWriter, r *http.Request) (*auth.Session, bool) {
	if !s.config.AuthEnabled() {
		return nil, true
	}

	if session := s.sessions.GetSessionFromRequest(r); session != nil {
		return session, true
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}

	claims, err := s.jwtValidator.Validate(token)
	if err != nil {
		slog.Warn("websocket auth failed", "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	session, err := s.sessions.CreateSession(claims)
	if err != nil {
		slog.Error("failed to create session", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return nil, false
	}
	return session, true
}
