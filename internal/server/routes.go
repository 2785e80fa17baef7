package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/workspace/agent-relay/internal/supervisor"
)

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Health check (no auth)
	mux.HandleFunc("GET /health", s.handleHealth)

	// Auth endpoints (no auth required)
	mux.HandleFunc("POST /auth/token", s.handleTokenAuth)
	mux.HandleFunc("GET /auth/session", s.handleSessionCheck)
	mux.HandleFunc("POST /auth/logout", s.handleLogout)

	// Session REST API
	mux.HandleFunc("GET /api/sessions", s.requireAuth(s.handleListSessions))
	mux.HandleFunc("POST /api/sessions", s.requireAuth(s.handleCreateSession))
	mux.HandleFunc("GET /api/sessions/{sessionId}", s.requireAuth(s.handleGetSession))
	mux.HandleFunc("POST /api/sessions/{sessionId}/kill", s.requireAuth(s.handleKillSession))
	mux.HandleFunc("POST /api/sessions/{sessionId}/relaunch", s.requireAuth(s.handleRelaunchSession))
	mux.HandleFunc("POST /api/sessions/{sessionId}/archive", s.requireAuth(s.handleArchiveSession))
	mux.HandleFunc("POST /api/sessions/{sessionId}/rename", s.requireAuth(s.handleRenameSession))
	mux.HandleFunc("DELETE /api/sessions/{sessionId}", s.requireAuth(s.handleDeleteSession))

	// WebSocket endpoints. The agent endpoint is not behind browser auth:
	// agent processes are spawned locally and dial back over loopback.
	mux.HandleFunc("GET /ws/agent/{sessionId}", s.handleAgentWS)
	mux.HandleFunc("GET /ws/browser/{sessionId}", s.handleBrowserWS)
	mux.HandleFunc("GET /ws/terminal/{sessionId}", s.handleTerminalWS)
}

// requireAuth wraps a handler with session cookie authentication. A no-op
// when auth is disabled (local single-user mode).
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	if !s.config.AuthEnabled() {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if s.sessions.GetSessionFromRequest(r) == nil {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":    "healthy",
		"sessions":  len(s.router.List()),
		"starting":  len(s.router.StartingSessions()),
		"terminals": s.terminals.Count(),
		"uptime":    time.Since(uptimeStart).Round(time.Second).String(),
	}
	if s.config.AuthEnabled() {
		body["authSessions"] = s.sessions.ActiveSessions()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleTokenAuth(w http.ResponseWriter, r *http.Request) {
	if !s.config.AuthEnabled() {
		writeError(w, http.StatusNotFound, "auth is disabled")
		return
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	claims, err := s.jwtValidator.Validate(body.Token)
	if err != nil {
		slog.Warn("token validation failed", "error", err)
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	session, err := s.sessions.CreateSession(claims)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	s.sessions.SetCookie(w, session)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"userId":  session.UserID,
	})
}

func (s *Server) handleSessionCheck(w http.ResponseWriter, r *http.Request) {
	if !s.config.AuthEnabled() {
		writeJSON(w, http.StatusOK, map[string]interface{}{"authenticated": true, "authDisabled": true})
		return
	}

	session := s.sessions.GetSessionFromRequest(r)
	if session == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated": true,
		"userId":        session.UserID,
		"expiresAt":     session.ExpiresAt.Format(http.TimeFormat),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if s.config.AuthEnabled() {
		if session := s.sessions.GetSessionFromRequest(r); session != nil {
			s.sessions.DeleteSession(session.ID)
		}
		s.sessions.ClearCookie(w)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.router.List(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Cwd            string `json:"cwd"`
		Model          string `json:"model"`
		PermissionMode string `json:"permissionMode"`
		Name           string `json:"name"`
	}
	// An empty body creates a session with defaults.
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Cwd == "" {
		body.Cwd = s.config.DefaultCwd
	}

	sum := s.router.CreateSession(body.Cwd, body.Model, body.PermissionMode, body.Name)

	pid, err := s.supervisor.Spawn(supervisor.SpawnSpec{
		SessionID:      sum.ID,
		Cwd:            sum.Cwd,
		Model:          sum.Model,
		PermissionMode: sum.PermissionMode,
	})
	if err != nil {
		slog.Error("spawn on create failed", "session", sum.ID, "error", err)
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"session":    sum,
			"spawnError": err.Error(),
		})
		return
	}
	s.router.MarkStarting(sum.ID, pid)

	sum, _ = s.router.Get(sum.ID)
	writeJSON(w, http.StatusCreated, map[string]interface{}{"session": sum})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")
	detail, ok := s.router.Detail(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": detail})
}

func (s *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")
	if _, ok := s.router.Get(id); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	// An explicit kill is final: the disconnect that follows must not open
	// a grace window. The session comes back only via relaunch or a
	// browser attach.
	pid := s.supervisor.PID(id)
	s.recovery.MarkStopped(id)
	s.supervisor.Kill(id)
	if pid != 0 {
		s.router.MarkExited(id, pid)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleRelaunchSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")
	if _, ok := s.router.Get(id); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if s.router.Archived(id) {
		writeError(w, http.StatusConflict, "session is archived")
		return
	}

	s.relaunchSession(id)
	sum, _ := s.router.Get(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": sum})
}

func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")

	var body struct {
		Archived *bool `json:"archived"`
	}
	archived := true
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Archived != nil {
			archived = *body.Archived
		}
	}

	if err := s.router.SetArchived(id, archived); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if archived {
		// Archiving stops the process. The halt mark keeps the follow-up
		// disconnect from opening a grace window, and covers a later
		// unarchive too.
		pid := s.supervisor.PID(id)
		s.recovery.MarkStopped(id)
		s.supervisor.Kill(id)
		if pid != 0 {
			s.router.MarkExited(id, pid)
		}
	}

	sum, _ := s.router.Get(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": sum})
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")

	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.router.Rename(id, body.Name); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sum, _ := s.router.Get(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": sum})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")

	s.recovery.SessionRemoved(id)
	s.supervisor.Kill(id)
	s.supervisor.Forget(id)
	_ = s.terminals.Close(id)

	if err := s.router.Delete(id); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := s.store.Delete(id); err != nil {
		slog.Warn("deleting session record failed", "session", id, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
