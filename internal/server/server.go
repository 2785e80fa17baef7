// Package server provides the relay's HTTP and WebSocket surface and wires
// the bridge, supervisor, recovery coordinator, and store together.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/workspace/agent-relay/internal/auth"
	"github.com/workspace/agent-relay/internal/bridge"
	"github.com/workspace/agent-relay/internal/config"
	"github.com/workspace/agent-relay/internal/recovery"
	"github.com/workspace/agent-relay/internal/session"
	"github.com/workspace/agent-relay/internal/store"
	"github.com/workspace/agent-relay/internal/supervisor"
	"github.com/workspace/agent-relay/internal/term"
)

// Server is the relay process.
type Server struct {
	config     *config.Config
	httpServer *http.Server

	router       *bridge.Router
	supervisor   *supervisor.Supervisor
	recovery     *recovery.Coordinator
	store        *store.Store
	writer       *store.DebouncedWriter
	terminals    *term.Manager
	jwtValidator *auth.JWTValidator
	sessions     *auth.SessionManager
}

// New creates a fully wired server. Persisted sessions are restored and
// their grace windows started before this returns.
func New(cfg *config.Config) (*Server, error) {
	return newWithLauncher(cfg, supervisor.ExecLauncher{})
}

func newWithLauncher(cfg *config.Config, launcher supervisor.Launcher) (*Server, error) {
	s := &Server{config: cfg}

	if cfg.AuthEnabled() {
		validator, err := auth.NewJWTValidator(cfg.JWKSEndpoint, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			return nil, fmt.Errorf("create JWT validator: %w", err)
		}
		s.jwtValidator = validator
		s.sessions = auth.NewSessionManager(cfg.CookieName, cfg.CookieSecure, cfg.SessionTTL)
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.store = st
	s.writer = store.NewDebouncedWriter(st, cfg.StoreDebounce)

	s.supervisor = supervisor.New(supervisor.Config{
		Command:          cfg.AgentCommand,
		BaseArgs:         cfg.AgentArgs,
		AdvertiseURL:     cfg.AdvertiseURL,
		RelaunchCooldown: cfg.RelaunchCooldown,
		KillGracePeriod:  cfg.KillGracePeriod,
	}, launcher)

	s.router = bridge.New(bridge.Config{
		BrowserSendBuffer:  cfg.BrowserSendBuffer,
		MaxTaskInvocations: cfg.MaxTaskInvocations,
		Persist:            s.persistSnapshot,
		OnAgentConnected: func(id string) {
			s.recovery.AgentConnected(id)
		},
		OnAgentDisconnected: func(id string) {
			s.recovery.BeginGrace(id)
		},
		OnBrowserAttached: func(id string) {
			s.recovery.BrowserAttached(id)
		},
	})

	s.recovery = recovery.New(recovery.Config{
		GraceWindow: cfg.GraceWindow,
		Archived:    s.router.Archived,
		HasAgent:    s.router.HasAgent,
		Relaunch:    s.relaunchSession,
	})

	s.supervisor.OnExit = func(id string, pid int) {
		s.router.MarkExited(id, pid)
		if !s.router.Archived(id) {
			s.recovery.BeginGrace(id)
		}
	}

	s.terminals = term.NewManager(term.ManagerConfig{
		DefaultShell: cfg.DefaultShell,
		DefaultRows:  cfg.DefaultRows,
		DefaultCols:  cfg.DefaultCols,
	})

	if err := s.restoreSessions(); err != nil {
		st.Close()
		return nil, err
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	return s, nil
}

// restoreSessions loads persisted sessions and resets their volatile state.
// A grace window opens only for sessions that had a live or starting agent
// process when the relay went down; a session already disconnected before
// the restart stays down until someone looks at it.
func (s *Server) restoreSessions() error {
	snapshots, err := s.store.LoadAll()
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	for _, sn := range snapshots {
		sess := session.FromSnapshot(sn)
		s.router.Restore(sess)

		if sn.PID != 0 && supervisor.PIDAlive(sn.PID) {
			// A process from the previous run is still alive. Reflect it so
			// the relaunch path can clean it up if it never reconnects.
			s.router.MarkStarting(sess.ID, sn.PID)
			slog.Info("previous agent process still alive", "session", sess.ID, "pid", sn.PID)
		}
		hadAgent := sn.ConnState == session.Connected || sn.ConnState == session.Starting
		if hadAgent && !sn.Archived {
			s.recovery.BeginGrace(sess.ID)
		}
	}

	slog.Info("sessions restored", "count", len(snapshots))
	return nil
}

// persistSnapshot routes bridge mutations through the debounced writer.
func (s *Server) persistSnapshot(sn session.Snapshot) {
	s.writer.Enqueue(sn.ID, func() error {
		return s.store.Save(sn)
	})
}

// relaunchSession spawns a replacement process for a session. The supervisor
// enforces idempotence; a stale orphan from a previous run is terminated
// first so two processes never serve one session.
func (s *Server) relaunchSession(id string) {
	cwd, model, permissionMode, agentSessionID, ok := s.router.ResumeSpec(id)
	if !ok {
		return
	}
	s.recovery.ClearStopped(id)

	if sum, found := s.router.Get(id); found && sum.PID != 0 && !s.supervisor.Running(id) {
		supervisor.KillOrphan(sum.PID)
	}

	pid, started, err := s.supervisor.Relaunch(supervisor.SpawnSpec{
		SessionID:       id,
		Cwd:             cwd,
		Model:           model,
		PermissionMode:  permissionMode,
		ResumeSessionID: agentSessionID,
	})
	if err != nil {
		slog.Error("relaunch failed", "session", id, "error", err)
		return
	}
	if started {
		s.router.MarkStarting(id, pid)
	}
}

// Start starts the HTTP server. Blocks until the listener fails or the
// server is stopped.
func (s *Server) Start() error {
	slog.Info("starting relay",
		"addr", s.httpServer.Addr,
		"advertiseUrl", s.config.AdvertiseURL,
		"authEnabled", s.config.AuthEnabled())
	return s.httpServer.ListenAndServe()
}

// Stop shuts everything down: no more relaunches, agent processes get a
// graceful kill, pending store writes flush, and the listener drains.
func (s *Server) Stop(ctx context.Context) error {
	s.recovery.Stop()
	s.supervisor.KillAll()
	s.terminals.CloseAll()

	s.writer.Close()
	if err := s.store.Close(); err != nil {
		slog.Warn("closing store failed", "error", err)
	}

	return s.httpServer.Shutdown(ctx)
}

// uptimeStart is recorded at package init for the health endpoint.
var uptimeStart = time.Now()
