package supervisor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SpawnSpec describes the session an agent process should serve.
type SpawnSpec struct {
	SessionID      string
	Cwd            string
	Model          string
	PermissionMode string
	// ResumeSessionID is the agent-internal session id from a previous run.
	// When set, the process is told to resume that conversation.
	ResumeSessionID string
}

// Config holds supervisor settings.
type Config struct {
	// Command is the agent CLI binary.
	Command string
	// BaseArgs are prepended to every launch.
	BaseArgs []string
	// AdvertiseURL is the relay's own WebSocket base URL, passed to the
	// agent so it can dial back.
	AdvertiseURL string
	// RelaunchCooldown is the minimum gap between relaunches of one session.
	RelaunchCooldown time.Duration
	// KillGracePeriod is how long SIGTERM gets before SIGKILL.
	KillGracePeriod time.Duration
}

// Supervisor tracks one agent process per session.
type Supervisor struct {
	cfg      Config
	launcher Launcher

	// OnExit is called whenever a supervised process exits, after the
	// supervisor has dropped its record. Set before any Spawn call.
	OnExit func(sessionID string, pid int)

	mu         sync.Mutex
	procs      map[string]*managed
	inflight   map[string]bool
	lastLaunch map[string]time.Time
}

type managed struct {
	proc Process
	pid  int
	done chan struct{}
}

// New creates a supervisor using the given launcher.
func New(cfg Config, launcher Launcher) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		launcher:   launcher,
		procs:      make(map[string]*managed),
		inflight:   make(map[string]bool),
		lastLaunch: make(map[string]time.Time),
	}
}

// Spawn launches an agent process for the session. Fails if one is already
// running or being launched.
func (s *Supervisor) Spawn(spec SpawnSpec) (int, error) {
	s.mu.Lock()
	if _, running := s.procs[spec.SessionID]; running {
		s.mu.Unlock()
		return 0, fmt.Errorf("session %s already has a process", spec.SessionID)
	}
	if s.inflight[spec.SessionID] {
		s.mu.Unlock()
		return 0, fmt.Errorf("session %s launch already in flight", spec.SessionID)
	}
	s.inflight[spec.SessionID] = true
	s.mu.Unlock()

	return s.launch(spec)
}

// Relaunch launches a replacement process for a session whose agent is gone.
// Concurrent callers and callers inside the cooldown window get started=false
// with no error; exactly one relaunch proceeds.
func (s *Supervisor) Relaunch(spec SpawnSpec) (pid int, started bool, err error) {
	s.mu.Lock()
	if _, running := s.procs[spec.SessionID]; running {
		s.mu.Unlock()
		return 0, false, nil
	}
	if s.inflight[spec.SessionID] {
		s.mu.Unlock()
		return 0, false, nil
	}
	if last, ok := s.lastLaunch[spec.SessionID]; ok && time.Since(last) < s.cfg.RelaunchCooldown {
		s.mu.Unlock()
		return 0, false, nil
	}
	s.inflight[spec.SessionID] = true
	s.mu.Unlock()

	pid, err = s.launch(spec)
	if err != nil {
		return 0, false, err
	}
	return pid, true, nil
}

// launch runs the launcher and registers the process. The caller must have
// set the inflight flag; launch always clears it.
func (s *Supervisor) launch(spec SpawnSpec) (int, error) {
	args := append([]string{}, s.cfg.BaseArgs...)
	args = append(args, "--url", s.cfg.AdvertiseURL+"/ws/agent/"+spec.SessionID)
	if spec.ResumeSessionID != "" {
		args = append(args, "--resume", spec.ResumeSessionID)
	}
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	if spec.PermissionMode != "" {
		args = append(args, "--permission-mode", spec.PermissionMode)
	}

	proc, err := s.launcher.Launch(LaunchSpec{
		SessionID: spec.SessionID,
		Command:   s.cfg.Command,
		Args:      args,
		Cwd:       spec.Cwd,
	})

	s.mu.Lock()
	delete(s.inflight, spec.SessionID)
	if err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("launch session %s: %w", spec.SessionID, err)
	}
	m := &managed{proc: proc, pid: proc.PID(), done: make(chan struct{})}
	s.procs[spec.SessionID] = m
	s.lastLaunch[spec.SessionID] = time.Now()
	s.mu.Unlock()

	go s.watch(spec.SessionID, m)
	return m.pid, nil
}

// watch waits for the process to exit and reports it. The identity check
// guards against a Kill+Spawn pair racing the old watcher: only the watcher
// of the current process may mutate state.
func (s *Supervisor) watch(sessionID string, m *managed) {
	err := m.proc.Wait()
	close(m.done)

	s.mu.Lock()
	current, ok := s.procs[sessionID]
	if !ok || current != m {
		s.mu.Unlock()
		return
	}
	delete(s.procs, sessionID)
	s.mu.Unlock()

	slog.Info("agent process exited", "session", sessionID, "pid", m.pid, "error", err)
	if s.OnExit != nil {
		s.OnExit(sessionID, m.pid)
	}
}

// Kill stops the session's process, SIGTERM first then SIGKILL after the
// grace period. No-op when nothing is running.
func (s *Supervisor) Kill(sessionID string) {
	s.mu.Lock()
	m, ok := s.procs[sessionID]
	if ok {
		// Removing the record first makes the watcher treat the exit as
		// already handled, so Kill never triggers OnExit.
		delete(s.procs, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	slog.Info("killing agent process", "session", sessionID, "pid", m.pid)
	termThenKill(m.proc, m.done, s.cfg.KillGracePeriod)
}

// KillAll stops every supervised process. Called on relay shutdown.
func (s *Supervisor) KillAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			s.Kill(id)
		}(id)
	}
	wg.Wait()
}

// PID returns the running process pid for a session, or 0.
func (s *Supervisor) PID(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.procs[sessionID]; ok {
		return m.pid
	}
	return 0
}

// Running reports whether the session has a supervised process.
func (s *Supervisor) Running(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[sessionID]
	return ok
}

// Forget drops the supervisor's cooldown and launch history for a session.
// Called when the session itself is deleted.
func (s *Supervisor) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastLaunch, sessionID)
	delete(s.inflight, sessionID)
}
