package term

import (
	"fmt"
	"sync"
	"time"
)

// Manager tracks at most one terminal per relay session.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	defaultShell string
	defaultRows  int
	defaultCols  int
	scrollback   int
}

// ManagerConfig holds manager defaults.
type ManagerConfig struct {
	DefaultShell string
	DefaultRows  int
	DefaultCols  int
	Scrollback   int
}

// NewManager creates a terminal manager.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		sessions:     make(map[string]*Session),
		defaultShell: cfg.DefaultShell,
		defaultRows:  cfg.DefaultRows,
		defaultCols:  cfg.DefaultCols,
		scrollback:   cfg.Scrollback,
	}
}

// GetOrCreate returns the session's terminal, starting one in workDir when
// none exists. A reconnecting terminal reuses the live shell, keeping its
// state and scrollback.
func (m *Manager) GetOrCreate(sessionID, workDir string, rows, cols int) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[sessionID]; ok {
		return s, nil
	}

	if rows <= 0 {
		rows = m.defaultRows
	}
	if cols <= 0 {
		cols = m.defaultCols
	}

	s, err := NewSession(SessionConfig{
		ID:         sessionID,
		Shell:      m.defaultShell,
		Rows:       rows,
		Cols:       cols,
		WorkDir:    workDir,
		Scrollback: m.scrollback,
		OnClose: func() {
			m.remove(sessionID)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("start terminal for session %s: %w", sessionID, err)
	}

	m.sessions[sessionID] = s
	return s, nil
}

// Get returns the session's terminal, or nil.
func (m *Manager) Get(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// Close tears down the session's terminal.
func (m *Manager) Close(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("terminal not found: %s", sessionID)
	}
	return s.Close()
}

// CloseAll tears down every terminal. Called on relay shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
}

func (m *Manager) remove(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// Count returns the number of live terminals.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CleanupIdle closes terminals idle for longer than maxIdle and returns how
// many were closed.
func (m *Manager) CleanupIdle(maxIdle time.Duration) int {
	m.mu.RLock()
	var stale []string
	for id, s := range m.sessions {
		if s.IdleTime() > maxIdle {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		_ = m.Close(id)
	}
	return len(stale)
}
