package term

import (
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
)

// Session is one live shell behind a PTY. Output read through the session is
// mirrored into the scrollback buffer so a reconnecting terminal can replay
// recent history.
type Session struct {
	ID         string
	Cmd        *exec.Cmd
	Pty        *os.File
	Scrollback *ScrollbackBuffer

	mu         sync.Mutex
	rows       int
	cols       int
	lastActive time.Time
	onClose    func()
	closed     bool
}

// SessionConfig holds settings for a new terminal session.
type SessionConfig struct {
	ID         string
	Shell      string
	Rows       int
	Cols       int
	WorkDir    string
	Env        []string
	Scrollback int
	OnClose    func()
}

// NewSession starts a shell under a PTY.
func NewSession(cfg SessionConfig) (*Session, error) {
	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	rows := cfg.Rows
	if rows <= 0 {
		rows = 24
	}
	cols := cfg.Cols
	if cols <= 0 {
		cols = 80
	}

	cmd := exec.Command(shell)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return nil, err
	}

	return &Session{
		ID:         cfg.ID,
		Cmd:        cmd,
		Pty:        ptmx,
		Scrollback: NewScrollbackBuffer(cfg.Scrollback),
		rows:       rows,
		cols:       cols,
		lastActive: time.Now(),
		onClose:    cfg.OnClose,
	}, nil
}

// Read reads shell output, mirroring it into the scrollback buffer.
func (s *Session) Read(p []byte) (int, error) {
	s.touch()
	n, err := s.Pty.Read(p)
	if n > 0 {
		s.Scrollback.Write(p[:n])
	}
	return n, err
}

// Write sends input to the shell.
func (s *Session) Write(p []byte) (int, error) {
	s.touch()
	return s.Pty.Write(p)
}

// Resize changes the PTY window size.
func (s *Session) Resize(rows, cols int) error {
	s.mu.Lock()
	s.rows = rows
	s.cols = cols
	s.mu.Unlock()

	return pty.Setsize(s.Pty, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
}

// Close tears down the PTY and the shell process. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	onClose := s.onClose
	s.mu.Unlock()

	if onClose != nil {
		onClose()
	}

	err := s.Pty.Close()
	if s.Cmd.Process != nil {
		_ = s.Cmd.Process.Kill()
		_, _ = s.Cmd.Process.Wait()
	}
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}

// LastActive returns the time of the most recent read or write.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// IdleTime returns how long the session has been idle.
func (s *Session) IdleTime() time.Duration {
	return time.Since(s.LastActive())
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}
