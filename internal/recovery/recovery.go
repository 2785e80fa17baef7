// Package recovery decides when a session without a live agent connection
// deserves a process relaunch. It owns the boot grace window: after a relay
// restart, agents from surviving processes get time to dial back in before
// anything is respawned.
package recovery

import (
	"log/slog"
	"sync"
	"time"
)

// Config wires the coordinator to the rest of the relay. The predicates are
// consulted at decision time, never cached.
type Config struct {
	// GraceWindow is how long a disconnected session waits for its agent
	// to reconnect before a relaunch is considered.
	GraceWindow time.Duration

	// Archived reports whether the session is archived. Archived sessions
	// are never relaunched.
	Archived func(sessionID string) bool
	// HasAgent reports whether the session has a live agent connection.
	HasAgent func(sessionID string) bool
	// Relaunch requests a replacement process. Idempotence (in-flight and
	// cooldown guards) is the callee's concern.
	Relaunch func(sessionID string)
}

// Coordinator tracks one grace timer per disconnected session. Sessions that
// were stopped on purpose are marked halted: their disconnect events open no
// grace window until something clears the mark.
type Coordinator struct {
	cfg Config

	mu      sync.Mutex
	timers  map[string]*time.Timer
	halted  map[string]struct{}
	stopped bool
}

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	return &Coordinator{
		cfg:    cfg,
		timers: make(map[string]*time.Timer),
		halted: make(map[string]struct{}),
	}
}

// BeginGrace starts (or restarts) the grace window for a session. When the
// window elapses without an agent connection, a relaunch is requested. A
// no-op for halted sessions: the disconnect that follows an explicit kill
// must not schedule a comeback.
func (c *Coordinator) BeginGrace(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if _, held := c.halted[sessionID]; held {
		return
	}
	if t, ok := c.timers[sessionID]; ok {
		t.Stop()
	}
	c.timers[sessionID] = time.AfterFunc(c.cfg.GraceWindow, func() {
		c.graceExpired(sessionID)
	})
	slog.Debug("grace window started", "session", sessionID, "window", c.cfg.GraceWindow)
}

func (c *Coordinator) graceExpired(sessionID string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	delete(c.timers, sessionID)
	c.mu.Unlock()

	c.maybeRelaunch(sessionID, "grace window expired")
}

// AgentConnected cancels any pending grace timer: the agent came back on
// its own. A live connection also lifts a halt mark.
func (c *Coordinator) AgentConnected(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.halted, sessionID)
	if t, ok := c.timers[sessionID]; ok {
		t.Stop()
		delete(c.timers, sessionID)
	}
}

// MarkStopped records an intentional stop. The next disconnect opens no
// grace window; the session stays down until an explicit relaunch or a
// browser attach revives it.
func (c *Coordinator) MarkStopped(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.halted[sessionID] = struct{}{}
	if t, ok := c.timers[sessionID]; ok {
		t.Stop()
		delete(c.timers, sessionID)
	}
}

// ClearStopped lifts the intentional-stop mark. Called when a new process is
// launched for the session.
func (c *Coordinator) ClearStopped(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.halted, sessionID)
}

// BrowserAttached prompts an immediate relaunch check: someone is looking at
// a session whose agent is gone. A running grace window is respected so a
// briefly-disconnected agent still gets its chance to reconnect; a halt mark
// is lifted, since a watching human outranks an earlier stop.
func (c *Coordinator) BrowserAttached(sessionID string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	delete(c.halted, sessionID)
	if _, inGrace := c.timers[sessionID]; inGrace {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.maybeRelaunch(sessionID, "browser attached")
}

// SessionRemoved drops any pending timer and halt mark for a deleted session.
func (c *Coordinator) SessionRemoved(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.halted, sessionID)
	if t, ok := c.timers[sessionID]; ok {
		t.Stop()
		delete(c.timers, sessionID)
	}
}

// Stop cancels all timers. No relaunches happen after Stop returns.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}

func (c *Coordinator) maybeRelaunch(sessionID, reason string) {
	if c.cfg.Archived(sessionID) {
		return
	}
	if c.cfg.HasAgent(sessionID) {
		return
	}
	slog.Info("requesting agent relaunch", "session", sessionID, "reason", reason)
	c.cfg.Relaunch(sessionID)
}
