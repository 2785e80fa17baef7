// Package bridge routes traffic between agent processes and browser
// connections. One Router serves all sessions; per session there is at most
// one live agent connection and any number of browsers.
package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/agent-relay/internal/session"
)

var (
	ErrSessionNotFound        = errors.New("session not found")
	ErrNoAgentConnection      = errors.New("no agent connection")
	ErrUnknownControlResponse = errors.New("control response does not match a pending request")
)

// Config holds router settings and the callbacks wiring it to the rest of
// the relay. All callbacks are invoked outside the router lock.
type Config struct {
	// BrowserSendBuffer is the per-browser send channel capacity.
	BrowserSendBuffer int
	// MaxTaskInvocations caps each session's processed-invocation-id set.
	MaxTaskInvocations int

	// Persist saves a session snapshot. Usually a debounced store write.
	Persist func(sn session.Snapshot)
	// OnAgentSessionID fires when the agent's init frame reveals its
	// internal session id.
	OnAgentSessionID func(sessionID, agentSessionID string)
	// OnAgentConnected fires after an agent connection attaches.
	OnAgentConnected func(sessionID string)
	// OnAgentDisconnected fires after the live agent connection detaches.
	OnAgentDisconnected func(sessionID string)
	// OnBrowserAttached fires after a browser attaches. The recovery
	// coordinator uses it to decide whether a relaunch is warranted.
	OnBrowserAttached func(sessionID string)
}

// Summary is the list/detail view of a session for the REST API and the
// browser state event.
type Summary struct {
	ID             string            `json:"id"`
	Name           string            `json:"name,omitempty"`
	Cwd            string            `json:"cwd,omitempty"`
	Model          string            `json:"model,omitempty"`
	PermissionMode string            `json:"permissionMode,omitempty"`
	AgentSessionID string            `json:"agentSessionId,omitempty"`
	PID            int               `json:"pid,omitempty"`
	Tools          []string          `json:"tools,omitempty"`
	Archived       bool              `json:"archived"`
	ConnState      session.ConnState `json:"connState"`
	RunState       session.RunState  `json:"runState"`
	MessageCount   int               `json:"messageCount"`
	PendingCount   int               `json:"pendingCount"`
	TotalCostUSD   float64           `json:"totalCostUsd,omitempty"`
	NumTurns       int               `json:"numTurns,omitempty"`
	ContextTokens  int               `json:"contextTokens,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

type liveSession struct {
	sess     *session.Session
	agent    *agentLink
	browsers map[string]*Browser
}

// Router owns all sessions and serializes their mutations under one lock.
// Browser writes never happen under the lock; events go through each
// browser's buffered channel.
type Router struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*liveSession
}

// New creates an empty router.
func New(cfg Config) *Router {
	if cfg.BrowserSendBuffer <= 0 {
		cfg.BrowserSendBuffer = 256
	}
	return &Router{
		cfg:      cfg,
		sessions: make(map[string]*liveSession),
	}
}

// CreateSession registers a new session and persists it.
func (r *Router) CreateSession(cwd, model, permissionMode, name string) Summary {
	sess := session.New(uuid.NewString(), cwd, model, permissionMode)
	sess.Name = name
	sess.SetMaxInvocations(r.cfg.MaxTaskInvocations)

	r.mu.Lock()
	r.sessions[sess.ID] = &liveSession{
		sess:     sess,
		browsers: make(map[string]*Browser),
	}
	sum := summarize(sess)
	sn := sess.Snapshot()
	r.mu.Unlock()

	slog.Info("session created", "session", sess.ID, "cwd", cwd, "model", model)
	r.persist(sn)
	return sum
}

// Restore registers a session loaded from disk. Connection and run state are
// reset: whatever was true before the restart must be re-proven by a live
// agent connection.
func (r *Router) Restore(sess *session.Session) {
	sess.ConnState = session.Disconnected
	sess.RunState = session.Idle
	sess.PID = 0
	sess.ClearStreaming()
	sess.SetMaxInvocations(r.cfg.MaxTaskInvocations)

	r.mu.Lock()
	r.sessions[sess.ID] = &liveSession{
		sess:     sess,
		browsers: make(map[string]*Browser),
	}
	r.mu.Unlock()
}

// Get returns the summary for one session.
func (r *Router) Get(id string) (Summary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls, ok := r.sessions[id]
	if !ok {
		return Summary{}, false
	}
	return summarize(ls.sess), true
}

// Detail returns the full snapshot for one session, including history,
// tasks, and pending permission requests.
func (r *Router) Detail(id string) (session.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls, ok := r.sessions[id]
	if !ok {
		return session.Snapshot{}, false
	}
	return ls.sess.Snapshot(), true
}

// List returns all sessions, oldest first.
func (r *Router) List() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Summary, 0, len(r.sessions))
	for _, ls := range r.sessions {
		out = append(out, summarize(ls.sess))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// StartingSessions lists sessions whose process was spawned but whose agent
// has not dialed back yet.
func (r *Router) StartingSessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, ls := range r.sessions {
		if ls.sess.ConnState == session.Starting {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// ResumeSpec returns what a relaunch of this session needs: working
// directory, model, permission mode, and the agent-internal session id.
func (r *Router) ResumeSpec(id string) (cwd, model, permissionMode, agentSessionID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls, found := r.sessions[id]
	if !found {
		return "", "", "", "", false
	}
	s := ls.sess
	return s.Cwd, s.Model, s.PermissionMode, s.AgentSessionID, true
}

// Archived reports whether the session exists and is archived.
func (r *Router) Archived(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls, ok := r.sessions[id]
	return ok && ls.sess.Archived
}

// HasAgent reports whether the session has a live agent connection.
func (r *Router) HasAgent(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls, ok := r.sessions[id]
	return ok && ls.agent != nil
}

// HasBrowsers reports whether any browser is attached to the session.
func (r *Router) HasBrowsers(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls, ok := r.sessions[id]
	return ok && len(ls.browsers) > 0
}

// SetArchived flips the archived flag and notifies browsers.
func (r *Router) SetArchived(id string, archived bool) error {
	r.mu.Lock()
	ls, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	ls.sess.Archived = archived
	sn := ls.sess.Snapshot()
	r.broadcastStateLocked(ls)
	r.mu.Unlock()

	r.persist(sn)
	return nil
}

// Rename sets the session's display name.
func (r *Router) Rename(id, name string) error {
	r.mu.Lock()
	ls, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	ls.sess.Name = name
	sn := ls.sess.Snapshot()
	r.broadcastStateLocked(ls)
	r.mu.Unlock()

	r.persist(sn)
	return nil
}

// Delete removes a session, closing its agent and browser connections. The
// caller is responsible for killing the process and removing the store row.
func (r *Router) Delete(id string) error {
	r.mu.Lock()
	ls, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(r.sessions, id)
	agent := ls.agent
	browsers := make([]*Browser, 0, len(ls.browsers))
	for _, b := range ls.browsers {
		browsers = append(browsers, b)
	}
	r.mu.Unlock()

	if agent != nil {
		agent.close()
	}
	for _, b := range browsers {
		b.close()
	}
	slog.Info("session deleted", "session", id)
	return nil
}

// MarkStarting records a freshly spawned process: the session is waiting for
// the agent to dial back.
func (r *Router) MarkStarting(id string, pid int) {
	r.mu.Lock()
	ls, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	ls.sess.PID = pid
	ls.sess.ConnState = session.Starting
	sn := ls.sess.Snapshot()
	r.broadcastStateLocked(ls)
	r.mu.Unlock()

	r.persist(sn)
}

// MarkExited records a process exit. Ignored when the pid is not the
// session's current process (a replacement already spawned).
func (r *Router) MarkExited(id string, pid int) {
	r.mu.Lock()
	ls, ok := r.sessions[id]
	if !ok || ls.sess.PID != pid {
		r.mu.Unlock()
		return
	}
	ls.sess.PID = 0
	if ls.agent == nil {
		ls.sess.ConnState = session.Disconnected
		ls.sess.RunState = session.Idle
		ls.sess.ClearStreaming()
	}
	sn := ls.sess.Snapshot()
	r.broadcastStateLocked(ls)
	r.mu.Unlock()

	r.persist(sn)
}

// AttachAgent registers conn as the session's live agent connection. An
// existing connection is superseded: closed and replaced, never doubled.
func (r *Router) AttachAgent(id string, conn agentConn) error {
	r.mu.Lock()
	ls, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	old := ls.agent
	ls.agent = newAgentLink(conn)
	ls.sess.ConnState = session.Connected
	sn := ls.sess.Snapshot()
	r.broadcastLocked(ls, eventAgentConnected(ls.sess))
	r.broadcastStateLocked(ls)
	r.mu.Unlock()

	if old != nil {
		slog.Warn("superseding existing agent connection", "session", id)
		old.close()
	}
	slog.Info("agent connected", "session", id)
	r.persist(sn)
	if r.cfg.OnAgentConnected != nil {
		r.cfg.OnAgentConnected(id)
	}
	return nil
}

// DetachAgent drops the agent connection, but only if conn is still the
// live one. A superseded connection's read loop calling DetachAgent late
// must not tear down its replacement.
func (r *Router) DetachAgent(id string, conn agentConn) {
	r.mu.Lock()
	ls, ok := r.sessions[id]
	if !ok || ls.agent == nil || ls.agent.conn != conn {
		r.mu.Unlock()
		return
	}
	ls.agent = nil
	ls.sess.ConnState = session.Disconnected
	ls.sess.RunState = session.Idle
	ls.sess.ClearStreaming()
	sn := ls.sess.Snapshot()
	r.broadcastStateLocked(ls)
	r.mu.Unlock()

	slog.Info("agent disconnected", "session", id)
	r.persist(sn)
	if r.cfg.OnAgentDisconnected != nil {
		r.cfg.OnAgentDisconnected(id)
	}
}

// AttachBrowser registers a browser connection. The full session snapshot is
// queued before the browser becomes eligible for live events, so it never
// observes a gap between history and the live stream.
func (r *Router) AttachBrowser(id string, conn browserConn) (*Browser, error) {
	r.mu.Lock()
	ls, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrSessionNotFound
	}

	b := newBrowser(uuid.NewString(), conn, r.cfg.BrowserSendBuffer)
	go b.writePump()

	// Queue the snapshot and register in one critical section: every event
	// broadcast after this point lands behind the snapshot in b's channel.
	b.send(eventSnapshot(ls.sess))
	ls.browsers[b.ID] = b
	total := len(ls.browsers)
	r.mu.Unlock()

	slog.Info("browser attached", "session", id, "browser", b.ID, "totalBrowsers", total)
	if r.cfg.OnBrowserAttached != nil {
		r.cfg.OnBrowserAttached(id)
	}
	return b, nil
}

// DetachBrowser removes a browser connection.
func (r *Router) DetachBrowser(id string, b *Browser) {
	r.mu.Lock()
	ls, ok := r.sessions[id]
	if ok {
		delete(ls.browsers, b.ID)
	}
	var remaining int
	if ok {
		remaining = len(ls.browsers)
	}
	r.mu.Unlock()

	b.close()
	if ok {
		slog.Info("browser detached", "session", id, "browser", b.ID, "totalBrowsers", remaining)
	}
}

// SendToAgent writes a frame to the session's agent connection.
func (r *Router) SendToAgent(id string, frame []byte) error {
	r.mu.Lock()
	ls, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	agent := ls.agent
	r.mu.Unlock()

	if agent == nil {
		return ErrNoAgentConnection
	}
	if err := agent.writeFrame(frame); err != nil {
		return fmt.Errorf("write to agent: %w", err)
	}
	return nil
}

// broadcastLocked queues an event on every attached browser. Caller holds r.mu.
func (r *Router) broadcastLocked(ls *liveSession, data []byte) {
	for _, b := range ls.browsers {
		b.send(data)
	}
}

// broadcastPriorityLocked queues an event that survives backpressure.
func (r *Router) broadcastPriorityLocked(ls *liveSession, data []byte) {
	for _, b := range ls.browsers {
		b.sendPriority(data)
	}
}

func (r *Router) broadcastStateLocked(ls *liveSession) {
	r.broadcastPriorityLocked(ls, eventState(ls.sess))
}

func (r *Router) persist(sn session.Snapshot) {
	if r.cfg.Persist != nil {
		r.cfg.Persist(sn)
	}
}

func summarize(s *session.Session) Summary {
	return Summary{
		ID:             s.ID,
		Name:           s.Name,
		Cwd:            s.Cwd,
		Model:          s.Model,
		PermissionMode: s.PermissionMode,
		AgentSessionID: s.AgentSessionID,
		PID:            s.PID,
		Tools:          s.Tools,
		Archived:       s.Archived,
		ConnState:      s.ConnState,
		RunState:       s.RunState,
		MessageCount:   len(s.Messages),
		PendingCount:   len(s.Pending),
		TotalCostUSD:   s.TotalCostUSD,
		NumTurns:       s.NumTurns,
		ContextTokens:  s.ContextTokens,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}
