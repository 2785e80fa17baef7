package bridge

import (
	"bytes"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/agent-relay/internal/protocol"
	"github.com/workspace/agent-relay/internal/session"
)

// HandleAgentData processes one WebSocket message from the agent. A message
// may carry several newline-delimited frames; each line is handled
// independently so one malformed line never poisons its neighbors.
func (r *Router) HandleAgentData(id string, data []byte) {
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		r.HandleAgentFrame(id, line)
	}
}

// HandleAgentFrame parses and applies one agent frame. Malformed input is
// logged and dropped; the connection stays up.
func (r *Router) HandleAgentFrame(id string, line []byte) {
	frame, err := protocol.ParseAgentFrame(line)
	if err != nil {
		slog.Warn("dropping malformed agent frame", "session", id, "error", err)
		return
	}

	switch frame.Type {
	case protocol.FrameSystem:
		r.handleSystem(id, frame)
	case protocol.FrameSessionUpdate:
		r.handleSessionUpdate(id, frame)
	case protocol.FrameAssistant:
		r.handleAssistant(id, frame)
	case protocol.FrameUser:
		r.handleUser(id, frame)
	case protocol.FrameStreamEvent:
		r.handleStreamEvent(id, frame)
	case protocol.FrameResult:
		r.handleResult(id, frame)
	case protocol.FrameControlReq:
		r.handleControlRequest(id, frame)
	case protocol.FrameControlCancel:
		r.handleControlCancel(id, frame)
	case protocol.FrameError:
		r.handleError(id, frame)
	default:
		// Unknown frame kinds are forward compatibility, not errors.
		slog.Debug("ignoring unknown agent frame type", "session", id, "type", frame.Type)
	}
}

// handleSystem applies init and status frames. Init reveals the agent's
// internal session id, which is what makes resume possible later.
func (r *Router) handleSystem(id string, frame *protocol.AgentFrame) {
	switch frame.Subtype {
	case protocol.SubtypeInit:
		r.mu.Lock()
		ls, ok := r.sessions[id]
		if !ok {
			r.mu.Unlock()
			return
		}
		s := ls.sess
		agentSessionID := frame.SessionID
		if agentSessionID != "" {
			s.AgentSessionID = agentSessionID
		}
		if frame.Model != "" {
			s.Model = frame.Model
		}
		if frame.Cwd != "" {
			s.Cwd = frame.Cwd
		}
		if len(frame.Tools) > 0 {
			s.Tools = frame.Tools
		}
		if frame.PermissionMode != "" {
			s.PermissionMode = frame.PermissionMode
		}
		sn := s.Snapshot()
		r.broadcastLocked(ls, eventAgentConnected(s))
		r.broadcastStateLocked(ls)
		r.mu.Unlock()

		slog.Info("agent session initialized", "session", id, "agentSessionId", agentSessionID, "model", frame.Model)
		r.persist(sn)
		if agentSessionID != "" && r.cfg.OnAgentSessionID != nil {
			r.cfg.OnAgentSessionID(id, agentSessionID)
		}

	case protocol.SubtypeStatus:
		r.mu.Lock()
		ls, ok := r.sessions[id]
		if !ok {
			r.mu.Unlock()
			return
		}
		switch frame.Status {
		case "compacting":
			ls.sess.RunState = session.Compacting
		case "ready", "":
			ls.sess.RunState = session.Idle
		}
		r.broadcastStateLocked(ls)
		r.mu.Unlock()

	default:
		slog.Debug("ignoring system frame", "session", id, "subtype", frame.Subtype)
	}
}

// handleSessionUpdate merges partial metadata the agent pushes after init.
// Only fields present on the frame change; everything else is left alone.
func (r *Router) handleSessionUpdate(id string, frame *protocol.AgentFrame) {
	r.mu.Lock()
	ls, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	s := ls.sess
	agentSessionID := frame.SessionID
	if agentSessionID != "" {
		s.AgentSessionID = agentSessionID
	}
	if frame.Model != "" {
		s.Model = frame.Model
	}
	if frame.Cwd != "" {
		s.Cwd = frame.Cwd
	}
	if len(frame.Tools) > 0 {
		s.Tools = frame.Tools
	}
	if frame.PermissionMode != "" {
		s.PermissionMode = frame.PermissionMode
	}
	r.broadcastStateLocked(ls)
	sn := s.Snapshot()
	r.mu.Unlock()

	r.persist(sn)
	if agentSessionID != "" && r.cfg.OnAgentSessionID != nil {
		r.cfg.OnAgentSessionID(id, agentSessionID)
	}
}

// handleAssistant finalizes an assistant message: appends it (deduplicating
// by message id), clears streaming scratch, and derives tasks from any
// tool_use blocks it carries.
func (r *Router) handleAssistant(id string, frame *protocol.AgentFrame) {
	if frame.Message == nil {
		slog.Warn("assistant frame without message", "session", id)
		return
	}

	msg := session.Message{
		ID:        frame.Message.ID,
		Role:      "assistant",
		Text:      frame.Message.PlainText(),
		Blocks:    frame.Message.Content,
		Timestamp: time.Now().UTC(),
	}

	r.mu.Lock()
	ls, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	s := ls.sess

	_, _, wasStreaming := s.StreamingText()
	appended := s.AppendMessage(msg)
	s.ClearStreaming()
	s.RunState = session.Running
	tasksChanged := s.DeriveTasksFromBlocks(frame.Message.Content)

	var events [][]byte
	if appended {
		if wasStreaming {
			events = append(events, eventMessageFinal(msg))
		} else {
			events = append(events, eventMessage(msg))
		}
	}
	if tasksChanged {
		events = append(events, eventTasks(s))
	}
	for _, ev := range events {
		r.broadcastLocked(ls, ev)
	}
	persist := appended || tasksChanged
	var sn session.Snapshot
	if persist {
		sn = s.Snapshot()
	}
	r.mu.Unlock()

	if persist {
		r.persist(sn)
	}
}

// handleUser records a user turn reported by the agent (for example a turn
// injected by resume replay). A turn submitted through a browser was already
// appended at submit time and comes back under the agent's own id, so an
// echo whose text matches the latest stored user turn is dropped.
func (r *Router) handleUser(id string, frame *protocol.AgentFrame) {
	if frame.Message == nil {
		return
	}
	msg := session.Message{
		ID:        frame.Message.ID,
		Role:      "user",
		Text:      frame.Message.PlainText(),
		Timestamp: time.Now().UTC(),
	}
	if msg.Text == "" {
		return
	}

	r.mu.Lock()
	ls, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if last, found := lastUserMessage(ls.sess); found && last.Text == msg.Text {
		r.mu.Unlock()
		return
	}
	appended := ls.sess.AppendMessage(msg)
	if appended {
		r.broadcastLocked(ls, eventMessage(msg))
	}
	var sn session.Snapshot
	if appended {
		sn = ls.sess.Snapshot()
	}
	r.mu.Unlock()

	if appended {
		r.persist(sn)
	}
}

func lastUserMessage(s *session.Session) (session.Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == "user" {
			return s.Messages[i], true
		}
	}
	return session.Message{}, false
}

// handleStreamEvent accumulates in-progress assistant text. Stream deltas
// are fan-out only: they mutate scratch state and are never persisted.
func (r *Router) handleStreamEvent(id string, frame *protocol.AgentFrame) {
	if frame.Event == nil {
		return
	}

	var text string
	if frame.Event.Delta != nil {
		text = frame.Event.Delta.Text
		if text == "" {
			text = frame.Event.Delta.Thinking
		}
	}
	var tokens int
	if frame.Event.Usage != nil {
		tokens = frame.Event.Usage.OutputTokens
	}
	if text == "" && tokens == 0 {
		return
	}

	r.mu.Lock()
	ls, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	ls.sess.ApplyStreamDelta(text, tokens)
	ls.sess.RunState = session.Running
	r.broadcastLocked(ls, eventStreamDelta(text, tokens))
	r.mu.Unlock()
}

// handleResult closes a turn: cost and token accounting update, run state
// returns to idle, and any leftover streaming scratch is discarded.
func (r *Router) handleResult(id string, frame *protocol.AgentFrame) {
	r.mu.Lock()
	ls, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	s := ls.sess
	if frame.TotalCostUSD > 0 {
		s.TotalCostUSD = frame.TotalCostUSD
	}
	if frame.NumTurns > 0 {
		s.NumTurns = frame.NumTurns
	}
	if frame.ContextTokens > 0 {
		s.ContextTokens = frame.ContextTokens
	}
	s.RunState = session.Idle
	s.ClearStreaming()
	if frame.IsError {
		text := frame.Result
		if text == "" {
			text = "turn ended in error"
		}
		msg := session.Message{
			ID:        uuid.NewString(),
			Role:      "system",
			Text:      text,
			Timestamp: time.Now().UTC(),
		}
		if s.AppendMessage(msg) {
			r.broadcastLocked(ls, eventMessage(msg))
		}
	}
	r.broadcastLocked(ls, eventTurnComplete(s, frame.IsError, frame.Result))
	r.broadcastStateLocked(ls)
	sn := s.Snapshot()
	r.mu.Unlock()

	r.persist(sn)
}

// handleControlRequest registers a pending permission request. A request
// for a task tool also applies the task mutation immediately so browsers
// see the plan while approval is still pending.
func (r *Router) handleControlRequest(id string, frame *protocol.AgentFrame) {
	if frame.RequestID == "" || frame.Request == nil {
		slog.Warn("control_request missing request_id or body", "session", id)
		return
	}

	req := session.PermissionRequest{
		ID:        frame.RequestID,
		ToolName:  frame.Request.ToolName,
		Input:     frame.Request.Input,
		CreatedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	ls, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	s := ls.sess
	added := s.AddPermission(req)
	tasksChanged := false
	if session.IsTaskTool(req.ToolName) {
		tasksChanged = s.ApplyTaskTool(frame.RequestID, req.ToolName, req.Input)
	}
	if added {
		r.broadcastPriorityLocked(ls, eventPermissionRequest(req))
	}
	if tasksChanged {
		r.broadcastLocked(ls, eventTasks(s))
	}
	persist := added || tasksChanged
	var sn session.Snapshot
	if persist {
		sn = s.Snapshot()
	}
	r.mu.Unlock()

	if !added {
		slog.Warn("duplicate control_request ignored", "session", id, "requestId", frame.RequestID)
	}
	if persist {
		r.persist(sn)
	}
}

// handleControlCancel withdraws a pending request. Cancelling an unknown or
// already-resolved request is a no-op.
func (r *Router) handleControlCancel(id string, frame *protocol.AgentFrame) {
	if frame.RequestID == "" {
		return
	}

	r.mu.Lock()
	ls, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	cancelled := ls.sess.CancelPermission(frame.RequestID)
	if cancelled {
		r.broadcastPriorityLocked(ls, eventPermissionResolved(frame.RequestID, "", true))
	}
	var sn session.Snapshot
	if cancelled {
		sn = ls.sess.Snapshot()
	}
	r.mu.Unlock()

	if cancelled {
		r.persist(sn)
	}
}

// handleError records a protocol-level error as a system message. The
// connection stays up; an error frame is information, not a teardown.
func (r *Router) handleError(id string, frame *protocol.AgentFrame) {
	text := "agent error"
	if frame.Error != nil && frame.Error.Message != "" {
		text = frame.Error.Message
	}
	slog.Warn("agent reported error", "session", id, "message", text)

	r.mu.Lock()
	ls, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	msg := session.Message{
		ID:        uuid.NewString(),
		Role:      "system",
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
	if ls.sess.AppendMessage(msg) {
		r.broadcastLocked(ls, eventMessage(msg))
	}
	r.broadcastLocked(ls, eventError(text))
	sn := ls.sess.Snapshot()
	r.mu.Unlock()

	r.persist(sn)
}
