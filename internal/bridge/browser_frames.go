package bridge

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/agent-relay/internal/protocol"
	"github.com/workspace/agent-relay/internal/session"
)

// HandleBrowserFrame processes one message from an attached browser. The
// returned error is reported back to that browser only; it never tears down
// the session.
func (r *Router) HandleBrowserFrame(id string, b *Browser, data []byte) error {
	msg, err := protocol.ParseBrowserMessage(data)
	if err != nil {
		return err
	}

	switch msg.Type {
	case protocol.BrowserUserMessage:
		return r.handleUserMessage(id, msg)
	case protocol.BrowserControlResponse:
		return r.handleControlResponse(id, msg)
	case protocol.BrowserInterrupt:
		frame, err := protocol.AgentInterrupt()
		if err != nil {
			return err
		}
		return r.SendToAgent(id, frame)
	case protocol.BrowserSetModel:
		return r.handleSetModel(id, msg)
	case protocol.BrowserSetPermission:
		return r.handleSetPermissionMode(id, msg)
	case protocol.BrowserPing:
		b.sendPriority(eventPong())
		return nil
	default:
		slog.Debug("ignoring unknown browser message type", "session", id, "type", msg.Type)
		return nil
	}
}

// handleUserMessage appends the user turn to history, fans it out, and
// relays it to the agent. The append happens even when the agent is away so
// the turn survives in history; the send error tells the browser to expect
// no reply until the agent is back.
func (r *Router) handleUserMessage(id string, msg *protocol.BrowserMessage) error {
	if msg.Text == "" {
		return fmt.Errorf("user_message with empty text")
	}

	userMsg := session.Message{
		ID:        uuid.NewString(),
		Role:      "user",
		Text:      msg.Text,
		Timestamp: time.Now().UTC(),
	}

	r.mu.Lock()
	ls, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	ls.sess.AppendMessage(userMsg)
	ls.sess.RunState = session.Running
	r.broadcastLocked(ls, eventMessage(userMsg))
	sn := ls.sess.Snapshot()
	r.mu.Unlock()

	r.persist(sn)

	frame, err := protocol.AgentUserTurn(msg.Text)
	if err != nil {
		return err
	}
	return r.SendToAgent(id, frame)
}

// handleControlResponse resolves a pending permission request. Resolution is
// at most once and happens only when the response can reach the agent: with
// no agent attached the call fails and the request stays pending, so the
// decision survives until the agent is back.
func (r *Router) handleControlResponse(id string, msg *protocol.BrowserMessage) error {
	if msg.RequestID == "" {
		return fmt.Errorf("control_response missing request_id")
	}

	frame, err := protocol.AgentControlResponse(msg.RequestID, msg.Behavior, msg.Response)
	if err != nil {
		return err
	}

	r.mu.Lock()
	ls, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	if _, pending := ls.sess.Pending[msg.RequestID]; !pending {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownControlResponse, msg.RequestID)
	}
	agent := ls.agent
	if agent == nil {
		r.mu.Unlock()
		return ErrNoAgentConnection
	}
	ls.sess.ResolvePermission(msg.RequestID)
	r.broadcastPriorityLocked(ls, eventPermissionResolved(msg.RequestID, msg.Behavior, false))
	sn := ls.sess.Snapshot()
	r.mu.Unlock()

	r.persist(sn)
	if err := agent.writeFrame(frame); err != nil {
		return fmt.Errorf("write to agent: %w", err)
	}
	return nil
}

func (r *Router) handleSetModel(id string, msg *protocol.BrowserMessage) error {
	if msg.Model == "" {
		return fmt.Errorf("set_model missing model")
	}

	frame, err := protocol.AgentSetModel(msg.Model)
	if err != nil {
		return err
	}
	if err := r.SendToAgent(id, frame); err != nil {
		return err
	}

	r.mu.Lock()
	ls, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	ls.sess.Model = msg.Model
	r.broadcastStateLocked(ls)
	sn := ls.sess.Snapshot()
	r.mu.Unlock()

	r.persist(sn)
	return nil
}

func (r *Router) handleSetPermissionMode(id string, msg *protocol.BrowserMessage) error {
	if msg.PermissionMode == "" {
		return fmt.Errorf("set_permission_mode missing permission_mode")
	}

	frame, err := protocol.AgentSetPermissionMode(msg.PermissionMode)
	if err != nil {
		return err
	}
	if err := r.SendToAgent(id, frame); err != nil {
		return err
	}

	r.mu.Lock()
	ls, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	ls.sess.PermissionMode = msg.PermissionMode
	r.broadcastStateLocked(ls)
	sn := ls.sess.Snapshot()
	r.mu.Unlock()

	r.persist(sn)
	return nil
}
