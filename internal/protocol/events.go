package protocol

import (
	"encoding/json"
	"log/slog"
)

// Server-to-browser event types. A freshly attached browser always receives
// EventSnapshot before any live event.
const (
	EventSnapshot           = "snapshot"
	EventMessage            = "message"
	EventMessageFinal       = "message_final"
	EventStreamDelta        = "stream_delta"
	EventState              = "state"
	EventAgentConnected     = "agent_connected"
	EventPermissionRequest  = "permission_request"
	EventPermissionResolved = "permission_resolved"
	EventTasks              = "tasks"
	EventTurnComplete       = "turn_complete"
	EventError              = "error"
	EventPong               = "pong"
)

// BrowserEvent is the envelope for one typed event delivered to a browser.
type BrowserEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// MarshalEvent serializes a browser event envelope. Marshal failures are
// logged and yield nil; callers treat nil as "nothing to send".
func MarshalEvent(typ string, data interface{}) []byte {
	out, err := json.Marshal(BrowserEvent{Type: typ, Data: data})
	if err != nil {
		slog.Error("marshal browser event failed", "type", typ, "error", err)
		return nil
	}
	return out
}
