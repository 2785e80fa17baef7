// Package protocol defines the NDJSON frame vocabulary the relay exchanges
// with agent processes and the typed event vocabulary it exposes to browsers.
//
// The agent wire format is one JSON object per line over a persistent
// WebSocket. The relay only interprets the frame kinds it needs for routing;
// unknown frame types pass through the parser and are ignored by callers.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Agent frame type discriminants.
const (
	FrameSystem        = "system"
	FrameSessionUpdate = "session_update"
	FrameAssistant     = "assistant"
	FrameUser          = "user"
	FrameStreamEvent   = "stream_event"
	FrameResult        = "result"
	FrameControlReq    = "control_request"
	FrameControlCancel = "control_cancel_request"
	FrameError         = "error"
)

// System frame subtypes.
const (
	SubtypeInit   = "init"
	SubtypeStatus = "status"
)

// ErrMalformedFrame is returned when an agent line is not valid JSON or has
// no type discriminant. Callers log and discard — a malformed line must
// never be fatal to the connection.
var ErrMalformedFrame = fmt.Errorf("malformed agent frame")

// ContentBlock is one element of an assistant message's content array.
// Text and thinking blocks carry prose; tool_use blocks are preserved
// structurally so task derivation can replay deterministically from history.
type ContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// AssistantMessage is the message payload of an assistant frame.
type AssistantMessage struct {
	ID      string         `json:"id,omitempty"`
	Role    string         `json:"role,omitempty"`
	Model   string         `json:"model,omitempty"`
	Content []ContentBlock `json:"content"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// Usage carries token accounting from the agent.
type Usage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// StreamDelta is the delta payload of a streaming event.
type StreamDelta struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

// StreamEvent is the event payload of a stream_event frame. Ephemeral
// display state only — never persisted to history.
type StreamEvent struct {
	Type  string       `json:"type"`
	Delta *StreamDelta `json:"delta,omitempty"`
	Usage *Usage       `json:"usage,omitempty"`
}

// ControlRequestBody is the request payload of a control_request frame.
type ControlRequestBody struct {
	Subtype  string          `json:"subtype,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// ErrorBody is the payload of a protocol-level error frame.
type ErrorBody struct {
	Message string `json:"message"`
}

// AgentFrame is one parsed NDJSON line from the agent. Fields are a union
// across frame kinds; Type selects which are meaningful.
type AgentFrame struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system/init and session_update fields
	SessionID      string   `json:"session_id,omitempty"`
	Model          string   `json:"model,omitempty"`
	Cwd            string   `json:"cwd,omitempty"`
	Tools          []string `json:"tools,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`
	Status         string   `json:"status,omitempty"`

	// assistant
	Message *AssistantMessage `json:"message,omitempty"`

	// stream_event
	Event *StreamEvent `json:"event,omitempty"`

	// control_request / control_cancel_request
	RequestID string              `json:"request_id,omitempty"`
	Request   *ControlRequestBody `json:"request,omitempty"`

	// result
	IsError       bool    `json:"is_error,omitempty"`
	Result        string  `json:"result,omitempty"`
	TotalCostUSD  float64 `json:"total_cost_usd,omitempty"`
	NumTurns      int     `json:"num_turns,omitempty"`
	ContextTokens int     `json:"context_tokens,omitempty"`
	Usage         *Usage  `json:"usage,omitempty"`

	// error
	Error *ErrorBody `json:"error,omitempty"`
}

// ParseAgentFrame parses a single NDJSON line. Blank lines and lines that
// are not JSON objects with a type field yield ErrMalformedFrame.
func ParseAgentFrame(line []byte) (*AgentFrame, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, ErrMalformedFrame
	}

	var frame AgentFrame
	if err := json.Unmarshal(line, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if frame.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return &frame, nil
}

// PlainText concatenates text and thinking blocks for plain-text rendering.
func (m *AssistantMessage) PlainText() string {
	var buf bytes.Buffer
	for _, block := range m.Content {
		switch block.Type {
		case "text":
			buf.WriteString(block.Text)
		case "thinking":
			buf.WriteString(block.Thinking)
		}
	}
	return buf.String()
}
