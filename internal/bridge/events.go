package bridge

import (
	"github.com/workspace/agent-relay/internal/protocol"
	"github.com/workspace/agent-relay/internal/session"
)

// snapshotPayload is the full catch-up state a browser receives on attach.
type snapshotPayload struct {
	Session   Summary                     `json:"session"`
	Messages  []session.Message           `json:"messages"`
	Tasks     []session.Task              `json:"tasks"`
	Pending   []session.PermissionRequest `json:"pending"`
	Streaming *streamingPayload           `json:"streaming,omitempty"`
}

type streamingPayload struct {
	Text         string `json:"text"`
	OutputTokens int    `json:"outputTokens,omitempty"`
}

type messagePayload struct {
	Message session.Message `json:"message"`
}

type streamDeltaPayload struct {
	Text         string `json:"text"`
	OutputTokens int    `json:"outputTokens,omitempty"`
}

type tasksPayload struct {
	Tasks []session.Task `json:"tasks"`
}

type permissionRequestPayload struct {
	Request session.PermissionRequest `json:"request"`
}

type permissionResolvedPayload struct {
	RequestID string `json:"requestId"`
	Behavior  string `json:"behavior,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

type turnCompletePayload struct {
	IsError       bool    `json:"isError,omitempty"`
	Result        string  `json:"result,omitempty"`
	TotalCostUSD  float64 `json:"totalCostUsd,omitempty"`
	NumTurns      int     `json:"numTurns,omitempty"`
	ContextTokens int     `json:"contextTokens,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type agentConnectedPayload struct {
	AgentSessionID string   `json:"agentSessionId,omitempty"`
	Model          string   `json:"model,omitempty"`
	Tools          []string `json:"tools,omitempty"`
}

func eventSnapshot(s *session.Session) []byte {
	p := snapshotPayload{
		Session:  summarize(s),
		Messages: append([]session.Message{}, s.Messages...),
		Tasks:    append([]session.Task{}, s.Tasks...),
		Pending:  s.PendingRequests(),
	}
	if text, tokens, active := s.StreamingText(); active {
		p.Streaming = &streamingPayload{Text: text, OutputTokens: tokens}
	}
	return protocol.MarshalEvent(protocol.EventSnapshot, p)
}

func eventState(s *session.Session) []byte {
	return protocol.MarshalEvent(protocol.EventState, summarize(s))
}

func eventAgentConnected(s *session.Session) []byte {
	return protocol.MarshalEvent(protocol.EventAgentConnected, agentConnectedPayload{
		AgentSessionID: s.AgentSessionID,
		Model:          s.Model,
		Tools:          s.Tools,
	})
}

func eventMessage(msg session.Message) []byte {
	return protocol.MarshalEvent(protocol.EventMessage, messagePayload{Message: msg})
}

func eventMessageFinal(msg session.Message) []byte {
	return protocol.MarshalEvent(protocol.EventMessageFinal, messagePayload{Message: msg})
}

func eventStreamDelta(text string, tokens int) []byte {
	return protocol.MarshalEvent(protocol.EventStreamDelta, streamDeltaPayload{Text: text, OutputTokens: tokens})
}

func eventTasks(s *session.Session) []byte {
	return protocol.MarshalEvent(protocol.EventTasks, tasksPayload{
		Tasks: append([]session.Task{}, s.Tasks...),
	})
}

func eventPermissionRequest(req session.PermissionRequest) []byte {
	return protocol.MarshalEvent(protocol.EventPermissionRequest, permissionRequestPayload{Request: req})
}

func eventPermissionResolved(requestID, behavior string, cancelled bool) []byte {
	return protocol.MarshalEvent(protocol.EventPermissionResolved, permissionResolvedPayload{
		RequestID: requestID,
		Behavior:  behavior,
		Cancelled: cancelled,
	})
}

func eventTurnComplete(s *session.Session, isError bool, result string) []byte {
	return protocol.MarshalEvent(protocol.EventTurnComplete, turnCompletePayload{
		IsError:       isError,
		Result:        result,
		TotalCostUSD:  s.TotalCostUSD,
		NumTurns:      s.NumTurns,
		ContextTokens: s.ContextTokens,
	})
}

func eventError(message string) []byte {
	return protocol.MarshalEvent(protocol.EventError, errorPayload{Message: message})
}

func eventPong() []byte {
	return protocol.MarshalEvent(protocol.EventPong, nil)
}
