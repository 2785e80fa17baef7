// Package session holds the per-session aggregate the bridge routes around:
// message history, streaming scratch state, pending permission requests and
// the derived task list. Sessions are not self-locking — the bridge owns
// them and serializes all mutation.
package session

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/workspace/agent-relay/internal/protocol"
)

// ConnState is WebSocket-level connectivity, distinct from RunState.
type ConnState string

const (
	Disconnected ConnState = "disconnected"
	Starting     ConnState = "starting"
	Connected    ConnState = "connected"
)

// RunState is the logical run state reported by the agent.
type RunState string

const (
	Idle       RunState = "idle"
	Running    RunState = "running"
	Compacting RunState = "compacting"
)

// Message is one chat history entry. Text is the plain-text rendering;
// Blocks preserve assistant content structurally for task replay.
type Message struct {
	ID        string                  `json:"id,omitempty"`
	Role      string                  `json:"role"`
	Text      string                  `json:"text"`
	Blocks    []protocol.ContentBlock `json:"blocks,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

// PermissionRequest is one pending control/approval request from the agent.
type PermissionRequest struct {
	ID        string          `json:"id"`
	ToolName  string          `json:"toolName"`
	Input     json.RawMessage `json:"input,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// streaming is the in-progress assistant turn scratch state. Ephemeral:
// cleared on every finalized turn and never persisted.
type streaming struct {
	text         string
	startedAt    time.Time
	outputTokens int
	active       bool
}

// Session is the central aggregate: one agent process lifecycle, its
// history, and any number of observing browsers.
type Session struct {
	ID             string
	AgentSessionID string // learned lazily from the agent's init frame
	PID            int
	Cwd            string
	Model          string
	PermissionMode string
	Name           string
	Tools          []string
	Archived       bool

	ConnState ConnState
	RunState  RunState

	Messages []Message
	Tasks    []Task
	Pending  map[string]PermissionRequest

	TotalCostUSD  float64
	NumTurns      int
	ContextTokens int

	CreatedAt time.Time
	UpdatedAt time.Time

	stream streaming

	// seenInvocations guards task derivation against duplicate tool
	// invocation ids. Bounded: oldest entries are evicted past maxInvocations.
	seenInvocations map[string]struct{}
	invocationOrder []string
	maxInvocations  int
}

// New creates a session with the given id and metadata.
func New(id, cwd, model, permissionMode string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:              id,
		Cwd:             cwd,
		Model:           model,
		PermissionMode:  permissionMode,
		ConnState:       Disconnected,
		RunState:        Idle,
		Pending:         make(map[string]PermissionRequest),
		seenInvocations: make(map[string]struct{}),
		maxInvocations:  defaultMaxInvocations,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

const defaultMaxInvocations = 2048

// SetMaxInvocations caps the processed-invocation-id set. Values <= 0 keep
// the default.
func (s *Session) SetMaxInvocations(n int) {
	if n > 0 {
		s.maxInvocations = n
	}
}

// AppendMessage appends a message, deduplicating by non-empty id: a second
// message with an id already in history is dropped, retaining the first.
// Messages without an id are never deduplicated. Reports whether the
// message was stored.
func (s *Session) AppendMessage(msg Message) bool {
	if msg.ID != "" {
		for i := range s.Messages {
			if s.Messages[i].ID == msg.ID {
				return false
			}
		}
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	s.Messages = append(s.Messages, msg)
	s.touch()
	return true
}

// ApplyStreamDelta accumulates partial assistant text into the streaming
// scratch buffer and tracks output tokens from usage deltas.
func (s *Session) ApplyStreamDelta(text string, outputTokens int) {
	if !s.stream.active {
		s.stream = streaming{startedAt: time.Now().UTC(), active: true}
	}
	s.stream.text += text
	if outputTokens > 0 {
		s.stream.outputTokens = outputTokens
	}
}

// StreamingText returns the current scratch accumulator contents.
func (s *Session) StreamingText() (text string, outputTokens int, active bool) {
	return s.stream.text, s.stream.outputTokens, s.stream.active
}

// ClearStreaming resets the scratch state. Called whenever a turn
// finalizes (completed assistant message or result frame).
func (s *Session) ClearStreaming() {
	s.stream = streaming{}
}

// AddPermission inserts a pending control request. Reports false when the
// request id is already pending (duplicate delivery).
func (s *Session) AddPermission(req PermissionRequest) bool {
	if _, exists := s.Pending[req.ID]; exists {
		return false
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	s.Pending[req.ID] = req
	s.touch()
	return true
}

// ResolvePermission removes a pending request after a response was relayed.
// Reports false for unknown or already-resolved ids.
func (s *Session) ResolvePermission(requestID string) bool {
	if _, ok := s.Pending[requestID]; !ok {
		return false
	}
	delete(s.Pending, requestID)
	s.touch()
	return true
}

// CancelPermission removes a pending request after the agent cancelled it.
// A cancellation for an unknown id is a no-op.
func (s *Session) CancelPermission(requestID string) bool {
	return s.ResolvePermission(requestID)
}

// PendingRequests returns pending permission requests ordered by creation.
func (s *Session) PendingRequests() []PermissionRequest {
	out := make([]PermissionRequest, 0, len(s.Pending))
	for _, req := range s.Pending {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// markInvocation records a tool invocation id. Reports false when the id
// was already processed (duplicate replay must not mutate tasks twice).
func (s *Session) markInvocation(id string) bool {
	if id == "" {
		return true // unidentified invocations are not deduplicated
	}
	if _, seen := s.seenInvocations[id]; seen {
		return false
	}
	s.seenInvocations[id] = struct{}{}
	s.invocationOrder = append(s.invocationOrder, id)
	for len(s.invocationOrder) > s.maxInvocations {
		oldest := s.invocationOrder[0]
		s.invocationOrder = s.invocationOrder[1:]
		delete(s.seenInvocations, oldest)
	}
	return true
}

func (s *Session) touch() {
	s.UpdatedAt = time.Now().UTC()
}
