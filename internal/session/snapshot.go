package session

import "time"

// Snapshot is the persisted form of a session. Streaming scratch state is
// deliberately absent — it is reconstructed fresh after each restart, so a
// reconnecting browser never sees a stale partial stream. Processed
// invocation ids ARE persisted so task derivation stays idempotent across
// restarts.
type Snapshot struct {
	ID             string   `json:"id"`
	AgentSessionID string   `json:"agentSessionId,omitempty"`
	PID            int      `json:"pid,omitempty"`
	Cwd            string   `json:"cwd,omitempty"`
	Model          string   `json:"model,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`
	Name           string   `json:"name,omitempty"`
	Tools          []string `json:"tools,omitempty"`
	Archived       bool     `json:"archived,omitempty"`

	ConnState ConnState `json:"connState"`
	RunState  RunState  `json:"runState"`

	Messages []Message           `json:"messages,omitempty"`
	Tasks    []Task              `json:"tasks,omitempty"`
	Pending  []PermissionRequest `json:"pending,omitempty"`

	TotalCostUSD  float64 `json:"totalCostUsd,omitempty"`
	NumTurns      int     `json:"numTurns,omitempty"`
	ContextTokens int     `json:"contextTokens,omitempty"`

	SeenInvocations []string `json:"seenInvocations,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Snapshot captures the persistable state of the session.
func (s *Session) Snapshot() Snapshot {
	sn := Snapshot{
		ID:             s.ID,
		AgentSessionID: s.AgentSessionID,
		PID:            s.PID,
		Cwd:            s.Cwd,
		Model:          s.Model,
		PermissionMode: s.PermissionMode,
		Name:           s.Name,
		Tools:          append([]string(nil), s.Tools...),
		Archived:       s.Archived,
		ConnState:      s.ConnState,
		RunState:       s.RunState,
		Messages:       append([]Message(nil), s.Messages...),
		Tasks:          append([]Task(nil), s.Tasks...),
		Pending:        s.PendingRequests(),
		TotalCostUSD:   s.TotalCostUSD,
		NumTurns:       s.NumTurns,
		ContextTokens:  s.ContextTokens,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
	sn.SeenInvocations = append([]string(nil), s.invocationOrder...)
	return sn
}

// FromSnapshot rebuilds a live session from its persisted form.
func FromSnapshot(sn Snapshot) *Session {
	s := New(sn.ID, sn.Cwd, sn.Model, sn.PermissionMode)
	s.AgentSessionID = sn.AgentSessionID
	s.PID = sn.PID
	s.Name = sn.Name
	s.Tools = append([]string(nil), sn.Tools...)
	s.Archived = sn.Archived
	s.ConnState = sn.ConnState
	s.RunState = sn.RunState
	s.Messages = append([]Message(nil), sn.Messages...)
	s.Tasks = append([]Task(nil), sn.Tasks...)
	for _, req := range sn.Pending {
		s.Pending[req.ID] = req
	}
	s.TotalCostUSD = sn.TotalCostUSD
	s.NumTurns = sn.NumTurns
	s.ContextTokens = sn.ContextTokens
	for _, id := range sn.SeenInvocations {
		s.markInvocation(id)
	}
	if !sn.CreatedAt.IsZero() {
		s.CreatedAt = sn.CreatedAt
	}
	if !sn.UpdatedAt.IsZero() {
		s.UpdatedAt = sn.UpdatedAt
	}
	return s
}
