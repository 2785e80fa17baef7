package session

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/workspace/agent-relay/internal/protocol"
)

// Task is one derived task item. The list is reconstructed from the
// agent's task-management tool invocations, not from a separate channel.
type Task struct {
	ID          string   `json:"id"`
	Subject     string   `json:"subject"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status"`
	Owner       string   `json:"owner,omitempty"`
	ActiveForm  string   `json:"activeForm,omitempty"`
	BlockedBy   []string `json:"blockedBy,omitempty"`
}

// Task-management tool names the relay understands.
const (
	toolTodoWrite  = "TodoWrite"
	toolTaskCreate = "TaskCreate"
	toolTaskUpdate = "TaskUpdate"
)

// IsTaskTool reports whether a tool name mutates the task list.
func IsTaskTool(name string) bool {
	switch name {
	case toolTodoWrite, toolTaskCreate, toolTaskUpdate:
		return true
	}
	return false
}

type todoWriteInput struct {
	Todos []struct {
		Content    string `json:"content"`
		Status     string `json:"status"`
		ActiveForm string `json:"activeForm"`
	} `json:"todos"`
}

type taskCreateInput struct {
	ID          string   `json:"id,omitempty"`
	Subject     string   `json:"subject"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status,omitempty"`
	Owner       string   `json:"owner,omitempty"`
	ActiveForm  string   `json:"activeForm,omitempty"`
	BlockedBy   []string `json:"blocked_by,omitempty"`
}

type taskUpdateInput struct {
	TaskID      string   `json:"taskId"`
	Subject     string   `json:"subject,omitempty"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status,omitempty"`
	Owner       string   `json:"owner,omitempty"`
	ActiveForm  string   `json:"activeForm,omitempty"`
	BlockedBy   []string `json:"blocked_by,omitempty"`
}

// ApplyTaskTool derives a task mutation from one tool invocation. The
// invocation id guarantees at-most-once application: replaying the same id
// (e.g. a control_request followed by the assistant frame for the same
// invocation, or history re-derivation) never duplicates a task. Reports
// whether the task list changed.
func (s *Session) ApplyTaskTool(invocationID, toolName string, input json.RawMessage) bool {
	if !IsTaskTool(toolName) {
		return false
	}
	if !s.markInvocation(invocationID) {
		return false
	}

	switch toolName {
	case toolTodoWrite:
		return s.applyTodoWrite(invocationID, input)
	case toolTaskCreate:
		return s.applyTaskCreate(invocationID, input)
	case toolTaskUpdate:
		return s.applyTaskUpdate(input)
	}
	return false
}

// applyTodoWrite replaces the full task list.
func (s *Session) applyTodoWrite(invocationID string, input json.RawMessage) bool {
	var parsed todoWriteInput
	if err := json.Unmarshal(input, &parsed); err != nil {
		slog.Warn("task derivation: bad TodoWrite input", "session", s.ID, "error", err)
		return false
	}
	tasks := make([]Task, 0, len(parsed.Todos))
	for i, todo := range parsed.Todos {
		status := todo.Status
		if status == "" {
			status = "pending"
		}
		tasks = append(tasks, Task{
			ID:         fmt.Sprintf("%s-%d", invocationID, i),
			Subject:    todo.Content,
			Status:     status,
			ActiveForm: todo.ActiveForm,
		})
	}
	s.Tasks = tasks
	s.touch()
	return true
}

// applyTaskCreate appends one task.
func (s *Session) applyTaskCreate(invocationID string, input json.RawMessage) bool {
	var parsed taskCreateInput
	if err := json.Unmarshal(input, &parsed); err != nil {
		slog.Warn("task derivation: bad TaskCreate input", "session", s.ID, "error", err)
		return false
	}
	id := parsed.ID
	if id == "" {
		id = invocationID
	}
	status := parsed.Status
	if status == "" {
		status = "pending"
	}
	s.Tasks = append(s.Tasks, Task{
		ID:          id,
		Subject:     parsed.Subject,
		Description: parsed.Description,
		Status:      status,
		Owner:       parsed.Owner,
		ActiveForm:  parsed.ActiveForm,
		BlockedBy:   parsed.BlockedBy,
	})
	s.touch()
	return true
}

// applyTaskUpdate updates an existing task in place. Unknown task ids are
// ignored — the agent may reference tasks created before a history cap.
func (s *Session) applyTaskUpdate(input json.RawMessage) bool {
	var parsed taskUpdateInput
	if err := json.Unmarshal(input, &parsed); err != nil {
		slog.Warn("task derivation: bad TaskUpdate input", "session", s.ID, "error", err)
		return false
	}
	for i := range s.Tasks {
		if s.Tasks[i].ID != parsed.TaskID {
			continue
		}
		if parsed.Subject != "" {
			s.Tasks[i].Subject = parsed.Subject
		}
		if parsed.Description != "" {
			s.Tasks[i].Description = parsed.Description
		}
		if parsed.Status != "" {
			s.Tasks[i].Status = parsed.Status
		}
		if parsed.Owner != "" {
			s.Tasks[i].Owner = parsed.Owner
		}
		if parsed.ActiveForm != "" {
			s.Tasks[i].ActiveForm = parsed.ActiveForm
		}
		if parsed.BlockedBy != nil {
			s.Tasks[i].BlockedBy = parsed.BlockedBy
		}
		s.touch()
		return true
	}
	return false
}

// DeriveTasksFromBlocks applies task derivation to assistant content
// blocks. Used both on live assistant frames and when re-deriving from
// stored history; invocation-id dedup makes both paths idempotent.
func (s *Session) DeriveTasksFromBlocks(blocks []protocol.ContentBlock) bool {
	changed := false
	for _, block := range blocks {
		if block.Type != "tool_use" {
			continue
		}
		if s.ApplyTaskTool(block.ID, block.Name, block.Input) {
			changed = true
		}
	}
	return changed
}
