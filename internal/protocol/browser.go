package protocol

import (
	"encoding/json"
	"fmt"
)

// Browser-to-server message types.
const (
	BrowserUserMessage     = "user_message"
	BrowserControlResponse = "control_response"
	BrowserInterrupt       = "interrupt"
	BrowserSetModel        = "set_model"
	BrowserSetPermission   = "set_permission_mode"
	BrowserPing            = "ping"
)

// BrowserMessage is one parsed message from a browser connection.
type BrowserMessage struct {
	Type string `json:"type"`

	// user_message
	Text string `json:"text,omitempty"`

	// control_response
	RequestID string          `json:"request_id,omitempty"`
	Behavior  string          `json:"behavior,omitempty"` // "allow" or "deny"
	Response  json.RawMessage `json:"response,omitempty"`

	// set_model / set_permission_mode
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
}

// ParseBrowserMessage parses one browser WebSocket text message.
func ParseBrowserMessage(data []byte) (*BrowserMessage, error) {
	var msg BrowserMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse browser message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("parse browser message: missing type")
	}
	return &msg, nil
}

// AgentUserTurn builds the NDJSON frame relayed to the agent for a new
// user turn.
func AgentUserTurn(text string) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"type": FrameUser,
		"message": map[string]interface{}{
			"role": "user",
			"content": []map[string]string{
				{"type": "text", "text": text},
			},
		},
	})
}

// AgentControlResponse builds the control response frame relayed to the
// agent for a permission decision.
func AgentControlResponse(requestID, behavior string, response json.RawMessage) ([]byte, error) {
	body := map[string]interface{}{
		"request_id": requestID,
		"behavior":   behavior,
	}
	if len(response) > 0 {
		body["response"] = response
	}
	return json.Marshal(map[string]interface{}{
		"type":     "control_response",
		"response": body,
	})
}

// AgentInterrupt builds the interrupt frame relayed to the agent.
func AgentInterrupt() ([]byte, error) {
	return json.Marshal(map[string]string{"type": "interrupt"})
}

// AgentSetModel builds the model-change frame relayed to the agent.
func AgentSetModel(model string) ([]byte, error) {
	return json.Marshal(map[string]string{"type": "set_model", "model": model})
}

// AgentSetPermissionMode builds the permission-mode-change frame relayed
// to the agent.
func AgentSetPermissionMode(mode string) ([]byte, error) {
	return json.Marshal(map[string]string{"type": "set_permission_mode", "permission_mode": mode})
}
