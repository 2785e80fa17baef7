package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
)

// Terminal WebSocket message types
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type wsInputData struct {
	Data string `json:"data"`
}

type wsResizeData struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// handleTerminalWS handles WebSocket connections for the shell attached
// to a session's working directory. The shell outlives the connection;
// reconnecting clients get the scrollback replayed first.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticateWS(w, r); !ok {
		return
	}

	id := r.PathValue("sessionId")
	sum, found := s.router.Get(id)
	if !found {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	rows := s.config.DefaultRows
	cols := s.config.DefaultCols
	if v := r.URL.Query().Get("rows"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			rows = n
		}
	}
	if v := r.URL.Query().Get("cols"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cols = n
		}
	}

	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("terminal websocket upgrade failed", "sessionId", id, "error", err)
		return
	}
	defer conn.Close()

	term, err := s.terminals.GetOrCreate(id, sum.Cwd, rows, cols)
	if err != nil {
		slog.Error("failed to create terminal", "sessionId", id, "error", err)
		_ = conn.WriteJSON(wsMessage{Type: "error", Data: json.RawMessage(`"failed to create terminal session"`)})
		return
	}

	var writeMu sync.Mutex
	writeOutput := func(data []byte) error {
		outputData, _ := json.Marshal(map[string]string{"data": string(data)})
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(wsMessage{Type: "output", Data: outputData})
	}

	// Replay scrollback before live output so a reconnecting client sees
	// what happened while it was away.
	if history := term.Scrollback.Bytes(); len(history) > 0 {
		if err := writeOutput(history); err != nil {
			slog.Warn("terminal scrollback replay failed", "sessionId", id, "error", err)
			return
		}
	}

	// PTY output reader
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := term.Read(buf)
			if err != nil {
				return
			}
			if n > 0 {
				if err := writeOutput(buf[:n]); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			slog.Warn("invalid terminal message", "sessionId", id, "error", err)
			continue
		}

		switch msg.Type {
		case "input":
			var input wsInputData
			if err := json.Unmarshal(msg.Data, &input); err != nil {
				continue
			}
			if _, err := term.Write([]byte(input.Data)); err != nil {
				slog.Warn("terminal write error", "sessionId", id, "error", err)
			}

		case "resize":
			var resize wsResizeData
			if err := json.Unmarshal(msg.Data, &resize); err != nil {
				continue
			}
			if err := term.Resize(resize.Rows, resize.Cols); err != nil {
				slog.Warn("terminal resize error", "sessionId", id, "error", err)
			}

		case "ping":
			writeMu.Lock()
			_ = conn.WriteJSON(wsMessage{Type: "pong"})
			writeMu.Unlock()

		default:
			slog.Warn("unknown terminal message type", "sessionId", id, "type", msg.Type)
		}
	}
}
