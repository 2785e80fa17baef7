package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// handleAgentWS handles the WebSocket dial-back from a spawned agent
// process. The agent connects to the URL passed on its command line, so
// this endpoint is not behind the browser session auth; the session ID
// in the path is unguessable.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")
	if _, found := s.router.Get(id); !found {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("agent websocket upgrade failed", "sessionId", id, "error", err)
		return
	}

	if err := s.router.AttachAgent(id, conn); err != nil {
		slog.Warn("agent attach rejected", "sessionId", id, "error", err)
		_ = conn.Close()
		return
	}
	slog.Info("agent websocket connected", "sessionId", id)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("agent websocket read error", "sessionId", id, "error", err)
			}
			break
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		s.router.HandleAgentData(id, data)
	}

	s.router.DetachAgent(id, conn)
	slog.Info("agent websocket disconnected", "sessionId", id)
}
