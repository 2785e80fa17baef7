package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/agent-relay/internal/bridge"
)

const (
	browserPongWait   = 60 * time.Second
	browserPingPeriod = 30 * time.Second
)

// handleBrowserWS handles WebSocket connections from browsers viewing a
// session. Multiple browsers can attach to the same session; each gets
// the full snapshot first, then live events.
func (s *Server) handleBrowserWS(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticateWS(w, r); !ok {
		return
	}

	id := r.PathValue("sessionId")
	if _, found := s.router.Get(id); !found {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("browser websocket upgrade failed", "sessionId", id, "error", err)
		return
	}

	b, err := s.router.AttachBrowser(id, conn)
	if err != nil {
		// Session deleted between the lookup and the attach.
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session not found"),
			time.Now().Add(5*time.Second),
		)
		_ = conn.Close()
		return
	}

	// Keepalive: the write pump owns all data writes, so pings go out as
	// control frames from a separate ticker goroutine.
	conn.SetReadDeadline(time.Now().Add(browserPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(browserPongWait))
		return nil
	})
	go func() {
		ticker := time.NewTicker(browserPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			case <-b.Done():
				return
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("browser websocket read error", "sessionId", id, "browser", b.ID, "error", err)
			}
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if err := s.router.HandleBrowserFrame(id, b, data); err != nil {
			switch {
			case errors.Is(err, bridge.ErrNoAgentConnection):
				b.SendError("agent is not connected")
			case errors.Is(err, bridge.ErrUnknownControlResponse):
				b.SendError("unknown or already resolved permission request")
			case errors.Is(err, bridge.ErrSessionNotFound):
				s.router.DetachBrowser(id, b)
				return
			default:
				b.SendError(err.Error())
			}
		}
	}

	s.router.DetachBrowser(id, b)
}
