package bridge

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const agentWriteTimeout = 10 * time.Second

// agentConn is the subset of *websocket.Conn the agent link needs.
type agentConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// agentLink is the single live agent connection for a session. Writes are
// serialized with a mutex because browser frames and control traffic arrive
// from multiple goroutines.
type agentLink struct {
	conn    agentConn
	writeMu sync.Mutex
}

func newAgentLink(conn agentConn) *agentLink {
	return &agentLink{conn: conn}
}

func (l *agentLink) writeFrame(data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(agentWriteTimeout))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

func (l *agentLink) close() {
	l.conn.Close()
}
