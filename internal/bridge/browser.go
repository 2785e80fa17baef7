package bridge

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const browserWriteTimeout = 10 * time.Second

// browserConn is the subset of *websocket.Conn the browser write pump needs.
// Tests substitute an in-memory fake.
type browserConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Browser is one attached browser connection. Each browser has its own
// buffered send channel drained by a write pump, so one slow browser never
// blocks the agent read loop or other browsers.
type Browser struct {
	ID     string
	conn   browserConn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

func newBrowser(id string, conn browserConn, buffer int) *Browser {
	return &Browser{
		ID:     id,
		conn:   conn,
		sendCh: make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// Done is closed when the write pump exits. The read loop selects on it to
// notice write failures without waiting for a read deadline.
func (b *Browser) Done() <-chan struct{} {
	return b.done
}

func (b *Browser) close() {
	b.once.Do(func() { close(b.done) })
}

// send queues an event for this browser. A full channel drops the event;
// the browser can reconnect and resync from a fresh snapshot.
func (b *Browser) send(data []byte) {
	if data == nil {
		return
	}
	select {
	case b.sendCh <- data:
	case <-b.done:
	default:
		slog.Warn("browser send buffer full, dropping event", "browser", b.ID)
	}
}

// sendPriority queues an event, evicting one queued item if the channel is
// full. State and permission events must not vanish under backpressure.
func (b *Browser) sendPriority(data []byte) {
	if data == nil {
		return
	}
	select {
	case b.sendCh <- data:
		return
	case <-b.done:
		return
	default:
	}

	select {
	case <-b.sendCh:
	default:
	}

	select {
	case b.sendCh <- data:
	case <-b.done:
	default:
		slog.Warn("browser priority event dropped", "browser", b.ID)
	}
}

// SendError queues an error event for this browser only. Used when a frame
// from this browser could not be handled; other browsers are unaffected.
func (b *Browser) SendError(message string) {
	b.sendPriority(eventError(message))
}

// writePump drains the send channel onto the WebSocket. Runs in its own
// goroutine per browser; exits on write failure or detach.
func (b *Browser) writePump() {
	defer func() {
		b.close()
		b.conn.Close()
	}()

	for {
		select {
		case data, ok := <-b.sendCh:
			if !ok {
				return
			}
			b.conn.SetWriteDeadline(time.Now().Add(browserWriteTimeout))
			if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Error("browser write failed", "browser", b.ID, "error", err)
				return
			}
		case <-b.done:
			return
		}
	}
}
