package api

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 25 * time.Second
	maxMessageSize = 16 * 1024 // spec resource bound: inbound frames capped at 16 KiB
	sendBufferSize = 32
)

// wsTransport adapts a gorilla websocket connection to session.Transport.
// The SafeSend/Close pattern (sync.Once + atomic closed flag, non-blocking
// buffered send) prevents send-on-closed-channel panics under the race
// between a peer closing and a concurrent broadcast.
type wsTransport struct {
	conn *websocket.Conn
	addr string
	send chan []byte

	closeOnce   sync.Once
	closed      atomic.Bool
	closeCode   int
	closeReason string
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{
		conn: conn,
		addr: conn.RemoteAddr().String(),
		send: make(chan []byte, sendBufferSize),
	}
}

func (t *wsTransport) RemoteAddr() string { return t.addr }

func (t *wsTransport) SafeSend(data []byte) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	if t.closed.Load() {
		return false
	}
	select {
	case t.send <- data:
		return true
	default:
		return false
	}
}

func (t *wsTransport) Close(code int, reason string) {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.closeCode = code
		t.closeReason = reason
		close(t.send)
	})
}

// writePump owns every write to the connection: queued application
// messages, the keep-alive ping, and the final close frame. It is the only
// goroutine allowed to call conn.Write*.
func (t *wsTransport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = t.conn.Close()
	}()

	for {
		select {
		case message, ok := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				code := t.closeCode
				if code == 0 {
					code = websocket.CloseNormalClosure
				}
				_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, t.closeReason))
				return
			}
			if err := t.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
