package recording

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// hub manages the set of active WebSocket reporters and broadcasts
// "recording stopped" events to all of them. A single hub goroutine
// owns registration, unregistration, and broadcasting so the connection
// set needs no lock (grounded on the teacher's wsHub,
// internal/dashboard/websocket.go).
type hub struct {
	connections map[*wsConn]bool

	broadcastCh  chan []byte
	registerCh   chan *wsConn
	unregisterCh chan *wsConn
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	mu   sync.Mutex
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newHub() *hub {
	return &hub{
		connections:  make(map[*wsConn]bool),
		broadcastCh:  make(chan []byte, 16),
		registerCh:   make(chan *wsConn),
		unregisterCh: make(chan *wsConn),
	}
}

func (h *hub) run() {
	for {
		select {
		case conn := <-h.registerCh:
			h.connections[conn] = true

		case conn := <-h.unregisterCh:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.send)
			}

		case msg := <-h.broadcastCh:
			for conn := range h.connections {
				select {
				case conn.send <- msg:
				default:
					delete(h.connections, conn)
					close(conn.send)
				}
			}
		}
	}
}

func (h *hub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
		slog.Warn("recording broadcast channel full, dropping event")
	}
}

func (h *hub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("recording websocket upgrade failed", "error", err)
		return
	}

	client := &wsConn{conn: conn, send: make(chan []byte, 8)}
	h.registerCh <- client

	go client.writePump()
	go client.readPump(h)
}

func (c *wsConn) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *wsConn) readPump(h *hub) {
	defer func() {
		h.unregisterCh <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
