package api

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// wsHub fans ledger events out to every connected WebSocket client.
//
// A single hub goroutine owns the connection set; registration,
// unregistration and broadcasts all arrive over channels, so the set needs
// no lock.
type wsHub struct {
	connections map[*wsConn]bool
	clients     atomic.Int64

	broadcastCh  chan []byte
	registerCh   chan *wsConn
	unregisterCh chan *wsConn
	done         chan struct{}
}

// wsConn wraps a single WebSocket connection.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	mu   sync.Mutex // serializes writes
}

// The feed is read-only and carries no credentials.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newWSHub() *wsHub {
	return &wsHub{
		connections:  make(map[*wsConn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *wsConn),
		unregisterCh: make(chan *wsConn),
		done:         make(chan struct{}),
	}
}

func (h *wsHub) run() {
	for {
		select {
		case conn := <-h.registerCh:
			h.connections[conn] = true
			h.clients.Store(int64(len(h.connections)))
			slog.Debug("websocket client connected", "total", len(h.connections))

		case conn := <-h.unregisterCh:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.send)
				h.clients.Store(int64(len(h.connections)))
				slog.Debug("websocket client disconnected", "total", len(h.connections))
			}

		case msg := <-h.broadcastCh:
			for conn := range h.connections {
				select {
				case conn.send <- msg:
				default:
					// Slow client: drop it rather than stall the feed.
					delete(h.connections, conn)
					close(conn.send)
				}
			}
			h.clients.Store(int64(len(h.connections)))

		case <-h.done:
			for conn := range h.connections {
				close(conn.send)
			}
			h.connections = map[*wsConn]bool{}
			h.clients.Store(0)
			return
		}
	}
}

// broadcast queues msg for every client. Best effort: if the queue is full
// the message is dropped and clients catch up through the REST API.
func (h *wsHub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
	}
}

func (h *wsHub) stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// handleWebSocket upgrades the request and registers the client.
// GET /api/ws
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &wsConn{
		conn: conn,
		send: make(chan []byte, 64),
	}

	select {
	case s.hub.registerCh <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(s.hub)
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

// readPump drains the connection so disconnects are noticed.
func (c *wsConn) readPump(hub *wsHub) {
	defer func() {
		select {
		case hub.unregisterCh <- c:
		case <-hub.done:
		}
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
