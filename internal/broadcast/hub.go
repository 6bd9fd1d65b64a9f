// Package broadcast fans applied operations out to the websocket clients
// of a rundown.  Every server instance runs one Hub; notifications reach
// all instances through one Redis channel per rundown.
package broadcast

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// Client is one websocket subscriber of a rundown.
type Client struct {
	rundownID string
	conn      *websocket.Conn
	send      chan []byte
}

type message struct {
	rundownID string
	payload   []byte
}

// Hub maintains the set of active clients per rundown and broadcasts
// messages to them.
type Hub struct {
	rooms      map[string]map[*Client]bool
	broadcast  chan message
	register   chan *Client
	unregister chan *Client
	count      chan chan map[string]int
	done       chan struct{}
}

// ErrStopped is returned by ServeWS once the hub has stopped.
var ErrStopped = errors.New("broadcast: hub stopped")

// NewHub returns a Hub; call Run to start it.
func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		broadcast:  make(chan message, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		count:      make(chan chan map[string]int),
		done:       make(chan struct{}),
	}
}

// Run serves the hub until ctx is done, then closes every client.  Calls
// made after Run returned do not block.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, room := range h.rooms {
				for c := range room {
					close(c.send)
				}
			}
			h.rooms = map[string]map[*Client]bool{}
			return
		case c := <-h.register:
			room := h.rooms[c.rundownID]
			if room == nil {
				room = make(map[*Client]bool)
				h.rooms[c.rundownID] = room
			}
			room[c] = true
		case c := <-h.unregister:
			h.remove(c)
		case m := <-h.broadcast:
			for c := range h.rooms[m.rundownID] {
				select {
				case c.send <- m.payload:
				default:
					log.Printf("broadcast: client of %s too slow, dropping", m.rundownID)
					h.remove(c)
				}
			}
		case reply := <-h.count:
			out := make(map[string]int, len(h.rooms))
			for id, room := range h.rooms {
				out[id] = len(room)
			}
			reply <- out
		}
	}
}

func (h *Hub) remove(c *Client) {
	room := h.rooms[c.rundownID]
	if _, ok := room[c]; !ok {
		return
	}
	delete(room, c)
	close(c.send)
	if len(room) == 0 {
		delete(h.rooms, c.rundownID)
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast queues payload for every client of the rundown on this
// instance.
func (h *Hub) Broadcast(rundownID string, payload []byte) {
	select {
	case h.broadcast <- message{rundownID: rundownID, payload: payload}:
	case <-h.done:
	}
}

// Clients returns the number of connected clients per rundown, or nil once
// the hub has stopped.
func (h *Hub) Clients() map[string]int {
	reply := make(chan map[string]int, 1)
	select {
	case h.count <- reply:
	case <-h.done:
		return nil
	}
	return <-reply
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and subscribes the connection to the
// rundown.  Access must have been checked by the caller.
func ServeWS(h *Hub, w http.ResponseWriter, r *http.Request, rundownID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &Client{rundownID: rundownID, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return ErrStopped
	}
	go c.writePump()
	go c.readPump(h)
	return nil
}

// readPump only keeps the connection alive; clients submit changes over
// HTTP, so anything they send is ignored.
func (c *Client) readPump(h *Hub) {
	defer func() {
		h.leave(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
