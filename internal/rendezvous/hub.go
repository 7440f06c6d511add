package rendezvous

import (
	"log"

	"github.com/gorilla/websocket"
)

// wsClient is one websocket subscriber, scoped to a room.
type wsClient struct {
	hub  *hub
	conn *websocket.Conn
	send chan []byte
	room string
}

// hub fans room events out to websocket subscribers. All map access happens
// on the run goroutine; handlers talk to it through the channels.
type hub struct {
	rooms      map[string]map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan roomEvent
}

type roomEvent struct {
	room string
	data []byte
}

func newHub() *hub {
	return &hub{
		rooms:      make(map[string]map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan roomEvent, 64),
	}
}

func (h *hub) run() {
	for {
		select {
		case c := <-h.register:
			if h.rooms[c.room] == nil {
				h.rooms[c.room] = make(map[*wsClient]bool)
			}
			h.rooms[c.room][c] = true

		case c := <-h.unregister:
			if subs, ok := h.rooms[c.room]; ok {
				if _, ok := subs[c]; ok {
					delete(subs, c)
					close(c.send)
					if len(subs) == 0 {
						delete(h.rooms, c.room)
					}
				}
			}

		case ev := <-h.broadcast:
			for c := range h.rooms[ev.room] {
				select {
				case c.send <- ev.data:
				default:
					// Slow subscriber: drop it rather than stall the hub.
					delete(h.rooms[ev.room], c)
					close(c.send)
				}
			}
		}
	}
}

func (h *hub) publish(room string, data []byte) {
	select {
	case h.broadcast <- roomEvent{room: room, data: data}:
	default:
		log.Printf("RV: hub broadcast queue full, dropped event for %s", room)
	}
}

func (c *wsClient) writeLoop() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// readLoop discards inbound frames; it exists to notice the close.
func (c *wsClient) readLoop() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
