package api

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/ericfitz/syncboard/internal/slogging"
)

// WSClient represents one WebSocket connection to a diagram room
type WSClient struct {
	// Room the connection belongs to
	Room *Room
	// The websocket connection
	Conn *websocket.Conn
	// Authenticated user identity, immutable for the connection's lifetime
	User User
	// Buffered channel of outbound frames
	Send chan []byte
}

// ReadPump pumps frames from the WebSocket into the room. It runs in its
// own goroutine; the room goroutine does all routing and state changes.
func (c *WSClient) ReadPump() {
	defer func() {
		select {
		case c.Room.Unregister <- c:
		case <-c.Room.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Room.cfg.ReadLimit)
	c.Conn.SetReadDeadline(time.Now().Add(c.Room.cfg.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Room.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				slogging.Get().Debug("WebSocket read error - Diagram: %s, User: %s, Error: %v",
					c.Room.DiagramID, c.User.UserID, err)
			}
			break
		}

		select {
		case c.Room.Inbound <- InboundFrame{Client: c, Data: message}:
		case <-c.Room.done:
			return
		}
	}
}

// WritePump pumps frames from the room to the WebSocket. Every message
// goes out as its own text frame so each frame is one JSON document.
// A closed Send channel means the room evicted or released the client.
func (c *WSClient) WritePump() {
	ticker := time.NewTicker(c.Room.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Room.cfg.WriteWait))
			if !ok {
				// Room closed the channel
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Room.cfg.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
