package hub

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// Client represents one WebSocket session
type Client struct {
	UserID   uint
	UserType string
	Conn     *websocket.Conn
	Send     chan []byte
	Hub      *Hub
}

// ServeWS upgrades the request and starts the session pumps
func ServeWS(h *Hub, w http.ResponseWriter, r *http.Request, userID uint, userType string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := &Client{
		UserID:   userID,
		UserType: userType,
		Conn:     conn,
		Send:     make(chan []byte, 256),
		Hub:      h,
	}

	client.Hub.register <- client

	go client.writePump()
	go client.readPump()

	client.Hub.SendEvent(userID, "connected", map[string]interface{}{"userId": userID})
}

// readPump pumps messages from the websocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		var msg Inbound
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("Error unmarshaling WebSocket message: %v", err)
			continue
		}

		if c.Hub.OnMessage != nil {
			c.Hub.OnMessage(c, msg)
		}
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *Client) writePump() {
	defer c.Conn.Close()

	for message := range c.Send {
		if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
			log.Printf("WebSocket write error: %v", err)
			return
		}
	}
	c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
}
