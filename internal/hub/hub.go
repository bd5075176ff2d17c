// Package hub tracks live WebSocket sessions per user and ride-scoped
// broadcast rooms. All delivery is best-effort: a session that cannot take a
// message is pruned and the failure never reaches the business operation
// that triggered the push.
package hub

import (
	"encoding/json"
	"log"
	"sync"
)

// Envelope is the wire format for every outbound real-time message
type Envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Inbound is a client message with its payload left raw for the dispatcher
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Hub maintains the set of active clients, the per-user session index and
// ride rooms.
type Hub struct {
	mu       sync.RWMutex
	sessions map[uint]map[*Client]bool // user id -> live sessions
	rooms    map[uint]map[uint]bool    // room (ride) id -> member user ids

	register   chan *Client
	unregister chan *Client

	// OnUserOffline fires after a user's last session is removed. Used to
	// tear down the user's feed task. May be nil.
	OnUserOffline func(userID uint)

	// OnMessage handles inbound envelopes from a client. May be nil.
	OnMessage func(c *Client, msg Inbound)
}

// NewHub creates a new WebSocket hub
func NewHub() *Hub {
	return &Hub{
		sessions:   make(map[uint]map[*Client]bool),
		rooms:      make(map[uint]map[uint]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run starts the hub
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.Connect(client)
		case client := <-h.unregister:
			h.Disconnect(client)
		}
	}
}

// Connect registers one session under the client's user id. A user may hold
// several concurrent sessions (multi-device).
func (h *Hub) Connect(client *Client) {
	h.mu.Lock()
	set, ok := h.sessions[client.UserID]
	if !ok {
		set = make(map[*Client]bool)
		h.sessions[client.UserID] = set
	}
	set[client] = true
	h.mu.Unlock()
	log.Printf("User %d connected (%s)", client.UserID, client.UserType)
}

// Disconnect removes one session; removing the last session for a user marks
// the user offline for delivery purposes.
func (h *Hub) Disconnect(client *Client) {
	h.mu.Lock()
	var lastGone bool
	if set, ok := h.sessions[client.UserID]; ok {
		if _, ok := set[client]; ok {
			delete(set, client)
			close(client.Send)
		}
		if len(set) == 0 {
			delete(h.sessions, client.UserID)
			lastGone = true
		}
	}
	h.mu.Unlock()

	log.Printf("User %d disconnected", client.UserID)
	if lastGone && h.OnUserOffline != nil {
		h.OnUserOffline(client.UserID)
	}
}

// IsOnline reports whether the user has at least one live session
func (h *Hub) IsOnline(userID uint) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID]) > 0
}

// SendToUser fans a message out to every live session of the user. Sessions
// whose send buffer is full are closed and removed so the set self-heals.
// Returns true if at least one session took the message.
func (h *Hub) SendToUser(userID uint, message []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.sessions[userID]
	delivered := false
	for client := range set {
		select {
		case client.Send <- message:
			delivered = true
		default:
			log.Printf("Pruning stalled session for user %d", userID)
			delete(set, client)
			close(client.Send)
		}
	}
	if set != nil && len(set) == 0 {
		delete(h.sessions, userID)
	}
	return delivered
}

// SendEvent marshals an envelope and delivers it to one user, best-effort
func (h *Hub) SendEvent(userID uint, eventType string, data interface{}) bool {
	payload, err := json.Marshal(Envelope{Type: eventType, Data: data})
	if err != nil {
		log.Printf("Error marshaling %s event: %v", eventType, err)
		return false
	}
	return h.SendToUser(userID, payload)
}

// JoinRoom adds a user to a ride's broadcast room
func (h *Hub) JoinRoom(roomID, userID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[uint]bool)
		h.rooms[roomID] = members
	}
	members[userID] = true
}

// LeaveRoom removes a user from a room; an empty room is deleted
func (h *Hub) LeaveRoom(roomID, userID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members, ok := h.rooms[roomID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// RoomMembers returns a copy of the room's member set
func (h *Hub) RoomMembers(roomID uint) []uint {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := make([]uint, 0, len(h.rooms[roomID]))
	for userID := range h.rooms[roomID] {
		members = append(members, userID)
	}
	return members
}

// BroadcastRoom delivers an envelope to every room member except excludeUserID
// (0 excludes nobody). Used to avoid echoing a sender's message back.
func (h *Hub) BroadcastRoom(roomID uint, eventType string, data interface{}, excludeUserID uint) {
	payload, err := json.Marshal(Envelope{Type: eventType, Data: data})
	if err != nil {
		log.Printf("Error marshaling %s event: %v", eventType, err)
		return
	}
	for _, userID := range h.RoomMembers(roomID) {
		if userID == excludeUserID {
			continue
		}
		h.SendToUser(userID, payload)
	}
}

// ConnectedUsers returns the number of users with at least one session
func (h *Hub) ConnectedUsers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
