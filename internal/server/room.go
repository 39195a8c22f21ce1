package server

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Room is a chat group and the hub connections of its members
type Room struct {
	ID      string
	Name    string
	Avatar  string
	Members map[string]bool // user ids
	Clients map[string]*Client

	mu         sync.RWMutex
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once
}

// NewRoom creates a room with a fixed membership
func NewRoom(id, name, avatar string, members []string) *Room {
	r := &Room{
		ID:      id,
		Name:    name,
		Avatar:  avatar,
		Members: make(map[string]bool, len(members)),
		Clients: make(map[string]*Client),

		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
	for _, id := range members {
		r.Members[id] = true
	}
	return r
}

// Run starts the room's main loop
func (r *Room) Run() {
	for {
		select {
		case client := <-r.register:
			r.handleRegister(client)

		case client := <-r.unregister:
			r.handleUnregister(client)

		case message := <-r.broadcast:
			r.handleBroadcast(message)

		case <-r.done:
			return
		}
	}
}

// Stop ends the main loop
func (r *Room) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

// Join attaches a connection, returning false once the room has stopped
func (r *Room) Join(c *Client) bool {
	select {
	case r.register <- c:
		return true
	case <-r.done:
		return false
	}
}

func (r *Room) Leave(c *Client) {
	select {
	case r.unregister <- c:
	case <-r.done:
	}
}

// Broadcast queues a frame for every connection of the room
func (r *Room) Broadcast(message []byte) {
	select {
	case r.broadcast <- message:
	case <-r.done:
	}
}

// IsMember reports whether userID belongs to the room
func (r *Room) IsMember(userID string) bool {
	return r.Members[userID]
}

// MemberIDs returns the member ids in stable order
func (r *Room) MemberIDs() []string {
	ids := make([]string, 0, len(r.Members))
	for id := range r.Members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Room) handleRegister(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Clients[client.ID] = client
	log.Debug().Str("user", client.User.Username).Str("room", r.ID).Msg("[hub] joined room")
}

func (r *Room) handleUnregister(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.Clients[client.ID]; ok {
		delete(r.Clients, client.ID)
		log.Debug().Str("user", client.User.Username).Str("room", r.ID).Msg("[hub] left room")
	}
}

func (r *Room) handleBroadcast(message []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, client := range r.Clients {
		if !client.enqueue(message) {
			log.Warn().Str("client", client.ID).Str("room", r.ID).Msg("[hub] send buffer full, dropping frame")
		}
	}
}

// RoomManager manages all rooms
type RoomManager struct {
	rooms map[string]*Room
	order []string
	mu    sync.RWMutex
}

// NewRoomManager builds and starts one room per seed group
func NewRoomManager(groups []SeedGroup, users *UserManager) *RoomManager {
	rm := &RoomManager{rooms: make(map[string]*Room)}
	for _, g := range groups {
		members := make([]string, 0, len(g.Members))
		for _, username := range g.Members {
			if u, ok := users.UserByUsername(username); ok {
				members = append(members, u.ID)
			}
		}
		name := sanitizeName(g.Name)
		if name == "" {
			name = g.ID
		}
		room := NewRoom(g.ID, name, g.Avatar, members)
		rm.rooms[room.ID] = room
		rm.order = append(rm.order, room.ID)
		go room.Run()
	}
	log.Info().Int("rooms", len(rm.rooms)).Msg("[hub] rooms ready")
	return rm
}

// GetRoom gets an existing room
func (rm *RoomManager) GetRoom(roomID string) *Room {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.rooms[roomID]
}

// RoomsFor returns the rooms userID belongs to, in seed order
func (rm *RoomManager) RoomsFor(userID string) []*Room {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	var out []*Room
	for _, id := range rm.order {
		if r := rm.rooms[id]; r.IsMember(userID) {
			out = append(out, r)
		}
	}
	return out
}

// Stop ends every room loop
func (rm *RoomManager) Stop() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for _, r := range rm.rooms {
		r.Stop()
	}
}
