// Package server is a development backend for the chat client: sign-in,
// room listing, rosters, paged history and the real-time hub.
package server

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/yourusername/groupchat/internal/config"
)

// Server represents the chat backend
type Server struct {
	cfg      config.ServerConfig
	users    *UserManager
	rooms    *RoomManager
	chat     *ChatManager
	store    *MessageStore
	metrics  *Metrics
	limiter  *limiterPool
	upgrader websocket.Upgrader

	mu        sync.Mutex
	clients   map[*Client]struct{}
	pumps     sync.WaitGroup
	closed    bool
	closeOnce sync.Once
}

// NewServer wires a backend over store. The server owns store from here on
// and closes it in Close.
func NewServer(cfg config.ServerConfig, seed Seed, store *MessageStore) (*Server, error) {
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = config.DefaultServer().MaxPayloadBytes
	}
	if cfg.MaxFrameBytes < cfg.MaxPayloadBytes {
		cfg.MaxFrameBytes = cfg.MaxPayloadBytes + 1<<20
	}

	users := NewUserManager(seed.Users)
	rooms := NewRoomManager(seed.Groups, users)
	metrics := NewMetrics()

	s := &Server{
		cfg:     cfg,
		users:   users,
		rooms:   rooms,
		chat:    NewChatManager(store, rooms, metrics, cfg.MaxPayloadBytes),
		store:   store,
		metrics: metrics,
		limiter: newLimiterPool(cfg.SignInRPS, cfg.SignInBurst),
		clients: make(map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	return s, nil
}

// track registers a live hub connection, refusing it after Close
func (s *Server) track(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	s.pumps.Add(1)
	return true
}

func (s *Server) untrack(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	s.pumps.Done()
}

// Close drops every hub connection, waits for their read loops to finish,
// stops the rooms and closes the store
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for c := range s.clients {
			c.close()
		}
		s.mu.Unlock()

		s.pumps.Wait()
		s.rooms.Stop()
		err = s.store.Close()
		log.Info().Msg("[server] closed")
	})
	return err
}
