package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/yourusername/groupchat/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second    //time allowed to read the next pong message from client
	pingPeriod = (pongWait * 9) / 10 //send pings to client with this period. must be less than pongWait
	sendBuffer = 256
)

// Client is one hub connection of a signed-in user
type Client struct {
	ID    string
	User  *User
	Rooms []*Room

	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(user *User, rooms []*Room) *Client {
	return &Client{
		ID:    uuid.New().String(),
		User:  user,
		Rooms: rooms,
		send:  make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
	}
}

// enqueue never blocks; it reports false when the frame was dropped
func (c *Client) enqueue(message []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) complete(invocationID, errMsg string) {
	msg, err := protocol.EncodeCompletion(invocationID, errMsg)
	if err != nil {
		return
	}
	c.enqueue(msg)
}

func (c *Client) event(target string, payload interface{}) {
	msg, err := protocol.EncodeEvent(target, payload)
	if err != nil {
		return
	}
	c.enqueue(msg)
}

func (c *Client) protocolError(text string) {
	msg, err := protocol.EncodeMessage(protocol.MsgError, protocol.ErrorPayload{Message: text})
	if err != nil {
		return
	}
	c.enqueue(msg)
}

// bearerToken reads the token from the Authorization header, falling back
// to the access_token query parameter browsers use for WebSockets
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("access_token")
}

// HandleHub authenticates and upgrades a hub connection. The connection
// joins the rooms of its user before the handshake completes, so nothing
// sent after the client sees the connection open is missed.
func (s *Server) HandleHub(w http.ResponseWriter, r *http.Request) {
	user, ok := s.users.UserByToken(bearerToken(r))
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	client := newClient(user, s.rooms.RoomsFor(user.ID))
	if !s.track(client) {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	for _, room := range client.Rooms {
		room.Join(client)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("[hub] upgrade error")
		client.leave()
		s.untrack(client)
		return
	}
	conn.SetReadLimit(s.cfg.MaxFrameBytes)
	client.conn = conn

	s.metrics.connections.Inc()
	log.Info().Str("user", user.Username).Str("client", client.ID).Msg("[hub] connected")

	go client.writePump()
	go client.readPump(s)
}

func (c *Client) leave() {
	for _, room := range c.Rooms {
		room.Leave(c)
	}
	c.close()
}

// readPump pumps messages from the WebSocket connection to the hub
func (c *Client) readPump(s *Server) {
	defer func() {
		c.leave()
		c.conn.Close()
		s.untrack(c)
		s.metrics.connections.Dec()
		log.Info().Str("user", c.User.Username).Str("client", c.ID).Msg("[hub] disconnected")
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client", c.ID).Msg("[hub] read error")
			}
			break
		}

		c.handleMessage(s, message)
	}
}

// writePump pumps queued frames to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handleMessage handles incoming messages from the client
func (c *Client) handleMessage(s *Server, data []byte) {
	msg, err := protocol.DecodeMessage(data)
	if err != nil {
		log.Warn().Err(err).Str("client", c.ID).Msg("[hub] error decoding message")
		c.protocolError("malformed envelope")
		return
	}

	if msg.Type != protocol.MsgInvocation {
		c.protocolError("unexpected message type " + string(msg.Type))
		return
	}

	switch msg.Target {
	case protocol.TargetSendItemChat:
		var payload protocol.SendItemChatPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			log.Warn().Err(err).Str("client", c.ID).Msg("[hub] error unmarshaling SendItemChat payload")
			c.complete(msg.InvocationID, "malformed payload")
			return
		}
		s.chat.HandleSendItemChat(c, msg.InvocationID, payload)

	default:
		s.metrics.invocations.WithLabelValues(msg.Target, "unknown").Inc()
		c.complete(msg.InvocationID, "unknown method "+msg.Target)
	}
}
