package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/yourusername/groupchat/internal/chaterr"
	"github.com/yourusername/groupchat/internal/client/auth"
	"github.com/yourusername/groupchat/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
	inboundBuffer  = 256
)

// Config describes how to reach the hub and how to recover from drops
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	InvokeTimeout    time.Duration
	// ReconnectDelays is the wait before each reconnect attempt. Once the
	// list is exhausted the channel settles in Disconnected.
	ReconnectDelays []time.Duration
	MaxFrameBytes   int64
}

// link is a single WebSocket connection. A Manager goes through many links
// over its lifetime, one at a time.
type link struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newLink(conn *websocket.Conn) *link {
	return &link{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = l.conn.Close()
	})
}

// attempt is an in-progress Open shared by concurrent callers
type attempt struct {
	done chan struct{}
	err  error
}

// Manager manages the hub channel of one credential
type Manager struct {
	cfg    Config
	dialer *websocket.Dialer

	mu      sync.RWMutex
	state   State
	token   string
	gen     uint64
	link    *link
	opening *attempt
	pending map[string]chan error

	handlersMu sync.RWMutex
	onEvent    []func(Event)
	onChat     []func(ChatEvent)
	onProcess  []func(ProcessEvent)
	onState    []func(State)

	inbound   chan Event
	closed    chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewManager creates a channel in the Disconnected state
func NewManager(cfg Config) *Manager {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = 30 * time.Second
	}

	m := &Manager{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		state:   Disconnected,
		pending: make(map[string]chan error),
		inbound: make(chan Event, inboundBuffer),
		closed:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go m.dispatch()
	return m
}

// OnEvent registers a callback for every event
func (m *Manager) OnEvent(callback func(Event)) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.onEvent = append(m.onEvent, callback)
}

// OnMessage registers a callback for incoming group messages. Callbacks
// stay registered across reconnects.
func (m *Manager) OnMessage(callback func(ChatEvent)) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.onChat = append(m.onChat, callback)
}

// OnServerEvent registers a callback for process status notifications
func (m *Manager) OnServerEvent(callback func(ProcessEvent)) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.onProcess = append(m.onProcess, callback)
}

// OnStateChange registers a callback for every state transition. It
// receives the new state, in transition order.
func (m *Manager) OnStateChange(callback func(State)) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.onState = append(m.onState, callback)
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsConnected returns whether the manager is connected
func (m *Manager) IsConnected() bool {
	return m.State() == Connected
}

// Open connects with cred. Opening again with the same credential while the
// channel is live is a no-op; a concurrent Open waits for the first one.
// Opening with a different credential replaces the existing connection.
func (m *Manager) Open(ctx context.Context, cred auth.Credential) error {
	if !cred.Valid() {
		return &chaterr.ConnectionError{URL: m.cfg.URL, Err: chaterr.ErrNoCredential}
	}
	token := cred.AccessToken

	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return &chaterr.ConnectionError{URL: m.cfg.URL, Err: chaterr.ErrClosed}
	}
	if m.token == token && m.state.live() {
		a := m.opening
		m.mu.Unlock()
		if a == nil {
			return nil
		}
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return &chaterr.ConnectionError{URL: m.cfg.URL, Err: ctx.Err()}
		}
	}

	if m.link != nil || m.state.live() {
		log.Info().Msg("[connection] credential changed, replacing channel")
		m.dropLocked()
	}
	m.gen++
	gen := m.gen
	m.token = token
	a := &attempt{done: make(chan struct{})}
	m.opening = a
	ev := m.setStateLocked(Connecting)
	m.mu.Unlock()
	m.emit(ev)

	conn, err := m.dial(ctx, token)

	m.mu.Lock()
	if m.gen != gen || m.state == Closed {
		cause := chaterr.ErrNotConnected
		if m.state == Closed {
			cause = chaterr.ErrClosed
		}
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		a.err = &chaterr.ConnectionError{URL: m.cfg.URL, Err: cause}
		close(a.done)
		return a.err
	}
	m.opening = nil
	if err != nil {
		ev := m.setStateLocked(Disconnected)
		m.mu.Unlock()
		a.err = err
		close(a.done)
		m.emit(ev)
		return err
	}
	m.attachLocked(conn, gen)
	ev = m.setStateLocked(Connected)
	m.mu.Unlock()
	close(a.done)

	m.emit(ev, ConnectedEvent{})
	log.Info().Str("url", m.cfg.URL).Msg("[connection] connected")
	return nil
}

// Close shuts the channel down for good. It is safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.gen++
		m.dropLocked()
		m.failPendingLocked(chaterr.ErrClosed)
		ev := m.setStateLocked(Closed)
		m.mu.Unlock()

		m.emit(ev)
		close(m.closed)
		log.Debug().Msg("[connection] closed")
	})
}

// Disconnect drops the current connection and forgets its credential. The
// manager stays usable and a later Open starts over.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == Closed || (m.state == Disconnected && m.link == nil && m.token == "") {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.dropLocked()
	m.token = ""
	m.opening = nil
	ev := m.setStateLocked(Disconnected)
	m.mu.Unlock()

	m.emit(ev)
	log.Debug().Msg("[connection] disconnected")
}

// Send invokes a hub method and waits for its completion
func (m *Manager) Send(ctx context.Context, target string, payload interface{}) error {
	id := uuid.NewString()
	data, err := protocol.EncodeInvocation(id, target, payload)
	if err != nil {
		return &chaterr.SendError{Target: target, Err: err}
	}

	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return &chaterr.SendError{Target: target, Err: chaterr.ErrClosed}
	}
	if m.state != Connected || m.link == nil {
		m.mu.Unlock()
		return &chaterr.SendError{Target: target, Err: chaterr.ErrNotConnected}
	}
	l := m.link
	result := make(chan error, 1)
	m.pending[id] = result
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.InvokeTimeout)
		defer cancel()
	}

	select {
	case l.send <- data:
	case <-l.done:
		return &chaterr.SendError{Target: target, Err: chaterr.ErrNotConnected}
	case <-ctx.Done():
		return &chaterr.SendError{Target: target, Err: ctx.Err()}
	}

	select {
	case err := <-result:
		if err != nil {
			return &chaterr.SendError{Target: target, Err: err}
		}
		return nil
	case <-ctx.Done():
		return &chaterr.SendError{Target: target, Err: ctx.Err()}
	}
}

func (m *Manager) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := m.dialer.DialContext(ctx, m.cfg.URL, header)
	if err != nil {
		cerr := &chaterr.ConnectionError{URL: m.cfg.URL, Err: err}
		if resp != nil {
			cerr.Status = resp.StatusCode
		}
		return nil, cerr
	}
	if m.cfg.MaxFrameBytes > 0 {
		conn.SetReadLimit(m.cfg.MaxFrameBytes)
	}
	return conn, nil
}

func (m *Manager) attachLocked(conn *websocket.Conn, gen uint64) {
	l := newLink(conn)
	m.link = l
	go m.writePump(l)
	go m.readPump(l, gen)
}

func (m *Manager) dropLocked() {
	if m.link != nil {
		m.link.close()
		m.link = nil
	}
	m.failPendingLocked(chaterr.ErrNotConnected)
}

func (m *Manager) failPendingLocked(err error) {
	for id, ch := range m.pending {
		ch <- err
		delete(m.pending, id)
	}
}

func (m *Manager) setStateLocked(s State) Event {
	from := m.state
	m.state = s
	return StateEvent{From: from, To: s}
}

// readPump reads messages from the WebSocket connection
func (m *Manager) readPump(l *link, gen uint64) {
	defer l.close()

	conn := l.conn
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("[connection] read failed")
			}
			m.lost(l, gen, err)
			return
		}
		m.handleMessage(message)
	}
}

// writePump writes queued frames and keeps the connection alive with pings
func (m *Manager) writePump(l *link) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		l.close()
	}()

	for {
		select {
		case message := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Msg("[connection] write failed")
				return
			}
		case <-ticker.C:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-l.done:
			return
		}
	}
}

// lost is called once per link when its read side fails. Drops caused by
// Close or by a credential change are ignored.
func (m *Manager) lost(l *link, gen uint64, cause error) {
	m.mu.Lock()
	if m.gen != gen || m.link != l || m.state != Connected {
		m.mu.Unlock()
		return
	}
	m.link = nil
	m.failPendingLocked(chaterr.ErrNotConnected)
	ev := m.setStateLocked(Reconnecting)
	m.mu.Unlock()

	m.emit(ev)
	go m.reconnect(gen, cause)
}

func (m *Manager) reconnect(gen uint64, cause error) {
	lastErr := cause
	for i, delay := range m.cfg.ReconnectDelays {
		m.emit(ReconnectingEvent{Attempt: i + 1, Error: lastErr})
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-m.closed:
				t.Stop()
				return
			}
		}

		m.mu.RLock()
		token := m.token
		current := m.gen == gen && m.state == Reconnecting
		m.mu.RUnlock()
		if !current {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
		conn, err := m.dial(ctx, token)
		cancel()
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Int("attempt", i+1).Msg("[connection] reconnect failed")
			if chaterr.IsUnauthorized(err) {
				break
			}
			continue
		}

		m.mu.Lock()
		if m.gen != gen || m.state != Reconnecting {
			m.mu.Unlock()
			_ = conn.Close()
			return
		}
		m.attachLocked(conn, gen)
		ev := m.setStateLocked(Connected)
		m.mu.Unlock()

		m.emit(ev, ConnectedEvent{Reconnected: true})
		log.Info().Int("attempt", i+1).Msg("[connection] reconnected")
		return
	}

	m.mu.Lock()
	if m.gen != gen || m.state != Reconnecting {
		m.mu.Unlock()
		return
	}
	token := m.token
	ev := m.setStateLocked(Disconnected)
	m.mu.Unlock()

	log.Warn().Err(lastErr).Msg("[connection] giving up on reconnect")
	m.emit(ev, DisconnectedEvent{Token: token, Error: lastErr})
}

// handleMessage processes incoming messages
func (m *Manager) handleMessage(data []byte) {
	msg, err := protocol.DecodeMessage(data)
	if err != nil {
		log.Warn().Err(err).Msg("[connection] error decoding message")
		return
	}

	switch msg.Type {
	case protocol.MsgCompletion:
		m.mu.Lock()
		ch, ok := m.pending[msg.InvocationID]
		delete(m.pending, msg.InvocationID)
		m.mu.Unlock()
		if !ok {
			log.Debug().Str("invocation", msg.InvocationID).Msg("[connection] completion for unknown invocation")
			return
		}
		if msg.Error != "" {
			ch <- errors.Newf("hub rejected invocation: %s", msg.Error)
			return
		}
		ch <- nil

	case protocol.MsgEvent:
		switch msg.Target {
		case protocol.TargetReceiveChat:
			var payload protocol.ReceiveChatPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				log.Warn().Err(err).Msg("[connection] error unmarshaling chat event")
				return
			}
			groupID := payload.GroupID
			if groupID == "" {
				groupID = payload.Message.GroupID
			}
			m.emit(ChatEvent{GroupID: groupID, Message: payload.Message})

		case protocol.TargetReceiveProcess:
			var payload protocol.ReceiveProcessPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				log.Warn().Err(err).Msg("[connection] error unmarshaling process event")
				return
			}
			m.emit(ProcessEvent{RequestID: payload.ID, Status: payload.Status})

		default:
			log.Debug().Str("target", msg.Target).Msg("[connection] unhandled event")
		}

	case protocol.MsgError:
		var payload protocol.ErrorPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			log.Warn().Err(err).Msg("[connection] error unmarshaling error payload")
			return
		}
		log.Warn().Str("message", payload.Message).Msg("[connection] hub error")
		m.emit(ErrorEvent{Message: payload.Message})

	default:
		log.Debug().Str("type", string(msg.Type)).Msg("[connection] unhandled message type")
	}
}

// emit queues events for the dispatcher. Queue order is delivery order.
func (m *Manager) emit(events ...Event) {
	for _, ev := range events {
		select {
		case m.inbound <- ev:
		case <-m.stopped:
			return
		}
	}
}

// dispatch is the single consumer of the inbound queue
func (m *Manager) dispatch() {
	defer close(m.stopped)
	for {
		select {
		case ev := <-m.inbound:
			m.deliver(ev)
		case <-m.closed:
			for {
				select {
				case ev := <-m.inbound:
					m.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("[connection] event handler panicked")
		}
	}()

	m.handlersMu.RLock()
	all := append([]func(Event){}, m.onEvent...)
	chat := append([]func(ChatEvent){}, m.onChat...)
	process := append([]func(ProcessEvent){}, m.onProcess...)
	states := append([]func(State){}, m.onState...)
	m.handlersMu.RUnlock()

	switch e := ev.(type) {
	case ChatEvent:
		for _, fn := range chat {
			fn(e)
		}
	case ProcessEvent:
		for _, fn := range process {
			fn(e)
		}
	case StateEvent:
		for _, fn := range states {
			fn(e.To)
		}
	}
	for _, fn := range all {
		fn(ev)
	}
}
