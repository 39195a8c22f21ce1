package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/groupchat/internal/chaterr"
	"github.com/yourusername/groupchat/internal/client/auth"
	"github.com/yourusername/groupchat/internal/protocol"
)

// hubConn serializes writes to one server-side connection
type hubConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *hubConn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// testHub is a minimal hub: it answers every invocation with a completion
// and can push events to its connections
type testHub struct {
	token    string
	upgrader websocket.Upgrader

	dials  atomic.Int32
	reject atomic.Bool
	refuse atomic.Bool // answer invocations with an error

	mu    sync.Mutex
	conns []*hubConn
}

func (h *testHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.dials.Add(1)
	if h.reject.Load() || r.Header.Get("Authorization") != "Bearer "+h.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	hc := &hubConn{conn: conn}
	h.mu.Lock()
	h.conns = append(h.conns, hc)
	h.mu.Unlock()

	go func() {
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.DecodeMessage(data)
			if err != nil || msg.Type != protocol.MsgInvocation {
				continue
			}
			errMsg := ""
			if h.refuse.Load() {
				errMsg = "not a member"
			}
			reply, _ := protocol.EncodeCompletion(msg.InvocationID, errMsg)
			_ = hc.write(reply)
		}
	}()
}

func (h *testHub) push(t *testing.T, target string, payload interface{}) {
	t.Helper()
	data, err := protocol.EncodeEvent(target, payload)
	require.NoError(t, err)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		_ = c.write(data)
	}
}

func (h *testHub) dropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		_ = c.conn.Close()
	}
	h.conns = nil
}

// waitConns blocks until the hub has registered n live connections
func (h *testHub) waitConns(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.conns) == n
	}, 2*time.Second, 5*time.Millisecond)
}

func startHub(t *testing.T, token string) (*testHub, string) {
	t.Helper()
	hub := &testHub{token: token}
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestManager(url string, delays ...time.Duration) *Manager {
	return NewManager(Config{
		URL:              url,
		HandshakeTimeout: 2 * time.Second,
		InvokeTimeout:    2 * time.Second,
		ReconnectDelays:  delays,
	})
}

func cred(token string) auth.Credential { return auth.Credential{AccessToken: token} }

func TestOpenIsNoOpForSameCredential(t *testing.T) {
	hub, url := startHub(t, "tok")
	m := newTestManager(url)
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, m.Open(ctx, cred("tok")))
	require.NoError(t, m.Open(ctx, cred("tok")))

	assert.Equal(t, Connected, m.State())
	assert.EqualValues(t, 1, hub.dials.Load())
}

func TestConcurrentOpenDialsOnce(t *testing.T) {
	hub, url := startHub(t, "tok")
	m := newTestManager(url)
	defer m.Close()

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Open(context.Background(), cred("tok"))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, hub.dials.Load())
}

func TestOpenWithNewCredentialReplacesChannel(t *testing.T) {
	hub, url := startHub(t, "tok-2")
	m := newTestManager(url)
	defer m.Close()

	err := m.Open(context.Background(), cred("tok-1"))
	require.Error(t, err)
	assert.True(t, chaterr.IsUnauthorized(err))
	assert.Equal(t, Disconnected, m.State())

	require.NoError(t, m.Open(context.Background(), cred("tok-2")))
	assert.Equal(t, Connected, m.State())
	assert.EqualValues(t, 2, hub.dials.Load())
}

func TestCloseIsIdempotent(t *testing.T) {
	_, url := startHub(t, "tok")
	m := newTestManager(url)
	require.NoError(t, m.Open(context.Background(), cred("tok")))

	m.Close()
	m.Close()
	assert.Equal(t, Closed, m.State())

	err := m.Open(context.Background(), cred("tok"))
	assert.ErrorIs(t, err, chaterr.ErrClosed)

	err = m.Send(context.Background(), protocol.TargetSendItemChat, struct{}{})
	var sendErr *chaterr.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.ErrorIs(t, err, chaterr.ErrClosed)
}

func TestSendWaitsForCompletion(t *testing.T) {
	hub, url := startHub(t, "tok")
	m := newTestManager(url)
	defer m.Close()
	require.NoError(t, m.Open(context.Background(), cred("tok")))

	require.NoError(t, m.Send(context.Background(), protocol.TargetSendItemChat, protocol.SendItemChatPayload{RequestID: "r1"}))

	hub.refuse.Store(true)
	err := m.Send(context.Background(), protocol.TargetSendItemChat, protocol.SendItemChatPayload{RequestID: "r2"})
	var sendErr *chaterr.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Contains(t, err.Error(), "not a member")
}

func TestSendWhileDisconnected(t *testing.T) {
	m := newTestManager("ws://127.0.0.1:1/chathub")
	defer m.Close()
	err := m.Send(context.Background(), protocol.TargetSendItemChat, struct{}{})
	assert.ErrorIs(t, err, chaterr.ErrNotConnected)
}

func TestHandlersSurviveReconnect(t *testing.T) {
	hub, url := startHub(t, "tok")
	m := newTestManager(url, 0, 50*time.Millisecond)
	defer m.Close()

	got := make(chan ChatEvent, 4)
	m.OnMessage(func(ev ChatEvent) { got <- ev })

	var reconnected atomic.Bool
	m.OnEvent(func(ev Event) {
		if c, ok := ev.(ConnectedEvent); ok && c.Reconnected {
			reconnected.Store(true)
		}
	})

	require.NoError(t, m.Open(context.Background(), cred("tok")))
	hub.dropAll()

	require.Eventually(t, func() bool {
		return reconnected.Load() && m.State() == Connected
	}, 3*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 2, hub.dials.Load())
	hub.waitConns(t, 1)

	text := "after reconnect"
	hub.push(t, protocol.TargetReceiveChat, protocol.ReceiveChatPayload{
		GroupID: "g1",
		Message: protocol.ChatMessage{ID: "m1", SentBy: "u2", Message: &text},
	})

	select {
	case ev := <-got:
		assert.Equal(t, "g1", ev.GroupID)
		assert.Equal(t, "m1", ev.Message.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not fire after reconnect")
	}
}

func TestReconnectStopsOnUnauthorized(t *testing.T) {
	hub, url := startHub(t, "tok")
	m := newTestManager(url, 0, 0, 0)
	defer m.Close()

	disconnected := make(chan DisconnectedEvent, 1)
	m.OnEvent(func(ev Event) {
		if d, ok := ev.(DisconnectedEvent); ok {
			disconnected <- d
		}
	})

	require.NoError(t, m.Open(context.Background(), cred("tok")))
	hub.reject.Store(true)
	hub.dropAll()

	select {
	case d := <-disconnected:
		assert.True(t, chaterr.IsUnauthorized(d.Error))
		assert.Equal(t, "tok", d.Token)
	case <-time.After(3 * time.Second):
		t.Fatal("no disconnected event")
	}
	assert.Equal(t, Disconnected, m.State())
	// one initial dial plus a single rejected reconnect
	assert.EqualValues(t, 2, hub.dials.Load())
}

func TestEventsKeepArrivalOrder(t *testing.T) {
	hub, url := startHub(t, "tok")
	m := newTestManager(url)
	defer m.Close()

	var mu sync.Mutex
	var ids []string
	m.OnMessage(func(ev ChatEvent) {
		mu.Lock()
		ids = append(ids, ev.Message.ID)
		mu.Unlock()
	})
	statuses := make(chan ProcessEvent, 1)
	m.OnServerEvent(func(ev ProcessEvent) { statuses <- ev })

	require.NoError(t, m.Open(context.Background(), cred("tok")))
	hub.waitConns(t, 1)

	want := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		id := string(rune('a'+i%26)) + string(rune('0'+i/26))
		want = append(want, id)
		hub.push(t, protocol.TargetReceiveChat, protocol.ReceiveChatPayload{
			GroupID: "g1",
			Message: protocol.ChatMessage{ID: id},
		})
	}
	hub.push(t, protocol.TargetReceiveProcess, protocol.ReceiveProcessPayload{ID: "r1", Status: protocol.StatusDone})

	select {
	case ev := <-statuses:
		assert.Equal(t, ProcessEvent{RequestID: "r1", Status: protocol.StatusDone}, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("no process event")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, ids)
}

func TestChatEventFallsBackToMessageGroup(t *testing.T) {
	m := newTestManager("ws://unused")
	defer m.Close()

	got := make(chan ChatEvent, 1)
	m.OnMessage(func(ev ChatEvent) { got <- ev })

	data, err := json.Marshal(protocol.Message{
		Type:    protocol.MsgEvent,
		Target:  protocol.TargetReceiveChat,
		Payload: json.RawMessage(`{"message":{"id":"m1","groupId":"g9"}}`),
	})
	require.NoError(t, err)
	m.handleMessage(data)

	select {
	case ev := <-got:
		assert.Equal(t, "g9", ev.GroupID)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
}

func TestDisconnectDoesNotReconnect(t *testing.T) {
	hub, url := startHub(t, "tok")
	m := newTestManager(url, 0, 0)
	defer m.Close()

	require.NoError(t, m.Open(context.Background(), cred("tok")))
	m.Disconnect()
	m.Disconnect()
	assert.Equal(t, Disconnected, m.State())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Disconnected, m.State())
	assert.EqualValues(t, 1, hub.dials.Load())

	err := m.Send(context.Background(), protocol.TargetSendItemChat, struct{}{})
	assert.ErrorIs(t, err, chaterr.ErrNotConnected)

	require.NoError(t, m.Open(context.Background(), cred("tok")))
	assert.Equal(t, Connected, m.State())
	assert.EqualValues(t, 2, hub.dials.Load())
}

func TestOnStateChangeSeesEveryTransition(t *testing.T) {
	hub, url := startHub(t, "tok")
	m := newTestManager(url, 0)

	var mu sync.Mutex
	var states []State
	m.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	seen := func() []State {
		mu.Lock()
		defer mu.Unlock()
		return append([]State(nil), states...)
	}

	require.NoError(t, m.Open(context.Background(), cred("tok")))
	hub.waitConns(t, 1)
	hub.dropAll()

	require.Eventually(t, func() bool { return len(seen()) == 4 }, 3*time.Second, 10*time.Millisecond)
	m.Close()
	require.Eventually(t, func() bool { return len(seen()) == 5 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []State{Connecting, Connected, Reconnecting, Connected, Closed}, seen())
}
