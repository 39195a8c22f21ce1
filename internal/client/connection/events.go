package connection

import "github.com/yourusername/groupchat/internal/protocol"

// Event represents events from the connection manager
type Event interface {
	isEvent()
}

// StateEvent is sent on every state transition
type StateEvent struct {
	From State
	To   State
}

func (StateEvent) isEvent() {}

// ConnectedEvent is sent when a connection is established
type ConnectedEvent struct {
	Reconnected bool
}

func (ConnectedEvent) isEvent() {}

// ReconnectingEvent is sent before each reconnect attempt
type ReconnectingEvent struct {
	Attempt int
	Error   error
}

func (ReconnectingEvent) isEvent() {}

// DisconnectedEvent is sent when the connection is lost for good, either
// because reconnecting gave up or because the token was rejected
type DisconnectedEvent struct {
	Token string
	Error error
}

func (DisconnectedEvent) isEvent() {}

// ErrorEvent is sent when the hub reports a protocol error
type ErrorEvent struct {
	Message string
}

func (ErrorEvent) isEvent() {}

// ChatEvent is sent when a group message arrives
type ChatEvent struct {
	GroupID string
	Message protocol.ChatMessage
}

func (ChatEvent) isEvent() {}

// ProcessEvent is an out-of-band status update keyed by request id
type ProcessEvent struct {
	RequestID string
	Status    string
}

func (ProcessEvent) isEvent() {}
