package protocol //handles communication between the chat client and the hub
// Hub envelope types and payloads
import (
	"encoding/json"
	"time"
)

// MessageType defines the type of hub envelope
type MessageType string

const (
	// Client -> Hub
	MsgInvocation MessageType = "invocation" // call a hub method, answered by a completion

	// Hub -> Client
	MsgCompletion MessageType = "completion" // result of an invocation
	MsgEvent      MessageType = "event"      // server-pushed event
	MsgError      MessageType = "error"      // protocol level error, not tied to an invocation
)

// Hub methods and event names
const (
	TargetSendItemChat   = "SendItemChat"
	TargetReceiveChat    = "ReceiveChat"
	TargetReceiveProcess = "ReceiveProcess"
)

// Process statuses carried by ReceiveProcess
const (
	StatusReceived = "received"
	StatusDone     = "done"
	StatusFailed   = "failed"
)

// Message is the wrapper for all hub envelopes
type Message struct {
	Type         MessageType     `json:"type"`
	InvocationID string          `json:"invocationId,omitempty"`
	Target       string          `json:"target,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// SendItemChatPayload is the argument of the SendItemChat hub method.
// Field names follow the hub's PascalCase contract.
type SendItemChatPayload struct {
	RequestID string   `json:"RequestId"`
	GroupID   string   `json:"GroupId"`
	Content   *string  `json:"Content"`
	Medias    []string `json:"Medias"`
	Files     []string `json:"Files"`
}

// ChatMessage is a message as stored and delivered by the backend
type ChatMessage struct {
	ID        string    `json:"id"`
	RequestID string    `json:"requestId,omitempty"`
	GroupID   string    `json:"groupId,omitempty"`
	SentBy    string    `json:"sentBy"`
	Message   *string   `json:"message"`
	Medias    []string  `json:"medias,omitempty"`
	Files     []string  `json:"files,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReceiveChatPayload is pushed to every member of a group when a message lands
type ReceiveChatPayload struct {
	GroupID string      `json:"groupId"`
	Message ChatMessage `json:"message"`
}

// ReceiveProcessPayload reports asynchronous processing of a request
type ReceiveProcessPayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ErrorPayload contains error information
type ErrorPayload struct {
	Message string `json:"message"`
}

// EncodeMessage encodes a message with its payload
func EncodeMessage(msgType MessageType, payload interface{}) ([]byte, error) {
	msg := Message{Type: msgType}
	if payload != nil {
		payloadBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = payloadBytes
	}

	return json.Marshal(msg)
}

// EncodeInvocation encodes a hub method call
func EncodeInvocation(invocationID, target string, payload interface{}) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return json.Marshal(Message{
		Type:         MsgInvocation,
		InvocationID: invocationID,
		Target:       target,
		Payload:      payloadBytes,
	})
}

// EncodeCompletion encodes the result of an invocation. An empty errMsg means success.
func EncodeCompletion(invocationID, errMsg string) ([]byte, error) {
	return json.Marshal(Message{
		Type:         MsgCompletion,
		InvocationID: invocationID,
		Error:        errMsg,
	})
}

// EncodeEvent encodes a server-pushed event
func EncodeEvent(target string, payload interface{}) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return json.Marshal(Message{
		Type:    MsgEvent,
		Target:  target,
		Payload: payloadBytes,
	})
}

// DecodeMessage decodes a message
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	err := json.Unmarshal(data, &msg)
	return &msg, err
}
