package server

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/yourusername/groupchat/internal/protocol"
)

// ChatManager handles SendItemChat invocations: it validates the message,
// stores it and fans it out to the group
type ChatManager struct {
	store      *MessageStore
	rooms      *RoomManager
	metrics    *Metrics
	maxPayload int64
	now        func() time.Time
}

// NewChatManager creates a new chat manager
func NewChatManager(store *MessageStore, rooms *RoomManager, metrics *Metrics, maxPayload int64) *ChatManager {
	return &ChatManager{
		store:      store,
		rooms:      rooms,
		metrics:    metrics,
		maxPayload: maxPayload,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// HandleSendItemChat processes one invocation from client. The sender gets
// the completion and ReceiveProcess updates; every connected member of the
// group gets ReceiveChat.
func (cm *ChatManager) HandleSendItemChat(client *Client, invocationID string, p protocol.SendItemChatPayload) {
	msg, room, err := cm.validate(client, p)
	if err != nil {
		cm.metrics.invocations.WithLabelValues(protocol.TargetSendItemChat, "rejected").Inc()
		client.complete(invocationID, err.Error())
		return
	}

	if p.RequestID != "" {
		client.event(protocol.TargetReceiveProcess, protocol.ReceiveProcessPayload{ID: p.RequestID, Status: protocol.StatusReceived})
	}

	stored, created, err := cm.store.Append(msg)
	if err != nil {
		log.Error().Err(err).Str("group", room.ID).Msg("[chat] failed to store message")
		cm.metrics.invocations.WithLabelValues(protocol.TargetSendItemChat, "failed").Inc()
		client.complete(invocationID, "message could not be stored")
		if p.RequestID != "" {
			client.event(protocol.TargetReceiveProcess, protocol.ReceiveProcessPayload{ID: p.RequestID, Status: protocol.StatusFailed})
		}
		return
	}

	cm.metrics.invocations.WithLabelValues(protocol.TargetSendItemChat, "ok").Inc()
	client.complete(invocationID, "")

	if created {
		cm.metrics.messages.Inc()
		frame, err := protocol.EncodeEvent(protocol.TargetReceiveChat, protocol.ReceiveChatPayload{GroupID: room.ID, Message: stored})
		if err != nil {
			log.Error().Err(err).Msg("[chat] failed to encode message")
			return
		}
		room.Broadcast(frame)
		log.Debug().Str("group", room.ID).Str("from", client.User.Username).Msg("[chat] message delivered")
	} else {
		log.Debug().Str("request", p.RequestID).Msg("[chat] duplicate request, not redelivered")
	}

	if p.RequestID != "" {
		client.event(protocol.TargetReceiveProcess, protocol.ReceiveProcessPayload{ID: p.RequestID, Status: protocol.StatusDone})
	}
}

func (cm *ChatManager) validate(client *Client, p protocol.SendItemChatPayload) (protocol.ChatMessage, *Room, error) {
	var msg protocol.ChatMessage

	room := cm.rooms.GetRoom(p.GroupID)
	if room == nil || !room.IsMember(client.User.ID) {
		return msg, nil, errors.Newf("not a member of group %q", p.GroupID)
	}

	var text *string
	if p.Content != nil && strings.TrimSpace(*p.Content) != "" {
		clean := sanitizeMessage(*p.Content)
		text = &clean
	}
	if text == nil && len(p.Medias) == 0 && len(p.Files) == 0 {
		return msg, nil, errors.New("message has no content")
	}

	var size int64
	for _, m := range p.Medias {
		size += int64(len(m))
	}
	for _, f := range p.Files {
		size += int64(len(f))
	}
	if size > cm.maxPayload {
		return msg, nil, errors.Newf("payload of %s exceeds the %s limit",
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(cm.maxPayload)))
	}

	msg = protocol.ChatMessage{
		ID:        uuid.New().String(),
		RequestID: p.RequestID,
		GroupID:   room.ID,
		SentBy:    client.User.ID,
		Message:   text,
		Medias:    p.Medias,
		Files:     p.Files,
		CreatedAt: cm.now(),
	}
	return msg, room, nil
}
