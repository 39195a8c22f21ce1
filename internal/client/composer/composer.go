// Package composer builds outgoing chat messages, shows them locally
// before the hub confirms them, and hands them to the channel.
package composer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/yourusername/groupchat/internal/chaterr"
	"github.com/yourusername/groupchat/internal/client/conversation"
	"github.com/yourusername/groupchat/internal/protocol"
)

// MaxPayloadBytes bounds the encoded size of all media and files of one message
const MaxPayloadBytes = 10 << 20

// Sender invokes a hub method
type Sender interface {
	Send(ctx context.Context, target string, payload interface{}) error
}

// Echoer shows and withdraws optimistic copies of outgoing messages
type Echoer interface {
	AppendPending(groupID string, m conversation.Message)
	DropPending(groupID, requestID string) bool
}

type Option func(*Composer)

// WithSenderID sets the id stamped on local echoes
func WithSenderID(fn func() string) Option {
	return func(c *Composer) { c.senderID = fn }
}

// WithIDGenerator replaces the request id generator
func WithIDGenerator(fn func() string) Option {
	return func(c *Composer) { c.newID = fn }
}

// Composer sends messages over a Sender
type Composer struct {
	sender   Sender
	echo     Echoer
	senderID func() string
	newID    func() string
	now      func() time.Time

	mu       sync.Mutex
	sent     []string
	statuses map[string]string
	drafts   map[string]*Draft
}

// New creates a composer. echo may be nil.
func New(sender Sender, echo Echoer, opts ...Option) *Composer {
	c := &Composer{
		sender:   sender,
		echo:     echo,
		senderID: func() string { return "" },
		newID:    uuid.NewString,
		now:      time.Now,
		statuses: make(map[string]string),
		drafts:   make(map[string]*Draft),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compose validates and sends one message to groupID. text may be nil when
// the message only carries media or files. On failure the local echo is
// withdrawn and a *chaterr.SendError carrying the request id is returned.
func (c *Composer) Compose(ctx context.Context, groupID string, text *string, medias, files []string) (conversation.Message, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return conversation.Message{}, chaterr.ErrNoGroup
	}
	if text != nil && strings.TrimSpace(*text) == "" {
		text = nil
	}
	if text == nil && len(medias) == 0 && len(files) == 0 {
		return conversation.Message{}, chaterr.ErrEmptyMessage
	}
	if medias == nil {
		medias = []string{}
	}
	if files == nil {
		files = []string{}
	}
	if size := payloadSize(medias, files); size > MaxPayloadBytes {
		return conversation.Message{}, &chaterr.PayloadTooLargeError{Size: size, Limit: MaxPayloadBytes}
	}

	requestID := c.newID()
	msg := conversation.Message{
		RequestID: requestID,
		GroupID:   groupID,
		SenderID:  c.senderID(),
		Text:      text,
		Medias:    medias,
		Files:     files,
		CreatedAt: c.now(),
		Pending:   true,
	}

	c.mu.Lock()
	c.sent = append(c.sent, requestID)
	c.mu.Unlock()
	if c.echo != nil {
		c.echo.AppendPending(groupID, msg)
	}

	err := c.sender.Send(ctx, protocol.TargetSendItemChat, protocol.SendItemChatPayload{
		RequestID: requestID,
		GroupID:   groupID,
		Content:   text,
		Medias:    medias,
		Files:     files,
	})
	if err != nil {
		if c.echo != nil {
			c.echo.DropPending(groupID, requestID)
		}
		c.TrackStatus(requestID, protocol.StatusFailed)
		log.Warn().Err(err).Str("group", groupID).Str("request", requestID).Msg("[composer] send failed")

		sendErr := &chaterr.SendError{RequestID: requestID, Target: protocol.TargetSendItemChat, Err: err}
		var inner *chaterr.SendError
		if errors.As(err, &inner) {
			sendErr.Err = inner.Err
		}
		return msg, sendErr
	}

	log.Debug().Str("group", groupID).Str("request", requestID).Msg("[composer] message sent")
	return msg, nil
}

// SentRequestIDs returns the request ids of every message sent, in order
func (c *Composer) SentRequestIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// TrackStatus records a processing status for a request this composer
// sent. Statuses of unknown requests are ignored.
func (c *Composer) TrackStatus(requestID, status string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i] == requestID {
			c.statuses[requestID] = status
			return true
		}
	}
	return false
}

// Status returns the last status reported for requestID
func (c *Composer) Status(requestID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[requestID]
	return s, ok
}

// Draft returns the input buffer of groupID, creating it if needed
func (c *Composer) Draft(groupID string) *Draft {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.drafts[groupID]
	if !ok {
		d = &Draft{composer: c, groupID: groupID}
		c.drafts[groupID] = d
	}
	return d
}

// Reset forgets drafts, sent ids and statuses
func (c *Composer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
	c.statuses = make(map[string]string)
	c.drafts = make(map[string]*Draft)
}

func payloadSize(medias, files []string) int64 {
	var n int64
	for _, m := range medias {
		n += int64(len(m))
	}
	for _, f := range files {
		n += int64(len(f))
	}
	return n
}
