package conversation

import (
	"context"
	"time"

	"github.com/yourusername/groupchat/internal/protocol"
)

// Message is one entry of a group's thread. Before the backend echoes it
// back, a locally sent message has an empty ID and Pending set.
type Message struct {
	ID        string
	RequestID string
	GroupID   string
	SenderID  string
	Text      *string
	Medias    []string
	Files     []string
	CreatedAt time.Time
	Pending   bool
}

type Participant struct {
	ID          string
	DisplayName string
	AvatarURL   string
}

// Roster is the membership of a group as seen by the signed-in user
type Roster struct {
	CurrentUser Participant
	Others      []Participant
}

// ConversationState is a snapshot of one group. Messages are oldest first.
type ConversationState struct {
	GroupID     string
	Messages    []Message
	Roster      Roster
	Cursor      string
	HasMore     bool
	Loading     bool
	LoadingMore bool
	Err         error
}

// Fetcher is the REST side the store loads from
type Fetcher interface {
	RoomUsers(ctx context.Context, groupID string) (protocol.RoomUsers, error)
	History(ctx context.Context, groupID, cursor string, limit int) (protocol.HistoryPage, error)
}

// FromWire converts a backend message. groupID is used when the message
// does not name its group.
func FromWire(groupID string, m protocol.ChatMessage) Message {
	if m.GroupID != "" {
		groupID = m.GroupID
	}
	return Message{
		ID:        m.ID,
		RequestID: m.RequestID,
		GroupID:   groupID,
		SenderID:  m.SentBy,
		Text:      m.Message,
		Medias:    m.Medias,
		Files:     m.Files,
		CreatedAt: m.CreatedAt,
	}
}

func participantFromWire(u protocol.User) Participant {
	return Participant{ID: u.ID, DisplayName: u.Name, AvatarURL: u.ProfilePhoto}
}

// rosterFromWire drops duplicate members and the current user from Others
func rosterFromWire(r protocol.RoomUsers) Roster {
	roster := Roster{CurrentUser: participantFromWire(r.CurrentUser)}
	seen := map[string]bool{r.CurrentUser.ID: true}
	for _, u := range r.OtherUsers {
		if seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		roster.Others = append(roster.Others, participantFromWire(u))
	}
	return roster
}

func (s ConversationState) clone() ConversationState {
	s.Messages = append([]Message(nil), s.Messages...)
	s.Roster.Others = append([]Participant(nil), s.Roster.Others...)
	return s
}
