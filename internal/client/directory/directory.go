// Package directory keeps the list of groups the signed-in user belongs to.
package directory

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yourusername/groupchat/internal/chaterr"
	"github.com/yourusername/groupchat/internal/client/auth"
	"github.com/yourusername/groupchat/internal/protocol"
)

// Group is a snapshot of one conversation group
type Group struct {
	ID                  string
	DisplayName         string
	AvatarURL           string
	LastMessagePreview  string
	LastInteractionTime time.Time
}

// Lister fetches one page of groups
type Lister interface {
	ListRooms(ctx context.Context, token string, page, limit int) ([]protocol.Group, error)
}

// Directory holds the most recently fetched group list
type Directory struct {
	lister Lister

	mu     sync.RWMutex
	groups []Group
	index  map[string]int
}

func New(lister Lister) *Directory {
	return &Directory{lister: lister, index: map[string]int{}}
}

// ListGroups fetches a page of groups and replaces the held list with it.
// On failure the previous list is kept.
func (d *Directory) ListGroups(ctx context.Context, cred auth.Credential, page, limit int) ([]Group, error) {
	if !cred.Valid() {
		return nil, &chaterr.FetchError{Op: "list groups", Err: chaterr.ErrNoCredential}
	}

	rooms, err := d.lister.ListRooms(ctx, cred.AccessToken, page, limit)
	if err != nil {
		log.Warn().Err(err).Int("page", page).Msg("[directory] list groups failed")
		return nil, &chaterr.FetchError{Op: "list groups", Err: err}
	}

	groups := make([]Group, 0, len(rooms))
	index := make(map[string]int, len(rooms))
	for _, r := range rooms {
		if _, dup := index[r.ID]; dup {
			continue
		}
		index[r.ID] = len(groups)
		groups = append(groups, FromWire(r))
	}

	d.mu.Lock()
	d.groups = groups
	d.index = index
	d.mu.Unlock()

	log.Debug().Int("count", len(groups)).Msg("[directory] groups loaded")
	return append([]Group(nil), groups...), nil
}

// Groups returns a copy of the held list in listing order
func (d *Directory) Groups() []Group {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Group(nil), d.groups...)
}

// Lookup finds a group by id
func (d *Directory) Lookup(id string) (Group, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i, ok := d.index[id]
	if !ok {
		return Group{}, false
	}
	return d.groups[i], true
}

// Reset forgets the list
func (d *Directory) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups = nil
	d.index = map[string]int{}
}

// FromWire converts a listing entry
func FromWire(g protocol.Group) Group {
	return Group{
		ID:                  g.ID,
		DisplayName:         g.GroupName,
		AvatarURL:           g.Avatar,
		LastMessagePreview:  g.LastMessage,
		LastInteractionTime: g.LastInteraction,
	}
}
