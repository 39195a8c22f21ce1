package directory

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/groupchat/internal/chaterr"
	"github.com/yourusername/groupchat/internal/client/auth"
	"github.com/yourusername/groupchat/internal/protocol"
)

type fakeLister struct {
	rooms     []protocol.Group
	err       error
	gotToken  string
	gotPage   int
	gotLimit  int
	callCount int
}

func (f *fakeLister) ListRooms(ctx context.Context, token string, page, limit int) ([]protocol.Group, error) {
	f.callCount++
	f.gotToken, f.gotPage, f.gotLimit = token, page, limit
	return f.rooms, f.err
}

var alice = auth.Credential{AccessToken: "tok"}

func TestListGroupsReplacesWholesale(t *testing.T) {
	lister := &fakeLister{rooms: []protocol.Group{
		{ID: "g1", GroupName: "General", LastMessage: "hi"},
		{ID: "g2", GroupName: "Random"},
	}}
	dir := New(lister)

	groups, err := dir.ListGroups(context.Background(), alice, 1, 20)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "General", groups[0].DisplayName)
	assert.Equal(t, "hi", groups[0].LastMessagePreview)
	assert.Equal(t, "tok", lister.gotToken)
	assert.Equal(t, 1, lister.gotPage)
	assert.Equal(t, 20, lister.gotLimit)

	lister.rooms = []protocol.Group{{ID: "g3", GroupName: "Ops"}}
	_, err = dir.ListGroups(context.Background(), alice, 1, 20)
	require.NoError(t, err)

	assert.Equal(t, []Group{{ID: "g3", DisplayName: "Ops"}}, dir.Groups())
	_, ok := dir.Lookup("g1")
	assert.False(t, ok)
	g, ok := dir.Lookup("g3")
	assert.True(t, ok)
	assert.Equal(t, "Ops", g.DisplayName)
}

func TestListGroupsFailureKeepsPreviousList(t *testing.T) {
	lister := &fakeLister{rooms: []protocol.Group{{ID: "g1"}}}
	dir := New(lister)
	_, err := dir.ListGroups(context.Background(), alice, 1, 20)
	require.NoError(t, err)

	lister.err = &chaterr.StatusError{Code: 500}
	_, err = dir.ListGroups(context.Background(), alice, 1, 20)

	var fetchErr *chaterr.FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, "list groups", fetchErr.Op)
	assert.Len(t, dir.Groups(), 1)
}

func TestListGroupsWithoutCredential(t *testing.T) {
	lister := &fakeLister{}
	dir := New(lister)
	_, err := dir.ListGroups(context.Background(), auth.Credential{}, 1, 20)
	assert.True(t, errors.Is(err, chaterr.ErrNoCredential))
	assert.Zero(t, lister.callCount)
}

func TestResetClearsGroups(t *testing.T) {
	dir := New(&fakeLister{rooms: []protocol.Group{{ID: "g1"}, {ID: "g1"}}})
	groups, err := dir.ListGroups(context.Background(), alice, 1, 20)
	require.NoError(t, err)
	assert.Len(t, groups, 1)

	dir.Reset()
	assert.Empty(t, dir.Groups())
	_, ok := dir.Lookup("g1")
	assert.False(t, ok)
}
