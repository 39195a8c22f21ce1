package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/groupchat/internal/chaterr"
	"github.com/yourusername/groupchat/internal/protocol"
)

type fakeFetcher struct {
	mu           sync.Mutex
	rosterCalls  int
	historyCalls int
	rosterErr    error
	historyErr   error
	roster       protocol.RoomUsers
	pages        map[string]protocol.HistoryPage

	// when gate is set, History signals entered and blocks until gate is closed
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeFetcher) RoomUsers(ctx context.Context, groupID string) (protocol.RoomUsers, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rosterCalls++
	return f.roster, f.rosterErr
}

func (f *fakeFetcher) History(ctx context.Context, groupID, cursor string, limit int) (protocol.HistoryPage, error) {
	f.mu.Lock()
	f.historyCalls++
	gate, entered := f.gate, f.entered
	page, err := f.pages[cursor], f.historyErr
	f.mu.Unlock()

	if gate != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		<-gate
	}
	return page, err
}

func (f *fakeFetcher) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rosterCalls, f.historyCalls
}

func (f *fakeFetcher) block() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	f.entered = make(chan struct{}, 8)
}

func wire(id string) protocol.ChatMessage {
	text := "text " + id
	return protocol.ChatMessage{ID: id, SentBy: "u2", Message: &text}
}

func ids(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			out = append(out, "pending:"+m.RequestID)
			continue
		}
		out = append(out, m.ID)
	}
	return out
}

func newFetcher() *fakeFetcher {
	return &fakeFetcher{
		roster: protocol.RoomUsers{
			CurrentUser: protocol.User{ID: "u1", Name: "Alice"},
			OtherUsers:  []protocol.User{{ID: "u2", Name: "Bob"}, {ID: "u1", Name: "Alice"}, {ID: "u2", Name: "Bob"}},
		},
		pages: map[string]protocol.HistoryPage{
			"":   {Messages: []protocol.ChatMessage{wire("m3"), wire("m4")}, NextCursor: "c1"},
			"c1": {Messages: []protocol.ChatMessage{wire("m2"), wire("m3")}, NextCursor: "c2"},
			"c2": {Messages: []protocol.ChatMessage{wire("m1")}},
		},
	}
}

func TestSelectGroupLoadsOnce(t *testing.T) {
	f := newFetcher()
	store := NewStore(f, 2)
	ctx := context.Background()

	require.NoError(t, store.SelectGroup(ctx, "g1"))
	require.NoError(t, store.SelectGroup(ctx, "g1"))

	rosterCalls, historyCalls := f.calls()
	assert.Equal(t, 1, rosterCalls)
	assert.Equal(t, 1, historyCalls)
	assert.Equal(t, "g1", store.Active())

	st, ok := store.State("g1")
	require.True(t, ok)
	assert.False(t, st.Loading)
	assert.NoError(t, st.Err)
	assert.Equal(t, []string{"m3", "m4"}, ids(st.Messages))
	assert.Equal(t, "Alice", st.Roster.CurrentUser.DisplayName)
	assert.Equal(t, []Participant{{ID: "u2", DisplayName: "Bob"}}, st.Roster.Others)
	assert.Equal(t, "c1", st.Cursor)
	assert.True(t, st.HasMore)
}

func TestConcurrentSelectTriggersOneLoad(t *testing.T) {
	f := newFetcher()
	f.block()
	store := NewStore(f, 2)

	done := make(chan error, 1)
	go func() { done <- store.SelectGroup(context.Background(), "g1") }()
	<-f.entered

	for i := 0; i < 10; i++ {
		assert.NoError(t, store.SelectGroup(context.Background(), "g1"))
	}
	st, _ := store.State("g1")
	assert.True(t, st.Loading)

	close(f.gate)
	require.NoError(t, <-done)

	_, historyCalls := f.calls()
	assert.Equal(t, 1, historyCalls)
}

func TestPartialFailureCommitsNothing(t *testing.T) {
	f := newFetcher()
	f.rosterErr = &chaterr.StatusError{Code: 500}
	store := NewStore(f, 2)

	err := store.SelectGroup(context.Background(), "g1")
	var fetchErr *chaterr.FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, "g1", fetchErr.GroupID)

	st, ok := store.State("g1")
	require.True(t, ok)
	assert.False(t, st.Loading)
	assert.Error(t, st.Err)
	assert.Empty(t, st.Messages)
	assert.Empty(t, st.Cursor)

	// a failed group is not considered loaded
	f.rosterErr = nil
	require.NoError(t, store.SelectGroup(context.Background(), "g1"))
	rosterCalls, _ := f.calls()
	assert.Equal(t, 2, rosterCalls)

	st, _ = store.State("g1")
	assert.NoError(t, st.Err)
	assert.Equal(t, []string{"m3", "m4"}, ids(st.Messages))
}

func TestLoadMorePrependsWithoutDuplicates(t *testing.T) {
	f := newFetcher()
	store := NewStore(f, 2)
	ctx := context.Background()
	require.NoError(t, store.SelectGroup(ctx, "g1"))

	added, err := store.LoadMore(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, ids(added))

	st, _ := store.State("g1")
	assert.Equal(t, []string{"m2", "m3", "m4"}, ids(st.Messages))
	assert.Equal(t, "c2", st.Cursor)
	assert.True(t, st.HasMore)

	added, err = store.LoadMore(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids(added))

	st, _ = store.State("g1")
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(st.Messages))
	assert.False(t, st.HasMore)

	_, before := f.calls()
	added, err = store.LoadMore(ctx, "g1")
	require.NoError(t, err)
	assert.Nil(t, added)
	_, after := f.calls()
	assert.Equal(t, before, after)
}

func TestReloadKeepsOlderPagesInOrder(t *testing.T) {
	f := newFetcher()
	store := NewStore(f, 2)
	ctx := context.Background()
	require.NoError(t, store.SelectGroup(ctx, "g1"))
	_, err := store.LoadMore(ctx, "g1")
	require.NoError(t, err)

	st, err := store.LoadInitial(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m3", "m4"}, ids(st.Messages))
	assert.Equal(t, "c2", st.Cursor)
	assert.True(t, st.HasMore)

	_, err = store.LoadMore(ctx, "g1")
	require.NoError(t, err)
	f.mu.Lock()
	f.pages[""] = protocol.HistoryPage{Messages: []protocol.ChatMessage{wire("m4"), wire("m5")}, NextCursor: "c0"}
	f.mu.Unlock()

	st, err = store.LoadInitial(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, ids(st.Messages))
	assert.Empty(t, st.Cursor)
	assert.False(t, st.HasMore)
}

func TestReloadWithoutOverlapStartsOver(t *testing.T) {
	f := newFetcher()
	store := NewStore(f, 2)
	ctx := context.Background()
	require.NoError(t, store.SelectGroup(ctx, "g1"))
	store.AppendPending("g1", Message{RequestID: "r1"})

	f.mu.Lock()
	f.pages[""] = protocol.HistoryPage{Messages: []protocol.ChatMessage{wire("m8"), wire("m9")}, NextCursor: "c7"}
	f.mu.Unlock()

	st, err := store.LoadInitial(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m8", "m9", "pending:r1"}, ids(st.Messages))
	assert.Equal(t, "c7", st.Cursor)
	assert.True(t, st.HasMore)
}

func TestLoadMoreGuardsAgainstOverlap(t *testing.T) {
	f := newFetcher()
	store := NewStore(f, 2)
	require.NoError(t, store.SelectGroup(context.Background(), "g1"))

	f.block()
	done := make(chan error, 1)
	go func() {
		_, err := store.LoadMore(context.Background(), "g1")
		done <- err
	}()
	<-f.entered

	_, err := store.LoadMore(context.Background(), "g1")
	assert.ErrorIs(t, err, chaterr.ErrLoadInFlight)
	st, _ := store.State("g1")
	assert.True(t, st.LoadingMore)

	close(f.gate)
	require.NoError(t, <-done)

	_, historyCalls := f.calls()
	assert.Equal(t, 2, historyCalls)
}

func TestLoadMoreBeforeLoad(t *testing.T) {
	store := NewStore(newFetcher(), 2)
	_, err := store.LoadMore(context.Background(), "g1")
	assert.ErrorIs(t, err, chaterr.ErrNotLoaded)
}

func TestLoadMoreFailureKeepsMessages(t *testing.T) {
	f := newFetcher()
	store := NewStore(f, 2)
	require.NoError(t, store.SelectGroup(context.Background(), "g1"))

	f.historyErr = errors.New("timeout")
	_, err := store.LoadMore(context.Background(), "g1")
	var fetchErr *chaterr.FetchError
	require.True(t, errors.As(err, &fetchErr))

	st, _ := store.State("g1")
	assert.False(t, st.LoadingMore)
	assert.Equal(t, []string{"m3", "m4"}, ids(st.Messages))
	assert.Equal(t, "c1", st.Cursor)
}

func TestIncomingReplacesPendingEcho(t *testing.T) {
	store := NewStore(newFetcher(), 2)
	require.NoError(t, store.SelectGroup(context.Background(), "g1"))

	text := "hi"
	store.AppendPending("g1", Message{RequestID: "r1", SenderID: "u1", Text: &text})
	st, _ := store.State("g1")
	require.Len(t, st.Messages, 3)
	assert.True(t, st.Messages[2].Pending)

	assert.True(t, store.AppendIncoming("g1", Message{ID: "m5", RequestID: "r1", SenderID: "u1", Text: &text}))
	assert.False(t, store.AppendIncoming("g1", Message{ID: "m5", RequestID: "r1"}))
	assert.True(t, store.AppendIncoming("g1", Message{ID: "m6"}))

	st, _ = store.State("g1")
	assert.Equal(t, []string{"m3", "m4", "m5", "m6"}, ids(st.Messages))
	assert.False(t, st.Messages[2].Pending)
}

func TestDropPending(t *testing.T) {
	store := NewStore(newFetcher(), 2)
	store.AppendPending("g1", Message{RequestID: "r1"})
	store.AppendPending("g1", Message{RequestID: "r2"})

	assert.True(t, store.DropPending("g1", "r1"))
	assert.False(t, store.DropPending("g1", "r1"))
	assert.False(t, store.DropPending("g2", "r2"))

	st, _ := store.State("g1")
	assert.Equal(t, []string{"pending:r2"}, ids(st.Messages))
}

func TestLiveMessagesDuringLoadAreKept(t *testing.T) {
	f := newFetcher()
	f.block()
	store := NewStore(f, 2)

	done := make(chan error, 1)
	go func() { done <- store.SelectGroup(context.Background(), "g1") }()
	<-f.entered

	store.AppendIncoming("g1", Message{ID: "m4"})
	store.AppendIncoming("g1", Message{ID: "m5"})
	close(f.gate)
	require.NoError(t, <-done)

	st, _ := store.State("g1")
	assert.Equal(t, []string{"m3", "m4", "m5"}, ids(st.Messages))
}

func TestResetDiscardsStaleResponses(t *testing.T) {
	f := newFetcher()
	f.block()
	store := NewStore(f, 2)

	done := make(chan error, 1)
	go func() { done <- store.SelectGroup(context.Background(), "g1") }()
	<-f.entered

	store.Reset()
	close(f.gate)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, chaterr.ErrStale)
	case <-time.After(2 * time.Second):
		t.Fatal("load did not return")
	}
	_, ok := store.State("g1")
	assert.False(t, ok)
	assert.Empty(t, store.Active())
}

func TestDifferentGroupsLoadIndependently(t *testing.T) {
	f := newFetcher()
	store := NewStore(f, 2)

	var wg sync.WaitGroup
	for _, id := range []string{"g1", "g2", "g3"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, store.SelectGroup(context.Background(), id))
		}(id)
	}
	wg.Wait()

	for _, id := range []string{"g1", "g2", "g3"} {
		st, ok := store.State(id)
		require.True(t, ok)
		assert.Len(t, st.Messages, 2)
		assert.Equal(t, id, st.Messages[0].GroupID)
	}
}

func TestOnChangeFires(t *testing.T) {
	store := NewStore(newFetcher(), 2)
	var mu sync.Mutex
	var seen []string
	store.OnChange(func(groupID string) {
		mu.Lock()
		seen = append(seen, groupID)
		mu.Unlock()
	})

	require.NoError(t, store.SelectGroup(context.Background(), "g1"))
	store.AppendIncoming("g2", Message{ID: "x"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"g1", "g1", "g2"}, seen)
}
