// Package conversation owns the per-group message threads, rosters and
// history cursors of a session.
//
// Records are created lazily on first use and live until Reset. Each record
// is locked on its own, so loads for different groups run in parallel. The
// store lock is always taken before a record lock, never the other way.
package conversation

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/groupchat/internal/chaterr"
	"github.com/yourusername/groupchat/internal/protocol"
)

const DefaultPageSize = 20

type record struct {
	mu    sync.Mutex
	state ConversationState
	ids   map[string]struct{} // server ids present in state.Messages
	ready bool                // initial load committed
}

func newRecord(groupID string) *record {
	return &record{
		state: ConversationState{GroupID: groupID},
		ids:   make(map[string]struct{}),
	}
}

// Store is the table of conversation records keyed by group id
type Store struct {
	fetcher  Fetcher
	pageSize int

	mu      sync.Mutex
	records map[string]*record
	loaded  map[string]struct{} // loaded or loading
	active  string
	epoch   uint64

	subsMu sync.RWMutex
	subs   []func(groupID string)
}

func NewStore(fetcher Fetcher, pageSize int) *Store {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Store{
		fetcher:  fetcher,
		pageSize: pageSize,
		records:  make(map[string]*record),
		loaded:   make(map[string]struct{}),
	}
}

// OnChange registers fn to be called after any record of groupID changes
func (s *Store) OnChange(fn func(groupID string)) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *Store) notify(groupID string) {
	s.subsMu.RLock()
	subs := append([]func(string){}, s.subs...)
	s.subsMu.RUnlock()
	for _, fn := range subs {
		fn(groupID)
	}
}

// record returns the record of groupID, creating it if needed, and the
// epoch it belongs to
func (s *Store) record(groupID string) (*record, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[groupID]
	if !ok {
		rec = newRecord(groupID)
		s.records[groupID] = rec
	}
	return rec, s.epoch
}

// Active returns the selected group id
func (s *Store) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// State returns a copy of the record of groupID
func (s *Store) State(groupID string) (ConversationState, bool) {
	s.mu.Lock()
	rec, ok := s.records[groupID]
	s.mu.Unlock()
	if !ok {
		return ConversationState{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state.clone(), true
}

// SelectGroup makes groupID the active group and loads it the first time
// it is selected. Selecting a group that is loaded or still loading does
// not fetch again. A failed load leaves the group unloaded so that the
// next selection retries.
func (s *Store) SelectGroup(ctx context.Context, groupID string) error {
	if groupID == "" {
		return chaterr.ErrNoGroup
	}

	s.mu.Lock()
	s.active = groupID
	if _, ok := s.loaded[groupID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.loaded[groupID] = struct{}{}
	epoch := s.epoch
	s.mu.Unlock()

	_, err := s.LoadInitial(ctx, groupID)
	if err != nil {
		s.mu.Lock()
		if s.epoch == epoch {
			delete(s.loaded, groupID)
		}
		s.mu.Unlock()
	}
	return err
}

// LoadInitial fetches the roster and the newest history page of groupID
// concurrently. Nothing is committed unless both succeed. Messages that
// arrived live while the load was in flight are kept after the page.
func (s *Store) LoadInitial(ctx context.Context, groupID string) (ConversationState, error) {
	if groupID == "" {
		return ConversationState{}, chaterr.ErrNoGroup
	}
	rec, epoch := s.record(groupID)

	rec.mu.Lock()
	if rec.state.Loading {
		rec.mu.Unlock()
		return ConversationState{}, chaterr.ErrLoadInFlight
	}
	rec.state.Loading = true
	rec.state.Err = nil
	rec.mu.Unlock()
	s.notify(groupID)

	var (
		roster Roster
		page   []Message
		cursor string
		full   bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		users, err := s.fetcher.RoomUsers(gctx, groupID)
		if err != nil {
			return errors.Wrap(err, "roster")
		}
		roster = rosterFromWire(users)
		return nil
	})
	g.Go(func() error {
		hist, err := s.fetcher.History(gctx, groupID, "", s.pageSize)
		if err != nil {
			return errors.Wrap(err, "history")
		}
		page = make([]Message, 0, len(hist.Messages))
		for _, m := range hist.Messages {
			page = append(page, FromWire(groupID, m))
		}
		cursor = hist.NextCursor
		full = len(hist.Messages) >= s.pageSize
		return nil
	})
	err := g.Wait()

	out, err := s.commitInitial(rec, epoch, groupID, roster, page, cursor, full, err)
	if !errors.Is(err, chaterr.ErrStale) {
		s.notify(groupID)
	}
	return out, err
}

func (s *Store) commitInitial(rec *record, epoch uint64, groupID string, roster Roster, page []Message, cursor string, full bool, err error) (ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		log.Debug().Str("group", groupID).Msg("[conversation] dropping initial load after reset")
		return ConversationState{}, &chaterr.FetchError{Op: "load group", GroupID: groupID, Err: chaterr.ErrStale}
	}

	rec.mu.Lock()
	rec.state.Loading = false
	if err != nil {
		ferr := &chaterr.FetchError{Op: "load group", GroupID: groupID, Err: err}
		rec.state.Err = ferr
		rec.mu.Unlock()
		log.Warn().Err(err).Str("group", groupID).Msg("[conversation] initial load failed")
		return ConversationState{}, ferr
	}

	older, live := splitThread(rec.ready, rec.state.Messages, page)
	rec.ids = make(map[string]struct{}, len(older)+len(page)+len(live))
	requests := make(map[string]struct{})
	merged := make([]Message, 0, len(older)+len(page)+len(live))
	for _, m := range older {
		rec.addID(m.ID)
		merged = append(merged, m)
	}
	for _, m := range page {
		if _, dup := rec.ids[m.ID]; dup && m.ID != "" {
			continue
		}
		rec.addID(m.ID)
		if m.RequestID != "" {
			requests[m.RequestID] = struct{}{}
		}
		merged = append(merged, m)
	}
	for _, m := range live {
		if _, dup := rec.ids[m.ID]; dup && m.ID != "" {
			continue
		}
		if _, dup := requests[m.RequestID]; dup && m.RequestID != "" {
			continue
		}
		rec.addID(m.ID)
		merged = append(merged, m)
	}

	rec.state.Messages = merged
	rec.state.Roster = roster
	if len(older) == 0 {
		rec.state.Cursor = cursor
		rec.state.HasMore = cursor != "" && full
	}
	rec.state.Err = nil
	rec.ready = true
	s.loaded[groupID] = struct{}{}
	out := rec.state.clone()
	rec.mu.Unlock()

	log.Debug().Str("group", groupID).Int("messages", len(merged)).Msg("[conversation] group loaded")
	return out, nil
}

// splitThread divides the current thread of a record around a freshly
// fetched newest page. older holds messages that precede the page and must
// stay in front of it; tail holds messages to keep after it. On a first
// load everything present arrived live and goes to the tail.
func splitThread(ready bool, current, page []Message) (older, tail []Message) {
	if !ready || len(page) == 0 {
		return nil, current
	}
	first := page[0].ID
	for i, m := range current {
		if m.ID != "" && m.ID == first {
			return current[:i], current[i:]
		}
	}

	// the page does not overlap what is held, so the old thread cannot be
	// stitched to it; keep only what is newer than the page
	newest := page[len(page)-1].CreatedAt
	for _, m := range current {
		if m.Pending || m.CreatedAt.After(newest) {
			tail = append(tail, m)
		}
	}
	return nil, tail
}

// LoadMore fetches the page before the stored cursor and prepends it. It
// returns the messages that were added, nil when there is no more history.
// A call while another load of the same group is in flight returns
// ErrLoadInFlight without fetching.
func (s *Store) LoadMore(ctx context.Context, groupID string) ([]Message, error) {
	s.mu.Lock()
	rec, ok := s.records[groupID]
	epoch := s.epoch
	s.mu.Unlock()
	if !ok {
		return nil, chaterr.ErrNotLoaded
	}

	rec.mu.Lock()
	if !rec.ready {
		loading := rec.state.Loading
		rec.mu.Unlock()
		if loading {
			return nil, chaterr.ErrLoadInFlight
		}
		return nil, chaterr.ErrNotLoaded
	}
	if rec.state.Loading || rec.state.LoadingMore {
		rec.mu.Unlock()
		return nil, chaterr.ErrLoadInFlight
	}
	if !rec.state.HasMore {
		rec.mu.Unlock()
		return nil, nil
	}
	cursor := rec.state.Cursor
	rec.state.LoadingMore = true
	rec.mu.Unlock()
	s.notify(groupID)

	hist, err := s.fetcher.History(ctx, groupID, cursor, s.pageSize)

	older, err := s.commitOlder(rec, epoch, groupID, hist, err)
	if !errors.Is(err, chaterr.ErrStale) {
		s.notify(groupID)
	}
	return older, err
}

func (s *Store) commitOlder(rec *record, epoch uint64, groupID string, hist protocol.HistoryPage, err error) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return nil, &chaterr.FetchError{Op: "load more", GroupID: groupID, Err: chaterr.ErrStale}
	}

	rec.mu.Lock()
	rec.state.LoadingMore = false
	if err != nil {
		ferr := &chaterr.FetchError{Op: "load more", GroupID: groupID, Err: err}
		rec.state.Err = ferr
		rec.mu.Unlock()
		log.Warn().Err(err).Str("group", groupID).Msg("[conversation] load more failed")
		return nil, ferr
	}

	older := make([]Message, 0, len(hist.Messages))
	for _, wm := range hist.Messages {
		m := FromWire(groupID, wm)
		if _, dup := rec.ids[m.ID]; dup && m.ID != "" {
			continue
		}
		rec.addID(m.ID)
		older = append(older, m)
	}
	rec.state.Messages = append(older, rec.state.Messages...)
	rec.state.Cursor = hist.NextCursor
	rec.state.HasMore = hist.NextCursor != "" && len(hist.Messages) >= s.pageSize
	rec.state.Err = nil
	rec.mu.Unlock()

	log.Debug().Str("group", groupID).Int("added", len(older)).Msg("[conversation] older messages loaded")
	return append([]Message(nil), older...), nil
}

// AppendIncoming adds a message received over the channel to the tail of
// its group. A pending local echo with the same request id is replaced in
// place; a message whose id is already present is ignored. It reports
// whether the thread changed.
func (s *Store) AppendIncoming(groupID string, m Message) bool {
	if groupID == "" {
		groupID = m.GroupID
	}
	if groupID == "" {
		return false
	}
	m.GroupID = groupID
	m.Pending = false

	rec, _ := s.record(groupID)
	rec.mu.Lock()
	if _, dup := rec.ids[m.ID]; dup && m.ID != "" {
		rec.mu.Unlock()
		return false
	}
	rec.addID(m.ID)
	if i := rec.pendingIndex(m.RequestID); i >= 0 {
		rec.state.Messages[i] = m
	} else {
		rec.state.Messages = append(rec.state.Messages, m)
	}
	rec.mu.Unlock()

	s.notify(groupID)
	return true
}

// AppendPending adds an optimistic echo of a message being sent
func (s *Store) AppendPending(groupID string, m Message) {
	m.GroupID = groupID
	m.Pending = true
	rec, _ := s.record(groupID)
	rec.mu.Lock()
	rec.state.Messages = append(rec.state.Messages, m)
	rec.mu.Unlock()
	s.notify(groupID)
}

// DropPending removes the optimistic echo of requestID, if it is still
// pending
func (s *Store) DropPending(groupID, requestID string) bool {
	s.mu.Lock()
	rec, ok := s.records[groupID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	rec.mu.Lock()
	i := rec.pendingIndex(requestID)
	if i >= 0 {
		rec.state.Messages = append(rec.state.Messages[:i], rec.state.Messages[i+1:]...)
	}
	rec.mu.Unlock()

	if i < 0 {
		return false
	}
	s.notify(groupID)
	return true
}

// Reset drops every record. Loads that started before Reset do not commit.
func (s *Store) Reset() {
	s.mu.Lock()
	s.epoch++
	s.records = make(map[string]*record)
	s.loaded = make(map[string]struct{})
	s.active = ""
	s.mu.Unlock()
	log.Debug().Msg("[conversation] reset")
}

func (r *record) addID(id string) {
	if id != "" {
		r.ids[id] = struct{}{}
	}
}

func (r *record) pendingIndex(requestID string) int {
	if requestID == "" {
		return -1
	}
	for i := len(r.state.Messages) - 1; i >= 0; i-- {
		m := r.state.Messages[i]
		if m.Pending && m.RequestID == requestID {
			return i
		}
	}
	return -1
}
