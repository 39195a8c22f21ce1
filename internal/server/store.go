package server

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/yourusername/groupchat/internal/protocol"
)

// ErrBadCursor is returned for a history cursor this store did not issue
var ErrBadCursor = errors.New("invalid history cursor")

// ErrStoreClosed is returned by every read and write after Close
var ErrStoreClosed = errors.New("message store closed")

// MessageStore persists group messages in pebble.
//
// Keys:
//
//	m\x00<group>\x00<seq>   message, seq is 8-byte big-endian and increases per group
//	r\x00<group>\x00<req>   request id index, value is the message key
type MessageStore struct {
	db *pebble.DB

	mu     sync.RWMutex
	next   map[string]uint64
	closed bool
}

// OpenStore opens the store at dir. An empty dir keeps everything in memory.
func OpenStore(dir string) (*MessageStore, error) {
	opts := &pebble.Options{}
	path := "chat"
	if dir == "" {
		opts.FS = vfs.NewMem()
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create data dir")
		}
		path = filepath.Clean(dir)
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, errors.Wrap(err, "open pebble")
	}
	return &MessageStore{db: db, next: make(map[string]uint64)}, nil
}

func groupPrefix(groupID string) []byte {
	k := make([]byte, 0, len(groupID)+3)
	k = append(k, 'm', 0)
	k = append(k, groupID...)
	return append(k, 0)
}

func messageKey(groupID string, seq uint64) []byte {
	k := groupPrefix(groupID)
	return binary.BigEndian.AppendUint64(k, seq)
}

func requestKey(groupID, requestID string) []byte {
	k := make([]byte, 0, len(groupID)+len(requestID)+3)
	k = append(k, 'r', 0)
	k = append(k, groupID...)
	k = append(k, 0)
	return append(k, requestID...)
}

// prefixEnd is the exclusive upper bound of every key starting with prefix
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}

func seqOf(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

// nextSeq must be called with s.mu held
func (s *MessageStore) nextSeq(groupID string) (uint64, error) {
	if seq, ok := s.next[groupID]; ok {
		return seq, nil
	}
	prefix := groupPrefix(groupID)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return 0, err
	}
	defer func() { _ = it.Close() }()

	var seq uint64 = 1
	if it.Last() {
		seq = seqOf(it.Key()) + 1
	}
	return seq, nil
}

// Append stores m under the next sequence of its group. When a message
// with the same request id was stored before, that message is returned
// and created is false.
func (s *MessageStore) Append(m protocol.ChatMessage) (stored protocol.ChatMessage, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return m, false, ErrStoreClosed
	}

	if m.RequestID != "" {
		existing, ok, err := s.byRequest(m.GroupID, m.RequestID)
		if err != nil {
			return m, false, err
		}
		if ok {
			return existing, false, nil
		}
	}

	seq, err := s.nextSeq(m.GroupID)
	if err != nil {
		return m, false, errors.Wrap(err, "read sequence")
	}
	val, err := json.Marshal(m)
	if err != nil {
		return m, false, err
	}

	key := messageKey(m.GroupID, seq)
	b := s.db.NewBatch()
	defer func() { _ = b.Close() }()
	if err := b.Set(key, val, nil); err != nil {
		return m, false, err
	}
	if m.RequestID != "" {
		if err := b.Set(requestKey(m.GroupID, m.RequestID), key, nil); err != nil {
			return m, false, err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return m, false, errors.Wrap(err, "commit message")
	}
	s.next[m.GroupID] = seq + 1
	return m, true, nil
}

func (s *MessageStore) byRequest(groupID, requestID string) (protocol.ChatMessage, bool, error) {
	var m protocol.ChatMessage
	key, closer, err := s.db.Get(requestKey(groupID, requestID))
	if errors.Is(err, pebble.ErrNotFound) {
		return m, false, nil
	}
	if err != nil {
		return m, false, err
	}
	key = append([]byte(nil), key...)
	_ = closer.Close()

	val, closer, err := s.db.Get(key)
	if err != nil {
		return m, false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(val, &m); err != nil {
		return m, false, err
	}
	return m, true, nil
}

// Page returns up to limit messages older than cursor, oldest first. An
// empty cursor starts from the newest message. NextCursor is empty when no
// older message exists.
func (s *MessageStore) Page(groupID, cursor string, limit int) (protocol.HistoryPage, error) {
	page := protocol.HistoryPage{Messages: []protocol.ChatMessage{}}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return page, ErrStoreClosed
	}
	if limit <= 0 {
		return page, nil
	}

	prefix := groupPrefix(groupID)
	upper := prefixEnd(prefix)
	if cursor != "" {
		raw, err := hex.DecodeString(cursor)
		if err != nil || len(raw) != 8 {
			return page, ErrBadCursor
		}
		upper = messageKey(groupID, binary.BigEndian.Uint64(raw))
	}

	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return page, err
	}
	defer func() { _ = it.Close() }()

	var oldest []byte
	for valid := it.Last(); valid; valid = it.Prev() {
		if len(page.Messages) == limit {
			page.NextCursor = hex.EncodeToString(oldest[len(oldest)-8:])
			break
		}
		var m protocol.ChatMessage
		if err := json.Unmarshal(it.Value(), &m); err != nil {
			return page, errors.Wrap(err, "decode message")
		}
		page.Messages = append(page.Messages, m)
		oldest = append(oldest[:0], it.Key()...)
	}

	for i, j := 0, len(page.Messages)-1; i < j; i, j = i+1, j-1 {
		page.Messages[i], page.Messages[j] = page.Messages[j], page.Messages[i]
	}
	return page, nil
}

// Last returns the newest message of a group
func (s *MessageStore) Last(groupID string) (protocol.ChatMessage, bool, error) {
	page, err := s.Page(groupID, "", 1)
	if err != nil || len(page.Messages) == 0 {
		return protocol.ChatMessage{}, false, err
	}
	return page.Messages[0], true, nil
}

// Close releases the database. It waits for in-flight reads and writes and
// is safe to call more than once.
func (s *MessageStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
