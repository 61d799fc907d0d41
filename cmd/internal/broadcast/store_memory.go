package broadcast

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a single-process MessageLog used when no database is
// configured (dev mode) and in unit tests. Same semantics as PostgresStore:
// gapless seq allocation under the store mutex, idempotency by client_msg_id.
//
// It cannot span worker processes; multi-worker deployments need Postgres.
type MemoryStore struct {
	mu     sync.Mutex
	seq    int64
	dedupe map[string]Message // client_msg_id -> stored message
	msgs   []Message          // ordered by seq
}

// NewMemoryStore constructs an in-memory MessageLog implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		dedupe: make(map[string]Message),
		msgs:   make([]Message, 0, 256),
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

// Append persists a message with idempotency and gapless sequence allocation.
func (s *MemoryStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if in.ClientMsgID == "" || in.Text == "" {
		return AppendResult{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	name := in.DisplayName
	if name == "" {
		name = AnonymousName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.dedupe[in.ClientMsgID]; ok {
		return AppendResult{Stored: existing, Duplicated: true}, nil
	}

	s.seq++
	msg := Message{
		Seq:         s.seq,
		ServerMsgID: NewServerMsgID(now),
		ClientMsgID: in.ClientMsgID,
		DisplayName: name,
		Text:        in.Text,
		ServerTS:    now,
	}
	s.dedupe[in.ClientMsgID] = msg
	s.msgs = append(s.msgs, msg)

	return AppendResult{Stored: msg, Duplicated: false}, nil
}

// ReadAfter returns messages with seq > afterSeq ordered by seq ASC.
func (s *MemoryStore) ReadAfter(ctx context.Context, afterSeq int64, limit int) (ReadAfterResult, error) {
	if err := ctx.Err(); err != nil {
		return ReadAfterResult{}, err
	}

	limit = clampReadLimit(limit)
	fetch := limit + 1

	s.mu.Lock()
	snap := append([]Message(nil), s.msgs...)
	s.mu.Unlock()

	if len(snap) == 0 {
		return ReadAfterResult{}, nil
	}

	start := sort.Search(len(snap), func(i int) bool { return snap[i].Seq > afterSeq })
	if start >= len(snap) {
		return ReadAfterResult{}, nil
	}

	end := start + fetch
	if end > len(snap) {
		end = len(snap)
	}
	out := snap[start:end]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}

	return ReadAfterResult{Messages: out, HasMore: hasMore}, nil
}
