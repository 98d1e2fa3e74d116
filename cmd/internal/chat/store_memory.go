package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

const memMaxMessagesPerConversation = 10_000

// InMemoryStore is the dev/test fallback when no database is configured.
// It keeps conversations keyed by their canonical pair key, so resolution is
// symmetric and idempotent by construction.
type InMemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	byPair  map[string]*memConversation
	byId    map[int64]*memConversation
	nextMsg int64
}

type memConversation struct {
	conv Conversation
	msgs []Message
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byPair: make(map[string]*memConversation),
		byId:   make(map[int64]*memConversation),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Resolve finds or creates the conversation for the unordered pair
// {current, target} and bumps its last-activity timestamp.
func (s *InMemoryStore) Resolve(ctx context.Context, current, target Identity) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	if current.Zero() || target.Zero() {
		return Conversation{}, ErrInvalidTarget
	}

	now := time.Now().UTC()
	key := PairKey(current, target)

	s.mu.Lock()
	defer s.mu.Unlock()

	if mc, ok := s.byPair[key]; ok {
		mc.conv.LastMessageAt = now
		return mc.conv, nil
	}

	s.nextID++
	mc := &memConversation{
		conv: Conversation{
			ID:            s.nextID,
			ParticipantA:  current,
			ParticipantB:  target,
			LastMessageAt: now,
		},
	}
	s.byPair[key] = mc
	s.byId[mc.conv.ID] = mc
	return mc.conv, nil
}

// Append inserts a message and bumps the conversation's last-activity
// timestamp under one lock, mirroring the transactional backend.
func (s *InMemoryStore) Append(ctx context.Context, conversationID int64, sender Identity, content string, now time.Time) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyContent
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.byId[conversationID]
	if !ok {
		return Message{}, ErrConversationNotFound
	}

	s.nextMsg++
	msg := Message{
		ID:             s.nextMsg,
		ConversationID: conversationID,
		Sender:         sender,
		Content:        content,
		CreatedAt:      now,
	}
	mc.msgs = append(mc.msgs, msg)
	mc.conv.LastMessageAt = now

	// Bound memory to avoid unbounded growth in dev.
	if len(mc.msgs) > memMaxMessagesPerConversation {
		mc.msgs = mc.msgs[len(mc.msgs)-memMaxMessagesPerConversation:]
	}

	return msg, nil
}

// RecentHistory returns up to limit messages ordered newest-first.
func (s *InMemoryStore) RecentHistory(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampHistoryLimit(limit)

	s.mu.Lock()
	mc, ok := s.byId[conversationID]
	var snap []Message
	if ok {
		snap = append([]Message(nil), mc.msgs...)
	}
	s.mu.Unlock()

	if !ok {
		return nil, ErrConversationNotFound
	}
	if len(snap) == 0 {
		return nil, nil
	}

	sort.Slice(snap, func(i, j int) bool {
		if snap[i].CreatedAt.Equal(snap[j].CreatedAt) {
			return snap[i].ID > snap[j].ID
		}
		return snap[i].CreatedAt.After(snap[j].CreatedAt)
	})

	if len(snap) > limit {
		snap = snap[:limit]
	}
	return snap, nil
}
