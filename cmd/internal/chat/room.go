package chat

import (
	"log/slog"
	"sync"

	v1 "agroconnect/shared/contracts/chat/v1"
)

// Room is the in-memory broadcast group for one conversation.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
//
// Leaving a room does not shut the client down: a session switches rooms
// when it joins a different conversation and keeps its connection.
type Room struct {
	log *slog.Logger

	// ConversationID ties the room to its persisted conversation.
	ConversationID int64

	mu      sync.RWMutex
	members map[string]*Client
}

// NewRoom constructs a room for a conversation.
func NewRoom(log *slog.Logger, conversationID int64) *Room {
	return &Room{
		log:            log,
		ConversationID: conversationID,
		members:        make(map[string]*Client),
	}
}

// Join adds a client to membership.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.SessionID == "" {
		return
	}

	r.mu.Lock()
	r.members[client.SessionID] = client
	r.mu.Unlock()

	r.log.Info("room.member.join",
		"conversation_id", r.ConversationID,
		"session_id", client.SessionID,
		"identity", client.Identity.Key(),
	)
}

// Leave removes a client from membership. No-op for unknown sessions.
func (r *Room) Leave(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}

	r.mu.Lock()
	_, present := r.members[sessionID]
	delete(r.members, sessionID)
	r.mu.Unlock()

	if present {
		r.log.Info("room.member.leave", "conversation_id", r.ConversationID, "session_id", sessionID)
	}
}

// Len returns the current member count.
func (r *Room) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast fans an envelope out to all members, the sender included.
// Non-blocking: if a member queue is full or the client is shutting down,
// the envelope is dropped for that member. Returns the drop count.
func (r *Room) Broadcast(env v1.Envelope) int {
	if r == nil {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	dropped := 0
	for _, m := range r.members {
		if m == nil {
			continue
		}

		select {
		case <-m.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			// Drop rather than block the whole room.
			dropped++
		}
	}
	return dropped
}
