package chat

import (
	"log/slog"
	"sync"
)

// Hub owns in-memory rooms and provides stable room handles per
// conversation. It is intentionally minimal: persistence lives behind
// ConversationStore and MessageStore.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[int64]*Room
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:   log,
		rooms: make(map[int64]*Room),
	}
}

// GetOrCreateRoom returns a stable room handle for a conversation id.
func (h *Hub) GetOrCreateRoom(conversationID int64) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[conversationID]; ok {
		return r
	}

	r := NewRoom(h.log, conversationID)
	h.rooms[conversationID] = r
	return r
}
