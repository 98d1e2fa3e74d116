// Package agrochat is a Go client for the AgroConnect chat protocol v1.
//
// It maintains a reconciled message timeline: locally sent messages are
// displayed optimistically and later matched against the server broadcast
// by their tempId, so a sender never sees their own message twice.
package agrochat

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	v1 "agroconnect/shared/contracts/chat/v1"
)

// Entry is one message in the reconciled timeline.
type Entry struct {
	// ID is the server-assigned message id, zero while Pending.
	ID             int64
	ConversationID int64
	SenderID       int64
	SenderType     string
	Content        string
	CreatedAt      time.Time
	// TempID is the client correlation id for optimistic entries.
	TempID string
	// Pending is true until the server broadcast confirms the entry.
	Pending bool
}

// Timeline accumulates the display order for one conversation. All methods
// are safe for concurrent use.
type Timeline struct {
	mu             sync.Mutex
	conversationID int64
	entries        []Entry
}

func NewTimeline() *Timeline {
	return &Timeline{}
}

// Reset replaces the timeline with the server history for a conversation.
// History arrives oldest-first and is displayed as-is.
func (t *Timeline) Reset(h v1.ConversationHistoryPayload) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.conversationID = h.ConversationID
	t.entries = make([]Entry, 0, len(h.Messages))
	for _, m := range h.Messages {
		t.entries = append(t.entries, entryFromWire(m))
	}
}

// AppendLocal adds an optimistic entry for a message the user just sent.
// The entry stays pending until ApplyBroadcast confirms it.
func (t *Timeline) AppendLocal(tempID, content string, senderID int64, senderType string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = append(t.entries, Entry{
		ConversationID: t.conversationID,
		SenderID:       senderID,
		SenderType:     senderType,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
		TempID:         tempID,
		Pending:        true,
	})
}

// ApplyBroadcast folds a receiveMessage broadcast into the timeline. If the
// broadcast carries a tempId matching a pending local entry, that entry is
// confirmed in place instead of appended, so the sender's echo never
// duplicates the optimistic copy. Broadcasts for other conversations are
// ignored.
func (t *Timeline) ApplyBroadcast(m v1.MessagePayload) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conversationID != 0 && m.ConversationID != t.conversationID {
		return
	}

	if temp := tempIDString(m.TempID); temp != "" {
		for i := range t.entries {
			if t.entries[i].Pending && t.entries[i].TempID == temp {
				t.entries[i] = entryFromWire(m)
				return
			}
		}
	}

	t.entries = append(t.entries, entryFromWire(m))
}

// ConversationID reports the conversation the timeline currently tracks,
// zero before the first history.
func (t *Timeline) ConversationID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conversationID
}

// Entries returns a copy of the timeline, oldest-first.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// PendingCount reports entries still awaiting their server echo.
func (t *Timeline) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.Pending {
			n++
		}
	}
	return n
}

func entryFromWire(m v1.MessagePayload) Entry {
	return Entry{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderType:     m.SenderType,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		TempID:         tempIDString(m.TempID),
	}
}

// tempIDString normalizes a raw tempId (JSON string or number) for
// comparison. Empty or null yields "".
func tempIDString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
