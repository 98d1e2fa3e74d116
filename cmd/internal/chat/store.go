package chat

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultHistoryLimit is the history window returned on join.
	DefaultHistoryLimit = 50
	// MaxHistoryLimit caps the history window.
	MaxHistoryLimit = 200
)

// ErrEmptyContent is returned when a message append carries no content.
var ErrEmptyContent = errors.New("chat: empty message content")

// ErrConversationNotFound is returned when a message targets a conversation
// id that does not exist.
var ErrConversationNotFound = errors.New("chat: conversation not found")

// Conversation is the persisted 1:1 channel between two identities.
//
// For any unordered pair of identities at most one conversation exists;
// the A/B ordering records who initiated first contact and carries no
// other meaning.
type Conversation struct {
	ID            int64
	ParticipantA  Identity
	ParticipantB  Identity
	LastMessageAt time.Time
}

// Involves reports whether identity is one of the two participants.
func (c Conversation) Involves(identity Identity) bool {
	return c.ParticipantA == identity || c.ParticipantB == identity
}

// Message is an immutable append-only chat record.
type Message struct {
	ID             int64
	ConversationID int64
	Sender         Identity
	Content        string
	CreatedAt      time.Time
}

// ConversationStore resolves the unique conversation for an unordered
// identity pair.
type ConversationStore interface {
	// Resolve finds the conversation between current and target regardless
	// of participant order, bumping its last-activity timestamp, or creates
	// it with current as participant A. Resolve is an idempotent upsert:
	// concurrent first-contact resolutions for the same pair observe a
	// single conversation.
	Resolve(ctx context.Context, current, target Identity) (Conversation, error)
}

// MessageStore persists and queries messages.
type MessageStore interface {
	// Append inserts the message and updates the parent conversation's
	// last-activity timestamp in one atomic unit: neither write is
	// observable without the other.
	Append(ctx context.Context, conversationID int64, sender Identity, content string, now time.Time) (Message, error)

	// RecentHistory returns up to limit messages ordered newest-first.
	// One call, one finite result set.
	RecentHistory(ctx context.Context, conversationID int64, limit int) ([]Message, error)
}

// Store combines the conversation and message stores; both backends
// implement it over the same underlying storage.
type Store interface {
	ConversationStore
	MessageStore
	Close() error
}

func clampHistoryLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}
