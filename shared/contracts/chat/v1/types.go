// Package v1 defines the AgroConnect chat wire protocol v1.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Event type constants (wire-stable).
const (
	// TypeJoinConversation requests membership in the conversation with a
	// target participant (client -> server).
	TypeJoinConversation = "join_conversation"
	// TypeSendMessage requests sending a message into the joined
	// conversation (client -> server).
	TypeSendMessage = "sendMessage"

	// TypeConversationHistory returns the recent history of the joined
	// conversation, oldest-first (server -> requesting client only).
	TypeConversationHistory = "conversationHistory"
	// TypeReceiveMessage broadcasts a persisted message to every member of
	// the conversation room, sender included (server -> room).
	TypeReceiveMessage = "receiveMessage"
	// TypeChatError reports a recoverable protocol error (server -> client).
	TypeChatError = "chatError"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeJoinConversation,
		TypeSendMessage,
		TypeConversationHistory,
		TypeReceiveMessage,
		TypeChatError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// FlexID is an identifier that browser clients send either as a JSON string
// or as a JSON number. It round-trips as a string on the wire.
type FlexID string

// UnmarshalJSON accepts both "202" and 202.
func (f *FlexID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = ""
		return nil
	}
	if len(s) >= 2 && s[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*f = FlexID(strings.TrimSpace(v))
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

// MarshalJSON always emits the string form.
func (f FlexID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(f))
}

// Int64 parses the identifier as a base-10 integer.
func (f FlexID) Int64() (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(string(f)), 10, 64)
}

// ---- Payloads ----

// JoinConversationPayload requests the conversation with a target identity.
type JoinConversationPayload struct {
	TargetID   FlexID `json:"targetId"`
	TargetType string `json:"targetType"`
}

// SendMessagePayload requests sending a message. TempID is an optional
// client-generated correlation id echoed back unchanged on the broadcast.
type SendMessagePayload struct {
	Content string          `json:"content"`
	TempID  json.RawMessage `json:"tempId,omitempty"`
}

// MessagePayload is the wire shape of a persisted message.
type MessagePayload struct {
	ID             int64           `json:"id"`
	ConversationID int64           `json:"conversation_id"`
	SenderID       int64           `json:"sender_id"`
	SenderType     string          `json:"sender_type"`
	Content        string          `json:"message_content"`
	CreatedAt      time.Time       `json:"created_at"`
	TempID         json.RawMessage `json:"tempId,omitempty"`
}

// ConversationHistoryPayload carries the recent history for the joined
// conversation. Messages are ordered oldest-first for display.
type ConversationHistoryPayload struct {
	ConversationID int64            `json:"conversationId"`
	Messages       []MessagePayload `json:"messages"`
}

// ChatErrorPayload is the generic recoverable error payload.
type ChatErrorPayload struct {
	Message string `json:"message"`
}
