package chat

import (
	"time"
)

// ConversationID identifies a durable conversation. It is opaque and assigned
// by the persistence gateway at creation time.
type ConversationID string

// TurnID identifies a durable turn. It is assigned at persistence time; the
// client may hold temporary identifiers before one exists (see pkg/reconcile).
type TurnID string

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleSystem only appears in model histories, never on persisted turns.
	RoleSystem Role = "system"
)

// Conversation is a titled, owned sequence of turns.
type Conversation struct {
	ID      ConversationID `json:"id" yaml:"id" db:"id"`
	OwnerID string         `json:"owner_id" yaml:"owner_id" db:"owner"`
	Title   string         `json:"title" yaml:"title" db:"title"`
	// MissingAssistantTurn is set when an assistant turn was delivered to the
	// caller but could not be persisted, so history reads can report the gap.
	MissingAssistantTurn bool      `json:"missing_assistant_turn,omitempty" yaml:"missing_assistant_turn,omitempty" db:"turn_gap"`
	CreatedAt            time.Time `json:"created_at" yaml:"created_at" db:"created_at"`
	LastMessageAt        time.Time `json:"last_message_at" yaml:"last_message_at" db:"last_message_at"`
}

// Turn is one authored message within a conversation. Turns are immutable
// once persisted; within a conversation they are totally ordered by CreatedAt
// and that order matches persistence order.
type Turn struct {
	ID             TurnID         `json:"id" yaml:"id"`
	ConversationID ConversationID `json:"conversation_id" yaml:"conversation_id"`
	Role           Role           `json:"role" yaml:"role"`
	Content        string         `json:"content" yaml:"content"`
	Parts          []Part         `json:"parts" yaml:"parts"`
	// CorrelationID is an externally meaningful identifier (the model
	// backend's own turn id for assistant turns, a caller-supplied ui id for
	// user turns) attached for traceability.
	CorrelationID string    `json:"correlation_id,omitempty" yaml:"correlation_id,omitempty"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`
}

// Message is a history entry handed to the model backend: prior turns plus
// the new user utterance, stripped down to what inference needs.
type Message struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// HistoryFromTurns projects durable turns into a model history.
func HistoryFromTurns(turns []*Turn) []Message {
	msgs := make([]Message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, Message{Role: t.Role, Content: t.Content})
	}
	return msgs
}
