package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/parley/pkg/chat"
)

var (
	ErrNotFound     = errors.New("conversation not found")
	ErrUnauthorized = errors.New("caller is not the conversation owner")
)

// Credential is the caller-identity credential threaded into every gateway
// call. The gateway is the sole authority on authorization: a turn may only
// be appended to or read from a conversation by its owner.
//
// Identity resolution (token verification) is an external concern; by the
// time a Credential reaches the gateway, Subject is the verified caller
// identity.
type Credential struct {
	Subject string
}

// AppendTurn describes one turn to persist. CorrelationID carries the model
// backend's turn id for assistant turns, or a caller/ui-generated id for
// user turns.
type AppendTurn struct {
	ConversationID chat.ConversationID
	Role           chat.Role
	Content        string
	Parts          []chat.Part
	CorrelationID  string
	CreatedAt      time.Time
}

// Gateway is the durable store for conversations and turns. Each call is an
// independent atomic operation; multi-step consistency (a conversation
// exists before a turn references it) is enforced here, not by callers
// holding locks.
type Gateway interface {
	CreateConversation(ctx context.Context, cred Credential, title string) (chat.ConversationID, error)
	GetConversation(ctx context.Context, cred Credential, id chat.ConversationID) (*chat.Conversation, error)
	ListConversations(ctx context.Context, cred Credential) ([]*chat.Conversation, error)
	DeleteConversation(ctx context.Context, cred Credential, id chat.ConversationID) error

	AppendTurn(ctx context.Context, cred Credential, rec AppendTurn) (chat.TurnID, error)
	ListTurns(ctx context.Context, cred Credential, id chat.ConversationID) ([]*chat.Turn, error)
	CountTurns(ctx context.Context, cred Credential, id chat.ConversationID) (int, error)

	UpdateTitle(ctx context.Context, cred Credential, id chat.ConversationID, title string) error

	// MarkTurnGap flags the conversation as missing a durable assistant turn,
	// so a later history read can report the gap instead of crashing.
	MarkTurnGap(ctx context.Context, cred Credential, id chat.ConversationID) error
}
