package sqlstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/store"
)

var (
	alice = store.Credential{Subject: "alice"}
	bob   = store.Credential{Subject: "bob"}
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRoundTripWithParts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id, err := s.CreateConversation(ctx, alice, "New Chat")
	require.NoError(t, err)

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	_, err = s.AppendTurn(ctx, alice, store.AppendTurn{
		ConversationID: id, Role: chat.RoleUser, Content: "search for go tutorials",
		CorrelationID: "ui-1", CreatedAt: base,
	})
	require.NoError(t, err)

	parts := []chat.Part{
		&chat.ReasoningPart{Text: "the user wants learning resources"},
		&chat.ToolInvocationPart{ToolID: "call-1", Name: "web-search", Input: json.RawMessage(`{"q":"go tutorial"}`)},
		&chat.SourceCitationPart{URL: "https://go.dev/tour", Title: "A Tour of Go"},
	}
	_, err = s.AppendTurn(ctx, alice, store.AppendTurn{
		ConversationID: id, Role: chat.RoleAssistant, Content: "here are some tutorials",
		Parts: parts, CorrelationID: "model-1", CreatedAt: base.Add(2 * time.Second),
	})
	require.NoError(t, err)

	turns, err := s.ListTurns(ctx, alice, id)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, chat.RoleUser, turns[0].Role)
	require.Equal(t, chat.RoleAssistant, turns[1].Role)
	require.True(t, turns[1].CreatedAt.After(turns[0].CreatedAt))

	require.Len(t, turns[1].Parts, 3)
	require.Equal(t, chat.PartTypeReasoning, turns[1].Parts[0].PartType())
	citation, ok := turns[1].Parts[2].(*chat.SourceCitationPart)
	require.True(t, ok)
	require.Equal(t, "https://go.dev/tour", citation.URL)

	count, err := s.CountTurns(ctx, alice, id)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestAuthorization(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id, err := s.CreateConversation(ctx, alice, "New Chat")
	require.NoError(t, err)

	_, err = s.ListTurns(ctx, bob, id)
	require.True(t, errors.Is(err, store.ErrUnauthorized))

	_, err = s.GetConversation(ctx, alice, chat.ConversationID("nope"))
	require.True(t, errors.Is(err, store.ErrNotFound))
}

func TestTitleAndGapFlags(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id, err := s.CreateConversation(ctx, alice, "New Chat")
	require.NoError(t, err)

	require.NoError(t, s.UpdateTitle(ctx, alice, id, "Go generics"))
	require.NoError(t, s.MarkTurnGap(ctx, alice, id))

	conv, err := s.GetConversation(ctx, alice, id)
	require.NoError(t, err)
	require.Equal(t, "Go generics", conv.Title)
	require.True(t, conv.MissingAssistantTurn)
}

func TestDeleteCascadesTurns(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id, err := s.CreateConversation(ctx, alice, "New Chat")
	require.NoError(t, err)
	_, err = s.AppendTurn(ctx, alice, store.AppendTurn{ConversationID: id, Role: chat.RoleUser, Content: "hi"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteConversation(ctx, alice, id))

	var count int
	err = s.db.Get(&count, `SELECT COUNT(*) FROM turns`)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestListConversations_OrderedByActivity(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	first, err := s.CreateConversation(ctx, alice, "first")
	require.NoError(t, err)
	second, err := s.CreateConversation(ctx, alice, "second")
	require.NoError(t, err)

	_, err = s.AppendTurn(ctx, alice, store.AppendTurn{
		ConversationID: first, Role: chat.RoleUser, Content: "bump",
		CreatedAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	conversations, err := s.ListConversations(ctx, alice)
	require.NoError(t, err)
	require.Len(t, conversations, 2)
	require.Equal(t, first, conversations[0].ID)
	require.Equal(t, second, conversations[1].ID)
}
