package session

import (
	"context"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/engine"
	"github.com/go-go-golems/parley/pkg/engine/fake"
	"github.com/go-go-golems/parley/pkg/events"
	"github.com/go-go-golems/parley/pkg/store/memstore"
)

type recordingInvalidator struct {
	subjects []string
}

func (r *recordingInvalidator) Invalidate(subject string) {
	r.subjects = append(r.subjects, subject)
}

func firstExchange() []chat.Message {
	return []chat.Message{
		{Role: chat.RoleUser, Content: "how do goroutines differ from threads?"},
		{Role: chat.RoleAssistant, Content: "goroutines are multiplexed onto OS threads"},
	}
}

func TestSanitizeTitle(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`"Goroutines vs threads"`, "Goroutines vs threads"},
		{`'Planning a trip'`, "Planning a trip"},
		{"  padded  ", "padded"},
		{strings.Repeat("x", 80), strings.Repeat("x", 50)},
		{`""`, ""},
		{"", ""},
	}
	for _, c := range cases {
		require.Equal(t, c.want, sanitizeTitle(c.in))
	}
}

func TestGenerate_UpdatesTitleAndInvalidates(t *testing.T) {
	ctx := context.Background()
	gw := memstore.New()
	lists := &recordingInvalidator{}
	eng := &fake.Engine{Chunks: []string{`"Goroutines vs threads"`}, FailAfter: -1}
	titles := NewTitleGenerator(eng, gw, lists)

	id, err := gw.CreateConversation(ctx, alice, FallbackTitle)
	require.NoError(t, err)

	titles.Generate(ctx, alice, id, firstExchange())

	conv, err := gw.GetConversation(ctx, alice, id)
	require.NoError(t, err)
	require.Equal(t, "Goroutines vs threads", conv.Title)
	require.Equal(t, []string{"alice"}, lists.subjects)
}

func TestGenerate_FallsBackOnEngineError(t *testing.T) {
	ctx := context.Background()
	gw := memstore.New()
	eng := &fake.Engine{Err: errors.New("model unavailable"), FailAfter: 0}
	titles := NewTitleGenerator(eng, gw, &recordingInvalidator{})

	id, err := gw.CreateConversation(ctx, alice, FallbackTitle)
	require.NoError(t, err)
	require.NoError(t, gw.UpdateTitle(ctx, alice, id, "stale"))

	titles.Generate(ctx, alice, id, firstExchange())

	conv, err := gw.GetConversation(ctx, alice, id)
	require.NoError(t, err)
	require.Equal(t, FallbackTitle, conv.Title)
}

func TestGenerate_FallsBackOnEmptyTitle(t *testing.T) {
	ctx := context.Background()
	gw := memstore.New()
	eng := &fake.Engine{Chunks: []string{`  "" `}, FailAfter: -1}
	titles := NewTitleGenerator(eng, gw, &recordingInvalidator{})

	id, err := gw.CreateConversation(ctx, alice, FallbackTitle)
	require.NoError(t, err)

	titles.Generate(ctx, alice, id, firstExchange())

	conv, err := gw.GetConversation(ctx, alice, id)
	require.NoError(t, err)
	require.Equal(t, FallbackTitle, conv.Title)
}

func TestGenerate_PromptUsesSystemInstructionAndBoundedHistory(t *testing.T) {
	ctx := context.Background()
	gw := memstore.New()

	var seen []chat.Message
	eng := engineFunc(func(ctx context.Context, req engine.CompletionRequest, sinks ...events.Sink) (*engine.Completion, error) {
		seen = req.History
		return &engine.Completion{Text: "Long conversation"}, nil
	})
	titles := NewTitleGenerator(eng, gw, &recordingInvalidator{})

	id, err := gw.CreateConversation(ctx, alice, FallbackTitle)
	require.NoError(t, err)

	var exchange []chat.Message
	for i := 0; i < 10; i++ {
		exchange = append(exchange, chat.Message{Role: chat.RoleUser, Content: "turn"})
	}
	titles.Generate(ctx, alice, id, exchange)

	// one system instruction plus at most six source messages
	require.Len(t, seen, 7)
	require.Equal(t, chat.RoleSystem, seen[0].Role)
	require.Contains(t, seen[0].Content, "Only return the title")
}

func TestGenerate_TruncatesLongMessages(t *testing.T) {
	ctx := context.Background()
	gw := memstore.New()

	var seen []chat.Message
	eng := engineFunc(func(ctx context.Context, req engine.CompletionRequest, sinks ...events.Sink) (*engine.Completion, error) {
		seen = req.History
		return &engine.Completion{Text: "Wall of text"}, nil
	})
	titles := NewTitleGenerator(eng, gw, &recordingInvalidator{})

	id, err := gw.CreateConversation(ctx, alice, FallbackTitle)
	require.NoError(t, err)

	long := strings.Repeat("lorem ipsum dolor sit amet ", 500)
	titles.Generate(ctx, alice, id, []chat.Message{{Role: chat.RoleUser, Content: long}})

	require.Len(t, seen, 2)
	require.Less(t, len(seen[1].Content), len(long))
}
