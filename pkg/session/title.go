package session

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/engine"
	"github.com/go-go-golems/parley/pkg/store"
	"github.com/go-go-golems/parley/pkg/store/listcache"
)

// FallbackTitle is the placeholder a conversation is created with and the
// substitute when title generation fails.
const FallbackTitle = "New Chat"

const (
	maxTitleLength = 50
	// Only the start of the conversation is relevant for a title.
	maxTitleSourceMessages = 6
	// Per-message token budget when building the title prompt.
	titleMessageTokenBudget = 256
)

const titleSystemPrompt = `Generate a concise, descriptive title (max 50 characters) for this conversation based on the main topic or question being discussed. The title should be specific and informative, not generic. Examples:
- "React useEffect cleanup functions"
- "Planning a trip to Japan"
- "Debugging TypeScript errors"
- "Healthy meal prep ideas"

Only return the title, nothing else.`

// TitleGenerator derives a short conversation title from the first exchange.
// It is an isolated, independently-failing task: every failure is caught
// locally and degrades to FallbackTitle, never to the caller.
type TitleGenerator struct {
	engine  engine.Engine
	gateway store.Gateway
	lists   listcache.Invalidator
	timeout time.Duration
	codec   tokenizer.Codec
}

type TitleGeneratorOption func(*TitleGenerator)

func WithTitleTimeout(timeout time.Duration) TitleGeneratorOption {
	return func(g *TitleGenerator) {
		g.timeout = timeout
	}
}

func NewTitleGenerator(eng engine.Engine, gateway store.Gateway, lists listcache.Invalidator, options ...TitleGeneratorOption) *TitleGenerator {
	g := &TitleGenerator{
		engine:  eng,
		gateway: gateway,
		lists:   lists,
		timeout: 30 * time.Second,
	}
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		log.Warn().Err(err).Msg("tokenizer unavailable, title prompts will not be token-budgeted")
	} else {
		g.codec = codec
	}
	for _, o := range options {
		o(g)
	}
	return g
}

// Generate runs one title derivation and updates the conversation record.
// It expects a context detached from the originating request, so cancelling
// that request does not cancel an already-scheduled generation.
func (g *TitleGenerator) Generate(ctx context.Context, cred store.Credential, conversationID chat.ConversationID, exchange []chat.Message) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	title := g.deriveTitle(ctx, conversationID, exchange)

	if err := g.gateway.UpdateTitle(ctx, cred, conversationID, title); err != nil {
		log.Error().Err(err).
			Str("conversation_id", string(conversationID)).
			Str("title", title).
			Msg("failed to update conversation title")
		return
	}
	if g.lists != nil {
		g.lists.Invalidate(cred.Subject)
	}
	log.Debug().
		Str("conversation_id", string(conversationID)).
		Str("title", title).
		Msg("conversation retitled")
}

func (g *TitleGenerator) deriveTitle(ctx context.Context, conversationID chat.ConversationID, exchange []chat.Message) string {
	if len(exchange) > maxTitleSourceMessages {
		exchange = exchange[:maxTitleSourceMessages]
	}

	history := make([]chat.Message, 0, len(exchange)+1)
	history = append(history, chat.Message{Role: chat.RoleSystem, Content: titleSystemPrompt})
	for _, m := range exchange {
		history = append(history, chat.Message{Role: m.Role, Content: g.truncate(m.Content)})
	}

	completion, err := g.engine.RunCompletion(ctx, engine.CompletionRequest{
		ConversationID: conversationID,
		History:        history,
	})
	if err != nil {
		log.Warn().Err(err).
			Str("conversation_id", string(conversationID)).
			Msg("title generation failed, using fallback")
		return FallbackTitle
	}

	title := sanitizeTitle(completion.Text)
	if title == "" {
		return FallbackTitle
	}
	return title
}

// truncate caps a message to the per-message token budget so a long first
// exchange cannot blow up the title prompt.
func (g *TitleGenerator) truncate(text string) string {
	if g.codec == nil {
		return text
	}
	ids, _, err := g.codec.Encode(text)
	if err != nil || len(ids) <= titleMessageTokenBudget {
		return text
	}
	truncated, err := g.codec.Decode(ids[:titleMessageTokenBudget])
	if err != nil {
		return text
	}
	return truncated
}

// sanitizeTitle strips surrounding quote characters, trims whitespace and
// enforces the length bound.
func sanitizeTitle(s string) string {
	s = strings.NewReplacer(`"`, "", "'", "").Replace(s)
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) > maxTitleLength {
		s = strings.TrimSpace(string(runes[:maxTitleLength]))
	}
	return s
}
