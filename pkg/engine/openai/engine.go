package openai

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/engine"
	"github.com/go-go-golems/parley/pkg/events"
)

type Settings struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
}

// Engine implements engine.Engine for the OpenAI chat completions API,
// always in streaming mode.
type Engine struct {
	settings Settings
	client   *go_openai.Client
}

func NewEngine(settings Settings) (*Engine, error) {
	if settings.APIKey == "" {
		return nil, errors.New("no OpenAI API key configured")
	}
	if settings.Model == "" {
		settings.Model = go_openai.GPT4oMini
	}
	cfg := go_openai.DefaultConfig(settings.APIKey)
	if settings.BaseURL != "" {
		cfg.BaseURL = settings.BaseURL
	}
	return &Engine{
		settings: settings,
		client:   go_openai.NewClientWithConfig(cfg),
	}, nil
}

func makeMessages(history []chat.Message) []go_openai.ChatCompletionMessage {
	msgs := make([]go_openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		var role string
		switch m.Role {
		case chat.RoleAssistant:
			role = go_openai.ChatMessageRoleAssistant
		case chat.RoleSystem:
			role = go_openai.ChatMessageRoleSystem
		default:
			role = go_openai.ChatMessageRoleUser
		}
		msgs = append(msgs, go_openai.ChatCompletionMessage{
			Role:    role,
			Content: m.Content,
		})
	}
	return msgs
}

// RunCompletion streams a chat completion and publishes partial events as
// deltas arrive. On context cancellation it publishes an interrupt event
// with the partial text and returns ctx.Err().
func (e *Engine) RunCompletion(ctx context.Context, req engine.CompletionRequest, sinks ...events.Sink) (*engine.Completion, error) {
	log.Debug().
		Int("num_messages", len(req.History)).
		Str("conversation_id", string(req.ConversationID)).
		Str("model", e.settings.Model).
		Msg("OpenAI RunCompletion started")

	metadata := events.EventMetadata{
		ID:             uuid.New(),
		ConversationID: req.ConversationID,
		Model:          e.settings.Model,
	}

	chatReq := go_openai.ChatCompletionRequest{
		Model:       e.settings.Model,
		Messages:    makeMessages(req.History),
		Temperature: e.settings.Temperature,
		Stream:      true,
	}
	if e.settings.MaxTokens > 0 {
		chatReq.MaxTokens = e.settings.MaxTokens
	}

	start := time.Now()
	stream, err := e.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		log.Error().Err(err).Msg("OpenAI streaming request failed")
		engine.PublishEvent(sinks, events.NewErrorEvent(metadata, err))
		return nil, errors.Wrap(err, "failed to open completion stream")
	}
	defer func() {
		if err := stream.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close stream")
		}
	}()

	engine.PublishEvent(sinks, events.NewStartEvent(metadata))

	completion := ""
	var stopReason *string
	chunkCount := 0

	for {
		select {
		case <-ctx.Done():
			log.Debug().Int("chunks_received", chunkCount).Msg("OpenAI streaming cancelled by context")
			engine.PublishEvent(sinks, events.NewInterruptEvent(metadata, completion))
			return nil, ctx.Err()

		default:
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				log.Debug().Int("chunks_received", chunkCount).Msg("OpenAI stream completed")
				goto streamingComplete
			}
			if err != nil {
				log.Error().Err(err).Int("chunks_received", chunkCount).Msg("OpenAI stream receive failed")
				engine.PublishEvent(sinks, events.NewErrorEvent(metadata, err))
				return nil, errors.Wrap(err, "stream receive failed")
			}
			chunkCount++

			// The response id is the model backend's identifier for this
			// completion; it becomes the assistant turn's correlation id.
			if metadata.CorrelationID == "" && response.ID != "" {
				metadata.CorrelationID = response.ID
			}

			if len(response.Choices) > 0 {
				choice := response.Choices[0]
				if delta := choice.Delta.Content; delta != "" {
					completion += delta
					engine.PublishEvent(sinks, events.NewPartialCompletionEvent(metadata, delta, completion))
				}
				if choice.FinishReason != "" {
					fr := string(choice.FinishReason)
					stopReason = &fr
				}
			}
		}
	}

streamingComplete:
	metadata.StopReason = stopReason
	engine.PublishEvent(sinks, events.NewFinalEvent(metadata, completion))

	log.Debug().
		Int("final_text_length", len(completion)).
		Dur("duration", time.Since(start)).
		Str("correlation_id", metadata.CorrelationID).
		Msg("OpenAI completion finished")

	return &engine.Completion{
		Text:        completion,
		ModelTurnID: metadata.CorrelationID,
		Model:       e.settings.Model,
	}, nil
}

var _ engine.Engine = (*Engine)(nil)
