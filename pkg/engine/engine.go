package engine

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/events"
)

// CompletionRequest carries the message history for one streamed completion
// plus the conversation identity used to tag events.
type CompletionRequest struct {
	ConversationID chat.ConversationID
	History        []chat.Message
}

// Completion is the terminal result of a stream: the full accumulated text,
// any structured parts observed during the stream, and the model backend's
// own identifier for the turn.
type Completion struct {
	Text        string
	Parts       []chat.Part
	ModelTurnID string
	Model       string
	Usage       *events.Usage
}

// Engine opens a token stream against a generative model. Incremental text
// and structured parts are published to the sinks in arrival order; the
// terminal completion is returned. Streams are finite and not restartable: a
// dropped stream must be re-requested from scratch with the same history.
//
// Engines handle provider-specific logic for services like OpenAI, Claude,
// etc.
type Engine interface {
	RunCompletion(ctx context.Context, req CompletionRequest, sinks ...events.Sink) (*Completion, error)
}

// PublishEvent forwards an event to every sink, logging rather than failing
// on sink errors: a broken consumer must not abort the stream.
func PublishEvent(sinks []events.Sink, ev events.Event) {
	for _, sink := range sinks {
		if sink == nil {
			continue
		}
		if err := sink.PublishEvent(ev); err != nil {
			log.Warn().Err(err).Str("event_type", string(ev.Type())).Msg("failed to publish event to sink")
		}
	}
}
