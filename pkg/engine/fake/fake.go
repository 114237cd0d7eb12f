package fake

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/engine"
	"github.com/go-go-golems/parley/pkg/events"
)

// Engine replays a scripted completion chunk by chunk. Tests and the local
// demo binary use it in place of a real model backend.
type Engine struct {
	// Chunks are the text deltas to emit, in order.
	Chunks []string
	// Parts are structured parts emitted after the text chunks.
	Parts []chat.Part
	// FailAfter, when >= 0, injects Err after that many chunks.
	FailAfter int
	Err       error
	// Delay between chunks, so cancellation mid-stream can be exercised.
	Delay time.Duration

	Model       string
	ModelTurnID string
}

// NewEchoEngine scripts a completion that repeats the last user message.
func NewEchoEngine() *Engine {
	return &Engine{FailAfter: -1, Model: "fake-echo"}
}

func (e *Engine) RunCompletion(ctx context.Context, req engine.CompletionRequest, sinks ...events.Sink) (*engine.Completion, error) {
	modelTurnID := e.ModelTurnID
	if modelTurnID == "" {
		modelTurnID = "fake-" + uuid.NewString()
	}
	metadata := events.EventMetadata{
		ID:             uuid.New(),
		ConversationID: req.ConversationID,
		CorrelationID:  modelTurnID,
		Model:          e.Model,
	}

	chunks := e.Chunks
	if len(chunks) == 0 && len(req.History) > 0 {
		chunks = strings.SplitAfter("you said: "+req.History[len(req.History)-1].Content, " ")
	}

	engine.PublishEvent(sinks, events.NewStartEvent(metadata))

	completion := ""
	for i, chunk := range chunks {
		if e.Delay > 0 {
			select {
			case <-ctx.Done():
				engine.PublishEvent(sinks, events.NewInterruptEvent(metadata, completion))
				return nil, ctx.Err()
			case <-time.After(e.Delay):
			}
		} else if err := ctx.Err(); err != nil {
			engine.PublishEvent(sinks, events.NewInterruptEvent(metadata, completion))
			return nil, err
		}

		if e.Err != nil && e.FailAfter >= 0 && i >= e.FailAfter {
			engine.PublishEvent(sinks, events.NewErrorEvent(metadata, e.Err))
			return nil, e.Err
		}

		completion += chunk
		engine.PublishEvent(sinks, events.NewPartialCompletionEvent(metadata, chunk, completion))
	}

	if e.Err != nil && e.FailAfter >= 0 && e.FailAfter >= len(chunks) {
		engine.PublishEvent(sinks, events.NewErrorEvent(metadata, e.Err))
		return nil, e.Err
	}

	for _, p := range e.Parts {
		ev, err := events.NewPartEvent(metadata, p)
		if err != nil {
			return nil, err
		}
		engine.PublishEvent(sinks, ev)
	}

	engine.PublishEvent(sinks, events.NewFinalEvent(metadata, completion))

	return &engine.Completion{
		Text:        completion,
		Parts:       e.Parts,
		ModelTurnID: modelTurnID,
		Model:       e.Model,
	}, nil
}

var _ engine.Engine = (*Engine)(nil)
