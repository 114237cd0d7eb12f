package events

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/parley/pkg/chat"
)

// Usage represents token usage reported by the model backend.
type Usage struct {
	InputTokens  int `json:"input_tokens" yaml:"input_tokens"`
	OutputTokens int `json:"output_tokens" yaml:"output_tokens"`
}

// EventMetadata carries the identifiers shared by every event of one
// streamed completion.
type EventMetadata struct {
	ID             uuid.UUID           `json:"id" yaml:"id"`
	ConversationID chat.ConversationID `json:"conversation_id,omitempty" yaml:"conversation_id,omitempty"`
	// CorrelationID is the model backend's own identifier for this
	// completion, once known.
	CorrelationID string  `json:"correlation_id,omitempty" yaml:"correlation_id,omitempty"`
	Model         string  `json:"model,omitempty" yaml:"model,omitempty"`
	StopReason    *string `json:"stop_reason,omitempty" yaml:"stop_reason,omitempty"`
	Usage         *Usage  `json:"usage,omitempty" yaml:"usage,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("event_id", em.ID.String())
	if em.ConversationID != "" {
		e.Str("conversation_id", string(em.ConversationID))
	}
	if em.CorrelationID != "" {
		e.Str("correlation_id", em.CorrelationID)
	}
	if em.Model != "" {
		e.Str("model", em.Model)
	}
	if em.StopReason != nil {
		e.Str("stop_reason", *em.StopReason)
	}
	if em.Usage != nil {
		e.Int("input_tokens", em.Usage.InputTokens)
		e.Int("output_tokens", em.Usage.OutputTokens)
	}
}
