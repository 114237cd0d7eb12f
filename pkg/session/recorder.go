package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/store"
)

// Recorder persists the two turns of an exchange and owns the ordering
// guarantee: the user turn for exchange k is written strictly before the
// assistant turn for exchange k. Neither call is idempotent in invocation;
// the coordinator calls each exactly once per exchange.
type Recorder struct {
	gateway store.Gateway
	clock   func() time.Time

	maxRetries int
	backoff    time.Duration
}

type RecorderOption func(*Recorder)

func WithRecorderClock(clock func() time.Time) RecorderOption {
	return func(r *Recorder) {
		r.clock = clock
	}
}

// WithRetryPolicy bounds the assistant-turn retry loop. maxRetries is the
// number of attempts after the first; backoff doubles between attempts.
func WithRetryPolicy(maxRetries int, backoff time.Duration) RecorderOption {
	return func(r *Recorder) {
		r.maxRetries = maxRetries
		r.backoff = backoff
	}
}

func NewRecorder(gateway store.Gateway, options ...RecorderOption) *Recorder {
	r := &Recorder{
		gateway:    gateway,
		clock:      time.Now,
		maxRetries: 3,
		backoff:    250 * time.Millisecond,
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// RecordUser persists the user turn. A failure here aborts the exchange
// before any model call is made: fail fast, no partial side effects.
func (r *Recorder) RecordUser(ctx context.Context, cred store.Credential, conversationID chat.ConversationID, content string, parts []chat.Part, correlationID string) (chat.TurnID, error) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	id, err := r.gateway.AppendTurn(ctx, cred, store.AppendTurn{
		ConversationID: conversationID,
		Role:           chat.RoleUser,
		Content:        content,
		Parts:          parts,
		CorrelationID:  correlationID,
		CreatedAt:      r.clock(),
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to record user turn")
	}
	log.Debug().
		Str("conversation_id", string(conversationID)).
		Str("turn_id", string(id)).
		Msg("recorded user turn")
	return id, nil
}

// RecordAssistant persists the assistant turn after the stream has finished.
// The caller has already seen the content, so failure here is a non-fatal
// degraded state: the write is retried a bounded number of times with
// backoff, and on exhaustion the conversation is flagged so a later history
// read reports the gap.
func (r *Recorder) RecordAssistant(ctx context.Context, cred store.Credential, conversationID chat.ConversationID, content string, parts []chat.Part, correlationID string) (chat.TurnID, error) {
	var lastErr error
	backoff := r.backoff

retry:
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			log.Warn().
				Err(lastErr).
				Int("attempt", attempt).
				Str("conversation_id", string(conversationID)).
				Msg("retrying assistant turn persistence")
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				break retry
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		id, err := r.gateway.AppendTurn(ctx, cred, store.AppendTurn{
			ConversationID: conversationID,
			Role:           chat.RoleAssistant,
			Content:        content,
			Parts:          parts,
			CorrelationID:  correlationID,
			CreatedAt:      r.clock(),
		})
		if err == nil {
			log.Debug().
				Str("conversation_id", string(conversationID)).
				Str("turn_id", string(id)).
				Str("correlation_id", correlationID).
				Msg("recorded assistant turn")
			return id, nil
		}
		lastErr = err

		// Authorization and existence failures will not heal with time.
		if errors.Is(err, store.ErrUnauthorized) || errors.Is(err, store.ErrNotFound) {
			break
		}
	}

	if gapErr := r.gateway.MarkTurnGap(ctx, cred, conversationID); gapErr != nil {
		log.Error().Err(gapErr).
			Str("conversation_id", string(conversationID)).
			Msg("failed to flag missing assistant turn")
	}
	return "", errors.Wrap(lastErr, "failed to record assistant turn")
}
