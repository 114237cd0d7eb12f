package session

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/engine"
	"github.com/go-go-golems/parley/pkg/events"
	"github.com/go-go-golems/parley/pkg/store"
	"github.com/go-go-golems/parley/pkg/store/listcache"
)

var (
	ErrEmptyHistory    = errors.New("history is empty")
	ErrLastTurnNotUser = errors.New("history must end with a user turn")
)

// TaskScheduler runs a fire-and-forget task. The default spawns a goroutine;
// tests substitute a synchronous scheduler.
type TaskScheduler func(task func())

// Coordinator orchestrates one chat exchange: resolve or create the
// conversation, persist the user turn, stream the completion, persist the
// assistant turn, and schedule title generation for the first exchange.
//
// Exchanges on distinct conversations may run fully in parallel; within one
// conversation the client is expected to submit serially. The coordinator
// does not enforce mutual exclusion across concurrent exchanges on the same
// conversation; under concurrent calls, turn ordering is only as strong as
// persistence-call ordering.
type Coordinator struct {
	gateway  store.Gateway
	engine   engine.Engine
	recorder *Recorder
	titles   *TitleGenerator
	lists    listcache.Invalidator
	schedule TaskScheduler
}

type CoordinatorOption func(*Coordinator)

func WithListInvalidator(lists listcache.Invalidator) CoordinatorOption {
	return func(c *Coordinator) {
		c.lists = lists
	}
}

func WithScheduler(schedule TaskScheduler) CoordinatorOption {
	return func(c *Coordinator) {
		c.schedule = schedule
	}
}

func NewCoordinator(gateway store.Gateway, eng engine.Engine, recorder *Recorder, titles *TitleGenerator, options ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		gateway:  gateway,
		engine:   eng,
		recorder: recorder,
		titles:   titles,
		lists:    listcache.NopInvalidator{},
		schedule: func(task func()) { go task() },
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// ExchangeRequest is one inbound chat request: the ordered history of prior
// turns plus the new user utterance, and optionally the identity of an
// existing conversation.
type ExchangeRequest struct {
	ConversationID chat.ConversationID
	History        []chat.Message
	// UserCorrelationID is the caller-supplied ui id for the user turn;
	// generated at persistence time when empty.
	UserCorrelationID string
}

// ExchangeResult is the out-of-band metadata a caller needs to reconcile its
// optimistic state with durable state.
type ExchangeResult struct {
	ConversationID      chat.ConversationID
	ConversationCreated bool
	UserTurnID          chat.TurnID
	AssistantTurnID     chat.TurnID
	Completion          *engine.Completion
	// AssistantPersistFailed marks the degraded state where the assistant
	// content was delivered but could not be made durable.
	AssistantPersistFailed bool
	TitleScheduled         bool
}

// ResolveConversation returns the conversation to use for a request,
// creating one with a placeholder title when no identity was supplied. For
// an existing identity, access is verified before any side effect.
func (c *Coordinator) ResolveConversation(ctx context.Context, cred store.Credential, id chat.ConversationID) (chat.ConversationID, bool, error) {
	if id != "" {
		if _, err := c.gateway.GetConversation(ctx, cred, id); err != nil {
			return "", false, err
		}
		return id, false, nil
	}

	newID, err := c.gateway.CreateConversation(ctx, cred, FallbackTitle)
	if err != nil {
		return "", false, errors.Wrap(err, "failed to create conversation")
	}
	c.lists.Invalidate(cred.Subject)
	log.Debug().Str("conversation_id", string(newID)).Msg("created conversation for first exchange")
	return newID, true, nil
}

// checkHistory rejects histories no exchange can run on, before any side
// effect.
func checkHistory(history []chat.Message) error {
	if len(history) == 0 {
		return ErrEmptyHistory
	}
	if history[len(history)-1].Role != chat.RoleUser {
		return ErrLastTurnNotUser
	}
	return nil
}

// RunExchange executes one exchange end to end. Side effects are strictly
// ordered: user turn persisted → stream forwarded to sinks → assistant turn
// persisted → title generation scheduled (first exchange only). Stream
// events are forwarded to the sinks in arrival order, unmodified.
func (c *Coordinator) RunExchange(ctx context.Context, cred store.Credential, req ExchangeRequest, sinks ...events.Sink) (*ExchangeResult, error) {
	if err := checkHistory(req.History); err != nil {
		return nil, err
	}

	conversationID, created, err := c.ResolveConversation(ctx, cred, req.ConversationID)
	if err != nil {
		return nil, err
	}
	return c.runExchange(ctx, cred, conversationID, created, req, sinks...)
}

// RunResolvedExchange runs an exchange on a conversation the caller already
// resolved via ResolveConversation. The HTTP handler resolves first to write
// the identity header before streaming; re-verifying access here would load
// the conversation a second time per request.
func (c *Coordinator) RunResolvedExchange(ctx context.Context, cred store.Credential, conversationID chat.ConversationID, created bool, req ExchangeRequest, sinks ...events.Sink) (*ExchangeResult, error) {
	if err := checkHistory(req.History); err != nil {
		return nil, err
	}
	return c.runExchange(ctx, cred, conversationID, created, req, sinks...)
}

func (c *Coordinator) runExchange(ctx context.Context, cred store.Credential, conversationID chat.ConversationID, created bool, req ExchangeRequest, sinks ...events.Sink) (*ExchangeResult, error) {
	last := req.History[len(req.History)-1]

	result := &ExchangeResult{
		ConversationID:      conversationID,
		ConversationCreated: created,
	}

	// The user turn must be durable before the stream opens, so a crash
	// past this point never loses the caller's input.
	userTurnID, err := c.recorder.RecordUser(ctx, cred, conversationID, last.Content, nil, req.UserCorrelationID)
	if err != nil {
		return nil, err
	}
	result.UserTurnID = userTurnID

	completion, err := c.engine.RunCompletion(ctx, engine.CompletionRequest{
		ConversationID: conversationID,
		History:        req.History,
	}, sinks...)
	if err != nil {
		// The user turn stays persisted; the assistant turn is never
		// written. The caller sees a terminated stream and retries from
		// scratch.
		return result, errors.Wrap(err, "completion stream failed")
	}
	result.Completion = completion

	assistantTurnID, err := c.recorder.RecordAssistant(ctx, cred, conversationID, completion.Text, completion.Parts, completion.ModelTurnID)
	if err != nil {
		// Content was already delivered; never re-deliver, never fail the
		// response. The recorder has flagged the gap.
		log.Error().Err(err).
			Str("conversation_id", string(conversationID)).
			Msg("assistant turn not durable after delivery")
		result.AssistantPersistFailed = true
		return result, nil
	}
	result.AssistantTurnID = assistantTurnID

	c.maybeScheduleTitle(ctx, cred, conversationID, req.History, completion, result)
	return result, nil
}

// maybeScheduleTitle fires title generation when the persisted exchange
// count is at most one. The count check is a best-effort single-shot guard,
// not a lock: concurrent duplicate first exchanges can double-fire, which is
// tolerated since UpdateTitle is last-write-wins.
func (c *Coordinator) maybeScheduleTitle(ctx context.Context, cred store.Credential, conversationID chat.ConversationID, history []chat.Message, completion *engine.Completion, result *ExchangeResult) {
	count, err := c.gateway.CountTurns(ctx, cred, conversationID)
	if err != nil {
		log.Warn().Err(err).
			Str("conversation_id", string(conversationID)).
			Msg("could not count turns, skipping title generation")
		return
	}
	if count > 2 {
		return
	}

	exchange := make([]chat.Message, 0, len(history)+1)
	exchange = append(exchange, history...)
	exchange = append(exchange, chat.Message{Role: chat.RoleAssistant, Content: completion.Text})

	c.schedule(func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("title generation panicked")
			}
		}()
		// Deliberately detached from the request context: cancelling the
		// request must not cancel an already-scheduled generation.
		c.titles.Generate(context.Background(), cred, conversationID, exchange)
	})
	result.TitleScheduled = true
}
