package reconcile

import (
	"sync"

	"github.com/lithammer/shortuuid/v3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/events"
)

// ExchangeState is the per-exchange state machine:
// submitted → streaming → {completed | failed}. Both completed and failed
// are terminal; a resubmission after failure creates a new exchange rather
// than mutating the failed one.
type ExchangeState string

const (
	StateIdle      ExchangeState = "idle"
	StateSubmitted ExchangeState = "submitted"
	StateStreaming ExchangeState = "streaming"
	StateCompleted ExchangeState = "completed"
	StateFailed    ExchangeState = "failed"
)

var ErrExchangeInFlight = errors.New("an exchange is already in flight")

// Entry is the client-facing turn representation: either a durable turn or
// a placeholder holding its spot until durable data arrives.
type Entry struct {
	ID      string      `json:"id"`
	Role    chat.Role   `json:"role"`
	Content string      `json:"content"`
	Parts   []chat.Part `json:"parts"`
	// Pending is true only for an assistant turn not yet fully received.
	Pending bool `json:"pending"`
	// Failed marks a terminal failed exchange; the entry is kept visible so
	// the user can see what failed and retry.
	Failed bool `json:"failed,omitempty"`
	// Temporary is true while ID is a locally generated placeholder id.
	Temporary   bool     `json:"temporary,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

// Reconciler maintains the client's ordered view of a conversation. It
// inserts placeholder turns optimistically at submission time and supersedes
// them in place once durable turns are known: supersession is keyed by list
// position, never by identifier matching, since a temporary id never equals
// the durable one.
type Reconciler struct {
	mu             sync.Mutex
	conversationID chat.ConversationID
	entries        []*Entry
	state          ExchangeState

	// list positions of the in-flight placeholder pair
	userIdx      int
	assistantIdx int
}

// New builds a reconciler seeded with the conversation's durable turns.
// conversationID may be empty for a conversation that does not exist yet.
func New(conversationID chat.ConversationID, seed []*chat.Turn) *Reconciler {
	r := &Reconciler{
		conversationID: conversationID,
		state:          StateIdle,
		userIdx:        -1,
		assistantIdx:   -1,
	}
	for _, t := range seed {
		r.entries = append(r.entries, &Entry{
			ID:      string(t.ID),
			Role:    t.Role,
			Content: t.Content,
			Parts:   t.Parts,
		})
	}
	return r
}

func (r *Reconciler) ConversationID() chat.ConversationID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conversationID
}

// AdoptConversation records the durable conversation identity once the
// server reports it (first exchange of a new conversation).
func (r *Reconciler) AdoptConversation(id chat.ConversationID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversationID = id
}

func (r *Reconciler) State() ExchangeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Turns returns a snapshot of the ordered turn list.
func (r *Reconciler) Turns() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// Submit appends a user placeholder and a pending assistant placeholder, in
// that order, before any network call completes. It is synchronous with
// user input so the UI reflects the action immediately. Exactly one
// placeholder pair exists per in-flight exchange.
func (r *Reconciler) Submit(utterance string, attachments []string) (userTempID string, assistantTempID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateSubmitted || r.state == StateStreaming {
		return "", "", ErrExchangeInFlight
	}

	userTempID = "temp-" + shortuuid.New()
	assistantTempID = "temp-" + shortuuid.New()

	r.entries = append(r.entries, &Entry{
		ID:          userTempID,
		Role:        chat.RoleUser,
		Content:     utterance,
		Temporary:   true,
		Attachments: attachments,
	})
	r.userIdx = len(r.entries) - 1

	r.entries = append(r.entries, &Entry{
		ID:        assistantTempID,
		Role:      chat.RoleAssistant,
		Pending:   true,
		Temporary: true,
	})
	r.assistantIdx = len(r.entries) - 1

	r.state = StateSubmitted
	return userTempID, assistantTempID, nil
}

// ApplyDelta appends streamed text to the pending assistant placeholder.
func (r *Reconciler) ApplyDelta(delta string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.assistantIdx < 0 || r.state == StateCompleted || r.state == StateFailed {
		return
	}
	r.state = StateStreaming
	r.entries[r.assistantIdx].Content += delta
}

// ApplyPart records a structured part observed during the stream.
func (r *Reconciler) ApplyPart(p chat.Part) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.assistantIdx < 0 || r.state == StateCompleted || r.state == StateFailed {
		return
	}
	r.state = StateStreaming
	e := r.entries[r.assistantIdx]
	e.Parts = append(e.Parts, p)
}

// Complete clears the pending flag on the assistant placeholder and fixes
// its content to the full accumulated text. The list's length and order do
// not change.
func (r *Reconciler) Complete(fullText string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.assistantIdx < 0 || r.state == StateCompleted || r.state == StateFailed {
		return
	}
	e := r.entries[r.assistantIdx]
	e.Pending = false
	if fullText != "" {
		e.Content = fullText
	}
	r.state = StateCompleted
}

// ReconcileDurable supersedes the in-flight placeholder pair with durable
// identities, in place. Either id may be empty, in which case the temporary
// identity is retained indefinitely; position never changes either way.
func (r *Reconciler) ReconcileDurable(userTurnID, assistantTurnID chat.TurnID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.userIdx >= 0 && userTurnID != "" {
		e := r.entries[r.userIdx]
		e.ID = string(userTurnID)
		e.Temporary = false
	}
	if r.assistantIdx >= 0 && assistantTurnID != "" {
		e := r.entries[r.assistantIdx]
		e.ID = string(assistantTurnID)
		e.Temporary = false
	}
}

// Fail moves the in-flight exchange to its terminal failed state. The
// placeholder is never silently removed: the user turn stays visible and the
// assistant placeholder shows as failed so the user can retry.
func (r *Reconciler) Fail() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.assistantIdx < 0 || r.state == StateCompleted || r.state == StateFailed {
		return
	}
	e := r.entries[r.assistantIdx]
	e.Pending = false
	e.Failed = true
	r.state = StateFailed
}

// Apply dispatches a stream event to the matching transition. The event set
// is closed; unknown events are an error.
func (r *Reconciler) Apply(ev events.Event) error {
	switch e := ev.(type) {
	case *events.EventStart:
		r.mu.Lock()
		if r.state == StateSubmitted {
			r.state = StateStreaming
		}
		r.mu.Unlock()
		return nil
	case *events.EventPartialCompletion:
		r.ApplyDelta(e.Delta)
		return nil
	case *events.EventPart:
		r.ApplyPart(e.Part)
		return nil
	case *events.EventFinal:
		r.Complete(e.Text)
		return nil
	case *events.EventInterrupt:
		r.Fail()
		return nil
	case *events.EventError:
		r.Fail()
		return nil
	default:
		return errors.Errorf("unknown event type %q", ev.Type())
	}
}
