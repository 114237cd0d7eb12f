package reconcile

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/events"
)

func testMetadata() events.EventMetadata {
	return events.EventMetadata{ID: uuid.New(), ConversationID: "conv-1"}
}

func TestSubmit_AppendsPlaceholderPair(t *testing.T) {
	r := New("", nil)
	require.Equal(t, StateIdle, r.State())

	userID, assistantID, err := r.Submit("hello", nil)
	require.NoError(t, err)
	require.NotEqual(t, userID, assistantID)
	require.Equal(t, StateSubmitted, r.State())

	turns := r.Turns()
	require.Len(t, turns, 2)
	require.Equal(t, chat.RoleUser, turns[0].Role)
	require.Equal(t, "hello", turns[0].Content)
	require.False(t, turns[0].Pending)
	require.True(t, turns[0].Temporary)
	require.Equal(t, chat.RoleAssistant, turns[1].Role)
	require.True(t, turns[1].Pending)
	require.True(t, turns[1].Temporary)
}

func TestSubmit_RejectsWhileInFlight(t *testing.T) {
	r := New("", nil)
	_, _, err := r.Submit("first", nil)
	require.NoError(t, err)

	_, _, err = r.Submit("second", nil)
	require.ErrorIs(t, err, ErrExchangeInFlight)
	require.Len(t, r.Turns(), 2)
}

func TestDeltasAccumulateOnPendingPlaceholder(t *testing.T) {
	r := New("", nil)
	_, _, err := r.Submit("hello", nil)
	require.NoError(t, err)

	r.ApplyDelta("wor")
	require.Equal(t, StateStreaming, r.State())
	r.ApplyDelta("ld")

	turns := r.Turns()
	require.Equal(t, "world", turns[1].Content)
	require.True(t, turns[1].Pending)
}

func TestComplete_PreservesLengthAndOrder(t *testing.T) {
	seed := []*chat.Turn{
		{ID: "t-1", Role: chat.RoleUser, Content: "old question"},
		{ID: "t-2", Role: chat.RoleAssistant, Content: "old answer"},
	}
	r := New("conv-1", seed)
	_, _, err := r.Submit("new question", nil)
	require.NoError(t, err)

	r.ApplyDelta("partial")
	r.Complete("full answer")

	turns := r.Turns()
	require.Len(t, turns, 4)
	require.Equal(t, "t-1", turns[0].ID)
	require.Equal(t, "t-2", turns[1].ID)
	require.Equal(t, "new question", turns[2].Content)
	require.Equal(t, "full answer", turns[3].Content)
	require.False(t, turns[3].Pending)
	require.Equal(t, StateCompleted, r.State())
}

func TestReconcileDurable_SupersedesInPlace(t *testing.T) {
	r := New("", nil)
	userTemp, assistantTemp, err := r.Submit("hello", nil)
	require.NoError(t, err)

	r.Complete("answer")
	r.ReconcileDurable("turn-user-1", "turn-assistant-1")

	turns := r.Turns()
	require.Len(t, turns, 2)
	require.Equal(t, "turn-user-1", turns[0].ID)
	require.Equal(t, "turn-assistant-1", turns[1].ID)
	require.False(t, turns[0].Temporary)
	require.False(t, turns[1].Temporary)
	require.NotEqual(t, userTemp, turns[0].ID)
	require.NotEqual(t, assistantTemp, turns[1].ID)
}

func TestReconcileDurable_KeepsTemporaryIDWhenDurableUnknown(t *testing.T) {
	r := New("", nil)
	userTemp, assistantTemp, err := r.Submit("hello", nil)
	require.NoError(t, err)

	r.Complete("answer")
	// assistant persistence failed server-side: only the user id is durable
	r.ReconcileDurable("turn-user-1", "")

	turns := r.Turns()
	require.Equal(t, "turn-user-1", turns[0].ID)
	require.Equal(t, assistantTemp, turns[1].ID)
	require.True(t, turns[1].Temporary)
	require.NotEqual(t, userTemp, turns[0].ID)
}

func TestFail_IsTerminalAndKeepsEntriesVisible(t *testing.T) {
	r := New("", nil)
	_, _, err := r.Submit("hello", nil)
	require.NoError(t, err)

	r.ApplyDelta("partial ")
	r.Fail()
	require.Equal(t, StateFailed, r.State())

	// late events after the terminal state change nothing
	r.ApplyDelta("ignored")
	r.Complete("ignored")

	turns := r.Turns()
	require.Len(t, turns, 2)
	require.Equal(t, "partial ", turns[1].Content)
	require.True(t, turns[1].Failed)
	require.False(t, turns[1].Pending)

	// a resubmission starts a fresh exchange below the failed one
	_, _, err = r.Submit("retry", nil)
	require.NoError(t, err)
	turns = r.Turns()
	require.Len(t, turns, 4)
	require.True(t, turns[1].Failed)
	require.Equal(t, "retry", turns[2].Content)
}

func TestApply_DispatchesStreamEvents(t *testing.T) {
	r := New("", nil)
	_, _, err := r.Submit("hello", nil)
	require.NoError(t, err)

	md := testMetadata()
	require.NoError(t, r.Apply(events.NewStartEvent(md)))
	require.Equal(t, StateStreaming, r.State())

	require.NoError(t, r.Apply(events.NewPartialCompletionEvent(md, "hi ", "hi ")))
	require.NoError(t, r.Apply(events.NewPartialCompletionEvent(md, "there", "hi there")))

	part, err := events.NewPartEvent(md, &chat.SourceCitationPart{URL: "https://example.com"})
	require.NoError(t, err)
	require.NoError(t, r.Apply(part))

	require.NoError(t, r.Apply(events.NewFinalEvent(md, "hi there")))
	require.Equal(t, StateCompleted, r.State())

	turns := r.Turns()
	require.Equal(t, "hi there", turns[1].Content)
	require.Len(t, turns[1].Parts, 1)
}

func TestApply_ErrorEventFailsExchange(t *testing.T) {
	r := New("", nil)
	_, _, err := r.Submit("hello", nil)
	require.NoError(t, err)

	require.NoError(t, r.Apply(events.NewErrorEvent(testMetadata(), ErrExchangeInFlight)))
	require.Equal(t, StateFailed, r.State())
}

func TestAdoptConversation(t *testing.T) {
	r := New("", nil)
	require.Equal(t, chat.ConversationID(""), r.ConversationID())

	r.AdoptConversation("conv-42")
	require.Equal(t, chat.ConversationID("conv-42"), r.ConversationID())
}
