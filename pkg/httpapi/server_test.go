package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/engine"
	"github.com/go-go-golems/parley/pkg/engine/fake"
	"github.com/go-go-golems/parley/pkg/session"
	"github.com/go-go-golems/parley/pkg/store"
	"github.com/go-go-golems/parley/pkg/store/listcache"
	"github.com/go-go-golems/parley/pkg/store/memstore"
)

var alice = store.Credential{Subject: "alice"}

func newTestServer(t *testing.T, chatEngine engine.Engine) (http.Handler, *memstore.Store) {
	t.Helper()
	gw := memstore.New()
	lists := listcache.New(gw)
	recorder := session.NewRecorder(gw, session.WithRetryPolicy(1, time.Millisecond))
	titles := session.NewTitleGenerator(
		&fake.Engine{Chunks: []string{"Generated title"}, FailAfter: -1},
		gw, lists)
	coordinator := session.NewCoordinator(gw, chatEngine, recorder, titles,
		session.WithListInvalidator(lists),
		session.WithScheduler(func(task func()) { task() }))
	return NewServer(coordinator, gw, lists), gw
}

func doChat(t *testing.T, handler http.Handler, bearer string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// sseEvents parses a recorded SSE body into (event name, raw data) pairs.
func sseEvents(t *testing.T, body string) [][2]string {
	t.Helper()
	var out [][2]string
	var name string
	for _, line := range strings.Split(body, "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			out = append(out, [2]string{name, strings.TrimPrefix(line, "data: ")})
		}
	}
	return out
}

func eventNames(evs [][2]string) []string {
	names := make([]string, 0, len(evs))
	for _, e := range evs {
		names = append(names, e[0])
	}
	return names
}

func TestChat_NewConversation(t *testing.T) {
	chatEngine := &fake.Engine{
		Chunks:      []string{"hello ", "there"},
		FailAfter:   -1,
		ModelTurnID: "model-1",
	}
	handler, gw := newTestServer(t, chatEngine)

	rec := doChat(t, handler, "alice", `{"history":[{"role":"user","content":"hi"}],"ui_id":"ui-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	conversationID := rec.Header().Get(ConversationIDHeader)
	require.NotEmpty(t, conversationID)

	evs := sseEvents(t, rec.Body.String())
	names := eventNames(evs)
	require.Equal(t, []string{"start", "partial", "partial", "final", "done"}, names)

	var done exchangeDoneDTO
	require.NoError(t, json.Unmarshal([]byte(evs[len(evs)-1][1]), &done))
	require.Equal(t, conversationID, done.ConversationID)
	require.True(t, done.ConversationCreated)
	require.NotEmpty(t, done.UserTurnID)
	require.NotEmpty(t, done.AssistantTurnID)
	require.Equal(t, "model-1", done.CorrelationID)
	require.False(t, done.AssistantPersistFailed)

	// both turns durable, title generated synchronously in this wiring
	ctx := context.Background()
	turns, err := gw.ListTurns(ctx, alice, chat.ConversationID(conversationID))
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, "ui-1", turns[0].CorrelationID)
	require.Equal(t, "hello there", turns[1].Content)

	conv, err := gw.GetConversation(ctx, alice, chat.ConversationID(conversationID))
	require.NoError(t, err)
	require.Equal(t, "Generated title", conv.Title)
}

func TestChat_RequiresCredential(t *testing.T) {
	handler, _ := newTestServer(t, fake.NewEchoEngine())
	rec := doChat(t, handler, "", `{"history":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChat_PreconditionsRejectedBeforeStreaming(t *testing.T) {
	handler, _ := newTestServer(t, fake.NewEchoEngine())

	rec := doChat(t, handler, "alice", `{"history":[]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doChat(t, handler, "alice", `{"history":[{"role":"assistant","content":"hi"}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doChat(t, handler, "alice", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChat_UnknownConversationIs404(t *testing.T) {
	handler, _ := newTestServer(t, fake.NewEchoEngine())
	rec := doChat(t, handler, "alice", `{"conversation_id":"nope","history":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChat_ForeignConversationIs403(t *testing.T) {
	handler, gw := newTestServer(t, fake.NewEchoEngine())
	id, err := gw.CreateConversation(context.Background(), alice, session.FallbackTitle)
	require.NoError(t, err)

	rec := doChat(t, handler, "bob", `{"conversation_id":"`+string(id)+`","history":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestChat_StreamErrorEmitsTerminalMarker(t *testing.T) {
	chatEngine := &fake.Engine{
		Chunks:    []string{"partial "},
		FailAfter: 1,
		Err:       context.DeadlineExceeded,
	}
	handler, gw := newTestServer(t, chatEngine)

	rec := doChat(t, handler, "alice", `{"history":[{"role":"user","content":"hi"}]}`)
	// headers were already out when the stream broke
	require.Equal(t, http.StatusOK, rec.Code)

	names := eventNames(sseEvents(t, rec.Body.String()))
	require.Equal(t, "exchange-error", names[len(names)-1])
	require.NotContains(t, names, "done")

	// the user turn survives the failed stream
	conversationID := rec.Header().Get(ConversationIDHeader)
	turns, err := gw.ListTurns(context.Background(), alice, chat.ConversationID(conversationID))
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Equal(t, chat.RoleUser, turns[0].Role)
}

func TestListTurns_ReportsPersistenceGap(t *testing.T) {
	handler, gw := newTestServer(t, fake.NewEchoEngine())
	ctx := context.Background()

	id, err := gw.CreateConversation(ctx, alice, session.FallbackTitle)
	require.NoError(t, err)
	_, err = gw.AppendTurn(ctx, alice, store.AppendTurn{
		ConversationID: id, Role: chat.RoleUser, Content: "hi", CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, gw.MarkTurnGap(ctx, alice, id))

	req := httptest.NewRequest(http.MethodGet, "/conversations/"+string(id)+"/turns", nil)
	req.Header.Set("Authorization", "Bearer alice")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out turnListDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.True(t, out.MissingAssistantTurn)
	require.Len(t, out.Turns, 1)
	require.Equal(t, chat.RoleUser, out.Turns[0].Role)
}

func TestDeleteConversation_InvalidatesList(t *testing.T) {
	handler, gw := newTestServer(t, fake.NewEchoEngine())
	ctx := context.Background()

	id, err := gw.CreateConversation(ctx, alice, session.FallbackTitle)
	require.NoError(t, err)

	// prime the list snapshot
	listReq := httptest.NewRequest(http.MethodGet, "/conversations", nil)
	listReq.Header.Set("Authorization", "Bearer alice")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, listReq)
	require.Equal(t, http.StatusOK, rec.Code)

	var conversations []conversationDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conversations))
	require.Len(t, conversations, 1)

	delReq := httptest.NewRequest(http.MethodDelete, "/conversations/"+string(id), nil)
	delReq.Header.Set("Authorization", "Bearer alice")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, delReq)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversations", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	listReq = httptest.NewRequest(http.MethodGet, "/conversations", nil)
	listReq.Header.Set("Authorization", "Bearer alice")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, listReq)
	require.Equal(t, http.StatusOK, rec.Code)
	conversations = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conversations))
	require.Empty(t, conversations)
}
