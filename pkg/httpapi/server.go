package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/events"
	"github.com/go-go-golems/parley/pkg/session"
	"github.com/go-go-golems/parley/pkg/store"
	"github.com/go-go-golems/parley/pkg/store/listcache"
)

// ConversationIDHeader is the out-of-band channel through which a
// first-time caller learns the identity of its newly created conversation.
const ConversationIDHeader = "X-Conversation-Id"

type Server struct {
	coordinator *session.Coordinator
	gateway     store.Gateway
	lists       *listcache.ListCache
	extraSinks  []events.Sink
}

// NewServer builds the HTTP handler. extraSinks receive a copy of every
// stream event in addition to the per-request SSE sink (event bus taps,
// metrics collectors).
func NewServer(coordinator *session.Coordinator, gateway store.Gateway, lists *listcache.ListCache, extraSinks ...events.Sink) http.Handler {
	s := &Server{
		coordinator: coordinator,
		gateway:     gateway,
		lists:       lists,
		extraSinks:  extraSinks,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /conversations", s.handleListConversations)
	mux.HandleFunc("GET /conversations/{id}/turns", s.handleListTurns)
	mux.HandleFunc("DELETE /conversations/{id}", s.handleDeleteConversation)

	return logRequests(mux)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("handled request")
	})
}

// credentialFrom extracts the caller identity from the bearer token.
// Verifying the token against an identity provider is an external concern;
// here the verified subject arrives as the token itself.
func credentialFrom(r *http.Request) (store.Credential, bool) {
	auth := r.Header.Get("Authorization")
	subject := strings.TrimPrefix(auth, "Bearer ")
	if auth == "" || subject == auth {
		return store.Credential{}, false
	}
	return store.Credential{Subject: subject}, true
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, session.ErrEmptyHistory), errors.Is(err, session.ErrLastTurnNotUser):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusForError(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}

type messageDTO struct {
	Role    chat.Role `json:"role"`
	Content string    `json:"content"`
}

type chatRequest struct {
	ConversationID string       `json:"conversation_id,omitempty"`
	History        []messageDTO `json:"history"`
	// UIID is the caller's correlation id for the user turn.
	UIID string `json:"ui_id,omitempty"`
}

type exchangeDoneDTO struct {
	ConversationID         string `json:"conversation_id"`
	ConversationCreated    bool   `json:"conversation_created,omitempty"`
	UserTurnID             string `json:"user_turn_id"`
	AssistantTurnID        string `json:"assistant_turn_id,omitempty"`
	CorrelationID          string `json:"correlation_id,omitempty"`
	AssistantPersistFailed bool   `json:"assistant_persist_failed,omitempty"`
}

// handleChat runs one exchange, streaming events to the caller as SSE. The
// conversation identity travels in a response header, so it is known to the
// client even for a brand-new conversation.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	cred, ok := credentialFrom(r)
	if !ok {
		http.Error(w, "missing credential", http.StatusUnauthorized)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	history := make([]chat.Message, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, chat.Message{Role: m.Role, Content: m.Content})
	}

	// Precondition and authorization failures are returned synchronously,
	// before any streaming begins.
	if len(history) == 0 {
		writeError(w, session.ErrEmptyHistory)
		return
	}
	if history[len(history)-1].Role != chat.RoleUser {
		writeError(w, session.ErrLastTurnNotUser)
		return
	}

	conversationID, created, err := s.coordinator.ResolveConversation(r.Context(), cred, chat.ConversationID(req.ConversationID))
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(ConversationIDHeader, string(conversationID))
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := newSSESink(w, flusher)
	sinks := append([]events.Sink{sink}, s.extraSinks...)

	// The conversation was resolved above for the header; run on it directly
	// rather than resolving the same identity twice.
	result, err := s.coordinator.RunResolvedExchange(r.Context(), cred, conversationID, created, session.ExchangeRequest{
		History:           history,
		UserCorrelationID: req.UIID,
	}, sinks...)
	if err != nil {
		// Headers are out; the stream terminates with a distinguishable
		// error marker rather than silently truncating.
		sink.writeTerminalError(err)
		return
	}

	done := exchangeDoneDTO{
		ConversationID:         string(result.ConversationID),
		ConversationCreated:    result.ConversationCreated,
		UserTurnID:             string(result.UserTurnID),
		AssistantTurnID:        string(result.AssistantTurnID),
		AssistantPersistFailed: result.AssistantPersistFailed,
	}
	if result.Completion != nil {
		done.CorrelationID = result.Completion.ModelTurnID
	}
	sink.writeDone(done)
}

type conversationDTO struct {
	ID                   string    `json:"id"`
	Title                string    `json:"title"`
	MissingAssistantTurn bool      `json:"missing_assistant_turn,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	LastMessageAt        time.Time `json:"last_message_at"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	cred, ok := credentialFrom(r)
	if !ok {
		http.Error(w, "missing credential", http.StatusUnauthorized)
		return
	}

	conversations, err := s.lists.List(r.Context(), cred)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]conversationDTO, 0, len(conversations))
	for _, c := range conversations {
		out = append(out, conversationDTO{
			ID:                   string(c.ID),
			Title:                c.Title,
			MissingAssistantTurn: c.MissingAssistantTurn,
			CreatedAt:            c.CreatedAt,
			LastMessageAt:        c.LastMessageAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type turnDTO struct {
	ID            string          `json:"id"`
	Role          chat.Role       `json:"role"`
	Content       string          `json:"content"`
	Parts         json.RawMessage `json:"parts"`
	Pending       bool            `json:"pending"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type turnListDTO struct {
	ConversationID string `json:"conversation_id"`
	// MissingAssistantTurn reports a persistence gap: an assistant reply was
	// delivered but never made durable.
	MissingAssistantTurn bool      `json:"missing_assistant_turn,omitempty"`
	Turns                []turnDTO `json:"turns"`
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	cred, ok := credentialFrom(r)
	if !ok {
		http.Error(w, "missing credential", http.StatusUnauthorized)
		return
	}
	id := chat.ConversationID(r.PathValue("id"))

	conv, err := s.gateway.GetConversation(r.Context(), cred, id)
	if err != nil {
		writeError(w, err)
		return
	}
	turns, err := s.gateway.ListTurns(r.Context(), cred, id)
	if err != nil {
		writeError(w, err)
		return
	}

	out := turnListDTO{
		ConversationID:       string(id),
		MissingAssistantTurn: conv.MissingAssistantTurn,
		Turns:                make([]turnDTO, 0, len(turns)),
	}
	for _, t := range turns {
		parts, err := chat.MarshalParts(t.Parts)
		if err != nil {
			writeError(w, err)
			return
		}
		out.Turns = append(out.Turns, turnDTO{
			ID:            string(t.ID),
			Role:          t.Role,
			Content:       t.Content,
			Parts:         parts,
			CorrelationID: t.CorrelationID,
			CreatedAt:     t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	cred, ok := credentialFrom(r)
	if !ok {
		http.Error(w, "missing credential", http.StatusUnauthorized)
		return
	}
	id := chat.ConversationID(r.PathValue("id"))

	if err := s.gateway.DeleteConversation(r.Context(), cred, id); err != nil {
		writeError(w, err)
		return
	}
	s.lists.Invalidate(cred.Subject)
	w.WriteHeader(http.StatusNoContent)
}
