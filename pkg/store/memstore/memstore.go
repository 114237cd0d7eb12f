package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/store"
)

// Store is an in-memory Gateway, used by tests and the local demo binary.
type Store struct {
	mu            sync.RWMutex
	conversations map[chat.ConversationID]*chat.Conversation
	turns         map[chat.ConversationID][]*chat.Turn
	now           func() time.Time
}

func New() *Store {
	return &Store{
		conversations: make(map[chat.ConversationID]*chat.Conversation),
		turns:         make(map[chat.ConversationID][]*chat.Turn),
		now:           time.Now,
	}
}

// WithClock overrides the store's clock. Tests use this to get
// deterministic timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) CreateConversation(_ context.Context, cred store.Credential, title string) (chat.ConversationID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	conv := &chat.Conversation{
		ID:            chat.ConversationID(uuid.NewString()),
		OwnerID:       cred.Subject,
		Title:         title,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	s.conversations[conv.ID] = conv
	return conv.ID, nil
}

// authorized returns the conversation if cred owns it. Callers must hold the
// lock.
func (s *Store) authorized(cred store.Credential, id chat.ConversationID) (*chat.Conversation, error) {
	conv, ok := s.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if conv.OwnerID != cred.Subject {
		return nil, store.ErrUnauthorized
	}
	return conv, nil
}

func (s *Store) GetConversation(_ context.Context, cred store.Credential, id chat.ConversationID) (*chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, err := s.authorized(cred, id)
	if err != nil {
		return nil, err
	}
	cp := *conv
	return &cp, nil
}

func (s *Store) ListConversations(_ context.Context, cred store.Credential) ([]*chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*chat.Conversation
	for _, conv := range s.conversations {
		if conv.OwnerID == cred.Subject {
			cp := *conv
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastMessageAt.After(result[j].LastMessageAt)
	})
	return result, nil
}

func (s *Store) DeleteConversation(_ context.Context, cred store.Credential, id chat.ConversationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.authorized(cred, id); err != nil {
		return err
	}
	delete(s.conversations, id)
	delete(s.turns, id)
	return nil
}

func (s *Store) AppendTurn(_ context.Context, cred store.Credential, rec store.AppendTurn) (chat.TurnID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.authorized(cred, rec.ConversationID)
	if err != nil {
		return "", err
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	turn := &chat.Turn{
		ID:             chat.TurnID(uuid.NewString()),
		ConversationID: rec.ConversationID,
		Role:           rec.Role,
		Content:        rec.Content,
		Parts:          rec.Parts,
		CorrelationID:  rec.CorrelationID,
		CreatedAt:      createdAt,
	}
	s.turns[rec.ConversationID] = append(s.turns[rec.ConversationID], turn)
	conv.LastMessageAt = createdAt
	return turn.ID, nil
}

func (s *Store) ListTurns(_ context.Context, cred store.Credential, id chat.ConversationID) ([]*chat.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.authorized(cred, id); err != nil {
		return nil, err
	}
	turns := s.turns[id]
	result := make([]*chat.Turn, 0, len(turns))
	for _, t := range turns {
		cp := *t
		result = append(result, &cp)
	}
	return result, nil
}

func (s *Store) CountTurns(_ context.Context, cred store.Credential, id chat.ConversationID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.authorized(cred, id); err != nil {
		return 0, err
	}
	return len(s.turns[id]), nil
}

func (s *Store) UpdateTitle(_ context.Context, cred store.Credential, id chat.ConversationID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.authorized(cred, id)
	if err != nil {
		return err
	}
	conv.Title = title
	return nil
}

func (s *Store) MarkTurnGap(_ context.Context, cred store.Credential, id chat.ConversationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.authorized(cred, id)
	if err != nil {
		return err
	}
	conv.MissingAssistantTurn = true
	return nil
}

var _ store.Gateway = (*Store)(nil)
