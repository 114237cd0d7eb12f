package listcache

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/store"
)

// Invalidator is the slice of the cache the orchestration core needs: after
// a title update or a new conversation, the caller's conversation-list view
// must be refreshed.
type Invalidator interface {
	Invalidate(subject string)
}

// ListCache memoizes per-caller conversation list snapshots in front of a
// Gateway. It exists so the conversation sidebar does not hit the store on
// every render; title generation and conversation creation invalidate it.
type ListCache struct {
	gateway store.Gateway

	mu        sync.Mutex
	snapshots map[string][]*chat.Conversation
}

func New(gateway store.Gateway) *ListCache {
	return &ListCache{
		gateway:   gateway,
		snapshots: make(map[string][]*chat.Conversation),
	}
}

// List returns the cached snapshot for the credential's subject, fetching
// from the gateway on a miss.
func (c *ListCache) List(ctx context.Context, cred store.Credential) ([]*chat.Conversation, error) {
	c.mu.Lock()
	if snap, ok := c.snapshots[cred.Subject]; ok {
		c.mu.Unlock()
		return snap, nil
	}
	c.mu.Unlock()

	conversations, err := c.gateway.ListConversations(ctx, cred)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.snapshots[cred.Subject] = conversations
	c.mu.Unlock()
	return conversations, nil
}

func (c *ListCache) Invalidate(subject string) {
	c.mu.Lock()
	delete(c.snapshots, subject)
	c.mu.Unlock()
	log.Trace().Str("subject", subject).Msg("invalidated conversation list snapshot")
}

var _ Invalidator = (*ListCache)(nil)

// NopInvalidator is used where no list view exists (tests, CLI one-shots).
type NopInvalidator struct{}

func (NopInvalidator) Invalidate(string) {}

var _ Invalidator = NopInvalidator{}
