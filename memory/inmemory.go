package memory

import (
	"context"
	"sync"
)

// InMemoryStore is a ConversationStore backed by a map
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string][]Exchange
	maxExchanges  int
}

// InMemoryOption configures an InMemoryStore
type InMemoryOption func(*InMemoryStore)

// WithMaxExchanges bounds how many exchanges are kept per conversation. Zero
// keeps everything.
func WithMaxExchanges(n int) InMemoryOption {
	return func(s *InMemoryStore) {
		s.maxExchanges = n
	}
}

// NewInMemoryStore creates an empty store
func NewInMemoryStore(options ...InMemoryOption) *InMemoryStore {
	s := &InMemoryStore{conversations: make(map[string][]Exchange)}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Append implements ConversationStore
func (s *InMemoryStore) Append(ctx context.Context, conversationID string, ex Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := append(s.conversations[conversationID], ex)
	if s.maxExchanges > 0 && len(history) > s.maxExchanges {
		history = append([]Exchange(nil), history[len(history)-s.maxExchanges:]...)
	}
	s.conversations[conversationID] = history
	return nil
}

// History implements ConversationStore
func (s *InMemoryStore) History(ctx context.Context, conversationID string, limit int) ([]Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.conversations[conversationID]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return append([]Exchange(nil), history...), nil
}

// Clear implements ConversationStore
func (s *InMemoryStore) Clear(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	delete(s.conversations, conversationID)
	s.mu.Unlock()
	return nil
}

// Conversations returns the ids of conversations with history
func (s *InMemoryStore) Conversations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	return ids
}
