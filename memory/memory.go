// Package memory stores conversation history for the response agent.
package memory

import (
	"context"
	"time"
)

// Exchange is one question and its answer
type Exchange struct {
	Query     string    `json:"query"`
	Response  string    `json:"response"`
	Sources   []string  `json:"sources,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationStore keeps exchanges per conversation
type ConversationStore interface {
	// Append records an exchange at the end of a conversation
	Append(ctx context.Context, conversationID string, ex Exchange) error
	// History returns the last limit exchanges, oldest first. A limit of zero
	// or less returns the whole conversation.
	History(ctx context.Context, conversationID string, limit int) ([]Exchange, error)
	// Clear forgets a conversation
	Clear(ctx context.Context, conversationID string) error
}
