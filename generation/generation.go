// Package generation defines the text generation service used by the response
// agent, together with provider-independent implementations.
//
// Provider adapters live in the openai and anthropic subpackages. Extractive
// answers from the supplied documents without any external service.
package generation

import (
	"context"
	"errors"
)

// Role is the author of a chat message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a chat prompt
type Message struct {
	Role    Role
	Content string
}

// Request is a generation request. Messages hold the full chat prompt; Query
// and Documents carry the raw question and context for generators that do not
// consume chat prompts.
type Request struct {
	Messages    []Message
	Query       string
	Documents   []string
	Temperature *float64
	MaxTokens   int
}

// Generator produces a completion for a request
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// GeneratorFunc is a function adapter for Generator
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

// Generate implements Generator
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// ErrEmptyCompletion is returned when a provider answers without text
var ErrEmptyCompletion = errors.New("generation: empty completion")

// NoAnswer is the reply used when the context does not contain the answer
const NoAnswer = "I don't have enough information to answer that question."

// SystemMessages returns the system turns of msgs joined by blank lines
func SystemMessages(msgs []Message) string {
	var out string
	for _, m := range msgs {
		if m.Role != RoleSystem {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += m.Content
	}
	return out
}
