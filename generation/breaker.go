package generation

import (
	"context"

	"github.com/glimte/agentbus/internal/reliability"
)

// Breaker guards a generator with a circuit breaker so that a failing provider
// is not called on every request
type Breaker struct {
	next Generator
	cb   *reliability.CircuitBreaker
}

// WithBreaker wraps next with cb
func WithBreaker(next Generator, cb *reliability.CircuitBreaker) *Breaker {
	return &Breaker{next: next, cb: cb}
}

// Generate implements Generator
func (b *Breaker) Generate(ctx context.Context, req Request) (string, error) {
	var out string
	err := b.cb.Execute(ctx, func() error {
		var err error
		out, err = b.next.Generate(ctx, req)
		return err
	})
	return out, err
}

// State reports the breaker state
func (b *Breaker) State() reliability.State {
	return b.cb.State()
}
