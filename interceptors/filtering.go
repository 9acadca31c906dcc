package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/glimte/agentbus/contracts"
	"github.com/glimte/agentbus/messaging"
)

// Match reports whether a message qualifies for an interceptor
type Match func(ctx context.Context, msg *contracts.Message) (bool, error)

// TypeIn matches messages of the listed types
func TypeIn(types ...contracts.MessageType) Match {
	return func(ctx context.Context, msg *contracts.Message) (bool, error) {
		return slices.Contains(types, msg.Type), nil
	}
}

// SenderIn matches messages sent by one of ids
func SenderIn(ids ...string) Match {
	return func(ctx context.Context, msg *contracts.Message) (bool, error) {
		return slices.Contains(ids, msg.Sender), nil
	}
}

// KnownType matches messages whose type is part of the enumeration
func KnownType() Match {
	return func(ctx context.Context, msg *contracts.Message) (bool, error) {
		return msg.Type.IsKnown(), nil
	}
}

// HasPayload matches messages carrying every listed payload key
func HasPayload(keys ...string) Match {
	return func(ctx context.Context, msg *contracts.Message) (bool, error) {
		for _, k := range keys {
			if _, ok := msg.Payload[k]; !ok {
				return false, nil
			}
		}
		return true, nil
	}
}

// All matches when every m matches. It stops at the first miss or error.
func All(ms ...Match) Match {
	return func(ctx context.Context, msg *contracts.Message) (bool, error) {
		for _, m := range ms {
			ok, err := m(ctx, msg)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
}

// Any matches when at least one m matches
func Any(ms ...Match) Match {
	return func(ctx context.Context, msg *contracts.Message) (bool, error) {
		for _, m := range ms {
			ok, err := m(ctx, msg)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
}

// Not inverts m
func Not(m Match) Match {
	return func(ctx context.Context, msg *contracts.Message) (bool, error) {
		ok, err := m(ctx, msg)
		return !ok && err == nil, err
	}
}

// Rejection decides what a Guard does with a message that does not match
type Rejection int

const (
	// Drop returns no reply, as if no handler were registered
	Drop Rejection = iota
	// DropAndLog drops the message and logs it at warn level
	DropAndLog
	// Reject fails with ErrInvalidMessage, which the router turns into an ERROR reply
	Reject
)

// Guard lets only matching messages reach the handler
type Guard struct {
	match     Match
	rejection Rejection
	logger    *slog.Logger
}

// NewGuard creates a guard
func NewGuard(match Match, rejection Rejection) *Guard {
	return &Guard{
		match:     match,
		rejection: rejection,
		logger:    slog.Default(),
	}
}

// WithLogger sets the logger used by DropAndLog
func (g *Guard) WithLogger(logger *slog.Logger) *Guard {
	g.logger = logger
	return g
}

// Intercept implements Interceptor
func (g *Guard) Intercept(ctx context.Context, msg *contracts.Message, next messaging.Handler) (*contracts.Message, error) {
	ok, err := g.match(ctx, msg)
	if err != nil {
		return nil, &contracts.HandlerError{MessageType: msg.Type, Err: fmt.Errorf("guard: %w", err)}
	}
	if ok {
		return next.Handle(ctx, msg)
	}

	switch g.rejection {
	case Reject:
		return nil, fmt.Errorf("%w: %s from %s not accepted", contracts.ErrInvalidMessage, msg.Type, msg.Sender)
	case DropAndLog:
		g.logger.Warn("message dropped by guard",
			"messageId", msg.ID,
			"messageType", msg.Type,
			"sender", msg.Sender,
			"traceId", msg.TraceID,
		)
	}
	return nil, nil
}

// Name implements Interceptor
func (g *Guard) Name() string {
	return "Guard"
}

// When applies an interceptor only to matching messages. Others go straight
// to the next handler.
type When struct {
	match       Match
	interceptor Interceptor
}

// NewWhen creates a conditional interceptor
func NewWhen(match Match, interceptor Interceptor) *When {
	return &When{match: match, interceptor: interceptor}
}

// Intercept implements Interceptor
func (w *When) Intercept(ctx context.Context, msg *contracts.Message, next messaging.Handler) (*contracts.Message, error) {
	ok, err := w.match(ctx, msg)
	if err != nil {
		return nil, &contracts.HandlerError{MessageType: msg.Type, Err: fmt.Errorf("condition: %w", err)}
	}
	if !ok {
		return next.Handle(ctx, msg)
	}
	return w.interceptor.Intercept(ctx, msg, next)
}

// Name implements Interceptor
func (w *When) Name() string {
	return "When[" + w.interceptor.Name() + "]"
}
