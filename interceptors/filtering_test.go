package interceptors

import (
	"context"
	"errors"
	"testing"

	"github.com/glimte/agentbus/contracts"
	"github.com/glimte/agentbus/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	always = Match(func(ctx context.Context, msg *contracts.Message) (bool, error) { return true, nil })
	never  = Match(func(ctx context.Context, msg *contracts.Message) (bool, error) { return false, nil })
	broken = Match(func(ctx context.Context, msg *contracts.Message) (bool, error) { return false, errors.New("lookup failed") })
)

func TestGuard(t *testing.T) {
	ctx := context.Background()

	t.Run("passes matching messages to the handler", func(t *testing.T) {
		msg := newTestMessage(t, contracts.UserQuery)
		handler := new(mockHandler)
		handler.On("Handle", mock.Anything, msg).Return(msg.Reply(), nil)

		reply, err := NewGuard(always, Reject).Intercept(ctx, msg, handler)

		require.NoError(t, err)
		assert.NotNil(t, reply)
		handler.AssertExpectations(t)
	})

	t.Run("drops other messages without a reply", func(t *testing.T) {
		handler := new(mockHandler)

		for _, rejection := range []Rejection{Drop, DropAndLog} {
			reply, err := NewGuard(never, rejection).Intercept(ctx, newTestMessage(t, contracts.UserQuery), handler)

			assert.NoError(t, err)
			assert.Nil(t, reply)
		}
		handler.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
	})

	t.Run("Reject fails as an invalid message", func(t *testing.T) {
		_, err := NewGuard(never, Reject).Intercept(ctx, newTestMessage(t, contracts.LLMRequest), new(mockHandler))

		assert.ErrorIs(t, err, contracts.ErrInvalidMessage)
		assert.Contains(t, err.Error(), "LLM_REQUEST from sender not accepted")
	})

	t.Run("match errors become handler failures", func(t *testing.T) {
		_, err := NewGuard(broken, Drop).Intercept(ctx, newTestMessage(t, contracts.UserQuery), new(mockHandler))

		assert.ErrorIs(t, err, contracts.ErrHandlerFailure)
		assert.Contains(t, err.Error(), "lookup failed")
	})

	t.Run("a rejected message reaches the caller as an ERROR reply", func(t *testing.T) {
		guard := NewGuard(SenderIn("coordinator"), Reject)
		router := messaging.NewRouter(messaging.WithMiddleware(Middleware(guard)))
		called := false
		require.NoError(t, router.RegisterFunc(contracts.LLMRequest, func(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
			called = true
			return msg.Reply(), nil
		}))

		reply := router.Dispatch(ctx, newTestMessage(t, contracts.LLMRequest))

		require.NotNil(t, reply)
		assert.True(t, reply.IsError())
		assert.Equal(t, contracts.ErrorTypeInvalidMessage, reply.Payload["error_type"])
		assert.False(t, called)
	})
}

func TestMatch(t *testing.T) {
	ctx := context.Background()
	query := newTestMessage(t, contracts.UserQuery)

	tests := []struct {
		name  string
		match Match
		want  bool
	}{
		{"TypeIn listed", TypeIn(contracts.Ping, contracts.UserQuery), true},
		{"TypeIn unlisted", TypeIn(contracts.LLMRequest), false},
		{"SenderIn listed", SenderIn("sender"), true},
		{"SenderIn unlisted", SenderIn("coordinator"), false},
		{"KnownType", KnownType(), true},
		{"HasPayload present", HasPayload("query"), true},
		{"HasPayload missing", HasPayload("query", "top_k"), false},
		{"All", All(always, TypeIn(contracts.UserQuery)), true},
		{"All with a miss", All(always, never), false},
		{"Any", Any(never, always), true},
		{"Any without a hit", Any(never, never), false},
		{"Not", Not(never), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.match(ctx, query)

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("KnownType rejects extension types", func(t *testing.T) {
		ok, err := KnownType()(ctx, newTestMessage(t, contracts.MessageType("CUSTOM_EVENT")))

		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("combinators propagate errors", func(t *testing.T) {
		for _, m := range []Match{All(always, broken), Any(never, broken), Not(broken)} {
			ok, err := m(ctx, query)

			assert.Error(t, err)
			assert.False(t, ok)
		}
	})
}

func TestWhen(t *testing.T) {
	t.Run("applies the interceptor only to matching messages", func(t *testing.T) {
		applied := 0
		inner := NewInterceptorFunc("counter", func(ctx context.Context, msg *contracts.Message, next messaging.Handler) (*contracts.Message, error) {
			applied++
			return next.Handle(ctx, msg)
		})
		interceptor := NewWhen(TypeIn(contracts.LLMRequest), inner)
		final := messaging.HandlerFunc(func(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
			return nil, nil
		})

		_, err := interceptor.Intercept(context.Background(), newTestMessage(t, contracts.UserQuery), final)
		require.NoError(t, err)
		_, err = interceptor.Intercept(context.Background(), newTestMessage(t, contracts.LLMRequest), final)
		require.NoError(t, err)

		assert.Equal(t, 1, applied)
		assert.Equal(t, "When[counter]", interceptor.Name())
	})

	t.Run("fails when the condition errors", func(t *testing.T) {
		inner := NewInterceptorFunc("noop", func(ctx context.Context, msg *contracts.Message, next messaging.Handler) (*contracts.Message, error) {
			return next.Handle(ctx, msg)
		})

		_, err := NewWhen(broken, inner).Intercept(context.Background(), newTestMessage(t, contracts.UserQuery), new(mockHandler))

		assert.ErrorIs(t, err, contracts.ErrHandlerFailure)
	})
}
