package messaging

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/glimte/agentbus/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock handler
type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
	args := m.Called(ctx, msg)
	reply, _ := args.Get(0).(*contracts.Message)
	return reply, args.Error(1)
}

func newTestMessage(t *testing.T, messageType contracts.MessageType) *contracts.Message {
	t.Helper()
	msg, err := contracts.NewMessage(messageType, "sender", "receiver")
	require.NoError(t, err)
	return msg
}

func TestRouter(t *testing.T) {
	t.Run("NewRouter creates router with defaults", func(t *testing.T) {
		router := NewRouter()

		assert.NotNil(t, router.handlers)
		assert.NotNil(t, router.logger)
		assert.Empty(t, router.middleware)
		assert.Nil(t, router.defaultHandler)
	})

	t.Run("NewRouter applies options", func(t *testing.T) {
		logger := slog.Default()
		middleware := func(ctx context.Context, msg *contracts.Message, next Handler) (*contracts.Message, error) {
			return next.Handle(ctx, msg)
		}

		router := NewRouter(WithRouterLogger(logger), WithMiddleware(middleware))

		assert.Equal(t, logger, router.logger)
		assert.Len(t, router.middleware, 1)
	})

	t.Run("Register rejects empty type and nil handler", func(t *testing.T) {
		router := NewRouter()

		assert.Error(t, router.Register("", &mockHandler{}))
		assert.Error(t, router.Register(contracts.Ping, nil))
	})

	t.Run("Dispatch calls the registered handler", func(t *testing.T) {
		router := NewRouter()
		handler := &mockHandler{}
		msg := newTestMessage(t, contracts.RetrievalRequest)
		expected := msg.Reply()
		handler.On("Handle", mock.Anything, msg).Return(expected, nil)

		require.NoError(t, router.Register(contracts.RetrievalRequest, handler))
		reply := router.Dispatch(context.Background(), msg)

		assert.Same(t, expected, reply)
		handler.AssertExpectations(t)
	})

	t.Run("latest registration wins", func(t *testing.T) {
		router := NewRouter()
		var called string
		router.RegisterFunc(contracts.Ping, func(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
			called = "first"
			return nil, nil
		})
		router.RegisterFunc("ping", func(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
			called = "second"
			return nil, nil
		})

		router.Dispatch(context.Background(), newTestMessage(t, contracts.Ping))

		assert.Equal(t, "second", called)
		assert.Equal(t, []contracts.MessageType{contracts.Ping}, router.RegisteredTypes())
	})

	t.Run("Dispatch falls back to the default handler", func(t *testing.T) {
		router := NewRouter()
		router.RegisterDefault(HandlerFunc(func(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
			return msg.Reply(contracts.WithReplyPayload(map[string]any{"handled_by": "default"})), nil
		}))

		reply := router.Dispatch(context.Background(), newTestMessage(t, "SOMETHING_ELSE"))

		require.NotNil(t, reply)
		assert.Equal(t, "default", reply.Payload["handled_by"])
	})

	t.Run("Dispatch without any handler returns nil", func(t *testing.T) {
		router := NewRouter()

		assert.Nil(t, router.Dispatch(context.Background(), newTestMessage(t, contracts.ToolExecute)))
	})

	t.Run("handler error becomes an ERROR reply", func(t *testing.T) {
		router := NewRouter()
		router.RegisterFunc(contracts.LLMRequest, func(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
			return nil, errors.New("model unavailable")
		})
		msg := newTestMessage(t, contracts.LLMRequest)

		reply := router.Dispatch(context.Background(), msg)

		require.NotNil(t, reply)
		assert.Equal(t, contracts.Error, reply.Type)
		assert.Equal(t, msg.TraceID, reply.TraceID)
		assert.Equal(t, msg.Sender, reply.Receiver)
		assert.Equal(t, "error", reply.Payload["status"])
		assert.Equal(t, "model unavailable", reply.Payload["error"])
		assert.Equal(t, contracts.ErrorTypeHandlerFailure, reply.Payload["error_type"])
		assert.Equal(t, "LLM_REQUEST", reply.Payload["original_message_type"])
		assert.Equal(t, msg.TraceID, reply.Payload["trace_id"])
	})

	t.Run("handler panic becomes an ERROR reply", func(t *testing.T) {
		router := NewRouter()
		router.RegisterFunc(contracts.ToolExecute, func(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
			panic("tool exploded")
		})

		reply := router.Dispatch(context.Background(), newTestMessage(t, contracts.ToolExecute))

		require.NotNil(t, reply)
		assert.True(t, reply.IsError())
		assert.Contains(t, reply.Payload["error"], "tool exploded")
		assert.Equal(t, contracts.ErrorTypeHandlerFailure, reply.Payload["error_type"])
	})

	t.Run("failure hooks observe converted errors", func(t *testing.T) {
		var observed error
		router := NewRouter(WithFailureHook(func(ctx context.Context, msg *contracts.Message, err error) {
			observed = err
		}))
		router.RegisterFunc(contracts.Ping, func(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
			return nil, &contracts.PayloadError{Field: "x", Reason: "bad"}
		})

		reply := router.Dispatch(context.Background(), newTestMessage(t, contracts.Ping))

		assert.ErrorIs(t, observed, contracts.ErrInvalidPayload)
		assert.Equal(t, contracts.ErrorTypeInvalidPayload, reply.Payload["error_type"])
	})

	t.Run("middleware runs in registration order", func(t *testing.T) {
		var order []string
		record := func(name string) MiddlewareFunc {
			return func(ctx context.Context, msg *contracts.Message, next Handler) (*contracts.Message, error) {
				order = append(order, name+":before")
				reply, err := next.Handle(ctx, msg)
				order = append(order, name+":after")
				return reply, err
			}
		}
		router := NewRouter(WithMiddleware(record("outer")))
		router.Use(record("inner"))
		router.RegisterFunc(contracts.Ping, func(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
			order = append(order, "handler")
			return nil, nil
		})

		router.Dispatch(context.Background(), newTestMessage(t, contracts.Ping))

		assert.Equal(t, []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}, order)
	})

	t.Run("Unregister removes the handler", func(t *testing.T) {
		router := NewRouter()
		router.RegisterFunc(contracts.Ping, func(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
			return msg.Reply(), nil
		})

		assert.True(t, router.HasHandler(contracts.Ping))
		assert.True(t, router.Unregister(contracts.Ping))
		assert.False(t, router.Unregister(contracts.Ping))
		assert.Nil(t, router.Dispatch(context.Background(), newTestMessage(t, contracts.Ping)))
	})
}
