package interceptors

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/glimte/agentbus/contracts"
	"github.com/glimte/agentbus/internal/reliability"
	"github.com/glimte/agentbus/messaging"
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

// Mock interfaces for testing
type mockMetricsCollector struct {
	mock.Mock
}

func (m *mockMetricsCollector) IncrementMessageCount(messageType string) {
	m.Called(messageType)
}

func (m *mockMetricsCollector) RecordProcessingTime(messageType string, duration time.Duration) {
	m.Called(messageType, duration)
}

func (m *mockMetricsCollector) IncrementErrorCount(messageType string, errorType string) {
	m.Called(messageType, errorType)
}

func newTestMessage(t *testing.T, messageType contracts.MessageType) *contracts.Message {
	t.Helper()
	msg, err := contracts.NewMessage(messageType, "sender", "receiver",
		contracts.WithPayload(map[string]any{"query": "hello"}))
	require.NoError(t, err)
	return msg
}

func TestChain(t *testing.T) {
	t.Run("an empty chain calls the handler", func(t *testing.T) {
		handler := &mockHandler{}
		msg := newTestMessage(t, contracts.UserQuery)
		reply := msg.Reply()
		handler.On("Handle", mock.Anything, msg).Return(reply, nil)

		got, err := Chain(nil).Execute(context.Background(), msg, handler)

		assert.NoError(t, err)
		assert.Same(t, reply, got)
		handler.AssertExpectations(t)
	})

	t.Run("Execute runs interceptors in order", func(t *testing.T) {
		var order []string
		record := func(name string) Interceptor {
			return NewInterceptorFunc(name, func(ctx context.Context, msg *contracts.Message, next messaging.Handler) (*contracts.Message, error) {
				order = append(order, name+":before")
				reply, err := next.Handle(ctx, msg)
				order = append(order, name+":after")
				return reply, err
			})
		}
		chain := NewChainBuilder(nil).With(record("first")).With(record("second")).Build()
		final := messaging.HandlerFunc(func(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
			order = append(order, "handler")
			return nil, nil
		})

		_, err := chain.Execute(context.Background(), newTestMessage(t, contracts.UserQuery), final)

		require.NoError(t, err)
		assert.Equal(t, []string{"first:before", "second:before", "handler", "second:after", "first:after"}, order)
		assert.Equal(t, []string{"first", "second"}, chain.Names())
	})

	t.Run("Middleware installs the chain on a router", func(t *testing.T) {
		collector := &mockMetricsCollector{}
		collector.On("IncrementMessageCount", "USER_QUERY").Return()
		collector.On("RecordProcessingTime", "USER_QUERY", mock.AnythingOfType("time.Duration")).Return()

		chain := NewChainBuilder(nil).WithLogging().WithMetrics(collector).WithPayloadRules(PipelineRules).Build()
		router := messaging.NewRouter(messaging.WithMiddleware(chain.Middleware()...))
		require.NoError(t, router.RegisterFunc(contracts.UserQuery, func(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
			return msg.Reply(), nil
		}))

		reply := router.Dispatch(context.Background(), newTestMessage(t, contracts.UserQuery))

		require.NotNil(t, reply)
		assert.Equal(t, contracts.UserQueryResponse, reply.Type)
		assert.Equal(t, []string{"Logging", "Metrics", "PayloadRules"}, chain.Names())
		collector.AssertExpectations(t)
	})
}

func TestLogging(t *testing.T) {
	t.Run("logs caller faults at warn and other failures at error", func(t *testing.T) {
		var buf bytes.Buffer
		logging := NewLogging(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
		ctx := context.Background()

		bad := &mockHandler{}
		bad.On("Handle", mock.Anything, mock.Anything).Return(nil, &contracts.PayloadError{Field: "query", Reason: "is required"})
		_, err := logging.Intercept(ctx, newTestMessage(t, contracts.UserQuery), bad)
		require.Error(t, err)
		assert.Contains(t, buf.String(), "level=WARN")
		assert.Contains(t, buf.String(), "errorType=InvalidPayload")

		buf.Reset()
		broken := &mockHandler{}
		broken.On("Handle", mock.Anything, mock.Anything).Return(nil, errors.New("boom"))
		_, err = logging.Intercept(ctx, newTestMessage(t, contracts.UserQuery), broken)
		require.Error(t, err)
		assert.Contains(t, buf.String(), "level=ERROR")
		assert.Contains(t, buf.String(), "errorType=HandlerFailure")
	})

	t.Run("records the reply on success", func(t *testing.T) {
		var buf bytes.Buffer
		msg := newTestMessage(t, contracts.Ping)
		handler := &mockHandler{}
		handler.On("Handle", mock.Anything, msg).Return(msg.Reply(), nil)

		_, err := NewLogging(slog.New(slog.NewTextHandler(&buf, nil))).Intercept(context.Background(), msg, handler)

		require.NoError(t, err)
		assert.Contains(t, buf.String(), "message handled")
		assert.Contains(t, buf.String(), "replied=true")
	})
}

func TestMetrics(t *testing.T) {
	t.Run("counts errors under their error type", func(t *testing.T) {
		collector := &mockMetricsCollector{}
		collector.On("IncrementMessageCount", "RETRIEVAL_REQUEST").Return()
		collector.On("RecordProcessingTime", "RETRIEVAL_REQUEST", mock.AnythingOfType("time.Duration")).Return()
		collector.On("IncrementErrorCount", "RETRIEVAL_REQUEST", contracts.ErrorTypeInvalidPayload).Return()

		handler := &mockHandler{}
		handler.On("Handle", mock.Anything, mock.Anything).Return(nil, &contracts.PayloadError{Field: "query", Reason: "is required"})

		_, err := NewMetrics(collector).Intercept(context.Background(), newTestMessage(t, contracts.RetrievalRequest), handler)

		assert.ErrorIs(t, err, contracts.ErrInvalidPayload)
		collector.AssertExpectations(t)
	})
}

func TestPayloadRules(t *testing.T) {
	t.Run("rejects messages missing a required key", func(t *testing.T) {
		handler := &mockHandler{}
		rules := PayloadRules{contracts.RetrievalRequest: {"query", "top_k"}}

		_, err := rules.Intercept(context.Background(), newTestMessage(t, contracts.RetrievalRequest), handler)

		assert.ErrorIs(t, err, contracts.ErrInvalidPayload)
		assert.Contains(t, err.Error(), "top_k is required for RETRIEVAL_REQUEST")
		handler.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
	})

	t.Run("passes complete messages and types without a rule", func(t *testing.T) {
		handler := &mockHandler{}
		handler.On("Handle", mock.Anything, mock.Anything).Return(nil, nil)
		rules := PayloadRules{contracts.RetrievalRequest: {"query"}}

		_, err := rules.Intercept(context.Background(), newTestMessage(t, contracts.RetrievalRequest), handler)
		require.NoError(t, err)
		_, err = rules.Intercept(context.Background(), newTestMessage(t, contracts.Ping), handler)
		require.NoError(t, err)

		handler.AssertNumberOfCalls(t, "Handle", 2)
	})
}

func TestTimeout(t *testing.T) {
	t.Run("returns the handler result when it is fast enough", func(t *testing.T) {
		msg := newTestMessage(t, contracts.UserQuery)
		handler := &mockHandler{}
		handler.On("Handle", mock.Anything, msg).Return(msg.Reply(), nil)

		reply, err := NewTimeout(time.Second).Intercept(context.Background(), msg, handler)

		require.NoError(t, err)
		assert.Equal(t, contracts.UserQueryResponse, reply.Type)
	})

	t.Run("fails with a timeout when the handler is slow", func(t *testing.T) {
		slow := messaging.HandlerFunc(func(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
			<-ctx.Done()
			time.Sleep(20 * time.Millisecond)
			return msg.Reply(), nil
		})

		_, err := NewTimeout(10*time.Millisecond).Intercept(context.Background(), newTestMessage(t, contracts.UserQuery), slow)

		assert.ErrorIs(t, err, contracts.ErrRequestTimedOut)
	})
}

func TestBreaker(t *testing.T) {
	t.Run("opens after repeated failures", func(t *testing.T) {
		cb := reliability.NewCircuitBreaker(reliability.WithFailureThreshold(2), reliability.WithTimeout(time.Minute))
		interceptor := NewBreaker(cb)
		handler := &mockHandler{}
		handler.On("Handle", mock.Anything, mock.Anything).Return(nil, errors.New("backend down")).Twice()
		msg := newTestMessage(t, contracts.LLMRequest)

		for range 2 {
			_, err := interceptor.Intercept(context.Background(), msg, handler)
			assert.EqualError(t, err, "backend down")
		}
		_, err := interceptor.Intercept(context.Background(), msg, handler)

		assert.ErrorIs(t, err, reliability.ErrCircuitOpen)
		handler.AssertNumberOfCalls(t, "Handle", 2)
	})

	t.Run("returns the reply on success", func(t *testing.T) {
		msg := newTestMessage(t, contracts.LLMRequest)
		handler := &mockHandler{}
		handler.On("Handle", mock.Anything, msg).Return(msg.Reply(), nil)

		reply, err := NewBreaker(reliability.NewCircuitBreaker()).Intercept(context.Background(), msg, handler)

		require.NoError(t, err)
		assert.Equal(t, contracts.LLMResponse, reply.Type)
	})
}
