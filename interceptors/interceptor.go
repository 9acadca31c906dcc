package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/agentbus/contracts"
	"github.com/glimte/agentbus/messaging"
)

// Interceptor wraps the handling of a message. It decides whether and how
// next runs and may rewrite the reply or the error.
type Interceptor interface {
	Intercept(ctx context.Context, msg *contracts.Message, next messaging.Handler) (*contracts.Message, error)

	// Name identifies the interceptor in logs and Chain.Names
	Name() string
}

// InterceptorFunc gives a middleware function a name
type InterceptorFunc struct {
	name string
	fn   messaging.MiddlewareFunc
}

// NewInterceptorFunc creates a named interceptor from fn
func NewInterceptorFunc(name string, fn messaging.MiddlewareFunc) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg *contracts.Message, next messaging.Handler) (*contracts.Message, error) {
	return i.fn(ctx, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Middleware adapts an interceptor to router middleware
func Middleware(i Interceptor) messaging.MiddlewareFunc {
	return i.Intercept
}

// Chain is an ordered list of interceptors. The first one is outermost.
type Chain []Interceptor

// Names returns the interceptor names in order
func (c Chain) Names() []string {
	names := make([]string, len(c))
	for i, interceptor := range c {
		names[i] = interceptor.Name()
	}
	return names
}

// Middleware returns the chain as router middleware, ready for
// messaging.WithMiddleware or agents.WithMiddleware
func (c Chain) Middleware() []messaging.MiddlewareFunc {
	mw := make([]messaging.MiddlewareFunc, len(c))
	for i, interceptor := range c {
		mw[i] = Middleware(interceptor)
	}
	return mw
}

// Execute runs msg through the chain and then through final, outside of any
// router
func (c Chain) Execute(ctx context.Context, msg *contracts.Message, final messaging.Handler) (*contracts.Message, error) {
	handler := final
	for i := len(c) - 1; i >= 0; i-- {
		interceptor, next := c[i], handler
		handler = messaging.HandlerFunc(func(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
			return interceptor.Intercept(ctx, msg, next)
		})
	}
	return handler.Handle(ctx, msg)
}

// Logging logs every handled message with the handling agent and duration.
// Failures caused by the caller (bad payloads or envelopes) log at warn,
// everything else at error.
type Logging struct {
	logger *slog.Logger
}

// NewLogging creates a logging interceptor
func NewLogging(logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logging{logger: logger}
}

// Intercept implements Interceptor
func (i *Logging) Intercept(ctx context.Context, msg *contracts.Message, next messaging.Handler) (*contracts.Message, error) {
	start := time.Now()
	agentID := messaging.AgentIDFromContext(ctx)

	i.logger.Debug("handling message",
		"agentId", agentID,
		"messageId", msg.ID,
		"messageType", msg.Type,
		"sender", msg.Sender,
		"traceId", msg.TraceID,
	)

	reply, err := next.Handle(ctx, msg)
	duration := time.Since(start)

	if err == nil {
		i.logger.Info("message handled",
			"agentId", agentID,
			"messageId", msg.ID,
			"messageType", msg.Type,
			"traceId", msg.TraceID,
			"duration", duration,
			"replied", reply != nil,
		)
		return reply, nil
	}

	level := slog.LevelError
	if errors.Is(err, contracts.ErrInvalidPayload) || errors.Is(err, contracts.ErrInvalidMessage) {
		level = slog.LevelWarn
	}
	i.logger.Log(ctx, level, "message handling failed",
		"agentId", agentID,
		"messageId", msg.ID,
		"messageType", msg.Type,
		"traceId", msg.TraceID,
		"duration", duration,
		"errorType", contracts.ErrorType(err),
		"error", err,
	)
	return nil, err
}

// Name implements Interceptor
func (i *Logging) Name() string {
	return "Logging"
}

// MetricsCollector receives per message type counts and timings
type MetricsCollector interface {
	IncrementMessageCount(messageType string)
	RecordProcessingTime(messageType string, duration time.Duration)
	IncrementErrorCount(messageType string, errorType string)
}

// Metrics feeds a MetricsCollector. Errors are counted under their error
// type tag.
type Metrics struct {
	collector MetricsCollector
}

// NewMetrics creates a metrics interceptor
func NewMetrics(collector MetricsCollector) *Metrics {
	return &Metrics{collector: collector}
}

// Intercept implements Interceptor
func (i *Metrics) Intercept(ctx context.Context, msg *contracts.Message, next messaging.Handler) (*contracts.Message, error) {
	start := time.Now()
	messageType := msg.Type.String()

	i.collector.IncrementMessageCount(messageType)
	reply, err := next.Handle(ctx, msg)
	i.collector.RecordProcessingTime(messageType, time.Since(start))

	if err != nil {
		i.collector.IncrementErrorCount(messageType, contracts.ErrorType(err))
	}
	return reply, err
}

// Name implements Interceptor
func (i *Metrics) Name() string {
	return "Metrics"
}

// PayloadRules lists the payload keys each message type must carry. Types
// without a rule pass unchecked.
type PayloadRules map[contracts.MessageType][]string

// PipelineRules are the keys the coordinator and the agents cannot work
// without
var PipelineRules = PayloadRules{
	contracts.UserQuery:        {"query"},
	contracts.RetrievalRequest: {"query"},
	contracts.LLMRequest:       {"query"},
}

// Intercept implements Interceptor
func (r PayloadRules) Intercept(ctx context.Context, msg *contracts.Message, next messaging.Handler) (*contracts.Message, error) {
	for _, key := range r[msg.Type] {
		if _, ok := msg.Payload[key]; !ok {
			return nil, &contracts.PayloadError{Field: key, Reason: "is required for " + msg.Type.String()}
		}
	}
	return next.Handle(ctx, msg)
}

// Name implements Interceptor
func (r PayloadRules) Name() string {
	return "PayloadRules"
}

// Timeout bounds how long the caller waits for a handler. The handler keeps
// running with a cancelled context after the deadline.
type Timeout struct {
	timeout time.Duration
}

// NewTimeout creates a timeout interceptor
func NewTimeout(timeout time.Duration) *Timeout {
	return &Timeout{timeout: timeout}
}

type handlerResult struct {
	reply *contracts.Message
	err   error
}

// Intercept implements Interceptor
func (i *Timeout) Intercept(ctx context.Context, msg *contracts.Message, next messaging.Handler) (*contracts.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan handlerResult, 1)
	go func() {
		reply, err := next.Handle(ctx, msg)
		done <- handlerResult{reply: reply, err: err}
	}()

	select {
	case res := <-done:
		return res.reply, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s not handled within %v", contracts.ErrRequestTimedOut, msg.Type, i.timeout)
	}
}

// Name implements Interceptor
func (i *Timeout) Name() string {
	return "Timeout"
}

// CircuitBreaker is satisfied by reliability.CircuitBreaker
type CircuitBreaker interface {
	Execute(ctx context.Context, fn func() error) error
}

// Breaker runs handlers through a circuit breaker
type Breaker struct {
	breaker CircuitBreaker
}

// NewBreaker creates a circuit breaker interceptor
func NewBreaker(breaker CircuitBreaker) *Breaker {
	return &Breaker{breaker: breaker}
}

// Intercept implements Interceptor
func (i *Breaker) Intercept(ctx context.Context, msg *contracts.Message, next messaging.Handler) (*contracts.Message, error) {
	var reply *contracts.Message
	err := i.breaker.Execute(ctx, func() error {
		var err error
		reply, err = next.Handle(ctx, msg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// Name implements Interceptor
func (i *Breaker) Name() string {
	return "Breaker"
}

// ChainBuilder assembles the chain installed on every agent
type ChainBuilder struct {
	chain  Chain
	logger *slog.Logger
}

// NewChainBuilder creates a builder. Interceptors that log use logger.
func NewChainBuilder(logger *slog.Logger) *ChainBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChainBuilder{logger: logger}
}

// WithLogging adds a Logging interceptor
func (b *ChainBuilder) WithLogging() *ChainBuilder {
	return b.With(NewLogging(b.logger))
}

// WithMetrics adds a Metrics interceptor
func (b *ChainBuilder) WithMetrics(collector MetricsCollector) *ChainBuilder {
	return b.With(NewMetrics(collector))
}

// WithPayloadRules adds payload validation
func (b *ChainBuilder) WithPayloadRules(rules PayloadRules) *ChainBuilder {
	return b.With(rules)
}

// WithTimeout adds a Timeout interceptor
func (b *ChainBuilder) WithTimeout(timeout time.Duration) *ChainBuilder {
	return b.With(NewTimeout(timeout))
}

// WithCircuitBreaker adds a Breaker interceptor
func (b *ChainBuilder) WithCircuitBreaker(breaker CircuitBreaker) *ChainBuilder {
	return b.With(NewBreaker(breaker))
}

// With adds any interceptor
func (b *ChainBuilder) With(interceptor Interceptor) *ChainBuilder {
	b.chain = append(b.chain, interceptor)
	return b
}

// Build returns the chain
func (b *ChainBuilder) Build() Chain {
	return b.chain
}
