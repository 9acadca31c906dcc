package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/glimte/agentbus/contracts"
)

// Handler processes a message and optionally returns a reply
type Handler interface {
	Handle(ctx context.Context, msg *contracts.Message) (*contracts.Message, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, msg *contracts.Message) (*contracts.Message, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
	return f(ctx, msg)
}

// MiddlewareFunc wraps handler invocations
type MiddlewareFunc func(ctx context.Context, msg *contracts.Message, next Handler) (*contracts.Message, error)

// FailureHook observes handler failures after they have been converted into an
// ERROR reply
type FailureHook func(ctx context.Context, msg *contracts.Message, err error)

// Router maps message types to handlers for a single client
type Router struct {
	handlers       map[contracts.MessageType]Handler
	defaultHandler Handler
	mu             sync.RWMutex
	logger         *slog.Logger
	middleware     []MiddlewareFunc
	failureHooks   []FailureHook
}

// RouterOption configures the Router
type RouterOption func(*Router)

// WithRouterLogger sets the logger
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithMiddleware adds middleware to the router
func WithMiddleware(middleware ...MiddlewareFunc) RouterOption {
	return func(r *Router) {
		r.middleware = append(r.middleware, middleware...)
	}
}

// WithFailureHook adds a hook called whenever a handler fails
func WithFailureHook(hook FailureHook) RouterOption {
	return func(r *Router) {
		r.failureHooks = append(r.failureHooks, hook)
	}
}

// NewRouter creates a new router
func NewRouter(options ...RouterOption) *Router {
	r := &Router{
		handlers: make(map[contracts.MessageType]Handler),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Register binds a handler to a message type. A later registration for the same
// type replaces the earlier one.
func (r *Router) Register(messageType contracts.MessageType, handler Handler) error {
	msgType := contracts.NormalizeMessageType(string(messageType))
	if msgType == "" {
		return fmt.Errorf("message type cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	_, replaced := r.handlers[msgType]
	r.handlers[msgType] = handler
	r.mu.Unlock()

	r.logger.Debug("registered message handler",
		"messageType", msgType,
		"replaced", replaced,
	)

	return nil
}

// RegisterFunc registers a function as a handler
func (r *Router) RegisterFunc(messageType contracts.MessageType, handler HandlerFunc) error {
	return r.Register(messageType, handler)
}

// RegisterDefault sets the fallback handler used when no specific handler matches.
// A later call replaces the previous default.
func (r *Router) RegisterDefault(handler Handler) {
	r.mu.Lock()
	r.defaultHandler = handler
	r.mu.Unlock()
}

// Unregister removes the handler for a message type
func (r *Router) Unregister(messageType contracts.MessageType) bool {
	msgType := contracts.NormalizeMessageType(string(messageType))

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[msgType]; !exists {
		return false
	}
	delete(r.handlers, msgType)
	r.logger.Debug("unregistered message handler", "messageType", msgType)
	return true
}

// HasHandler reports whether a specific handler is registered for the type
func (r *Router) HasHandler(messageType contracts.MessageType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[contracts.NormalizeMessageType(string(messageType))]
	return exists
}

// RegisteredTypes returns the message types with a specific handler, sorted
func (r *Router) RegisteredTypes() []contracts.MessageType {
	r.mu.RLock()
	types := make([]contracts.MessageType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	r.mu.RUnlock()

	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Use appends middleware after construction
func (r *Router) Use(middleware ...MiddlewareFunc) {
	r.mu.Lock()
	r.middleware = append(r.middleware, middleware...)
	r.mu.Unlock()
}

// OnFailure appends a failure hook after construction
func (r *Router) OnFailure(hook FailureHook) {
	r.mu.Lock()
	r.failureHooks = append(r.failureHooks, hook)
	r.mu.Unlock()
}

// Dispatch runs the handler registered for msg's type, falling back to the
// default handler. It returns nil when no handler applies or the handler has
// nothing to say. Handler errors and panics are returned as ERROR replies.
func (r *Router) Dispatch(ctx context.Context, msg *contracts.Message) *contracts.Message {
	if msg == nil {
		return nil
	}

	r.mu.RLock()
	handler, exists := r.handlers[msg.Type]
	if !exists {
		handler = r.defaultHandler
	}
	middleware := r.middleware
	hooks := r.failureHooks
	r.mu.RUnlock()

	if handler == nil {
		r.logger.Warn("no handler registered for message type",
			"messageType", msg.Type,
			"messageId", msg.ID,
			"sender", msg.Sender,
			"traceId", msg.TraceID,
		)
		return nil
	}

	// Build middleware chain
	final := handler
	for i := len(middleware) - 1; i >= 0; i-- {
		mw := middleware[i]
		next := final
		final = HandlerFunc(func(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
			return mw(ctx, msg, next)
		})
	}

	reply, err := r.invoke(ctx, final, msg)
	if err == nil {
		return reply
	}

	r.logger.Error("handler failed",
		"messageType", msg.Type,
		"messageId", msg.ID,
		"sender", msg.Sender,
		"traceId", msg.TraceID,
		"errorType", contracts.ErrorType(err),
		"error", err,
	)

	for _, hook := range hooks {
		hook(ctx, msg, err)
	}

	return msg.ErrorReply(err)
}

func (r *Router) invoke(ctx context.Context, handler Handler, msg *contracts.Message) (reply *contracts.Message, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panicked",
				"messageType", msg.Type,
				"messageId", msg.ID,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			reply = nil
			err = &contracts.HandlerError{MessageType: msg.Type, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	return handler.Handle(ctx, msg)
}
