package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/glimte/agentbus/contracts"
	"github.com/google/uuid"
)

// DefaultErrorSinkID is the client that receives error notifications
const DefaultErrorSinkID = "coordinator"

// Client is the base of every agent on the bus. It owns a Router and, once
// registered, a reference to the Server it routes through.
type Client struct {
	id          string
	router      *Router
	server      atomic.Pointer[Server]
	logger      *slog.Logger
	errorSinkID string
}

// ClientOption configures a Client
type ClientOption func(*clientConfig)

type clientConfig struct {
	logger        *slog.Logger
	errorSinkID   string
	routerOptions []RouterOption
}

// WithClientLogger sets the logger for the client and its router
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithErrorSink sets the client that receives error notifications
func WithErrorSink(id string) ClientOption {
	return func(c *clientConfig) {
		c.errorSinkID = id
	}
}

// WithRouterOptions passes options to the client's router
func WithRouterOptions(options ...RouterOption) ClientOption {
	return func(c *clientConfig) {
		c.routerOptions = append(c.routerOptions, options...)
	}
}

// NewClient creates a client with its own router. PING is answered with PONG.
func NewClient(id string, options ...ClientOption) *Client {
	cfg := clientConfig{
		logger:      slog.Default(),
		errorSinkID: DefaultErrorSinkID,
	}
	for _, opt := range options {
		opt(&cfg)
	}

	logger := cfg.logger.With("agentId", id)
	routerOptions := append([]RouterOption{WithRouterLogger(logger)}, cfg.routerOptions...)

	c := &Client{
		id:          id,
		router:      NewRouter(routerOptions...),
		logger:      logger,
		errorSinkID: cfg.errorSinkID,
	}

	c.router.RegisterFunc(contracts.Ping, c.handlePing)
	c.router.OnFailure(c.reportFailure)

	return c
}

// ID returns the client identifier
func (c *Client) ID() string {
	return c.id
}

// Router returns the client's dispatch table
func (c *Client) Router() *Router {
	return c.router
}

// Logger returns the client's logger
func (c *Client) Logger() *slog.Logger {
	return c.logger
}

// Server returns the server the client is registered with, or nil
func (c *Client) Server() *Server {
	return c.server.Load()
}

// SetServer records the server the client routes through. It is called by the
// Server on registration and unregistration.
func (c *Client) SetServer(s *Server) {
	c.server.Store(s)
}

// Stop unregisters the client from its server
func (c *Client) Stop() {
	if s := c.server.Load(); s != nil {
		s.UnregisterClient(c.id)
	}
}

// Send builds a message from this client and routes it. The trace ID is taken
// from the options, then from ctx, and generated otherwise.
func (c *Client) Send(ctx context.Context, receiver string, messageType contracts.MessageType, payload map[string]any, options ...contracts.MessageOption) (*contracts.Message, error) {
	opts := make([]contracts.MessageOption, 0, len(options)+2)
	opts = append(opts, contracts.WithTraceID(TraceIDFromContext(ctx)), contracts.WithPayload(payload))
	opts = append(opts, options...)

	msg, err := contracts.NewMessage(messageType, c.id, receiver, opts...)
	if err != nil {
		return nil, err
	}

	return c.SendMessage(ctx, msg)
}

// SendMessage routes a prepared message. Without a server, only messages
// addressed to this client can be delivered.
func (c *Client) SendMessage(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: message cannot be nil", contracts.ErrInvalidMessage)
	}

	if s := c.server.Load(); s != nil {
		return s.RouteMessage(ctx, msg)
	}

	if msg.Receiver == c.id {
		return c.Receive(ctx, msg)
	}

	c.logger.Warn("no route available", "receiver", msg.Receiver, "messageType", msg.Type)
	return nil, &contracts.RoutingError{Op: "send", AgentID: msg.Receiver, Err: contracts.ErrNoRouteAvailable}
}

// Receive dispatches msg through this client's router. Handler failures come
// back as ERROR replies; the returned error only reports a cancelled context.
func (c *Client) Receive(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx = WithTraceID(ctx, msg.TraceID)
	ctx = withAgentID(ctx, c.id)

	c.logger.Debug("received message",
		"messageType", msg.Type,
		"messageId", msg.ID,
		"sender", msg.Sender,
		"traceId", msg.TraceID,
	)

	return c.router.Dispatch(ctx, msg), nil
}

// HandleError logs err and, when registered with a server, notifies the error
// sink with an ERROR message. It never fails.
func (c *Client) HandleError(ctx context.Context, err error, traceID string, details map[string]any) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("panic while handling error", "panic", rec)
		}
	}()

	if err == nil {
		return
	}

	errorID := uuid.New().String()
	errorType := contracts.ErrorType(err)

	c.logger.Error("agent error",
		"errorId", errorID,
		"errorType", errorType,
		"traceId", traceID,
		"error", err,
		"details", details,
	)

	s := c.server.Load()
	if s == nil || c.id == c.errorSinkID || !s.HasClient(c.errorSinkID) {
		return
	}

	payload := contracts.NewErrorPayload(err, traceID)
	payload["error_id"] = errorID
	payload["agent_id"] = c.id
	if len(details) > 0 {
		payload["details"] = details
	}

	if _, sendErr := c.Send(ctx, c.errorSinkID, contracts.Error, payload, contracts.WithTraceID(traceID)); sendErr != nil {
		c.logger.Error("failed to notify error sink",
			"errorId", errorID,
			"errorSink", c.errorSinkID,
			"error", sendErr,
		)
	}
}

func (c *Client) handlePing(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
	return msg.Reply(
		contracts.WithReplyType(contracts.Pong),
		contracts.WithReplyPayload(map[string]any{"agent_id": c.id, "status": "ok"}),
	), nil
}

// reportFailure forwards failures of requests from outside the bus to the error
// sink. Failures of requests sent by the sink itself reach it as ERROR replies.
func (c *Client) reportFailure(ctx context.Context, msg *contracts.Message, err error) {
	if msg.Type == contracts.Error || msg.Sender == c.errorSinkID || msg.Sender == c.id {
		return
	}
	c.HandleError(ctx, err, msg.TraceID, map[string]any{
		"message_id":   msg.ID,
		"message_type": msg.Type.String(),
		"sender":       msg.Sender,
	})
}
