package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/agentbus/contracts"
)

// Endpoint is anything the server can deliver messages to
type Endpoint interface {
	ID() string
	Receive(ctx context.Context, msg *contracts.Message) (*contracts.Message, error)
	SetServer(s *Server)
}

// Tap observes messages passing through the server. Taps cannot change
// delivery; their errors are logged and ignored.
type Tap interface {
	Observe(ctx context.Context, msg *contracts.Message) error
}

// TapFunc is a function adapter for Tap
type TapFunc func(ctx context.Context, msg *contracts.Message) error

// Observe implements Tap
func (f TapFunc) Observe(ctx context.Context, msg *contracts.Message) error {
	return f(ctx, msg)
}

// Server keeps the registry of clients and routes messages between them
type Server struct {
	mu             sync.RWMutex
	clients        map[string]Endpoint
	order          []string
	logger         *slog.Logger
	taps           []Tap
	requestTimeout time.Duration
}

// ServerOption configures the Server
type ServerOption func(*Server)

// WithServerLogger sets the logger
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRequestTimeout bounds how long RouteMessage waits for a reply. Zero
// disables the bound.
func WithRequestTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.requestTimeout = timeout
	}
}

// WithTap adds a message observer
func WithTap(tap Tap) ServerOption {
	return func(s *Server) {
		s.taps = append(s.taps, tap)
	}
}

// NewServer creates a new server
func NewServer(options ...ServerOption) *Server {
	s := &Server{
		clients: make(map[string]Endpoint),
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// RegisterClient adds a client under id. Registering an id twice fails and keeps
// the first client.
func (s *Server) RegisterClient(id string, client Endpoint) error {
	if id == "" {
		return fmt.Errorf("%w: client id cannot be empty", contracts.ErrInvalidMessage)
	}
	if client == nil {
		return fmt.Errorf("client cannot be nil")
	}

	s.mu.Lock()
	if _, exists := s.clients[id]; exists {
		s.mu.Unlock()
		return &contracts.RoutingError{Op: "register", AgentID: id, Err: contracts.ErrDuplicateClientID}
	}
	s.clients[id] = client
	s.order = append(s.order, id)
	s.mu.Unlock()

	client.SetServer(s)

	s.logger.Info("registered client", "clientId", id)
	return nil
}

// Register adds a client under its own ID
func (s *Server) Register(client Endpoint) error {
	if client == nil {
		return fmt.Errorf("client cannot be nil")
	}
	return s.RegisterClient(client.ID(), client)
}

// UnregisterClient removes a client. Unknown ids are ignored.
func (s *Server) UnregisterClient(id string) {
	s.mu.Lock()
	client, exists := s.clients[id]
	if exists {
		delete(s.clients, id)
		for i, existing := range s.order {
			if existing == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	if !exists {
		return
	}

	client.SetServer(nil)
	s.logger.Info("unregistered client", "clientId", id)
}

// HasClient reports whether id is registered
func (s *Server) HasClient(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.clients[id]
	return exists
}

// Client returns the client registered under id
func (s *Server) Client(id string) (Endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	client, exists := s.clients[id]
	return client, exists
}

// ClientIDs returns registered ids in registration order
func (s *Server) ClientIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// RouteMessage delivers msg to its receiver and returns the receiver's reply
func (s *Server) RouteMessage(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: message cannot be nil", contracts.ErrInvalidMessage)
	}

	client, exists := s.Client(msg.Receiver)
	if !exists {
		s.logger.Warn("unknown recipient",
			"receiver", msg.Receiver,
			"sender", msg.Sender,
			"messageType", msg.Type,
			"traceId", msg.TraceID,
		)
		return nil, &contracts.RoutingError{Op: "route", AgentID: msg.Receiver, Err: contracts.ErrUnknownRecipient}
	}

	s.observe(ctx, msg)

	reply, err := s.deliver(ctx, client, msg)
	if err != nil {
		return nil, err
	}

	if reply != nil {
		s.observe(ctx, reply)
	}
	return reply, nil
}

// Broadcast delivers msg to every registered client, skipping the sender when
// excludeSender is set. Delivery failures are logged; the replies received are
// returned in registration order.
func (s *Server) Broadcast(ctx context.Context, msg *contracts.Message, excludeSender bool) []*contracts.Message {
	if msg == nil {
		return nil
	}

	s.mu.RLock()
	targets := make([]Endpoint, 0, len(s.order))
	for _, id := range s.order {
		if excludeSender && id == msg.Sender {
			continue
		}
		targets = append(targets, s.clients[id])
	}
	s.mu.RUnlock()

	s.observe(ctx, msg)

	replies := make([]*contracts.Message, 0, len(targets))
	for _, client := range targets {
		delivery := msg.Clone()
		delivery.Receiver = client.ID()

		reply, err := s.deliver(ctx, client, delivery)
		if err != nil {
			s.logger.Error("broadcast delivery failed",
				"clientId", client.ID(),
				"messageType", msg.Type,
				"traceId", msg.TraceID,
				"error", err,
			)
			continue
		}
		if reply == nil {
			continue
		}
		if reply.IsError() {
			s.logger.Warn("broadcast handler failed",
				"clientId", client.ID(),
				"messageType", msg.Type,
				"traceId", msg.TraceID,
				"error", reply.Payload["error"],
			)
		}
		s.observe(ctx, reply)
		replies = append(replies, reply)
	}

	return replies
}

type deliveryResult struct {
	reply *contracts.Message
	err   error
}

func (s *Server) deliver(ctx context.Context, client Endpoint, msg *contracts.Message) (*contracts.Message, error) {
	if s.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}

	if ctx.Done() == nil {
		return s.receive(ctx, client, msg)
	}

	done := make(chan deliveryResult, 1)
	go func() {
		reply, err := s.receive(ctx, client, msg)
		done <- deliveryResult{reply: reply, err: err}
	}()

	select {
	case res := <-done:
		return res.reply, res.err
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = contracts.ErrRequestTimedOut
		}
		s.logger.Warn("gave up waiting for reply",
			"receiver", msg.Receiver,
			"messageType", msg.Type,
			"traceId", msg.TraceID,
			"error", err,
		)
		return nil, &contracts.RoutingError{Op: "await", AgentID: msg.Receiver, Err: err}
	}
}

func (s *Server) receive(ctx context.Context, client Endpoint, msg *contracts.Message) (reply *contracts.Message, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &contracts.HandlerError{MessageType: msg.Type, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	return client.Receive(ctx, msg)
}

func (s *Server) observe(ctx context.Context, msg *contracts.Message) {
	for _, tap := range s.taps {
		if err := tap.Observe(ctx, msg); err != nil {
			s.logger.Warn("message tap failed",
				"messageId", msg.ID,
				"messageType", msg.Type,
				"error", err,
			)
		}
	}
}
