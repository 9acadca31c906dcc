package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/agentbus/contracts"
	"github.com/glimte/agentbus/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange audit messages are published to
const DefaultExchange = "agentbus.audit"

// Audit headers
const (
	HeaderTraceID   = "x-trace-id"
	HeaderMessageID = "x-message-id"
	HeaderSender    = "x-sender"
	HeaderReceiver  = "x-receiver"
)

// Publisher is the part of an amqp091 channel the audit tap needs
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AuditTap mirrors every message routed by the server to an AMQP exchange.
// The routing key is the message type, so consumers can bind on patterns
// like "USER_QUERY*" or "#".
type AuditTap struct {
	publisher Publisher
	exchange  string
	logger    *slog.Logger
}

// AuditOption configures the AuditTap
type AuditOption func(*AuditTap)

// WithExchange sets the exchange name
func WithExchange(exchange string) AuditOption {
	return func(t *AuditTap) {
		t.exchange = exchange
	}
}

// WithAuditLogger sets the logger
func WithAuditLogger(logger *slog.Logger) AuditOption {
	return func(t *AuditTap) {
		t.logger = logger
	}
}

// NewAuditTap creates a tap that publishes through publisher
func NewAuditTap(publisher Publisher, options ...AuditOption) *AuditTap {
	t := &AuditTap{
		publisher: publisher,
		exchange:  DefaultExchange,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Exchange returns the exchange name
func (t *AuditTap) Exchange() string {
	return t.exchange
}

// Observe implements messaging.Tap
func (t *AuditTap) Observe(ctx context.Context, msg *contracts.Message) error {
	body, err := contracts.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode audit message: %w", err)
	}

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.ID,
		CorrelationId: msg.TraceID,
		Timestamp:     msg.Timestamp,
		Type:          msg.Type.String(),
		AppId:         "agentbus",
		Headers: amqp.Table{
			HeaderTraceID:   msg.TraceID,
			HeaderMessageID: msg.ID,
			HeaderSender:    msg.Sender,
			HeaderReceiver:  msg.Receiver,
		},
		Body: body,
	}

	if err := t.publisher.PublishWithContext(ctx, t.exchange, msg.Type.String(), false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish audit message: %w", err)
	}

	t.logger.Debug("audit message published",
		"messageId", msg.ID,
		"messageType", msg.Type,
		"traceId", msg.TraceID,
	)
	return nil
}

// ChannelPublisher publishes on a channel of a ConnectionManager, reopening
// the channel after the broker closes it
type ChannelPublisher struct {
	manager *ConnectionManager

	mu sync.Mutex
	ch *amqp.Channel
}

// NewChannelPublisher creates a publisher over manager
func NewChannelPublisher(manager *ConnectionManager) *ChannelPublisher {
	return &ChannelPublisher{manager: manager}
}

// PublishWithContext implements Publisher
func (p *ChannelPublisher) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		ch, err := p.manager.Channel()
		if err != nil {
			return err
		}
		p.ch = ch
	}

	err := p.ch.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
	if errors.Is(err, amqp.ErrClosed) {
		p.ch = nil
	}
	return err
}

// DeclareExchange declares the durable topic exchange used for auditing
func (p *ChannelPublisher) DeclareExchange(exchange string) error {
	ch, err := p.manager.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return nil
}

// Close closes the publishing channel
func (p *ChannelPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}

// Audit bundles a connection and the tap publishing over it
type Audit struct {
	*AuditTap
	manager   *ConnectionManager
	publisher *ChannelPublisher
}

// Dial connects to the broker, declares the exchange and returns a ready tap
func Dial(ctx context.Context, url string, options ...AuditOption) (*Audit, error) {
	probe := NewAuditTap(nil, options...)

	manager := NewConnectionManager(url, WithLogger(probe.logger))
	if err := manager.Connect(ctx); err != nil {
		return nil, err
	}

	publisher := NewChannelPublisher(manager)
	if err := publisher.DeclareExchange(probe.exchange); err != nil {
		manager.Close()
		return nil, err
	}

	probe.publisher = publisher
	return &Audit{AuditTap: probe, manager: manager, publisher: publisher}, nil
}

// Connection returns the underlying connection manager
func (a *Audit) Connection() *ConnectionManager {
	return a.manager
}

// Close closes the channel and the connection
func (a *Audit) Close() error {
	return errors.Join(a.publisher.Close(), a.manager.Close())
}

var _ messaging.Tap = (*AuditTap)(nil)
