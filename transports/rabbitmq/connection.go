package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/glimte/agentbus/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrConnectionNotReady is returned while no broker connection is open
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	// ErrConnectionTimeout is returned when dialing takes too long
	ErrConnectionTimeout = errors.New("rabbitmq: connection timeout")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op       string
	URL      string
	Err      error
	Attempts int
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("rabbitmq connection error: %s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ConnectionManager keeps one broker connection open, redialing with backoff
// when the broker closes it
type ConnectionManager struct {
	url         string
	dialTimeout time.Duration
	reconnect   reliability.RetryPolicy
	logger      *slog.Logger

	mu   sync.RWMutex
	conn *amqp.Connection

	ctx    context.Context
	cancel context.CancelFunc
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectPolicy sets the backoff used between redial attempts
func WithReconnectPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnect = policy
	}
}

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		dialTimeout: 30 * time.Second,
		reconnect:   reliability.NewExponentialBackoff(time.Second, time.Minute, 2.0, 10),
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(cm)
	}
	cm.ctx, cm.cancel = context.WithCancel(context.Background())
	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.conn != nil && !cm.conn.IsClosed() {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return &ConnectionError{Op: "connect", URL: SanitizeURL(cm.url), Err: err, Attempts: 1}
	}
	cm.attach(conn)

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	return nil
}

// Connection returns the open connection
func (cm *ConnectionManager) Connection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.conn == nil || cm.conn.IsClosed() {
		return nil, ErrConnectionNotReady
	}
	return cm.conn, nil
}

// Channel opens a channel on the current connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.Connection()
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

// IsClosed reports whether no usable connection is open
func (cm *ConnectionManager) IsClosed() bool {
	_, err := cm.Connection()
	return err != nil
}

// Close stops reconnecting and closes the connection
func (cm *ConnectionManager) Close() error {
	cm.cancel()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.conn == nil {
		return nil
	}
	err := cm.conn.Close()
	cm.conn = nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type dialResult struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan dialResult, 1)
	go func() {
		conn, err := amqp.Dial(cm.url)
		done <- dialResult{conn: conn, err: err}
	}()

	select {
	case res := <-done:
		return res.conn, res.err
	case <-ctx.Done():
		go func() {
			if res := <-done; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

// attach must be called with mu held
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(closed)
}

func (cm *ConnectionManager) watch(closed <-chan *amqp.Error) {
	select {
	case amqpErr, ok := <-closed:
		if !ok || amqpErr == nil {
			// graceful close
			return
		}
		cm.logger.Error("connection closed", "error", amqpErr)
		cm.redial()
	case <-cm.ctx.Done():
	}
}

func (cm *ConnectionManager) redial() {
	cm.mu.Lock()
	cm.conn = nil
	cm.mu.Unlock()

	attempts := 0
	err := reliability.Retry(cm.ctx, cm.reconnect, func() error {
		attempts++
		cm.logger.Info("attempting to reconnect", "attempt", attempts)

		conn, err := cm.dial(cm.ctx)
		if err != nil {
			cm.logger.Warn("reconnection failed", "attempt", attempts, "error", err)
			return err
		}

		cm.mu.Lock()
		defer cm.mu.Unlock()
		cm.attach(conn)
		return nil
	})
	if err != nil {
		cm.logger.Error("giving up on RabbitMQ",
			"error", &ConnectionError{Op: "reconnect", URL: SanitizeURL(cm.url), Err: err, Attempts: attempts})
		return
	}

	cm.logger.Info("reconnected to RabbitMQ", "attempts", attempts)
}

// SanitizeURL hides the password of an AMQP URL for logging
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
