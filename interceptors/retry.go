package interceptors

import (
	"context"
	"errors"
	"log/slog"

	"github.com/glimte/agentbus/contracts"
	"github.com/glimte/agentbus/internal/reliability"
	"github.com/glimte/agentbus/messaging"
)

// Retry runs the handler again while it fails and the policy allows.
// Malformed requests are never retried. Handlers behind Retry must be safe
// to repeat.
type Retry struct {
	policy reliability.RetryPolicy
	logger *slog.Logger
}

// NewRetry creates a retry interceptor
func NewRetry(policy reliability.RetryPolicy) *Retry {
	return &Retry{
		policy: policy,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for failed attempts
func (r *Retry) WithLogger(logger *slog.Logger) *Retry {
	r.logger = logger
	return r
}

// Intercept implements Interceptor
func (r *Retry) Intercept(ctx context.Context, msg *contracts.Message, next messaging.Handler) (*contracts.Message, error) {
	var reply *contracts.Message
	attempt := 0
	err := reliability.Retry(ctx, r.policy, func() error {
		attempt++
		var err error
		reply, err = next.Handle(ctx, msg)
		if err == nil {
			return nil
		}
		r.logger.Debug("handler attempt failed",
			"messageId", msg.ID,
			"messageType", msg.Type,
			"attempt", attempt,
			"error", err,
		)
		if errors.Is(err, contracts.ErrInvalidPayload) || errors.Is(err, contracts.ErrInvalidMessage) {
			return reliability.Permanent(err)
		}
		return err
	})
	if err != nil {
		var permanent reliability.RetryableError
		if errors.As(err, &permanent) {
			return nil, permanent.Err
		}
		return nil, err
	}
	return reply, nil
}

// Name implements Interceptor
func (r *Retry) Name() string {
	return "Retry"
}
