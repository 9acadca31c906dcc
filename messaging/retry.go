package messaging

import (
	"context"
	"errors"

	"github.com/glimte/agentbus/contracts"
	"github.com/glimte/agentbus/internal/reliability"
)

// SendWithRetry sends a request and retries it under policy while the failure
// is transient: a timed out hop or an ERROR reply reporting an upstream
// collaborator failure. Routing failures are returned immediately. Each attempt
// is a new message on the same trace.
func SendWithRetry(ctx context.Context, client *Client, policy reliability.RetryPolicy, receiver string, messageType contracts.MessageType, payload map[string]any, options ...contracts.MessageOption) (*contracts.Message, error) {
	traceID := TraceIDFromContext(ctx)
	if traceID == "" {
		traceID = newTraceID()
	}
	ctx = WithTraceID(ctx, traceID)

	var reply *contracts.Message
	err := reliability.Retry(ctx, policy, func() error {
		var err error
		reply, err = client.Send(ctx, receiver, messageType, payload, options...)
		if err != nil {
			return classifyRetry(err)
		}
		if reply.IsError() {
			return classifyRetry(reply.Err())
		}
		return nil
	})

	if err != nil && reply != nil && reply.IsError() {
		// the final ERROR reply is the answer
		return reply, nil
	}
	if err != nil {
		var retryable reliability.RetryableError
		if errors.As(err, &retryable) {
			return nil, retryable.Err
		}
		return nil, err
	}
	return reply, nil
}

func classifyRetry(err error) error {
	transient := errors.Is(err, contracts.ErrRequestTimedOut) || errors.Is(err, contracts.ErrUpstreamFailure)
	return reliability.RetryableError{Err: err, Retryable: transient}
}
