// Package reliability provides retry policies and a circuit breaker used around
// calls to the bus's external collaborators.
//
// Retry policies decide whether a failed attempt is worth repeating and how long
// to wait; errors opt out of retries by wrapping themselves in a RetryableError
// with Retryable set to false. The circuit breaker stops calling a failing
// collaborator until a cool-down has passed.
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithName("generator"),
//	    WithFailureThreshold(5),
//	    WithTimeout(30 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func() error {
//	    return callModel(ctx)
//	})
package reliability
