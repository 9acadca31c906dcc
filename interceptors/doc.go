// Package interceptors provides cross-cutting concerns for agent handlers.
//
// An Interceptor wraps a messaging.Handler. A Chain of interceptors becomes
// router middleware and is installed on every agent:
//
//	chain := interceptors.NewChainBuilder(logger).
//		WithLogging().
//		WithMetrics(collector).
//		WithPayloadRules(interceptors.PipelineRules).
//		Build()
//
//	agents.NewRetrieval(server, store, agents.WithMiddleware(chain.Middleware()...))
//
// Built-in interceptors:
//   - Logging: logs each handled message with the agent and duration
//   - Metrics: counts messages, durations and errors by type
//   - PayloadRules: rejects messages missing required payload keys
//   - Timeout: bounds how long the caller waits for a handler
//   - Breaker: stops calling a failing handler
//   - Retry: repeats failed handler calls under a retry policy
//   - Guard: drops or rejects messages that do not satisfy a Match
//   - When: applies another interceptor only to matching messages
//
// Interceptors run in the order they are added, with the handler called last.
package interceptors
