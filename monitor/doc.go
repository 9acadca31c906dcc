// Package monitor collects in-memory metrics for the agent bus.
//
// A Collector is both an interceptors.MetricsCollector, fed by the metrics
// interceptor installed on each agent, and a messaging.Tap that counts routed
// traffic between agents.
package monitor
