package health

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/glimte/agentbus/contracts"
	"github.com/glimte/agentbus/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

// MonitorID is the sender used for health probes on the bus
const MonitorID = "health_monitor"

// AgentChecker pings registered agents through the server
type AgentChecker struct {
	server *messaging.Server
	agents []string
	logger *slog.Logger
}

// NewAgentChecker creates a checker for the given agents. With no agent ids
// every client registered at check time is pinged.
func NewAgentChecker(server *messaging.Server, logger *slog.Logger, agents ...string) *AgentChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentChecker{server: server, agents: agents, logger: logger}
}

func (c *AgentChecker) Name() string {
	return "agents"
}

func (c *AgentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	ids := c.agents
	if len(ids) == 0 {
		ids = c.server.ClientIDs()
	}
	if len(ids) == 0 {
		result.Status = StatusUnhealthy
		result.Message = "No agents registered"
		result.Duration = time.Since(start)
		return result
	}

	healthy := 0
	for _, id := range ids {
		status := c.ping(ctx, id)
		result.Details[id] = status
		if status == "ok" {
			healthy++
		}
	}

	switch {
	case healthy == len(ids):
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%d agents responding", healthy)
	case healthy == 0:
		result.Status = StatusUnhealthy
		result.Message = "No agents responding"
	default:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d agents responding", healthy, len(ids))
	}
	result.Duration = time.Since(start)
	return result
}

func (c *AgentChecker) ping(ctx context.Context, id string) string {
	msg, err := contracts.NewMessage(contracts.Ping, MonitorID, id)
	if err != nil {
		return "error"
	}

	reply, err := c.server.RouteMessage(ctx, msg)
	switch {
	case err != nil:
		c.logger.Warn("agent ping failed", "agentId", id, "error", err)
		return "unreachable"
	case reply == nil || reply.Type != contracts.Pong:
		return "error"
	default:
		return "ok"
	}
}

// RedisPinger is the part of a go-redis client the checker needs
type RedisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisChecker checks the conversation memory backend
type RedisChecker struct {
	client RedisPinger
}

// NewRedisChecker creates a new Redis health checker
func NewRedisChecker(client RedisPinger) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string {
	return "redis"
}

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	if err := c.client.Ping(ctx).Err(); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Ping failed"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// AMQPConnection is the part of an amqp091 connection the checker needs
type AMQPConnection interface {
	IsClosed() bool
	Channel() (*amqp.Channel, error)
}

// AMQPChecker checks the broker used by the audit tap
type AMQPChecker struct {
	conn     AMQPConnection
	exchange string
}

// NewAMQPChecker creates a checker that also verifies exchange exists
func NewAMQPChecker(conn AMQPConnection, exchange string) *AMQPChecker {
	return &AMQPChecker{conn: conn, exchange: exchange}
}

func (c *AMQPChecker) Name() string {
	return "rabbitmq"
}

func (c *AMQPChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	if c.conn.IsClosed() {
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
		result.Duration = time.Since(start)
		return result
	}

	ch, err := c.conn.Channel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to create channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer ch.Close()

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	if c.exchange != "" {
		result.Details["exchange"] = c.exchange
		if err := ch.ExchangeDeclarePassive(c.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			result.Status = StatusDegraded
			result.Message = "Exchange check failed"
			result.Error = err.Error()
		}
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// RuntimeChecker flags goroutine leaks, typically from abandoned deliveries
type RuntimeChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

// NewRuntimeChecker creates a runtime checker with goroutine thresholds
func NewRuntimeChecker(warnGoroutines, criticalGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{warnGoroutines: warnGoroutines, criticalGoroutines: criticalGoroutines}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}
