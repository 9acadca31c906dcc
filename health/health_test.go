package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/agentbus/contracts"
	"github.com/glimte/agentbus/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func staticChecker(name string, status Status) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		return CheckResult{Name: name, Status: status}
	})
}

func TestRegistry(t *testing.T) {
	t.Run("reports healthy when every check passes", func(t *testing.T) {
		registry := NewRegistry(staticChecker("a", StatusHealthy), staticChecker("b", StatusHealthy))

		report := registry.Check(context.Background())

		assert.Equal(t, StatusHealthy, report.Status)
		assert.Equal(t, []string{"a", "b"}, report.Names())
	})

	t.Run("takes the worst status", func(t *testing.T) {
		tests := []struct {
			name     string
			statuses []Status
			want     Status
		}{
			{"degraded wins over healthy", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
			{"unhealthy wins over degraded", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
			{"empty registry is healthy", nil, StatusHealthy},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				registry := NewRegistry()
				for i, s := range tt.statuses {
					registry.Register(staticChecker(string(rune('a'+i)), s))
				}
				assert.Equal(t, tt.want, registry.Check(context.Background()).Status)
			})
		}
	})

	t.Run("Register replaces a checker with the same name and Unregister removes it", func(t *testing.T) {
		registry := NewRegistry(staticChecker("a", StatusUnhealthy))
		registry.Register(staticChecker("a", StatusHealthy))
		assert.Equal(t, StatusHealthy, registry.Check(context.Background()).Status)

		registry.Unregister("a")
		assert.Empty(t, registry.Check(context.Background()).Checks)
	})

	t.Run("marks slow checks unhealthy when the context ends", func(t *testing.T) {
		slow := NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
			time.Sleep(200 * time.Millisecond)
			return CheckResult{Name: "slow", Status: StatusHealthy}
		})
		registry := NewRegistry(slow, staticChecker("fast", StatusHealthy))
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		report := registry.Check(ctx)

		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, "Check timed out", report.Checks["slow"].Message)
	})
}

func TestAgentChecker(t *testing.T) {
	newServer := func(t *testing.T, ids ...string) *messaging.Server {
		t.Helper()
		server := messaging.NewServer()
		for _, id := range ids {
			require.NoError(t, server.Register(messaging.NewClient(id)))
		}
		return server
	}

	t.Run("healthy when every agent answers the ping", func(t *testing.T) {
		server := newServer(t, "coordinator", "retrieval_agent")

		result := NewAgentChecker(server, nil).Check(context.Background())

		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, "ok", result.Details["coordinator"])
		assert.Equal(t, "ok", result.Details["retrieval_agent"])
	})

	t.Run("degraded when a listed agent is missing", func(t *testing.T) {
		server := newServer(t, "coordinator")

		result := NewAgentChecker(server, nil, "coordinator", "ingestion_agent").Check(context.Background())

		assert.Equal(t, StatusDegraded, result.Status)
		assert.Equal(t, "unreachable", result.Details["ingestion_agent"])
	})

	t.Run("unhealthy when no agent answers", func(t *testing.T) {
		broken := messaging.NewClient("broken")
		broken.Router().Unregister(contracts.Ping)
		server := messaging.NewServer()
		require.NoError(t, server.Register(broken))

		result := NewAgentChecker(server, nil).Check(context.Background())

		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "error", result.Details["broken"])
	})

	t.Run("unhealthy with an empty registry", func(t *testing.T) {
		result := NewAgentChecker(messaging.NewServer(), nil).Check(context.Background())

		assert.Equal(t, StatusUnhealthy, result.Status)
	})
}

type mockPinger struct {
	mock.Mock
}

func (m *mockPinger) Ping(ctx context.Context) *redis.StatusCmd {
	args := m.Called(ctx)
	return args.Get(0).(*redis.StatusCmd)
}

func TestRedisChecker(t *testing.T) {
	t.Run("healthy on PONG", func(t *testing.T) {
		pinger := &mockPinger{}
		pinger.On("Ping", mock.Anything).Return(redis.NewStatusResult("PONG", nil))

		result := NewRedisChecker(pinger).Check(context.Background())

		assert.Equal(t, "redis", result.Name)
		assert.Equal(t, StatusHealthy, result.Status)
		pinger.AssertExpectations(t)
	})

	t.Run("unhealthy when ping fails", func(t *testing.T) {
		pinger := &mockPinger{}
		pinger.On("Ping", mock.Anything).Return(redis.NewStatusResult("", errors.New("connection refused")))

		result := NewRedisChecker(pinger).Check(context.Background())

		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "connection refused", result.Error)
	})
}

type fakeConnection struct {
	closed     bool
	channelErr error
}

func (f *fakeConnection) IsClosed() bool { return f.closed }

func (f *fakeConnection) Channel() (*amqp.Channel, error) {
	return nil, f.channelErr
}

func TestAMQPChecker(t *testing.T) {
	t.Run("unhealthy when the connection is closed", func(t *testing.T) {
		result := NewAMQPChecker(&fakeConnection{closed: true}, "agentbus.audit").Check(context.Background())

		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "Connection is closed", result.Message)
	})

	t.Run("unhealthy when a channel cannot be opened", func(t *testing.T) {
		conn := &fakeConnection{channelErr: amqp.ErrClosed}

		result := NewAMQPChecker(conn, "agentbus.audit").Check(context.Background())

		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, amqp.ErrClosed.Error(), result.Error)
	})
}

func TestRuntimeChecker(t *testing.T) {
	t.Run("reports goroutine counts", func(t *testing.T) {
		result := NewRuntimeChecker(1_000_000, 2_000_000).Check(context.Background())

		assert.Equal(t, StatusHealthy, result.Status)
		assert.Greater(t, result.Details["goroutines"].(int), 0)
	})

	t.Run("flags goroutine counts over the threshold", func(t *testing.T) {
		result := NewRuntimeChecker(0, 1_000_000).Check(context.Background())

		assert.Equal(t, StatusDegraded, result.Status)
	})
}
