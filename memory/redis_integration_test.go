//go:build integration

package memory

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore_Integration(t *testing.T) {
	addr := os.Getenv("AGENTBUS_REDIS_ADDR")
	if addr == "" {
		t.Skip("AGENTBUS_REDIS_ADDR not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	s, err := NewRedisStore(ctx, RedisConfig{
		Addr:         addr,
		KeyPrefix:    "agentbus-test:" + uuid.New().String() + ":",
		TTL:          time.Minute,
		MaxExchanges: 3,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	t.Run("Append and History", func(t *testing.T) {
		for _, q := range []string{"q1", "q2", "q3", "q4"} {
			require.NoError(t, s.Append(ctx, "c1", Exchange{Query: q, Response: "r-" + q, Timestamp: time.Now().UTC()}))
		}

		history, err := s.History(ctx, "c1", 2)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "q3", history[0].Query)
		assert.Equal(t, "r-q4", history[1].Response)

		all, err := s.History(ctx, "c1", 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("Clear", func(t *testing.T) {
		require.NoError(t, s.Append(ctx, "c2", Exchange{Query: "q"}))
		require.NoError(t, s.Clear(ctx, "c2"))

		history, err := s.History(ctx, "c2", 0)
		require.NoError(t, err)
		assert.Empty(t, history)
	})
}
