package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the configuration for the Redis client
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	TTL          time.Duration
	MaxExchanges int
}

// RedisStore is a ConversationStore keeping each conversation in a Redis list
type RedisStore struct {
	client *redis.Client
	cfg    RedisConfig
	logger *slog.Logger
}

// NewRedisStore connects to Redis and verifies the connection with a ping
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("connected to redis", "address", cfg.Addr)

	return NewRedisStoreFromClient(rdb, cfg, logger), nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client *redis.Client, cfg RedisConfig, logger *slog.Logger) *RedisStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "agentbus:conversation:"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "RedisStore"),
	}
}

func (s *RedisStore) key(conversationID string) string {
	return s.cfg.KeyPrefix + conversationID
}

// Append implements ConversationStore
func (s *RedisStore) Append(ctx context.Context, conversationID string, ex Exchange) error {
	data, err := json.Marshal(ex)
	if err != nil {
		return fmt.Errorf("failed to marshal exchange: %w", err)
	}

	key := s.key(conversationID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if s.cfg.MaxExchanges > 0 {
		pipe.LTrim(ctx, key, int64(-s.cfg.MaxExchanges), -1)
	}
	if s.cfg.TTL > 0 {
		pipe.Expire(ctx, key, s.cfg.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("failed to append exchange", "key", key, "error", err)
		return fmt.Errorf("failed to append to redis: %w", err)
	}
	return nil
}

// History implements ConversationStore
func (s *RedisStore) History(ctx context.Context, conversationID string, limit int) ([]Exchange, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}

	key := s.key(conversationID)
	items, err := s.client.LRange(ctx, key, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read from redis: %w", err)
	}

	history := make([]Exchange, 0, len(items))
	for _, item := range items {
		var ex Exchange
		if err := json.Unmarshal([]byte(item), &ex); err != nil {
			s.logger.Warn("skipping corrupt exchange", "key", key, "error", err)
			continue
		}
		history = append(history, ex)
	}
	return history, nil
}

// Clear implements ConversationStore
func (s *RedisStore) Clear(ctx context.Context, conversationID string) error {
	if err := s.client.Del(ctx, s.key(conversationID)).Err(); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

// Client exposes the underlying client for health checks
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
