package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/finchat-dev/finchat/pkg/chat"
)

// RedisStore implements Store using Redis.
// It provides distributed session storage suitable for multi-node
// deployments; history lives in a list, the record in a sibling key, both
// under the same TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all session keys (default: "finchat:session:").
	Prefix string
	// TTL is the session expiry duration (0 = never expire).
	TTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisStore creates a new Redis session store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "finchat:session:"
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
	}, nil
}

// NewRedisStoreFromClient creates a Redis store from an existing client.
// This is useful for testing with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "finchat:session:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Key helpers
func (s *RedisStore) messagesKey(sessionKey string) string {
	return s.prefix + "messages:" + sessionKey
}

func (s *RedisStore) recordKey(sessionKey string) string {
	return s.prefix + "record:" + sessionKey
}

func (s *RedisStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStorageClosed
	}
	return nil
}

// Load retrieves all messages for a session in order.
func (s *RedisStore) Load(ctx context.Context, sessionKey string) ([]chat.Message, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	data, err := s.client.LRange(ctx, s.messagesKey(sessionKey), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	if len(data) == 0 {
		// Distinguish an empty-but-live session from an absent/expired one.
		exists, err := s.client.Exists(ctx, s.recordKey(sessionKey)).Result()
		if err != nil {
			return nil, fmt.Errorf("check session record: %w", err)
		}
		if exists == 0 {
			return nil, ErrSessionNotFound
		}
		return []chat.Message{}, nil
	}

	msgs := make([]chat.Message, 0, len(data))
	for _, d := range data {
		var msg chat.Message
		if err := json.Unmarshal([]byte(d), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		msgs = append(msgs, msg)
	}

	return msgs, nil
}

// Append adds messages to a session and resets its TTL.
func (s *RedisStore) Append(ctx context.Context, sessionKey string, msgs []chat.Message) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	now := time.Now().UTC()
	rec, err := s.Record(ctx, sessionKey)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			return err
		}
		rec = &Record{SessionKey: sessionKey, CreatedAt: now}
	}
	rec.UpdatedAt = now

	recData, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	values := make([]interface{}, 0, len(msgs))
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		values = append(values, data)
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, s.messagesKey(sessionKey), values...)
	pipe.Set(ctx, s.recordKey(sessionKey), recData, s.ttl)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.messagesKey(sessionKey), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append messages: %w", err)
	}

	return nil
}

// Trim drops the oldest messages so at most maxMessages remain.
func (s *RedisStore) Trim(ctx context.Context, sessionKey string, maxMessages int) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if maxMessages <= 0 {
		return fmt.Errorf("trim: maxMessages must be positive, got %d", maxMessages)
	}

	// Keep the newest maxMessages entries.
	if err := s.client.LTrim(ctx, s.messagesKey(sessionKey), int64(-maxMessages), -1).Err(); err != nil {
		return fmt.Errorf("trim messages: %w", err)
	}
	return nil
}

// Clear removes a session. Returns true iff something was deleted.
func (s *RedisStore) Clear(ctx context.Context, sessionKey string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	deleted, err := s.client.Del(ctx, s.messagesKey(sessionKey), s.recordKey(sessionKey)).Result()
	if err != nil {
		return false, fmt.Errorf("clear session: %w", err)
	}
	return deleted > 0, nil
}

// Record retrieves session summary information.
func (s *RedisStore) Record(ctx context.Context, sessionKey string) (*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, s.recordKey(sessionKey)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}

	// The stored count goes stale across trims; the list length is the truth.
	count, err := s.client.LLen(ctx, s.messagesKey(sessionKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	rec.MessageCount = int(count)

	return &rec, nil
}

// Ping checks if the Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}

// Close releases resources held by the store.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.client.Close()
}
