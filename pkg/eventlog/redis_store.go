package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis. It provides distributed event
// storage suitable for multi-node deployments. Each stream is a sorted set
// scored by seq, so range queries map directly onto ZRANGEBYSCORE.
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
	// Prefix is the key prefix for all event keys (default: "dispatch:events:").
	Prefix string
	// StreamTTL is the per-stream expiry duration (0 = never expire).
	StreamTTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisStore creates a new Redis event store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "dispatch:events:"
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
		ttl:    cfg.StreamTTL,
	}, nil
}

// NewRedisStoreFromClient creates a Redis store from an existing client.
// This is useful for testing with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "dispatch:events:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *RedisStore) streamKey(streamID string) string {
	return s.prefix + "stream:" + streamID
}

func (s *RedisStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Append persists one event. The per-stream worker guarantees a single
// writer per stream, so the existence check and the ZADD do not race with
// another append for the same seq.
func (s *RedisStore) Append(ctx context.Context, event *Event) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	key := s.streamKey(event.StreamID)

	n, err := s.client.ZCount(ctx, key,
		fmt.Sprintf("%d", event.Seq), fmt.Sprintf("%d", event.Seq)).Result()
	if err != nil {
		return fmt.Errorf("check seq: %w", err)
	}
	if n > 0 {
		return ErrDuplicateSeq
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(event.Seq), Member: data})
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// MaxSeq returns the highest persisted seq for a stream.
func (s *RedisStore) MaxSeq(ctx context.Context, streamID string) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	zs, err := s.client.ZRevRangeWithScores(ctx, s.streamKey(streamID), 0, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	if len(zs) == 0 {
		return 0, nil
	}
	return int64(zs[0].Score), nil
}

// EventsSince returns events with seq > afterSeq in ascending order.
func (s *RedisStore) EventsSince(ctx context.Context, streamID string, afterSeq int64, limit int) ([]*Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rangeBy := &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", afterSeq),
		Max: "+inf",
	}
	if limit > 0 {
		rangeBy.Count = int64(limit)
	}

	data, err := s.client.ZRangeByScore(ctx, s.streamKey(streamID), rangeBy).Result()
	if err != nil {
		return nil, fmt.Errorf("range events: %w", err)
	}

	events := make([]*Event, 0, len(data))
	for _, d := range data {
		var ev Event
		if err := json.Unmarshal([]byte(d), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, nil
}

// DeleteStream removes a stream's events, optionally keeping snapshots.
func (s *RedisStore) DeleteStream(ctx context.Context, streamID string, preserveSnapshots bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	key := s.streamKey(streamID)

	if !preserveSnapshots {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("delete stream: %w", err)
		}
		return nil
	}

	events, err := s.EventsSince(ctx, streamID, 0, 0)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	for _, ev := range events {
		if !ev.IsSnapshot() {
			continue
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(ev.Seq), Member: data})
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("compact stream: %w", err)
	}
	return nil
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
