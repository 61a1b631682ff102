package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLoggerClosed is returned when operating on a closed redis logger.
var ErrLoggerClosed = errors.New("audit logger is closed")

// RedisLogger appends audit entries to a per-session Redis list.
// Lists are append-only; the logger never trims or rewrites them.
type RedisLogger struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration for the audit sink.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for audit lists (default: "flowsmith:audit:").
	Prefix string
	// TTL is the expiry applied to each session's audit list (0 = never).
	TTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisLogger creates a Redis-backed audit logger.
func NewRedisLogger(cfg RedisConfig) (*RedisLogger, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
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

	return newRedisLogger(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisLoggerFromClient creates a Redis logger from an existing client.
// This is useful for testing with miniredis.
func NewRedisLoggerFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisLogger {
	return newRedisLogger(client, prefix, ttl)
}

func newRedisLogger(client *redis.Client, prefix string, ttl time.Duration) *RedisLogger {
	if prefix == "" {
		prefix = "flowsmith:audit:"
	}
	return &RedisLogger{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: slog.Default(),
	}
}

func (l *RedisLogger) key(handle string) string {
	return l.prefix + handle
}

// Log appends the entry to the session's audit list. Failures are logged
// and swallowed: audit sink unavailability must not fail the operation
// being audited (the in-session trail remains authoritative).
func (l *RedisLogger) Log(ctx context.Context, entry Entry) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return
	}
	l.mu.RUnlock()

	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Warn("audit: marshal entry", "error", err)
		return
	}

	if err := l.client.RPush(ctx, l.key(entry.SessionHandle), data).Err(); err != nil {
		l.logger.Warn("audit: append entry", "error", err)
		return
	}

	if l.ttl > 0 {
		// TTL failure is non-fatal; the entry is already appended.
		_ = l.client.Expire(ctx, l.key(entry.SessionHandle), l.ttl).Err()
	}
}

// Entries returns all entries recorded for a session, in append order.
func (l *RedisLogger) Entries(ctx context.Context, handle string) ([]Entry, error) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil, ErrLoggerClosed
	}
	l.mu.RUnlock()

	data, err := l.client.LRange(ctx, l.key(handle), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load audit entries: %w", err)
	}

	entries := make([]Entry, 0, len(data))
	for _, d := range data {
		var e Entry
		if err := json.Unmarshal([]byte(d), &e); err != nil {
			return nil, fmt.Errorf("unmarshal audit entry: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, nil
}

// Close releases the underlying Redis client.
func (l *RedisLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.client.Close()
}
