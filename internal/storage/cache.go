package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maneesh/chestbox/internal/models"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SessionCacheTTL mirrors the teacher's fixed file-metadata cache TTL.
const SessionCacheTTL = 5 * time.Minute

// SessionCache is a cache-aside layer in front of the metadata store's
// session lookups, the same shape as the teacher's RedisClient but
// generalized from file metadata to sessions.
type SessionCache struct {
	client *redis.Client
}

// NewSessionCache initializes and pings a Redis client.
func NewSessionCache(addr, password string, db int) (*SessionCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping cache: %w", err)
	}
	return &SessionCache{client: client}, nil
}

// Close closes the Redis connection.
func (c *SessionCache) Close() error {
	return c.client.Close()
}

func sessionCacheKey(id string) string {
	return "session:" + id
}

// Get returns a cached session, or (nil, nil) on a cache miss.
func (c *SessionCache) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	ctx, span := tracer.Start(ctx, "cache.get_session",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	data, err := c.client.Get(ctx, sessionCacheKey(sessionID)).Result()
	if err == redis.Nil {
		span.SetAttributes(attribute.Bool("cache_hit", false))
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}

	var s models.Session
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal cached session: %w", err)
	}
	span.SetAttributes(attribute.Bool("cache_hit", true))
	return &s, nil
}

// Set stores a session in cache with the fixed TTL.
func (c *SessionCache) Set(ctx context.Context, s *models.Session) error {
	ctx, span := tracer.Start(ctx, "cache.set_session",
		trace.WithAttributes(attribute.String("session_id", s.ID)))
	defer span.End()

	data, err := json.Marshal(s)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := c.client.Set(ctx, sessionCacheKey(s.ID), data, SessionCacheTTL).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

// Invalidate removes a session from cache. The engine calls it after a seal
// so a cached Open entry does not outlive the write; the reaper's
// soft-deletes do not go through the cache.
func (c *SessionCache) Invalidate(ctx context.Context, sessionID string) error {
	ctx, span := tracer.Start(ctx, "cache.invalidate_session",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	if err := c.client.Del(ctx, sessionCacheKey(sessionID)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return nil
}
