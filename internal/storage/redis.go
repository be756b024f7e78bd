package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/maneesh/gridbox/internal/models"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RedisClient caches object metadata in Redis, keyed by filename
type RedisClient struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient initializes a new Redis client
func NewRedisClient(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test the connection
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{client: client, ttl: ttl}, nil
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

func cacheKey(filename string) string {
	return fmt.Sprintf("object:%s", filename)
}

// GetFileMetadata retrieves object metadata from cache. A miss returns (nil, nil).
func (rc *RedisClient) GetFileMetadata(ctx context.Context, filename string) (*models.Object, error) {
	ctx, span := tracer.Start(ctx, "redis.get_file_metadata",
		trace.WithAttributes(attribute.String("file_name", filename)),
	)
	defer span.End()

	data, err := rc.client.Get(ctx, cacheKey(filename)).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.Bool("cache_hit", false))
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}

	var obj models.Object
	if err := json.Unmarshal(data, &obj); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal cached data: %w", err)
	}

	span.SetAttributes(attribute.Bool("cache_hit", true))
	return &obj, nil
}

// SetFileMetadata stores object metadata in cache with the configured TTL
func (rc *RedisClient) SetFileMetadata(ctx context.Context, filename string, obj *models.Object) error {
	ctx, span := tracer.Start(ctx, "redis.set_file_metadata",
		trace.WithAttributes(attribute.String("file_name", filename)),
	)
	defer span.End()

	data, err := json.Marshal(obj)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal file: %w", err)
	}

	if err := rc.client.Set(ctx, cacheKey(filename), data, rc.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}

	span.SetAttributes(attribute.Int64("ttl_seconds", int64(rc.ttl.Seconds())))
	return nil
}

// InvalidateFileMetadata removes object metadata from cache
func (rc *RedisClient) InvalidateFileMetadata(ctx context.Context, filename string) error {
	ctx, span := tracer.Start(ctx, "redis.invalidate_file_metadata",
		trace.WithAttributes(attribute.String("file_name", filename)),
	)
	defer span.End()

	if err := rc.client.Del(ctx, cacheKey(filename)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return nil
}
