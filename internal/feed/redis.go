package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	keyNamespace        = "socially:feed:"
	invalidationChannel = "socially:feed:invalidations"
	connectTimeout      = 5 * time.Second
)

// RedisInvalidator drops the cached render of a path and announces the invalidation to other replicas.
type RedisInvalidator struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisInvalidator connects to Redis and verifies the connection.
func NewRedisInvalidator(url string, logger *zap.Logger) (*RedisInvalidator, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("redis connection established", zap.String("addr", opt.Addr))
	return &RedisInvalidator{client: client, logger: logger}, nil
}

// NewRedisInvalidatorWithClient wraps an existing client.
func NewRedisInvalidatorWithClient(client *redis.Client, logger *zap.Logger) *RedisInvalidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisInvalidator{client: client, logger: logger}
}

// Invalidate deletes the cached key for path and publishes path on the invalidation channel.
func (r *RedisInvalidator) Invalidate(ctx context.Context, path string) error {
	if r == nil || r.client == nil {
		return nil
	}
	normalized, err := NormalizePath(path)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, CacheKey(normalized))
	pipe.Publish(ctx, invalidationChannel, normalized)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("feed: redis invalidation of %s failed: %w", normalized, err)
	}
	return nil
}

// Subscribe relays invalidations published by any replica into the dispatcher until ctx ends.
func (r *RedisInvalidator) Subscribe(ctx context.Context, dispatcher *Dispatcher) {
	if r == nil || r.client == nil || dispatcher == nil {
		return
	}
	subscription := r.client.Subscribe(ctx, invalidationChannel)
	go func() {
		defer subscription.Close()
		channel := subscription.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case message, ok := <-channel:
				if !ok {
					return
				}
				if err := dispatcher.Invalidate(ctx, message.Payload); err != nil {
					r.logger.Warn("dropping malformed invalidation", zap.String("payload", message.Payload), zap.Error(err))
				}
			}
		}
	}()
}

// Close closes the Redis connection.
func (r *RedisInvalidator) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

// CacheKey namespaces the cached render of a path.
func CacheKey(path string) string {
	return keyNamespace + path
}
