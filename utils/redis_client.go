package utils

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisOptions builds client options from a redis:// URL or a bare host:port.
func RedisOptions(url, password string, db int) *redis.Options {
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{
			Addr:     url,
			Password: password,
			DB:       db,
		}
	}

	// Dispatcher ticks and request handlers share the pool.
	opts.PoolSize = 100
	opts.MinIdleConns = 10
	opts.MaxRetries = 3
	return opts
}

// NewRedisClient creates a pooled Redis client and verifies the connection.
func NewRedisClient(url, password string, db int, logger *logrus.Logger) (*redis.Client, error) {
	client := redis.NewClient(RedisOptions(url, password, db))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "connect to redis at %s", url)
	}

	logger.WithField("addr", client.Options().Addr).Info("Successfully connected to Redis")
	return client, nil
}

// RedisHealthCheck performs a health check on Redis connection
func RedisHealthCheck(ctx context.Context, client *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "redis health check failed")
	}

	return nil
}
