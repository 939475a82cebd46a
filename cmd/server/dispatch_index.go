package main

import (
	"context"
	"log"

	"orderflow/cmd/server/config"
	"orderflow/internal/dispatchindex"
	"orderflow/internal/orders"

	"github.com/redis/go-redis/v9"
)

// buildDispatchIndex wires the dispatch failure index. Without REDIS_URL the
// server keeps failures in memory; they are then lost on restart, which is
// acceptable for dev runs since the shipping saga still holds the latest
// reason in its snapshot.
func buildDispatchIndex(ctx context.Context) (orders.DispatchFailureIndex, func(), error) {
	cfg, err := config.LoadRedis()
	if err != nil {
		return nil, nil, err
	}
	if cfg.URL == "" {
		return orders.NewInMemoryDispatchFailureIndex(), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(pingCtx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	index := dispatchindex.NewRedisIndex(redisClientAdapter{client: client}, cfg.Stream, cfg.FailureTTL, cfg.StreamMaxLen)
	cleanup := func() {
		if err := client.Close(); err != nil {
			log.Printf("close redis: %v", err)
		}
	}
	return index, cleanup, nil
}

type redisClientAdapter struct {
	client *redis.Client
}

func (a redisClientAdapter) Pipeline() dispatchindex.Pipeliner {
	return a.client.Pipeline()
}

func (a redisClientAdapter) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	return a.client.HGetAll(ctx, key)
}
