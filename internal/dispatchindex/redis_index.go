package dispatchindex

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Failure is one recorded carrier dispatch failure.
type Failure struct {
	OrderID string
	Reason  string
	At      time.Time
}

// Client is the minimal Redis surface used by RedisIndex.
type Client interface {
	Pipeline() Pipeliner
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// Pipeliner is the subset of commands used within a pipeline.
type Pipeliner interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Exec(ctx context.Context) ([]redis.Cmder, error)
}

// RedisIndex records dispatch failures in Redis: a per-order hash holding
// the latest failure for direct lookup, plus a stream for operator tooling
// that tails failures as they happen.
type RedisIndex struct {
	client    Client
	stream    string
	keyPrefix string
	ttl       time.Duration
	maxLen    int64
	now       func() time.Time
}

// NewRedisIndex constructs a Redis-backed dispatch failure index.
func NewRedisIndex(client Client, stream string, ttl time.Duration, maxLen int64) *RedisIndex {
	if stream == "" {
		stream = "dispatch_failures"
	}
	return &RedisIndex{
		client:    client,
		stream:    stream,
		keyPrefix: "dispatch_failure:",
		ttl:       ttl,
		maxLen:    maxLen,
		now:       time.Now,
	}
}

// RecordDispatchFailure writes the latest failure for an order and appends
// it to the failure stream.
func (r *RedisIndex) RecordDispatchFailure(ctx context.Context, orderID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := r.keyPrefix + orderID
	at := r.now().UTC().Format(time.RFC3339Nano)

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, map[string]any{
		"order_id": orderID,
		"reason":   reason,
		"at":       at,
	})
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}

	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"order_id": orderID,
			"reason":   reason,
			"at":       at,
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	pipe.XAdd(ctx, args)

	_, err := pipe.Exec(ctx)
	return err
}

// Lookup returns an order's latest recorded dispatch failure, if any.
func (r *RedisIndex) Lookup(ctx context.Context, orderID string) (Failure, bool, error) {
	fields, err := r.client.HGetAll(ctx, r.keyPrefix+orderID).Result()
	if err != nil {
		return Failure{}, false, err
	}
	if len(fields) == 0 {
		return Failure{}, false, nil
	}

	f := Failure{OrderID: fields["order_id"], Reason: fields["reason"]}
	if at, err := time.Parse(time.RFC3339Nano, fields["at"]); err == nil {
		f.At = at
	}
	return f, true, nil
}
