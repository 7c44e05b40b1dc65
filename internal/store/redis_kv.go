package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxUpdateRetries = 50

// RedisKV implements KV on a single Redis instance.
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV wraps an existing client.
func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

// Client exposes the underlying client for components sharing the connection pool.
func (r *RedisKV) Client() *redis.Client {
	return r.client
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return translate(r.client.Set(ctx, key, value, ttl).Err())
}

func (r *RedisKV) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, translate(err)
	}
	return ok, nil
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, translate(err)
	}
	return val, nil
}

// Update runs fn under WATCH so concurrent writers on the same key retry instead of
// overwriting each other.
func (r *RedisKV) Update(ctx context.Context, key string, fn UpdateFunc) error {
	for i := 0; i < maxUpdateRetries; i++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			ttl, err := tx.PTTL(ctx, key).Result()
			if err != nil {
				return err
			}
			next, err := fn(cur)
			if err != nil {
				return callbackError{err: err}
			}
			if ttl <= 0 {
				ttl = 0
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, next, ttl)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		var cbErr callbackError
		if errors.As(err, &cbErr) {
			return cbErr.err
		}
		return translate(err)
	}
	return fmt.Errorf("%w: %s", ErrConflict, key)
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	return translate(r.client.Del(ctx, key).Err())
}

func (r *RedisKV) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return translate(r.client.SAdd(ctx, key, args...).Err())
}

func (r *RedisKV) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return translate(r.client.SRem(ctx, key, args...).Err())
}

func (r *RedisKV) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, translate(err)
	}
	return members, nil
}

func (r *RedisKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, translate(err)
	}
	return keys, nil
}

func (r *RedisKV) Ping(ctx context.Context) error {
	return translate(r.client.Ping(ctx).Err())
}

func (r *RedisKV) Close() error {
	return r.client.Close()
}

type callbackError struct{ err error }

func (e callbackError) Error() string { return e.err.Error() }

// translate maps go-redis errors onto the store's sentinels. Server error replies
// and context errors are returned as-is; everything else is a connectivity failure.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		return fmt.Errorf("redis: %w", err)
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
