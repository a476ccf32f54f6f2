package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/terminal-bench/notarium/pkg/items"
)

// Redis shares the packed-item cache between processes on one host and
// survives node restarts within the TTL window.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis connects to the given address and verifies the connection.
func NewRedis(ctx context.Context, addr string, ttl time.Duration) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Redis{rdb: rdb, ttl: ttl}, nil
}

func (r *Redis) PutItem(ctx context.Context, id items.HashID, packed []byte) error {
	if err := r.rdb.Set(ctx, "notary:item:"+id.String(), packed, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache item: %w", err)
	}
	return nil
}

func (r *Redis) GetItem(ctx context.Context, id items.HashID) ([]byte, error) {
	packed, err := r.rdb.Get(ctx, "notary:item:"+id.String()).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read item cache: %w", err)
	}
	return packed, nil
}

func (r *Redis) PutParcel(ctx context.Context, id items.HashID, packed []byte) error {
	if err := r.rdb.Set(ctx, "notary:parcel:"+id.String(), packed, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache parcel: %w", err)
	}
	return nil
}

func (r *Redis) GetParcel(ctx context.Context, id items.HashID) ([]byte, error) {
	packed, err := r.rdb.Get(ctx, "notary:parcel:"+id.String()).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read parcel cache: %w", err)
	}
	return packed, nil
}

func (r *Redis) Close() error { return r.rdb.Close() }
