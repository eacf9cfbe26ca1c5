package gate

import (
	"context"
	"errors"
	"github.com/modfin/posten/internal/dao"
	"github.com/redis/go-redis/v9"
	"time"
)

// Counter is an atomic, externally owned, counter store
type Counter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
}

type RedisCounter struct {
	client *redis.Client
}

func NewRedisCounter(url string) (*RedisCounter, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisCounter{client: redis.NewClient(opt)}, nil
}

func (r *RedisCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *RedisCounter) Get(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (r *RedisCounter) Stop(ctx context.Context) error {
	return r.client.Close()
}

type CounterStore interface {
	IncrCounter(ctx context.Context, name string, ttl time.Duration) (int64, error)
	GetCounter(ctx context.Context, name string) (int64, error)
}

// DBCounter keeps counters in the database when no redis is configured
type DBCounter struct {
	store CounterStore
}

func NewDBCounter(store CounterStore) *DBCounter {
	return &DBCounter{store: store}
}

func (d *DBCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return d.store.IncrCounter(ctx, key, ttl)
}

func (d *DBCounter) Get(ctx context.Context, key string) (int64, error) {
	return d.store.GetCounter(ctx, key)
}

var _ CounterStore = (*dao.DB)(nil)
