package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xtxerr/chronotier/internal/errors"
)

// RedisConfig configures the Redis layer.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisLayer shares cache entries between processes through Redis. Each
// entry is stored under its own key with the entry TTL. A set per
// (timeframe, symbol) lists the entries holding that symbol.
type RedisLayer struct {
	client *redis.Client
	prefix string
}

// NewRedisLayer connects to Redis and verifies the connection.
func NewRedisLayer(ctx context.Context, cfg RedisConfig) (*RedisLayer, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisLayerWithClient(client, cfg.Prefix), nil
}

// NewRedisLayerWithClient wraps an existing client.
func NewRedisLayerWithClient(client *redis.Client, prefix string) *RedisLayer {
	return &RedisLayer{client: client, prefix: prefix}
}

// Name implements Layer.
func (r *RedisLayer) Name() string { return "redis" }

func (r *RedisLayer) entryKey(id string) string {
	return r.prefix + "entry:" + id
}

func (r *RedisLayer) indexKey(tf, symbol string) string {
	return r.prefix + "idx:" + tf + ":" + symbol
}

// Get implements Layer.
func (r *RedisLayer) Get(ctx context.Context, key Key) (Entry, error) {
	id := key.String()
	data, err := r.client.Get(ctx, r.entryKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, errors.ErrCacheMiss
		}
		return Entry{}, fmt.Errorf("%w: redis get: %v", errors.ErrCacheLayer, err)
	}

	e, err := unmarshalEntry(data)
	if err != nil {
		r.client.Del(ctx, r.entryKey(id))
		return Entry{}, fmt.Errorf("%w: %v", errors.ErrCacheLayer, err)
	}
	if e.Key.String() != id {
		return Entry{}, errors.ErrCacheMiss
	}
	return e, nil
}

// Put implements Layer.
func (r *RedisLayer) Put(ctx context.Context, e Entry) error {
	id := e.Key.String()
	if err := r.client.Set(ctx, r.entryKey(id), marshalEntry(e), e.TTL).Err(); err != nil {
		return fmt.Errorf("%w: redis set: %v", errors.ErrCacheLayer, err)
	}
	for _, sym := range e.Key.Symbols {
		if err := r.client.SAdd(ctx, r.indexKey(e.Key.Timeframe, sym), id).Err(); err != nil {
			return fmt.Errorf("%w: redis index: %v", errors.ErrCacheLayer, err)
		}
	}
	return nil
}

// Invalidate implements Layer. Index members whose entry already expired
// are dropped from the index as well.
func (r *RedisLayer) Invalidate(ctx context.Context, symbol, tf string, start, end int64) (int, error) {
	idx := r.indexKey(tf, symbol)
	members, err := r.client.SMembers(ctx, idx).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: redis index: %v", errors.ErrCacheLayer, err)
	}

	var (
		keys    []string
		removed []interface{}
	)
	for _, id := range members {
		k, err := ParseKey(id)
		if err == nil && !k.Affected(symbol, tf, start, end) {
			continue
		}
		removed = append(removed, id)
		if err == nil {
			keys = append(keys, r.entryKey(id))
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}

	n := 0
	if len(keys) > 0 {
		deleted, err := r.client.Del(ctx, keys...).Result()
		if err != nil {
			return 0, fmt.Errorf("%w: redis del: %v", errors.ErrCacheLayer, err)
		}
		n = int(deleted)
	}
	if err := r.client.SRem(ctx, idx, removed...).Err(); err != nil {
		return n, fmt.Errorf("%w: redis index: %v", errors.ErrCacheLayer, err)
	}
	return n, nil
}

// Close implements Layer.
func (r *RedisLayer) Close() error {
	return r.client.Close()
}
