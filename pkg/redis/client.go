// Package redis wraps go-redis/v9 for the search result cache. Values are
// opaque byte blobs and misses are reported as a boolean, so callers never
// see redis.Nil.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/econaxis/imgrepo/pkg/config"
)

// unlinkBatch bounds how many keys one UNLINK carries.
const unlinkBatch = 256

type Client struct {
	rdb *redis.Client
}

// NewClient dials addr and fails unless the server answers PING within
// five seconds.
func NewClient(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// Fetch returns the value at key. A missing key is (nil, false, nil).
func (c *Client) Fetch(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (c *Client) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// DeletePrefix removes every key starting with prefix and returns how many
// were removed. Keys are unlinked in batches while scanning.
func (c *Client) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	var (
		removed int64
		pending = make([]string, 0, unlinkBatch)
	)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		n, err := c.rdb.Unlink(ctx, pending...).Result()
		removed += n
		pending = pending[:0]
		return err
	}

	iter := c.rdb.Scan(ctx, 0, prefix+"*", unlinkBatch).Iterator()
	for iter.Next(ctx) {
		pending = append(pending, iter.Val())
		if len(pending) == unlinkBatch {
			if err := flush(); err != nil {
				return removed, fmt.Errorf("unlinking %s*: %w", prefix, err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scanning %s*: %w", prefix, err)
	}
	if err := flush(); err != nil {
		return removed, fmt.Errorf("unlinking %s*: %w", prefix, err)
	}
	return removed, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
