package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/codexmgr/codexmgr/pkg/logging"
)

var logger = logging.New("kv")

// Client is the go-redis backed Store used in production.
type Client struct {
	rdb *redis.Client
}

var _ Store = (*Client)(nil)

// Open parses a standard Redis URL and returns a connected client. The
// connection is lazy; use Ping to verify reachability.
func Open(url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return &Client{rdb: redis.NewClient(opts)}, nil
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	value, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("get %q: %w", key, ErrNotFound)
		}
		return "", unavailable("GET", key, err)
	}
	return value, nil
}

func (c *Client) Set(ctx context.Context, key, value string, opts SetOptions) (bool, error) {
	if opts.IfNotExists {
		ok, err := c.rdb.SetNX(ctx, key, value, opts.TTL).Result()
		if err != nil {
			return false, unavailable("SET NX", key, err)
		}
		return ok, nil
	}
	if err := c.rdb.Set(ctx, key, value, opts.TTL).Err(); err != nil {
		return false, unavailable("SET", key, err)
	}
	return true, nil
}

func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	n, err := c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, unavailable("DEL", fmt.Sprintf("%d keys", len(keys)), err)
	}
	return n, nil
}

func (c *Client) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	keys, next, err := c.rdb.Scan(ctx, cursor, match, count).Result()
	if err != nil {
		return nil, 0, unavailable("SCAN", match, err)
	}
	return keys, next, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("PING", "", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func unavailable(op, subject string, err error) error {
	logger.Error("kv operation failed", "op", op, "subject", subject, "error", err)
	return fmt.Errorf("%s %q: %w: %v", op, subject, ErrUnavailable, err)
}
