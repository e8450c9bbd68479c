// Package redis holds the Redis-backed pieces that must be shared between
// processes: the detection snapshot and the record leases.
package redis

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

// NewClient accepts a redis:// URL or a bare host:port.
func NewClient(redisURL string) *Client {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		opt = &redis.Options{
			Addr: redisURL,
		}
	}

	return &Client{redis.NewClient(opt)}
}

// Ping satisfies the readiness check.
func (c *Client) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

func (c *Client) setJSON(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, data, 0).Err()
}

// getJSON reports false when the key does not exist.
func (c *Client) getJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(data, dest)
}
