// Package redis provides the Redis client shared by the landscape sink and
// the performance store
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/StreetsDigital/thenexusengine/mediation/pkg/logger"
)

// Nil is returned by commands that find no value
const Nil = goredis.Nil

// Client wraps a go-redis client with the address it was built from
type Client struct {
	*goredis.Client
	address string
}

// New creates a client from a redis:// URL. It does not contact the server.
func New(redisURL string) (*Client, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL is empty")
	}

	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 2 * time.Second
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = time.Second
	}

	return &Client{Client: goredis.NewClient(opts), address: opts.Addr}, nil
}

// Address returns host:port of the server
func (c *Client) Address() string {
	return c.address
}

// Ping checks connectivity, logging a warning on failure
func (c *Client) Ping(ctx context.Context) error {
	if err := c.Client.Ping(ctx).Err(); err != nil {
		logger.Log.Warn().Err(err).Str("address", c.address).Msg("Redis ping failed")
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}
