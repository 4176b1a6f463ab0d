// Package redis shares what a long running client measures, and lets an
// operator stop it, through a redis server. Every key belongs to one client
// name, so many clients can share a server.
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	dialTimeout = 2 * time.Second
	ioTimeout   = 2 * time.Second
)

// Client is the redis view of one measuring client.
type Client struct {
	rdb  *redis.Client
	name string
	// ttl is how long records and the index live after the last session.
	ttl time.Duration
	// keep bounds the index of recent sessions.
	keep int64
}

// NewClient connects to the server at addr on behalf of the client called
// name.
func NewClient(addr, name string) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  dialTimeout,
		ReadTimeout:  ioTimeout,
		WriteTimeout: ioTimeout,
	})
	return &Client{rdb: rdb, name: name, ttl: 24 * time.Hour, keep: 100}
}

// Name is the client name every key is scoped to.
func (c *Client) Name() string {
	return c.name
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the connections to the server.
func (c *Client) Close() error {
	return c.rdb.Close()
}
