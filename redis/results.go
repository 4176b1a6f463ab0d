package redis

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/m-lab/ndt5-client/data"
)

// ErrNoResults is returned by Latest before any session was stored.
var ErrNoResults = errors.New("no results stored")

func resultKey(uuid string) string {
	return "table_1:" + uuid
}

func indexKey(name string) string {
	return "table_1_index:" + name
}

// SetResult stores the record of a session under its control UUID and puts
// the UUID at the head of this client's index of recent sessions.
func (c *Client) SetResult(ctx context.Context, record *data.NDT5Result) error {
	if record == nil || record.Control == nil {
		return errors.New("nil record won't be stored")
	}
	b, err := json.Marshal(record)
	if err != nil {
		return err
	}
	uuid := record.Control.UUID
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, resultKey(uuid), b, c.ttl)
		p.LPush(ctx, indexKey(c.name), uuid)
		p.LTrim(ctx, indexKey(c.name), 0, c.keep-1)
		p.Expire(ctx, indexKey(c.name), c.ttl)
		return nil
	})
	return err
}

// GetResult loads the record stored for uuid.
func (c *Client) GetResult(ctx context.Context, uuid string) (*data.NDT5Result, error) {
	b, err := c.rdb.Get(ctx, resultKey(uuid)).Bytes()
	if err != nil {
		return nil, err
	}
	record := &data.NDT5Result{}
	if err := json.Unmarshal(b, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Recent returns the UUIDs of this client's sessions, newest first.
func (c *Client) Recent(ctx context.Context) ([]string, error) {
	return c.rdb.LRange(ctx, indexKey(c.name), 0, c.keep-1).Result()
}

// Latest loads the record of this client's most recent session.
func (c *Client) Latest(ctx context.Context) (*data.NDT5Result, error) {
	uuid, err := c.rdb.LIndex(ctx, indexKey(c.name), 0).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoResults
	}
	if err != nil {
		return nil, err
	}
	return c.GetResult(ctx, uuid)
}
