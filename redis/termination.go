package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/m-lab/ndt5-client/logging"
)

// pollTimeout bounds a single look at the stop flag.
const pollTimeout = 2 * time.Second

func stopKey(name string) string {
	return "table_2:" + name
}

// RequestStop sets or clears the stop flag of this client. A set flag
// expires after an hour so a forgotten one cannot stop clients forever.
func (c *Client) RequestStop(ctx context.Context, stop bool) error {
	if !stop {
		return c.rdb.Del(ctx, stopKey(c.name)).Err()
	}
	return c.rdb.Set(ctx, stopKey(c.name), 1, time.Hour).Err()
}

// StopRequested reports whether the stop flag of this client is set. A
// missing flag means no.
func (c *Client) StopRequested(ctx context.Context) (bool, error) {
	val, err := c.rdb.Get(ctx, stopKey(c.name)).Int()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == 1, nil
}

// WantToStop implements status.Stopper. An unreachable server never stops
// a session.
func (c *Client) WantToStop() bool {
	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	defer cancel()
	stop, err := c.StopRequested(ctx)
	if err != nil {
		logging.Logger.WithError(err).Warn("Could not read the stop flag")
		return false
	}
	return stop
}
