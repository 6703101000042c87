package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the Client implementation backed by a real Redis (or
// Redis-compatible) server: connection pooling, linear-backoff retry on
// transient errors, and a background health-check loop.
type RedisClient struct {
	cfg Config
	rdb *redis.Client

	healthy    atomic.Bool
	stopHealth chan struct{}
	healthWG   sync.WaitGroup
}

// NewRedisClient dials Redis per cfg and starts the background health loop.
func NewRedisClient(cfg Config) (*RedisClient, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	opts.PoolSize = cfg.PoolSize

	c := &RedisClient{
		cfg:        cfg,
		rdb:        redis.NewClient(opts),
		stopHealth: make(chan struct{}),
	}
	c.healthy.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.CommandTimeout)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		c.healthy.Store(false)
		return c, err
	}

	c.healthWG.Add(1)
	go c.healthLoop()

	return c, nil
}

func (c *RedisClient) healthLoop() {
	defer c.healthWG.Done()
	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopHealth:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CommandTimeout)
			err := c.rdb.Ping(ctx).Err()
			cancel()
			c.healthy.Store(err == nil)
			if err != nil {
				slog.Warn("broker health check failed", "error", err)
			}
		}
	}
}

// withRetry runs op up to cfg.MaxRetries+1 times with linear backoff,
// retrying only on connection-shaped errors. Logical errors (e.g. WRONGTYPE)
// surface immediately.
func (c *RedisClient) withRetry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			return err
		}
		if attempt == c.cfg.MaxRetries {
			c.healthy.Store(false)
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.RetryBaseDelay * time.Duration(attempt+1)):
		}
	}
	return errors.Join(ErrTransient, lastErr)
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.ErrClosed) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return true
	}
	// A reply from the server (WRONGTYPE, ERR ...) is a logical error.
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		return false
	}
	// go-redis surfaces most connectivity failures as plain errors whose
	// text is the underlying net error; redis.Nil is the only "not found"
	// sentinel and is never transient.
	return !errors.Is(err, redis.Nil)
}

func (c *RedisClient) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	var n int64
	err := c.withRetry(ctx, func() error {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
		defer cancel()
		res, err := c.rdb.Publish(cctx, channel, payload).Result()
		n = res
		return err
	})
	return n, err
}

type redisSubscription struct {
	sub *redis.PubSub
	ch  <-chan *redis.Message
}

func (s *redisSubscription) Next(ctx context.Context) (Frame, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return Frame{}, errors.New("broker: subscription closed")
		}
		ft := FrameMessage
		if msg.Pattern != "" && msg.Pattern != msg.Channel {
			ft = FramePMessage
		}
		return Frame{Channel: msg.Channel, Payload: []byte(msg.Payload), Type: ft}, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (s *redisSubscription) Close() error {
	return s.sub.Close()
}

func (c *RedisClient) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub := c.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, err
	}
	return &redisSubscription{sub: sub, ch: sub.Channel()}, nil
}

func (c *RedisClient) PSubscribe(ctx context.Context, pattern string) (Subscription, error) {
	sub := c.rdb.PSubscribe(ctx, pattern)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, err
	}
	return &redisSubscription{sub: sub, ch: sub.Channel()}, nil
}

func (c *RedisClient) QueuePush(ctx context.Context, key string, member []byte, score float64) error {
	return c.withRetry(ctx, func() error {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
		defer cancel()
		return c.rdb.ZAdd(cctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

func (c *RedisClient) QueuePopMin(ctx context.Context, key string) ([]byte, bool, error) {
	var member []byte
	var ok bool
	err := c.withRetry(ctx, func() error {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
		defer cancel()
		res, err := c.rdb.ZPopMin(cctx, key, 1).Result()
		if err != nil {
			return err
		}
		if len(res) == 0 {
			ok = false
			return nil
		}
		ok = true
		member = []byte(res[0].Member.(string))
		return nil
	})
	return member, ok, err
}

func (c *RedisClient) QueueRange(ctx context.Context, key string) ([][]byte, error) {
	var out [][]byte
	err := c.withRetry(ctx, func() error {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
		defer cancel()
		res, err := c.rdb.ZRange(cctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		out = make([][]byte, len(res))
		for i, s := range res {
			out[i] = []byte(s)
		}
		return nil
	})
	return out, err
}

func (c *RedisClient) QueueLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.withRetry(ctx, func() error {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
		defer cancel()
		res, err := c.rdb.ZCard(cctx, key).Result()
		n = res
		return err
	})
	return n, err
}

func (c *RedisClient) HashSet(ctx context.Context, key, field string, value []byte) error {
	return c.withRetry(ctx, func() error {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
		defer cancel()
		return c.rdb.HSet(cctx, key, field, value).Err()
	})
}

func (c *RedisClient) HashDel(ctx context.Context, key, field string) error {
	return c.withRetry(ctx, func() error {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
		defer cancel()
		return c.rdb.HDel(cctx, key, field).Err()
	})
}

func (c *RedisClient) HashGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := c.withRetry(ctx, func() error {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
		defer cancel()
		res, err := c.rdb.HGetAll(cctx, key).Result()
		if err != nil {
			return err
		}
		for k, v := range res {
			out[k] = []byte(v)
		}
		return nil
	})
	return out, err
}

func (c *RedisClient) ListPushLeft(ctx context.Context, key string, value []byte) error {
	return c.withRetry(ctx, func() error {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
		defer cancel()
		return c.rdb.LPush(cctx, key, value).Err()
	})
}

func (c *RedisClient) ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	var out [][]byte
	err := c.withRetry(ctx, func() error {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
		defer cancel()
		res, err := c.rdb.LRange(cctx, key, start, stop).Result()
		if err != nil {
			return err
		}
		out = make([][]byte, len(res))
		for i, s := range res {
			out[i] = []byte(s)
		}
		return nil
	})
	return out, err
}

func (c *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.withRetry(ctx, func() error {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
		defer cancel()
		return c.rdb.Expire(cctx, key, ttl).Err()
	})
}

func (c *RedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.withRetry(ctx, func() error {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
		defer cancel()
		return c.rdb.Set(cctx, key, value, ttl).Err()
	})
}

func (c *RedisClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var ok bool
	err := c.withRetry(ctx, func() error {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
		defer cancel()
		res, err := c.rdb.Get(cctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			ok = false
			return nil
		}
		if err != nil {
			return err
		}
		ok = true
		value = res
		return nil
	})
	return value, ok, err
}

func (c *RedisClient) Ping(ctx context.Context) error {
	return c.withRetry(ctx, func() error {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
		defer cancel()
		return c.rdb.Ping(cctx).Err()
	})
}

func (c *RedisClient) IsHealthy() bool {
	return c.healthy.Load()
}

func (c *RedisClient) Close() error {
	close(c.stopHealth)
	c.healthWG.Wait()
	return c.rdb.Close()
}
