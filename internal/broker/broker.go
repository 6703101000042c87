// Package broker provides a thin, typed façade over an external pub-sub
// plus key-value broker (Redis), with retry and health tracking. Every
// other messaging component talks to the broker exclusively through the
// Client interface so that it can be faked in tests.
package broker

import (
	"context"
	"errors"
	"time"
)

// Frame is a single inbound pub-sub delivery.
type Frame struct {
	Channel string
	Payload []byte
	Type    FrameType
}

// FrameType distinguishes a plain-channel delivery from a pattern match.
type FrameType string

const (
	FrameMessage  FrameType = "message"
	FramePMessage FrameType = "pmessage"
)

// ErrTransient marks an error the caller may retry — the Client itself
// already retries internally per Config.MaxRetries before returning this.
var ErrTransient = errors.New("broker: transient error")

// Config controls connection pooling, timeouts and retry behavior.
type Config struct {
	URL                 string
	PoolSize            int
	CommandTimeout      time.Duration
	HealthCheckInterval time.Duration
	MaxRetries          int
	RetryBaseDelay      time.Duration
}

// DefaultConfig returns the defaults named in the external-interfaces
// configuration surface.
func DefaultConfig(url string) Config {
	return Config{
		URL:                 url,
		PoolSize:            10,
		CommandTimeout:      5 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		MaxRetries:          3,
		RetryBaseDelay:      50 * time.Millisecond,
	}
}

// Subscription is a live handle on a broker-side subscription. Closing it
// unsubscribes from the broker and stops delivering frames to Next.
type Subscription interface {
	// Next blocks for the next frame, or returns ctx.Err() when ctx is done.
	Next(ctx context.Context) (Frame, error)
	// Close unsubscribes and releases broker-side resources.
	Close() error
}

// Client is a typed wrapper over a pub-sub + KV store providing the
// primitives the messaging components build on.
type Client interface {
	// Publish fires payload to every current subscriber of channel and
	// returns the best-effort delivered count.
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)

	// Subscribe joins a server-side subscription to an exact channel name.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	// PSubscribe joins a server-side subscription to a glob pattern.
	PSubscribe(ctx context.Context, pattern string) (Subscription, error)

	// QueuePush adds member to the sorted structure under key with the
	// given score; idempotent by member identity (the member itself, not
	// its score, determines uniqueness).
	QueuePush(ctx context.Context, key string, member []byte, score float64) error
	// QueuePopMin atomically removes and returns the lowest-score member,
	// or ok=false if key is empty.
	QueuePopMin(ctx context.Context, key string) (member []byte, ok bool, err error)
	// QueueRange returns members in ascending-score order without removing
	// them, for pending-queue introspection.
	QueueRange(ctx context.Context, key string) ([][]byte, error)
	// QueueLen returns the number of members currently under key.
	QueueLen(ctx context.Context, key string) (int64, error)

	// HashSet sets a single field in a hash.
	HashSet(ctx context.Context, key, field string, value []byte) error
	// HashDel removes a single field from a hash.
	HashDel(ctx context.Context, key, field string) error
	// HashGetAll returns every field/value pair in a hash.
	HashGetAll(ctx context.Context, key string) (map[string][]byte, error)

	// ListPushLeft prepends value to a list.
	ListPushLeft(ctx context.Context, key string, value []byte) error
	// ListRange returns the list contents from start to stop inclusive
	// (stop = -1 means "to the end").
	ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	// Expire bounds a key's lifetime.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Set/Get back the health prober's write-then-read probe.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Ping is a bare liveness probe.
	Ping(ctx context.Context) error

	// IsHealthy reports the result of the most recent background probe.
	IsHealthy() bool

	// Close disconnects and stops the background health-check loop.
	Close() error
}
