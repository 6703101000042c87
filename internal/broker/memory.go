package broker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryClient is an in-process Client used by the messaging-core tests so
// they do not require a live Redis instance. It implements the same
// at-least-once, priority-ordered semantics the Redis implementation gets
// from ZADD/ZPOPMIN/HSET/LPUSH.
type MemoryClient struct {
	mu sync.Mutex

	subs map[string][]*memorySub // channel -> subscribers (exact match)
	zset map[string]map[string]float64
	hash map[string]map[string][]byte
	list map[string][][]byte
	kv   map[string][]byte

	healthy bool
	closed  bool
}

type memorySub struct {
	channel string
	pattern bool
	ch      chan Frame
	done    chan struct{}
}

// NewMemoryClient returns a ready-to-use in-memory broker.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		subs:    make(map[string][]*memorySub),
		zset:    make(map[string]map[string]float64),
		hash:    make(map[string]map[string][]byte),
		list:    make(map[string][][]byte),
		kv:      make(map[string][]byte),
		healthy: true,
	}
}

func matchPattern(pattern, channel string) bool {
	// Minimal glob: '*' only, sufficient for the "workspace:*"-style
	// patterns this system uses.
	if pattern == channel {
		return true
	}
	if idx := indexStar(pattern); idx >= 0 {
		prefix := pattern[:idx]
		suffix := pattern[idx+1:]
		return len(channel) >= len(prefix)+len(suffix) &&
			channel[:len(prefix)] == prefix &&
			channel[len(channel)-len(suffix):] == suffix
	}
	return false
}

func indexStar(s string) int {
	for i, r := range s {
		if r == '*' {
			return i
		}
	}
	return -1
}

func (c *MemoryClient) Publish(_ context.Context, channel string, payload []byte) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errors.New("broker: closed")
	}
	var delivered int64
	for key, subs := range c.subs {
		for _, s := range subs {
			matched := (!s.pattern && key == channel) || (s.pattern && matchPattern(key, channel))
			if !matched {
				continue
			}
			ft := FrameMessage
			if s.pattern {
				ft = FramePMessage
			}
			select {
			case s.ch <- Frame{Channel: channel, Payload: payload, Type: ft}:
				delivered++
			default:
				// Slow subscriber: drop rather than block the publisher,
				// matching the broker's fire-and-forget semantics.
			}
		}
	}
	return delivered, nil
}

type memorySubscription struct {
	client *MemoryClient
	key    string
	sub    *memorySub
}

func (s *memorySubscription) Next(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-s.sub.ch:
		if !ok {
			return Frame{}, errors.New("broker: subscription closed")
		}
		return f, nil
	case <-s.sub.done:
		return Frame{}, errors.New("broker: subscription closed")
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (s *memorySubscription) Close() error {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	subs := s.client.subs[s.key]
	for i, existing := range subs {
		if existing == s.sub {
			s.client.subs[s.key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	close(s.sub.done)
	return nil
}

func (c *MemoryClient) subscribe(key string, pattern bool) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := &memorySub{channel: key, pattern: pattern, ch: make(chan Frame, 64), done: make(chan struct{})}
	c.subs[key] = append(c.subs[key], sub)
	return &memorySubscription{client: c, key: key, sub: sub}, nil
}

func (c *MemoryClient) Subscribe(_ context.Context, channel string) (Subscription, error) {
	return c.subscribe(channel, false)
}

func (c *MemoryClient) PSubscribe(_ context.Context, pattern string) (Subscription, error) {
	return c.subscribe(pattern, true)
}

func (c *MemoryClient) QueuePush(_ context.Context, key string, member []byte, score float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.zset[key] == nil {
		c.zset[key] = make(map[string]float64)
	}
	c.zset[key][string(member)] = score
	return nil
}

func (c *MemoryClient) QueuePopMin(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	z := c.zset[key]
	if len(z) == 0 {
		return nil, false, nil
	}
	var best string
	var bestScore float64
	first := true
	for m, score := range z {
		if first || score < bestScore || (score == bestScore && m < best) {
			best, bestScore, first = m, score, false
		}
	}
	delete(z, best)
	return []byte(best), true, nil
}

func (c *MemoryClient) QueueRange(_ context.Context, key string) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	z := c.zset[key]
	members := make([]string, 0, len(z))
	for m := range z {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		si, sj := z[members[i]], z[members[j]]
		if si != sj {
			return si < sj
		}
		return members[i] < members[j]
	})
	out := make([][]byte, len(members))
	for i, m := range members {
		out[i] = []byte(m)
	}
	return out, nil
}

func (c *MemoryClient) QueueLen(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.zset[key])), nil
}

func (c *MemoryClient) HashSet(_ context.Context, key, field string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hash[key] == nil {
		c.hash[key] = make(map[string][]byte)
	}
	c.hash[key][field] = value
	return nil
}

func (c *MemoryClient) HashDel(_ context.Context, key, field string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.hash[key], field)
	return nil
}

func (c *MemoryClient) HashGetAll(_ context.Context, key string) (map[string][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]byte, len(c.hash[key]))
	for k, v := range c.hash[key] {
		out[k] = v
	}
	return out, nil
}

func (c *MemoryClient) ListPushLeft(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list[key] = append([][]byte{value}, c.list[key]...)
	return nil
}

func (c *MemoryClient) ListRange(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.list[key]
	n := int64(len(l))
	if n == 0 {
		return nil, nil
	}
	if stop < 0 || stop >= n {
		stop = n - 1
	}
	if start < 0 {
		start = 0
	}
	if start > stop {
		return nil, nil
	}
	out := make([][]byte, stop-start+1)
	copy(out, l[start:stop+1])
	return out, nil
}

func (c *MemoryClient) Expire(_ context.Context, _ string, _ time.Duration) error {
	return nil
}

func (c *MemoryClient) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kv[key] = value
	return nil
}

func (c *MemoryClient) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.kv[key]
	return v, ok, nil
}

func (c *MemoryClient) Ping(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("broker: closed")
	}
	return nil
}

func (c *MemoryClient) IsHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy && !c.closed
}

func (c *MemoryClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, subs := range c.subs {
		for _, s := range subs {
			close(s.ch)
		}
	}
	return nil
}
