// Package version implements the data version counter that read-only
// collaborators watch to invalidate cached pages after a mutation.
package version

import (
	"context"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Counter is a monotonically increasing data version.
type Counter interface {
	Current(ctx context.Context) (int64, error)
	Bump(ctx context.Context) (int64, error)
	// Subscribe streams every new version until ctx is done.
	Subscribe(ctx context.Context) (<-chan int64, error)
}

// Memory is a process-local counter for dev and tests.
type Memory struct {
	mu      sync.Mutex
	current int64
	subs    map[chan int64]struct{}
}

// NewMemory creates a counter starting at zero.
func NewMemory() *Memory {
	return &Memory{subs: make(map[chan int64]struct{})}
}

// Current returns the latest version.
func (m *Memory) Current(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, nil
}

// Bump increments the version and notifies subscribers. Slow subscribers miss
// intermediate values but always see a value at least as new.
func (m *Memory) Bump(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current++
	for ch := range m.subs {
		select {
		case ch <- m.current:
		default:
			// drop the stale pending value so the newest one lands
			select {
			case <-ch:
			default:
			}
			ch <- m.current
		}
	}
	return m.current, nil
}

// Subscribe registers a listener.
func (m *Memory) Subscribe(ctx context.Context) (<-chan int64, error) {
	ch := make(chan int64, 1)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	out := make(chan int64)
	go func() {
		defer close(out)
		defer func() {
			m.mu.Lock()
			delete(m.subs, ch)
			m.mu.Unlock()
		}()
		for {
			select {
			case v := <-ch:
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Redis keeps the version in a Redis key and announces bumps on a channel so
// every API replica sees the same sequence.
type Redis struct {
	client  *redis.Client
	key     string
	channel string
}

// NewRedis builds a Redis-backed counter.
func NewRedis(client *redis.Client, key string) *Redis {
	if key == "" {
		key = "mealreg:data_version"
	}
	return &Redis{client: client, key: key, channel: key + ":events"}
}

// Current returns the stored version, zero when unset.
func (r *Redis) Current(ctx context.Context) (int64, error) {
	v, err := r.client.Get(ctx, r.key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// Bump increments the stored version and publishes it.
func (r *Redis) Bump(ctx context.Context) (int64, error) {
	v, err := r.client.Incr(ctx, r.key).Result()
	if err != nil {
		return 0, err
	}
	if err := r.client.Publish(ctx, r.channel, v).Err(); err != nil {
		return v, err
	}
	return v, nil
}

// Subscribe listens on the bump channel.
func (r *Redis) Subscribe(ctx context.Context) (<-chan int64, error) {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	out := make(chan int64)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				v, err := strconv.ParseInt(msg.Payload, 10, 64)
				if err != nil {
					continue
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
