// Package sequence hands out monotonically increasing numbers per period, used
// to build human-readable request reference codes without racing on "latest
// record" queries.
package sequence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Sequencer interface {
	Next(ctx context.Context, period string) (int64, error)
}

type Memory struct {
	mu       sync.Mutex
	counters map[string]int64
}

func NewMemory() *Memory {
	return &Memory{counters: make(map[string]int64)}
}

func (m *Memory) Next(ctx context.Context, period string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[period]++
	return m.counters[period], nil
}

// keyTTL keeps a period counter around well past the month it numbers.
const keyTTL = 400 * 24 * time.Hour

type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "fleet:seq:"}
}

func (r *Redis) Next(ctx context.Context, period string) (int64, error) {
	key := r.prefix + period
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, keyTTL)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sequence %s: %w", period, err)
	}
	return incr.Val(), nil
}

var (
	_ Sequencer = (*Memory)(nil)
	_ Sequencer = (*Redis)(nil)
)
