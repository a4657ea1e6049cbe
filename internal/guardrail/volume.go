package guardrail

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// VolumeCounter counts volume abuse flags per user within a fixed window
type VolumeCounter interface {
	Incr(ctx context.Context, userID string) (int64, error)
}

type RedisVolumeCounter struct {
	redis  *redis.Client
	window time.Duration
}

func NewRedisVolumeCounter(client *redis.Client, window time.Duration) *RedisVolumeCounter {
	return &RedisVolumeCounter{redis: client, window: window}
}

func (r *RedisVolumeCounter) Incr(ctx context.Context, userID string) (int64, error) {
	key := fmt.Sprintf("ally:v1:guardrail:volume:%s", userID)
	count, err := r.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// First flag in the window starts the window
	if count == 1 {
		if err := r.redis.Expire(ctx, key, r.window).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

type memoryWindow struct {
	count   int64
	resetAt time.Time
}

type MemoryVolumeCounter struct {
	mu      sync.Mutex
	window  time.Duration
	windows map[string]*memoryWindow
	now     func() time.Time
}

func NewMemoryVolumeCounter(window time.Duration) *MemoryVolumeCounter {
	return &MemoryVolumeCounter{window: window, windows: map[string]*memoryWindow{}, now: time.Now}
}

func (m *MemoryVolumeCounter) Incr(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	w, ok := m.windows[userID]
	if !ok || now.After(w.resetAt) {
		w = &memoryWindow{resetAt: now.Add(m.window)}
		m.windows[userID] = w
	}
	w.count++
	return w.count, nil
}
