package presence

import (
	"context"
	"sync"
	"time"
)

type memItem struct {
	value   string
	expires time.Time
}

// MemoryCache 是进程内实现：过期在读取时惰性判断，不需要后台清理协程。
// 未配置 REDIS_URL 时使用，测试中配合 ManualClock 精确控制 TTL。
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memItem
	now   func() time.Time
}

func NewMemoryCache(now func() time.Time) *MemoryCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{items: make(map[string]memItem), now: now}
}

func (m *MemoryCache) SetMulti(_ context.Context, entries ...Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, e := range entries {
		it := memItem{value: e.Value}
		if e.TTL > 0 {
			it.expires = now.Add(e.TTL)
		}
		m.items[e.Key] = it
	}
	return nil
}

func (m *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.lookup(key, m.now())
	return v, ok, nil
}

func (m *MemoryCache) MGet(_ context.Context, keys ...string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := m.lookup(k, now); ok {
			out[k] = v
		}
	}
	return out, nil
}

// lookup 需要持有 m.mu。
func (m *MemoryCache) lookup(key string, now time.Time) (string, bool) {
	it, ok := m.items[key]
	if !ok {
		return "", false
	}
	if !it.expires.IsZero() && !now.Before(it.expires) {
		delete(m.items, key)
		return "", false
	}
	return it.value, true
}

// ManualClock 是可手动推进的时钟。
type ManualClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{t: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
