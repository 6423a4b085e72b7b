// Package presence 记录用户的在线状态与最后活跃时间。
//
// 状态只存在于可过期的键值缓存里，不写入数据库：online 键带短 TTL 自动过期，
// last_seen 键没有过期时间，每次鉴权请求覆盖写入。缓存故障永远不会传播给调用方。
package presence

import (
	"context"
	"time"
)

// Entry 是一次写入。TTL 为 0 表示永不过期。
type Entry struct {
	Key   string
	Value string
	TTL   time.Duration
}

// Cache 是 Tracker 依赖的最小键值接口，所有写入都是无条件覆盖。
type Cache interface {
	SetMulti(ctx context.Context, entries ...Entry) error
	Get(ctx context.Context, key string) (string, bool, error)
	// MGet 只返回存在的键。
	MGet(ctx context.Context, keys ...string) (map[string]string, error)
}
