package presence

import (
	"context"
	"time"

	"securedrop/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	onlinePrefix   = "user:online:"
	lastSeenPrefix = "user:last_seen:"
)

// Status 是某个用户的在线快照。LastSeen 为 nil 表示从未记录或缓存不可用。
type Status struct {
	Online   bool
	LastSeen *time.Time
}

type Tracker struct {
	cache   Cache
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
}

// NewTracker 创建 Tracker。ttl 是 online 标记的存活时间，timeout 约束每次缓存访问。
func NewTracker(cache Cache, ttl, timeout time.Duration) *Tracker {
	return &Tracker{cache: cache, ttl: ttl, timeout: timeout, now: time.Now}
}

// WithClock 替换时间来源，测试用。
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

func OnlineKey(userID uuid.UUID) string   { return onlinePrefix + userID.String() }
func LastSeenKey(userID uuid.UUID) string { return lastSeenPrefix + userID.String() }

// Touch 记录一次活跃：覆盖 last_seen，并刷新 online 的 TTL。失败只记日志。
func (t *Tracker) Touch(ctx context.Context, userID uuid.UUID) {
	if t == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	now := t.now().UTC()
	err := t.cache.SetMulti(ctx,
		Entry{Key: LastSeenKey(userID), Value: now.Format(time.RFC3339Nano)},
		Entry{Key: OnlineKey(userID), Value: "1", TTL: t.ttl},
	)
	if err != nil {
		metrics.PresenceErrorsTotal.WithLabelValues("touch").Inc()
		log.Warn().Err(err).Str("user_id", userID.String()).Msg("presence touch")
	}
}

// BatchQuery 一次批量读取所有用户的状态。缓存失败时每个用户都返回离线、未知最后活跃时间。
func (t *Tracker) BatchQuery(ctx context.Context, userIDs []uuid.UUID) map[uuid.UUID]Status {
	out := make(map[uuid.UUID]Status, len(userIDs))
	for _, id := range userIDs {
		out[id] = Status{}
	}
	if t == nil || len(userIDs) == 0 {
		return out
	}

	keys := make([]string, 0, len(userIDs)*2)
	for _, id := range userIDs {
		keys = append(keys, OnlineKey(id), LastSeenKey(id))
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	vals, err := t.cache.MGet(ctx, keys...)
	if err != nil {
		metrics.PresenceErrorsTotal.WithLabelValues("batch_query").Inc()
		log.Warn().Err(err).Int("users", len(userIDs)).Msg("presence batch query")
		return out
	}

	for _, id := range userIDs {
		var st Status
		_, st.Online = vals[OnlineKey(id)]
		if raw, ok := vals[LastSeenKey(id)]; ok {
			if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				ts = ts.UTC()
				st.LastSeen = &ts
			}
		}
		out[id] = st
	}
	return out
}
