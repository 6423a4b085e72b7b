package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingCache struct{}

var errDown = errors.New("connection refused")

func (failingCache) SetMulti(context.Context, ...Entry) error { return errDown }
func (failingCache) Get(context.Context, string) (string, bool, error) {
	return "", false, errDown
}
func (failingCache) MGet(context.Context, ...string) (map[string]string, error) {
	return nil, errDown
}

// slowCache blocks until the caller's deadline expires.
type slowCache struct{}

func (slowCache) SetMulti(ctx context.Context, _ ...Entry) error {
	<-ctx.Done()
	return ctx.Err()
}
func (slowCache) Get(ctx context.Context, _ string) (string, bool, error) {
	<-ctx.Done()
	return "", false, ctx.Err()
}
func (slowCache) MGet(ctx context.Context, _ ...string) (map[string]string, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestTracker(ttl time.Duration) (*Tracker, *ManualClock) {
	clock := NewManualClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	cache := NewMemoryCache(clock.Now)
	return NewTracker(cache, ttl, time.Second).WithClock(clock.Now), clock
}

func TestTracker_TouchThenQuery(t *testing.T) {
	tr, clock := newTestTracker(45 * time.Second)
	ctx := context.Background()
	u := uuid.New()

	tr.Touch(ctx, u)

	st := tr.BatchQuery(ctx, []uuid.UUID{u})[u]
	assert.True(t, st.Online)
	require.NotNil(t, st.LastSeen)
	assert.True(t, st.LastSeen.Equal(clock.Now()))
}

func TestTracker_OnlineExpiresLastSeenStays(t *testing.T) {
	tr, clock := newTestTracker(45 * time.Second)
	ctx := context.Background()
	u := uuid.New()

	tr.Touch(ctx, u)
	touchedAt := clock.Now()

	clock.Advance(44 * time.Second)
	assert.True(t, tr.BatchQuery(ctx, []uuid.UUID{u})[u].Online, "still inside ttl")

	clock.Advance(2 * time.Second)
	st := tr.BatchQuery(ctx, []uuid.UUID{u})[u]
	assert.False(t, st.Online, "online flag must expire after ttl")
	require.NotNil(t, st.LastSeen)
	assert.True(t, st.LastSeen.Equal(touchedAt), "last_seen keeps the last touch")
}

func TestTracker_TouchRefreshesTTL(t *testing.T) {
	tr, clock := newTestTracker(30 * time.Second)
	ctx := context.Background()
	u := uuid.New()

	tr.Touch(ctx, u)
	clock.Advance(20 * time.Second)
	tr.Touch(ctx, u)
	clock.Advance(20 * time.Second)

	st := tr.BatchQuery(ctx, []uuid.UUID{u})[u]
	assert.True(t, st.Online)
	require.NotNil(t, st.LastSeen)
	assert.True(t, st.LastSeen.Equal(clock.Now().Add(-20*time.Second)))
}

func TestTracker_NeverTouched(t *testing.T) {
	tr, _ := newTestTracker(45 * time.Second)
	u := uuid.New()

	st, ok := tr.BatchQuery(context.Background(), []uuid.UUID{u})[u]
	assert.True(t, ok, "every requested user gets an entry")
	assert.False(t, st.Online)
	assert.Nil(t, st.LastSeen)
}

func TestTracker_CacheDownDegrades(t *testing.T) {
	tr := NewTracker(failingCache{}, 45*time.Second, 50*time.Millisecond)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	assert.NotPanics(t, func() { tr.Touch(ctx, a) })

	got := tr.BatchQuery(ctx, []uuid.UUID{a, b})
	assert.Len(t, got, 2)
	for _, st := range got {
		assert.False(t, st.Online)
		assert.Nil(t, st.LastSeen)
	}
}

func TestTracker_CacheTimeoutIsBounded(t *testing.T) {
	tr := NewTracker(slowCache{}, 45*time.Second, 20*time.Millisecond)
	u := uuid.New()

	start := time.Now()
	tr.Touch(context.Background(), u)
	st := tr.BatchQuery(context.Background(), []uuid.UUID{u})[u]

	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, st.Online)
}

func TestTracker_GarbageLastSeen(t *testing.T) {
	clock := NewManualClock(time.Now())
	cache := NewMemoryCache(clock.Now)
	tr := NewTracker(cache, time.Minute, time.Second)
	u := uuid.New()
	require.NoError(t, cache.SetMulti(context.Background(), Entry{Key: LastSeenKey(u), Value: "yesterday"}))

	st := tr.BatchQuery(context.Background(), []uuid.UUID{u})[u]
	assert.Nil(t, st.LastSeen)
}

func TestTracker_Nil(t *testing.T) {
	var tr *Tracker
	u := uuid.New()
	tr.Touch(context.Background(), u)
	assert.Equal(t, Status{}, tr.BatchQuery(context.Background(), []uuid.UUID{u})[u])
}
