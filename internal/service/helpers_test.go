package service

import (
	"sync"
	"testing"
	"time"

	"securedrop/internal/db"
	"securedrop/internal/models"
	"securedrop/internal/presence"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.OpenSQLite("file::memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}

func mkUser(t *testing.T, gdb *gorm.DB, name string, verified bool) models.User {
	t.Helper()
	u := models.User{Username: name, TOTPSecret: "JBSWY3DPEHPK3PXP", IsVerified: verified}
	require.NoError(t, gdb.Create(&u).Error)
	return u
}

func newTestTracker(start time.Time) (*presence.Tracker, *presence.ManualClock) {
	clock := presence.NewManualClock(start)
	tr := presence.NewTracker(presence.NewMemoryCache(clock.Now), 45*time.Second, time.Second).WithClock(clock.Now)
	return tr, clock
}

// stepClock 每次调用前进 1 秒，让消息时间严格递增。
type stepClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(_ uuid.UUID, evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
