package service

import (
	"context"
	"time"

	"securedrop/internal/db"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const defaultStoreTimeout = 5 * time.Second

// Event 是推送给会话实时订阅者的通知。
type Event struct {
	Type    string    `json:"type"`
	ChatID  uuid.UUID `json:"chat_id"`
	Payload any       `json:"payload,omitempty"`
}

const (
	EventMessageCreated = "message.created"
	EventMessageDeleted = "message.deleted"
	EventMessagesRead   = "messages.read"
	EventChatDeleted    = "chat.deleted"
)

// Publisher 接收会话事件，实现方不得阻塞调用方。
type Publisher interface {
	Publish(chatID uuid.UUID, evt Event)
}

// base 聚合各 service 共用的依赖。
type base struct {
	db      *gorm.DB
	timeout time.Duration
	now     func() time.Time
	events  Publisher
}

type Option func(*base)

// WithStoreTimeout 约束单次 service 调用内全部数据库操作的总时长。
func WithStoreTimeout(d time.Duration) Option {
	return func(b *base) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithClock 替换时间来源，测试用。
func WithClock(now func() time.Time) Option {
	return func(b *base) {
		b.now = func() time.Time { return now().UTC().Truncate(time.Microsecond) }
	}
}

func WithPublisher(p Publisher) Option {
	return func(b *base) { b.events = p }
}

func newBase(gdb *gorm.DB, opts []Option) base {
	b := base{db: gdb, timeout: defaultStoreTimeout, now: db.Now}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func (b *base) scope(ctx context.Context) (context.Context, *gorm.DB, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	return ctx, b.db.WithContext(ctx), cancel
}

func (b *base) publish(chatID uuid.UUID, typ string, payload any) {
	if b.events == nil {
		return
	}
	b.events.Publish(chatID, Event{Type: typ, ChatID: chatID, Payload: payload})
}
