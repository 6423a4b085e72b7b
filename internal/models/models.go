package models

import (
	"bytes"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MessageType 标记消息载荷的种类，内容本身对服务端不透明。
type MessageType string

const (
	MessageText  MessageType = "TEXT"
	MessageImage MessageType = "IMAGE"
	MessageEmoji MessageType = "EMOJI"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageEmoji:
		return true
	}
	return false
}

type User struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Username   string    `gorm:"uniqueIndex;size:64;not null"`
	TOTPSecret string    `gorm:"column:totp_secret"`
	PublicKey  string    `gorm:"type:text"`
	IsVerified bool      `gorm:"not null;default:false"`
	AvatarURL  *string   `gorm:"type:text"`
	CreatedAt  time.Time
}

// Chat 是两人会话。PairKey 由两个参与者 ID 排序拼接而成，唯一索引保证同一对用户只有一个会话。
type Chat struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey"`
	PairKey      string            `gorm:"uniqueIndex;size:80;not null"`
	CreatorID    *uuid.UUID        `gorm:"type:uuid"`
	CreatedAt    time.Time         `gorm:"not null"`
	Participants []ChatParticipant `gorm:"foreignKey:ChatID;constraint:OnDelete:CASCADE"`
}

type ChatParticipant struct {
	ChatID uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID uuid.UUID `gorm:"type:uuid;primaryKey;index"`
	User   User      `gorm:"foreignKey:UserID"`
}

// Message 的 ReplyToID 不建外键：被回复的消息删除后引用悬空是合法的历史状态。
type Message struct {
	ID        uuid.UUID   `gorm:"type:uuid;primaryKey"`
	ChatID    uuid.UUID   `gorm:"type:uuid;not null;index:idx_msg_chat_created,priority:1"`
	SenderID  uuid.UUID   `gorm:"type:uuid;not null;index"`
	Content   string      `gorm:"type:text;not null"`
	Type      MessageType `gorm:"size:16;not null"`
	CreatedAt time.Time   `gorm:"not null;index:idx_msg_chat_created,priority:2"`
	ReadAt    *time.Time
	ReplyToID *uuid.UUID `gorm:"type:uuid;index"`
}

type RefreshToken struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID `gorm:"type:uuid;index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}

// v7 IDs are time ordered, so a larger ID means a later insert.
func assignID(id *uuid.UUID) error {
	if *id != uuid.Nil {
		return nil
	}
	v, err := uuid.NewV7()
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (u *User) BeforeCreate(*gorm.DB) error { return assignID(&u.ID) }

func (c *Chat) BeforeCreate(*gorm.DB) error { return assignID(&c.ID) }

func (m *Message) BeforeCreate(*gorm.DB) error { return assignID(&m.ID) }

func (rt *RefreshToken) BeforeCreate(*gorm.DB) error { return assignID(&rt.ID) }

// PairKey returns the order-independent key of a two-party chat.
func PairKey(a, b uuid.UUID) string {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return a.String() + ":" + b.String()
}

// ParticipantIDs lists the user IDs attached to the chat.
func (c *Chat) ParticipantIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// IsPairWith reports whether the chat is exactly the two-party chat that includes userID.
func (c *Chat) IsPairWith(userID uuid.UUID) bool {
	if len(c.Participants) != 2 {
		return false
	}
	seen := make(map[uuid.UUID]struct{}, 2)
	for _, p := range c.Participants {
		seen[p.UserID] = struct{}{}
	}
	if len(seen) != 2 {
		return false
	}
	_, ok := seen[userID]
	return ok
}
