package service

import (
	"time"

	"securedrop/internal/models"
	"securedrop/internal/presence"

	"github.com/google/uuid"
)

// ImagePlaceholder 在会话列表的最后一条消息里替代图片内容。
const ImagePlaceholder = "📷 Фото"

// UserDTO 是对外输出的用户数据，在线字段只在会话列表中填充。
type UserDTO struct {
	ID         uuid.UUID  `json:"id"`
	Username   string     `json:"username"`
	PublicKey  string     `json:"public_key,omitempty"`
	IsVerified bool       `json:"is_verified"`
	AvatarURL  *string    `json:"avatar_url"`
	CreatedAt  time.Time  `json:"created_at"`
	IsOnline   bool       `json:"is_online"`
	LastSeen   *time.Time `json:"last_seen"`
}

type LastMessageDTO struct {
	ID        uuid.UUID `json:"id"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	SenderID  uuid.UUID `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
}

type ChatDTO struct {
	ID           uuid.UUID       `json:"id"`
	Participants []UserDTO       `json:"participants"`
	CreatedAt    time.Time       `json:"created_at"`
	LastMessage  *LastMessageDTO `json:"last_message"`
}

type ReplyDTO struct {
	ID       uuid.UUID          `json:"id"`
	Content  string             `json:"content"`
	SenderID uuid.UUID          `json:"sender_id"`
	Type     models.MessageType `json:"type"`
}

type MessageDTO struct {
	ID        uuid.UUID          `json:"id"`
	ChatID    uuid.UUID          `json:"chat_id"`
	SenderID  uuid.UUID          `json:"sender_id"`
	Content   string             `json:"content"`
	Type      models.MessageType `json:"type"`
	CreatedAt time.Time          `json:"created_at"`
	ReadAt    *time.Time         `json:"read_at"`
	ReplyToID *uuid.UUID         `json:"reply_to_id"`
	ReplyTo   *ReplyDTO          `json:"reply_to"`
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func userDTO(u *models.User) UserDTO {
	return UserDTO{
		ID:         u.ID,
		Username:   u.Username,
		PublicKey:  u.PublicKey,
		IsVerified: u.IsVerified,
		AvatarURL:  u.AvatarURL,
		CreatedAt:  u.CreatedAt.UTC(),
	}
}

func userDTOWithPresence(u *models.User, st presence.Status) UserDTO {
	out := userDTO(u)
	out.IsOnline = st.Online
	out.LastSeen = utcPtr(st.LastSeen)
	return out
}

func lastMessageDTO(m *models.Message) *LastMessageDTO {
	content := m.Content
	if m.Type == models.MessageImage {
		content = ImagePlaceholder
	}
	return &LastMessageDTO{
		ID:        m.ID,
		Content:   content,
		Type:      string(m.Type),
		SenderID:  m.SenderID,
		CreatedAt: m.CreatedAt.UTC(),
	}
}

// messageDTO 只展开一层回复；reply 为 nil 表示没有引用或引用已被删除。
func messageDTO(m *models.Message, reply *models.Message) MessageDTO {
	out := MessageDTO{
		ID:        m.ID,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Type:      m.Type,
		CreatedAt: m.CreatedAt.UTC(),
		ReadAt:    utcPtr(m.ReadAt),
		ReplyToID: m.ReplyToID,
	}
	if reply != nil {
		out.ReplyTo = &ReplyDTO{ID: reply.ID, Content: reply.Content, SenderID: reply.SenderID, Type: reply.Type}
	}
	return out
}
