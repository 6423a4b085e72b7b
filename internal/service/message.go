package service

import (
	"context"
	"errors"
	"strings"

	"securedrop/internal/metrics"
	"securedrop/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MessageService 封装消息时间线：发送、读取（顺带标记已读）、删除。
type MessageService struct {
	base
}

func NewMessageService(db *gorm.DB, opts ...Option) *MessageService {
	return &MessageService{base: newBase(db, opts)}
}

// SendInput 是发送消息的参数。Content 是客户端加密后的密文，服务端不解析。
type SendInput struct {
	Content   string
	Type      models.MessageType
	ReplyToID *uuid.UUID
}

// Send 追加一条消息。回复引用必须指向同一会话中已存在的消息。
func (s *MessageService) Send(ctx context.Context, requesterID, chatID uuid.UUID, in SendInput) (*MessageDTO, error) {
	_, db, cancel := s.scope(ctx)
	defer cancel()

	if in.Type == "" {
		in.Type = models.MessageText
	}
	if !in.Type.Valid() {
		return nil, invalidOperation("unknown message type")
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, invalidOperation("message content is empty")
	}

	if err := s.requireParticipant(db, chatID, requesterID); err != nil {
		return nil, err
	}

	var reply *models.Message
	if in.ReplyToID != nil {
		var target models.Message
		err := db.Where("id = ? AND chat_id = ?", *in.ReplyToID, chatID).First(&target).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, invalidOperation("reply target not found in this chat")
		}
		if err != nil {
			return nil, storeErr("find reply target", err)
		}
		reply = &target
	}

	msg := models.Message{
		ChatID:    chatID,
		SenderID:  requesterID,
		Content:   in.Content,
		Type:      in.Type,
		CreatedAt: s.now(),
		ReplyToID: in.ReplyToID,
	}
	if err := db.Create(&msg).Error; err != nil {
		return nil, storeErr("create message", err)
	}
	metrics.MessagesSentTotal.Inc()

	out := messageDTO(&msg, reply)
	s.publish(chatID, EventMessageCreated, out)
	return &out, nil
}

// List 返回会话全部消息（按时间升序，同一时间按插入顺序），
// 并在返回前把对方发来的未读消息一次性标记为已读。
func (s *MessageService) List(ctx context.Context, requesterID, chatID uuid.UUID) ([]MessageDTO, error) {
	_, db, cancel := s.scope(ctx)
	defer cancel()

	if err := s.requireParticipant(db, chatID, requesterID); err != nil {
		return nil, err
	}

	readAt := s.now()
	res := db.Model(&models.Message{}).
		Where("chat_id = ? AND sender_id <> ? AND read_at IS NULL", chatID, requesterID).
		Update("read_at", readAt)
	if res.Error != nil {
		return nil, storeErr("mark messages read", res.Error)
	}

	var msgs []models.Message
	if err := db.Where("chat_id = ?", chatID).Order("created_at ASC").Order("id ASC").Find(&msgs).Error; err != nil {
		return nil, storeErr("list messages", err)
	}

	if res.RowsAffected > 0 {
		s.publish(chatID, EventMessagesRead, map[string]any{"reader_id": requesterID, "read_at": readAt, "count": res.RowsAffected})
	}

	replies := resolveReplies(msgs)
	out := make([]MessageDTO, 0, len(msgs))
	for i := range msgs {
		out = append(out, messageDTO(&msgs[i], replies[msgs[i].ID]))
	}
	return out, nil
}

// Delete 删除自己发送的消息。其它消息对它的回复引用保持悬空。
func (s *MessageService) Delete(ctx context.Context, requesterID, chatID, messageID uuid.UUID) error {
	_, db, cancel := s.scope(ctx)
	defer cancel()

	if err := s.requireParticipant(db, chatID, requesterID); err != nil {
		return err
	}

	var msg models.Message
	if err := db.Where("id = ? AND chat_id = ?", messageID, chatID).First(&msg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound("message not found")
		}
		return storeErr("find message", err)
	}
	if msg.SenderID != requesterID {
		return forbidden("you can only delete your own messages")
	}
	if err := db.Delete(&msg).Error; err != nil {
		return storeErr("delete message", err)
	}
	s.publish(chatID, EventMessageDeleted, map[string]any{"id": msg.ID})
	return nil
}

func (s *MessageService) requireParticipant(db *gorm.DB, chatID, userID uuid.UUID) error {
	ok, err := isParticipant(db, chatID, userID)
	if err != nil {
		return storeErr("check participant", err)
	}
	if !ok {
		return forbidden("you are not a participant of this chat")
	}
	return nil
}

// resolveReplies 把每条消息映射到它回复的消息。回复目标必然在同一会话内，
// 因此直接在本次结果里查找；找不到说明已被删除，视为没有回复。
func resolveReplies(msgs []models.Message) map[uuid.UUID]*models.Message {
	byID := make(map[uuid.UUID]*models.Message, len(msgs))
	for i := range msgs {
		byID[msgs[i].ID] = &msgs[i]
	}
	out := make(map[uuid.UUID]*models.Message)
	for i := range msgs {
		if msgs[i].ReplyToID == nil {
			continue
		}
		if target, ok := byID[*msgs[i].ReplyToID]; ok {
			out[msgs[i].ID] = target
		}
	}
	return out
}
