package service

import (
	"bytes"
	"context"

	"securedrop/internal/metrics"
	"securedrop/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// LastMessages 返回每个会话最新的一条消息，没有消息的会话不在结果中。
// 聚合失败时降级为空结果，会话列表照常返回。
func LastMessages(ctx context.Context, gdb *gorm.DB, chatIDs []uuid.UUID) map[uuid.UUID]models.Message {
	out, err := latestMessages(gdb.WithContext(ctx), chatIDs)
	if err != nil {
		metrics.LastMessageDegradedTotal.Inc()
		log.Warn().Err(err).Int("chats", len(chatIDs)).Msg("last message aggregation")
		return map[uuid.UUID]models.Message{}
	}
	return out
}

// latestMessages 先按会话求最大 created_at，再取该时间点上的全部消息；
// 同一时间戳有多条时取 ID 最大的一条，不依赖数据库返回行的顺序。
func latestMessages(gdb *gorm.DB, chatIDs []uuid.UUID) (map[uuid.UUID]models.Message, error) {
	out := make(map[uuid.UUID]models.Message, len(chatIDs))
	if len(chatIDs) == 0 {
		return out, nil
	}

	latest := gdb.Model(&models.Message{}).
		Select("chat_id, MAX(created_at) AS max_created_at").
		Where("chat_id IN ?", chatIDs).
		Group("chat_id")

	var candidates []models.Message
	err := gdb.Model(&models.Message{}).
		Joins("JOIN (?) AS latest ON messages.chat_id = latest.chat_id AND messages.created_at = latest.max_created_at", latest).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	for _, m := range candidates {
		cur, ok := out[m.ChatID]
		if !ok || bytes.Compare(m.ID[:], cur.ID[:]) > 0 {
			out[m.ChatID] = m
		}
	}
	return out, nil
}
