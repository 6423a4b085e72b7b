package service

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"time"

	"securedrop/internal/metrics"
	"securedrop/internal/models"
	"securedrop/internal/presence"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// ChatService 负责两人会话的查找、创建、列表和删除。
type ChatService struct {
	base
	presence *presence.Tracker
}

func NewChatService(db *gorm.DB, tracker *presence.Tracker, opts ...Option) *ChatService {
	return &ChatService{base: newBase(db, opts), presence: tracker}
}

// CreateOrGet 返回请求者与 username 之间唯一的两人会话，不存在则创建。
//
// 并发创建由 chats.pair_key 的唯一索引兜底：输掉竞争的请求拿到 ErrDuplicatedKey，
// 随后按 pair key 重新读取胜者创建的会话。
func (s *ChatService) CreateOrGet(ctx context.Context, requesterID uuid.UUID, username string) (*ChatDTO, error) {
	ctx, db, cancel := s.scope(ctx)
	defer cancel()

	var target models.User
	if err := db.Where("username = ?", username).First(&target).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("user not found")
		}
		return nil, storeErr("find user", err)
	}
	if !target.IsVerified {
		return nil, invalidState("user has not verified the account yet")
	}
	if target.ID == requesterID {
		return nil, invalidOperation("cannot create a chat with yourself")
	}

	chats, err := chatsOf(db, requesterID)
	if err != nil {
		return nil, storeErr("load chats", err)
	}
	for i := range chats {
		if chats[i].IsPairWith(target.ID) {
			return chatDTO(&chats[i], nil, nil), nil
		}
	}

	pairKey := models.PairKey(requesterID, target.ID)
	// 第二次尝试只会发生在清理掉旧版本遗留的无参与者会话之后。
	for attempt := 0; attempt < 2; attempt++ {
		err := s.createPair(db, pairKey, requesterID, target.ID)
		switch {
		case err == nil:
			metrics.ChatsCreatedTotal.Inc()
		case errors.Is(err, gorm.ErrDuplicatedKey):
			metrics.ChatCreateConflictsTotal.Inc()
		default:
			return nil, storeErr("create chat", err)
		}

		var chat models.Chat
		if err := db.Preload("Participants.User").Where("pair_key = ?", pairKey).First(&chat).Error; err != nil {
			return nil, storeErr("load chat", err)
		}
		if chat.IsPairWith(target.ID) {
			log.Debug().Str("chat_id", chat.ID.String()).Str("requester", requesterID.String()).Msg("chat ready")
			return chatDTO(&chat, nil, nil), nil
		}
		if len(chat.Participants) != 0 {
			break
		}
		if err := db.Delete(&models.Chat{}, "id = ?", chat.ID).Error; err != nil {
			return nil, storeErr("remove orphan chat", err)
		}
		log.Warn().Str("chat_id", chat.ID.String()).Msg("removed orphan chat blocking pair key")
	}
	return nil, &Error{Kind: KindUnavailable, Reason: "chat pair is in an inconsistent state"}
}

// createPair 在同一事务里写入会话和两名参与者，不会留下没有参与者的会话。
func (s *ChatService) createPair(db *gorm.DB, pairKey string, requesterID, targetID uuid.UUID) error {
	return db.Transaction(func(tx *gorm.DB) error {
		chat := models.Chat{PairKey: pairKey, CreatorID: &requesterID, CreatedAt: s.now()}
		if err := tx.Create(&chat).Error; err != nil {
			return err
		}
		parts := []models.ChatParticipant{
			{ChatID: chat.ID, UserID: requesterID},
			{ChatID: chat.ID, UserID: targetID},
		}
		return tx.Create(&parts).Error
	})
}

// List 返回请求者参与的全部会话，附带参与者在线状态和最后一条消息，按最近活跃倒序。
// 在线状态和最后消息的查询互不依赖，并行执行；二者失败都只会降级。
func (s *ChatService) List(ctx context.Context, requesterID uuid.UUID) ([]ChatDTO, error) {
	ctx, db, cancel := s.scope(ctx)
	defer cancel()

	chats, err := chatsOf(db, requesterID)
	if err != nil {
		return nil, storeErr("list chats", err)
	}
	out := make([]ChatDTO, 0, len(chats))
	if len(chats) == 0 {
		return out, nil
	}

	chatIDs := make([]uuid.UUID, 0, len(chats))
	seen := make(map[uuid.UUID]struct{})
	userIDs := make([]uuid.UUID, 0, len(chats)+1)
	for _, c := range chats {
		chatIDs = append(chatIDs, c.ID)
		for _, p := range c.Participants {
			if _, ok := seen[p.UserID]; ok {
				continue
			}
			seen[p.UserID] = struct{}{}
			userIDs = append(userIDs, p.UserID)
		}
	}

	var (
		last     map[uuid.UUID]models.Message
		statuses map[uuid.UUID]presence.Status
		g        errgroup.Group
	)
	g.Go(func() error {
		last = LastMessages(ctx, db, chatIDs)
		return nil
	})
	g.Go(func() error {
		statuses = s.presence.BatchQuery(ctx, userIDs)
		return nil
	})
	_ = g.Wait()

	for i := range chats {
		var lm *models.Message
		if m, ok := last[chats[i].ID]; ok {
			lm = &m
		}
		out = append(out, *chatDTO(&chats[i], lm, statuses))
	}
	sortByActivity(out)
	return out, nil
}

// Delete 删除会话及其全部消息和参与者，仅限参与者操作。
func (s *ChatService) Delete(ctx context.Context, requesterID, chatID uuid.UUID) error {
	ctx, db, cancel := s.scope(ctx)
	defer cancel()

	ok, err := isParticipant(db, chatID, requesterID)
	if err != nil {
		return storeErr("check participant", err)
	}
	if !ok {
		return forbidden("you are not a participant of this chat")
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_id = ?", chatID).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("chat_id = ?", chatID).Delete(&models.ChatParticipant{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Chat{}, "id = ?", chatID).Error
	})
	if err != nil {
		return storeErr("delete chat", err)
	}
	s.publish(chatID, EventChatDeleted, nil)
	return nil
}

// IsParticipant 供 websocket 握手等外部入口做权限判断。
func (s *ChatService) IsParticipant(ctx context.Context, chatID, userID uuid.UUID) (bool, error) {
	_, db, cancel := s.scope(ctx)
	defer cancel()
	ok, err := isParticipant(db, chatID, userID)
	if err != nil {
		return false, storeErr("check participant", err)
	}
	return ok, nil
}

// PurgeOrphans 删除创建超过 olderThan 且没有任何参与者的会话，返回删除数量。
func (s *ChatService) PurgeOrphans(ctx context.Context, olderThan time.Duration) (int64, error) {
	_, db, cancel := s.scope(ctx)
	defer cancel()
	cutoff := s.now().Add(-olderThan)
	res := db.
		Where("created_at < ?", cutoff).
		Where("NOT EXISTS (SELECT 1 FROM chat_participants cp WHERE cp.chat_id = chats.id)").
		Delete(&models.Chat{})
	if res.Error != nil {
		return 0, storeErr("purge orphan chats", res.Error)
	}
	return res.RowsAffected, nil
}

// chatsOf 加载 userID 参与的会话及完整参与者。没有参与者的会话天然不会出现。
func chatsOf(db *gorm.DB, userID uuid.UUID) ([]models.Chat, error) {
	mine := db.Model(&models.ChatParticipant{}).Select("chat_id").Where("user_id = ?", userID)
	var chats []models.Chat
	err := db.Preload("Participants.User").Where("id IN (?)", mine).Find(&chats).Error
	return chats, err
}

func isParticipant(db *gorm.DB, chatID, userID uuid.UUID) (bool, error) {
	var count int64
	err := db.Model(&models.ChatParticipant{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Count(&count).Error
	return count > 0, err
}

func chatDTO(c *models.Chat, last *models.Message, statuses map[uuid.UUID]presence.Status) *ChatDTO {
	parts := make([]UserDTO, 0, len(c.Participants))
	for i := range c.Participants {
		u := &c.Participants[i].User
		parts = append(parts, userDTOWithPresence(u, statuses[u.ID]))
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Username < parts[j].Username })
	out := &ChatDTO{ID: c.ID, Participants: parts, CreatedAt: c.CreatedAt.UTC()}
	if last != nil {
		out.LastMessage = lastMessageDTO(last)
	}
	return out
}

// activity 是排序键：有最后消息时取其时间，否则取会话创建时间。
func activity(c *ChatDTO) time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return c.CreatedAt
}

func sortByActivity(chats []ChatDTO) {
	sort.SliceStable(chats, func(i, j int) bool {
		ai, aj := activity(&chats[i]), activity(&chats[j])
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return bytes.Compare(chats[i].ID[:], chats[j].ID[:]) > 0
	})
}
