package server

import (
	"net/http"
	"strings"

	"securedrop/internal/auth"
	"securedrop/internal/models"
	"securedrop/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	userSvc *service.UserService
	chatSvc *service.ChatService
	msgSvc  *service.MessageService
}

func NewHandler(userSvc *service.UserService, chatSvc *service.ChatService, msgSvc *service.MessageService) *Handler {
	return &Handler{userSvc: userSvc, chatSvc: chatSvc, msgSvc: msgSvc}
}

// writeError 把 service 错误映射为 HTTP 状态码，响应体统一为 {"error": reason}。
func writeError(c *gin.Context, err error, op string) {
	status := http.StatusInternalServerError
	switch service.KindOf(err) {
	case service.KindNotFound:
		status = http.StatusNotFound
	case service.KindForbidden:
		status = http.StatusForbidden
	case service.KindInvalidState:
		status = http.StatusConflict
	case service.KindInvalidOperation:
		status = http.StatusBadRequest
	case service.KindUnauthorized:
		status = http.StatusUnauthorized
	case service.KindUnavailable:
		status = http.StatusServiceUnavailable
		c.Header("Retry-After", "1")
		log.Warn().Err(err).Str("op", op).Msg("store unavailable")
	default:
		log.Error().Err(err).Str("op", op).Msg("unexpected error")
	}
	c.JSON(status, gin.H{"error": service.ReasonOf(err)})
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

// Register 是注册第一步：返回 TOTP 密钥和二维码。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username  string `json:"username"`
		PublicKey string `json:"public_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Username) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	p, err := h.userSvc.BeginRegistration(c.Request.Context(), req.Username)
	if err != nil {
		writeError(c, err, "register")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"username":    strings.TrimSpace(req.Username),
		"public_key":  req.PublicKey,
		"secret":      p.Secret,
		"otpauth_url": p.URL,
		"qr_code":     p.QRCode,
	})
}

// ConfirmRegistration 是注册第二步：校验验证码并创建用户。
func (h *Handler) ConfirmRegistration(c *gin.Context) {
	var req struct {
		Username  string `json:"username"`
		PublicKey string `json:"public_key"`
		Secret    string `json:"totp_secret"`
		Code      string `json:"totp_code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" || req.Secret == "" || req.Code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	res, err := h.userSvc.ConfirmRegistration(c.Request.Context(), service.ConfirmInput{
		Username:  req.Username,
		PublicKey: req.PublicKey,
		Secret:    req.Secret,
		Code:      req.Code,
	})
	if err != nil {
		writeError(c, err, "confirm registration")
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Code     string `json:"totp_code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Username) == "" || req.Code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	res, err := h.userSvc.Login(c.Request.Context(), req.Username, req.Code)
	if err != nil {
		writeError(c, err, "login")
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct{ RefreshToken string `json:"refresh_token"` }
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	res, err := h.userSvc.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		writeError(c, err, "refresh token")
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Me(c *gin.Context) {
	me, err := h.userSvc.Me(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		writeError(c, err, "me")
		return
	}
	c.JSON(http.StatusOK, me)
}

func (h *Handler) UpdateMe(c *gin.Context) {
	var req struct {
		Username  *string `json:"username"`
		AvatarURL *string `json:"avatar_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	me, err := h.userSvc.UpdateProfile(c.Request.Context(), auth.GetUserID(c), service.ProfileInput{Username: req.Username, AvatarURL: req.AvatarURL})
	if err != nil {
		writeError(c, err, "update profile")
		return
	}
	c.JSON(http.StatusOK, me)
}

func (h *Handler) SearchUsers(c *gin.Context) {
	users, err := h.userSvc.Search(c.Request.Context(), auth.GetUserID(c), c.Query("username"))
	if err != nil {
		writeError(c, err, "search users")
		return
	}
	c.JSON(http.StatusOK, users)
}

// CreateChat 返回与目标用户的唯一会话，不存在则创建。
func (h *Handler) CreateChat(c *gin.Context) {
	var req struct {
		ParticipantUsername string `json:"participant_username"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ParticipantUsername) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	chat, err := h.chatSvc.CreateOrGet(c.Request.Context(), auth.GetUserID(c), strings.TrimSpace(req.ParticipantUsername))
	if err != nil {
		writeError(c, err, "create chat")
		return
	}
	c.JSON(http.StatusOK, chat)
}

func (h *Handler) ListChats(c *gin.Context) {
	chats, err := h.chatSvc.List(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		writeError(c, err, "list chats")
		return
	}
	c.JSON(http.StatusOK, chats)
}

func (h *Handler) DeleteChat(c *gin.Context) {
	chatID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	if err := h.chatSvc.Delete(c.Request.Context(), auth.GetUserID(c), chatID); err != nil {
		writeError(c, err, "delete chat")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) SendMessage(c *gin.Context) {
	chatID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Content   string             `json:"content"`
		Type      models.MessageType `json:"type"`
		ReplyToID *uuid.UUID         `json:"reply_to_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	msg, err := h.msgSvc.Send(c.Request.Context(), auth.GetUserID(c), chatID, service.SendInput{
		Content:   req.Content,
		Type:      req.Type,
		ReplyToID: req.ReplyToID,
	})
	if err != nil {
		writeError(c, err, "send message")
		return
	}
	c.JSON(http.StatusOK, msg)
}

// ListMessages 返回会话全部消息，并把对方发来的消息标记为已读。
func (h *Handler) ListMessages(c *gin.Context) {
	chatID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	msgs, err := h.msgSvc.List(c.Request.Context(), auth.GetUserID(c), chatID)
	if err != nil {
		writeError(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	chatID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	msgID, ok := pathUUID(c, "mid")
	if !ok {
		return
	}
	if err := h.msgSvc.Delete(c.Request.Context(), auth.GetUserID(c), chatID, msgID); err != nil {
		writeError(c, err, "delete message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
