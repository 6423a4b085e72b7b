package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"securedrop/internal/config"
	"securedrop/internal/models"
	"securedrop/internal/presence"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// UID 解析 claims 里的用户 ID。
func (c *Claims) UID() (uuid.UUID, error) {
	return uuid.Parse(c.UserID)
}

func GenerateAccessToken(userID uuid.UUID, secret string, ttlMinutes int) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(ttlMinutes) * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseAccessToken(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		if _, err := claims.UID(); err != nil {
			return nil, errors.New("invalid subject")
		}
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

func GenerateRefreshToken() (string, error) {
	b := make([]byte, 32)
	_, err := rand.Read(b)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func SaveRefreshToken(db *gorm.DB, userID uuid.UUID, token string, expiresAt time.Time) error {
	rt := models.RefreshToken{UserID: userID, Token: token, ExpiresAt: expiresAt}
	return db.Create(&rt).Error
}

func ValidateRefreshToken(db *gorm.DB, token string, now time.Time) (*models.RefreshToken, error) {
	var rt models.RefreshToken
	err := db.Where("token = ? AND revoked_at IS NULL AND expires_at > ?", token, now).First(&rt).Error
	if err != nil {
		return nil, err
	}
	return &rt, nil
}

// RevokeRefreshToken 只吊销尚未吊销的 token；并发刷新时只有一个请求能成功，
// 其余得到 gorm.ErrRecordNotFound。
func RevokeRefreshToken(db *gorm.DB, token string, now time.Time) error {
	res := db.Model(&models.RefreshToken{}).Where("token = ? AND revoked_at IS NULL", token).Update("revoked_at", &now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// BearerToken 取出 Authorization 头中的 token，没有则返回空串。
func BearerToken(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if len(authz) < len("Bearer ") || !strings.EqualFold(authz[:len("Bearer ")], "bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[len("Bearer "):])
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUserNotFound = errors.New("user not found")

	// ErrStoreUnavailable 表示 token 本身有效，但加载用户时存储出错或超时。
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Authenticate 校验 token 并加载用户，供中间件和 websocket 握手共用。
// 用户查询受 cfg.StoreTimeout 约束。
func Authenticate(ctx context.Context, db *gorm.DB, cfg config.Config, tokenStr string) (*models.User, error) {
	claims, err := ParseAccessToken(tokenStr, cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	uid, _ := claims.UID()
	if cfg.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.StoreTimeout)
		defer cancel()
	}
	var user models.User
	err = db.WithContext(ctx).First(&user, "id = ?", uid).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &user, nil
}

// AbortWithAuthError 把 Authenticate 的错误写成响应。存储故障返回 503，
// 客户端不应因此丢弃会话；其余情况都是 401。
func AbortWithAuthError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrStoreUnavailable):
		log.Warn().Err(err).Msg("authenticate: store unavailable")
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": ErrStoreUnavailable.Error()})
	case errors.Is(err, ErrUserNotFound):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrUserNotFound.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrInvalidToken.Error()})
	}
}

// AuthMiddleware 校验 Bearer JWT，并把这次请求记为用户活跃。
// 在线状态写入失败不会影响请求本身。
func AuthMiddleware(cfg config.Config, db *gorm.DB, tracker *presence.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := BearerToken(c)
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		user, err := Authenticate(c.Request.Context(), db, cfg, tokenStr)
		if err != nil {
			AbortWithAuthError(c, err)
			return
		}
		tracker.Touch(c.Request.Context(), user.ID)
		c.Set("userID", user.ID)
		c.Set("user", *user)
		c.Next()
	}
}

func GetUserID(c *gin.Context) uuid.UUID {
	if v, ok := c.Get("userID"); ok {
		if id, ok2 := v.(uuid.UUID); ok2 {
			return id
		}
	}
	return uuid.Nil
}
