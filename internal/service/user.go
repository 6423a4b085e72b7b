package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"securedrop/internal/auth"
	"securedrop/internal/config"
	"securedrop/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	minUsernameLen = 2
	maxUsernameLen = 64
	searchLimit    = 20
)

// UserService 封装注册、登录、token 刷新和个人资料。
type UserService struct {
	base
	cfg config.Config
}

func NewUserService(db *gorm.DB, cfg config.Config, opts ...Option) *UserService {
	return &UserService{base: newBase(db, opts), cfg: cfg}
}

// AuthResult 是登录类接口的返回值。
type AuthResult struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	TokenType    string  `json:"token_type"`
	User         UserDTO `json:"user"`
}

// ConfirmInput 是注册第二步的参数，Secret 来自第一步返回的 Provisioning。
type ConfirmInput struct {
	Username  string
	PublicKey string
	Secret    string
	Code      string
}

// ProfileInput 中为 nil 的字段保持不变。
type ProfileInput struct {
	Username  *string
	AvatarURL *string
}

func normalizeUsername(name string) (string, error) {
	name = strings.TrimSpace(name)
	n := utf8.RuneCountInString(name)
	if n < minUsernameLen || n > maxUsernameLen {
		return "", invalidOperation("username must be 2-64 characters")
	}
	return name, nil
}

// BeginRegistration 检查用户名可用并生成 TOTP 密钥。此时还不创建用户。
func (s *UserService) BeginRegistration(ctx context.Context, username string) (*auth.Provisioning, error) {
	username, err := normalizeUsername(username)
	if err != nil {
		return nil, err
	}
	_, db, cancel := s.scope(ctx)
	defer cancel()

	taken, err := usernameTaken(db, username, uuid.Nil)
	if err != nil {
		return nil, storeErr("check username", err)
	}
	if taken {
		return nil, invalidState("username taken")
	}
	p, err := auth.NewTOTP(s.cfg.TOTPIssuer, username)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ConfirmRegistration 校验验证码后创建已验证的用户并签发 token。
// 用户名唯一性最终由唯一索引保证。
func (s *UserService) ConfirmRegistration(ctx context.Context, in ConfirmInput) (*AuthResult, error) {
	username, err := normalizeUsername(in.Username)
	if err != nil {
		return nil, err
	}
	if in.Secret == "" || !auth.ValidateTOTP(in.Code, in.Secret, s.now()) {
		return nil, invalidOperation("invalid verification code")
	}
	_, db, cancel := s.scope(ctx)
	defer cancel()

	user := models.User{
		Username:   username,
		TOTPSecret: in.Secret,
		PublicKey:  in.PublicKey,
		IsVerified: true,
		CreatedAt:  s.now(),
	}
	var out *AuthResult
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		var err error
		out, err = s.issueTokens(tx, &user)
		return err
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, invalidState("username taken")
	}
	if err != nil {
		return nil, storeErr("create user", err)
	}
	log.Info().Str("user_id", user.ID.String()).Msg("user registered")
	return out, nil
}

// Login 用用户名和当前 TOTP 验证码登录。
func (s *UserService) Login(ctx context.Context, username, code string) (*AuthResult, error) {
	_, db, cancel := s.scope(ctx)
	defer cancel()

	var user models.User
	if err := db.Where("username = ?", strings.TrimSpace(username)).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, storeErr("find user", err)
	}
	if !auth.ValidateTOTP(code, user.TOTPSecret, s.now()) {
		return nil, ErrInvalidCredentials
	}

	var out *AuthResult
	err := db.Transaction(func(tx *gorm.DB) error {
		if !user.IsVerified {
			if err := tx.Model(&user).Update("is_verified", true).Error; err != nil {
				return err
			}
			user.IsVerified = true
		}
		var err error
		out, err = s.issueTokens(tx, &user)
		return err
	})
	if err != nil {
		return nil, storeErr("login", err)
	}
	return out, nil
}

// Refresh 吊销旧 refresh token 并签发新的一对（旋转刷新）。
func (s *UserService) Refresh(ctx context.Context, token string) (*AuthResult, error) {
	_, db, cancel := s.scope(ctx)
	defer cancel()

	var out *AuthResult
	err := db.Transaction(func(tx *gorm.DB) error {
		now := s.now()
		rec, err := auth.ValidateRefreshToken(tx, token, now)
		if err != nil {
			return err
		}
		if err := auth.RevokeRefreshToken(tx, token, now); err != nil {
			return err
		}
		var user models.User
		if err := tx.First(&user, "id = ?", rec.UserID).Error; err != nil {
			return err
		}
		out, err = s.issueTokens(tx, &user)
		return err
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &Error{Kind: KindUnauthorized, Reason: "invalid refresh token"}
	}
	if err != nil {
		return nil, storeErr("refresh token", err)
	}
	return out, nil
}

func (s *UserService) Me(ctx context.Context, userID uuid.UUID) (*UserDTO, error) {
	_, db, cancel := s.scope(ctx)
	defer cancel()

	var user models.User
	if err := db.First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("user not found")
		}
		return nil, storeErr("find user", err)
	}
	out := userDTO(&user)
	return &out, nil
}

// UpdateProfile 修改用户名或头像。空字符串的头像表示清除。
func (s *UserService) UpdateProfile(ctx context.Context, userID uuid.UUID, in ProfileInput) (*UserDTO, error) {
	updates := map[string]any{}
	if in.Username != nil {
		name, err := normalizeUsername(*in.Username)
		if err != nil {
			return nil, err
		}
		updates["username"] = name
	}
	if in.AvatarURL != nil {
		if v := strings.TrimSpace(*in.AvatarURL); v != "" {
			updates["avatar_url"] = v
		} else {
			updates["avatar_url"] = nil
		}
	}

	_, db, cancel := s.scope(ctx)
	defer cancel()

	var user models.User
	if err := db.First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("user not found")
		}
		return nil, storeErr("find user", err)
	}
	if len(updates) == 0 {
		out := userDTO(&user)
		return &out, nil
	}
	if name, ok := updates["username"].(string); ok && name != user.Username {
		taken, err := usernameTaken(db, name, userID)
		if err != nil {
			return nil, storeErr("check username", err)
		}
		if taken {
			return nil, invalidState("username taken")
		}
	}
	if err := db.Model(&user).Updates(updates).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, invalidState("username taken")
		}
		return nil, storeErr("update profile", err)
	}
	if err := db.First(&user, "id = ?", userID).Error; err != nil {
		return nil, storeErr("reload user", err)
	}
	out := userDTO(&user)
	return &out, nil
}

// Search 按用户名子串查找已验证用户，不包含请求者本人。
func (s *UserService) Search(ctx context.Context, requesterID uuid.UUID, query string) ([]UserDTO, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, invalidOperation("username query is empty")
	}
	_, db, cancel := s.scope(ctx)
	defer cancel()

	var users []models.User
	err := db.Where(`username LIKE ? ESCAPE '\' AND is_verified = ? AND id <> ?`, "%"+escapeLike(query)+"%", true, requesterID).
		Order("username ASC").
		Limit(searchLimit).
		Find(&users).Error
	if err != nil {
		return nil, storeErr("search users", err)
	}
	out := make([]UserDTO, 0, len(users))
	for i := range users {
		out = append(out, userDTO(&users[i]))
	}
	return out, nil
}

func (s *UserService) issueTokens(tx *gorm.DB, user *models.User) (*AuthResult, error) {
	at, err := auth.GenerateAccessToken(user.ID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, err
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	exp := s.now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
	if err := auth.SaveRefreshToken(tx, user.ID, rt, exp); err != nil {
		return nil, err
	}
	return &AuthResult{AccessToken: at, RefreshToken: rt, TokenType: "bearer", User: userDTO(user)}, nil
}

func usernameTaken(db *gorm.DB, username string, except uuid.UUID) (bool, error) {
	var count int64
	err := db.Model(&models.User{}).Where("username = ? AND id <> ?", username, except).Count(&count).Error
	return count > 0, err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }
