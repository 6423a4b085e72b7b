package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"securedrop/internal/config"
	"securedrop/internal/db"
	"securedrop/internal/models"
	"securedrop/internal/presence"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestGenerateAccessToken(t *testing.T) {
	tests := []struct {
		name       string
		userID     uuid.UUID
		secret     string
		ttlMinutes int
		wantErr    bool
	}{
		{"valid token", uuid.New(), "test-secret", 15, false},
		{"nil user id", uuid.Nil, "test-secret", 15, false},
		{"empty secret", uuid.New(), "", 15, false},
		{"zero ttl", uuid.New(), "test-secret", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := GenerateAccessToken(tt.userID, tt.secret, tt.ttlMinutes)
			if (err != nil) != tt.wantErr {
				t.Errorf("GenerateAccessToken() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && token == "" {
				t.Error("GenerateAccessToken() returned empty token")
			}
		})
	}
}

func TestParseAccessToken(t *testing.T) {
	secret := "test-secret-key"
	userID := uuid.New()

	token, err := GenerateAccessToken(userID, secret, 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	tests := []struct {
		name    string
		token   string
		secret  string
		wantUID uuid.UUID
		wantErr bool
	}{
		{"valid token", token, secret, userID, false},
		{"wrong secret", token, "wrong-secret", uuid.Nil, true},
		{"invalid token", "invalid.token.here", secret, uuid.Nil, true},
		{"empty token", "", secret, uuid.Nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := ParseAccessToken(tt.token, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseAccessToken() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}
			uid, err := claims.UID()
			if err != nil || uid != tt.wantUID {
				t.Errorf("ParseAccessToken() UID = %v (%v), want %v", uid, err, tt.wantUID)
			}
		})
	}
}

func TestParseAccessToken_Expired(t *testing.T) {
	secret := "test-secret"
	token, err := GenerateAccessToken(uuid.New(), secret, -1)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	claims, err := ParseAccessToken(token, secret)
	if err == nil {
		t.Error("ParseAccessToken() should return error for expired token")
	}
	if claims != nil {
		t.Error("ParseAccessToken() should return nil claims for expired token")
	}
}

func TestGenerateRefreshToken(t *testing.T) {
	token1, err := GenerateRefreshToken()
	if err != nil {
		t.Fatalf("GenerateRefreshToken() error = %v", err)
	}
	token2, err := GenerateRefreshToken()
	if err != nil {
		t.Fatalf("GenerateRefreshToken() error = %v", err)
	}
	if token1 == token2 {
		t.Error("GenerateRefreshToken() should generate unique tokens")
	}
	// 32 字节 hex 编码
	if len(token1) != 64 {
		t.Errorf("GenerateRefreshToken() token length = %d, want 64", len(token1))
	}
}

func TestRefreshTokenLifecycle(t *testing.T) {
	gdb, err := db.OpenSQLite("file::memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))

	uid := uuid.New()
	now := time.Now().UTC()
	require.NoError(t, SaveRefreshToken(gdb, uid, "live", now.Add(time.Hour)))
	require.NoError(t, SaveRefreshToken(gdb, uid, "stale", now.Add(-time.Minute)))

	rec, err := ValidateRefreshToken(gdb, "live", now)
	require.NoError(t, err)
	assert.Equal(t, uid, rec.UserID)

	_, err = ValidateRefreshToken(gdb, "stale", now)
	assert.Error(t, err, "expired token must be rejected")

	require.NoError(t, RevokeRefreshToken(gdb, "live", now))
	_, err = ValidateRefreshToken(gdb, "live", now)
	assert.Error(t, err, "revoked token must be rejected")
	assert.ErrorIs(t, RevokeRefreshToken(gdb, "live", now), gorm.ErrRecordNotFound, "second revoke loses")
}

func TestTOTP(t *testing.T) {
	p, err := NewTOTP("securedrop", "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, p.Secret)
	assert.True(t, strings.HasPrefix(p.URL, "otpauth://totp/"))
	assert.True(t, strings.HasPrefix(p.QRCode, "data:image/png;base64,"))

	now := time.Now()
	code, err := totp.GenerateCode(p.Secret, now)
	require.NoError(t, err)

	assert.True(t, ValidateTOTP(code, p.Secret, now))
	assert.True(t, ValidateTOTP(code, p.Secret, now.Add(30*time.Second)), "one period of skew is accepted")
	assert.False(t, ValidateTOTP(code, p.Secret, now.Add(5*time.Minute)))
	assert.False(t, ValidateTOTP("000000x", p.Secret, now))
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	gdb, err := db.OpenSQLite("file::memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))

	user := models.User{Username: "alice", TOTPSecret: "x", IsVerified: true}
	require.NoError(t, gdb.Create(&user).Error)

	cfg := config.Config{JWTSecret: "test-secret"}
	clock := presence.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tracker := presence.NewTracker(presence.NewMemoryCache(clock.Now), 45*time.Second, time.Second).WithClock(clock.Now)

	r := gin.New()
	r.GET("/me", AuthMiddleware(cfg, gdb, tracker), func(c *gin.Context) {
		c.String(http.StatusOK, GetUserID(c).String())
	})

	good, err := GenerateAccessToken(user.ID, cfg.JWTSecret, 5)
	require.NoError(t, err)
	ghost, err := GenerateAccessToken(uuid.New(), cfg.JWTSecret, 5)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer nope", http.StatusUnauthorized},
		{"unknown user", "Bearer " + ghost, http.StatusUnauthorized},
		{"ok", "Bearer " + good, http.StatusOK},
		{"lowercase scheme", "bearer " + good, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, user.ID.String(), w.Body.String())
			}
		})
	}

	st := tracker.BatchQuery(context.Background(), []uuid.UUID{user.ID})[user.ID]
	assert.True(t, st.Online, "authenticated request marks the user online")
	require.NotNil(t, st.LastSeen)
	assert.True(t, st.LastSeen.Equal(clock.Now()))
}

func TestAuthMiddleware_StoreUnavailable(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name  string
		setup func(t *testing.T, gdb *gorm.DB, cfg *config.Config)
	}{
		{"closed database", func(t *testing.T, gdb *gorm.DB, _ *config.Config) {
			sqlDB, err := gdb.DB()
			require.NoError(t, err)
			require.NoError(t, sqlDB.Close())
		}},
		{"lookup exceeds store timeout", func(_ *testing.T, _ *gorm.DB, cfg *config.Config) {
			cfg.StoreTimeout = time.Nanosecond
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gdb, err := db.OpenSQLite("file::memory:")
			require.NoError(t, err)
			require.NoError(t, db.Migrate(gdb))
			user := models.User{Username: "alice", TOTPSecret: "x", IsVerified: true}
			require.NoError(t, gdb.Create(&user).Error)

			cfg := config.Config{JWTSecret: "test-secret", StoreTimeout: 5 * time.Second}
			token, err := GenerateAccessToken(user.ID, cfg.JWTSecret, 5)
			require.NoError(t, err)
			tt.setup(t, gdb, &cfg)

			_, err = Authenticate(context.Background(), gdb, cfg, token)
			assert.ErrorIs(t, err, ErrStoreUnavailable)

			tracker := presence.NewTracker(presence.NewMemoryCache(time.Now), 45*time.Second, time.Second)
			r := gin.New()
			r.GET("/me", AuthMiddleware(cfg, gdb, tracker), func(c *gin.Context) {
				c.Status(http.StatusOK)
			})
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, http.StatusServiceUnavailable, w.Code, "a store failure must not look like a bad token")
			assert.Equal(t, "1", w.Header().Get("Retry-After"))
			assert.Contains(t, w.Body.String(), "store unavailable")
		})
	}
}

func TestAuthenticate_Errors(t *testing.T) {
	gdb, err := db.OpenSQLite("file::memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	cfg := config.Config{JWTSecret: "test-secret"}

	ghost, err := GenerateAccessToken(uuid.New(), cfg.JWTSecret, 5)
	require.NoError(t, err)
	forged, err := GenerateAccessToken(uuid.New(), "other-secret", 5)
	require.NoError(t, err)

	_, err = Authenticate(context.Background(), gdb, cfg, ghost)
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = Authenticate(context.Background(), gdb, cfg, forged)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = Authenticate(context.Background(), gdb, cfg, "junk")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
