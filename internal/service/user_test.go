package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"securedrop/internal/config"
	"securedrop/internal/models"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testConfig() config.Config {
	return config.Config{
		JWTSecret:             "test-secret",
		AccessTokenTTLMinutes: 15,
		RefreshTokenTTLDays:   7,
		TOTPIssuer:            "securedrop-test",
	}
}

func register(t *testing.T, svc *UserService, name string) (*AuthResult, string) {
	t.Helper()
	ctx := context.Background()
	p, err := svc.BeginRegistration(ctx, name)
	require.NoError(t, err)
	code, err := totp.GenerateCode(p.Secret, time.Now())
	require.NoError(t, err)
	res, err := svc.ConfirmRegistration(ctx, ConfirmInput{Username: name, PublicKey: "pk-" + strings.TrimSpace(name), Secret: p.Secret, Code: code})
	require.NoError(t, err)
	return res, p.Secret
}

func TestRegistration(t *testing.T) {
	gdb := newTestDB(t)
	svc := NewUserService(gdb, testConfig())
	ctx := context.Background()

	res, secret := register(t, svc, "  alice ")
	assert.NotEmpty(t, res.AccessToken)
	assert.NotEmpty(t, res.RefreshToken)
	assert.Equal(t, "alice", res.User.Username)
	assert.True(t, res.User.IsVerified)
	assert.Equal(t, "pk-alice", res.User.PublicKey)

	_, err := svc.BeginRegistration(ctx, "alice")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = svc.BeginRegistration(ctx, "a")
	assert.ErrorIs(t, err, ErrInvalidOperation)

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	_, err = svc.ConfirmRegistration(ctx, ConfirmInput{Username: "alice", Secret: secret, Code: code})
	assert.ErrorIs(t, err, ErrInvalidState, "unique index rejects a racing registration")

	_, err = svc.ConfirmRegistration(ctx, ConfirmInput{Username: "bob", Secret: secret, Code: "000000"})
	if code != "000000" {
		assert.ErrorIs(t, err, ErrInvalidOperation)
	}
}

func TestLoginAndRefresh(t *testing.T) {
	gdb := newTestDB(t)
	svc := NewUserService(gdb, testConfig())
	ctx := context.Background()
	first, secret := register(t, svc, "alice")

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	res, err := svc.Login(ctx, "alice", code)
	require.NoError(t, err)
	assert.Equal(t, first.User.ID, res.User.ID)

	_, err = svc.Login(ctx, "nobody", code)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, "alice", "12345")
	assert.ErrorIs(t, err, ErrUnauthorized)

	rotated, err := svc.Refresh(ctx, res.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, res.RefreshToken, rotated.RefreshToken)
	assert.Equal(t, first.User.ID, rotated.User.ID)

	_, err = svc.Refresh(ctx, res.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized, "a rotated token cannot be reused")
	_, err = svc.Refresh(ctx, "garbage")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestLoginVerifiesAccount(t *testing.T) {
	gdb := newTestDB(t)
	svc := NewUserService(gdb, testConfig())
	u := mkUser(t, gdb, "carol", false)

	code, err := totp.GenerateCode(u.TOTPSecret, time.Now())
	require.NoError(t, err)
	res, err := svc.Login(context.Background(), "carol", code)
	require.NoError(t, err)
	assert.True(t, res.User.IsVerified)

	var stored models.User
	require.NoError(t, gdb.First(&stored, "id = ?", u.ID).Error)
	assert.True(t, stored.IsVerified)
}

func TestUpdateProfile(t *testing.T) {
	gdb := newTestDB(t)
	svc := NewUserService(gdb, testConfig())
	alice := mkUser(t, gdb, "alice", true)
	mkUser(t, gdb, "bob", true)
	ctx := context.Background()

	ptr := func(s string) *string { return &s }

	tests := []struct {
		name    string
		in      ProfileInput
		want    error
		wantErr bool
	}{
		{"taken", ProfileInput{Username: ptr("bob")}, ErrInvalidState, true},
		{"too short", ProfileInput{Username: ptr("x")}, ErrInvalidOperation, true},
		{"rename", ProfileInput{Username: ptr("alicia")}, nil, false},
		{"same name", ProfileInput{Username: ptr("alicia")}, nil, false},
		{"avatar", ProfileInput{AvatarURL: ptr("https://cdn/a.png")}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.UpdateProfile(ctx, alice.ID, tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, tt.want)
				return
			}
			assert.NoError(t, err)
		})
	}

	me, err := svc.Me(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "alicia", me.Username)
	require.NotNil(t, me.AvatarURL)
	assert.Equal(t, "https://cdn/a.png", *me.AvatarURL)

	me, err = svc.UpdateProfile(ctx, alice.ID, ProfileInput{AvatarURL: ptr("")})
	require.NoError(t, err)
	assert.Nil(t, me.AvatarURL)
}

func TestSearchUsers(t *testing.T) {
	gdb := newTestDB(t)
	svc := NewUserService(gdb, testConfig())
	alice := mkUser(t, gdb, "alice", true)
	mkUser(t, gdb, "alina", true)
	mkUser(t, gdb, "alfred", false)
	mkUser(t, gdb, "al_x", true)
	ctx := context.Background()

	got, err := svc.Search(ctx, alice.ID, "al")
	require.NoError(t, err)
	assert.Equal(t, []string{"al_x", "alina"}, usernames(got))

	got, err = svc.Search(ctx, alice.ID, "_")
	require.NoError(t, err)
	assert.Equal(t, []string{"al_x"}, usernames(got), "wildcards are matched literally")

	_, err = svc.Search(ctx, alice.ID, " ")
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestMeNotFound(t *testing.T) {
	svc := NewUserService(newTestDB(t), testConfig())
	_, err := svc.Me(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, gorm.ErrRecordNotFound)
}

func usernames(users []UserDTO) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.Username)
	}
	return out
}
