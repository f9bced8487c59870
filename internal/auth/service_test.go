package auth

import (
	"context"
	"testing"
	"time"

	"xr-multiplayer/internal/config"
	"xr-multiplayer/internal/database"
	"xr-multiplayer/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService() *Service {
	cfg := &config.Config{}
	cfg.JWT.Secret = []byte("test-secret")
	cfg.JWT.ExpiresIn = time.Hour
	return NewService(database.NewMemoryDB(), cfg)
}

func TestRegisterLoginIdentify(t *testing.T) {
	ctx := context.Background()
	s := newService()

	reg, err := s.Register(ctx, &models.RegisterRequest{
		DisplayName: "  Ada  ",
		Email:       "Ada@Example.com",
		Password:    "correct-horse",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, reg.Token)
	assert.Equal(t, "Ada", reg.Account.DisplayName)
	assert.Empty(t, reg.Account.PasswordHash)

	login, err := s.Login(ctx, &models.LoginRequest{Email: "ada@example.com", Password: "correct-horse"})
	require.NoError(t, err)
	assert.Equal(t, reg.Account.ID, login.Account.ID)

	id, err := s.Identify(ctx, login.Token)
	require.NoError(t, err)
	assert.Equal(t, reg.Account.ID, id.UserID)
	assert.Equal(t, "Ada", id.DisplayName)
	assert.False(t, id.Guest)

	_, err = s.Login(ctx, &models.LoginRequest{Email: "ada@example.com", Password: "wrong-password"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Login(ctx, &models.LoginRequest{Email: "nobody@example.com", Password: "correct-horse"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	s := newService()

	tests := []struct {
		name string
		req  models.RegisterRequest
	}{
		{"missing fields", models.RegisterRequest{Email: "a@b.co"}},
		{"bad email", models.RegisterRequest{DisplayName: "Ada", Email: "not-an-email", Password: "12345678"}},
		{"short password", models.RegisterRequest{DisplayName: "Ada", Email: "a@b.co", Password: "123"}},
		{"short name", models.RegisterRequest{DisplayName: " A ", Email: "a@b.co", Password: "12345678"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			_, err := s.Register(ctx, &req)
			assert.Error(t, err)
		})
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	s := newService()

	req := models.RegisterRequest{DisplayName: "Ada", Email: "ada@example.com", Password: "correct-horse"}
	_, err := s.Register(ctx, &req)
	require.NoError(t, err)

	again := models.RegisterRequest{DisplayName: "Ada", Email: "ADA@example.com", Password: "correct-horse"}
	_, err = s.Register(ctx, &again)
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestGuest(t *testing.T) {
	s := newService()

	resp, err := s.Guest(&models.GuestRequest{DisplayName: "Visitor"})
	require.NoError(t, err)
	assert.True(t, resp.Account.Guest)

	id, err := s.Identify(context.Background(), resp.Token)
	require.NoError(t, err)
	assert.Equal(t, resp.Account.ID, id.UserID)
	assert.Equal(t, "Visitor", id.DisplayName)
	assert.True(t, id.Guest)

	anon, err := s.Guest(&models.GuestRequest{})
	require.NoError(t, err)
	assert.Equal(t, "Guest", anon.Account.DisplayName)
}

func TestValidateTokenRejects(t *testing.T) {
	s := newService()

	resp, err := s.Guest(&models.GuestRequest{DisplayName: "Visitor"})
	require.NoError(t, err)

	_, err = s.ValidateToken(resp.Token + "x")
	assert.ErrorIs(t, err, ErrInvalidToken)

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = s.ValidateToken(resp.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := newService()
	other.cfg.JWT.Secret = []byte("different")
	_, err = other.ValidateToken(resp.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "x"}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = s.ValidateToken(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIdentifyUnknownAccount(t *testing.T) {
	s := newService()
	token, err := s.generateToken(&models.Account{ID: "missing", DisplayName: "Ghost"})
	require.NoError(t, err)

	_, err = s.Identify(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
