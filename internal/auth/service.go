package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"xr-multiplayer/internal/config"
	"xr-multiplayer/internal/database"
	"xr-multiplayer/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrEmailTaken         = errors.New("email already registered")
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// Claims identify a participant. Subject holds the user id.
type Claims struct {
	DisplayName string `json:"name"`
	Guest       bool   `json:"guest,omitempty"`
	jwt.RegisteredClaims
}

// Identity is what the relay needs to know about a connecting participant.
type Identity struct {
	UserID      string
	DisplayName string
	Guest       bool
}

type Service struct {
	db  database.AccountRepository
	cfg *config.Config
	now func() time.Time
}

func NewService(db database.AccountRepository, cfg *config.Config) *Service {
	return &Service{
		db:  db,
		cfg: cfg,
		now: time.Now,
	}
}

func (s *Service) Register(ctx context.Context, req *models.RegisterRequest) (*models.LoginResponse, error) {
	if err := validateRegistrationRequest(req); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	account := &models.Account{
		ID:           uuid.NewString(),
		DisplayName:  req.DisplayName,
		Email:        strings.ToLower(req.Email),
		PasswordHash: string(hash),
	}
	if err := s.db.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, database.ErrConflict) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	return s.respond(account)
}

func (s *Service) Login(ctx context.Context, req *models.LoginRequest) (*models.LoginResponse, error) {
	account, err := s.db.GetAccountByEmail(ctx, req.Email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return s.respond(account)
}

// Guest issues a token for a throwaway identity. Nothing is stored.
func (s *Service) Guest(req *models.GuestRequest) (*models.LoginResponse, error) {
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		name = "Guest"
	}
	if len(name) > 30 {
		return nil, fmt.Errorf("display name must be at most 30 characters long")
	}

	return s.respond(&models.Account{
		ID:          uuid.NewString(),
		DisplayName: name,
		Guest:       true,
		CreatedAt:   s.now(),
	})
}

func (s *Service) respond(account *models.Account) (*models.LoginResponse, error) {
	token, err := s.generateToken(account)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	out := *account
	out.PasswordHash = ""
	return &models.LoginResponse{Token: token, Account: out}, nil
}

func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.cfg.JWT.Secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Identify validates a token and, for registered accounts, confirms the
// account still exists.
func (s *Service) Identify(ctx context.Context, tokenString string) (*Identity, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}

	if claims.Guest {
		return &Identity{UserID: claims.Subject, DisplayName: claims.DisplayName, Guest: true}, nil
	}

	account, err := s.db.GetAccountByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	return &Identity{UserID: account.ID, DisplayName: account.DisplayName}, nil
}

func (s *Service) generateToken(account *models.Account) (string, error) {
	now := s.now()
	claims := Claims{
		DisplayName: account.DisplayName,
		Guest:       account.Guest,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWT.ExpiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.cfg.JWT.Secret)
}

func validateRegistrationRequest(req *models.RegisterRequest) error {
	if req.DisplayName == "" || req.Email == "" || req.Password == "" {
		return fmt.Errorf("missing required fields")
	}

	if !emailRegex.MatchString(req.Email) {
		return fmt.Errorf("invalid email format")
	}

	if len(req.Password) < 8 {
		return fmt.Errorf("password must be at least 8 characters long")
	}

	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if len(req.DisplayName) < 3 || len(req.DisplayName) > 30 {
		return fmt.Errorf("display name must be 3-30 characters long")
	}

	return nil
}
