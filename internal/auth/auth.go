// Package auth provides credential storage and bearer-token issuance for the
// HTTP API.
package auth

import (
	"strings"
	"sync"
	"time"

	"github.com/crestline-labs/trading-core/internal/store"
	"github.com/crestline-labs/trading-core/pkg/apperr"
	"github.com/crestline-labs/trading-core/pkg/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Config holds token parameters.
type Config struct {
	Secret     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// DefaultConfig returns sane token lifetimes. The secret must be supplied.
func DefaultConfig() Config {
	return Config{
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	}
}

// TokenPair is the login/refresh response.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

type claims struct {
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Service implements registration, login, and token verification.
type Service struct {
	logger *zap.Logger
	store  *store.Store
	cfg    Config

	mu      sync.Mutex
	revoked map[string]time.Time
}

// NewService creates the auth service.
func NewService(logger *zap.Logger, st *store.Store, cfg Config) *Service {
	return &Service{
		logger:  logger.Named("auth"),
		store:   st,
		cfg:     cfg,
		revoked: make(map[string]time.Time),
	}
}

// Register creates a user with a bcrypt-hashed password.
func (s *Service) Register(email, password string) (*types.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, apperr.E(apperr.KindValidation, "a valid email is required")
	}
	if len(password) < 8 {
		return nil, apperr.E(apperr.KindValidation, "password must be at least 8 characters")
	}
	if _, err := s.store.GetUserByEmail(email); err == nil {
		return nil, apperr.Ef(apperr.KindConflict, "email %s is already registered", email)
	} else if !store.IsNotFound(err) {
		return nil, apperr.Wrap(apperr.KindDependency, "look up user", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "hash password", err)
	}
	user := &types.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := s.store.CreateUser(user); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "create user", err)
	}
	s.logger.Info("User registered", zap.String("user_id", user.ID))
	return user, nil
}

// Login verifies credentials and issues a token pair.
func (s *Service) Login(email, password string) (*TokenPair, error) {
	user, err := s.store.GetUserByEmail(strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if store.IsNotFound(err) {
			return nil, apperr.E(apperr.KindAuth, "invalid credentials")
		}
		return nil, apperr.Wrap(apperr.KindDependency, "look up user", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, apperr.E(apperr.KindAuth, "invalid credentials")
	}
	return s.issue(user.ID)
}

// Refresh exchanges a valid refresh token for a fresh pair and revokes the
// old one.
func (s *Service) Refresh(refreshToken string) (*TokenPair, error) {
	c, err := s.parse(refreshToken, "refresh")
	if err != nil {
		return nil, err
	}
	s.revoke(c.ID, c.ExpiresAt.Time)
	return s.issue(c.Subject)
}

// Logout revokes a refresh token.
func (s *Service) Logout(refreshToken string) error {
	c, err := s.parse(refreshToken, "refresh")
	if err != nil {
		return err
	}
	s.revoke(c.ID, c.ExpiresAt.Time)
	return nil
}

// Authenticate resolves an access token to its user.
func (s *Service) Authenticate(accessToken string) (*types.User, error) {
	c, err := s.parse(accessToken, "access")
	if err != nil {
		return nil, err
	}
	user, err := s.store.GetUser(c.Subject)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, apperr.E(apperr.KindAuth, "unknown user")
		}
		return nil, apperr.Wrap(apperr.KindDependency, "load user", err)
	}
	return user, nil
}

// VerifyPassword re-checks a user's password, used by the live-trading gate.
func (s *Service) VerifyPassword(userID, password string) bool {
	user, err := s.store.GetUser(userID)
	if err != nil {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil
}

func (s *Service) issue(userID string) (*TokenPair, error) {
	now := time.Now().UTC()
	access, err := s.sign(claims{
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTTL)),
		},
	})
	if err != nil {
		return nil, err
	}
	refresh, err := s.sign(claims{
		TokenType: "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.RefreshTTL)),
		},
	})
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.cfg.AccessTTL.Seconds()),
	}, nil
}

func (s *Service) sign(c claims) (string, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "sign token", err)
	}
	return token, nil
}

func (s *Service) parse(tokenStr, wantType string) (*claims, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenStr, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperr.Ef(apperr.KindAuth, "unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.Secret), nil
	})
	if err != nil || !token.Valid {
		return nil, apperr.E(apperr.KindAuth, "invalid or expired token")
	}
	if c.TokenType != wantType {
		return nil, apperr.Ef(apperr.KindAuth, "expected %s token", wantType)
	}
	if s.isRevoked(c.ID) {
		return nil, apperr.E(apperr.KindAuth, "token revoked")
	}
	return &c, nil
}

func (s *Service) revoke(id string, expiry time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for jti, exp := range s.revoked {
		if exp.Before(now) {
			delete(s.revoked, jti)
		}
	}
	s.revoked[id] = expiry
}

func (s *Service) isRevoked(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revoked[id]
	return ok
}
