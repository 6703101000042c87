// Package auth provides password hashing and JWT bearer-token issuance and
// verification for the HTTP surface and the session handshake.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Token types carried in the "type" claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// ErrInvalidToken is returned for any token that fails to parse, verify,
// or carry the expected claims.
var ErrInvalidToken = errors.New("auth: invalid token")

// Config controls token lifetimes and hashing cost.
type Config struct {
	Secret          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	BcryptCost      int
}

// DefaultConfig returns the defaults: 30-minute access tokens, 7-day
// refresh tokens, bcrypt's standard cost.
func DefaultConfig(secret string) Config {
	return Config{
		Secret:          secret,
		AccessTokenTTL:  30 * time.Minute,
		RefreshTokenTTL: 7 * 24 * time.Hour,
		BcryptCost:      bcrypt.DefaultCost,
	}
}

// Service issues and verifies tokens and hashes passwords.
type Service struct {
	cfg    Config
	secret []byte
}

// NewService constructs an auth service. An empty secret is rejected at
// startup rather than silently issuing forgeable tokens.
func NewService(cfg Config) (*Service, error) {
	if cfg.Secret == "" {
		return nil, errors.New("auth: secret must not be empty")
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = 30 * time.Minute
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	if cfg.BcryptCost < bcrypt.MinCost || cfg.BcryptCost > bcrypt.MaxCost {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{cfg: cfg, secret: []byte(cfg.Secret)}, nil
}

// HashPassword returns the bcrypt hash of password.
func (s *Service) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash.
func (s *Service) CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// CreateAccessToken issues a short-lived access token for userID.
func (s *Service) CreateAccessToken(userID string) (string, error) {
	return s.createToken(userID, TokenTypeAccess, s.cfg.AccessTokenTTL)
}

// CreateRefreshToken issues a long-lived refresh token for userID.
func (s *Service) CreateRefreshToken(userID string) (string, error) {
	return s.createToken(userID, TokenTypeRefresh, s.cfg.RefreshTokenTTL)
}

func (s *Service) createToken(userID, tokenType string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  userID,
		"exp":  now.Add(ttl).Unix(),
		"iat":  now.Unix(),
		"type": tokenType,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates bearer as an access token and returns the user id
// it names. It satisfies the session handshake's TokenVerifier contract.
func (s *Service) VerifyToken(_ context.Context, bearer string) (string, error) {
	return s.verify(bearer, TokenTypeAccess)
}

// VerifyRefreshToken validates bearer as a refresh token and returns the
// user id it names.
func (s *Service) VerifyRefreshToken(bearer string) (string, error) {
	return s.verify(bearer, TokenTypeRefresh)
}

func (s *Service) verify(bearer, wantType string) (string, error) {
	token, err := jwt.Parse(bearer, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	if tokenType, _ := claims["type"].(string); tokenType != wantType {
		return "", ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}
