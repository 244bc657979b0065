// Package auth issues and verifies the bearer tokens guarding the HTTP
// surface. Passwords are stored as bcrypt hashes; tokens are HS256 JWTs
// carrying the user id and username.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/partsearch/partsearch/pkg/storage/postgres"
)

var (
	// ErrInvalidCredentials is returned for a bad username or password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken is returned for malformed, expired or mis-signed
	// tokens.
	ErrInvalidToken = errors.New("invalid token")
)

// defaultTokenTTL applies when no TTL is configured.
const defaultTokenTTL = 24 * time.Hour

// UserStore is the slice of the storage layer the service needs.
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) (*postgres.User, error)
	GetUserByUsername(ctx context.Context, username string) (*postgres.User, error)
}

// Claims is the JWT payload.
type Claims struct {
	UserID   int64  `json:"uid"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Service registers users, verifies credentials and mints tokens.
type Service struct {
	users    UserStore
	secret   []byte
	tokenTTL time.Duration
}

// NewService creates an auth service. secret must be non-empty.
func NewService(users UserStore, secret string, tokenTTL time.Duration) (*Service, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if tokenTTL <= 0 {
		tokenTTL = defaultTokenTTL
	}
	return &Service{users: users, secret: []byte(secret), tokenTTL: tokenTTL}, nil
}

// Register creates a user with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, username, password string) (*postgres.User, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("username and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	return s.users.CreateUser(ctx, username, string(hash))
}

// Login verifies credentials and returns a signed token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("failed to load user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}
	return s.issue(user)
}

func (s *Service) issue(user *postgres.User) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   user.ID,
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
