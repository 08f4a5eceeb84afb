// Package auth issues and validates the bearer tokens used by the
// administrative API and by conductor-to-conductor dispatch.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors returned by token validation.
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrMissingClaims    = errors.New("missing required claims")
	ErrInvalidSignature = errors.New("invalid token signature")
)

// Claims is the validated identity carried by a token.
type Claims struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
}

// Roles recognised by the API layer.
const (
	RoleAdmin     = "admin"
	RoleConductor = "conductor"
)

// Config holds token signing configuration.
type Config struct {
	Secret      []byte
	TokenExpiry time.Duration
}

// Service signs and validates HS256 bearer tokens.
type Service struct {
	secret      []byte
	tokenExpiry time.Duration
	logger      *slog.Logger
}

// NewService creates a token service.
func NewService(cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		secret:      cfg.Secret,
		tokenExpiry: cfg.TokenExpiry,
		logger:      logger,
	}
}

// GenerateToken signs a token for subject with the given role.
func (s *Service) GenerateToken(subject, role string) (string, error) {
	if subject == "" {
		return "", ErrMissingClaims
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"iat":  now.Unix(),
		"nbf":  now.Unix(),
		"exp":  now.Add(s.tokenExpiry).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		s.logger.Error("failed to sign token", "error", err)
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ValidateToken checks signature and expiry and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		if errors.Is(err, jwt.ErrSignatureInvalid) {
			return nil, ErrInvalidSignature
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	subject, _ := mapClaims["sub"].(string)
	if subject == "" {
		return nil, ErrMissingClaims
	}
	role, _ := mapClaims["role"].(string)

	return &Claims{Subject: subject, Role: role}, nil
}
