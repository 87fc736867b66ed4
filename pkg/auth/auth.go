// Package auth issues and validates the bearer tokens clients present in the
// session handshake.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Common errors for token operations.
var (
	ErrInvalidToken        = errors.New("invalid token")
	ErrExpiredToken        = errors.New("token has expired")
	ErrTokenSigningFailed  = errors.New("failed to sign token")
	ErrInvalidSecretLength = errors.New("auth secret must be at least 32 characters")
)

// Claims are the JWT claims carried by a client token.
type Claims struct {
	jwt.RegisteredClaims

	// ClientID identifies the API client the token was issued to.
	ClientID string `json:"client_id"`

	// Name is a human-readable label for the client.
	Name string `json:"name,omitempty"`
}

// Config holds token service configuration.
type Config struct {
	// Secret is the HMAC signing key. Must be at least 32 characters.
	Secret string

	// Issuer is the token issuer claim. Default: "scribed".
	Issuer string

	// TokenDuration is the token lifetime. Default: 24 hours.
	TokenDuration time.Duration
}

// TokenService generates and validates client tokens.
type TokenService struct {
	config Config
}

// NewTokenService creates a token service with the given configuration.
func NewTokenService(config Config) (*TokenService, error) {
	if len(config.Secret) < 32 {
		return nil, ErrInvalidSecretLength
	}
	if config.Issuer == "" {
		config.Issuer = "scribed"
	}
	if config.TokenDuration == 0 {
		config.TokenDuration = 24 * time.Hour
	}
	return &TokenService{config: config}, nil
}

// Generate creates a signed token for the given client.
func (s *TokenService) Generate(clientID, name string) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.TokenDuration)),
		},
		ClientID: clientID,
		Name:     name,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.Secret))
	if err != nil {
		return "", ErrTokenSigningFailed
	}
	return signed, nil
}

// Validate parses a token and returns its claims. Fails with ErrExpiredToken
// or ErrInvalidToken.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.Secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// TokenDuration returns the configured token lifetime.
func (s *TokenService) TokenDuration() time.Duration {
	return s.config.TokenDuration
}
