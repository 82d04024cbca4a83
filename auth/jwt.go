// Package auth provides JWT issuance and validation for the collaboration
// server. Identity is established by the platform that issued the token; this
// package only verifies it and extracts the user.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims represents the JWT claims
type Claims struct {
	DisplayName string `json:"name"`
	jwt.RegisteredClaims
}

// User is the authenticated identity attached to a connection
type User struct {
	ID          string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// Service validates and issues HMAC-signed JWTs
type Service struct {
	secret []byte
	expiry time.Duration
}

// NewService creates a token service with the given signing secret
func NewService(secret string, expiry time.Duration) (*Service, error) {
	if secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	if expiry <= 0 {
		return nil, errors.New("jwt expiry must be greater than 0")
	}
	return &Service{
		secret: []byte(secret),
		expiry: expiry,
	}, nil
}

// GenerateToken issues a signed token for a user
func (s *Service) GenerateToken(userID, displayName string) (string, error) {
	if userID == "" {
		return "", errors.New("user id must not be empty")
	}

	now := time.Now()
	claims := &Claims{
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies a token and returns its claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to verify token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// UserFromClaims builds the connection identity from validated claims
func UserFromClaims(claims *Claims) User {
	name := claims.DisplayName
	if name == "" {
		name = claims.Subject
	}
	return User{
		ID:          claims.Subject,
		DisplayName: name,
	}
}
