package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func newJTI() string {
	return uuid.NewString()
}

// TokenType distinguishes a short-lived access token from a long-lived
// refresh token. Both are signed with the same session key, but a token
// minted as one type must never be accepted as the other.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// Claims is the payload inside a session JWT handed to an end user. Sub is
// the user ID; Type pins this token to access or refresh so a refresh token
// can never be replayed as an access token against an API endpoint.
type Claims struct {
	Type TokenType `json:"type"`
	jwt.RegisteredClaims
}

// GenerateToken signs a session token for userID. secret is the current
// SessionSigningKey; ttl is AccessTokenTTL or RefreshTokenTTL depending on
// tokenType.
func GenerateToken(userID string, tokenType TokenType, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Type: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        newJTI(),
			Issuer:    "nexus-control",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken validates a session token string and extracts its claims. The
// caller is responsible for checking claims.Type matches what the endpoint
// expects (e.g. the refresh endpoint rejects an access token).
func ParseToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
