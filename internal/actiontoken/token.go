// Package actiontoken signs and verifies the short-lived capability tokens
// the control plane attaches to every request it sends to the worker. Each
// token authorizes exactly one action against exactly one tenant; the
// worker rejects a token whose action or tenant_id doesn't match the route
// it was presented on.
package actiontoken

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the payload of an action token. Both TenantID and Action are
// checked by the worker against the request it accompanies — a token
// minted for "start" cannot be replayed against "delete".
type Claims struct {
	TenantID string `json:"tenant_id"`
	Action   string `json:"action"`
	jwt.RegisteredClaims
}

// Sign mints a token authorizing action against tenantID, signed with key
// and valid for ttl (spec.md requires ttl <= 60s; config.LoadControlConfig
// enforces ACTION_TOKEN_TTL at load time).
func Sign(tenantID, action, key string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		TenantID: tenantID,
		Action:   action,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Audience:  jwt.ClaimStrings{"worker"},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(key))
	if err != nil {
		return "", fmt.Errorf("sign action token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates tokenString against the current key, falling
// back to previousKey when non-empty so tokens minted just before a key
// rotation still verify during the rollover window. It does not check
// tenantID/action match — callers must compare those against the request
// themselves (see workerapi's action-token middleware).
func Verify(tokenString, key, previousKey string) (*Claims, error) {
	claims, err := verifyWithKey(tokenString, key)
	if err == nil {
		return claims, nil
	}
	if previousKey != "" {
		if claims, err2 := verifyWithKey(tokenString, previousKey); err2 == nil {
			return claims, nil
		}
	}
	return nil, fmt.Errorf("verify action token: %w", err)
}

func verifyWithKey(tokenString, key string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(key), nil
		},
		jwt.WithAudience("worker"),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
