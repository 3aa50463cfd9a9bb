package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims are the JWT claims for streaming-session access tokens.
type SessionClaims struct {
	jwt.RegisteredClaims
	UserID      string `json:"user_id"`
	InstanceID  string `json:"instance_id"`
	SessionName string `json:"session_name"`
}

// TokenIssuer creates short-lived streaming-session tokens.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer creates a token issuer with the given shared secret.
func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret)}
}

// IssueSessionToken creates a JWT scoped to one session on one instance.
func (t *TokenIssuer) IssueSessionToken(userID, instanceID, sessionName string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "stratus",
		},
		UserID:      userID,
		InstanceID:  instanceID,
		SessionName: sessionName,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// ValidateSessionToken parses and validates a streaming-session JWT.
func (t *TokenIssuer) ValidateSessionToken(tokenStr string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &SessionClaims{}, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}
