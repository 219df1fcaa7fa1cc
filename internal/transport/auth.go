package transport

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// bootstrapClaims identifies a worker session allowed to connect, signed with the
// server's shared secret. A worker presents this once when registering; the server
// never issues long-lived credentials, matching spec.md §4.7's "bootstrap token,
// not a session-long credential" requirement.
type bootstrapClaims struct {
	WorkerName string `json:"worker_name"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies bootstrap tokens for worker registration.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer builds an issuer around a shared secret. ttl bounds how long a
// minted token remains presentable before a worker must request a fresh one.
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

// Issue mints a bootstrap token naming workerName as the bearer.
func (i *TokenIssuer) Issue(workerName string) (string, error) {
	claims := bootstrapClaims{
		WorkerName: workerName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "flux-server",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("transport: sign bootstrap token: %w", err)
	}
	return signed, nil
}

// Verify checks a bootstrap token's signature and expiry and returns the worker name
// it was issued for.
func (i *TokenIssuer) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &bootstrapClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("transport: verify bootstrap token: %w", err)
	}
	claims, ok := token.Claims.(*bootstrapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("transport: bootstrap token invalid")
	}
	return claims.WorkerName, nil
}
