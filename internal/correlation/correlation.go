// Package correlation issues a short-lived, signed bearer token tying one
// hook invocation to the request that triggered it. Compiled-in hooks never
// need it (they run in-process and trust their caller directly), but a hook
// module that proxies to an out-of-process plugin has no other way to prove
// a callback actually originated from this gateway rather than a forged
// request to the plugin's own listener. Grounded on the teacher's batch-RPC
// token (x402/token.go): same signing library, reused here for
// gateway-to-plugin trust instead of prepaid request credits.
package correlation

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned when a token fails signature, expiry, or
// claim-shape verification.
var ErrInvalidToken = errors.New("correlation: invalid token")

// Claims identifies the route and identity a hook invocation was issued
// for. RequestID is a fresh UUID per invocation, not reused across retries,
// so a plugin can also use it for idempotency/dedup on its side.
type Claims struct {
	jwt.RegisteredClaims
	RouteKey  string `json:"routeKey"`
	Identity  string `json:"identity"`
	RequestID string `json:"requestId"`
}

// Issuer signs and verifies hook correlation tokens with one HMAC secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer creates an Issuer. A zero-length secret disables issuance:
// Issue then returns an empty string, and hook wiring that checks for that
// treats the hook as running without plugin-trust enrichment.
func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Issuer{secret: secret, ttl: ttl}
}

// Issue signs a token scoping one hook invocation to routeKey/identity.
func (i *Issuer) Issue(routeKey, identity string) (string, error) {
	if len(i.secret) == 0 {
		return "", nil
	}
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		RouteKey:  routeKey,
		Identity:  identity,
		RequestID: uuid.New().String(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("correlation: signing token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token issued by Issue.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	if len(i.secret) == 0 {
		return nil, ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
