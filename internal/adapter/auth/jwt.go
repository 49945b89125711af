// Package auth resolves connect-time bearer tokens to hub identities.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/domain"
)

const issuer = "hub"

// JWTAuthenticator validates HS256 tokens. The subject claim is the identity.
type JWTAuthenticator struct {
	secret []byte
	clock  clockwork.Clock
}

var _ domain.Authenticator = (*JWTAuthenticator)(nil)

func NewJWTAuthenticator(secret string, clock clockwork.Clock) *JWTAuthenticator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &JWTAuthenticator{secret: []byte(secret), clock: clock}
}

// Issue signs a token for identity. A non-positive ttl issues a token without expiry.
func (a *JWTAuthenticator) Issue(identity string, ttl time.Duration) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", errors.New("identity required")
	}

	now := a.clock.Now()
	claims := jwt.RegisteredClaims{
		Issuer:   issuer,
		Subject:  identity,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", domain.ErrAuthRequired
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(a.clock.Now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", domain.ErrAuthInvalid, err)
	}

	identity := strings.TrimSpace(claims.Subject)
	if identity == "" {
		return "", fmt.Errorf("%w: token has no subject", domain.ErrAuthInvalid)
	}
	return identity, nil
}
