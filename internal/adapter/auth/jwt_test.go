package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/domain"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestAuthenticate_RoundTrip(t *testing.T) {
	a := NewJWTAuthenticator(testSecret, nil)

	token, err := a.Issue("alice", time.Hour)
	require.NoError(t, err)

	identity, err := a.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", identity)
}

func TestAuthenticate_MissingToken(t *testing.T) {
	a := NewJWTAuthenticator(testSecret, nil)

	_, err := a.Authenticate(context.Background(), "  ")
	assert.ErrorIs(t, err, domain.ErrAuthRequired)
}

func TestAuthenticate_Expired(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	a := NewJWTAuthenticator(testSecret, clock)

	token, err := a.Issue("alice", time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = a.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)
}

func TestAuthenticate_Rejects(t *testing.T) {
	other := NewJWTAuthenticator("ffffffffffffffffffffffffffffffff", nil)
	wrongSecret, err := other.Issue("alice", time.Hour)
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Issuer: issuer}).
		SignedString([]byte(testSecret))
	require.NoError(t, err)

	wrongIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Issuer: "elsewhere", Subject: "alice"}).
		SignedString([]byte(testSecret))
	require.NoError(t, err)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{Issuer: issuer, Subject: "alice"}).
		SignedString([]byte(testSecret))
	require.NoError(t, err)

	a := NewJWTAuthenticator(testSecret, nil)
	for name, token := range map[string]string{
		"garbage":      "not-a-jwt",
		"wrong secret": wrongSecret,
		"no subject":   noSubject,
		"wrong issuer": wrongIssuer,
		"other alg":    hs512,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := a.Authenticate(context.Background(), token)
			assert.ErrorIs(t, err, domain.ErrAuthInvalid)
		})
	}
}

func TestIssue_RequiresIdentity(t *testing.T) {
	_, err := NewJWTAuthenticator(testSecret, nil).Issue(" ", time.Hour)
	assert.Error(t, err)
}
