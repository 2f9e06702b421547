package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTProviderRoundTrip(t *testing.T) {
	p := NewJWTProvider([]byte("jwt-secret"), "draftgate.test", "draftgate")

	token, err := p.IssueToken("actor-1", time.Minute)
	require.NoError(t, err)

	principal, err := p.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "actor-1", principal.ID)
}

func TestJWTProviderRejectsExpired(t *testing.T) {
	p := NewJWTProvider([]byte("jwt-secret"), "draftgate.test", "draftgate")
	token, err := p.IssueToken("actor-1", -time.Minute)
	require.NoError(t, err)

	_, err = p.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTProviderRejectsWrongSecret(t *testing.T) {
	issuer := NewJWTProvider([]byte("other-secret"), "draftgate.test", "draftgate")
	token, err := issuer.IssueToken("actor-1", time.Minute)
	require.NoError(t, err)

	p := NewJWTProvider([]byte("jwt-secret"), "draftgate.test", "draftgate")
	_, err = p.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTProviderRejectsNonHMACAlg(t *testing.T) {
	claims := jwt.RegisteredClaims{
		Subject:   "actor-1",
		Issuer:    "draftgate.test",
		Audience:  jwt.ClaimStrings{"draftgate"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	p := NewJWTProvider([]byte("jwt-secret"), "draftgate.test", "draftgate")
	_, err = p.Authenticate(context.Background(), unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider(map[string]string{"tok-member": "actor-1"})

	principal, err := p.Authenticate(context.Background(), "tok-member")
	require.NoError(t, err)
	assert.Equal(t, "actor-1", principal.ID)

	_, err = p.Authenticate(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
