package auth

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithPrincipal_ExtractPrincipal(t *testing.T) {
	ctx := WithPrincipal(context.Background(), Principal{ID: "alice", Email: "alice@example.com"})
	p, ok := ExtractPrincipal(ctx)
	require.True(t, ok)
	assert.Equal(t, "alice", p.ID)
}

func TestExtractPrincipal_AbsentReturnsFalse(t *testing.T) {
	_, ok := ExtractPrincipal(context.Background())
	assert.False(t, ok)
}

func TestActorID_FallsBackToSystem(t *testing.T) {
	assert.Equal(t, "system", ActorID(context.Background()))
}

func TestActorID_UsesPrincipal(t *testing.T) {
	ctx := WithPrincipal(context.Background(), Principal{ID: "bob"})
	assert.Equal(t, "bob", ActorID(ctx))
}

func TestParseBearer_RejectsEmpty(t *testing.T) {
	_, err := ParseBearer("", nil)
	assert.ErrorIs(t, err, ErrNoBearerToken)
}

func TestParseBearer_ExtractsSubjectAndEmail(t *testing.T) {
	secret := []byte("test-secret")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "carol",
		"email": "carol@example.com",
	})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)

	p, err := ParseBearer(signed, func(t *jwt.Token) (any, error) { return secret, nil })
	require.NoError(t, err)
	assert.Equal(t, "carol", p.ID)
	assert.Equal(t, "carol@example.com", p.Email)
}

func TestParseBearer_RejectsBadSignature(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "carol"})
	signed, err := token.SignedString([]byte("right-secret"))
	require.NoError(t, err)

	_, err = ParseBearer(signed, func(t *jwt.Token) (any, error) { return []byte("wrong-secret"), nil })
	assert.Error(t, err)
}
