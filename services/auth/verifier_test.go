package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/agent-control-plane/services"
)

var testSecret = []byte("test-secret-key")

func signToken(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return token
}

func validClaims(issuer string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.NewString(),
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID:    uuid.NewString(),
		Roles:       []string{"developer"},
		Permissions: []string{"workflows:*"},
	}
}

func TestJWTVerifier(t *testing.T) {
	ctx := context.Background()
	verifier := NewJWTVerifier(testSecret, "control-plane")

	t.Run("valid token resolves principal", func(t *testing.T) {
		claims := validClaims("control-plane")
		principal, err := verifier.Verify(ctx, signToken(t, testSecret, claims))
		require.NoError(t, err)

		assert.Equal(t, claims.Subject, principal.UserID.String())
		assert.Equal(t, claims.TenantID, principal.TenantID.String())
		assert.Equal(t, []string{"developer"}, principal.Roles)
		assert.True(t, principal.HasPermission("workflows:execute"))
		assert.False(t, principal.Expired(time.Now()))
	})

	t.Run("empty token", func(t *testing.T) {
		_, err := verifier.Verify(ctx, "")
		assert.True(t, services.IsUnauthenticatedError(err))
	})

	t.Run("wrong signing key", func(t *testing.T) {
		_, err := verifier.Verify(ctx, signToken(t, []byte("other-key"), validClaims("control-plane")))
		assert.True(t, services.IsUnauthenticatedError(err))
	})

	t.Run("expired token", func(t *testing.T) {
		claims := validClaims("control-plane")
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		_, err := verifier.Verify(ctx, signToken(t, testSecret, claims))
		assert.True(t, services.IsUnauthenticatedError(err))
		assert.ErrorIs(t, err, services.ErrTokenExpired)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		_, err := verifier.Verify(ctx, signToken(t, testSecret, validClaims("someone-else")))
		assert.True(t, services.IsUnauthenticatedError(err))
	})

	t.Run("missing tenant claim", func(t *testing.T) {
		claims := validClaims("control-plane")
		claims.TenantID = ""
		_, err := verifier.Verify(ctx, signToken(t, testSecret, claims))
		assert.True(t, services.IsUnauthenticatedError(err))
	})

	t.Run("issuer not enforced when unset", func(t *testing.T) {
		open := NewJWTVerifier(testSecret, "")
		_, err := open.Verify(ctx, signToken(t, testSecret, validClaims("anything")))
		assert.NoError(t, err)
	})
}
