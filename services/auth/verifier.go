// Package auth resolves caller identity from bearer credentials and
// authorizes capabilities against tenant policy.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/upb/agent-control-plane/models"
	"github.com/upb/agent-control-plane/services"
)

// TokenVerifier resolves a Principal from a bearer credential.
type TokenVerifier interface {
	// Verify validates the credential and returns the resolved principal.
	// Missing, malformed, or expired credentials fail with an
	// unauthenticated error.
	Verify(ctx context.Context, token string) (*models.Principal, error)
}

// Claims carries the custom claims expected in a control-plane token.
type Claims struct {
	jwt.RegisteredClaims
	TenantID    string   `json:"custom:tenantId"`
	Roles       []string `json:"custom:roles"`
	Permissions []string `json:"custom:permissions"`
}

// JWTVerifier validates HS256-signed tokens issued by the external
// identity provider sharing our signing secret.
type JWTVerifier struct {
	secret []byte
	issuer string
}

var _ TokenVerifier = (*JWTVerifier)(nil)

// NewJWTVerifier creates a JWTVerifier. The issuer is enforced when
// non-empty.
func NewJWTVerifier(secret []byte, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: secret, issuer: issuer}
}

// Verify implements TokenVerifier.
func (v *JWTVerifier) Verify(_ context.Context, token string) (*models.Principal, error) {
	if token == "" {
		return nil, services.ErrUnauthenticated
	}

	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, services.ErrTokenExpired
		}
		return nil, services.WrapError(services.ErrorTypeUnauthenticated, "token verification failed", err)
	}
	if !parsed.Valid {
		return nil, services.ErrUnauthenticated
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, services.WrapError(services.ErrorTypeUnauthenticated, "invalid subject claim", err)
	}
	tenantID, err := uuid.Parse(claims.TenantID)
	if err != nil {
		return nil, services.WrapError(services.ErrorTypeUnauthenticated, "invalid tenant claim", err)
	}

	var expiry time.Time
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}
	return &models.Principal{
		UserID:      userID,
		TenantID:    tenantID,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		TokenExpiry: expiry,
	}, nil
}
