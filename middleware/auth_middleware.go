package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/agent-control-plane/services/auth"
	"github.com/upb/agent-control-plane/utils"
)

// AuthMiddleware resolves the caller's credential into a principal and
// attaches it to the request context.
type AuthMiddleware struct {
	verifier auth.TokenVerifier
	logger   *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware
func NewAuthMiddleware(verifier auth.TokenVerifier, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
		logger:   logger,
	}
}

// RequestID assigns a request id to every request for log correlation.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), requestID)))
	})
}

// RequireAuth is a middleware that requires a valid bearer token
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		token := extractBearerToken(r)
		if token == "" {
			m.logger.Warn("missing token",
				zap.String("request_id", requestID))
			_ = utils.WriteUnauthorized(w, "Missing or invalid authorization")
			return
		}

		principal, err := m.verifier.Verify(ctx, token)
		if err != nil {
			m.logger.Warn("token verification failed",
				zap.String("request_id", requestID),
				zap.Error(err))
			_ = utils.WriteUnauthorized(w, "Invalid or expired token")
			return
		}

		ctx = WithPrincipal(ctx, principal)

		m.logger.Debug("authentication successful",
			zap.String("request_id", requestID),
			zap.String("user_id", principal.UserID.String()),
			zap.String("tenant_id", principal.TenantID.String()))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
