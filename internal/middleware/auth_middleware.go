package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/eduhub/eduhub/internal/service"
	"github.com/sirupsen/logrus"
)

type contextKey string

const verificationClaimsKey contextKey = "verification_claims"

type AuthMiddleware struct {
	tokenService *service.VerificationTokenService
	logger       *logrus.Logger
}

func NewAuthMiddleware(tokenService *service.VerificationTokenService, logger *logrus.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		tokenService: tokenService,
		logger:       logger,
	}
}

// RequireVerifiedEmail admits requests carrying a valid email verification
// token and stores its claims on the request context.
func (m *AuthMiddleware) RequireVerifiedEmail(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.tokenService == nil {
			m.respondUnauthorized(w, "Verification tokens are not enabled")
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.respondUnauthorized(w, "Missing authorization header")
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			m.respondUnauthorized(w, "Invalid authorization header format")
			return
		}

		claims, err := m.tokenService.Verify(parts[1])
		if err != nil {
			m.logger.WithError(err).Debug("Verification token rejected")
			m.respondUnauthorized(w, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), verificationClaimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func VerificationClaimsFromContext(ctx context.Context) (*service.VerificationClaims, bool) {
	claims, ok := ctx.Value(verificationClaimsKey).(*service.VerificationClaims)
	return claims, ok && claims != nil
}

func (m *AuthMiddleware) respondUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  "UNAUTHORIZED",
	})
}
