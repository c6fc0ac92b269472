package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/vidfriends/client/internal/logging"
)

// TokenVerifier resolves an access token to the user it was issued to.
type TokenVerifier interface {
	Verify(accessToken string) (string, error)
}

type userIDKey struct{}

// WithUserID stores the authenticated user on ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFromContext returns the authenticated user, or "" outside RequireAuth.
func UserIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userIDKey{}).(string)
	return userID
}

// RequireAuth rejects requests without a valid "Authorization: Bearer" access token
// with 401 and otherwise puts the caller's user id on the request context.
func RequireAuth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := logging.FromContext(r.Context())

			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				unauthorized(w, "missing bearer token")
				return
			}

			userID, err := verifier.Verify(strings.TrimSpace(token))
			if err != nil {
				logger.Warn("access token rejected", "error", err)
				unauthorized(w, "invalid access token")
				return
			}

			ctx := WithUserID(r.Context(), userID)
			ctx = logging.WithLogger(ctx, logger.With("userId", userID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
