package middleware

import (
	"net/http"
	"strings"

	"github.com/dietwise/entitlement/internal/handler"
)

// userIDHeader is set by the auth gateway in front of this service after it
// validates the caller's token. Token issuance and validation live there;
// this service only trusts the propagated identity.
const userIDHeader = "X-User-ID"

// RequireUser rejects requests without a propagated user identity and
// stores the id in the request context.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(userIDHeader))
		if userID == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := handler.WithUserID(r.Context(), userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
