package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/complianced/internal/api"
	"github.com/onnwee/complianced/internal/middleware"
)

// Authenticate validates an optional bearer token and stores the principal in
// the request context. Requests without a bearer token pass through
// unauthenticated; a token that is present but invalid is rejected with 401.
func Authenticate(svc *JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := middleware.BearerToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := svc.ValidateToken(token)
			if err != nil {
				msg := "Invalid bearer token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "Bearer token has expired"
				}
				slog.DebugContext(r.Context(), "bearer token rejected", "error", err)
				ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeAuthFailed)
				api.WriteError(w, ctx, http.StatusUnauthorized, api.ErrCodeAuthFailed, msg)
				return
			}

			ctx := middleware.SetPrincipal(r.Context(), claims.Principal())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
