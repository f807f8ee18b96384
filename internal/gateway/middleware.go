package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/onnwee/complianced/internal/api"
	"github.com/onnwee/complianced/internal/middleware"
)

// Middleware admits requests carrying a valid X-API-Key header.
//
// Refused requests get a JSON error: 401 for credential problems and 429 for
// rate or quota exhaustion, with the result headers attached. Admitted
// requests continue with the key stored in the context.
//
// If the rate limiter or quota store fails after the key was validated, the
// request is admitted. If the key store itself fails, 503 is returned.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		res, err := g.ProcessRequest(ctx, r.Header.Get(middleware.HeaderAPIKey))
		if err != nil {
			if res.Key == nil {
				g.logger.ErrorContext(ctx, "API key validation failed", "error", err)
				ctx = middleware.SetErrorCode(ctx, api.ErrCodeUnavailable)
				api.WriteError(w, ctx, http.StatusServiceUnavailable, api.ErrCodeUnavailable, "Authentication is temporarily unavailable")
				return
			}
			g.metrics.failedOpen()
			g.logger.WarnContext(ctx, "gateway backend failed, admitting request",
				"key_id", res.Key.ID,
				"error", err,
			)
			next.ServeHTTP(w, r.WithContext(middleware.SetAPIKey(ctx, res.Key.Info())))
			return
		}

		for name, values := range res.Headers {
			w.Header()[name] = values
		}

		switch res.Status {
		case StatusAllowed:
			next.ServeHTTP(w, r.WithContext(middleware.SetAPIKey(ctx, res.Key.Info())))
		case StatusUnauthorized:
			message := "Invalid API key"
			switch {
			case errors.Is(res.Reason, ErrMissingCredential):
				message = "Missing API key"
			case errors.Is(res.Reason, ErrExpiredCredential):
				message = "API key expired"
			case errors.Is(res.Reason, ErrRevokedCredential):
				message = "API key revoked"
			}
			ctx = middleware.SetErrorCode(ctx, api.ErrCodeAuthFailed)
			api.WriteError(w, ctx, res.Status.HTTPStatus(), api.ErrCodeAuthFailed, message)
		case StatusRateLimited:
			ctx = middleware.SetErrorCode(ctx, api.ErrCodeRateLimited)
			api.WriteError(w, ctx, res.Status.HTTPStatus(), api.ErrCodeRateLimited, "Rate limit exceeded")
		case StatusQuotaExceeded:
			ctx = middleware.SetErrorCode(ctx, api.ErrCodeQuotaExceeded)
			api.WriteError(w, ctx, res.Status.HTTPStatus(), api.ErrCodeQuotaExceeded, "Monthly quota exhausted")
		}
	})
}

// UsageHandler reports the consumption of the calling key. It must run behind
// Middleware.
func (g *Gateway) UsageHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if r.Method != http.MethodGet {
			ctx = middleware.SetErrorCode(ctx, api.ErrCodeBadRequest)
			api.WriteError(w, ctx, http.StatusMethodNotAllowed, api.ErrCodeBadRequest, "Method not allowed")
			return
		}

		info, ok := middleware.GetAPIKey(ctx)
		if !ok {
			ctx = middleware.SetErrorCode(ctx, api.ErrCodeAuthFailed)
			api.WriteError(w, ctx, http.StatusUnauthorized, api.ErrCodeAuthFailed, "Missing API key")
			return
		}

		report, err := g.Usage(ctx, info)
		if err != nil {
			g.logger.ErrorContext(ctx, "failed to read usage", "key_id", info.ID, "error", err)
			ctx = middleware.SetErrorCode(ctx, api.ErrCodeInternal)
			api.WriteError(w, ctx, http.StatusInternalServerError, api.ErrCodeInternal, "Failed to read usage")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(report); err != nil {
			g.logger.ErrorContext(ctx, "failed to encode usage", "error", err)
		}
	})
}
