package middleware

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
)

// Principal is the authenticated caller attached to a request context.
type Principal struct {
	UserID string
	Email  string
	Role   string
	Tier   string
}

type principalKey struct{}

type apiKeyKey struct{}

// APIKeyInfo identifies the API key a request was admitted with.
type APIKeyInfo struct {
	ID    string
	Owner string
	Tier  string
}

// SetPrincipal stores the authenticated principal in the context.
// This should be called by authentication middleware after validating the token.
func SetPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// GetPrincipal retrieves the principal from context.
func GetPrincipal(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// GetUserID returns the authenticated user ID, or empty string if not present.
func GetUserID(ctx context.Context) string {
	if p, ok := GetPrincipal(ctx); ok {
		return p.UserID
	}
	return ""
}

// SetAPIKey stores the admitted API key in the context and tags the active
// span with the key ID and tier.
func SetAPIKey(ctx context.Context, info APIKeyInfo) context.Context {
	annotateSpan(ctx,
		attribute.String(AttrAPIKeyID, info.ID),
		attribute.String(AttrAPIKeyTier, info.Tier),
	)
	return context.WithValue(ctx, apiKeyKey{}, info)
}

// GetAPIKey retrieves the admitted API key from context.
func GetAPIKey(ctx context.Context) (APIKeyInfo, bool) {
	info, ok := ctx.Value(apiKeyKey{}).(APIKeyInfo)
	return info, ok
}

// GetTier returns the tier label for the request. An admitted API key wins over
// the principal's tier. Returns empty string when neither is present.
func GetTier(ctx context.Context) string {
	if info, ok := GetAPIKey(ctx); ok && info.Tier != "" {
		return info.Tier
	}
	if p, ok := GetPrincipal(ctx); ok {
		return p.Tier
	}
	return ""
}
