package audit

import (
	"context"
	"maps"
	"net/http"

	"github.com/onnwee/complianced/internal/middleware"
)

// withActor fills actor and correlation fields of in from ctx when the caller
// left them empty.
func withActor(ctx context.Context, in LogEntry) LogEntry {
	if in.RequestID == "" {
		in.RequestID = middleware.GetRequestID(ctx)
	}
	if p, ok := middleware.GetPrincipal(ctx); ok {
		if in.UserID == "" {
			in.UserID = p.UserID
		}
		if in.UserID == p.UserID {
			if in.UserEmail == "" {
				in.UserEmail = p.Email
			}
			if in.UserRole == "" {
				in.UserRole = p.Role
			}
		}
		return in
	}
	if key, ok := middleware.GetAPIKey(ctx); ok && in.UserID == "" {
		in.UserID = key.Owner
		// The caller keeps its own map.
		details := maps.Clone(in.Details)
		if details == nil {
			details = Details{}
		}
		details["api_key_id"] = key.ID
		in.Details = details
	}
	return in
}

// LogRequest records an entry enriched with HTTP request metadata: client IP,
// user agent, request ID and the authenticated caller.
//
// IP address extraction:
// - Checks X-Forwarded-For header first (uses first IP from comma-separated list)
// - Falls back to X-Real-IP header
// - Finally uses RemoteAddr (with port stripped)
func (c *Chain) LogRequest(r *http.Request, in LogEntry) (*Entry, error) {
	if in.IPAddress == "" {
		in.IPAddress = middleware.ClientIP(r)
	}
	if in.UserAgent == "" {
		in.UserAgent = r.UserAgent()
	}
	return c.Log(r.Context(), withActor(r.Context(), in))
}
