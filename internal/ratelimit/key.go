package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// DefaultOrganization is used when a request carries no organization.
const DefaultOrganization = "default"

type contextKey int

const (
	organizationContextKey contextKey = iota
	userContextKey
)

// WithOrganization returns a context carrying the caller's organization ID.
func WithOrganization(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, organizationContextKey, orgID)
}

// OrganizationFromContext returns the organization ID set by WithOrganization,
// or DefaultOrganization.
func OrganizationFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(organizationContextKey).(string); ok && id != "" {
		return id
	}
	return DefaultOrganization
}

// WithUser returns a context carrying the authenticated user ID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userContextKey, userID)
}

// UserFromContext returns the user ID set by WithUser, or "".
func UserFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userContextKey).(string)
	return id
}

// KeyFunc derives the throttling key for a request. The limiter treats the
// result as opaque.
type KeyFunc func(r *http.Request) string

// BuildKey joins the identity parts into rate_limit:{ip}:{org}[:{user}].
func BuildKey(clientIP, orgID, userID string) string {
	parts := []string{"rate_limit", clientIP, orgID}
	if userID != "" {
		parts = append(parts, userID)
	}
	return strings.Join(parts, ":")
}

// ClientKey is the default KeyFunc. It combines the client address with the
// organization and user found in the request context.
func ClientKey(r *http.Request) string {
	ctx := r.Context()
	return BuildKey(ClientIP(r), OrganizationFromContext(ctx), UserFromContext(ctx))
}

// ClientIP extracts the client IP from the request, checking proxy headers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr == "" {
		return "unknown"
	}
	return r.RemoteAddr
}
