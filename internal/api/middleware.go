package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"throttler/internal/models"
	"throttler/internal/ratelimit"
)

// OrganizationHeader carries the caller's organization on requests.
const OrganizationHeader = "Organization-ID"

// Permission represents the different permission levels
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
)

type apiKeyContextKey struct{}

// SecurityContext represents the security information for a request
type SecurityContext struct {
	APIKey      *models.APIKey
	Permissions []string
}

// HasPermission checks if the security context has the required permission.
// admin grants everything and write includes read.
func (sc *SecurityContext) HasPermission(required Permission) bool {
	if sc == nil || sc.APIKey == nil {
		return false
	}
	if sc.APIKey.HasPermission(string(required)) {
		return true
	}

	for _, permission := range sc.APIKey.Permissions {
		switch permission {
		case string(PermissionAdmin):
			return true
		case string(PermissionWrite):
			if required == PermissionRead {
				return true
			}
		}
	}
	return false
}

// GetSecurityContext extracts security context from request context
func GetSecurityContext(r *http.Request) *SecurityContext {
	if apiKey, ok := r.Context().Value(apiKeyContextKey{}).(*models.APIKey); ok {
		return &SecurityContext{
			APIKey:      apiKey,
			Permissions: apiKey.Permissions,
		}
	}
	return nil
}

// RequirePermission creates middleware that enforces a specific permission
func RequirePermission(required Permission) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			securityContext := GetSecurityContext(r)
			if securityContext == nil || !securityContext.HasPermission(required) {
				writeJSON(w, http.StatusForbidden, models.NewErrorResponse(
					"Insufficient permissions for this operation",
					models.ErrorCodeForbidden,
				))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authMiddleware authenticates Bearer API keys against the configured keys.
// Requests already authenticated by optionalAuthMiddleware pass through.
func authMiddleware(cfg models.SecurityConfig) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if GetSecurityContext(r) != nil {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeJSON(w, http.StatusUnauthorized, models.NewErrorResponse("Authorization required", models.ErrorCodeUnauthorized))
				return
			}
			const prefix = "Bearer "
			if !strings.HasPrefix(authHeader, prefix) {
				writeJSON(w, http.StatusUnauthorized, models.NewErrorResponse("Invalid authorization format", models.ErrorCodeUnauthorized))
				return
			}

			validKey := findAPIKey(cfg.APIKeys, authHeader[len(prefix):])
			if validKey == nil {
				writeJSON(w, http.StatusUnauthorized, models.NewErrorResponse("Invalid API key", models.ErrorCodeUnauthorized))
				return
			}
			next.ServeHTTP(w, r.WithContext(withAPIKey(r.Context(), validKey)))
		})
	}
}

// optionalAuthMiddleware attaches a valid API key to the request when one is
// presented, so the rate limit key can include the caller. Missing or invalid
// credentials are ignored here and rejected by authMiddleware where required.
func optionalAuthMiddleware(cfg models.SecurityConfig) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			if validKey := findAPIKey(cfg.APIKeys, token); validKey != nil {
				r = r.WithContext(withAPIKey(r.Context(), validKey))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func withAPIKey(ctx context.Context, key *models.APIKey) context.Context {
	ctx = context.WithValue(ctx, apiKeyContextKey{}, key)
	return ratelimit.WithUser(ctx, key.Name)
}

// findAPIKey returns the enabled key matching token. Every configured key is
// compared in constant time.
func findAPIKey(keys []models.APIKey, token string) *models.APIKey {
	if token == "" {
		return nil
	}
	var found *models.APIKey
	for i := range keys {
		if subtle.ConstantTimeCompare([]byte(keys[i].Key), []byte(token)) == 1 && keys[i].Enabled {
			found = &keys[i]
		}
	}
	if found == nil {
		return nil
	}
	k := *found
	return &k
}

// organizationMiddleware reads the Organization-ID header into the request
// context and echoes the effective organization as X-Organization-ID.
func organizationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID := strings.TrimSpace(r.Header.Get(OrganizationHeader))
		if orgID == "" {
			orgID = ratelimit.DefaultOrganization
		}
		if err := models.ValidateOrganizationID(orgID); err != nil {
			writeJSON(w, http.StatusBadRequest, models.NewErrorResponse(
				"Invalid "+OrganizationHeader+" header: "+err.Error(),
				models.ErrorCodeInvalidRequest,
			))
			return
		}

		w.Header().Set("X-Organization-ID", orgID)
		next.ServeHTTP(w, r.WithContext(ratelimit.WithOrganization(r.Context(), orgID)))
	})
}

func getAPIKeyName(securityContext *SecurityContext) string {
	if securityContext == nil || securityContext.APIKey == nil {
		return "anonymous"
	}
	if securityContext.APIKey.Name != "" {
		return securityContext.APIKey.Name
	}
	return "unnamed-key"
}
