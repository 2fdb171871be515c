// Package models - API response types and error handling.
// This file defines all outgoing API response structures with consistent formatting.
//
// Response Design Principles:
// - Consistent JSON structure across all endpoints
// - Optional fields use omitempty to reduce response size
// - Rich error information with codes and details for debugging
// - RFC3339 timestamps for international compatibility
package models

import (
	"time"
)

// CheckResponse is the outcome of an explicit rate limit check.
//
// Client Usage:
// - Check Allowed first
// - When denied, wait RetryAfter seconds before trying again
// - Backend reports which counter answered and is informational only
type CheckResponse struct {
	Key            string    `json:"key"`
	OrganizationID string    `json:"organization_id,omitempty"`
	Allowed        bool      `json:"allowed"`
	Limit          int       `json:"limit"`
	Remaining      int       `json:"remaining"`
	Window         int       `json:"window"`                // Window length in seconds
	ResetAt        time.Time `json:"reset_at"`              // Wall-clock window rollover
	RetryAfter     int       `json:"retry_after,omitempty"` // Seconds, only when denied
	Backend        string    `json:"backend"`
}

// LimiterStatusResponse describes the limiter's backend selection and health.
type LimiterStatusResponse struct {
	Enabled             bool           `json:"enabled"`
	State               string         `json:"state"`
	Backend             string         `json:"backend"`
	SharedConfigured    bool           `json:"shared_configured"`
	Healthy             bool           `json:"healthy"`
	ConsecutiveFailures int64          `json:"consecutive_failures"`
	LastFailureAt       *time.Time     `json:"last_failure_at,omitempty"`
	LastProbeAt         *time.Time     `json:"last_probe_at,omitempty"`
	Degrades            int64          `json:"degrades"`
	Recoveries          int64          `json:"recoveries"`
	DefaultQuota        QuotaInfo      `json:"default_quota"`
	Stats               map[string]any `json:"stats,omitempty"`
	InstanceID          string         `json:"instance_id"`
	Timestamp           time.Time      `json:"timestamp"`
}

type QuotaInfo struct {
	Limit  int `json:"limit"`
	Window int `json:"window"` // seconds
}

type PolicyResponse struct {
	OrganizationID string    `json:"organization_id"`
	Limit          int       `json:"limit"`
	Window         int       `json:"window"` // seconds
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type ListPoliciesResponse struct {
	Policies     []PolicyResponse `json:"policies"`
	TotalCount   int              `json:"total_count"`
	DefaultQuota QuotaInfo        `json:"default_quota"`
}

type DeletePolicyResponse struct {
	OrganizationID string `json:"organization_id"`
	Message        string `json:"message"`
}

// ErrorResponse provides structured error information with debugging context.
//
// Error Handling Design:
// - Consistent error structure across all endpoints
// - Machine-readable error codes for programmatic handling
// - Human-readable messages for user interfaces
// - Details map for field-specific validation errors and rate limit hints
// - Request ID for distributed tracing and support
type ErrorResponse struct {
	Error     string            `json:"error"`                // Error type (always "error")
	Message   string            `json:"message"`              // Human-readable error description
	Code      string            `json:"code,omitempty"`       // Machine-readable error code
	Details   map[string]string `json:"details,omitempty"`    // Field-specific error details
	Timestamp time.Time         `json:"timestamp"`            // Error occurrence time
	RequestID string            `json:"request_id,omitempty"` // Unique request identifier
}

type HealthCheckResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
	Metrics    map[string]interface{}     `json:"metrics,omitempty"`
}

type ComponentHealth struct {
	Status    string                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

type ValidationErrorResponse struct {
	Error  string            `json:"error"`
	Errors map[string]string `json:"errors"`
}

// Health Status Constants
//
// Health Monitoring:
// - Healthy: All systems operational
// - Degraded: Serving, but rate limits are enforced per instance
// - Unhealthy: Policy storage is down
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDegraded  = "degraded"
	StatusUnknown   = "unknown"
)

// Standard HTTP Error Codes
const (
	ErrorCodeNotFound           = "NOT_FOUND"           // 404: Resource doesn't exist
	ErrorCodePolicyNotFound     = "POLICY_NOT_FOUND"    // 404: No override for the organization
	ErrorCodeBadRequest         = "BAD_REQUEST"         // 400: Invalid request format
	ErrorCodeInvalidRequest     = "INVALID_REQUEST"     // 400: Invalid request data
	ErrorCodeValidation         = "VALIDATION_ERROR"    // 422: Input validation failed
	ErrorCodeInternalError      = "INTERNAL_ERROR"      // 500: Server-side error
	ErrorCodeUnauthorized       = "UNAUTHORIZED"        // 401: Authentication required
	ErrorCodeForbidden          = "FORBIDDEN"           // 403: Permission denied
	ErrorCodeRateLimited        = "RATE_LIMIT_EXCEEDED" // 429: Quota exhausted for the window
	ErrorCodeServiceUnavailable = "SERVICE_UNAVAILABLE" // 503: Service temporarily down
)

func NewErrorResponse(message string, code string) *ErrorResponse {
	return &ErrorResponse{
		Error:     "error",
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

func NewValidationErrorResponse(errors map[string]string) *ValidationErrorResponse {
	return &ValidationErrorResponse{
		Error:  "validation_error",
		Errors: errors,
	}
}

func (r *PolicyResponse) FromPolicy(p *OrganizationPolicy) {
	r.OrganizationID = p.OrganizationID
	r.Limit = p.Limit
	r.Window = int(p.Window.Seconds())
	r.Description = p.Description
	r.CreatedAt = p.CreatedAt
	r.UpdatedAt = p.UpdatedAt
}

func NewHealthCheckResponse(status string) *HealthCheckResponse {
	return &HealthCheckResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Components: make(map[string]ComponentHealth),
		Metrics:    make(map[string]interface{}),
	}
}

func (h *HealthCheckResponse) AddComponent(name, status, message string) {
	h.Components[name] = ComponentHealth{
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

func (h *HealthCheckResponse) AddMetric(name string, value interface{}) {
	h.Metrics[name] = value
}
