// Package models - Organization rate limit policies.
// This file defines the per-organization quota override stored by the service.
//
// Design Decisions:
// - An organization without a policy uses the process-wide default quota
// - Organization IDs are URL-safe because they appear in admin API paths
// - Windows are stored as durations; the HTTP API speaks whole seconds
package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var organizationIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// OrganizationPolicy overrides the default quota for one organization.
type OrganizationPolicy struct {
	OrganizationID string        `json:"organization_id"`
	Limit          int           `json:"limit"`
	Window         time.Duration `json:"window"`
	Description    string        `json:"description,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func (p *OrganizationPolicy) Validate() error {
	if err := ValidateOrganizationID(p.OrganizationID); err != nil {
		return err
	}
	if p.Limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", p.Limit)
	}
	if p.Window < time.Millisecond {
		return fmt.Errorf("window must be at least 1ms, got %s", p.Window)
	}
	return nil
}

// Touch sets UpdatedAt, and CreatedAt when it is unset.
func (p *OrganizationPolicy) Touch(now time.Time) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
}

func ValidateOrganizationID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("organization ID cannot be empty")
	}
	if len(id) > 100 {
		return errors.New("organization ID cannot exceed 100 characters")
	}
	if !organizationIDPattern.MatchString(id) {
		return errors.New("organization ID must contain only alphanumeric characters, dots, hyphens, and underscores")
	}
	return nil
}
