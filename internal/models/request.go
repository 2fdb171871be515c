// Package models - API request types and input validation.
// This file defines all incoming API request structures with validation.
//
// Validation Philosophy:
// - Fail fast with clear error messages for invalid input
// - Normalize input data for consistent processing (trimmed strings)
// - Provide sensible defaults where appropriate
// - Separate validation from normalization for clear error reporting
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// CheckRequest asks the limiter to count one request against Key.
//
// Limit and Window are optional. When either is zero the organization's
// resolved quota supplies it. Window is in seconds.
type CheckRequest struct {
	Key            string `json:"key"`
	OrganizationID string `json:"organization_id,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	Window         int    `json:"window,omitempty"`
}

// PolicyRequest creates or replaces an organization's quota override.
type PolicyRequest struct {
	Limit       int    `json:"limit"`
	Window      int    `json:"window"` // seconds
	Description string `json:"description,omitempty"`
}

func (r *CheckRequest) Validate() error {
	if r.Key == "" {
		return errors.New("key is required")
	}
	if r.OrganizationID != "" {
		if err := ValidateOrganizationID(r.OrganizationID); err != nil {
			return err
		}
	}
	if r.Limit < 0 {
		return fmt.Errorf("limit cannot be negative, got %d", r.Limit)
	}
	if r.Window < 0 {
		return fmt.Errorf("window cannot be negative, got %d", r.Window)
	}
	return nil
}

func (r *CheckRequest) Normalize() {
	r.Key = strings.TrimSpace(r.Key)
	r.OrganizationID = strings.TrimSpace(r.OrganizationID)
}

func (r *PolicyRequest) Validate() error {
	if r.Limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", r.Limit)
	}
	if r.Window <= 0 {
		return fmt.Errorf("window must be positive, got %d", r.Window)
	}
	return nil
}

func (r *PolicyRequest) Normalize() {
	r.Description = strings.TrimSpace(r.Description)
}

// ToPolicy builds the stored policy for orgID.
func (r *PolicyRequest) ToPolicy(orgID string) *OrganizationPolicy {
	return &OrganizationPolicy{
		OrganizationID: orgID,
		Limit:          r.Limit,
		Window:         time.Duration(r.Window) * time.Second,
		Description:    r.Description,
	}
}
