package storage

import (
	"context"
	"slices"
	"strings"
	"time"

	"throttler/internal/models"
)

// Storage defines the interface for organization policy persistence.
// It provides a clean abstraction that can be implemented by different backends
// such as JSON files or databases.
type Storage interface {
	// Policies returns every stored policy ordered by organization ID
	Policies(ctx context.Context) ([]*models.OrganizationPolicy, error)

	// GetPolicy retrieves the policy for an organization, or ErrNotFound
	GetPolicy(ctx context.Context, orgID string) (*models.OrganizationPolicy, error)

	// SavePolicy creates or replaces a policy, preserving CreatedAt on update
	SavePolicy(ctx context.Context, policy *models.OrganizationPolicy) error

	// DeletePolicy removes a policy, or returns ErrNotFound
	DeletePolicy(ctx context.Context, orgID string) error

	// Ping checks that the backend is reachable
	Ping(ctx context.Context) error

	// Close closes the storage connection and cleans up resources
	Close() error
}

// Config holds configuration for storage backends
type Config struct {
	// Type specifies the storage backend type (json, memory, sqlite, postgres)
	Type string `json:"type" yaml:"type"`

	// Path is used for file-based storage backends
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// ConnectionString is used for database backends
	ConnectionString string `json:"connection_string,omitempty" yaml:"connection_string,omitempty"`

	// CacheTTL specifies how long file-based backends trust their in-memory copy
	CacheTTL time.Duration `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`

	// MaxOpenConns and MaxIdleConns size the database connection pool
	MaxOpenConns int `json:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty"`
	MaxIdleConns int `json:"max_idle_conns,omitempty" yaml:"max_idle_conns,omitempty"`
}

// sortPolicies orders policies by organization ID.
func sortPolicies(policies []*models.OrganizationPolicy) {
	slices.SortFunc(policies, func(a, b *models.OrganizationPolicy) int {
		return strings.Compare(a.OrganizationID, b.OrganizationID)
	})
}
