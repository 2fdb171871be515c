package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"throttler/internal/models"
)

// MemoryStorage implements the Storage interface using in-memory data structures.
// This provider is ideal for development, testing, and single instances whose
// overrides come from the admin API. Data is lost on restart.
type MemoryStorage struct {
	mu       sync.RWMutex
	policies map[string]*models.OrganizationPolicy
}

// NewMemoryStorage creates a new memory-based storage instance
func NewMemoryStorage(config Config) (*MemoryStorage, error) {
	return &MemoryStorage{
		policies: make(map[string]*models.OrganizationPolicy),
	}, nil
}

// Policies returns all stored policies
func (m *MemoryStorage) Policies(ctx context.Context) ([]*models.OrganizationPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	policies := make([]*models.OrganizationPolicy, 0, len(m.policies))
	for _, p := range m.policies {
		// Return a copy to prevent external modification
		policyCopy := *p
		policies = append(policies, &policyCopy)
	}
	sortPolicies(policies)

	return policies, nil
}

// GetPolicy retrieves the policy for an organization
func (m *MemoryStorage) GetPolicy(ctx context.Context, orgID string) (*models.OrganizationPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, exists := m.policies[orgID]
	if !exists {
		return nil, fmt.Errorf("organization %s: %w", orgID, ErrNotFound)
	}

	policyCopy := *p
	return &policyCopy, nil
}

// SavePolicy stores or updates a policy
func (m *MemoryStorage) SavePolicy(ctx context.Context, policy *models.OrganizationPolicy) error {
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	policyCopy := *policy
	policyCopy.CreatedAt = time.Time{}
	if existing, ok := m.policies[policy.OrganizationID]; ok {
		policyCopy.CreatedAt = existing.CreatedAt
	}
	policyCopy.Touch(time.Now().UTC())
	m.policies[policy.OrganizationID] = &policyCopy

	*policy = policyCopy
	return nil
}

// DeletePolicy removes a policy
func (m *MemoryStorage) DeletePolicy(ctx context.Context, orgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.policies[orgID]; !exists {
		return fmt.Errorf("organization %s: %w", orgID, ErrNotFound)
	}

	delete(m.policies, orgID)
	return nil
}

// Ping always succeeds for in-memory storage
func (m *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for memory storage
func (m *MemoryStorage) Close() error {
	return nil
}
