package policy

import (
	"context"
	"errors"

	"throttler/internal/models"
	"throttler/internal/storage"
)

// Service handles policy administration: it validates requests, persists
// them and drops the affected resolver cache entry.
//
// Invalidation only reaches this instance's resolver. Other instances serve
// their cached quota until the cache TTL expires.
type Service struct {
	store    storage.Storage
	resolver *Resolver
}

// NewService creates a policy service over store. Writes invalidate resolver.
func NewService(store storage.Storage, resolver *Resolver) *Service {
	return &Service{
		store:    store,
		resolver: resolver,
	}
}

// List returns every stored policy together with the default quota.
func (s *Service) List(ctx context.Context) (*models.ListPoliciesResponse, error) {
	policies, err := s.store.Policies(ctx)
	if err != nil {
		return nil, NewInternalError("failed to list policies", err)
	}

	defaults := s.resolver.Default()
	response := &models.ListPoliciesResponse{
		Policies:   make([]models.PolicyResponse, 0, len(policies)),
		TotalCount: len(policies),
		DefaultQuota: models.QuotaInfo{
			Limit:  defaults.Limit,
			Window: int(defaults.Window.Seconds()),
		},
	}
	for _, p := range policies {
		var pr models.PolicyResponse
		pr.FromPolicy(p)
		response.Policies = append(response.Policies, pr)
	}
	return response, nil
}

// Get returns the policy stored for orgID.
func (s *Service) Get(ctx context.Context, orgID string) (*models.PolicyResponse, error) {
	if err := models.ValidateOrganizationID(orgID); err != nil {
		return nil, NewInvalidRequestError(err.Error(), err)
	}

	p, err := s.store.GetPolicy(ctx, orgID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, NewPolicyNotFoundError(orgID)
	}
	if err != nil {
		return nil, NewInternalError("failed to get policy", err)
	}

	var response models.PolicyResponse
	response.FromPolicy(p)
	return &response, nil
}

// Put creates or replaces the policy for orgID. CreatedAt survives updates.
func (s *Service) Put(ctx context.Context, orgID string, req *models.PolicyRequest) (*models.PolicyResponse, error) {
	if err := models.ValidateOrganizationID(orgID); err != nil {
		return nil, NewInvalidRequestError(err.Error(), err)
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, NewValidationError(err.Error(), err)
	}

	p := req.ToPolicy(orgID)
	if err := s.store.SavePolicy(ctx, p); err != nil {
		return nil, NewInternalError("failed to save policy", err)
	}
	s.resolver.Invalidate(orgID)

	var response models.PolicyResponse
	response.FromPolicy(p)
	return &response, nil
}

// Delete removes the policy for orgID; the organization falls back to the
// default quota.
func (s *Service) Delete(ctx context.Context, orgID string) (*models.DeletePolicyResponse, error) {
	if err := models.ValidateOrganizationID(orgID); err != nil {
		return nil, NewInvalidRequestError(err.Error(), err)
	}

	err := s.store.DeletePolicy(ctx, orgID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, NewPolicyNotFoundError(orgID)
	}
	if err != nil {
		return nil, NewInternalError("failed to delete policy", err)
	}
	s.resolver.Invalidate(orgID)

	return &models.DeletePolicyResponse{
		OrganizationID: orgID,
		Message:        "Policy deleted, organization uses the default quota",
	}, nil
}
