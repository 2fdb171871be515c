package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"throttler/internal/models"
	"throttler/internal/policy"
)

// ListPolicies returns every stored organization policy.
// GET /api/v1/policies
func (h *Handlers) ListPolicies(w http.ResponseWriter, r *http.Request) {
	response, err := h.policies.List(r.Context())
	if err != nil {
		h.writeServiceErrorResponse(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, response)
}

// GetPolicy returns one organization's policy.
// GET /api/v1/policies/{org_id}
func (h *Handlers) GetPolicy(w http.ResponseWriter, r *http.Request) {
	response, err := h.policies.Get(r.Context(), mux.Vars(r)["org_id"])
	if err != nil {
		h.writeServiceErrorResponse(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, response)
}

// PutPolicy creates or replaces an organization's policy. The cached quota is
// dropped on this instance; other instances pick it up when their cache
// entry expires.
// PUT /api/v1/policies/{org_id}
// Requires 'admin' permission when authentication is enabled
func (h *Handlers) PutPolicy(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["org_id"]
	securityContext := GetSecurityContext(r)

	var req models.PolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeBadRequest, "Invalid JSON body")
		return
	}

	response, err := h.policies.Put(r.Context(), orgID, &req)
	var serviceErr *policy.ServiceError
	if errors.As(err, &serviceErr) && serviceErr.Code == models.ErrorCodeValidation {
		h.writeJSONResponse(w, http.StatusUnprocessableEntity, models.NewValidationErrorResponse(map[string]string{
			"policy": serviceErr.Message,
		}))
		return
	}
	if err != nil {
		h.writeServiceErrorResponse(w, err)
		return
	}

	slog.Info("Policy saved",
		"event", "security_audit",
		"org_id", orgID,
		"limit", response.Limit,
		"window", response.Window,
		"api_key", getAPIKeyName(securityContext))

	h.writeJSONResponse(w, http.StatusOK, response)
}

// DeletePolicy removes an organization's policy; the organization falls back
// to the default quota.
// DELETE /api/v1/policies/{org_id}
// Requires 'admin' permission when authentication is enabled
func (h *Handlers) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["org_id"]

	response, err := h.policies.Delete(r.Context(), orgID)
	if err != nil {
		h.writeServiceErrorResponse(w, err)
		return
	}

	slog.Info("Policy deleted",
		"event", "security_audit",
		"org_id", orgID,
		"api_key", getAPIKeyName(GetSecurityContext(r)))

	h.writeJSONResponse(w, http.StatusOK, response)
}
