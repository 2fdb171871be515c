package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"throttler/internal/models"
)

const defaultJSONCacheTTL = 5 * time.Minute

// JSONStorage implements the Storage interface using a JSON file for persistence.
// It keeps an in-memory copy for performance and supports concurrent access.
// Edits made to the file by hand are picked up once the cache expires.
type JSONStorage struct {
	filePath     string
	cacheTTL     time.Duration
	mu           sync.RWMutex
	data         *JSONData
	lastModified time.Time
	cacheExpiry  time.Time
}

// JSONData represents the structure of data stored in JSON format
type JSONData struct {
	Policies    []*models.OrganizationPolicy `json:"policies"`
	LastUpdated time.Time                    `json:"last_updated"`
}

// NewJSONStorage creates a new JSON-based storage instance
func NewJSONStorage(config Config) (*JSONStorage, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("path is required for JSON storage")
	}

	cacheTTL := defaultJSONCacheTTL
	if config.CacheTTL > 0 {
		cacheTTL = config.CacheTTL
	}

	storage := &JSONStorage{
		filePath: config.Path,
		cacheTTL: cacheTTL,
	}

	// Initialize with empty data if file doesn't exist
	if err := storage.ensureFileExists(); err != nil {
		return nil, fmt.Errorf("failed to ensure file exists: %w", err)
	}

	if err := storage.loadData(); err != nil {
		return nil, fmt.Errorf("failed to load initial data: %w", err)
	}

	return storage, nil
}

// ensureFileExists creates the JSON file with empty data if it doesn't exist
func (j *JSONStorage) ensureFileExists() error {
	if _, err := os.Stat(j.filePath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(j.filePath), 0700); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}

		return j.saveData(&JSONData{Policies: []*models.OrganizationPolicy{}})
	}
	return nil
}

// loadData loads data from the JSON file with caching.
// It uses double-checked locking: a fast read-lock path for cache hits,
// and a write-lock slow path with re-validation to prevent TOCTOU races.
func (j *JSONStorage) loadData() error {
	j.mu.RLock()
	if j.data != nil && time.Now().Before(j.cacheExpiry) {
		j.mu.RUnlock()
		return nil
	}
	j.mu.RUnlock()

	j.mu.Lock()
	defer j.mu.Unlock()

	// Another goroutine may have loaded while we waited for the write lock.
	if j.data != nil && time.Now().Before(j.cacheExpiry) {
		return nil
	}

	info, err := os.Stat(j.filePath)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	// If the file hasn't changed, extend the cache and return.
	if j.data != nil && !info.ModTime().After(j.lastModified) {
		j.cacheExpiry = time.Now().Add(j.cacheTTL)
		return nil
	}

	fileData, err := os.ReadFile(j.filePath)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var data JSONData
	if err := json.Unmarshal(fileData, &data); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	j.data = &data
	j.lastModified = info.ModTime()
	j.cacheExpiry = time.Now().Add(j.cacheTTL)
	return nil
}

// saveData writes data to a temporary file and renames it over the original.
// Callers other than ensureFileExists must hold the write lock.
func (j *JSONStorage) saveData(data *JSONData) error {
	data.LastUpdated = time.Now().UTC()

	fileData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	tmp := j.filePath + ".tmp"
	if err := os.WriteFile(tmp, fileData, 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, j.filePath); err != nil {
		return fmt.Errorf("failed to replace file: %w", err)
	}

	if info, err := os.Stat(j.filePath); err == nil {
		j.lastModified = info.ModTime()
	}
	return nil
}

// Policies returns all stored policies
func (j *JSONStorage) Policies(ctx context.Context) ([]*models.OrganizationPolicy, error) {
	if err := j.loadData(); err != nil {
		return nil, err
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	policies := make([]*models.OrganizationPolicy, 0, len(j.data.Policies))
	for _, p := range j.data.Policies {
		policyCopy := *p
		policies = append(policies, &policyCopy)
	}
	sortPolicies(policies)
	return policies, nil
}

// GetPolicy retrieves the policy for an organization
func (j *JSONStorage) GetPolicy(ctx context.Context, orgID string) (*models.OrganizationPolicy, error) {
	if err := j.loadData(); err != nil {
		return nil, err
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	for _, p := range j.data.Policies {
		if p.OrganizationID == orgID {
			policyCopy := *p
			return &policyCopy, nil
		}
	}

	return nil, fmt.Errorf("organization %s: %w", orgID, ErrNotFound)
}

// SavePolicy stores or updates a policy
func (j *JSONStorage) SavePolicy(ctx context.Context, policy *models.OrganizationPolicy) error {
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	if err := j.loadData(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	policyCopy := *policy
	for i, existing := range j.data.Policies {
		if existing.OrganizationID == policy.OrganizationID {
			policyCopy.CreatedAt = existing.CreatedAt
			policyCopy.Touch(time.Now().UTC())
			j.data.Policies[i] = &policyCopy
			*policy = policyCopy
			return j.saveData(j.data)
		}
	}

	policyCopy.CreatedAt = time.Time{}
	policyCopy.Touch(time.Now().UTC())
	j.data.Policies = append(j.data.Policies, &policyCopy)
	*policy = policyCopy
	return j.saveData(j.data)
}

// DeletePolicy removes a policy
func (j *JSONStorage) DeletePolicy(ctx context.Context, orgID string) error {
	if err := j.loadData(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	for i, p := range j.data.Policies {
		if p.OrganizationID == orgID {
			j.data.Policies = append(j.data.Policies[:i], j.data.Policies[i+1:]...)
			return j.saveData(j.data)
		}
	}

	return fmt.Errorf("organization %s: %w", orgID, ErrNotFound)
}

// Ping checks that the backing file is still readable
func (j *JSONStorage) Ping(ctx context.Context) error {
	if _, err := os.Stat(j.filePath); err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	return nil
}

// Close is a no-op for JSON storage
func (j *JSONStorage) Close() error {
	return nil
}
