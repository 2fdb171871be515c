package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"throttler/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS organization_policies (
	organization_id TEXT PRIMARY KEY,
	request_limit   INTEGER NOT NULL CHECK (request_limit > 0),
	window_ms       BIGINT NOT NULL CHECK (window_ms > 0),
	description     TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const policyColumns = `organization_id, request_limit, window_ms, description, created_at, updated_at`

// PostgresStorage implements the Storage interface using a pgx connection pool.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage creates a new PostgreSQL storage instance and ensures the
// schema exists.
func NewPostgresStorage(config Config) (*PostgresStorage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required for PostgreSQL storage")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(config.MaxIdleConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresStorage{pool: pool}, nil
}

// Policies returns all stored policies.
func (ps *PostgresStorage) Policies(ctx context.Context) ([]*models.OrganizationPolicy, error) {
	rows, err := ps.pool.Query(ctx, `SELECT `+policyColumns+` FROM organization_policies ORDER BY organization_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to get policies: %w", err)
	}

	policies, err := pgx.CollectRows(rows, scanPgPolicy)
	if err != nil {
		return nil, fmt.Errorf("failed to read policies: %w", err)
	}
	return policies, nil
}

// GetPolicy retrieves the policy for an organization.
func (ps *PostgresStorage) GetPolicy(ctx context.Context, orgID string) (*models.OrganizationPolicy, error) {
	rows, err := ps.pool.Query(ctx, `SELECT `+policyColumns+` FROM organization_policies WHERE organization_id = $1`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanPgPolicy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("organization %s: %w", orgID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return p, nil
}

// SavePolicy stores or updates a policy (upsert pattern).
func (ps *PostgresStorage) SavePolicy(ctx context.Context, policy *models.OrganizationPolicy) error {
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}

	rows, err := ps.pool.Query(ctx, `
		INSERT INTO organization_policies (organization_id, request_limit, window_ms, description)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (organization_id) DO UPDATE SET
			request_limit = EXCLUDED.request_limit,
			window_ms = EXCLUDED.window_ms,
			description = EXCLUDED.description,
			updated_at = now()
		RETURNING `+policyColumns,
		policy.OrganizationID, policy.Limit, policy.Window.Milliseconds(), policy.Description)
	if err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}

	saved, err := pgx.CollectExactlyOneRow(rows, scanPgPolicy)
	if err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}
	*policy = *saved
	return nil
}

// DeletePolicy removes a policy.
func (ps *PostgresStorage) DeletePolicy(ctx context.Context, orgID string) error {
	tag, err := ps.pool.Exec(ctx, `DELETE FROM organization_policies WHERE organization_id = $1`, orgID)
	if err != nil {
		return fmt.Errorf("failed to delete policy %s: %w", orgID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("organization %s: %w", orgID, ErrNotFound)
	}
	return nil
}

// Ping checks the pool can reach the server.
func (ps *PostgresStorage) Ping(ctx context.Context) error {
	return ps.pool.Ping(ctx)
}

// Close closes the connection pool.
func (ps *PostgresStorage) Close() error {
	ps.pool.Close()
	return nil
}

func scanPgPolicy(row pgx.CollectableRow) (*models.OrganizationPolicy, error) {
	var (
		p        models.OrganizationPolicy
		windowMS int64
	)
	if err := row.Scan(&p.OrganizationID, &p.Limit, &windowMS, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Window = time.Duration(windowMS) * time.Millisecond
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}
