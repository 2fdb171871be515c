package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"throttler/internal/models"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS organization_policies (
	organization_id TEXT PRIMARY KEY,
	request_limit   INTEGER NOT NULL,
	window_ms       INTEGER NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
)`

// SQLiteStorage stores policies in a SQLite database through database/sql.
// Timestamps are stored as RFC3339Nano text.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens the database and creates the schema if needed
func NewSQLiteStorage(config Config) (*SQLiteStorage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required for SQLite storage")
	}

	db, err := sql.Open("sqlite", config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Policies returns all stored policies
func (ss *SQLiteStorage) Policies(ctx context.Context) ([]*models.OrganizationPolicy, error) {
	rows, err := ss.db.QueryContext(ctx, `
		SELECT organization_id, request_limit, window_ms, description, created_at, updated_at
		FROM organization_policies ORDER BY organization_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer rows.Close()

	policies := []*models.OrganizationPolicy{}
	for rows.Next() {
		p, err := scanSQLitePolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate policies: %w", err)
	}
	return policies, nil
}

// GetPolicy retrieves the policy for an organization
func (ss *SQLiteStorage) GetPolicy(ctx context.Context, orgID string) (*models.OrganizationPolicy, error) {
	row := ss.db.QueryRowContext(ctx, `
		SELECT organization_id, request_limit, window_ms, description, created_at, updated_at
		FROM organization_policies WHERE organization_id = ?`, orgID)

	p, err := scanSQLitePolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("organization %s: %w", orgID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// SavePolicy stores or updates a policy (upsert)
func (ss *SQLiteStorage) SavePolicy(ctx context.Context, policy *models.OrganizationPolicy) error {
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}

	now := time.Now().UTC()
	_, err := ss.db.ExecContext(ctx, `
		INSERT INTO organization_policies
			(organization_id, request_limit, window_ms, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(organization_id) DO UPDATE SET
			request_limit = excluded.request_limit,
			window_ms = excluded.window_ms,
			description = excluded.description,
			updated_at = excluded.updated_at`,
		policy.OrganizationID,
		policy.Limit,
		policy.Window.Milliseconds(),
		policy.Description,
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}

	saved, err := ss.GetPolicy(ctx, policy.OrganizationID)
	if err != nil {
		return err
	}
	*policy = *saved
	return nil
}

// DeletePolicy removes a policy
func (ss *SQLiteStorage) DeletePolicy(ctx context.Context, orgID string) error {
	res, err := ss.db.ExecContext(ctx, `DELETE FROM organization_policies WHERE organization_id = ?`, orgID)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("organization %s: %w", orgID, ErrNotFound)
	}
	return nil
}

// Ping checks the database connection
func (ss *SQLiteStorage) Ping(ctx context.Context) error {
	return ss.db.PingContext(ctx)
}

// Close closes the storage connection
func (ss *SQLiteStorage) Close() error {
	return ss.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLitePolicy(row rowScanner) (*models.OrganizationPolicy, error) {
	var (
		p                    models.OrganizationPolicy
		windowMS             int64
		createdAt, updatedAt string
	)
	if err := row.Scan(&p.OrganizationID, &p.Limit, &windowMS, &p.Description, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan policy: %w", err)
	}
	p.Window = time.Duration(windowMS) * time.Millisecond

	var err error
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &p, nil
}
