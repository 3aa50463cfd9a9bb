// Package db persists instance records in PostgreSQL. Records are keyed by
// the deployment execution handle and queryable by user and state.
package db

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stratusgg/stratus/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store provides data access to the control-plane PostgreSQL database.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with a connection pool.
func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate runs database migrations.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err = s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	migrations := []struct {
		version  int
		filename string
	}{
		{1, "migrations/001_instances.up.sql"},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		sql, err := migrationsFS.ReadFile(m.filename)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", m.filename, err)
		}
		if _, err := s.pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.version, err)
		}
		if _, err := s.pool.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
	}
	return nil
}

const recordColumns = `execution_id, COALESCE(instance_id, ''), instance_arn, user_id,
	public_ip, private_ip, state, instance_type, ami_id, volume_id, dcv_url, created_at`

func scanRecord(row pgx.Row) (*types.InstanceRecord, error) {
	var rec types.InstanceRecord
	err := row.Scan(
		&rec.ExecutionID, &rec.InstanceID, &rec.InstanceARN, &rec.UserID,
		&rec.PublicIP, &rec.PrivateIP, &rec.State, &rec.InstanceType,
		&rec.AMIID, &rec.VolumeID, &rec.DCVURL, &rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &types.NotFoundError{Resource: "instance record"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan instance record: %w", err)
	}
	return &rec, nil
}

// CreateDeployment inserts the placeholder record a deploy request writes
// before its workflow produces an instance. A record that already exists for
// the execution wins; the workflow may have finished first.
func (s *Store) CreateDeployment(ctx context.Context, rec *types.InstanceRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO instances (execution_id, user_id, state, instance_type, ami_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (execution_id) DO NOTHING
	`, rec.ExecutionID, rec.UserID, rec.State, rec.InstanceType, rec.AMIID, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create deployment record: %w", err)
	}
	return nil
}

// UpdateDeployment overwrites the record identified by rec.ExecutionID with
// the final instance fields. Last writer wins.
func (s *Store) UpdateDeployment(ctx context.Context, rec *types.InstanceRecord) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE instances
		SET instance_id = NULLIF($2, ''), instance_arn = $3, public_ip = $4,
		    private_ip = $5, state = $6, instance_type = $7, ami_id = $8,
		    volume_id = $9, dcv_url = $10, updated_at = now()
		WHERE execution_id = $1
	`, rec.ExecutionID, rec.InstanceID, rec.InstanceARN, rec.PublicIP,
		rec.PrivateIP, rec.State, rec.InstanceType, rec.AMIID, rec.VolumeID, rec.DCVURL)
	if err != nil {
		return fmt.Errorf("failed to update deployment record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &types.NotFoundError{Resource: "instance record"}
	}
	return nil
}

// LatestForUser returns the user's most recent record.
func (s *Store) LatestForUser(ctx context.Context, userID string) (*types.InstanceRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM instances
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, userID)
	return scanRecord(row)
}

// ActiveForUser returns records whose deployment is in flight or whose
// instance is pending or running.
func (s *Store) ActiveForUser(ctx context.Context, userID string) ([]types.InstanceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM instances
		WHERE user_id = $1 AND state IN ('deploying', 'pending', 'running')
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query active instances: %w", err)
	}
	defer rows.Close()

	var records []types.InstanceRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// GetByInstance returns the record for one instance id.
func (s *Store) GetByInstance(ctx context.Context, instanceID string) (*types.InstanceRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM instances
		WHERE instance_id = $1
	`, instanceID)
	return scanRecord(row)
}

// MarkState updates just the lifecycle state of an instance record.
func (s *Store) MarkState(ctx context.Context, executionID, state string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE instances SET state = $2, updated_at = now() WHERE execution_id = $1
	`, executionID, state)
	if err != nil {
		return fmt.Errorf("failed to update instance state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &types.NotFoundError{Resource: "instance record"}
	}
	return nil
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, executionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM instances WHERE execution_id = $1`, executionID)
	if err != nil {
		return fmt.Errorf("failed to delete instance record: %w", err)
	}
	return nil
}
