// Package schema holds the versioned DDL of the central and tenant databases.
package schema

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/hirebridge/pkg/observability"
)

// Migration is one versioned schema change
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Set is an ordered list of migrations tracked in its own table
type Set struct {
	Name       string
	Table      string
	Migrations []Migration
}

// Central returns the migrations of the central database
func Central() Set {
	return Set{
		Name:  "central",
		Table: "central_migrations",
		Migrations: []Migration{
			{
				Version:     1,
				Description: "Create tenant_memberships table",
				SQL: `
					CREATE TABLE IF NOT EXISTS tenant_memberships (
						id BIGSERIAL PRIMARY KEY,
						tenant_id VARCHAR(64) NOT NULL,
						global_id VARCHAR(64) NOT NULL,
						role VARCHAR(32) NOT NULL DEFAULT 'recruiter',
						is_owner BOOLEAN NOT NULL DEFAULT FALSE,
						tenant_join_date TIMESTAMPTZ,
						is_integrated BOOLEAN NOT NULL DEFAULT FALSE,
						integrated_at TIMESTAMPTZ,
						external_ref VARCHAR(512),
						created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
						updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
						UNIQUE(tenant_id, global_id)
					);

					CREATE INDEX IF NOT EXISTS idx_tenant_memberships_global_id ON tenant_memberships(global_id);
				`,
			},
		},
	}
}

// Tenant returns the migrations applied to every tenant database
func Tenant() Set {
	return Set{
		Name:  "tenant",
		Table: "tenant_migrations",
		Migrations: []Migration{
			{
				Version:     1,
				Description: "Create tenant_users table",
				SQL: `
					CREATE TABLE IF NOT EXISTS tenant_users (
						id BIGSERIAL PRIMARY KEY,
						global_id VARCHAR(64) NOT NULL UNIQUE,
						name VARCHAR(255) NOT NULL,
						email VARCHAR(255) NOT NULL,
						password_hash TEXT NOT NULL DEFAULT '',
						role VARCHAR(32) NOT NULL DEFAULT 'recruiter',
						is_owner BOOLEAN NOT NULL DEFAULT FALSE,
						tenant_join_date TIMESTAMPTZ,
						last_login_ip VARCHAR(64),
						last_login_at TIMESTAMPTZ,
						last_login_user_agent TEXT,
						is_integrated BOOLEAN NOT NULL DEFAULT FALSE,
						integrated_at TIMESTAMPTZ,
						external_ref VARCHAR(512),
						created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
						updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
					);

					CREATE INDEX IF NOT EXISTS idx_tenant_users_email ON tenant_users(email);
				`,
			},
			{
				Version:     2,
				Description: "Create job_positions table",
				SQL: `
					CREATE TABLE IF NOT EXISTS job_positions (
						id BIGSERIAL PRIMARY KEY,
						name VARCHAR(255) NOT NULL,
						external_id VARCHAR(64),
						external_name VARCHAR(255),
						id_parent BIGINT REFERENCES job_positions(id) ON DELETE SET NULL,
						deleted_at TIMESTAMPTZ,
						created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
						updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
					);

					CREATE UNIQUE INDEX IF NOT EXISTS uq_job_positions_name ON job_positions(name) WHERE deleted_at IS NULL;
					CREATE UNIQUE INDEX IF NOT EXISTS uq_job_positions_external_id ON job_positions(external_id) WHERE deleted_at IS NULL;
					CREATE INDEX IF NOT EXISTS idx_job_positions_external_id ON job_positions(external_id);
					CREATE INDEX IF NOT EXISTS idx_job_positions_id_parent ON job_positions(id_parent);
				`,
			},
			{
				Version:     3,
				Description: "Create job_levels and education_levels tables",
				SQL: `
					CREATE TABLE IF NOT EXISTS job_levels (
						id BIGSERIAL PRIMARY KEY,
						name VARCHAR(255) NOT NULL,
						sort_index INTEGER,
						external_id VARCHAR(64),
						external_name VARCHAR(255),
						deleted_at TIMESTAMPTZ,
						created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
						updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
					);

					CREATE UNIQUE INDEX IF NOT EXISTS uq_job_levels_name ON job_levels(name) WHERE deleted_at IS NULL;
					CREATE UNIQUE INDEX IF NOT EXISTS uq_job_levels_external_id ON job_levels(external_id) WHERE deleted_at IS NULL;
					CREATE INDEX IF NOT EXISTS idx_job_levels_external_id ON job_levels(external_id);

					CREATE TABLE IF NOT EXISTS education_levels (
						id BIGSERIAL PRIMARY KEY,
						name VARCHAR(255) NOT NULL,
						sort_index INTEGER,
						external_id VARCHAR(64),
						external_name VARCHAR(255),
						deleted_at TIMESTAMPTZ,
						created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
						updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
					);

					CREATE UNIQUE INDEX IF NOT EXISTS uq_education_levels_name ON education_levels(name) WHERE deleted_at IS NULL;
					CREATE UNIQUE INDEX IF NOT EXISTS uq_education_levels_external_id ON education_levels(external_id) WHERE deleted_at IS NULL;
					CREATE INDEX IF NOT EXISTS idx_education_levels_external_id ON education_levels(external_id);
				`,
			},
		},
	}
}

// RunMigrations applies every pending migration of set, each in its own
// transaction. It returns the number of migrations applied.
func RunMigrations(ctx context.Context, db *sql.DB, set Set, logger *observability.Logger) (int, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	log := logger.WithField("schema", set.Name)

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+set.Table+` (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db, set.Table)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, m := range set.Migrations {
		if applied[m.Version] {
			continue
		}

		log.WithFields(map[string]interface{}{
			"version":     m.Version,
			"description": m.Description,
		}).Info("Running migration")

		if err := apply(ctx, db, set.Table, m); err != nil {
			return count, err
		}
		count++
	}

	if count > 0 {
		log.WithField("applied", count).Info("Schema is up to date")
	}
	return count, nil
}

func appliedVersions(ctx context.Context, db *sql.DB, table string) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM "+table+" ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func apply(ctx context.Context, db *sql.DB, table string, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO "+table+" (version, description) VALUES ($1, $2)",
		m.Version, m.Description,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
	}
	return nil
}
