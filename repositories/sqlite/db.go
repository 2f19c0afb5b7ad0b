// Package sqlite implements the repository interfaces on SQLite via
// database/sql and the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/upb/agent-control-plane/repositories"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflow_instances (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	definition_id TEXT NOT NULL,
	correlation_id TEXT NOT NULL UNIQUE,
	current_step INTEGER NOT NULL,
	state TEXT NOT NULL,
	step_history BLOB,
	retry_counts BLOB,
	initiator_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_tenant_state ON workflow_instances(tenant_id, state);

CREATE TABLE IF NOT EXISTS audit_entries (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	decision TEXT NOT NULL,
	correlation_id TEXT,
	reason TEXT,
	timestamp TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_tenant_ts ON audit_entries(tenant_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_entries(correlation_id);

CREATE TABLE IF NOT EXISTS permission_policies (
	id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	capability TEXT NOT NULL,
	required_roles BLOB NOT NULL,
	usage_limit INTEGER,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (tenant_id, capability)
);

CREATE TABLE IF NOT EXISTS rate_limit_events (
	scope_key TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_limit_scope_ts ON rate_limit_events(scope_key, timestamp);
`

// DB wraps the sql handle so callers depend on this package rather than a
// driver import.
type DB struct {
	*sql.DB
}

// Open opens (creating if necessary) the control-plane database at path and
// initializes the schema. A single writer connection is used; SQLite
// serializes writes anyway and this avoids SQLITE_BUSY under concurrency.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	return &DB{DB: db}, nil
}

// RepositoryFactory builds the repository set over one database handle.
type RepositoryFactory struct {
	db     *DB
	logger *zap.Logger
}

// NewRepositoryFactory opens the database and returns a factory.
func NewRepositoryFactory(path string, logger *zap.Logger) (*RepositoryFactory, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	return &RepositoryFactory{db: db, logger: logger}, nil
}

// GetDB returns the underlying database handle.
func (f *RepositoryFactory) GetDB() *DB {
	return f.db
}

// NewRepositories returns the full repository set.
func (f *RepositoryFactory) NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Workflows:  NewWorkflowRepository(f.db),
		AuditLogs:  NewAuditRepository(f.db),
		Policies:   NewPolicyRepository(f.db),
		RateLimits: NewRateLimitRepository(f.db),
	}
}

// Ping verifies the connection.
func (f *RepositoryFactory) Ping(ctx context.Context) error {
	return f.db.PingContext(ctx)
}

// Close closes the database.
func (f *RepositoryFactory) Close() error {
	return f.db.Close()
}
