package sqlite

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/upb/agent-control-plane/models"
	"github.com/upb/agent-control-plane/repositories"
	"github.com/upb/agent-control-plane/services"
)

// AuditRepository is a repositories.AuditRepository backed by SQLite.
// Entries are append-only; there is no update or delete path.
type AuditRepository struct {
	db *DB
}

var _ repositories.AuditRepository = (*AuditRepository)(nil)

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Insert(ctx context.Context, entry *models.AuditEntry) error {
	var correlation sql.NullString
	if entry.CorrelationID != "" {
		correlation = sql.NullString{String: entry.CorrelationID, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, tenant_id, actor, action, decision, correlation_id, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID.String(),
		entry.TenantID.String(),
		entry.Actor,
		entry.Action,
		string(entry.Decision),
		correlation,
		entry.Reason,
		entry.Timestamp,
	)
	if err != nil {
		return services.WrapUnavailable("failed to insert audit entry", err)
	}
	return nil
}

func (r *AuditRepository) GetByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*models.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, actor, action, decision, correlation_id, reason, timestamp
		FROM audit_entries
		WHERE tenant_id = ?
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?`,
		tenantID.String(), limit, offset)
	if err != nil {
		return nil, services.WrapUnavailable("failed to query audit entries", err)
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

func (r *AuditRepository) GetByCorrelationID(ctx context.Context, correlationID string) ([]*models.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, actor, action, decision, correlation_id, reason, timestamp
		FROM audit_entries
		WHERE correlation_id = ?
		ORDER BY timestamp`,
		correlationID)
	if err != nil {
		return nil, services.WrapUnavailable("failed to query audit entries", err)
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

func scanAuditEntries(rows *sql.Rows) ([]*models.AuditEntry, error) {
	var entries []*models.AuditEntry
	for rows.Next() {
		var (
			entry                 models.AuditEntry
			idStr, tenantStr      string
			decisionStr           string
			correlation           sql.NullString
		)
		if err := rows.Scan(&idStr, &tenantStr, &entry.Actor, &entry.Action,
			&decisionStr, &correlation, &entry.Reason, &entry.Timestamp); err != nil {
			return nil, services.WrapUnavailable("failed to read audit entry", err)
		}
		var err error
		if entry.ID, err = uuid.Parse(idStr); err != nil {
			return nil, services.WrapInternal("corrupt audit id", err)
		}
		if entry.TenantID, err = uuid.Parse(tenantStr); err != nil {
			return nil, services.WrapInternal("corrupt tenant id", err)
		}
		entry.Decision = models.Decision(decisionStr)
		entry.CorrelationID = correlation.String
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, services.WrapUnavailable("failed to read audit entries", err)
	}
	return entries, nil
}
