package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGAuditStore appends to audit_log. Entries are never updated.
type PGAuditStore struct {
	pool *pgxpool.Pool
}

func (s *PGAuditStore) Record(ctx context.Context, e *AuditEntry) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO audit_log (tenant_id, user_id, action, resource_type, resource_id, details, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`,
		e.TenantID, e.UserID, e.Action, e.ResourceType, e.ResourceID, e.Details, e.IPAddress, e.UserAgent,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("record audit entry %s: %w", e.Action, err)
	}
	return nil
}

// Query returns matching entries newest first.
func (s *PGAuditStore) Query(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	var p predicates
	if f.TenantID != nil {
		p.add("tenant_id = $%d", *f.TenantID)
	}
	if f.UserID != nil {
		p.add("user_id = $%d", *f.UserID)
	}
	if f.Action != "" {
		p.add("action = $%d", f.Action)
	}
	if f.ResourceType != "" {
		p.add("resource_type = $%d", f.ResourceType)
	}
	if f.Since != nil {
		p.add("created_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		p.add("created_at <= $%d", *f.Until)
	}
	q := `SELECT id, tenant_id, user_id, action, resource_type, resource_id, details, ip_address, user_agent, created_at
		FROM audit_log` + p.where() + ` ORDER BY created_at DESC, id DESC` + p.page(f.Pagination)
	return getAll(ctx, s.pool, func(row pgx.CollectableRow) (*AuditEntry, error) {
		e := new(AuditEntry)
		err := row.Scan(&e.ID, &e.TenantID, &e.UserID, &e.Action, &e.ResourceType, &e.ResourceID,
			&e.Details, &e.IPAddress, &e.UserAgent, &e.CreatedAt)
		return e, err
	}, "audit entries", q, p.args...)
}
