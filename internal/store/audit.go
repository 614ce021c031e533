package store

import (
	"context"
	"fmt"

	"github.com/rijan/wa-gateway/internal/crypto"
)

// InsertAudit appends one audit row. Audit failures are logged by
// callers but never bubble into the request path.
func (s *Store) InsertAudit(ctx context.Context, a *AuditLog) error {
	if a.ID == "" {
		a.ID = crypto.MintID("audit")
	}
	a.CreatedAt = now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs
			(id, tenant_id, actor, action, resource_type, resource_id, meta, ip_address, user_agent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.Actor, a.Action, a.ResourceType, a.ResourceID, a.Meta, a.IPAddress, a.UserAgent, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// ListAuditByAction supports tests and operator queries over the
// append-only log.
func (s *Store) ListAuditByAction(ctx context.Context, action string, limit int) ([]*AuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, actor, action, resource_type, resource_id, meta, ip_address, user_agent, created_at
		 FROM audit_logs WHERE action = ? ORDER BY created_at DESC LIMIT ?`, action, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []*AuditLog
	for rows.Next() {
		var a AuditLog
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Actor, &a.Action, &a.ResourceType,
			&a.ResourceID, &a.Meta, &a.IPAddress, &a.UserAgent, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
