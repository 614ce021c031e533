package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned by every find-by-id repository method when no
// visible row matches. Tombstoned tenants count as absent.
var ErrNotFound = errors.New("store: not found")

// CreateTenant inserts a new active tenant.
func (s *Store) CreateTenant(ctx context.Context, t *Tenant) error {
	t.Status = TenantActive
	t.CreatedAt = now()
	t.UpdatedAt = t.CreatedAt
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, api_key_hash, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.APIKeyHash, t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

// GetTenant returns a tenant by id, excluding tombstones.
func (s *Store) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	return s.scanTenant(s.db.QueryRowContext(ctx,
		`SELECT id, name, api_key_hash, status, created_at, updated_at
		 FROM tenants WHERE id = ? AND status != ?`, id, TenantDeleted))
}

// GetTenantByAPIKeyHash resolves the tenant for a token fingerprint.
func (s *Store) GetTenantByAPIKeyHash(ctx context.Context, hash string) (*Tenant, error) {
	return s.scanTenant(s.db.QueryRowContext(ctx,
		`SELECT id, name, api_key_hash, status, created_at, updated_at
		 FROM tenants WHERE api_key_hash = ? AND status != ?`, hash, TenantDeleted))
}

// ListTenants returns all non-deleted tenants, newest first.
func (s *Store) ListTenants(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, api_key_hash, status, created_at, updated_at
		 FROM tenants WHERE status != ? ORDER BY created_at DESC`, TenantDeleted)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []*Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.APIKeyHash, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// UpdateTenantStatus flips a tenant between active and suspended.
func (s *Store) UpdateTenantStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET status = ?, updated_at = ? WHERE id = ? AND status != ?`,
		status, now(), id, TenantDeleted)
	if err != nil {
		return fmt.Errorf("update tenant status: %w", err)
	}
	return requireRow(res)
}

// SoftDeleteTenant tombstones a tenant. Devices and their dependents are
// left in place behind the tombstone; hard deletion of the tenant row
// cascades through foreign keys.
func (s *Store) SoftDeleteTenant(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET status = ?, updated_at = ? WHERE id = ? AND status != ?`,
		TenantDeleted, now(), id, TenantDeleted)
	if err != nil {
		return fmt.Errorf("soft delete tenant: %w", err)
	}
	return requireRow(res)
}

func (s *Store) scanTenant(row *sql.Row) (*Tenant, error) {
	var t Tenant
	err := row.Scan(&t.ID, &t.Name, &t.APIKeyHash, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
