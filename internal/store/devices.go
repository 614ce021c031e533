package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const deviceCols = `id, tenant_id, label, phone_number, status, created_at, last_seen`

// CreateDevice inserts a device in the disconnected state.
func (s *Store) CreateDevice(ctx context.Context, d *Device) error {
	d.Status = DeviceDisconnected
	d.CreatedAt = now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, tenant_id, label, phone_number, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.TenantID, d.Label, d.PhoneNumber, d.Status, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("create device: %w", err)
	}
	return nil
}

// GetDevice is the tenant-scoped lookup every handler must use. The
// tenant id is part of the predicate so a foreign device id behaves
// exactly like a missing one.
func (s *Store) GetDevice(ctx context.Context, tenantID, deviceID string) (*Device, error) {
	return scanDevice(s.db.QueryRowContext(ctx,
		`SELECT `+deviceCols+` FROM devices WHERE id = ? AND tenant_id = ?`,
		deviceID, tenantID))
}

// GetDeviceByID is reserved for internal components (lifecycle engine,
// sender worker) that already hold an authenticated reference. Never
// expose it through a tenant-facing handler.
func (s *Store) GetDeviceByID(ctx context.Context, deviceID string) (*Device, error) {
	return scanDevice(s.db.QueryRowContext(ctx,
		`SELECT `+deviceCols+` FROM devices WHERE id = ?`, deviceID))
}

// ListDevices returns the tenant's devices, newest first.
func (s *Store) ListDevices(ctx context.Context, tenantID string) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceCols+` FROM devices WHERE tenant_id = ? ORDER BY created_at DESC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []*Device
	for rows.Next() {
		d, err := scanDeviceRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDeviceStatus persists a lifecycle transition.
func (s *Store) UpdateDeviceStatus(ctx context.Context, deviceID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET status = ? WHERE id = ?`, status, deviceID)
	if err != nil {
		return fmt.Errorf("update device status: %w", err)
	}
	return requireRow(res)
}

// TouchDeviceLastSeen stamps last_seen, typically on connect and on
// inbound traffic.
func (s *Store) TouchDeviceLastSeen(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen = ? WHERE id = ?`, now(), deviceID)
	return err
}

// SetDevicePhone records the paired phone number after pairing completes.
func (s *Store) SetDevicePhone(ctx context.Context, deviceID, phone string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET phone_number = ? WHERE id = ?`, phone, deviceID)
	return err
}

// DeleteDevice hard-deletes a device row; outbox, inbox, sessions and
// chats follow via foreign keys.
func (s *Store) DeleteDevice(ctx context.Context, tenantID, deviceID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM devices WHERE id = ? AND tenant_id = ?`, deviceID, tenantID)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return requireRow(res)
}

// CountDevicesByStatus feeds the metrics endpoint.
func (s *Store) CountDevicesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM devices GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count devices: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func scanDevice(row *sql.Row) (*Device, error) {
	var d Device
	err := row.Scan(&d.ID, &d.TenantID, &d.Label, &d.PhoneNumber, &d.Status, &d.CreatedAt, &d.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func scanDeviceRows(rows *sql.Rows) (*Device, error) {
	var d Device
	if err := rows.Scan(&d.ID, &d.TenantID, &d.Label, &d.PhoneNumber, &d.Status, &d.CreatedAt, &d.LastSeen); err != nil {
		return nil, err
	}
	return &d, nil
}
