package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertDeviceSession writes or refreshes the discovery record for a
// device's credential directory.
func (s *Store) UpsertDeviceSession(ctx context.Context, sess *DeviceSession) error {
	sess.UpdatedAt = now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_sessions (device_id, tenant_id, session_kind, session_dir, wa_jid, wa_name, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			session_kind = excluded.session_kind,
			session_dir = excluded.session_dir,
			wa_jid = COALESCE(excluded.wa_jid, device_sessions.wa_jid),
			wa_name = COALESCE(excluded.wa_name, device_sessions.wa_name),
			updated_at = excluded.updated_at`,
		sess.DeviceID, sess.TenantID, sess.SessionKind, sess.SessionDir, sess.WAJID, sess.WAName, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert device session: %w", err)
	}
	return nil
}

// GetDeviceSession fetches the metadata row for a device.
func (s *Store) GetDeviceSession(ctx context.Context, deviceID string) (*DeviceSession, error) {
	var sess DeviceSession
	err := s.db.QueryRowContext(ctx,
		`SELECT device_id, tenant_id, session_kind, session_dir, wa_jid, wa_name, updated_at
		 FROM device_sessions WHERE device_id = ?`, deviceID).
		Scan(&sess.DeviceID, &sess.TenantID, &sess.SessionKind, &sess.SessionDir, &sess.WAJID, &sess.WAName, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// DeleteDeviceSession removes the metadata row on logout.
func (s *Store) DeleteDeviceSession(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM device_sessions WHERE device_id = ?`, deviceID)
	return err
}
