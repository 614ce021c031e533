package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AcquireDeviceLock attempts to take the TTL row lock for a device on
// behalf of instanceID. Semantics, all inside one transaction:
//
//   - no row, or expired row: upsert and acquire
//   - live row held by us: re-entrant, extend expiry
//   - live row held elsewhere: not acquired
func (s *Store) AcquireDeviceLock(ctx context.Context, deviceID, instanceID string, ttlSeconds int64) (bool, error) {
	acquired := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		nowTs := now()
		var holder string
		var expiresAt int64
		err := tx.QueryRowContext(ctx,
			`SELECT instance_id, expires_at FROM device_locks WHERE device_id = ?`,
			deviceID).Scan(&holder, &expiresAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// fall through to upsert
		case err != nil:
			return fmt.Errorf("read lock: %w", err)
		case expiresAt > nowTs && holder != instanceID:
			return nil // held elsewhere
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO device_locks (device_id, instance_id, acquired_at, expires_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(device_id) DO UPDATE SET
				instance_id = excluded.instance_id,
				acquired_at = excluded.acquired_at,
				expires_at = excluded.expires_at`,
			deviceID, instanceID, nowTs, nowTs+ttlSeconds)
		if err != nil {
			return fmt.Errorf("upsert lock: %w", err)
		}
		acquired = true
		return nil
	})
	return acquired, err
}

// ExtendDeviceLock pushes out the expiry if and only if we still hold
// the lock.
func (s *Store) ExtendDeviceLock(ctx context.Context, deviceID, instanceID string, ttlSeconds int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE device_locks SET expires_at = ? WHERE device_id = ? AND instance_id = ?`,
		now()+ttlSeconds, deviceID, instanceID)
	if err != nil {
		return false, fmt.Errorf("extend lock: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseDeviceLock deletes the row only if we hold it. Never a blind
// delete: a release racing a takeover must not clobber the new holder.
func (s *Store) ReleaseDeviceLock(ctx context.Context, deviceID, instanceID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM device_locks WHERE device_id = ? AND instance_id = ?`,
		deviceID, instanceID)
	return err
}

// GetDeviceLock returns the current lock row, expired or not.
func (s *Store) GetDeviceLock(ctx context.Context, deviceID string) (*DeviceLock, error) {
	var l DeviceLock
	err := s.db.QueryRowContext(ctx,
		`SELECT device_id, instance_id, acquired_at, expires_at FROM device_locks WHERE device_id = ?`,
		deviceID).Scan(&l.DeviceID, &l.InstanceID, &l.AcquiredAt, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ReapExpiredLocks deletes rows whose TTL has lapsed; the expires_at
// index keeps the sweep cheap.
func (s *Store) ReapExpiredLocks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM device_locks WHERE expires_at <= ?`, now())
	if err != nil {
		return 0, fmt.Errorf("reap locks: %w", err)
	}
	return res.RowsAffected()
}
