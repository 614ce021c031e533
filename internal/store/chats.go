package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertChat refreshes the derived chat cache from a protocol chat
// upsert/update event.
func (s *Store) UpsertChat(ctx context.Context, c *Chat) error {
	c.UpdatedAt = now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (device_id, tenant_id, jid, name, last_message_at, unread_count, archived, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(device_id, jid) DO UPDATE SET
			name = COALESCE(excluded.name, chats.name),
			last_message_at = COALESCE(excluded.last_message_at, chats.last_message_at),
			unread_count = excluded.unread_count,
			archived = excluded.archived,
			updated_at = excluded.updated_at`,
		c.DeviceID, c.TenantID, c.JID, c.Name, c.LastMessageAt, c.UnreadCount, c.Archived, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	return nil
}

// DeleteChat drops a cached chat on a protocol chat-delete event.
func (s *Store) DeleteChat(ctx context.Context, deviceID, jid string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chats WHERE device_id = ? AND jid = ?`, deviceID, jid)
	return err
}

// ListChats returns the tenant-scoped cached chats, most recent first.
func (s *Store) ListChats(ctx context.Context, tenantID, deviceID string, limit int) ([]*Chat, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, tenant_id, jid, name, last_message_at, unread_count, archived, updated_at
		 FROM chats WHERE tenant_id = ? AND device_id = ?
		 ORDER BY COALESCE(last_message_at, updated_at) DESC LIMIT ?`,
		tenantID, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []*Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.DeviceID, &c.TenantID, &c.JID, &c.Name, &c.LastMessageAt,
			&c.UnreadCount, &c.Archived, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// UpsertLIDMapping records a LID-to-phone correspondence learned from
// protocol contact events.
func (s *Store) UpsertLIDMapping(ctx context.Context, m *LIDMapping) error {
	m.UpdatedAt = now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lid_map (device_id, lid, phone_jid, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(device_id, lid) DO UPDATE SET
			phone_jid = excluded.phone_jid,
			updated_at = excluded.updated_at`,
		m.DeviceID, m.LID, m.PhoneJID, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert lid mapping: %w", err)
	}
	return nil
}

// ResolveLID maps a LID back to a phone JID for a device.
func (s *Store) ResolveLID(ctx context.Context, deviceID, lid string) (string, error) {
	var phone string
	err := s.db.QueryRowContext(ctx,
		`SELECT phone_jid FROM lid_map WHERE device_id = ? AND lid = ?`, deviceID, lid).Scan(&phone)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return phone, err
}
