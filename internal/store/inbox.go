package store

import (
	"context"
	"fmt"
)

// InsertInbox persists one inbound protocol message.
func (s *Store) InsertInbox(ctx context.Context, m *InboxMessage) error {
	if m.ReceivedAt == 0 {
		m.ReceivedAt = now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages_inbox
			(id, tenant_id, device_id, jid, message_id, message_type, payload, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TenantID, m.DeviceID, m.JID, m.MessageID, m.MessageType, string(m.Payload), m.ReceivedAt)
	if err != nil {
		return fmt.Errorf("insert inbox: %w", err)
	}
	return nil
}

// ListInbox returns a device's inbound messages, newest first, bounded
// by limit.
func (s *Store) ListInbox(ctx context.Context, tenantID, deviceID string, limit int) ([]*InboxMessage, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, device_id, jid, message_id, message_type, payload, received_at
		 FROM messages_inbox WHERE tenant_id = ? AND device_id = ?
		 ORDER BY received_at DESC LIMIT ?`, tenantID, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	defer rows.Close()

	var out []*InboxMessage
	for rows.Next() {
		var m InboxMessage
		var payload string
		if err := rows.Scan(&m.ID, &m.TenantID, &m.DeviceID, &m.JID, &m.MessageID,
			&m.MessageType, &payload, &m.ReceivedAt); err != nil {
			return nil, err
		}
		m.Payload = []byte(payload)
		out = append(out, &m)
	}
	return out, rows.Err()
}
