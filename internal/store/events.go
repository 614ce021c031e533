package store

import (
	"context"
	"fmt"
)

// InsertEventLog appends one captured protocol event. The table is
// append-only; retention sweeps are a separate operational concern.
func (s *Store) InsertEventLog(ctx context.Context, e *EventLog) error {
	if e.ReceivedAt == 0 {
		e.ReceivedAt = now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_logs (id, tenant_id, device_id, event_type, payload, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.DeviceID, e.EventType, string(e.Payload), e.ReceivedAt)
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

// EventQuery filters the pull endpoint. Since is an inclusive lower
// bound on received_at; Type narrows to one event token; Limit caps at
// 500.
type EventQuery struct {
	Since int64
	Type  string
	Limit int
}

// ListEvents returns a device's events in capture order.
func (s *Store) ListEvents(ctx context.Context, tenantID, deviceID string, q EventQuery) ([]*EventLog, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	} else if q.Limit > 500 {
		q.Limit = 500
	}

	query := `SELECT id, tenant_id, device_id, event_type, payload, received_at
		 FROM event_logs WHERE tenant_id = ? AND device_id = ?`
	args := []any{tenantID, deviceID}
	if q.Since > 0 {
		query += ` AND received_at >= ?`
		args = append(args, q.Since)
	}
	if q.Type != "" {
		query += ` AND event_type = ?`
		args = append(args, q.Type)
	}
	query += ` ORDER BY received_at ASC LIMIT ?`
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*EventLog
	for rows.Next() {
		var e EventLog
		var payload string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.DeviceID, &e.EventType, &payload, &e.ReceivedAt); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		out = append(out, &e)
	}
	return out, rows.Err()
}
