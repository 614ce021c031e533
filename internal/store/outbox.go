package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const outboxCols = `id, tenant_id, device_id, jid, message_type, payload, status, retries,
	error_message, idempotency_key, wa_message_id, created_at, updated_at, sent_at,
	next_attempt_at`

// InsertOutbox appends a pending row to the send queue, eligible for
// delivery immediately.
func (s *Store) InsertOutbox(ctx context.Context, m *OutboxMessage) error {
	m.Status = OutboxPending
	m.CreatedAt = now()
	m.UpdatedAt = m.CreatedAt
	m.NextAttemptAt = m.CreatedAt
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages_outbox
			(id, tenant_id, device_id, jid, message_type, payload, status, retries,
			 idempotency_key, created_at, updated_at, next_attempt_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		m.ID, m.TenantID, m.DeviceID, m.JID, m.MessageType, string(m.Payload),
		m.Status, m.IdempotencyKey, m.CreatedAt, m.UpdatedAt, m.NextAttemptAt)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

// FindOutboxByIdempotencyKey returns the existing row for a
// (device, key) pair, or ErrNotFound. The producer path consults this
// before inserting so a re-submission returns the prior row unchanged.
func (s *Store) FindOutboxByIdempotencyKey(ctx context.Context, deviceID, key string) (*OutboxMessage, error) {
	return scanOutbox(s.db.QueryRowContext(ctx,
		`SELECT `+outboxCols+` FROM messages_outbox
		 WHERE device_id = ? AND idempotency_key = ?`, deviceID, key))
}

// GetOutboxMessage is the tenant-scoped status read.
func (s *Store) GetOutboxMessage(ctx context.Context, tenantID, deviceID, id string) (*OutboxMessage, error) {
	return scanOutbox(s.db.QueryRowContext(ctx,
		`SELECT `+outboxCols+` FROM messages_outbox
		 WHERE id = ? AND device_id = ? AND tenant_id = ?`, id, deviceID, tenantID))
}

// ClaimOutboxBatch moves ready rows to queued and returns them: pending
// rows whose next attempt is due, plus queued rows untouched past the
// stuck horizon (a worker died after claiming its batch). FIFO by
// created_at.
func (s *Store) ClaimOutboxBatch(ctx context.Context, limit int, stuckBefore int64) ([]*OutboxMessage, error) {
	ts := now()
	var out []*OutboxMessage
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+outboxCols+` FROM messages_outbox
			 WHERE (status = ? AND next_attempt_at <= ?) OR (status = ? AND updated_at < ?)
			 ORDER BY created_at ASC LIMIT ?`,
			OutboxPending, ts, OutboxQueued, stuckBefore, limit)
		if err != nil {
			return err
		}
		for rows.Next() {
			var m OutboxMessage
			var payload string
			if err := rows.Scan(&m.ID, &m.TenantID, &m.DeviceID, &m.JID, &m.MessageType, &payload,
				&m.Status, &m.Retries, &m.ErrorMessage, &m.IdempotencyKey, &m.WAMessageID,
				&m.CreatedAt, &m.UpdatedAt, &m.SentAt, &m.NextAttemptAt); err != nil {
				rows.Close()
				return err
			}
			m.Payload = []byte(payload)
			out = append(out, &m)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, m := range out {
			if _, err := tx.ExecContext(ctx,
				`UPDATE messages_outbox SET status = ?, updated_at = ? WHERE id = ?`,
				OutboxQueued, ts, m.ID); err != nil {
				return err
			}
			m.Status = OutboxQueued
			m.UpdatedAt = ts
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	return out, nil
}

// ClaimOutbox is the conditional status CAS. It reports false on a miss
// (another worker won, or the row moved on) without error.
func (s *Store) ClaimOutbox(ctx context.Context, id, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages_outbox SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, now(), id, from)
	if err != nil {
		return false, fmt.Errorf("claim outbox: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkOutboxSent records the protocol-assigned message id and stamps
// sent_at.
func (s *Store) MarkOutboxSent(ctx context.Context, id, waMessageID string) error {
	ts := now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages_outbox
		 SET status = ?, wa_message_id = ?, sent_at = ?, updated_at = ?, error_message = NULL
		 WHERE id = ?`,
		OutboxSent, waMessageID, ts, ts, id)
	return err
}

// RequeueOutbox reverts a row to pending after a transient failure,
// bumping the retry counter and deferring the next attempt.
func (s *Store) RequeueOutbox(ctx context.Context, id, errMsg string, nextAttemptAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages_outbox
		 SET status = ?, retries = retries + 1, error_message = ?, next_attempt_at = ?, updated_at = ?
		 WHERE id = ?`,
		OutboxPending, errMsg, nextAttemptAt, now(), id)
	return err
}

// FailOutbox marks a row terminally failed. Nothing mutates it after
// this.
func (s *Store) FailOutbox(ctx context.Context, id, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages_outbox SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		OutboxFailed, errMsg, now(), id)
	return err
}

// ExpireOutboxBefore transitions pending/queued rows older than the
// horizon to expired. Returns the number of rows swept.
func (s *Store) ExpireOutboxBefore(ctx context.Context, createdBefore int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages_outbox SET status = ?, updated_at = ?
		 WHERE status IN (?, ?) AND created_at < ?`,
		OutboxExpired, now(), OutboxPending, OutboxQueued, createdBefore)
	if err != nil {
		return 0, fmt.Errorf("expire outbox: %w", err)
	}
	return res.RowsAffected()
}

// AdvanceOutboxByWAMessageID moves a row forward on a delivery or read
// receipt. The rank guard keeps transitions monotonic: a late delivery
// receipt can never demote a read message, and terminal rows are
// untouched.
func (s *Store) AdvanceOutboxByWAMessageID(ctx context.Context, deviceID, waMessageID, status string) (bool, error) {
	rank, ok := outboxRank[status]
	if !ok {
		return false, fmt.Errorf("advance outbox: %q is not a happy-path status", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages_outbox SET status = ?, updated_at = ?
		 WHERE device_id = ? AND wa_message_id = ?
		   AND status IN (?, ?, ?)
		   AND ? > CASE status WHEN ? THEN 3 WHEN ? THEN 4 WHEN ? THEN 5 END`,
		status, now(), deviceID, waMessageID,
		OutboxSent, OutboxDelivered, OutboxRead,
		rank, OutboxSent, OutboxDelivered, OutboxRead)
	if err != nil {
		return false, fmt.Errorf("advance outbox: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanOutbox(row *sql.Row) (*OutboxMessage, error) {
	var m OutboxMessage
	var payload string
	err := row.Scan(&m.ID, &m.TenantID, &m.DeviceID, &m.JID, &m.MessageType, &payload,
		&m.Status, &m.Retries, &m.ErrorMessage, &m.IdempotencyKey, &m.WAMessageID,
		&m.CreatedAt, &m.UpdatedAt, &m.SentAt, &m.NextAttemptAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Payload = []byte(payload)
	return &m, nil
}
