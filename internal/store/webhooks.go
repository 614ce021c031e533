package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const webhookCols = `id, tenant_id, url, secret, events, enabled, retry_count, timeout_ms, created_at, updated_at`

// CreateWebhook registers a subscription. Events are stored as a JSON
// array of event-type tokens.
func (s *Store) CreateWebhook(ctx context.Context, w *Webhook) error {
	if w.RetryCount <= 0 {
		w.RetryCount = 3
	}
	if w.TimeoutMs <= 0 {
		w.TimeoutMs = 5000
	}
	w.CreatedAt = now()
	w.UpdatedAt = w.CreatedAt

	events, err := json.Marshal(w.Events)
	if err != nil {
		return fmt.Errorf("encode webhook events: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO webhooks (id, tenant_id, url, secret, events, enabled, retry_count, timeout_ms, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.TenantID, w.URL, w.Secret, string(events), w.Enabled, w.RetryCount, w.TimeoutMs, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create webhook: %w", err)
	}
	return nil
}

// GetWebhook is the tenant-scoped fetch.
func (s *Store) GetWebhook(ctx context.Context, tenantID, id string) (*Webhook, error) {
	return scanWebhook(s.db.QueryRowContext(ctx,
		`SELECT `+webhookCols+` FROM webhooks WHERE id = ? AND tenant_id = ?`, id, tenantID))
}

// ListWebhooks returns all of a tenant's subscriptions.
func (s *Store) ListWebhooks(ctx context.Context, tenantID string) ([]*Webhook, error) {
	return s.queryWebhooks(ctx,
		`SELECT `+webhookCols+` FROM webhooks WHERE tenant_id = ? ORDER BY created_at DESC`, tenantID)
}

// ListEnabledWebhooks returns the tenant's enabled subscriptions; the
// fan-out pipeline does event-type matching in memory, including alias
// expansion.
func (s *Store) ListEnabledWebhooks(ctx context.Context, tenantID string) ([]*Webhook, error) {
	return s.queryWebhooks(ctx,
		`SELECT `+webhookCols+` FROM webhooks WHERE tenant_id = ? AND enabled = 1`, tenantID)
}

// UpdateWebhook replaces the mutable fields of a subscription.
func (s *Store) UpdateWebhook(ctx context.Context, w *Webhook) error {
	events, err := json.Marshal(w.Events)
	if err != nil {
		return fmt.Errorf("encode webhook events: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET url = ?, secret = ?, events = ?, enabled = ?, retry_count = ?, timeout_ms = ?, updated_at = ?
		 WHERE id = ? AND tenant_id = ?`,
		w.URL, w.Secret, string(events), w.Enabled, w.RetryCount, w.TimeoutMs, now(), w.ID, w.TenantID)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	return requireRow(res)
}

// DeleteWebhook removes a subscription.
func (s *Store) DeleteWebhook(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhooks WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return requireRow(res)
}

// CountEnabledWebhooks feeds the active-webhooks gauge.
func (s *Store) CountEnabledWebhooks(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhooks WHERE enabled = 1`).Scan(&n)
	return n, err
}

// InsertWebhookLog records one delivery attempt batch.
func (s *Store) InsertWebhookLog(ctx context.Context, l *WebhookLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_logs (id, webhook_id, event_id, status_code, attempts, last_error, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.WebhookID, l.EventID, l.StatusCode, l.Attempts, l.LastError, l.SentAt)
	if err != nil {
		return fmt.Errorf("insert webhook log: %w", err)
	}
	return nil
}

// ListWebhookLogs returns recent delivery logs for one webhook, bounded.
func (s *Store) ListWebhookLogs(ctx context.Context, webhookID string, limit int) ([]*WebhookLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, webhook_id, event_id, status_code, attempts, last_error, sent_at
		 FROM webhook_logs WHERE webhook_id = ? ORDER BY sent_at DESC LIMIT ?`, webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("list webhook logs: %w", err)
	}
	defer rows.Close()

	var out []*WebhookLog
	for rows.Next() {
		var l WebhookLog
		if err := rows.Scan(&l.ID, &l.WebhookID, &l.EventID, &l.StatusCode, &l.Attempts, &l.LastError, &l.SentAt); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// InsertDeadLetter parks an undeliverable event after retry exhaustion.
func (s *Store) InsertDeadLetter(ctx context.Context, d *DeadLetter) error {
	d.CreatedAt = now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_dlq (id, webhook_id, event_payload, reason, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.WebhookID, string(d.EventPayload), d.Reason, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// CountDeadLetters feeds the DLQ size gauge.
func (s *Store) CountDeadLetters(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_dlq`).Scan(&n)
	return n, err
}

func (s *Store) queryWebhooks(ctx context.Context, query string, args ...any) ([]*Webhook, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query webhooks: %w", err)
	}
	defer rows.Close()

	var out []*Webhook
	for rows.Next() {
		var w Webhook
		var secret sql.NullString
		var events string
		if err := rows.Scan(&w.ID, &w.TenantID, &w.URL, &secret, &events, &w.Enabled,
			&w.RetryCount, &w.TimeoutMs, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		w.Secret = secret.String
		if err := json.Unmarshal([]byte(events), &w.Events); err != nil {
			return nil, fmt.Errorf("decode webhook events: %w", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func scanWebhook(row *sql.Row) (*Webhook, error) {
	var w Webhook
	var secret sql.NullString
	var events string
	err := row.Scan(&w.ID, &w.TenantID, &w.URL, &secret, &events, &w.Enabled,
		&w.RetryCount, &w.TimeoutMs, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.Secret = secret.String
	if err := json.Unmarshal([]byte(events), &w.Events); err != nil {
		return nil, fmt.Errorf("decode webhook events: %w", err)
	}
	return &w, nil
}
