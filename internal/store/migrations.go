package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one forward-only schema step. Versions are applied in
// ascending order, each inside its own transaction, and recorded in the
// migrations table. There is no down path.
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "core tables",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS tenants (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				api_key_hash TEXT NOT NULL UNIQUE,
				status TEXT NOT NULL DEFAULT 'active',
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tenants_status ON tenants(status)`,

			`CREATE TABLE IF NOT EXISTS devices (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
				label TEXT NOT NULL,
				phone_number TEXT,
				status TEXT NOT NULL DEFAULT 'disconnected',
				created_at INTEGER NOT NULL,
				last_seen INTEGER
			)`,
			`CREATE INDEX IF NOT EXISTS idx_devices_tenant ON devices(tenant_id)`,
			`CREATE INDEX IF NOT EXISTS idx_devices_status ON devices(status)`,

			`CREATE TABLE IF NOT EXISTS device_sessions (
				device_id TEXT PRIMARY KEY REFERENCES devices(id) ON DELETE CASCADE,
				tenant_id TEXT,
				session_kind TEXT NOT NULL DEFAULT 'file',
				session_dir TEXT NOT NULL,
				wa_jid TEXT,
				wa_name TEXT,
				updated_at INTEGER NOT NULL
			)`,
		},
	},
	{
		version: 2,
		name:    "message queues",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS messages_outbox (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
				jid TEXT NOT NULL,
				message_type TEXT NOT NULL,
				payload TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				retries INTEGER NOT NULL DEFAULT 0,
				error_message TEXT,
				idempotency_key TEXT,
				wa_message_id TEXT,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				sent_at INTEGER
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_idempotency
				ON messages_outbox(device_id, idempotency_key)
				WHERE idempotency_key IS NOT NULL`,
			`CREATE INDEX IF NOT EXISTS idx_outbox_tenant_device ON messages_outbox(tenant_id, device_id)`,
			`CREATE INDEX IF NOT EXISTS idx_outbox_status ON messages_outbox(status)`,
			`CREATE INDEX IF NOT EXISTS idx_outbox_created ON messages_outbox(created_at)`,

			`CREATE TABLE IF NOT EXISTS messages_inbox (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
				jid TEXT NOT NULL,
				message_id TEXT NOT NULL,
				message_type TEXT NOT NULL,
				payload TEXT NOT NULL,
				received_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_inbox_tenant_device ON messages_inbox(tenant_id, device_id)`,
			`CREATE INDEX IF NOT EXISTS idx_inbox_received ON messages_inbox(received_at)`,
			`CREATE INDEX IF NOT EXISTS idx_inbox_message_id ON messages_inbox(message_id)`,
		},
	},
	{
		version: 3,
		name:    "events and webhooks",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS event_logs (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				device_id TEXT NOT NULL,
				event_type TEXT NOT NULL,
				payload TEXT NOT NULL,
				received_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_events_tenant_device ON event_logs(tenant_id, device_id)`,
			`CREATE INDEX IF NOT EXISTS idx_events_type ON event_logs(event_type)`,
			`CREATE INDEX IF NOT EXISTS idx_events_received ON event_logs(received_at)`,

			`CREATE TABLE IF NOT EXISTS webhooks (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
				url TEXT NOT NULL,
				secret TEXT,
				events TEXT NOT NULL,
				enabled INTEGER NOT NULL DEFAULT 1,
				retry_count INTEGER NOT NULL DEFAULT 3,
				timeout_ms INTEGER NOT NULL DEFAULT 5000,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_webhooks_tenant ON webhooks(tenant_id)`,
			`CREATE INDEX IF NOT EXISTS idx_webhooks_enabled ON webhooks(enabled)`,

			`CREATE TABLE IF NOT EXISTS webhook_logs (
				id TEXT PRIMARY KEY,
				webhook_id TEXT NOT NULL,
				event_id TEXT,
				status_code INTEGER,
				attempts INTEGER NOT NULL DEFAULT 0,
				last_error TEXT,
				sent_at INTEGER
			)`,
			`CREATE INDEX IF NOT EXISTS idx_webhook_logs_webhook ON webhook_logs(webhook_id)`,

			`CREATE TABLE IF NOT EXISTS webhook_dlq (
				id TEXT PRIMARY KEY,
				webhook_id TEXT NOT NULL,
				event_payload TEXT NOT NULL,
				reason TEXT NOT NULL,
				created_at INTEGER NOT NULL
			)`,
		},
	},
	{
		version: 4,
		name:    "locks and audit",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS device_locks (
				device_id TEXT PRIMARY KEY,
				instance_id TEXT NOT NULL,
				acquired_at INTEGER NOT NULL,
				expires_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_device_locks_expires ON device_locks(expires_at)`,

			`CREATE TABLE IF NOT EXISTS audit_logs (
				id TEXT PRIMARY KEY,
				tenant_id TEXT,
				actor TEXT NOT NULL,
				action TEXT NOT NULL,
				resource_type TEXT,
				resource_id TEXT,
				meta TEXT,
				ip_address TEXT,
				user_agent TEXT,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit_logs(tenant_id)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_logs(created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_logs(action)`,
		},
	},
	{
		version: 5,
		name:    "derived caches",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS chats (
				device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
				tenant_id TEXT NOT NULL,
				jid TEXT NOT NULL,
				name TEXT,
				last_message_at INTEGER,
				unread_count INTEGER NOT NULL DEFAULT 0,
				archived INTEGER NOT NULL DEFAULT 0,
				updated_at INTEGER NOT NULL,
				PRIMARY KEY (device_id, jid)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_chats_tenant_device ON chats(tenant_id, device_id)`,

			`CREATE TABLE IF NOT EXISTS lid_map (
				device_id TEXT NOT NULL,
				lid TEXT NOT NULL,
				phone_jid TEXT NOT NULL,
				updated_at INTEGER NOT NULL,
				PRIMARY KEY (device_id, lid)
			)`,
		},
	},
	{
		version: 6,
		name:    "outbox retry scheduling",
		stmts: []string{
			`ALTER TABLE messages_outbox ADD COLUMN next_attempt_at INTEGER NOT NULL DEFAULT 0`,
			`CREATE INDEX IF NOT EXISTS idx_outbox_next_attempt ON messages_outbox(status, next_attempt_at)`,
		},
	},
}

// migrate applies all versions strictly greater than the recorded max,
// in ascending order, each within a transaction.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
				}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO migrations (version, name, applied_at) VALUES (?, ?, ?)`,
				m.version, m.name, now())
			return err
		})
		if err != nil {
			return err
		}
		s.log.Info("applied migration", "version", m.version, "name", m.name)
	}
	return nil
}
