package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.db")
	st, err := Open(path, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedTenant(t *testing.T, st *Store, id string) *Tenant {
	t.Helper()
	tenant := &Tenant{ID: id, Name: "Tenant " + id, APIKeyHash: "hash-" + id}
	require.NoError(t, st.CreateTenant(context.Background(), tenant))
	return tenant
}

func seedDevice(t *testing.T, st *Store, tenantID, id string) *Device {
	t.Helper()
	device := &Device{ID: id, TenantID: tenantID, Label: "Device " + id, Status: DeviceDisconnected}
	require.NoError(t, st.CreateDevice(context.Background(), device))
	return device
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.db")

	st, err := Open(path, discardLogger())
	require.NoError(t, err)
	require.NoError(t, st.Close())

	// Reopening the same file must not re-apply or fail.
	st, err = Open(path, discardLogger())
	require.NoError(t, err)
	defer st.Close()

	var version int
	require.NoError(t, st.DB().QueryRow(`SELECT MAX(version) FROM migrations`).Scan(&version))
	assert.Equal(t, len(migrations), version)
}

func TestTenantSoftDeleteHidesEverywhere(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	tenant := seedTenant(t, st, "tenant_a")

	require.NoError(t, st.SoftDeleteTenant(ctx, tenant.ID))

	_, err := st.GetTenant(ctx, tenant.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.GetTenantByAPIKeyHash(ctx, tenant.APIKeyHash)
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := st.ListTenants(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	// A second tombstone attempt is a not-found, not a no-op.
	assert.ErrorIs(t, st.SoftDeleteTenant(ctx, tenant.ID), ErrNotFound)
}

func TestTenantStatusFlip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	tenant := seedTenant(t, st, "tenant_a")

	require.NoError(t, st.UpdateTenantStatus(ctx, tenant.ID, TenantSuspended))
	got, err := st.GetTenant(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, TenantSuspended, got.Status)
}

func TestDeviceReadsAreTenantScoped(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedTenant(t, st, "tenant_a")
	seedTenant(t, st, "tenant_b")
	device := seedDevice(t, st, "tenant_a", "device_1")

	// The owner sees it; anyone else gets not-found.
	got, err := st.GetDevice(ctx, "tenant_a", device.ID)
	require.NoError(t, err)
	assert.Equal(t, device.ID, got.ID)

	_, err = st.GetDevice(ctx, "tenant_b", device.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := st.ListDevices(ctx, "tenant_b")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestOutboxIdempotencyKeyIsUniquePerDevice(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedTenant(t, st, "tenant_a")
	seedDevice(t, st, "tenant_a", "device_1")
	seedDevice(t, st, "tenant_a", "device_2")

	key := "k-1"
	first := &OutboxMessage{ID: "msg_1", TenantID: "tenant_a", DeviceID: "device_1",
		JID: "1@s.whatsapp.net", MessageType: "text", Payload: []byte(`{}`), IdempotencyKey: &key}
	require.NoError(t, st.InsertOutbox(ctx, first))

	dup := &OutboxMessage{ID: "msg_2", TenantID: "tenant_a", DeviceID: "device_1",
		JID: "1@s.whatsapp.net", MessageType: "text", Payload: []byte(`{}`), IdempotencyKey: &key}
	assert.Error(t, st.InsertOutbox(ctx, dup))

	// Same key on another device is fine.
	other := &OutboxMessage{ID: "msg_3", TenantID: "tenant_a", DeviceID: "device_2",
		JID: "1@s.whatsapp.net", MessageType: "text", Payload: []byte(`{}`), IdempotencyKey: &key}
	assert.NoError(t, st.InsertOutbox(ctx, other))

	// Rows without a key never collide.
	for _, id := range []string{"msg_4", "msg_5"} {
		m := &OutboxMessage{ID: id, TenantID: "tenant_a", DeviceID: "device_1",
			JID: "1@s.whatsapp.net", MessageType: "text", Payload: []byte(`{}`)}
		assert.NoError(t, st.InsertOutbox(ctx, m))
	}

	found, err := st.FindOutboxByIdempotencyKey(ctx, "device_1", key)
	require.NoError(t, err)
	assert.Equal(t, "msg_1", found.ID)
}

func TestOutboxClaimIsCAS(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedTenant(t, st, "tenant_a")
	seedDevice(t, st, "tenant_a", "device_1")

	m := &OutboxMessage{ID: "msg_1", TenantID: "tenant_a", DeviceID: "device_1",
		JID: "1@s.whatsapp.net", MessageType: "text", Payload: []byte(`{}`)}
	require.NoError(t, st.InsertOutbox(ctx, m))

	ok, err := st.ClaimOutbox(ctx, m.ID, OutboxPending, OutboxSending)
	require.NoError(t, err)
	assert.True(t, ok)

	// The second claimant misses.
	ok, err = st.ClaimOutbox(ctx, m.ID, OutboxPending, OutboxSending)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOutboxAdvanceIsMonotonic(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedTenant(t, st, "tenant_a")
	seedDevice(t, st, "tenant_a", "device_1")

	m := &OutboxMessage{ID: "msg_1", TenantID: "tenant_a", DeviceID: "device_1",
		JID: "1@s.whatsapp.net", MessageType: "text", Payload: []byte(`{}`)}
	require.NoError(t, st.InsertOutbox(ctx, m))
	require.NoError(t, st.MarkOutboxSent(ctx, m.ID, "3EB0AA"))

	moved, err := st.AdvanceOutboxByWAMessageID(ctx, "device_1", "3EB0AA", OutboxRead)
	require.NoError(t, err)
	assert.True(t, moved)

	// A late delivery receipt must not demote a read message.
	moved, err = st.AdvanceOutboxByWAMessageID(ctx, "device_1", "3EB0AA", OutboxDelivered)
	require.NoError(t, err)
	assert.False(t, moved)

	got, err := st.GetOutboxMessage(ctx, "tenant_a", "device_1", m.ID)
	require.NoError(t, err)
	assert.Equal(t, OutboxRead, got.Status)

	// Receipts for messages we never sent are dropped.
	moved, err = st.AdvanceOutboxByWAMessageID(ctx, "device_1", "unknown", OutboxDelivered)
	require.NoError(t, err)
	assert.False(t, moved)
}

func TestOutboxExpirySweep(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedTenant(t, st, "tenant_a")
	seedDevice(t, st, "tenant_a", "device_1")

	m := &OutboxMessage{ID: "msg_1", TenantID: "tenant_a", DeviceID: "device_1",
		JID: "1@s.whatsapp.net", MessageType: "text", Payload: []byte(`{}`)}
	require.NoError(t, st.InsertOutbox(ctx, m))

	// Horizon in the future sweeps it; a sent row is untouchable.
	n, err := st.ExpireOutboxBefore(ctx, now()+10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = st.ExpireOutboxBefore(ctx, now()+10)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestDeviceLockSemantics(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedTenant(t, st, "tenant_a")
	seedDevice(t, st, "tenant_a", "device_1")

	// First instance takes the lock.
	ok, err := st.AcquireDeviceLock(ctx, "device_1", "inst-a", 300)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second instance is refused while the lock is live.
	ok, err = st.AcquireDeviceLock(ctx, "device_1", "inst-b", 300)
	require.NoError(t, err)
	assert.False(t, ok)

	// Holder re-acquires re-entrantly.
	ok, err = st.AcquireDeviceLock(ctx, "device_1", "inst-a", 300)
	require.NoError(t, err)
	assert.True(t, ok)

	// Release by a non-holder is a no-op.
	require.NoError(t, st.ReleaseDeviceLock(ctx, "device_1", "inst-b"))
	row, err := st.GetDeviceLock(ctx, "device_1")
	require.NoError(t, err)
	assert.Equal(t, "inst-a", row.InstanceID)

	// Release by the holder removes the row and frees the device.
	require.NoError(t, st.ReleaseDeviceLock(ctx, "device_1", "inst-a"))
	ok, err = st.AcquireDeviceLock(ctx, "device_1", "inst-b", 300)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeviceLockExpiryIsTakeable(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedTenant(t, st, "tenant_a")
	seedDevice(t, st, "tenant_a", "device_1")

	// A lock with a negative TTL is already expired.
	ok, err := st.AcquireDeviceLock(ctx, "device_1", "inst-a", -10)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.AcquireDeviceLock(ctx, "device_1", "inst-b", 300)
	require.NoError(t, err)
	assert.True(t, ok)

	// Extend by the evicted holder must fail.
	ok, err = st.ExtendDeviceLock(ctx, "device_1", "inst-a", 300)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReapExpiredLocks(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedTenant(t, st, "tenant_a")
	seedDevice(t, st, "tenant_a", "device_1")
	seedDevice(t, st, "tenant_a", "device_2")

	_, err := st.AcquireDeviceLock(ctx, "device_1", "inst-a", -10)
	require.NoError(t, err)
	_, err = st.AcquireDeviceLock(ctx, "device_2", "inst-a", 300)
	require.NoError(t, err)

	n, err := st.ReapExpiredLocks(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = st.GetDeviceLock(ctx, "device_1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.GetDeviceLock(ctx, "device_2")
	assert.NoError(t, err)
}

func TestWebhookRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedTenant(t, st, "tenant_a")

	hook := &Webhook{
		ID:       "wh_1",
		TenantID: "tenant_a",
		URL:      "https://example.com/hook",
		Secret:   "s3cret",
		Events:   []string{"message.received", "message.status"},
		Enabled:  true,
	}
	require.NoError(t, st.CreateWebhook(ctx, hook))

	got, err := st.GetWebhook(ctx, "tenant_a", "wh_1")
	require.NoError(t, err)
	assert.Equal(t, hook.Events, got.Events)
	assert.Equal(t, "s3cret", got.Secret)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, 5000, got.TimeoutMs)

	got.Enabled = false
	require.NoError(t, st.UpdateWebhook(ctx, got))
	enabled, err := st.ListEnabledWebhooks(ctx, "tenant_a")
	require.NoError(t, err)
	assert.Empty(t, enabled)

	// Cross-tenant reads come back empty-handed.
	_, err = st.GetWebhook(ctx, "tenant_b", "wh_1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEventQueryFilters(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedTenant(t, st, "tenant_a")
	seedDevice(t, st, "tenant_a", "device_1")

	for i, typ := range []string{"message.received", "message.received", "receipt.read"} {
		ev := &EventLog{ID: "evt_" + string(rune('a'+i)), TenantID: "tenant_a",
			DeviceID: "device_1", EventType: typ, Payload: []byte(`{}`)}
		require.NoError(t, st.InsertEventLog(ctx, ev))
	}

	all, err := st.ListEvents(ctx, "tenant_a", "device_1", EventQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	reads, err := st.ListEvents(ctx, "tenant_a", "device_1", EventQuery{Type: "receipt.read"})
	require.NoError(t, err)
	assert.Len(t, reads, 1)

	limited, err := st.ListEvents(ctx, "tenant_a", "device_1", EventQuery{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := st.ListEvents(ctx, "tenant_b", "device_1", EventQuery{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListEventsClampsLimitToMax(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedTenant(t, st, "tenant_a")
	seedDevice(t, st, "tenant_a", "device_1")

	for i := 0; i < 510; i++ {
		ev := &EventLog{ID: fmt.Sprintf("evt_%03d", i), TenantID: "tenant_a",
			DeviceID: "device_1", EventType: "message.received", Payload: []byte(`{}`)}
		require.NoError(t, st.InsertEventLog(ctx, ev))
	}

	// An oversized limit caps at 500, it does not shrink to the default.
	page, err := st.ListEvents(ctx, "tenant_a", "device_1", EventQuery{Limit: 9999})
	require.NoError(t, err)
	assert.Len(t, page, 500)
}

func TestOutboxBatchClaimMarksQueued(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedTenant(t, st, "tenant_a")
	seedDevice(t, st, "tenant_a", "device_1")

	for _, id := range []string{"msg_1", "msg_2"} {
		require.NoError(t, st.InsertOutbox(ctx, &OutboxMessage{
			ID: id, TenantID: "tenant_a", DeviceID: "device_1",
			JID: "1@s.whatsapp.net", MessageType: "text", Payload: []byte(`{}`)}))
	}

	stuckBefore := now() - 60
	batch, err := st.ClaimOutboxBatch(ctx, 50, stuckBefore)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	for _, m := range batch {
		assert.Equal(t, OutboxQueued, m.Status)
	}

	// Claimed rows are invisible to the next pass.
	again, err := st.ClaimOutboxBatch(ctx, 50, stuckBefore)
	require.NoError(t, err)
	assert.Empty(t, again)

	// Until they count as stuck: a horizon ahead of updated_at rescues
	// rows a dead worker left behind.
	rescued, err := st.ClaimOutboxBatch(ctx, 50, now()+60)
	require.NoError(t, err)
	assert.Len(t, rescued, 2)
}

func TestOutboxBatchClaimHonorsNextAttempt(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedTenant(t, st, "tenant_a")
	seedDevice(t, st, "tenant_a", "device_1")

	m := &OutboxMessage{ID: "msg_1", TenantID: "tenant_a", DeviceID: "device_1",
		JID: "1@s.whatsapp.net", MessageType: "text", Payload: []byte(`{}`)}
	require.NoError(t, st.InsertOutbox(ctx, m))

	// A requeue with a future attempt time hides the row from claims.
	require.NoError(t, st.RequeueOutbox(ctx, m.ID, "socket hiccup", now()+120))
	batch, err := st.ClaimOutboxBatch(ctx, 50, now()-60)
	require.NoError(t, err)
	assert.Empty(t, batch)

	got, err := st.GetOutboxMessage(ctx, "tenant_a", "device_1", m.ID)
	require.NoError(t, err)
	assert.Equal(t, OutboxPending, got.Status)
	assert.Equal(t, 1, got.Retries)

	// Once due, it is picked up again.
	require.NoError(t, st.RequeueOutbox(ctx, m.ID, "socket hiccup", now()-1))
	batch, err = st.ClaimOutboxBatch(ctx, 50, now()-60)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

func TestChatCacheUpsert(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedTenant(t, st, "tenant_a")
	seedDevice(t, st, "tenant_a", "device_1")

	name := "Ops"
	require.NoError(t, st.UpsertChat(ctx, &Chat{
		DeviceID: "device_1", TenantID: "tenant_a", JID: "g1@g.us", Name: &name,
	}))
	// Second upsert without a name keeps the existing one.
	require.NoError(t, st.UpsertChat(ctx, &Chat{
		DeviceID: "device_1", TenantID: "tenant_a", JID: "g1@g.us", UnreadCount: 4,
	}))

	chats, err := st.ListChats(ctx, "tenant_a", "device_1", 10)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	require.NotNil(t, chats[0].Name)
	assert.Equal(t, "Ops", *chats[0].Name)
	assert.Equal(t, 4, chats[0].UnreadCount)

	require.NoError(t, st.DeleteChat(ctx, "device_1", "g1@g.us"))
	chats, err = st.ListChats(ctx, "tenant_a", "device_1", 10)
	require.NoError(t, err)
	assert.Empty(t, chats)
}

func TestLIDMapping(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertLIDMapping(ctx, &LIDMapping{
		DeviceID: "device_1", LID: "99@lid", PhoneJID: "628123@s.whatsapp.net",
	}))
	jid, err := st.ResolveLID(ctx, "device_1", "99@lid")
	require.NoError(t, err)
	assert.Equal(t, "628123@s.whatsapp.net", jid)

	_, err = st.ResolveLID(ctx, "device_1", "unknown@lid")
	assert.ErrorIs(t, err, ErrNotFound)
}
