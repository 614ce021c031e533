package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rijan/wa-gateway/internal/metrics"
	"github.com/rijan/wa-gateway/internal/protocol"
	"github.com/rijan/wa-gateway/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.CreateTenant(ctx, &store.Tenant{ID: "tenant_a", Name: "A", APIKeyHash: "h"}))
	require.NoError(t, st.CreateDevice(ctx, &store.Device{
		ID: "device_1", TenantID: "tenant_a", Label: "Sales", Status: store.DeviceConnected}))
	return st
}

func pendingRow(key *string) *store.OutboxMessage {
	return &store.OutboxMessage{
		TenantID:       "tenant_a",
		DeviceID:       "device_1",
		JID:            "628999@s.whatsapp.net",
		MessageType:    protocol.TypeText,
		Payload:        []byte(`{"text":"hi"}`),
		IdempotencyKey: key,
	}
}

// fakeDispatcher scripts per-call results for the sender.
type fakeDispatcher struct {
	mu    sync.Mutex
	errs  []error // error per call, last repeats; nil means success
	calls int
}

func (d *fakeDispatcher) Send(_ context.Context, _, _ string, _ protocol.Message) (*protocol.SendResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.calls
	d.calls++
	if len(d.errs) > 0 {
		if idx >= len(d.errs) {
			idx = len(d.errs) - 1
		}
		if err := d.errs[idx]; err != nil {
			return nil, err
		}
	}
	return &protocol.SendResult{MessageID: "3EB0AA", Timestamp: time.Now()}, nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func newTestSender(t *testing.T, st *store.Store, d Dispatcher, retryMax int) *Sender {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSender(st, d, metrics.New(), log, retryMax, 24*time.Hour)
}

func TestAppendAssignsIDAndStatus(t *testing.T) {
	st := openTestStore(t)
	q := NewQueue(st, nil)

	m, created, err := q.Append(context.Background(), pendingRow(nil))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, store.OutboxPending, m.Status)
}

func TestAppendIdempotencyReturnsExistingRow(t *testing.T) {
	st := openTestStore(t)
	q := NewQueue(st, nil)
	ctx := context.Background()
	key := "order-42"

	first, created, err := q.Append(ctx, pendingRow(&key))
	require.NoError(t, err)
	require.True(t, created)

	// Re-submission with the same key returns the original, even after
	// the row has moved on.
	require.NoError(t, st.MarkOutboxSent(ctx, first.ID, "3EB0AA"))
	second, created, err := q.Append(ctx, pendingRow(&key))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, store.OutboxSent, second.Status)
}

func TestAppendSameKeyDifferentDevices(t *testing.T) {
	st := openTestStore(t)
	q := NewQueue(st, nil)
	ctx := context.Background()
	require.NoError(t, st.CreateDevice(ctx, &store.Device{
		ID: "device_2", TenantID: "tenant_a", Label: "Support", Status: store.DeviceConnected}))

	key := "order-42"
	first, created, err := q.Append(ctx, pendingRow(&key))
	require.NoError(t, err)
	require.True(t, created)

	other := pendingRow(&key)
	other.DeviceID = "device_2"
	second, created, err := q.Append(ctx, other)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestProcessDispatchesAndMarksSent(t *testing.T) {
	st := openTestStore(t)
	q := NewQueue(st, nil)
	ctx := context.Background()

	m, _, err := q.Append(ctx, pendingRow(nil))
	require.NoError(t, err)

	d := &fakeDispatcher{}
	s := newTestSender(t, st, d, 3)
	s.drain(ctx)

	assert.Equal(t, 1, d.count())
	got, err := st.GetOutboxMessage(ctx, "tenant_a", "device_1", m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxSent, got.Status)
	require.NotNil(t, got.WAMessageID)
	assert.Equal(t, "3EB0AA", *got.WAMessageID)
	require.NotNil(t, got.SentAt)

	// A second drain finds nothing to do.
	s.drain(ctx)
	assert.Equal(t, 1, d.count())
}

func TestProcessSkipsRowsClaimedElsewhere(t *testing.T) {
	st := openTestStore(t)
	q := NewQueue(st, nil)
	ctx := context.Background()

	m, _, err := q.Append(ctx, pendingRow(nil))
	require.NoError(t, err)

	// Another worker won the claim between dequeue and process.
	claimed, err := st.ClaimOutbox(ctx, m.ID, store.OutboxPending, store.OutboxSending)
	require.NoError(t, err)
	require.True(t, claimed)

	d := &fakeDispatcher{}
	s := newTestSender(t, st, d, 3)
	s.process(ctx, m)
	assert.Zero(t, d.count())
}

func TestTransientErrorsRetryToCeiling(t *testing.T) {
	st := openTestStore(t)
	q := NewQueue(st, nil)
	ctx := context.Background()

	m, _, err := q.Append(ctx, pendingRow(nil))
	require.NoError(t, err)

	d := &fakeDispatcher{errs: []error{protocol.ErrNotConnected}}
	s := newTestSender(t, st, d, 3)
	s.backoff = func(int) time.Duration { return 0 } // no waits between attempts

	// Attempts one and two requeue as pending.
	for i := 0; i < 2; i++ {
		s.drain(ctx)
		got, err := st.GetOutboxMessage(ctx, "tenant_a", "device_1", m.ID)
		require.NoError(t, err)
		assert.Equal(t, store.OutboxPending, got.Status)
		assert.Equal(t, i+1, got.Retries)
	}

	// The third hits retryMax and the row fails for good.
	s.drain(ctx)
	got, err := st.GetOutboxMessage(ctx, "tenant_a", "device_1", m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, 3, d.count())

	// Failed is terminal.
	s.drain(ctx)
	assert.Equal(t, 3, d.count())
}

func TestPermanentErrorFailsImmediately(t *testing.T) {
	st := openTestStore(t)
	q := NewQueue(st, nil)
	ctx := context.Background()

	m, _, err := q.Append(ctx, pendingRow(nil))
	require.NoError(t, err)

	d := &fakeDispatcher{errs: []error{protocol.ErrRecipientUnknown}}
	s := newTestSender(t, st, d, 3)
	s.drain(ctx)

	got, err := st.GetOutboxMessage(ctx, "tenant_a", "device_1", m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxFailed, got.Status)
	assert.Equal(t, 0, got.Retries)
	assert.Equal(t, 1, d.count())
}

func TestDrainRespectsContext(t *testing.T) {
	st := openTestStore(t)
	q := NewQueue(st, nil)
	bg := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := q.Append(bg, pendingRow(nil))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(bg)
	cancel()
	d := &fakeDispatcher{}
	s := newTestSender(t, st, d, 3)
	s.drain(ctx)
	assert.Zero(t, d.count())
}

func TestRetryBackoffGrows(t *testing.T) {
	assert.Equal(t, 5*time.Second, retryBackoff(0))
	assert.Equal(t, 10*time.Second, retryBackoff(1))
	assert.Equal(t, 20*time.Second, retryBackoff(2))
	assert.Less(t, retryBackoff(3), retryBackoff(4))

	// Capped, including for counters past any sane ceiling.
	assert.Equal(t, 5*time.Minute, retryBackoff(9))
	assert.Equal(t, 5*time.Minute, retryBackoff(64))
}

func TestTransientFailureDefersNextAttempt(t *testing.T) {
	st := openTestStore(t)
	q := NewQueue(st, nil)
	ctx := context.Background()

	m, _, err := q.Append(ctx, pendingRow(nil))
	require.NoError(t, err)

	d := &fakeDispatcher{errs: []error{protocol.ErrNotConnected, nil}}
	s := newTestSender(t, st, d, 3)

	s.drain(ctx)
	require.Equal(t, 1, d.count())

	got, err := st.GetOutboxMessage(ctx, "tenant_a", "device_1", m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxPending, got.Status)
	assert.GreaterOrEqual(t, got.NextAttemptAt, time.Now().Unix()+4)

	// The row is not due yet, so an immediate re-drain must not burn a
	// second attempt.
	s.drain(ctx)
	assert.Equal(t, 1, d.count())
}

func TestMediaFetchForbiddenFailsPermanently(t *testing.T) {
	st := openTestStore(t)
	q := NewQueue(st, nil)
	ctx := context.Background()

	row := pendingRow(nil)
	row.MessageType = protocol.TypeMedia
	row.Payload = []byte(`{"to":"6289990001","mediaUrl":"http://127.0.0.1:1/x.jpg"}`)
	m, _, err := q.Append(ctx, row)
	require.NoError(t, err)

	d := &fakeDispatcher{}
	s := newTestSender(t, st, d, 3)
	s.drain(ctx)

	// The guard refuses before any dispatch; the row is terminal.
	assert.Zero(t, d.count())
	got, err := st.GetOutboxMessage(ctx, "tenant_a", "device_1", m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "forbidden network")
}

func TestMediaWithoutURLFailsPermanently(t *testing.T) {
	st := openTestStore(t)
	q := NewQueue(st, nil)
	ctx := context.Background()

	row := pendingRow(nil)
	row.MessageType = protocol.TypeMedia
	row.Payload = []byte(`{"to":"6289990001"}`)
	m, _, err := q.Append(ctx, row)
	require.NoError(t, err)

	d := &fakeDispatcher{}
	s := newTestSender(t, st, d, 3)
	s.drain(ctx)

	assert.Zero(t, d.count())
	got, err := st.GetOutboxMessage(ctx, "tenant_a", "device_1", m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxFailed, got.Status)
}

func TestIsPermanentClassification(t *testing.T) {
	assert.True(t, protocol.IsPermanent(protocol.ErrRecipientUnknown))
	assert.True(t, protocol.IsPermanent(protocol.ErrPayloadRejected))
	assert.False(t, protocol.IsPermanent(protocol.ErrNotConnected))
	assert.False(t, protocol.IsPermanent(errors.New("timeout")))
}
