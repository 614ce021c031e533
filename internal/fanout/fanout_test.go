package fanout

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rijan/wa-gateway/internal/crypto"
	"github.com/rijan/wa-gateway/internal/metrics"
	"github.com/rijan/wa-gateway/internal/store"
)

func testPipeline(t *testing.T) (*Pipeline, *store.Store) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	p := New(st, metrics.New(), log, 1)
	p.sleep = func(time.Duration) {} // no real backoff in tests
	t.Cleanup(p.Shutdown)
	return p, st
}

type receiver struct {
	mu       sync.Mutex
	statuses []int // response per attempt, last repeats
	hits     int
	attempts []string
	bodies   [][]byte
	sigs     []string
}

func (rc *receiver) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc.mu.Lock()
		defer rc.mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		rc.bodies = append(rc.bodies, body)
		rc.attempts = append(rc.attempts, r.Header.Get("X-Rijan-Attempt"))
		rc.sigs = append(rc.sigs, r.Header.Get("X-Rijan-Signature"))
		idx := rc.hits
		if idx >= len(rc.statuses) {
			idx = len(rc.statuses) - 1
		}
		rc.hits++
		w.WriteHeader(rc.statuses[idx])
	}
}

func (rc *receiver) count() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.hits
}

func seedEvent(t *testing.T, st *store.Store) *store.EventLog {
	t.Helper()
	ev := &store.EventLog{
		ID: crypto.MintID("evt"), TenantID: "tenant_a", DeviceID: "device_1",
		EventType: "message.received", Payload: []byte(`{"text":"hi"}`),
	}
	require.NoError(t, st.InsertEventLog(context.Background(), ev))
	return ev
}

func seedHook(t *testing.T, st *store.Store, url string, events []string, retries int) *store.Webhook {
	t.Helper()
	require.NoError(t, st.CreateTenant(context.Background(),
		&store.Tenant{ID: "tenant_a", Name: "A", APIKeyHash: crypto.MintID("")}))
	hook := &store.Webhook{
		ID: crypto.MintID("wh"), TenantID: "tenant_a", URL: url, Secret: "s3cret",
		Events: events, Enabled: true, RetryCount: retries, TimeoutMs: 2000,
	}
	require.NoError(t, st.CreateWebhook(context.Background(), hook))
	return hook
}

func TestDeliverSucceedsFirstTry(t *testing.T) {
	p, st := testPipeline(t)
	rc := &receiver{statuses: []int{200}}
	srv := httptest.NewServer(rc.handler())
	defer srv.Close()

	hook := seedHook(t, st, srv.URL, []string{"message.received"}, 3)
	ev := seedEvent(t, st)
	body, _ := json.Marshal(Payload{ID: ev.ID, EventType: ev.EventType,
		TenantID: ev.TenantID, DeviceID: ev.DeviceID, Timestamp: ev.ReceivedAt, Data: ev.Payload})

	p.deliver(hook, ev, body)

	assert.Equal(t, 1, rc.count())
	assert.Equal(t, []string{"1"}, rc.attempts)
	assert.Equal(t, crypto.SignPayload(body, "s3cret"), rc.sigs[0])

	logs, err := st.ListWebhookLogs(context.Background(), hook.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 200, *logs[0].StatusCode)

	n, err := st.CountDeadLetters(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	p, st := testPipeline(t)
	rc := &receiver{statuses: []int{500, 500, 200}}
	srv := httptest.NewServer(rc.handler())
	defer srv.Close()

	hook := seedHook(t, st, srv.URL, []string{"message.received"}, 3)
	ev := seedEvent(t, st)
	body := []byte(`{"id":"x"}`)

	p.deliver(hook, ev, body)

	// Three attempts, one log row each, no dead letter.
	assert.Equal(t, 3, rc.count())
	assert.Equal(t, []string{"1", "2", "3"}, rc.attempts)

	logs, err := st.ListWebhookLogs(context.Background(), hook.ID, 10)
	require.NoError(t, err)
	assert.Len(t, logs, 3)

	n, err := st.CountDeadLetters(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeliverExhaustionParksInDLQ(t *testing.T) {
	p, st := testPipeline(t)
	rc := &receiver{statuses: []int{500}}
	srv := httptest.NewServer(rc.handler())
	defer srv.Close()

	// retry_count=3 means four attempts total.
	hook := seedHook(t, st, srv.URL, []string{"message.received"}, 3)
	ev := seedEvent(t, st)

	p.deliver(hook, ev, []byte(`{"id":"x"}`))

	assert.Equal(t, 4, rc.count())
	logs, err := st.ListWebhookLogs(context.Background(), hook.ID, 10)
	require.NoError(t, err)
	assert.Len(t, logs, 4)

	n, err := st.CountDeadLetters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeliverDoesNotRetryHardRejections(t *testing.T) {
	p, st := testPipeline(t)
	rc := &receiver{statuses: []int{400}}
	srv := httptest.NewServer(rc.handler())
	defer srv.Close()

	hook := seedHook(t, st, srv.URL, []string{"message.received"}, 3)
	ev := seedEvent(t, st)

	p.deliver(hook, ev, []byte(`{"id":"x"}`))

	// One attempt, no DLQ: the receiver said stop.
	assert.Equal(t, 1, rc.count())
	n, err := st.CountDeadLetters(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(0, io.ErrUnexpectedEOF))
	assert.True(t, retryable(408, nil))
	assert.True(t, retryable(429, nil))
	assert.True(t, retryable(500, nil))
	assert.True(t, retryable(503, nil))
	assert.False(t, retryable(200, nil))
	assert.False(t, retryable(400, nil))
	assert.False(t, retryable(404, nil))
	assert.False(t, retryable(410, nil))
}

func TestSubscribedAliasExpansion(t *testing.T) {
	sub := []string{"message.status"}
	assert.True(t, Subscribed(sub, "message.updated"))
	assert.True(t, Subscribed(sub, "receipt.delivery"))
	assert.True(t, Subscribed(sub, "receipt.read"))
	assert.False(t, Subscribed(sub, "message.received"))
	assert.False(t, Subscribed(sub, "device.connected"))

	assert.True(t, Subscribed([]string{"message.received"}, "message.received"))
	assert.False(t, Subscribed(nil, "message.received"))
}

func TestCapturePersistsAndQueues(t *testing.T) {
	p, st := testPipeline(t)
	require.NoError(t, st.CreateTenant(context.Background(),
		&store.Tenant{ID: "tenant_a", Name: "A", APIKeyHash: crypto.MintID("")}))

	id, err := p.Capture(context.Background(), "tenant_a", "device_1",
		"message.received", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	events, err := st.ListEvents(context.Background(), "tenant_a", "device_1", store.EventQuery{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].ID)
}
