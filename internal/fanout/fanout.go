// Package fanout is the event fan-out pipeline: it persists captured
// protocol events and delivers them to subscribed webhook endpoints
// with HMAC signing, bounded retries and a dead-letter queue.
//
// Delivery is best-effort at-least-once: duplicates are possible and
// receivers deduplicate on the payload id. The in-process queue is
// intentionally not durable; events themselves are, in event_logs.
package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/rijan/wa-gateway/internal/crypto"
	"github.com/rijan/wa-gateway/internal/metrics"
	"github.com/rijan/wa-gateway/internal/store"
	"github.com/rijan/wa-gateway/internal/version"
)

// AliasMessageStatus expands to the receipt-ish event set when it
// appears in a webhook subscription.
const AliasMessageStatus = "message.status"

var aliasSet = map[string]bool{
	"message.updated":  true,
	"receipt.delivery": true,
	"receipt.read":     true,
}

// backoffs between delivery attempts, indexed by completed attempts.
var backoffs = []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}

// Payload is the JSON body POSTed to webhook endpoints.
type Payload struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	TenantID  string          `json:"tenantId"`
	DeviceID  string          `json:"deviceId"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Pipeline captures events and drives webhook delivery through a small
// worker pool over a buffered channel.
type Pipeline struct {
	store   *store.Store
	metrics *metrics.Registry
	log     *slog.Logger
	client  *http.Client
	queue   chan *store.EventLog
	done    chan struct{}
	wg      sync.WaitGroup

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(time.Duration)
}

// New builds the pipeline and starts its workers.
func New(st *store.Store, m *metrics.Registry, log *slog.Logger, workers int) *Pipeline {
	if workers <= 0 {
		workers = 4
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		store:   st,
		metrics: m,
		log:     log,
		client:  &http.Client{},
		queue:   make(chan *store.EventLog, 1000),
		done:    make(chan struct{}),
		sleep:   time.Sleep,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	go p.heartbeat()
	return p
}

// heartbeat keeps the readiness probe satisfied while the pipeline is
// idle; the workers themselves beat only when handling events.
func (p *Pipeline) heartbeat() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	p.metrics.Beat("fanout")
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.metrics.Beat("fanout")
		}
	}
}

// Capture persists one event and queues it for webhook dispatch.
// Returns the minted event id.
func (p *Pipeline) Capture(ctx context.Context, tenantID, deviceID, eventType string, data json.RawMessage) (string, error) {
	if data == nil {
		data = json.RawMessage(`{}`)
	}
	ev := &store.EventLog{
		ID:        crypto.MintID("evt"),
		TenantID:  tenantID,
		DeviceID:  deviceID,
		EventType: eventType,
		Payload:   data,
	}
	if err := p.store.InsertEventLog(ctx, ev); err != nil {
		return "", err
	}
	p.metrics.EventsCaptured.Inc()

	select {
	case p.queue <- ev:
	default:
		p.log.Warn("webhook queue full, dropping dispatch", "event_id", ev.ID, "event_type", eventType)
	}
	return ev.ID, nil
}

// Shutdown drains the queue and stops the workers.
func (p *Pipeline) Shutdown() {
	close(p.done)
	close(p.queue)
	p.wg.Wait()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for ev := range p.queue {
		p.metrics.Beat("fanout")
		p.dispatch(ev)
	}
}

// Subscribed reports whether a subscription's event set covers an event
// type, including message.status alias expansion.
func Subscribed(events []string, eventType string) bool {
	for _, e := range events {
		if e == eventType {
			return true
		}
		if e == AliasMessageStatus && aliasSet[eventType] {
			return true
		}
	}
	return false
}

func (p *Pipeline) dispatch(ev *store.EventLog) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	hooks, err := p.store.ListEnabledWebhooks(ctx, ev.TenantID)
	cancel()
	if err != nil {
		p.log.Error("webhook lookup failed", "event_id", ev.ID, "error", err)
		return
	}

	body, err := json.Marshal(Payload{
		ID:        ev.ID,
		EventType: ev.EventType,
		TenantID:  ev.TenantID,
		DeviceID:  ev.DeviceID,
		Timestamp: ev.ReceivedAt,
		Data:      ev.Payload,
	})
	if err != nil {
		p.log.Error("webhook payload encode failed", "event_id", ev.ID, "error", err)
		return
	}

	for _, hook := range hooks {
		if !Subscribed(hook.Events, ev.EventType) {
			continue
		}
		p.deliver(hook, ev, body)
	}
}

// deliver runs one delivery batch against a single webhook: an initial
// attempt plus up to retry_count retries, one webhook_logs row per
// attempt, and a DLQ row on exhaustion.
func (p *Pipeline) deliver(hook *store.Webhook, ev *store.EventLog, body []byte) {
	maxAttempts := hook.RetryCount + 1
	signature := crypto.SignPayload(body, hook.Secret)

	var lastStatus int
	var lastErr string

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		status, err := p.post(hook, body, signature, attempt)
		lastStatus = status
		if err != nil {
			lastErr = err.Error()
		} else {
			lastErr = ""
		}

		p.recordAttempt(hook.ID, ev.ID, status, attempt, lastErr)

		if err == nil && status >= 200 && status < 300 {
			p.metrics.WebhookDelivered.Inc()
			return
		}
		if !retryable(status, err) {
			p.log.Warn("webhook rejected, not retrying",
				"webhook_id", hook.ID, "event_id", ev.ID, "status", status)
			return
		}
		if attempt < maxAttempts {
			idx := attempt - 1
			if idx >= len(backoffs) {
				idx = len(backoffs) - 1
			}
			p.sleep(backoffs[idx])
		}
	}

	p.metrics.WebhookFailed.Inc()
	reason := fmt.Sprintf("exhausted %d attempts, last status %d", maxAttempts, lastStatus)
	if lastErr != "" {
		reason = fmt.Sprintf("exhausted %d attempts: %s", maxAttempts, lastErr)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.InsertDeadLetter(ctx, &store.DeadLetter{
		ID:           crypto.MintID("dlq"),
		WebhookID:    hook.ID,
		EventPayload: body,
		Reason:       reason,
	}); err != nil {
		p.log.Error("dead letter insert failed", "webhook_id", hook.ID, "error", err)
	}
}

func (p *Pipeline) post(hook *store.Webhook, body []byte, signature string, attempt int) (int, error) {
	timeout := time.Duration(hook.TimeoutMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("X-Rijan-Signature", signature)
	req.Header.Set("X-Rijan-Attempt", fmt.Sprintf("%d", attempt))

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

func (p *Pipeline) recordAttempt(webhookID, eventID string, status, attempts int, lastErr string) {
	log := &store.WebhookLog{
		ID:        crypto.MintID("whlog"),
		WebhookID: webhookID,
		EventID:   &eventID,
		Attempts:  attempts,
	}
	if status > 0 {
		log.StatusCode = &status
	}
	if lastErr != "" {
		log.LastError = &lastErr
	}
	ts := time.Now().Unix()
	log.SentAt = &ts

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.InsertWebhookLog(ctx, log); err != nil {
		p.log.Error("webhook log insert failed", "webhook_id", webhookID, "error", err)
	}
}

// retryable: transport errors, 408, 429 and 5xx retry; other 4xx are
// the receiver telling us to stop.
func retryable(status int, err error) bool {
	if err != nil {
		return true
	}
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return true
	}
	return status >= 500
}
