// Package outbox owns the durable send queue: producers append rows,
// the sender worker drains them through the device socket, and receipts
// (handled by the lifecycle engine) advance them afterwards.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rijan/wa-gateway/internal/crypto"
	"github.com/rijan/wa-gateway/internal/metrics"
	"github.com/rijan/wa-gateway/internal/protocol"
	"github.com/rijan/wa-gateway/internal/safeurl"
	"github.com/rijan/wa-gateway/internal/store"
)

const (
	pollEvery = 3 * time.Second
	batchSize = 50
	// A queued row untouched this long is presumed abandoned by a
	// crashed worker and is picked up again.
	stuckAfter = time.Minute
	sweepEvery = 10 * time.Minute

	// Transient-failure backoff doubles per retry from base to cap.
	retryBase = 5 * time.Second
	retryCap  = 5 * time.Minute
)

// retryBackoff spaces attempts further apart as retries accumulate.
func retryBackoff(retries int) time.Duration {
	if retries > 10 {
		return retryCap
	}
	d := retryBase << retries
	if d > retryCap {
		d = retryCap
	}
	return d
}

// Dispatcher is the slice of the lifecycle engine the sender needs.
type Dispatcher interface {
	Send(ctx context.Context, deviceID, jid string, msg protocol.Message) (*protocol.SendResult, error)
}

// Queue is the producer side: handlers call Append, the sender drains.
type Queue struct {
	store *store.Store
	log   *slog.Logger
}

func NewQueue(st *store.Store, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{store: st, log: log}
}

// Append inserts one pending row. When an idempotency key is supplied
// and a row with that key already exists for the device, the existing
// row is returned and created is false.
func (q *Queue) Append(ctx context.Context, m *store.OutboxMessage) (msg *store.OutboxMessage, created bool, err error) {
	if m.IdempotencyKey != nil {
		existing, err := q.store.FindOutboxByIdempotencyKey(ctx, m.DeviceID, *m.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
	}

	if m.ID == "" {
		m.ID = crypto.MintID("msg")
	}
	m.Status = store.OutboxPending
	if err := q.store.InsertOutbox(ctx, m); err != nil {
		// Two producers raced on the same key; the index picked a
		// winner, return it.
		if m.IdempotencyKey != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			existing, ferr := q.store.FindOutboxByIdempotencyKey(ctx, m.DeviceID, *m.IdempotencyKey)
			if ferr == nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	return m, true, nil
}

// Sender is the background worker draining ready outbox rows.
type Sender struct {
	store      *store.Store
	dispatcher Dispatcher
	metrics    *metrics.Registry
	log        *slog.Logger

	retryMax int
	horizon  time.Duration
	// backoff is swapped out in tests to avoid real waits.
	backoff func(retries int) time.Duration
}

func NewSender(st *store.Store, d Dispatcher, m *metrics.Registry, log *slog.Logger, retryMax int, horizon time.Duration) *Sender {
	if log == nil {
		log = slog.Default()
	}
	if retryMax <= 0 {
		retryMax = 3
	}
	if horizon <= 0 {
		horizon = 24 * time.Hour
	}
	return &Sender{
		store:      st,
		dispatcher: d,
		metrics:    m,
		log:        log,
		retryMax:   retryMax,
		horizon:    horizon,
		backoff:    retryBackoff,
	}
}

// Run polls until the context ends. One sender per process is enough;
// cross-instance exclusivity comes from the device lock, and the
// claimed-status CAS keeps even misconfigured double senders from
// double-dispatching a row.
func (s *Sender) Run(ctx context.Context) {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			s.expire(ctx)
		case <-ticker.C:
			s.metrics.Beat("sender")
			s.drain(ctx)
		}
	}
}

func (s *Sender) drain(ctx context.Context) {
	stuckBefore := time.Now().Add(-stuckAfter).Unix()
	batch, err := s.store.ClaimOutboxBatch(ctx, batchSize, stuckBefore)
	if err != nil {
		s.log.Error("outbox claim failed", "error", err)
		return
	}
	for _, m := range batch {
		if ctx.Err() != nil {
			return
		}
		s.process(ctx, m)
	}
}

// process walks one row through sending. The claim is a compare-and-set
// on status, so a row grabbed by someone else is silently skipped.
func (s *Sender) process(ctx context.Context, m *store.OutboxMessage) {
	claimed, err := s.store.ClaimOutbox(ctx, m.ID, m.Status, store.OutboxSending)
	if err != nil {
		s.log.Error("outbox claim failed", "message_id", m.ID, "error", err)
		return
	}
	if !claimed {
		return
	}

	msg := protocol.Message{
		Type:    m.MessageType,
		Payload: m.Payload,
	}
	if m.MessageType == protocol.TypeMedia {
		if err := attachMedia(ctx, m.Payload, &msg); err != nil {
			s.handleSendError(ctx, m, err)
			return
		}
	}

	res, err := s.dispatcher.Send(ctx, m.DeviceID, m.JID, msg)
	if err != nil {
		s.handleSendError(ctx, m, err)
		return
	}

	if err := s.store.MarkOutboxSent(ctx, m.ID, res.MessageID); err != nil {
		s.log.Error("outbox sent update failed", "message_id", m.ID, "error", err)
		return
	}
	s.metrics.MessagesSent.Inc()
	s.log.Info("message sent",
		"message_id", m.ID, "device_id", m.DeviceID, "wa_message_id", res.MessageID)
}

func (s *Sender) handleSendError(ctx context.Context, m *store.OutboxMessage, sendErr error) {
	if protocol.IsPermanent(sendErr) {
		s.fail(ctx, m, sendErr)
		return
	}

	// Transient: device offline, socket hiccup. Retry with a ceiling,
	// spacing attempts further apart each time.
	if m.Retries+1 >= s.retryMax {
		s.fail(ctx, m, sendErr)
		return
	}
	nextAttempt := time.Now().Add(s.backoff(m.Retries)).Unix()
	if err := s.store.RequeueOutbox(ctx, m.ID, sendErr.Error(), nextAttempt); err != nil {
		s.log.Error("outbox requeue failed", "message_id", m.ID, "error", err)
		return
	}
	s.log.Warn("send deferred",
		"message_id", m.ID, "device_id", m.DeviceID, "retries", m.Retries+1, "error", sendErr)
}

// attachMedia downloads the media body through the SSRF guard and hands
// the bytes to the protocol client. Guard rejections are permanent; the
// URL will never become acceptable.
func attachMedia(ctx context.Context, payload []byte, msg *protocol.Message) error {
	var body struct {
		MediaURL string `json:"mediaUrl"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.MediaURL == "" {
		return fmt.Errorf("%w: media payload has no mediaUrl", protocol.ErrPayloadRejected)
	}
	data, contentType, err := safeurl.Fetch(ctx, body.MediaURL)
	if err != nil {
		if errors.Is(err, safeurl.ErrForbiddenNet) || errors.Is(err, safeurl.ErrScheme) ||
			errors.Is(err, safeurl.ErrTooLarge) {
			return fmt.Errorf("%w: %v", protocol.ErrPayloadRejected, err)
		}
		// Origin hiccups are worth another attempt.
		return fmt.Errorf("fetch media: %w", err)
	}
	msg.Media = data
	msg.MediaType = contentType
	return nil
}

func (s *Sender) fail(ctx context.Context, m *store.OutboxMessage, sendErr error) {
	if err := s.store.FailOutbox(ctx, m.ID, sendErr.Error()); err != nil {
		s.log.Error("outbox fail update failed", "message_id", m.ID, "error", err)
		return
	}
	s.metrics.MessagesFailed.Inc()
	s.log.Warn("message failed",
		"message_id", m.ID, "device_id", m.DeviceID, "error", sendErr)
}

// expire parks rows that sat undeliverable past the horizon.
func (s *Sender) expire(ctx context.Context) {
	cutoff := time.Now().Add(-s.horizon).Unix()
	n, err := s.store.ExpireOutboxBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("outbox expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("expired undeliverable messages", "count", n)
	}
}
