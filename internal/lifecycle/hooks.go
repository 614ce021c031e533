package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rijan/wa-gateway/internal/crypto"
	"github.com/rijan/wa-gateway/internal/protocol"
	"github.com/rijan/wa-gateway/internal/store"
)

// pump consumes one device's event queue in order. A panic in one
// handler must not take down the socket, so each event is handled
// behind a recover.
func (e *Engine) pump(inst *instance) {
	for ev := range inst.events {
		e.handle(inst, ev)
	}
}

func (e *Engine) handle(inst *instance, ev protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("event handler panicked",
				"device_id", inst.deviceID, "event_type", string(ev.Type), "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch ev.Type {
	case protocol.EventQR:
		inst.mu.Lock()
		inst.qrCode = ev.QRCode
		inst.qrExpires = ev.ExpiresAt
		inst.mu.Unlock()
		e.setStatus(inst.deviceID, store.DevicePairing)

	case protocol.EventPairSuccess, protocol.EventCredentialsUpdated:
		e.mirrorIdentity(ctx, inst)

	case protocol.EventDeviceConnected:
		inst.mu.Lock()
		inst.connectAt = time.Now()
		inst.retries = 0
		inst.mu.Unlock()
		e.setStatus(inst.deviceID, store.DeviceConnected)
		if err := e.store.TouchDeviceLastSeen(ctx, inst.deviceID); err != nil {
			e.log.Warn("last_seen update failed", "device_id", inst.deviceID, "error", err)
		}
		e.mirrorIdentity(ctx, inst)
		e.capture(ctx, inst, ev)

	case protocol.EventDeviceDisconnected:
		e.capture(ctx, inst, ev)
		if inst.stopping.Load() {
			return
		}
		e.setStatus(inst.deviceID, store.DeviceDisconnected)
		go e.reconnect(inst)

	case protocol.EventLoggedOut:
		// The phone unlinked us. The credentials are dead, so treat
		// this as a remote logout.
		e.log.Info("device logged out remotely", "device_id", inst.deviceID)
		inst.stopping.Store(true)
		e.take(inst.deviceID)
		inst.closeEvents()
		if err := e.auth.Delete(inst.tenantID, inst.deviceID); err != nil {
			e.log.Warn("credential cleanup failed", "device_id", inst.deviceID, "error", err)
		}
		if err := e.store.DeleteDeviceSession(ctx, inst.deviceID); err != nil {
			e.log.Warn("session row cleanup failed", "device_id", inst.deviceID, "error", err)
		}
		e.setStatus(inst.deviceID, store.DeviceNeedsPairing)
		e.locks.Release(inst.deviceID)

	case protocol.EventMessageReceived:
		msg := &store.InboxMessage{
			ID:          crypto.MintID("in"),
			TenantID:    inst.tenantID,
			DeviceID:    inst.deviceID,
			JID:         ev.ChatJID,
			MessageID:   ev.MessageID,
			MessageType: ev.MessageType,
			Payload:     ev.Data,
		}
		if err := e.store.InsertInbox(ctx, msg); err != nil {
			e.log.Error("inbox insert failed", "device_id", inst.deviceID, "error", err)
		} else {
			e.metrics.MessagesReceived.Inc()
		}
		e.capture(ctx, inst, ev)

	case protocol.EventReceiptDelivery:
		e.advanceReceipt(ctx, inst, ev, store.OutboxDelivered)
		e.capture(ctx, inst, ev)

	case protocol.EventReceiptRead:
		e.advanceReceipt(ctx, inst, ev, store.OutboxRead)
		e.capture(ctx, inst, ev)

	case protocol.EventChatUpserted, protocol.EventChatUpdated:
		e.upsertChat(ctx, inst, ev)
		e.capture(ctx, inst, ev)

	case protocol.EventChatDeleted:
		if err := e.store.DeleteChat(ctx, inst.deviceID, ev.ChatJID); err != nil {
			e.log.Warn("chat delete failed", "device_id", inst.deviceID, "jid", ev.ChatJID, "error", err)
		}
		e.capture(ctx, inst, ev)

	case protocol.EventContactUpdated:
		e.upsertLID(ctx, inst, ev)
		e.capture(ctx, inst, ev)

	default:
		// message.updated/deleted, group and participant events carry
		// no gateway-side state; they are captured and fanned out as-is.
		e.capture(ctx, inst, ev)
	}
}

// capture writes the event log row and queues webhook fan-out. Internal
// events never leave the process.
func (e *Engine) capture(ctx context.Context, inst *instance, ev protocol.Event) {
	if ev.Type.Internal() {
		return
	}
	if _, err := e.pipeline.Capture(ctx, inst.tenantID, inst.deviceID, string(ev.Type), ev.Data); err != nil {
		e.log.Error("event capture failed",
			"device_id", inst.deviceID, "event_type", string(ev.Type), "error", err)
	}
}

// mirrorIdentity copies the paired JID and push name from the credential
// file into the session metadata row, and the phone number onto the
// device row.
func (e *Engine) mirrorIdentity(ctx context.Context, inst *instance) {
	ident, err := e.auth.Identity(inst.tenantID, inst.deviceID)
	if err != nil || ident == nil {
		return
	}
	dir, err := e.auth.Resolve(inst.tenantID, inst.deviceID)
	if err != nil {
		return
	}
	sess := &store.DeviceSession{
		DeviceID:    inst.deviceID,
		TenantID:    &inst.tenantID,
		SessionKind: "file",
		SessionDir:  dir,
		WAJID:       &ident.JID,
	}
	if ident.Name != "" {
		sess.WAName = &ident.Name
	}
	if err := e.store.UpsertDeviceSession(ctx, sess); err != nil {
		e.log.Warn("identity mirror failed", "device_id", inst.deviceID, "error", err)
	}
	if phone := phoneFromJID(ident.JID); phone != "" {
		if err := e.store.SetDevicePhone(ctx, inst.deviceID, phone); err != nil {
			e.log.Warn("phone mirror failed", "device_id", inst.deviceID, "error", err)
		}
	}
}

// advanceReceipt moves the matching outbox row forward. Receipts for
// messages we never sent, and receipts arriving out of order, are
// dropped by the rank guard in the store.
func (e *Engine) advanceReceipt(ctx context.Context, inst *instance, ev protocol.Event, status string) {
	if ev.MessageID == "" {
		return
	}
	moved, err := e.store.AdvanceOutboxByWAMessageID(ctx, inst.deviceID, ev.MessageID, status)
	if err != nil {
		e.log.Error("receipt advance failed",
			"device_id", inst.deviceID, "wa_message_id", ev.MessageID, "error", err)
		return
	}
	if !moved {
		e.log.Debug("receipt ignored",
			"device_id", inst.deviceID, "wa_message_id", ev.MessageID, "status", status)
	}
}

func (e *Engine) upsertChat(ctx context.Context, inst *instance, ev protocol.Event) {
	if ev.ChatJID == "" {
		return
	}
	chat := &store.Chat{
		DeviceID: inst.deviceID,
		TenantID: inst.tenantID,
		JID:      ev.ChatJID,
	}
	var body struct {
		Name          *string `json:"name"`
		LastMessageAt *int64  `json:"lastMessageAt"`
		UnreadCount   int     `json:"unreadCount"`
		Archived      bool    `json:"archived"`
	}
	if len(ev.Data) > 0 && json.Unmarshal(ev.Data, &body) == nil {
		chat.Name = body.Name
		chat.LastMessageAt = body.LastMessageAt
		chat.UnreadCount = body.UnreadCount
		chat.Archived = body.Archived
	}
	if err := e.store.UpsertChat(ctx, chat); err != nil {
		e.log.Warn("chat upsert failed", "device_id", inst.deviceID, "jid", ev.ChatJID, "error", err)
	}
}

func (e *Engine) upsertLID(ctx context.Context, inst *instance, ev protocol.Event) {
	var body struct {
		LID      string `json:"lid"`
		PhoneJID string `json:"phoneJid"`
	}
	if len(ev.Data) == 0 || json.Unmarshal(ev.Data, &body) != nil {
		return
	}
	if body.LID == "" || body.PhoneJID == "" {
		return
	}
	if err := e.store.UpsertLIDMapping(ctx, &store.LIDMapping{
		DeviceID: inst.deviceID,
		LID:      body.LID,
		PhoneJID: body.PhoneJID,
	}); err != nil {
		e.log.Warn("lid mapping upsert failed", "device_id", inst.deviceID, "error", err)
	}
}

// reconnect retries the socket with exponential backoff after an
// unexpected drop. The lock is kept for the duration; only exhaustion
// gives it up.
func (e *Engine) reconnect(inst *instance) {
	backoff := time.Second
	for {
		inst.mu.Lock()
		inst.retries++
		attempt := inst.retries
		inst.mu.Unlock()

		if attempt > maxReconnects {
			e.log.Error("reconnect attempts exhausted", "device_id", inst.deviceID)
			e.take(inst.deviceID)
			inst.stopping.Store(true)
			inst.closeEvents()
			e.setStatus(inst.deviceID, store.DeviceFailed)
			e.locks.Release(inst.deviceID)
			return
		}

		time.Sleep(backoff)
		if backoff *= 2; backoff > reconnectCap {
			backoff = reconnectCap
		}

		if inst.stopping.Load() {
			return
		}

		e.setStatus(inst.deviceID, store.DeviceConnecting)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := inst.client.Connect(ctx)
		cancel()
		if err == nil {
			e.log.Info("device reconnected", "device_id", inst.deviceID, "attempt", attempt)
			return
		}
		e.log.Warn("reconnect attempt failed",
			"device_id", inst.deviceID, "attempt", attempt, "error", err)
	}
}
