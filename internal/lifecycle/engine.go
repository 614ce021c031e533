// Package lifecycle supervises one protocol socket per device: start,
// stop, logout, pairing, reconnection and boot recovery. It is the only
// component allowed to touch a device's socket or credential directory,
// and only while holding that device's distributed lock.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"golang.org/x/sync/errgroup"

	"github.com/rijan/wa-gateway/internal/authstore"
	"github.com/rijan/wa-gateway/internal/fanout"
	"github.com/rijan/wa-gateway/internal/lock"
	"github.com/rijan/wa-gateway/internal/metrics"
	"github.com/rijan/wa-gateway/internal/protocol"
	"github.com/rijan/wa-gateway/internal/store"
)

var (
	ErrNotRunning  = errors.New("device is not running on this instance")
	ErrNoQR        = errors.New("no QR code available yet")
	ErrAlreadyUp   = errors.New("device is already running")
	reconnectCap   = 30 * time.Second
	maxReconnects  = 10
	qrLifetime     = 60 * time.Second
	eventQueueSize = 256
)

// instance is one supervised device socket.
type instance struct {
	deviceID string
	tenantID string
	client   protocol.Client

	startedAt time.Time
	stopping  atomic.Bool

	evMu     sync.Mutex
	evClosed bool
	events   chan protocol.Event

	mu        sync.Mutex
	connectAt time.Time
	qrCode    string
	qrExpires time.Time
	retries   int
}

// Engine owns the process-local device registry.
type Engine struct {
	store    *store.Store
	auth     *authstore.Store
	locks    *lock.Manager
	dialer   protocol.Dialer
	pipeline *fanout.Pipeline
	metrics  *metrics.Registry
	log      *slog.Logger

	acquireTimeout time.Duration

	mu        sync.RWMutex
	instances map[string]*instance
	// starting holds devices with a Start in flight, so concurrent
	// Starts collapse to one winner before any lock or socket work.
	starting map[string]struct{}
}

// New builds the engine. Nothing starts until Start or RecoverOnBoot.
func New(st *store.Store, auth *authstore.Store, locks *lock.Manager, dialer protocol.Dialer,
	pipeline *fanout.Pipeline, m *metrics.Registry, log *slog.Logger, acquireTimeout time.Duration) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if acquireTimeout <= 0 {
		acquireTimeout = 5 * time.Second
	}
	return &Engine{
		store:          st,
		auth:           auth,
		locks:          locks,
		dialer:         dialer,
		pipeline:       pipeline,
		metrics:        m,
		log:            log,
		acquireTimeout: acquireTimeout,
		instances:      make(map[string]*instance),
		starting:       make(map[string]struct{}),
	}
}

// Start acquires the device's distributed lock, loads its credential
// directory and opens the protocol socket. Any failure after lock
// acquisition releases the lock.
func (e *Engine) Start(ctx context.Context, tenantID, deviceID string) error {
	// Reserve the device in one critical section. The store lock is
	// re-entrant for this instance id, so without the reservation two
	// concurrent Starts would both pass it and leak a socket.
	e.mu.Lock()
	_, up := e.instances[deviceID]
	_, inflight := e.starting[deviceID]
	if up || inflight {
		e.mu.Unlock()
		return ErrAlreadyUp
	}
	e.starting[deviceID] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.starting, deviceID)
		e.mu.Unlock()
	}()

	lockCtx, cancel := context.WithTimeout(ctx, e.acquireTimeout)
	defer cancel()
	if err := e.locks.Acquire(lockCtx, deviceID); err != nil {
		return err
	}

	inst, err := e.open(ctx, tenantID, deviceID)
	if err != nil {
		e.locks.Release(deviceID)
		e.setStatus(deviceID, store.DeviceDisconnected)
		return err
	}

	e.mu.Lock()
	e.instances[deviceID] = inst
	e.mu.Unlock()
	return nil
}

// open dials the client and connects, registering the event pump.
func (e *Engine) open(ctx context.Context, tenantID, deviceID string) (*instance, error) {
	dir, err := e.auth.Resolve(tenantID, deviceID)
	if err != nil {
		return nil, err
	}

	inst := &instance{
		deviceID:  deviceID,
		tenantID:  tenantID,
		startedAt: time.Now(),
		events:    make(chan protocol.Event, eventQueueSize),
	}
	go e.pump(inst)

	client, err := e.dialer.Dial(ctx, dir, func(ev protocol.Event) {
		// Never block the protocol client's event loop.
		inst.evMu.Lock()
		defer inst.evMu.Unlock()
		if inst.evClosed {
			return
		}
		select {
		case inst.events <- ev:
		default:
			e.log.Warn("device event queue full, dropping event",
				"device_id", deviceID, "event_type", string(ev.Type))
		}
	})
	if err != nil {
		inst.closeEvents()
		return nil, fmt.Errorf("dial protocol client: %w", err)
	}
	inst.client = client

	e.setStatus(deviceID, store.DeviceConnecting)
	if err := e.store.UpsertDeviceSession(ctx, &store.DeviceSession{
		DeviceID:    deviceID,
		TenantID:    &tenantID,
		SessionKind: "file",
		SessionDir:  dir,
	}); err != nil {
		e.log.Warn("session metadata upsert failed", "device_id", deviceID, "error", err)
	}

	if err := client.Connect(ctx); err != nil {
		inst.closeEvents()
		return nil, fmt.Errorf("connect: %w", err)
	}

	if !client.IsPaired() {
		e.setStatus(deviceID, store.DeviceNeedsPairing)
	}
	return inst, nil
}

// Stop closes the socket, marks the row disconnected and releases the
// lock.
func (e *Engine) Stop(deviceID string) error {
	inst := e.take(deviceID)
	if inst == nil {
		return ErrNotRunning
	}
	inst.stopping.Store(true)
	inst.client.Disconnect()
	inst.closeEvents()
	e.setStatus(deviceID, store.DeviceDisconnected)
	e.locks.Release(deviceID)
	return nil
}

// Logout is Stop plus destruction of the pairing material: credential
// directory and session metadata row. The next Start re-pairs.
func (e *Engine) Logout(ctx context.Context, deviceID string) error {
	inst := e.take(deviceID)
	if inst == nil {
		return ErrNotRunning
	}
	// The instance is out of the registry; release the lock no matter
	// how the teardown goes, or the device stays unstartable until the
	// TTL reaper fires.
	defer e.locks.Release(deviceID)

	inst.stopping.Store(true)
	if err := inst.client.Logout(ctx); err != nil {
		e.log.Warn("protocol logout failed, destroying session anyway",
			"device_id", deviceID, "error", err)
	}
	inst.closeEvents()

	if err := e.auth.Delete(inst.tenantID, deviceID); err != nil {
		return err
	}
	if err := e.store.DeleteDeviceSession(ctx, deviceID); err != nil {
		return err
	}
	e.setStatus(deviceID, store.DeviceNeedsPairing)
	return nil
}

// QR is the most recent pairing code wrapped as a PNG.
type QR struct {
	Image     []byte
	ExpiresAt time.Time
}

// RequestQR returns the latest QR emitted by the socket.
func (e *Engine) RequestQR(deviceID string) (*QR, error) {
	inst := e.get(deviceID)
	if inst == nil {
		return nil, ErrNotRunning
	}
	inst.mu.Lock()
	code, expires := inst.qrCode, inst.qrExpires
	inst.mu.Unlock()
	if code == "" || time.Now().After(expires) {
		return nil, ErrNoQR
	}
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("render QR: %w", err)
	}
	return &QR{Image: png, ExpiresAt: expires}, nil
}

// PairingCode triggers the phone-number pairing flow.
func (e *Engine) PairingCode(ctx context.Context, deviceID, phone string) (string, time.Time, error) {
	inst := e.get(deviceID)
	if inst == nil {
		return "", time.Time{}, ErrNotRunning
	}
	code, err := inst.client.PairPhone(ctx, phone)
	if err != nil {
		return "", time.Time{}, err
	}
	e.setStatus(deviceID, store.DevicePairing)
	return code, time.Now().Add(qrLifetime), nil
}

// Health summarizes one device's live state.
type Health struct {
	IsConnected   bool    `json:"isConnected"`
	Status        string  `json:"status"`
	JID           *string `json:"jid,omitempty"`
	Phone         *string `json:"phone,omitempty"`
	LastConnectAt *int64  `json:"lastConnectAt,omitempty"`
	UptimeMs      *int64  `json:"uptimeMs,omitempty"`
}

// Health merges the persisted device row with this instance's live
// socket state.
func (e *Engine) Health(ctx context.Context, tenantID, deviceID string) (*Health, error) {
	dev, err := e.store.GetDevice(ctx, tenantID, deviceID)
	if err != nil {
		return nil, err
	}
	h := &Health{Status: dev.Status, Phone: dev.PhoneNumber}

	if sess, err := e.store.GetDeviceSession(ctx, deviceID); err == nil && sess.WAJID != nil {
		h.JID = sess.WAJID
	}

	inst := e.get(deviceID)
	if inst == nil {
		return h, nil
	}
	h.IsConnected = inst.client.IsConnected()
	inst.mu.Lock()
	if !inst.connectAt.IsZero() {
		ts := inst.connectAt.Unix()
		h.LastConnectAt = &ts
		up := time.Since(inst.connectAt).Milliseconds()
		h.UptimeMs = &up
	}
	inst.mu.Unlock()
	return h, nil
}

// Send dispatches one outbound message through the device's socket.
// The sender worker is the only caller.
func (e *Engine) Send(ctx context.Context, deviceID, jid string, msg protocol.Message) (*protocol.SendResult, error) {
	inst := e.get(deviceID)
	if inst == nil || !inst.client.IsConnected() {
		return nil, protocol.ErrNotConnected
	}
	return inst.client.Send(ctx, jid, msg)
}

// Connected reports whether this instance holds a live socket for the
// device.
func (e *Engine) Connected(deviceID string) bool {
	inst := e.get(deviceID)
	return inst != nil && inst.client.IsConnected()
}

// CreateGroup proxies group creation through the device socket.
func (e *Engine) CreateGroup(ctx context.Context, deviceID, name string, participants []string) (string, error) {
	inst := e.get(deviceID)
	if inst == nil {
		return "", protocol.ErrNotConnected
	}
	return inst.client.CreateGroup(ctx, name, participants)
}

// UpdateGroupParticipants adds or removes members.
func (e *Engine) UpdateGroupParticipants(ctx context.Context, deviceID, groupJID string, participants []string, add bool) error {
	inst := e.get(deviceID)
	if inst == nil {
		return protocol.ErrNotConnected
	}
	return inst.client.UpdateGroupParticipants(ctx, groupJID, participants, add)
}

// PrivacySettings reads the device's privacy settings.
func (e *Engine) PrivacySettings(ctx context.Context, deviceID string) (map[string]string, error) {
	inst := e.get(deviceID)
	if inst == nil {
		return nil, protocol.ErrNotConnected
	}
	return inst.client.PrivacySettings(ctx)
}

// SetPrivacySetting writes one privacy setting.
func (e *Engine) SetPrivacySetting(ctx context.Context, deviceID, name, value string) error {
	inst := e.get(deviceID)
	if inst == nil {
		return protocol.ErrNotConnected
	}
	return inst.client.SetPrivacySetting(ctx, name, value)
}

// RecoverOnBoot re-starts every device whose credentials survived a
// restart. Recovery is sequential per tenant, parallel across tenants;
// individual failures are logged and skipped.
func (e *Engine) RecoverOnBoot(ctx context.Context) error {
	entries, err := e.auth.Scan()
	if err != nil {
		return err
	}

	byTenant := make(map[string][]authstore.Entry)
	for _, entry := range entries {
		tenantID := entry.TenantID
		if tenantID == "" {
			// Legacy flat layout: the store knows the owner.
			dev, err := e.store.GetDeviceByID(ctx, entry.DeviceID)
			if err != nil {
				e.log.Warn("orphan legacy session, skipping", "device_id", entry.DeviceID)
				continue
			}
			tenantID = dev.TenantID
		}
		byTenant[tenantID] = append(byTenant[tenantID], authstore.Entry{
			TenantID: tenantID, DeviceID: entry.DeviceID, Dir: entry.Dir,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for tenantID, devices := range byTenant {
		tenantID, devices := tenantID, devices
		g.Go(func() error {
			tenant, err := e.store.GetTenant(gctx, tenantID)
			if err != nil {
				e.log.Warn("recovery: tenant not found", "tenant_id", tenantID)
				return nil
			}
			if tenant.Status != store.TenantActive {
				e.log.Info("recovery: tenant not active, skipping devices",
					"tenant_id", tenantID, "status", tenant.Status)
				return nil
			}
			for _, entry := range devices {
				if _, err := e.store.GetDevice(gctx, tenantID, entry.DeviceID); err != nil {
					e.log.Warn("recovery: device row missing", "device_id", entry.DeviceID)
					continue
				}
				if err := e.Start(gctx, tenantID, entry.DeviceID); err != nil {
					e.log.Warn("recovery: device start failed",
						"tenant_id", tenantID, "device_id", entry.DeviceID, "error", err)
				} else {
					e.log.Info("recovered device", "tenant_id", tenantID, "device_id", entry.DeviceID)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Shutdown stops every running device, releasing locks best-effort.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.instances))
	for id := range e.instances {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		if err := e.Stop(id); err != nil && !errors.Is(err, ErrNotRunning) {
			e.log.Warn("shutdown stop failed", "device_id", id, "error", err)
		}
	}
}

func (e *Engine) get(deviceID string) *instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.instances[deviceID]
}

// closeEvents shuts the event queue exactly once; the dial handler
// drops anything emitted afterwards.
func (i *instance) closeEvents() {
	i.evMu.Lock()
	defer i.evMu.Unlock()
	if !i.evClosed {
		i.evClosed = true
		close(i.events)
	}
}

// take removes and returns the instance, or nil.
func (e *Engine) take(deviceID string) *instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst := e.instances[deviceID]
	delete(e.instances, deviceID)
	return inst
}

func (e *Engine) setStatus(deviceID, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.store.UpdateDeviceStatus(ctx, deviceID, status); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.log.Warn("device status update failed", "device_id", deviceID, "status", status, "error", err)
	}
}

// phoneFromJID extracts the bare number from "6281…:3@s.whatsapp.net".
func phoneFromJID(jid string) string {
	local, _, ok := strings.Cut(jid, "@")
	if !ok {
		return ""
	}
	if n, _, ok := strings.Cut(local, ":"); ok {
		return n
	}
	return local
}
