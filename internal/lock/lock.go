// Package lock provides the per-device distributed lock that enforces
// single-writer ownership across horizontally scaled gateway instances.
// The lock itself is a TTL row in the store; this package adds the
// acquisition timeout, the background refresh task and the reaper.
package lock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rijan/wa-gateway/internal/store"
)

// ErrHeldElsewhere is returned when another instance owns a live lock.
var ErrHeldElsewhere = errors.New("device is owned by another instance")

// Manager acquires and maintains device locks for one process.
type Manager struct {
	store      *store.Store
	instanceID string
	ttl        time.Duration
	refresh    time.Duration
	log        *slog.Logger

	mu        sync.Mutex
	refreshes map[string]context.CancelFunc
}

// NewManager builds a lock manager. refresh must be well under ttl so a
// healthy holder never lapses.
func NewManager(st *store.Store, instanceID string, ttl, refresh time.Duration, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:      st,
		instanceID: instanceID,
		ttl:        ttl,
		refresh:    refresh,
		log:        log,
		refreshes:  make(map[string]context.CancelFunc),
	}
}

// InstanceID returns this process's lock identity.
func (m *Manager) InstanceID() string { return m.instanceID }

// Acquire takes the lock for a device, retrying until the context (the
// caller bounds it to ~5s) expires. On success a refresh task keeps the
// lock alive until Release.
func (m *Manager) Acquire(ctx context.Context, deviceID string) error {
	for {
		ok, err := m.store.AcquireDeviceLock(ctx, deviceID, m.instanceID, int64(m.ttl.Seconds()))
		if err != nil {
			return err
		}
		if ok {
			m.startRefresh(deviceID)
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrHeldElsewhere
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// Release stops the refresh task and deletes the row if we still hold
// it. Best effort: a failed delete just means the TTL will lapse.
func (m *Manager) Release(deviceID string) {
	m.stopRefresh(deviceID)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.store.ReleaseDeviceLock(ctx, deviceID, m.instanceID); err != nil {
		m.log.Warn("lock release failed", "device_id", deviceID, "error", err)
	}
}

// ReleaseAll releases every lock this manager is refreshing. Used on
// graceful shutdown.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	devices := make([]string, 0, len(m.refreshes))
	for id := range m.refreshes {
		devices = append(devices, id)
	}
	m.mu.Unlock()
	for _, id := range devices {
		m.Release(id)
	}
}

// Held reports whether this manager currently maintains the lock.
func (m *Manager) Held(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.refreshes[deviceID]
	return ok
}

func (m *Manager) startRefresh(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refreshes[deviceID]; ok {
		return // re-entrant acquire, task already running
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.refreshes[deviceID] = cancel

	go func() {
		ticker := time.NewTicker(m.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rctx, rcancel := context.WithTimeout(ctx, 3*time.Second)
				ok, err := m.store.ExtendDeviceLock(rctx, deviceID, m.instanceID, int64(m.ttl.Seconds()))
				rcancel()
				if err != nil {
					m.log.Warn("lock refresh failed", "device_id", deviceID, "error", err)
					continue
				}
				if !ok {
					// Lost the lock; stop refreshing. The lifecycle
					// engine notices on its next operation.
					m.log.Warn("lock lost during refresh", "device_id", deviceID)
					m.stopRefresh(deviceID)
					return
				}
			}
		}
	}()
}

func (m *Manager) stopRefresh(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.refreshes[deviceID]; ok {
		cancel()
		delete(m.refreshes, deviceID)
	}
}

// RunReaper periodically deletes expired lock rows until ctx ends.
func (m *Manager) RunReaper(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.store.ReapExpiredLocks(ctx)
			if err != nil {
				m.log.Warn("lock reaper sweep failed", "error", err)
				continue
			}
			if n > 0 {
				m.log.Info("reaped expired device locks", "count", n)
			}
		}
	}
}
