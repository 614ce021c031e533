// Package ratelimit gates producer admission with per-device,
// per-message-type token buckets. State is process-local by design:
// each instance owns the buckets for the devices it holds, and the goal
// is operator protection, not billing.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default per-minute budgets by message type.
var defaults = map[string]int{
	"text":     60,
	"media":    30,
	"location": 40,
	"contact":  40,
	"reaction": 100,
	"poll":     40,
	"delete":   40,
}

// Decision is the outcome of one admission check, with the header
// material the HTTP layer echoes back.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
	RetryIn   time.Duration
}

// Limiter is the admission interface. The token-bucket implementation
// below is per-process; a shared-store variant can replace it without
// touching call sites.
type Limiter interface {
	Allow(deviceID, messageType string) Decision
}

type bucketKey struct {
	device string
	kind   string
}

type bucket struct {
	lim      *rate.Limiter
	limit    int
	lastSeen time.Time
}

// Buckets implements Limiter with x/time/rate token buckets, one per
// (device, message type). Idle buckets are garbage collected.
type Buckets struct {
	mu      sync.Mutex
	buckets map[bucketKey]*bucket
	window  time.Duration
	// override, when positive, replaces every per-type default
	// (RATE_LIMIT_MAX).
	override int
}

// New builds a bucket set. window is the budget interval (normally one
// minute); override > 0 forces a uniform budget across types.
func New(window time.Duration, override int) *Buckets {
	if window <= 0 {
		window = time.Minute
	}
	b := &Buckets{
		buckets:  make(map[bucketKey]*bucket),
		window:   window,
		override: override,
	}
	go b.gc()
	return b
}

// Allow consumes one token for the pair, reporting limit state either
// way.
func (b *Buckets) Allow(deviceID, messageType string) Decision {
	limit := b.limitFor(messageType)

	b.mu.Lock()
	key := bucketKey{device: deviceID, kind: messageType}
	bk, ok := b.buckets[key]
	if !ok {
		per := rate.Every(b.window / time.Duration(limit))
		bk = &bucket{lim: rate.NewLimiter(per, limit), limit: limit}
		b.buckets[key] = bk
	}
	bk.lastSeen = time.Now()
	b.mu.Unlock()

	now := time.Now()
	remaining := int(math.Floor(bk.lim.TokensAt(now)))
	if remaining < 0 {
		remaining = 0
	}

	if !bk.lim.Allow() {
		// Probe how long until one token becomes available, then put
		// the probe's reservation back.
		res := bk.lim.Reserve()
		retryIn := res.Delay()
		res.Cancel()
		return Decision{
			Allowed:   false,
			Limit:     limit,
			Remaining: 0,
			Reset:     now.Add(retryIn),
			RetryIn:   retryIn,
		}
	}
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: remaining - 1,
		Reset:     now.Add(b.window),
	}
}

func (b *Buckets) limitFor(messageType string) int {
	if b.override > 0 {
		return b.override
	}
	if n, ok := defaults[messageType]; ok {
		return n
	}
	return 40
}

// gc drops buckets idle for several windows so churning device ids do
// not leak memory.
func (b *Buckets) gc() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-3 * b.window)
		b.mu.Lock()
		for key, bk := range b.buckets {
			if bk.lastSeen.Before(cutoff) {
				delete(b.buckets, key)
			}
		}
		b.mu.Unlock()
	}
}
