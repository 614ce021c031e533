package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowUpToBudget(t *testing.T) {
	b := New(time.Minute, 0)

	// Media's default budget is 30/min.
	for i := 0; i < 30; i++ {
		d := b.Allow("device_1", "media")
		assert.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, 30, d.Limit)
	}
	d := b.Allow("device_1", "media")
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Greater(t, d.RetryIn, time.Duration(0))
}

func TestBucketsAreIndependent(t *testing.T) {
	b := New(time.Minute, 0)

	for i := 0; i < 30; i++ {
		b.Allow("device_1", "media")
	}
	assert.False(t, b.Allow("device_1", "media").Allowed)

	// A different message type and a different device are untouched.
	assert.True(t, b.Allow("device_1", "text").Allowed)
	assert.True(t, b.Allow("device_2", "media").Allowed)
}

func TestOverrideFlattensBudgets(t *testing.T) {
	b := New(time.Minute, 2)

	assert.True(t, b.Allow("device_1", "text").Allowed)
	assert.True(t, b.Allow("device_1", "text").Allowed)
	d := b.Allow("device_1", "text")
	assert.False(t, d.Allowed)
	assert.Equal(t, 2, d.Limit)
}

func TestUnknownTypeGetsConservativeDefault(t *testing.T) {
	b := New(time.Minute, 0)
	d := b.Allow("device_1", "unknown")
	assert.True(t, d.Allowed)
	assert.Equal(t, 40, d.Limit)
}

func TestRemainingDecreases(t *testing.T) {
	b := New(time.Minute, 0)
	first := b.Allow("device_1", "text")
	second := b.Allow("device_1", "text")
	assert.Equal(t, 59, first.Remaining)
	assert.Equal(t, 58, second.Remaining)
}
