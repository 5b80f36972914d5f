package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowPermitsBurstThenBlocks(t *testing.T) {
	l := New(1, 2)
	assert.True(t, l.Allow("1.2.3.4"))
	assert.True(t, l.Allow("1.2.3.4"))
	assert.False(t, l.Allow("1.2.3.4"), "burst of 2 exhausted on the third immediate call")
}

func TestAllowTracksKeysIndependently(t *testing.T) {
	l := New(1, 1)
	assert.True(t, l.Allow("1.2.3.4"))
	assert.True(t, l.Allow("5.6.7.8"), "a different key must have its own bucket")
}

func TestReserveReturnsPositiveDelayOnceExhausted(t *testing.T) {
	l := New(1, 1)
	assert.True(t, l.Allow("1.2.3.4"))
	assert.False(t, l.Allow("1.2.3.4"))
	assert.Greater(t, l.Reserve("1.2.3.4"), time.Duration(0))
}
