package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStartLimitHitFiresAtBurst(t *testing.T) {
	in := &Instance{}
	now := time.Now()
	interval := time.Minute
	burst := 3

	assert.False(t, in.startLimitHit(now, interval, burst))
	assert.False(t, in.startLimitHit(now.Add(time.Second), interval, burst))
	assert.True(t, in.startLimitHit(now.Add(2*time.Second), interval, burst))
}

func TestStartLimitHitEvictsEntriesOutsideWindow(t *testing.T) {
	in := &Instance{}
	now := time.Now()
	interval := 10 * time.Second
	burst := 2

	assert.False(t, in.startLimitHit(now, interval, burst))
	// Far enough past the window that the first entry is evicted; the
	// window should never reach burst even with this second hit.
	assert.False(t, in.startLimitHit(now.Add(time.Minute), interval, burst))
}

func TestStartLimitHitDisabledWhenIntervalOrBurstIsZero(t *testing.T) {
	in := &Instance{}
	now := time.Now()
	assert.False(t, in.startLimitHit(now, 0, 5))
	assert.False(t, in.startLimitHit(now, time.Minute, 0))
}
