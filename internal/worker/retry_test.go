package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_NextDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Minute}

	assert.Equal(t, time.Minute, p.NextDelay(0))
	assert.Equal(t, time.Minute, p.NextDelay(1))
	assert.Equal(t, 2*time.Minute, p.NextDelay(2))
	assert.Equal(t, 4*time.Minute, p.NextDelay(4))

	assert.False(t, p.Exhausted(4))
	assert.True(t, p.Exhausted(5))
	assert.True(t, p.Exhausted(6))
}

func TestIdleBackoff(t *testing.T) {
	b := &IdleBackoff{Base: 2 * time.Second, Max: 30 * time.Second}

	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, got)

	b.Reset()
	assert.Equal(t, 2*time.Second, b.Next())
}

func TestIdleBackoff_BaseAboveMax(t *testing.T) {
	b := &IdleBackoff{Base: time.Minute, Max: 30 * time.Second}
	assert.Equal(t, 30*time.Second, b.Next())
	assert.Equal(t, 30*time.Second, b.Next())
}
