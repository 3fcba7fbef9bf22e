package sentry_capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewRetryPolicy_Defaults(t *testing.T) {
	p := NewRetryPolicy(&QueueConfig{})
	assert.Equal(t, DefaultRetryBudget, p.Budget)
	assert.Equal(t, 1.0, p.BackoffMultiplier)
	assert.Zero(t, p.InitialBackoff)
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := NewRetryPolicy(&QueueConfig{RetryBudget: 2})

	assert.True(t, p.ShouldRetry(0))
	assert.True(t, p.ShouldRetry(1))
	assert.False(t, p.ShouldRetry(2))
	assert.False(t, p.ShouldRetry(3))
}

func TestRetryPolicy_Backoff(t *testing.T) {
	assert.Zero(t, NewRetryPolicy(&QueueConfig{}).Backoff(3))

	p := NewRetryPolicy(&QueueConfig{
		InitialBackoff:    time.Second,
		BackoffMultiplier: 2,
		MaxBackoff:        5 * time.Second,
	})

	assert.Equal(t, time.Second, p.Backoff(1))

	// 2s +/- 25%
	second := p.Backoff(2)
	assert.GreaterOrEqual(t, second, 1500*time.Millisecond)
	assert.LessOrEqual(t, second, 2500*time.Millisecond)

	assert.Equal(t, 5*time.Second, p.Backoff(10))
}
