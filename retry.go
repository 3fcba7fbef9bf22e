package sentry_capture

import (
	"math"
	"math/rand"
	"time"
)

// DefaultRetryBudget is the number of sweep attempts an item gets before it
// is discarded: the first try plus one extra
const DefaultRetryBudget = 2

// RetryPolicy decides whether a queued item gets another attempt and when
type RetryPolicy struct {
	// Budget is the maximum number of failed sweep attempts per item
	Budget int
	// InitialBackoff delays the next attempt after a failure; zero retries on the next sweep
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// NewRetryPolicy builds a policy from the queue configuration
func NewRetryPolicy(cfg *QueueConfig) RetryPolicy {
	p := RetryPolicy{
		Budget:            cfg.RetryBudget,
		InitialBackoff:    cfg.InitialBackoff,
		BackoffMultiplier: cfg.BackoffMultiplier,
		MaxBackoff:        cfg.MaxBackoff,
	}
	if p.Budget <= 0 {
		p.Budget = DefaultRetryBudget
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 1
	}
	return p
}

// ShouldRetry reports whether an item that has failed attempts times stays queued
func (p RetryPolicy) ShouldRetry(attempts int) bool {
	return attempts < p.Budget
}

// Backoff calculates the delay before attempt number attempts+1
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	if attempts <= 1 {
		return p.InitialBackoff
	}

	// Exponential backoff with jitter
	backoff := float64(p.InitialBackoff) * math.Pow(p.BackoffMultiplier, float64(attempts-1))

	// +/-25% random variation
	backoff += backoff * 0.25 * (2*rand.Float64() - 1)

	duration := time.Duration(backoff)
	if p.MaxBackoff > 0 && duration > p.MaxBackoff {
		duration = p.MaxBackoff
	}
	return duration
}
