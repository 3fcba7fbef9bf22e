package sentry_capture

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	categoryAll   = "all"
	categoryError = "error"

	defaultRetryAfter = 60 * time.Second
)

// RateLimiter remembers server-imposed delivery pauses announced through
// X-Sentry-Rate-Limits or Retry-After
type RateLimiter struct {
	mu         sync.RWMutex
	rateLimits map[string]time.Time // category -> disabled until time
	logger     *zap.Logger
	now        func() time.Time
}

// NewRateLimiter creates a new rate limiter instance
func NewRateLimiter(logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		rateLimits: make(map[string]time.Time),
		logger:     logger,
		now:        time.Now,
	}
}

// DisabledUntil reports until when events are paused; the zero time means not paused
func (rl *RateLimiter) DisabledUntil() time.Time {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := rl.now()
	var until time.Time
	for _, category := range []string{categoryError, categoryAll} {
		if t, ok := rl.rateLimits[category]; ok && t.After(now) && t.After(until) {
			until = t
		}
	}
	return until
}

// IsRateLimited checks whether events are currently paused
func (rl *RateLimiter) IsRateLimited() bool {
	return !rl.DisabledUntil().IsZero()
}

// Update records the limits announced by a store response
func (rl *RateLimiter) Update(statusCode int, headers http.Header) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	if limits := headers.Get("X-Sentry-Rate-Limits"); limits != "" {
		rl.parseRateLimitHeader(limits, now)
		return
	}

	if statusCode == http.StatusTooManyRequests {
		rl.parseRetryAfterHeader(headers.Get("Retry-After"), now)
	}
}

// parseRateLimitHeader parses "retry_after:categories:scope[:reason_code[:namespaces]]" entries
func (rl *RateLimiter) parseRateLimitHeader(header string, now time.Time) {
	for _, limit := range strings.Split(header, ",") {
		parts := strings.Split(strings.TrimSpace(limit), ":")
		if len(parts) < 2 {
			continue
		}

		seconds, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		retryAfter := defaultRetryAfter
		if err != nil {
			rl.logger.Warn("Failed to parse retry_after from rate limit header", zap.String("value", parts[0]))
		} else {
			retryAfter = time.Duration(seconds * float64(time.Second))
		}
		until := now.Add(retryAfter)

		categories := strings.TrimSpace(parts[1])
		if categories == "" {
			categories = categoryAll
		}

		for _, category := range strings.Split(categories, ";") {
			category = strings.TrimSpace(category)
			if category == "" {
				category = categoryAll
			}
			if category != categoryAll && category != categoryError && category != "default" {
				continue
			}
			if category == "default" {
				category = categoryError
			}
			rl.rateLimits[category] = until
			rl.logger.Warn("Rate limit applied",
				zap.String("category", category),
				zap.Time("disabled_until", until))
		}
	}
}

// parseRetryAfterHeader parses the Retry-After header (seconds or HTTP date)
func (rl *RateLimiter) parseRetryAfterHeader(header string, now time.Time) {
	header = strings.TrimSpace(header)
	until := now.Add(defaultRetryAfter)

	if seconds, err := strconv.Atoi(header); err == nil {
		until = now.Add(time.Duration(seconds) * time.Second)
	} else if t, err := http.ParseTime(header); err == nil && t.After(now) {
		until = t
	}

	rl.rateLimits[categoryAll] = until
	rl.logger.Warn("Global rate limit applied via Retry-After header",
		zap.String("header", header),
		zap.Time("disabled_until", until))
}

// CleanupExpired removes expired rate limits
func (rl *RateLimiter) CleanupExpired() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for category, disabledUntil := range rl.rateLimits {
		if !disabledUntil.After(now) {
			delete(rl.rateLimits, category)
		}
	}
}
