// Package ratelimit implements fixed-window request counting per
// (identifier, bucket). The window opens on the first request and the
// store rolls it over once it has closed; every check is one atomic
// increment-and-read in the store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"edge-guard/internal/models"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

var ErrInvalidConfig = errors.New("rate limit config requires bucket, positive max requests and window")

// Store persists one counting window per (identifier, bucket).
// Increment must be atomic: it bumps the count of the live window, or
// starts a new window with count 1 when none exists or the previous one
// has closed, and returns the resulting record.
type Store interface {
	Increment(ctx context.Context, identifier, bucket string, window time.Duration) (*models.RateLimitRecord, error)
}

type Config struct {
	Bucket      string
	MaxRequests int
	Window      time.Duration
}

func (c Config) validate() error {
	if c.Bucket == "" || c.MaxRequests <= 0 || c.Window <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// Result is the outcome of one check. RetryAfter is in whole seconds and
// only set when the request is blocked.
type Result struct {
	Allowed    bool      `json:"allowed"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"resetAt"`
	RetryAfter int       `json:"retryAfter,omitempty"`
}

// RateLimiter is bound to one identifier and one bucket configuration.
type RateLimiter struct {
	store      Store
	identifier string
	config     Config
	now        func() time.Time
}

func NewRateLimiter(store Store, identifier string, cfg Config) *RateLimiter {
	return &RateLimiter{
		store:      store,
		identifier: identifier,
		config:     cfg,
		now:        time.Now,
	}
}

// CheckLimit counts the current request against the window and reports
// whether it fits inside the quota.
func (l *RateLimiter) CheckLimit(ctx context.Context) (*Result, error) {
	if err := l.config.validate(); err != nil {
		return nil, err
	}

	record, err := l.store.Increment(ctx, l.identifier, l.config.Bucket, l.config.Window)
	if err != nil {
		return nil, fmt.Errorf("failed to increment rate limit window: %w", err)
	}

	return evaluate(record, l.config.MaxRequests, l.now()), nil
}

func evaluate(record *models.RateLimitRecord, limit int, now time.Time) *Result {
	count := int(record.Count)
	result := &Result{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: limit - count,
		ResetAt:   record.WindowEnd,
	}
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	if !result.Allowed {
		result.RetryAfter = retryAfterSeconds(record.WindowEnd, now)
	}
	return result
}

func retryAfterSeconds(resetAt, now time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// CreateHeaders maps a result to the standard rate-limit response headers.
// X-RateLimit-Reset is the Unix time in seconds at which the window closes.
func CreateHeaders(result *Result) http.Header {
	h := make(http.Header, 4)
	h.Set(HeaderLimit, strconv.Itoa(result.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(result.Remaining))
	h.Set(HeaderReset, strconv.FormatInt(result.ResetAt.Unix(), 10))
	if !result.Allowed {
		h.Set(HeaderRetryAfter, strconv.Itoa(result.RetryAfter))
	}
	return h
}

// ApplyHeaders copies the headers for result onto dst.
func ApplyHeaders(dst http.Header, result *Result) {
	for k, v := range CreateHeaders(result) {
		dst[k] = v
	}
}
