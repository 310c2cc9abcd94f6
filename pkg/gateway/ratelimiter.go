package gateway

import (
	"sync"
	"time"
)

const (
	reasonRateLimited   = "rate limit exceeded"
	reasonTooConcurrent = "too many concurrent requests"
)

// RateLimits bounds the requests of one WebSocket client.
type RateLimits struct {
	RequestsPerMinute int
	// MaxConcurrent counts requests still running. Kernel executions are
	// serialized per session, so queries and executes wait on each other.
	MaxConcurrent int
}

// DefaultRateLimits are used when the server config leaves limits unset.
var DefaultRateLimits = RateLimits{RequestsPerMinute: 60, MaxConcurrent: 4}

// ClientRateLimiter implements sliding window rate limiting per client
type ClientRateLimiter struct {
	mu                 sync.Mutex
	limits             RateLimits
	requests           []time.Time
	concurrentRequests int
}

// NewClientRateLimiter creates a rate limiter. Zero fields take the defaults.
func NewClientRateLimiter(limits RateLimits) *ClientRateLimiter {
	if limits.RequestsPerMinute <= 0 {
		limits.RequestsPerMinute = DefaultRateLimits.RequestsPerMinute
	}
	if limits.MaxConcurrent <= 0 {
		limits.MaxConcurrent = DefaultRateLimits.MaxConcurrent
	}
	return &ClientRateLimiter{limits: limits}
}

// prune drops requests older than the window. Callers hold mu.
func (r *ClientRateLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := r.requests[:0]
	for _, reqTime := range r.requests {
		if reqTime.After(cutoff) {
			kept = append(kept, reqTime)
		}
	}
	r.requests = kept
}

// CheckRequestAllowed checks if a request is allowed under rate limits
func (r *ClientRateLimiter) CheckRequestAllowed() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentRequests >= r.limits.MaxConcurrent {
		return false, reasonTooConcurrent
	}

	r.prune(time.Now())
	if len(r.requests) >= r.limits.RequestsPerMinute {
		return false, reasonRateLimited
	}

	return true, ""
}

// RecordRequestStart records the start of a request
func (r *ClientRateLimiter) RecordRequestStart() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests = append(r.requests, time.Now())
	r.concurrentRequests++
}

// RecordRequestEnd records the end of a request
func (r *ClientRateLimiter) RecordRequestEnd() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentRequests > 0 {
		r.concurrentRequests--
	}
}

// GetStats returns the requests in the current window and the requests
// still running.
func (r *ClientRateLimiter) GetStats() (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(time.Now())
	return len(r.requests), r.concurrentRequests
}
