package tracker

import (
	"sync"
	"time"
)

// RateLimitState tracks the tracker's quota window for one Client instance.
// The scheduler holds the same handle to decide whether a poll cycle is worth
// starting. No package globals; tests construct as many as they like.
type RateLimitState struct {
	mu                sync.Mutex
	resetAt           time.Time
	requestsRemaining int
	requestsLimit     int
	consecutiveErrors int
}

// RateLimitSnapshot is a point-in-time copy for status surfaces.
type RateLimitSnapshot struct {
	Limited           bool
	ResetAt           time.Time
	RequestsRemaining int
	RequestsLimit     int
	ConsecutiveErrors int
}

// NewRateLimitState returns an unlimited state.
func NewRateLimitState() *RateLimitState {
	return &RateLimitState{}
}

// Limited reports whether calls should fail fast, and until when. A reset time
// in the past clears the limit as a side effect.
func (s *RateLimitState) Limited(now time.Time) (bool, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resetAt.IsZero() {
		return false, time.Time{}
	}
	if !now.Before(s.resetAt) {
		s.resetAt = time.Time{}
		return false, time.Time{}
	}
	return true, s.resetAt
}

// SetResetAt marks the client limited until the given time.
func (s *RateLimitState) SetResetAt(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetAt = t
}

// RecordQuota stores the most recent quota headers.
func (s *RateLimitState) RecordQuota(remaining, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestsRemaining = remaining
	s.requestsLimit = limit
}

// RecordSuccess clears the consecutive error counter.
func (s *RateLimitState) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveErrors = 0
}

// RecordError bumps and returns the consecutive error counter.
func (s *RateLimitState) RecordError() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveErrors++
	return s.consecutiveErrors
}

// Snapshot returns a copy of the current state.
func (s *RateLimitState) Snapshot(now time.Time) RateLimitSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	limited := !s.resetAt.IsZero() && now.Before(s.resetAt)
	snap := RateLimitSnapshot{
		Limited:           limited,
		RequestsRemaining: s.requestsRemaining,
		RequestsLimit:     s.requestsLimit,
		ConsecutiveErrors: s.consecutiveErrors,
	}
	if limited {
		snap.ResetAt = s.resetAt
	}
	return snap
}
