// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

package machine

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff defaults.
const (
	// DefaultRetryInterval is the base disable period after the first failure.
	DefaultRetryInterval = 60 * time.Second
	// DefaultRetryBackoff is the multiplier applied per consecutive failure.
	DefaultRetryBackoff = 3.0
)

const (
	// maxConsecutiveFailures caps the backoff exponent.
	maxConsecutiveFailures = 4
	// incidentWindow groups failures into one incident:
	// failures within this window of the previous one
	// do not escalate the backoff.
	// This absorbs bursts of parallel attempts
	// against a machine that just went down.
	incidentWindow = 30 * time.Second
	// jitterMax bounds the random slack added to the disable period.
	jitterMax = 30 * time.Second
)

// Health is a machine's shared failure record.
// It is mutated only when a build attempt fails
// or a connection succeeds,
// and read by the scheduler to decide whether the machine is eligible.
// The zero value is a healthy record using the default backoff parameters.
// Health is safe for concurrent use.
type Health struct {
	// RetryInterval overrides [DefaultRetryInterval] if positive.
	RetryInterval time.Duration
	// RetryBackoff overrides [DefaultRetryBackoff] if positive.
	RetryBackoff float64

	mu                  sync.Mutex
	consecutiveFailures int
	lastFailure         time.Time
	disabledUntil       time.Time
}

// HealthSnapshot is a point-in-time copy of a [Health] record.
type HealthSnapshot struct {
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastFailure         time.Time `json:"lastFailure,omitzero"`
	DisabledUntil       time.Time `json:"disabledUntil,omitzero"`
}

// RecordSuccess resets the failure counter.
// It is called whenever a connection to the machine is established.
func (h *Health) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFailures = 0
}

// RecordFailure notes a failed build attempt at time now
// and returns how long the machine is disabled from now on
// (zero if the failure was part of an ongoing incident
// and the backoff was not escalated).
//
// The disable period is
// retryInterval * retryBackoff^(consecutiveFailures-1) plus up to 30s of jitter,
// with consecutiveFailures capped at 4.
func (h *Health) RecordFailure(now time.Time) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.consecutiveFailures != 0 && !h.lastFailure.Before(now.Add(-incidentWindow)) {
		return 0
	}
	h.consecutiveFailures = min(h.consecutiveFailures+1, maxConsecutiveFailures)
	h.lastFailure = now

	interval := h.RetryInterval
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	backoff := h.RetryBackoff
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}
	delta := time.Duration(float64(interval)*math.Pow(backoff, float64(h.consecutiveFailures-1))) +
		rand.N(jitterMax)
	h.disabledUntil = now.Add(delta)
	return delta
}

// Enabled reports whether the machine may be scheduled at time now.
func (h *Health) Enabled(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !now.Before(h.disabledUntil)
}

// Snapshot returns a copy of the record's current state.
func (h *Health) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HealthSnapshot{
		ConsecutiveFailures: h.consecutiveFailures,
		LastFailure:         h.lastFailure,
		DisabledUntil:       h.disabledUntil,
	}
}
