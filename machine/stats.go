// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

package machine

import "sync"

// Stats holds a machine's running transfer counters.
// The counters are zero at process start,
// monotonically increasing for the process lifetime,
// and updated only by session teardown accounting.
// Stats is safe for concurrent use.
type Stats struct {
	mu            sync.Mutex
	bytesSent     int64
	bytesReceived int64
}

// StatsSnapshot is a point-in-time copy of a [Stats] record.
type StatsSnapshot struct {
	BytesSent     int64 `json:"bytesSent"`
	BytesReceived int64 `json:"bytesReceived"`
}

// AddTransfer accumulates the byte counts of one finished session.
func (s *Stats) AddTransfer(sent, received int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesSent += sent
	s.bytesReceived += received
}

// Snapshot returns a copy of the counters' current values.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		BytesSent:     s.bytesSent,
		BytesReceived: s.bytesReceived,
	}
}
