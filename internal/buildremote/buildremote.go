// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

// Package buildremote executes a single build step on a remote machine.
//
// Given a step that the scheduler has bound to a machine,
// it opens a session, transfers the build's input closure,
// issues the build over the serve protocol, interprets the reply,
// and streams the outputs back into the destination store
// in an order that keeps the store's reference invariants intact.
package buildremote

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/thufschmitt/hydra/serveproto"
	"github.com/thufschmitt/hydra/store"
)

// A Step is one pending build request, as handed over by the scheduler.
// The scheduler retains ownership; a [Builder] borrows it
// for the duration of one attempt.
type Step struct {
	// DrvPath is the store path of the step's derivation.
	DrvPath store.Path
	// Derivation is the parsed derivation at DrvPath.
	Derivation *store.Derivation
}

// ActiveStep is the mutable state of one in-flight build attempt.
// It carries the attempt's cancellation flag
// and the identity of the remote process performing the build,
// so that an external canceller can act on it.
type ActiveStep struct {
	mu        sync.Mutex
	cancelled bool
	pid       int
	token     uuid.UUID
}

// Cancel marks the attempt as cancelled.
// The builder checks the flag once,
// after connecting and before sending any data;
// a build that is already in flight is not interrupted.
func (as *ActiveStep) Cancel() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.cancelled = true
}

// Cancelled reports whether [ActiveStep.Cancel] has been called.
func (as *ActiveStep) Cancelled() bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.cancelled
}

// beginRemote records the process identifier backing the attempt's
// connection and mints a fresh token identifying this occupancy.
// Process identifiers are reused by the operating system,
// so a canceller must check that the token it observed alongside a pid
// is still current before signalling the process.
func (as *ActiveStep) beginRemote(pid int) uuid.UUID {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.pid = pid
	as.token = uuid.New()
	return as.token
}

// endRemote clears the recorded process if token still identifies it.
func (as *ActiveStep) endRemote(token uuid.UUID) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.token == token {
		as.pid = 0
		as.token = uuid.UUID{}
	}
}

// RemoteProcess returns the process identifier of the remote operation
// currently backing the attempt, along with the token that identifies
// this particular occupancy of the pid.
// ok is false if no remote process is recorded.
func (as *ActiveStep) RemoteProcess() (pid int, token uuid.UUID, ok bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.pid, as.token, as.pid != 0
}

// BuildOptions are the per-step limits passed through to the remote build.
type BuildOptions struct {
	// MaxSilentTime is the maximum time the build may produce no output.
	MaxSilentTime time.Duration
	// BuildTimeout is the maximum total duration of the build.
	BuildTimeout time.Duration
	// MaxLogSize is the maximum number of log bytes the build may produce.
	MaxLogSize uint64
	// Repeats is the number of extra rounds to run to check determinism.
	Repeats uint64
	// EnforceDeterminism makes differing rounds a build failure.
	EnforceDeterminism bool
	// KeepFailed asks the remote side to keep the build directory on failure.
	KeepFailed bool
}

// StepState identifies a phase of a build attempt.
// The builder reports each transition through the attempt's callback.
type StepState int

// Attempt phases, in the order they occur.
const (
	StateConnecting StepState = iota
	StateSendingInputs
	StateBuilding
	StateReceivingOutputs
	StateDone
)

// String returns the name of the phase.
func (s StepState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSendingInputs:
		return "sending inputs"
	case StateBuilding:
		return "building"
	case StateReceivingOutputs:
		return "receiving outputs"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Outcome is the scheduler-facing classification of a finished attempt.
type Outcome int

// Defined outcomes.
const (
	OutcomeUnknown Outcome = iota
	OutcomeSuccess
	OutcomeFailed
	OutcomeTimedOut
	OutcomeAborted
	OutcomeLogLimitExceeded
	OutcomeNotDeterministic
	OutcomeOutputSizeExceeded
)

// String returns the name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timed out"
	case OutcomeAborted:
		return "aborted"
	case OutcomeLogLimitExceeded:
		return "log limit exceeded"
	case OutcomeNotDeterministic:
		return "not deterministic"
	case OutcomeOutputSizeExceeded:
		return "output size exceeded"
	default:
		return "unknown"
	}
}

// RemoteResult is the record of one finished (or failed) build attempt.
// A fresh result is populated per attempt and handed back to the scheduler;
// it is never shared across attempts.
type RemoteResult struct {
	// Outcome is the scheduler-facing classification of the attempt.
	Outcome Outcome
	// ErrorMsg is the remote build's error message,
	// cleared for outcomes where it carries no information.
	ErrorMsg string
	// CanRetry reports whether the scheduler may retry the step elsewhere.
	CanRetry bool
	// CanCache reports whether a negative result may be cached.
	CanCache bool
	// IsCached reports whether the result was served from cache
	// or substitution rather than freshly built.
	IsCached bool

	// StartTime and StopTime bound the blocking wait for the build status,
	// which may include remote queueing.
	StartTime, StopTime time.Time
	// Overhead is the time spent on closure transfer and output copying,
	// outside the build itself.
	Overhead time.Duration
	// TimesBuilt is the number of rounds the remote machine performed.
	TimesBuilt uint64
	// IsNonDeterministic reports whether repeat rounds differed.
	IsNonDeterministic bool
	// BuiltOutputs holds per-output content-addressed results
	// reported by machines whose protocol version carries them.
	BuiltOutputs map[string]*serveproto.Realisation

	// LogFile is the path of the attempt's build log,
	// empty if the log was discarded because the result was cache-served.
	LogFile string
	// BytesSent and BytesReceived are the attempt's transfer totals.
	BytesSent, BytesReceived int64
}
