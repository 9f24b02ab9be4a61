// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

package buildremote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/thufschmitt/hydra/machine"
	"github.com/thufschmitt/hydra/serveproto"
	"github.com/thufschmitt/hydra/store"
	"zombiezen.com/go/log"
)

// ErrCancelled is returned by [Builder.Build] when the attempt's
// cancellation flag was set before any data was sent to the machine.
var ErrCancelled = errors.New("build step cancelled")

// A Builder executes build steps on remote machines.
// One Builder is shared by all concurrent attempts;
// its fields must not be modified after first use.
type Builder struct {
	// LocalStore is the store the queue runner reads derivations from.
	LocalStore store.Store
	// DestStore is the store build outputs are imported into.
	// May be the same as LocalStore.
	DestStore store.Store
	// Dial opens connections to machines.
	Dial DialFunc
	// LogDir is the directory build logs are written under.
	LogDir string
	// MaxOutputSize caps the total archive size of a step's outputs.
	// Zero means no limit.
	MaxOutputSize int64
	// CompressLog rewrites the build log as bzip2 once the attempt is over.
	CompressLog bool
}

// Build attempts to build step on m.
// Each phase transition is reported through report before the phase starts.
// Member metadata of fetched outputs is accumulated into members.
//
// Build returns a populated result for every attempt that got as far as
// a build status, whatever that status was; the result's Outcome is the
// scheduler's to interpret. An error return means the attempt broke down
// before or between protocol phases; the result is still returned,
// partially populated, for diagnostics.
// Any error other than [ErrCancelled] counts against the machine's
// health record.
func (b *Builder) Build(ctx context.Context, step *Step, active *ActiveStep, m *machine.Machine, opts *BuildOptions, report func(StepState), members *NARMemberSet) (result *RemoteResult, err error) {
	result = new(RemoteResult)
	defer func() {
		if err != nil && !errors.Is(err, ErrCancelled) {
			disabled := m.Health().RecordFailure(time.Now())
			if disabled > 0 {
				log.Warnf(ctx, "Will disable machine %s for %v", m, disabled)
			}
		}
	}()

	report(StateConnecting)

	logFile, logPath, err := openLogFile(b.LogDir, step.DrvPath)
	if err != nil {
		return result, err
	}
	defer logFile.Close()
	result.LogFile = logPath
	// Until the inputs have been sent, an early exit discards the log:
	// it holds nothing but connection noise.
	keepLog := false
	defer func() {
		if !keepLog {
			removeLog(ctx, result, logPath)
		}
	}()

	conn, err := b.Dial(ctx, m, logFile)
	if err != nil {
		return result, fmt.Errorf("build %s on %s: %w", step.DrvPath, m, err)
	}
	session := NewSession(conn, m)
	defer func() {
		sent, received, closeErr := session.Close()
		result.BytesSent = sent
		result.BytesReceived = received
		if err == nil && closeErr != nil {
			err = fmt.Errorf("build %s on %s: %w", step.DrvPath, m, closeErr)
		}
	}()
	token := active.beginRemote(conn.Pid())
	defer active.endRemote(token)

	m.Health().RecordSuccess()

	if active.Cancelled() {
		return result, fmt.Errorf("build %s on %s: %w", step.DrvPath, m, ErrCancelled)
	}

	report(StateSendingInputs)
	basic, err := resolveInputs(ctx, b.LocalStore, b.DestStore, step)
	if err != nil {
		return result, fmt.Errorf("build %s on %s: %w", step.DrvPath, m, err)
	}
	sendStart := time.Now()
	if err := session.SendClosure(ctx, b.DestStore, &basic.InputSources); err != nil {
		return result, fmt.Errorf("build %s on %s: %w", step.DrvPath, m, err)
	}
	result.Overhead += time.Since(sendStart)
	keepLog = true

	// Discard whatever the connection setup wrote to the log;
	// from here on it only carries build output.
	// The subprocess writes through a duplicate of this descriptor,
	// so rewinding here rewinds its offset too. Without the rewind,
	// the truncated file would start with a hole where the setup
	// chatter used to be.
	if _, err := logFile.Seek(0, io.SeekStart); err != nil {
		return result, fmt.Errorf("build %s on %s: truncate log: %w", step.DrvPath, m, err)
	}
	if err := logFile.Truncate(0); err != nil {
		return result, fmt.Errorf("build %s on %s: truncate log: %w", step.DrvPath, m, err)
	}

	report(StateBuilding)
	buildResult, startTime, stopTime, err := session.RunBuild(ctx, &serveproto.BuildDerivationRequest{
		DrvPath:            step.DrvPath,
		Derivation:         basic,
		MaxSilentTime:      opts.MaxSilentTime,
		BuildTimeout:       opts.BuildTimeout,
		MaxLogSize:         opts.MaxLogSize,
		Repeats:            opts.Repeats,
		EnforceDeterminism: opts.EnforceDeterminism,
		KeepFailed:         opts.KeepFailed,
	})
	result.StartTime = startTime
	result.StopTime = stopTime
	if err != nil {
		return result, err
	}
	result.TimesBuilt = buildResult.TimesBuilt
	result.IsNonDeterministic = buildResult.IsNonDeterministic
	result.BuiltOutputs = buildResult.BuiltOutputs
	classifyStatus(result, buildResult)
	if result.Outcome != OutcomeSuccess {
		return result, nil
	}

	if result.IsCached {
		// The build was served from cache or substitution;
		// the log holds nothing of interest.
		removeLog(ctx, result, logPath)
	}

	if !(m.IsLocalhost() && b.LocalStore == b.DestStore) {
		report(StateReceivingOutputs)
		outputs := slices.Collect(step.Derivation.OutputPaths().Values())
		infos, totalNARSize, err := session.QueryOutputs(ctx, outputs)
		if err != nil {
			return result, err
		}
		if b.MaxOutputSize > 0 && totalNARSize > b.MaxOutputSize {
			result.Outcome = OutcomeOutputSizeExceeded
			result.ErrorMsg = fmt.Sprintf("output of %s on %s is %d bytes, exceeding the limit of %d", step.DrvPath, m, totalNARSize, b.MaxOutputSize)
			return result, nil
		}
		copyStart := time.Now()
		if err := copyOutputs(ctx, session, b.DestStore, infos, members); err != nil {
			return result, err
		}
		result.Overhead += time.Since(copyStart)
	}

	report(StateDone)
	if b.CompressLog && result.LogFile != "" {
		compressed, err := compressLogFile(result.LogFile)
		if err != nil {
			log.Warnf(ctx, "%v", err)
		} else {
			result.LogFile = compressed
		}
	}
	return result, nil
}

func removeLog(ctx context.Context, result *RemoteResult, logPath string) {
	if result.LogFile == "" {
		return
	}
	if err := os.Remove(logPath); err != nil {
		log.Warnf(ctx, "Failed to remove log file %s: %v", logPath, err)
	}
	result.LogFile = ""
}

// classifyStatus translates a remote build status into the
// scheduler-facing outcome and its cacheable/retryable flags.
// The error message is cleared for statuses where it repeats
// information the outcome already carries.
func classifyStatus(result *RemoteResult, br *serveproto.BuildResult) {
	result.ErrorMsg = br.ErrorMsg
	switch br.Status {
	case serveproto.StatusBuilt:
		result.Outcome = OutcomeSuccess
	case serveproto.StatusSubstituted, serveproto.StatusAlreadyValid:
		result.Outcome = OutcomeSuccess
		result.IsCached = true
		result.ErrorMsg = ""
	case serveproto.StatusPermanentFailure:
		result.Outcome = OutcomeFailed
		result.CanCache = true
		result.ErrorMsg = ""
	case serveproto.StatusInputRejected, serveproto.StatusOutputRejected:
		result.Outcome = OutcomeFailed
		result.CanCache = true
	case serveproto.StatusTransientFailure:
		result.Outcome = OutcomeFailed
		result.CanRetry = true
		result.ErrorMsg = ""
	case serveproto.StatusTimedOut:
		result.Outcome = OutcomeTimedOut
	case serveproto.StatusMiscFailure:
		result.Outcome = OutcomeAborted
		result.CanRetry = true
	case serveproto.StatusLogLimitExceeded:
		result.Outcome = OutcomeLogLimitExceeded
	case serveproto.StatusNotDeterministic:
		result.Outcome = OutcomeNotDeterministic
		result.CanCache = true
	default:
		result.Outcome = OutcomeAborted
	}
}
