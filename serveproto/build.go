// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

package serveproto

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/thufschmitt/hydra/store"
)

// BuildStatus is the integer status code a remote machine reports for a build.
// The wire values must not be reordered.
type BuildStatus uint64

// Defined build statuses.
const (
	StatusBuilt BuildStatus = iota
	StatusSubstituted
	StatusAlreadyValid
	StatusPermanentFailure
	StatusInputRejected
	StatusOutputRejected
	StatusTransientFailure
	StatusCachedFailure
	StatusTimedOut
	StatusMiscFailure
	StatusDependencyFailed
	StatusLogLimitExceeded
	StatusNotDeterministic
)

// String returns the name of the status.
func (st BuildStatus) String() string {
	switch st {
	case StatusBuilt:
		return "built"
	case StatusSubstituted:
		return "substituted"
	case StatusAlreadyValid:
		return "already-valid"
	case StatusPermanentFailure:
		return "permanent-failure"
	case StatusInputRejected:
		return "input-rejected"
	case StatusOutputRejected:
		return "output-rejected"
	case StatusTransientFailure:
		return "transient-failure"
	case StatusCachedFailure:
		return "cached-failure"
	case StatusTimedOut:
		return "timed-out"
	case StatusMiscFailure:
		return "misc-failure"
	case StatusDependencyFailed:
		return "dependency-failed"
	case StatusLogLimitExceeded:
		return "log-limit-exceeded"
	case StatusNotDeterministic:
		return "not-deterministic"
	default:
		return fmt.Sprintf("status(%d)", uint64(st))
	}
}

// BuildDerivationRequest is the payload of a [CmdBuildDerivation] request.
type BuildDerivationRequest struct {
	// DrvPath is the store path of the derivation being built.
	DrvPath store.Path
	// Derivation is the resolved derivation to build.
	Derivation *store.BasicDerivation

	// MaxSilentTime is the maximum time the build may produce no output
	// before the remote side kills it.
	MaxSilentTime time.Duration
	// BuildTimeout is the maximum total duration of the build.
	BuildTimeout time.Duration
	// MaxLogSize is the maximum number of log bytes the build may produce.
	// Only sent when the negotiated version carries it.
	MaxLogSize uint64
	// Repeats is the number of times to repeat the build to check determinism.
	// Only sent when the negotiated version carries it.
	Repeats uint64
	// EnforceDeterminism makes differing repeat rounds a build failure.
	// Only sent when the negotiated version carries it.
	EnforceDeterminism bool
	// KeepFailed asks the remote side to keep the build directory on failure.
	// Only sent when the negotiated version carries it.
	KeepFailed bool
}

// WriteBuildDerivationRequest encodes req onto w,
// including only the optional fields active for version v.
// The caller is responsible for flushing w afterwards.
func WriteBuildDerivationRequest(w io.Writer, v Version, req *BuildDerivationRequest) error {
	if err := WriteUint64(w, uint64(CmdBuildDerivation)); err != nil {
		return fmt.Errorf("write build request: %w", err)
	}
	if err := WriteString(w, string(req.DrvPath)); err != nil {
		return fmt.Errorf("write build request: %w", err)
	}
	if err := writeDerivation(w, req.Derivation); err != nil {
		return fmt.Errorf("write build request: %w", err)
	}
	if err := WriteUint64(w, uint64(req.MaxSilentTime/time.Second)); err != nil {
		return fmt.Errorf("write build request: %w", err)
	}
	if err := WriteUint64(w, uint64(req.BuildTimeout/time.Second)); err != nil {
		return fmt.Errorf("write build request: %w", err)
	}
	f := features(v)
	if f.maxLogSize {
		if err := WriteUint64(w, req.MaxLogSize); err != nil {
			return fmt.Errorf("write build request: %w", err)
		}
	}
	if f.buildRounds {
		if err := WriteUint64(w, req.Repeats); err != nil {
			return fmt.Errorf("write build request: %w", err)
		}
		if err := WriteBool(w, req.EnforceDeterminism); err != nil {
			return fmt.Errorf("write build request: %w", err)
		}
	}
	if f.keepFailed {
		if err := WriteBool(w, req.KeepFailed); err != nil {
			return fmt.Errorf("write build request: %w", err)
		}
	}
	return nil
}

// ReadBuildDerivationRequest decodes the payload of a [CmdBuildDerivation] request
// (everything after the opcode) from r
// using the optional fields active for version v.
func ReadBuildDerivationRequest(r io.Reader, v Version) (*BuildDerivationRequest, error) {
	req := new(BuildDerivationRequest)
	drvPathString, err := ReadString(r)
	if err != nil {
		return nil, fmt.Errorf("read build request: %w", err)
	}
	req.DrvPath, err = store.ParsePath(drvPathString)
	if err != nil {
		return nil, fmt.Errorf("read build request: %v", err)
	}
	name, ok := req.DrvPath.DerivationName()
	if !ok {
		return nil, fmt.Errorf("read build request: %s is not a derivation", req.DrvPath)
	}
	if req.Derivation, err = readDerivation(r, name); err != nil {
		return nil, fmt.Errorf("read build request: %w", err)
	}
	maxSilent, err := ReadUint64(r)
	if err != nil {
		return nil, fmt.Errorf("read build request: %w", err)
	}
	req.MaxSilentTime = time.Duration(maxSilent) * time.Second
	timeout, err := ReadUint64(r)
	if err != nil {
		return nil, fmt.Errorf("read build request: %w", err)
	}
	req.BuildTimeout = time.Duration(timeout) * time.Second
	f := features(v)
	if f.maxLogSize {
		if req.MaxLogSize, err = ReadUint64(r); err != nil {
			return nil, fmt.Errorf("read build request: %w", err)
		}
	}
	if f.buildRounds {
		if req.Repeats, err = ReadUint64(r); err != nil {
			return nil, fmt.Errorf("read build request: %w", err)
		}
		if req.EnforceDeterminism, err = ReadBool(r); err != nil {
			return nil, fmt.Errorf("read build request: %w", err)
		}
	}
	if f.keepFailed {
		if req.KeepFailed, err = ReadBool(r); err != nil {
			return nil, fmt.Errorf("read build request: %w", err)
		}
	}
	return req, nil
}

// A Realisation is a content-addressed result for a single derivation output,
// reported by protocol versions that carry built outputs.
type Realisation struct {
	// ID identifies the derivation output ("<drv hash>!<output name>").
	ID string `json:"id"`
	// OutPath is the store path the output was realised at.
	OutPath store.Path `json:"outPath"`
	// Signatures is the set of signatures attached to the realisation.
	Signatures []string `json:"signatures,omitempty"`
}

// BuildResult is the decoded response to a [CmdBuildDerivation] request.
type BuildResult struct {
	// Status is the remote machine's status classification.
	Status BuildStatus
	// ErrorMsg is the remote machine's description of the failure, if any.
	ErrorMsg string

	// TimesBuilt is the number of rounds actually performed.
	// Zero if the negotiated version does not carry it.
	TimesBuilt uint64
	// IsNonDeterministic reports whether repeat rounds produced different outputs.
	IsNonDeterministic bool
	// StartTime and StopTime bound the final round's duration only,
	// not the cumulative duration across repeats.
	// Zero if the negotiated version does not carry them
	// or the remote side did not report them.
	StartTime, StopTime time.Time

	// BuiltOutputs holds per-output content-addressed results keyed by output ID.
	// Empty below the version that carries them.
	BuiltOutputs map[string]*Realisation
}

// ReadBuildResultTail decodes the remainder of a build response from r
// after the leading status integer has already been read,
// using the optional fields active for version v.
// The caller reads the status itself
// so that it can time the blocking wait on it.
func ReadBuildResultTail(r io.Reader, v Version, status BuildStatus) (*BuildResult, error) {
	result := &BuildResult{Status: status}
	var err error
	if result.ErrorMsg, err = ReadString(r); err != nil {
		return nil, fmt.Errorf("read build result: %w", err)
	}
	f := features(v)
	if f.buildRounds {
		if result.TimesBuilt, err = ReadUint64(r); err != nil {
			return nil, fmt.Errorf("read build result: %w", err)
		}
		if result.IsNonDeterministic, err = ReadBool(r); err != nil {
			return nil, fmt.Errorf("read build result: %w", err)
		}
		start, err := ReadUint64(r)
		if err != nil {
			return nil, fmt.Errorf("read build result: %w", err)
		}
		stop, err := ReadUint64(r)
		if err != nil {
			return nil, fmt.Errorf("read build result: %w", err)
		}
		if start != 0 && stop != 0 {
			result.StartTime = time.Unix(int64(start), 0)
			result.StopTime = time.Unix(int64(stop), 0)
		}
	}
	if f.builtOutputs {
		n, err := ReadUint64(r)
		if err != nil {
			return nil, fmt.Errorf("read build result: built outputs: %w", err)
		}
		if n > maxListSize {
			return nil, fmt.Errorf("read build result: too many built outputs (%d)", n)
		}
		result.BuiltOutputs = make(map[string]*Realisation, n)
		for range n {
			id, err := ReadString(r)
			if err != nil {
				return nil, fmt.Errorf("read build result: built outputs: %w", err)
			}
			doc, err := ReadString(r)
			if err != nil {
				return nil, fmt.Errorf("read build result: built output %s: %w", id, err)
			}
			realisation := new(Realisation)
			if err := jsonv2.Unmarshal([]byte(doc), realisation); err != nil {
				return nil, fmt.Errorf("read build result: built output %s: %v", id, err)
			}
			result.BuiltOutputs[id] = realisation
		}
	}
	return result, nil
}

// WriteBuildResult encodes a build response onto w
// using the optional fields active for version v.
func WriteBuildResult(w io.Writer, v Version, result *BuildResult) error {
	if err := WriteUint64(w, uint64(result.Status)); err != nil {
		return fmt.Errorf("write build result: %w", err)
	}
	if err := WriteString(w, result.ErrorMsg); err != nil {
		return fmt.Errorf("write build result: %w", err)
	}
	f := features(v)
	if f.buildRounds {
		if err := WriteUint64(w, result.TimesBuilt); err != nil {
			return fmt.Errorf("write build result: %w", err)
		}
		if err := WriteBool(w, result.IsNonDeterministic); err != nil {
			return fmt.Errorf("write build result: %w", err)
		}
		var start, stop uint64
		if !result.StartTime.IsZero() && !result.StopTime.IsZero() {
			start = uint64(result.StartTime.Unix())
			stop = uint64(result.StopTime.Unix())
		}
		if err := WriteUint64(w, start); err != nil {
			return fmt.Errorf("write build result: %w", err)
		}
		if err := WriteUint64(w, stop); err != nil {
			return fmt.Errorf("write build result: %w", err)
		}
	}
	if f.builtOutputs {
		if err := WriteUint64(w, uint64(len(result.BuiltOutputs))); err != nil {
			return fmt.Errorf("write build result: built outputs: %w", err)
		}
		for _, id := range slices.Sorted(maps.Keys(result.BuiltOutputs)) {
			if err := WriteString(w, id); err != nil {
				return fmt.Errorf("write build result: built outputs: %w", err)
			}
			doc, err := jsonv2.Marshal(result.BuiltOutputs[id])
			if err != nil {
				return fmt.Errorf("write build result: built output %s: %v", id, err)
			}
			if err := WriteString(w, string(doc)); err != nil {
				return fmt.Errorf("write build result: built output %s: %w", id, err)
			}
		}
	}
	return nil
}

// writeDerivation encodes a [store.BasicDerivation] onto w.
func writeDerivation(w io.Writer, drv *store.BasicDerivation) error {
	if err := WriteUint64(w, uint64(len(drv.Outputs))); err != nil {
		return err
	}
	for _, outName := range drv.OutputNames() {
		out := drv.Outputs[outName]
		if err := WriteString(w, outName); err != nil {
			return err
		}
		if err := WriteString(w, string(out.Path)); err != nil {
			return err
		}
		if err := WriteString(w, out.HashAlgo); err != nil {
			return err
		}
		if err := WriteString(w, out.Hash); err != nil {
			return err
		}
	}
	srcs := make([]string, 0, drv.InputSources.Len())
	for src := range drv.InputSources.Values() {
		srcs = append(srcs, string(src))
	}
	if err := WriteStrings(w, srcs); err != nil {
		return err
	}
	if err := WriteString(w, drv.System); err != nil {
		return err
	}
	if err := WriteString(w, drv.Builder); err != nil {
		return err
	}
	if err := WriteStrings(w, drv.Args); err != nil {
		return err
	}
	if err := WriteUint64(w, uint64(len(drv.Env))); err != nil {
		return err
	}
	for _, k := range slices.Sorted(maps.Keys(drv.Env)) {
		if err := WriteString(w, k); err != nil {
			return err
		}
		if err := WriteString(w, drv.Env[k]); err != nil {
			return err
		}
	}
	return nil
}

// readDerivation decodes a [store.BasicDerivation] from r.
func readDerivation(r io.Reader, name string) (*store.BasicDerivation, error) {
	drv := &store.BasicDerivation{Name: name}
	nOutputs, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}
	if nOutputs > maxListSize {
		return nil, fmt.Errorf("too many outputs (%d)", nOutputs)
	}
	drv.Outputs = make(map[string]*store.DerivationOutput, nOutputs)
	for range nOutputs {
		outName, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		out := new(store.DerivationOutput)
		pathString, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		if pathString != "" {
			if out.Path, err = store.ParsePath(pathString); err != nil {
				return nil, fmt.Errorf("output %s: %v", outName, err)
			}
		}
		if out.HashAlgo, err = ReadString(r); err != nil {
			return nil, err
		}
		if out.Hash, err = ReadString(r); err != nil {
			return nil, err
		}
		drv.Outputs[outName] = out
	}
	srcs, err := ReadStrings(r)
	if err != nil {
		return nil, err
	}
	drv.InputSources.Grow(len(srcs))
	for _, src := range srcs {
		p, err := store.ParsePath(src)
		if err != nil {
			return nil, fmt.Errorf("input sources: %v", err)
		}
		drv.InputSources.Add(p)
	}
	if drv.System, err = ReadString(r); err != nil {
		return nil, err
	}
	if drv.Builder, err = ReadString(r); err != nil {
		return nil, err
	}
	if drv.Args, err = ReadStrings(r); err != nil {
		return nil, err
	}
	nEnv, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}
	if nEnv > maxListSize {
		return nil, fmt.Errorf("too many environment variables (%d)", nEnv)
	}
	drv.Env = make(map[string]string, nEnv)
	for range nEnv {
		k, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		v, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		drv.Env[k] = v
	}
	return drv, nil
}
