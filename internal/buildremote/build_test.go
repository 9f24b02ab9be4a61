// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

package buildremote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/thufschmitt/hydra/internal/serveconn"
	"github.com/thufschmitt/hydra/internal/storetest"
	"github.com/thufschmitt/hydra/internal/testcontext"
	"github.com/thufschmitt/hydra/machine"
	"github.com/thufschmitt/hydra/serveproto"
	"github.com/thufschmitt/hydra/sets"
	"github.com/thufschmitt/hydra/store"
	"zombiezen.com/go/log/testlog"
	"zombiezen.com/go/nix"
)

// fakeRemote is an in-process store daemon
// serving the protocol over a [net.Pipe].
// Its store plays the role of the remote machine's store.
type fakeRemote struct {
	store *storetest.MapStore
	build func(req *serveproto.BuildDerivationRequest) *serveproto.BuildResult

	mu      sync.Mutex
	dumps   int
	request *serveproto.BuildDerivationRequest
}

func (fr *fakeRemote) dialFunc() DialFunc {
	return func(ctx context.Context, m *machine.Machine, logFile *os.File) (Connection, error) {
		c1, c2 := net.Pipe()
		go fr.serve(c2)
		return serveconn.New(ctx, c1, 1234)
	}
}

// serve handles protocol requests until the client hangs up.
// Protocol errors terminate the connection;
// the client observes them as stream errors.
func (fr *fakeRemote) serve(conn net.Conn) {
	defer conn.Close()
	version, err := serveproto.ServerHandshake(conn)
	if err != nil {
		return
	}
	ctx := context.Background()
	for {
		op, err := serveproto.ReadUint64(conn)
		if err != nil {
			return
		}
		switch serveproto.Command(op) {
		case serveproto.CmdQueryValidPaths:
			if _, err := serveproto.ReadBool(conn); err != nil {
				return
			}
			if _, err := serveproto.ReadBool(conn); err != nil {
				return
			}
			paths, err := serveproto.ReadPathList(conn)
			if err != nil {
				return
			}
			present := make([]store.Path, 0, len(paths))
			for _, p := range paths {
				if ok, _ := fr.store.PathExists(ctx, p); ok {
					present = append(present, p)
				}
			}
			if err := serveproto.WritePathList(conn, present); err != nil {
				return
			}
		case serveproto.CmdImportPaths:
			if err := serveproto.ReceiveExport(&importReceiver{dst: fr.store}, conn); err != nil {
				return
			}
			if err := serveproto.WriteUint64(conn, 1); err != nil {
				return
			}
		case serveproto.CmdQueryPathInfos:
			paths, err := serveproto.ReadPathList(conn)
			if err != nil {
				return
			}
			for _, p := range paths {
				info, err := fr.store.QueryPathInfo(ctx, p)
				if err != nil {
					continue
				}
				if err := serveproto.WritePathInfo(conn, info); err != nil {
					return
				}
			}
			if err := serveproto.WritePathInfoSentinel(conn); err != nil {
				return
			}
		case serveproto.CmdDumpStorePath:
			pathString, err := serveproto.ReadString(conn)
			if err != nil {
				return
			}
			p, err := store.ParsePath(pathString)
			if err != nil {
				return
			}
			fr.mu.Lock()
			fr.dumps++
			fr.mu.Unlock()
			if err := fr.store.DumpPath(ctx, conn, p); err != nil {
				return
			}
		case serveproto.CmdBuildDerivation:
			req, err := serveproto.ReadBuildDerivationRequest(conn, version)
			if err != nil {
				return
			}
			fr.mu.Lock()
			fr.request = req
			fr.mu.Unlock()
			if err := serveproto.WriteBuildResult(conn, version, fr.build(req)); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (fr *fakeRemote) dumpCount() int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.dumps
}

func (fr *fakeRemote) buildRequest() *serveproto.BuildDerivationRequest {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.request
}

// importReceiver stores the objects of an import stream into dst.
type importReceiver struct {
	dst *storetest.MapStore
	buf bytes.Buffer
}

func (ir *importReceiver) Write(p []byte) (int, error) {
	return ir.buf.Write(p)
}

func (ir *importReceiver) ReceiveNAR(trailer *serveproto.ExportTrailer) error {
	narBytes := bytes.Clone(ir.buf.Bytes())
	ir.buf.Reset()
	h := nix.NewHasher(nix.SHA256)
	h.Write(narBytes)
	info := &store.ValidPathInfo{
		StorePath: trailer.StorePath,
		Deriver:   trailer.Deriver,
		NARHash:   h.SumHash(),
		NARSize:   int64(len(narBytes)),
	}
	info.References.AddSet(&trailer.References)
	return ir.dst.AddToStore(context.Background(), info, bytes.NewReader(narBytes))
}

const (
	outAPath = store.Path("/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-hello-2.12")
	outBPath = store.Path("/nix/store/bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb-hello-2.12-doc")
)

// A fixture is a local store holding a buildable step's inputs
// and a fake remote machine to build it on:
// the step's derivation has two outputs (the second referencing the first),
// one input source, and one input derivation
// that references one declared output and one undeclared one.
type fixture struct {
	local  *storetest.MapStore
	remote *fakeRemote
	m      *machine.Machine
	step   *Step

	libc, depOut store.Path
}

func newFixture(tb testing.TB) *fixture {
	tb.Helper()
	f := &fixture{
		local:  storetest.New("/nix/store"),
		remote: &fakeRemote{store: storetest.New("/nix/store")},
		m: &machine.Machine{
			SSHName:     "builder1.example.com",
			SystemTypes: []string{"x86_64-linux"},
		},
	}

	var err error
	f.libc, err = f.local.AddFile("libc-2.40", []byte("libc"))
	if err != nil {
		tb.Fatal(err)
	}
	f.depOut, err = f.local.AddFile("dep-1.0", []byte("dep library"))
	if err != nil {
		tb.Fatal(err)
	}
	depDrv := &store.Derivation{
		Dir:  "/nix/store",
		Name: "dep-1.0",
		Outputs: map[string]*store.DerivationOutput{
			"out": {Path: f.depOut},
		},
		System:  "x86_64-linux",
		Builder: "/bin/sh",
		Args:    []string{"-c", "build"},
		Env:     map[string]string{"out": string(f.depOut)},
	}
	depDrvPath, err := f.local.AddDerivation(depDrv)
	if err != nil {
		tb.Fatal(err)
	}

	stepDrv := &store.Derivation{
		Dir:  "/nix/store",
		Name: "hello-2.12",
		Outputs: map[string]*store.DerivationOutput{
			"out": {Path: outAPath},
			"doc": {Path: outBPath},
		},
		InputDerivations: map[store.Path]*sets.Sorted[string]{
			// "man" is not an output the input derivation declares;
			// resolution must skip it.
			depDrvPath: sets.NewSorted("man", "out"),
		},
		InputSources: *sets.NewSorted(f.libc),
		System:       "x86_64-linux",
		Builder:      "/bin/sh",
		Args:         []string{"-c", "build"},
		Env:          map[string]string{"out": string(outAPath), "doc": string(outBPath)},
	}
	drvPath, err := f.local.AddDerivation(stepDrv)
	if err != nil {
		tb.Fatal(err)
	}
	f.step = &Step{DrvPath: drvPath, Derivation: stepDrv}
	return f
}

func (f *fixture) builder(tb testing.TB) *Builder {
	return &Builder{
		LocalStore: f.local,
		DestStore:  f.local,
		Dial:       f.remote.dialFunc(),
		LogDir:     tb.TempDir(),
	}
}

// addOutput inserts a single-file store object at a fixed path into dst.
func addOutput(tb testing.TB, dst *storetest.MapStore, path store.Path, content []byte, refs ...store.Path) {
	tb.Helper()
	buf := new(bytes.Buffer)
	if err := storetest.SingleFileNAR(buf, content); err != nil {
		tb.Fatal(err)
	}
	h := nix.NewHasher(nix.SHA256)
	h.Write(buf.Bytes())
	info := &store.ValidPathInfo{
		StorePath: path,
		NARHash:   h.SumHash(),
		NARSize:   int64(buf.Len()),
	}
	info.References.Add(refs...)
	if err := dst.AddToStore(context.Background(), info, bytes.NewReader(buf.Bytes())); err != nil {
		tb.Fatal(err)
	}
}

func TestBuildSuccess(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	f := newFixture(t)
	contentA := []byte("hello, world\n")
	addOutput(t, f.remote.store, outAPath, contentA)
	addOutput(t, f.remote.store, outBPath, []byte("documentation"), outAPath)
	f.remote.build = func(req *serveproto.BuildDerivationRequest) *serveproto.BuildResult {
		return &serveproto.BuildResult{
			Status:     serveproto.StatusBuilt,
			TimesBuilt: 1,
			StartTime:  time.Unix(1700000000, 0),
			StopTime:   time.Unix(1700000100, 0),
		}
	}

	b := f.builder(t)
	var states []StepState
	active := new(ActiveStep)
	members := new(NARMemberSet)
	result, err := b.Build(ctx, f.step, active, f.m, new(BuildOptions), func(s StepState) {
		states = append(states, s)
	}, members)
	if err != nil {
		t.Fatal("Build:", err)
	}
	if result.Outcome != OutcomeSuccess {
		t.Errorf("outcome = %v; want %v (error message %q)", result.Outcome, OutcomeSuccess, result.ErrorMsg)
	}
	if result.TimesBuilt != 1 {
		t.Errorf("times built = %d; want 1", result.TimesBuilt)
	}
	if result.IsCached {
		t.Error("result marked as cached")
	}
	if result.StartTime.IsZero() || result.StopTime.IsZero() {
		t.Error("result is missing start/stop times")
	}

	// The closure went over, the step derivation itself did not.
	for _, p := range []store.Path{f.libc, f.depOut} {
		if !f.remote.store.Paths().Has(p) {
			t.Errorf("machine store is missing closure member %s", p)
		}
	}
	if f.remote.store.Paths().Has(f.step.DrvPath) {
		t.Errorf("derivation %s was exported to the machine", f.step.DrvPath)
	}
	if req := f.remote.buildRequest(); req == nil {
		t.Error("machine never saw a build request")
	} else {
		wantSources := []store.Path{f.depOut, f.libc}
		slices.Sort(wantSources)
		var gotSources []store.Path
		for p := range req.Derivation.InputSources.Values() {
			gotSources = append(gotSources, p)
		}
		if diff := cmp.Diff(wantSources, gotSources); diff != "" {
			t.Errorf("request input sources (-want +got):\n%s", diff)
		}
	}

	// Outputs were imported referenced-first.
	wantOrder := []store.Path{outAPath, outBPath}
	if diff := cmp.Diff(wantOrder, f.local.AddOrder()); diff != "" {
		t.Errorf("import order (-want +got):\n%s", diff)
	}
	// The dump stream carries no trailer; the importer must stop at
	// exactly the archive boundary for the next fetch to line up.
	for _, p := range wantOrder {
		if got, want := f.local.NAR(p), f.remote.store.NAR(p); !bytes.Equal(got, want) {
			t.Errorf("imported archive for %s differs from the machine's copy", p)
		}
	}
	if got := members.Len(); got != 2 {
		t.Errorf("recorded %d archive members; want 2", got)
	}
	if m := members.Lookup(outAPath.Base()); m == nil {
		t.Errorf("no member recorded for %s", outAPath.Base())
	} else {
		if !m.Mode.IsRegular() {
			t.Errorf("member mode = %v; want regular", m.Mode)
		}
		if m.Size != int64(len(contentA)) {
			t.Errorf("member size = %d; want %d", m.Size, len(contentA))
		}
	}

	if result.LogFile == "" {
		t.Error("no log file recorded")
	} else if _, err := os.Stat(result.LogFile); err != nil {
		t.Error("log file:", err)
	}
	if result.BytesSent <= 0 || result.BytesReceived <= 0 {
		t.Errorf("transfer totals = %d sent, %d received; want both positive", result.BytesSent, result.BytesReceived)
	}
	if got := f.m.Stats().Snapshot(); got.BytesSent != result.BytesSent || got.BytesReceived != result.BytesReceived {
		t.Errorf("machine counters = %+v; want %d sent, %d received", got, result.BytesSent, result.BytesReceived)
	}
	if !f.m.Health().Enabled(time.Now()) {
		t.Error("machine disabled after a successful build")
	}
	if _, _, ok := active.RemoteProcess(); ok {
		t.Error("remote process still recorded after the attempt")
	}

	wantStates := []StepState{StateConnecting, StateSendingInputs, StateBuilding, StateReceivingOutputs, StateDone}
	if diff := cmp.Diff(wantStates, states); diff != "" {
		t.Errorf("states (-want +got):\n%s", diff)
	}
}

func TestBuildCached(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	f := newFixture(t)
	// Both sides already have the outputs:
	// nothing should be fetched, and the log holds nothing of interest.
	for _, dst := range []*storetest.MapStore{f.remote.store, f.local} {
		addOutput(t, dst, outAPath, []byte("hello, world\n"))
		addOutput(t, dst, outBPath, []byte("documentation"), outAPath)
	}
	f.remote.build = func(req *serveproto.BuildDerivationRequest) *serveproto.BuildResult {
		return &serveproto.BuildResult{Status: serveproto.StatusAlreadyValid}
	}

	b := f.builder(t)
	result, err := b.Build(ctx, f.step, new(ActiveStep), f.m, new(BuildOptions), func(StepState) {}, new(NARMemberSet))
	if err != nil {
		t.Fatal("Build:", err)
	}
	if result.Outcome != OutcomeSuccess {
		t.Errorf("outcome = %v; want %v", result.Outcome, OutcomeSuccess)
	}
	if !result.IsCached {
		t.Error("result not marked as cached")
	}
	if result.LogFile != "" {
		t.Errorf("log file = %q; want empty", result.LogFile)
	}
	logPath := logFilePath(b.LogDir, f.step.DrvPath)
	if _, err := os.Stat(logPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("stat discarded log: %v; want not exist", err)
	}
	if got := f.remote.dumpCount(); got != 0 {
		t.Errorf("%d outputs fetched; want 0", got)
	}
}

func TestBuildFailed(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	f := newFixture(t)
	f.remote.build = func(req *serveproto.BuildDerivationRequest) *serveproto.BuildResult {
		return &serveproto.BuildResult{
			Status:   serveproto.StatusPermanentFailure,
			ErrorMsg: "builder exited with status 1",
		}
	}

	b := f.builder(t)
	result, err := b.Build(ctx, f.step, new(ActiveStep), f.m, new(BuildOptions), func(StepState) {}, new(NARMemberSet))
	if err != nil {
		t.Fatal("Build:", err)
	}
	if result.Outcome != OutcomeFailed {
		t.Errorf("outcome = %v; want %v", result.Outcome, OutcomeFailed)
	}
	if !result.CanCache {
		t.Error("permanent failure not cacheable")
	}
	if result.CanRetry {
		t.Error("permanent failure marked retryable")
	}
	// A failed build is the step's fault, not the machine's.
	if !f.m.Health().Enabled(time.Now()) {
		t.Error("machine disabled after a failed build")
	}
	// The log of a failed build is the whole point of keeping logs.
	if result.LogFile == "" {
		t.Error("no log file recorded")
	} else if _, err := os.Stat(result.LogFile); err != nil {
		t.Error("log file:", err)
	}
	if got := f.remote.dumpCount(); got != 0 {
		t.Errorf("%d outputs fetched from a failed build; want 0", got)
	}
}

func TestBuildOutputSizeExceeded(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	f := newFixture(t)
	addOutput(t, f.remote.store, outAPath, []byte("hello, world\n"))
	addOutput(t, f.remote.store, outBPath, []byte("documentation"), outAPath)
	f.remote.build = func(req *serveproto.BuildDerivationRequest) *serveproto.BuildResult {
		return &serveproto.BuildResult{Status: serveproto.StatusBuilt}
	}

	b := f.builder(t)
	b.MaxOutputSize = 16
	result, err := b.Build(ctx, f.step, new(ActiveStep), f.m, new(BuildOptions), func(StepState) {}, new(NARMemberSet))
	if err != nil {
		t.Fatal("Build:", err)
	}
	if result.Outcome != OutcomeOutputSizeExceeded {
		t.Errorf("outcome = %v; want %v", result.Outcome, OutcomeOutputSizeExceeded)
	}
	if result.ErrorMsg == "" {
		t.Error("no error message for oversized output")
	}
	// The size ceiling must trip before any bytes are transferred.
	if got := f.remote.dumpCount(); got != 0 {
		t.Errorf("%d outputs fetched; want 0", got)
	}
	if got := f.local.Paths(); got.Has(outAPath) || got.Has(outBPath) {
		t.Error("oversized outputs were imported anyway")
	}
}

func TestBuildCancelled(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	f := newFixture(t)
	f.remote.build = func(req *serveproto.BuildDerivationRequest) *serveproto.BuildResult {
		t.Error("cancelled step reached the build phase")
		return &serveproto.BuildResult{Status: serveproto.StatusMiscFailure}
	}

	active := new(ActiveStep)
	active.Cancel()
	b := f.builder(t)
	_, err := b.Build(ctx, f.step, active, f.m, new(BuildOptions), func(StepState) {}, new(NARMemberSet))
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Build error = %v; want %v", err, ErrCancelled)
	}
	// Cancellation is not the machine's fault.
	if !f.m.Health().Enabled(time.Now()) {
		t.Error("machine disabled after a cancelled attempt")
	}
	// The machine never saw any inputs.
	if f.remote.store.Paths().Has(f.libc) {
		t.Error("cancelled step sent its closure anyway")
	}
}

func TestBuildDialFailure(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	f := newFixture(t)

	b := f.builder(t)
	b.Dial = func(ctx context.Context, m *machine.Machine, logFile *os.File) (Connection, error) {
		return nil, fmt.Errorf("connect to %s: connection refused", m)
	}
	_, err := b.Build(ctx, f.step, new(ActiveStep), f.m, new(BuildOptions), func(StepState) {}, new(NARMemberSet))
	if err == nil {
		t.Fatal("Build succeeded with a failing dialer")
	}
	if f.m.Health().Enabled(time.Now()) {
		t.Error("machine still enabled after a connection failure")
	}
	snap := f.m.Health().Snapshot()
	if snap.ConsecutiveFailures != 1 {
		t.Errorf("consecutive failures = %d; want 1", snap.ConsecutiveFailures)
	}
}

func TestBuildCompressesLog(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	f := newFixture(t)
	addOutput(t, f.remote.store, outAPath, []byte("hello, world\n"))
	addOutput(t, f.remote.store, outBPath, []byte("documentation"), outAPath)
	f.remote.build = func(req *serveproto.BuildDerivationRequest) *serveproto.BuildResult {
		return &serveproto.BuildResult{Status: serveproto.StatusBuilt}
	}

	b := f.builder(t)
	b.CompressLog = true
	result, err := b.Build(ctx, f.step, new(ActiveStep), f.m, new(BuildOptions), func(StepState) {}, new(NARMemberSet))
	if err != nil {
		t.Fatal("Build:", err)
	}
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %v; want %v", result.Outcome, OutcomeSuccess)
	}
	wantLog := logFilePath(b.LogDir, f.step.DrvPath) + ".bz2"
	if result.LogFile != wantLog {
		t.Errorf("log file = %q; want %q", result.LogFile, wantLog)
	}
	if _, err := os.Stat(wantLog); err != nil {
		t.Error("compressed log:", err)
	}
	if _, err := os.Stat(logFilePath(b.LogDir, f.step.DrvPath)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("stat uncompressed log: %v; want not exist", err)
	}
}

func TestBuildLogRewind(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	f := newFixture(t)
	addOutput(t, f.remote.store, outAPath, []byte("hello, world\n"))
	addOutput(t, f.remote.store, outBPath, []byte("documentation"), outAPath)

	// The dialer and the machine write to the log through the same
	// descriptor the builder truncates, as the ssh subprocess would.
	// Everything written before the build phase must be discarded
	// without leaving a hole at the start of the file.
	b := f.builder(t)
	dial := b.Dial
	var logFile *os.File
	b.Dial = func(ctx context.Context, m *machine.Machine, lf *os.File) (Connection, error) {
		logFile = lf
		if _, err := lf.WriteString("connection chatter\n"); err != nil {
			t.Error("write chatter:", err)
		}
		return dial(ctx, m, lf)
	}
	f.remote.build = func(req *serveproto.BuildDerivationRequest) *serveproto.BuildResult {
		if _, err := logFile.WriteString("building hello\n"); err != nil {
			t.Error("write build output:", err)
		}
		return &serveproto.BuildResult{Status: serveproto.StatusBuilt}
	}

	result, err := b.Build(ctx, f.step, new(ActiveStep), f.m, new(BuildOptions), func(StepState) {}, new(NARMemberSet))
	if err != nil {
		t.Fatal("Build:", err)
	}
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %v; want %v", result.Outcome, OutcomeSuccess)
	}
	got, err := os.ReadFile(result.LogFile)
	if err != nil {
		t.Fatal(err)
	}
	if want := "building hello\n"; string(got) != want {
		t.Errorf("log file = %q; want %q", got, want)
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status serveproto.BuildStatus
		want   RemoteResult
	}{
		{serveproto.StatusBuilt, RemoteResult{Outcome: OutcomeSuccess, ErrorMsg: "msg"}},
		{serveproto.StatusSubstituted, RemoteResult{Outcome: OutcomeSuccess, IsCached: true}},
		{serveproto.StatusAlreadyValid, RemoteResult{Outcome: OutcomeSuccess, IsCached: true}},
		{serveproto.StatusPermanentFailure, RemoteResult{Outcome: OutcomeFailed, CanCache: true}},
		{serveproto.StatusInputRejected, RemoteResult{Outcome: OutcomeFailed, CanCache: true, ErrorMsg: "msg"}},
		{serveproto.StatusOutputRejected, RemoteResult{Outcome: OutcomeFailed, CanCache: true, ErrorMsg: "msg"}},
		{serveproto.StatusTransientFailure, RemoteResult{Outcome: OutcomeFailed, CanRetry: true}},
		{serveproto.StatusTimedOut, RemoteResult{Outcome: OutcomeTimedOut, ErrorMsg: "msg"}},
		{serveproto.StatusMiscFailure, RemoteResult{Outcome: OutcomeAborted, CanRetry: true, ErrorMsg: "msg"}},
		{serveproto.StatusLogLimitExceeded, RemoteResult{Outcome: OutcomeLogLimitExceeded, ErrorMsg: "msg"}},
		{serveproto.StatusNotDeterministic, RemoteResult{Outcome: OutcomeNotDeterministic, CanCache: true, ErrorMsg: "msg"}},
		{serveproto.StatusCachedFailure, RemoteResult{Outcome: OutcomeAborted, ErrorMsg: "msg"}},
		{serveproto.StatusDependencyFailed, RemoteResult{Outcome: OutcomeAborted, ErrorMsg: "msg"}},
	}
	for _, test := range tests {
		got := new(RemoteResult)
		classifyStatus(got, &serveproto.BuildResult{Status: test.status, ErrorMsg: "msg"})
		if diff := cmp.Diff(&test.want, got); diff != "" {
			t.Errorf("classifyStatus(%v) (-want +got):\n%s", test.status, diff)
		}
	}
}

func TestResolveInputs(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	f := newFixture(t)
	dest := storetest.New("/nix/store")

	basic, err := resolveInputs(ctx, f.local, dest, f.step)
	if err != nil {
		t.Fatal("resolveInputs:", err)
	}
	want := []store.Path{f.depOut, f.libc}
	slices.Sort(want)
	var got []store.Path
	for p := range basic.InputSources.Values() {
		got = append(got, p)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("input sources (-want +got):\n%s", diff)
	}

	// The declared input sources were copied into the destination store;
	// resolved outputs of input derivations were not.
	if !dest.Paths().Has(f.libc) {
		t.Errorf("destination store is missing %s", f.libc)
	}
	if dest.Paths().Has(f.depOut) {
		t.Errorf("destination store has %s; only declared sources should be copied", f.depOut)
	}
}

func TestActiveStepTokens(t *testing.T) {
	active := new(ActiveStep)
	if _, _, ok := active.RemoteProcess(); ok {
		t.Error("fresh attempt reports a remote process")
	}
	token1 := active.beginRemote(100)
	pid, token, ok := active.RemoteProcess()
	if !ok || pid != 100 || token != token1 {
		t.Errorf("RemoteProcess() = %d, %v, %t; want 100, %v, true", pid, token, ok, token1)
	}

	// A stale token must not clear a newer occupancy of the same pid.
	token2 := active.beginRemote(100)
	active.endRemote(token1)
	if _, token, ok := active.RemoteProcess(); !ok || token != token2 {
		t.Errorf("RemoteProcess() after stale end = %v, %t; want %v, true", token, ok, token2)
	}
	active.endRemote(token2)
	if _, _, ok := active.RemoteProcess(); ok {
		t.Error("remote process still recorded after endRemote")
	}
}

func TestMain(m *testing.M) {
	testlog.Main(nil)
	os.Exit(m.Run())
}
