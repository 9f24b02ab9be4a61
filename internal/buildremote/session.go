// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

package buildremote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/thufschmitt/hydra/machine"
	"github.com/thufschmitt/hydra/serveproto"
	"github.com/thufschmitt/hydra/sets"
	"github.com/thufschmitt/hydra/store"
	"zombiezen.com/go/log"
)

// A Connection is one live bidirectional byte stream to a machine's
// store daemon, with its negotiated protocol version
// and running transfer counts.
type Connection interface {
	io.ReadWriter

	// Flush writes any buffered request bytes to the stream.
	Flush() error
	// Version returns the protocol version negotiated at connection time.
	Version() serveproto.Version
	// Pid returns the process identifier backing the stream,
	// or zero if there is none.
	Pid() int
	// BytesWritten returns the number of bytes sent so far.
	BytesWritten() int64
	// BytesRead returns the number of bytes received so far.
	BytesRead() int64

	io.Closer
}

// A DialFunc opens a connection to a machine's store daemon.
// The subprocess backing the connection (if any) writes its standard error
// to logFile, so that remote build output reaches the build log
// without passing through the protocol stream.
type DialFunc func(ctx context.Context, m *machine.Machine, logFile *os.File) (Connection, error)

// A Session owns one live connection to one machine
// and offers the serve protocol's operations as sequential calls.
// The protocol has no request framing beyond strict alternation,
// so a Session must not be used concurrently.
type Session struct {
	conn    Connection
	machine *machine.Machine
}

// NewSession wraps an established connection.
// The session takes ownership of conn;
// [Session.Close] closes it and accounts its transfer totals
// into the machine's running counters.
func NewSession(conn Connection, m *machine.Machine) *Session {
	return &Session{conn: conn, machine: m}
}

// Version returns the connection's negotiated protocol version.
func (s *Session) Version() serveproto.Version {
	return s.conn.Version()
}

// Close closes the underlying connection and adds its transfer totals
// to the machine's counters.
// It returns the attempt's sent/received byte counts.
// Accounting happens even if the session failed partway.
func (s *Session) Close() (sent, received int64, err error) {
	sent = s.conn.BytesWritten()
	received = s.conn.BytesRead()
	s.machine.Stats().AddTransfer(sent, received)
	return sent, received, s.conn.Close()
}

// SendClosure copies the closure of paths from src into the machine's store.
// Paths the machine already has are not re-sent,
// so sending an already-present closure is cheap and idempotent.
// Closure members missing from src are skipped:
// substitution may have dropped them, and the remote side
// either has them already or will fail the build with a clear error.
func (s *Session) SendClosure(ctx context.Context, src store.Store, paths *sets.Sorted[store.Path]) error {
	closure, err := store.ComputeFSClosure(ctx, src, paths)
	if err != nil {
		return fmt.Errorf("send closure to %s: %w", s.machine, err)
	}
	infos := make(map[store.Path]*store.ValidPathInfo, closure.Len())
	for path := range closure.All() {
		info, err := src.QueryPathInfo(ctx, path)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("send closure to %s: %w", s.machine, err)
		}
		infos[path] = info
	}
	order, err := store.SortByReferences(infos)
	if err != nil {
		return fmt.Errorf("send closure to %s: %w", s.machine, err)
	}

	if err := serveproto.WriteQueryValidPaths(s.conn, true, false, order); err != nil {
		return fmt.Errorf("send closure to %s: %w", s.machine, err)
	}
	if err := s.conn.Flush(); err != nil {
		return fmt.Errorf("send closure to %s: %w", s.machine, err)
	}
	present, err := serveproto.ReadPathList(s.conn)
	if err != nil {
		return fmt.Errorf("send closure to %s: %w", s.machine, err)
	}
	presentSet := sets.New(present...)

	missing := 0
	for _, path := range order {
		if !presentSet.Has(path) {
			missing++
		}
	}
	log.Debugf(ctx, "Sending %d of %d store paths to %s", missing, len(order), s.machine)
	if missing == 0 {
		return nil
	}

	if err := serveproto.WriteImportPaths(s.conn); err != nil {
		return fmt.Errorf("send closure to %s: %w", s.machine, err)
	}
	ew := serveproto.NewExportWriter(s.conn)
	for _, path := range order {
		if presentSet.Has(path) {
			continue
		}
		info := infos[path]
		if err := src.DumpPath(ctx, ew, path); err != nil {
			return fmt.Errorf("send closure to %s: export %s: %w", s.machine, path, err)
		}
		trailer := &serveproto.ExportTrailer{
			StorePath: path,
			Deriver:   info.Deriver,
		}
		trailer.References.AddSet(&info.References)
		if err := ew.Trailer(trailer); err != nil {
			return fmt.Errorf("send closure to %s: export %s: %w", s.machine, path, err)
		}
	}
	if err := ew.Close(); err != nil {
		return fmt.Errorf("send closure to %s: %w", s.machine, err)
	}
	if err := s.conn.Flush(); err != nil {
		return fmt.Errorf("send closure to %s: %w", s.machine, err)
	}
	status, err := serveproto.ReadUint64(s.conn)
	if err != nil {
		return fmt.Errorf("send closure to %s: %w", s.machine, err)
	}
	if status != 1 {
		return fmt.Errorf("send closure to %s: remote import failed", s.machine)
	}
	return nil
}

// RunBuild dispatches a build request and blocks until the machine
// reports a status.
// startTime and stopTime bound the entire blocking wait for the status,
// which may include time the build spent queued on the remote side.
func (s *Session) RunBuild(ctx context.Context, req *serveproto.BuildDerivationRequest) (_ *serveproto.BuildResult, startTime, stopTime time.Time, err error) {
	v := s.conn.Version()
	if err := serveproto.WriteBuildDerivationRequest(s.conn, v, req); err != nil {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("build %s on %s: %w", req.DrvPath, s.machine, err)
	}
	startTime = time.Now()
	if err := s.conn.Flush(); err != nil {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("build %s on %s: %w", req.DrvPath, s.machine, err)
	}
	status, err := serveproto.ReadUint64(s.conn)
	stopTime = time.Now()
	if err != nil {
		return nil, startTime, stopTime, fmt.Errorf("build %s on %s: %w", req.DrvPath, s.machine, err)
	}
	result, err := serveproto.ReadBuildResultTail(s.conn, v, serveproto.BuildStatus(status))
	if err != nil {
		return nil, startTime, stopTime, fmt.Errorf("build %s on %s: %w", req.DrvPath, s.machine, err)
	}
	return result, startTime, stopTime, nil
}

// QueryOutputs queries the metadata of the given paths on the machine
// and returns it along with the total uncompressed archive size.
// A response naming a path outside expected is a protocol violation.
func (s *Session) QueryOutputs(ctx context.Context, expected []store.Path) (map[store.Path]*store.ValidPathInfo, int64, error) {
	if err := serveproto.WriteQueryPathInfos(s.conn, expected); err != nil {
		return nil, 0, fmt.Errorf("query outputs on %s: %w", s.machine, err)
	}
	if err := s.conn.Flush(); err != nil {
		return nil, 0, fmt.Errorf("query outputs on %s: %w", s.machine, err)
	}
	expectedSet := sets.New(expected...)
	infos := make(map[store.Path]*store.ValidPathInfo)
	var totalNARSize int64
	for {
		info, ok, err := serveproto.ReadPathInfo(s.conn)
		if err != nil {
			return nil, 0, fmt.Errorf("query outputs on %s: %w", s.machine, err)
		}
		if !ok {
			return infos, totalNARSize, nil
		}
		if !expectedSet.Has(info.StorePath) {
			return nil, 0, fmt.Errorf("query outputs on %s: machine sent unexpected path %s", s.machine, info.StorePath)
		}
		infos[info.StorePath] = info
		totalNARSize += info.NARSize
	}
}

// FetchOutput returns a reader over the archive of the store object at path.
// The dump request is only sent once the caller begins reading,
// so a fetch that is never read costs the machine nothing.
// The returned reader is only valid until the next operation on the session.
func (s *Session) FetchOutput(path store.Path) io.Reader {
	return &lazyDump{session: s, path: path}
}

type lazyDump struct {
	session *Session
	path    store.Path
	started bool
}

func (ld *lazyDump) Read(p []byte) (int, error) {
	if !ld.started {
		conn := ld.session.conn
		if err := serveproto.WriteDumpStorePath(conn, ld.path); err != nil {
			return 0, fmt.Errorf("fetch %s: %w", ld.path, err)
		}
		if err := conn.Flush(); err != nil {
			return 0, fmt.Errorf("fetch %s: %w", ld.path, err)
		}
		ld.started = true
	}
	return ld.session.conn.Read(p)
}
