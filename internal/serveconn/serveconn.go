// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

// Package serveconn establishes connections to a machine's store daemon.
//
// A connection is a bidirectional byte stream with a negotiated protocol
// version and running sent/received byte counts.
// For a remote machine, the stream is the stdin/stdout of an ssh subprocess
// running the daemon; for the local host, the daemon is run directly.
// The subprocess's stderr is pointed at the build log file,
// so remote build output reaches the log outside the protocol.
package serveconn

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/thufschmitt/hydra/machine"
	"github.com/thufschmitt/hydra/serveproto"
	"zombiezen.com/go/log"
	"zombiezen.com/go/xcontext"
)

// A Conn is one live, logical connection to a store daemon.
// At most one Conn per machine should be live at a time;
// enforcing that is the caller's responsibility.
// A Conn is not safe for concurrent use.
type Conn struct {
	version serveproto.Version
	r       *countingReader
	w       *countingWriter
	bw      *bufio.Writer

	pid  int
	stop io.Closer

	closeOnce sync.Once
	closeErr  error
	close     func() error
}

// New performs the protocol handshake on rwc and returns a [Conn] wrapping it.
// pid is the operating-system process identifier backing the stream,
// or zero if there is none.
// New takes ownership of rwc; closing the Conn closes it.
func New(ctx context.Context, rwc io.ReadWriteCloser, pid int) (*Conn, error) {
	c := &Conn{
		r:     &countingReader{r: bufio.NewReader(rwc)},
		w:     &countingWriter{w: rwc},
		pid:   pid,
		close: rwc.Close,
	}
	c.bw = bufio.NewWriter(c.w)
	c.stop = xcontext.CloseWhenDone(ctx, rwc)

	version, err := serveproto.ClientHandshake(handshakeStream{c})
	if err != nil {
		c.Close()
		return nil, err
	}
	c.version = version
	return c, nil
}

// handshakeStream flushes after every write
// so that the handshake's request/response turns complete.
type handshakeStream struct{ c *Conn }

func (hs handshakeStream) Read(p []byte) (int, error) { return hs.c.Read(p) }

func (hs handshakeStream) Write(p []byte) (int, error) {
	n, err := hs.c.Write(p)
	if err != nil {
		return n, err
	}
	return n, hs.c.Flush()
}

// Version returns the protocol version negotiated during the handshake.
func (c *Conn) Version() serveproto.Version {
	return c.version
}

// Pid returns the process identifier of the subprocess backing the stream,
// or zero if there is none.
// Process identifiers can be reused by the operating system,
// so acting on the pid after the Conn is closed is inherently racy.
func (c *Conn) Pid() int {
	return c.pid
}

func (c *Conn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *Conn) Write(p []byte) (int, error) {
	return c.bw.Write(p)
}

// Flush writes any buffered request bytes to the underlying stream.
func (c *Conn) Flush() error {
	return c.bw.Flush()
}

// BytesWritten returns the number of bytes sent over the connection so far.
func (c *Conn) BytesWritten() int64 {
	return c.w.n
}

// BytesRead returns the number of bytes received over the connection so far.
func (c *Conn) BytesRead() int64 {
	return c.r.n
}

// Close flushes and closes the underlying stream.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		flushErr := c.bw.Flush()
		c.stop.Close()
		c.closeErr = c.close()
		if c.closeErr == nil {
			c.closeErr = flushErr
		}
	})
	return c.closeErr
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// A Dialer opens connections to build machines.
type Dialer struct {
	// SSHProgram is the ssh client to run for remote machines.
	// If empty, "ssh" is used.
	SSHProgram string
	// ServeCommand is the command that starts the store daemon
	// on the target machine.
	// If empty, DefaultServeCommand is used.
	ServeCommand []string
}

// DefaultServeCommand is the daemon invocation used when
// [Dialer.ServeCommand] is empty.
var DefaultServeCommand = []string{"nix-store", "--serve", "--write"}

// Dial opens a connection to the given machine's store daemon.
// The subprocess's standard error is connected to logFile (if non-nil),
// so daemon and build output is written there
// without passing through the protocol stream.
func (d *Dialer) Dial(ctx context.Context, m *machine.Machine, logFile *os.File) (*Conn, error) {
	serveCommand := d.ServeCommand
	if len(serveCommand) == 0 {
		serveCommand = DefaultServeCommand
	}

	var cmd *exec.Cmd
	if m.IsLocalhost() {
		cmd = exec.CommandContext(ctx, serveCommand[0], serveCommand[1:]...)
	} else {
		sshProgram := d.SSHProgram
		if sshProgram == "" {
			sshProgram = "ssh"
		}
		args := []string{"-x", "-a", "-oBatchMode=yes"}
		if m.SSHKey != "" {
			args = append(args, "-i", m.SSHKey)
		}
		args = append(args, m.SSHName, "--")
		args = append(args, serveCommand...)
		cmd = exec.CommandContext(ctx, sshProgram, args...)
	}
	if logFile != nil {
		cmd.Stderr = logFile
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", m, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", m, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", m, err)
	}
	log.Debugf(ctx, "Connected to %s (pid %d)", m, cmd.Process.Pid)

	proc := &processStream{
		ReadCloser:  stdout,
		WriteCloser: stdin,
		cmd:         cmd,
	}
	conn, err := New(ctx, proc, cmd.Process.Pid)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", m, err)
	}
	return conn, nil
}

// processStream adapts a subprocess's pipes into an [io.ReadWriteCloser].
type processStream struct {
	io.ReadCloser
	io.WriteCloser
	cmd *exec.Cmd
}

func (ps *processStream) Close() error {
	writeErr := ps.WriteCloser.Close()
	readErr := ps.ReadCloser.Close()
	waitErr := ps.cmd.Wait()
	if writeErr != nil {
		return writeErr
	}
	if readErr != nil {
		return readErr
	}
	return waitErr
}

func (ps *processStream) Read(p []byte) (int, error) {
	return ps.ReadCloser.Read(p)
}

func (ps *processStream) Write(p []byte) (int, error) {
	return ps.WriteCloser.Write(p)
}
