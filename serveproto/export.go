// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

package serveproto

import (
	"fmt"
	"io"

	"github.com/thufschmitt/hydra/sets"
	"github.com/thufschmitt/hydra/store"
	"zombiezen.com/go/nix/nar"
)

// The stream sent after a [CmdImportPaths] request
// is a sequence of store objects:
// each object is an eight-byte marker, a NAR payload,
// and a trailer carrying the object's path, references, and deriver.
// The stream ends with an eight-byte zero marker.
const (
	exportObjectMarker  = "\x01\x00\x00\x00\x00\x00\x00\x00"
	exportTrailerMarker = "NIXE\x00\x00\x00\x00"
	exportEOFMarker     = "\x00\x00\x00\x00\x00\x00\x00\x00"
)

// WriteImportPaths encodes a [CmdImportPaths] request onto w.
// The caller follows it with an import/export stream
// written through an [ExportWriter],
// then reads back a single integer: 1 on success.
func WriteImportPaths(w io.Writer) error {
	if err := WriteUint64(w, uint64(CmdImportPaths)); err != nil {
		return fmt.Errorf("write import-paths: %w", err)
	}
	return nil
}

// ExportTrailer holds the metadata that follows a store object's NAR payload
// in an import/export stream.
type ExportTrailer struct {
	StorePath      store.Path
	References     sets.Sorted[store.Path]
	Deriver        store.Path
	ContentAddress string
}

// An ExportWriter serializes zero or more store objects to a stream
// in import/export format.
// The caller writes each object's NAR bytes through [ExportWriter.Write]
// and terminates it with [ExportWriter.Trailer];
// [ExportWriter.Close] finishes the stream.
type ExportWriter struct {
	w      io.Writer
	header bool
	closed bool
}

// NewExportWriter returns a new [ExportWriter] that writes to w.
func NewExportWriter(w io.Writer) *ExportWriter {
	return &ExportWriter{w: w}
}

// Write writes bytes of a store object's NAR payload.
func (ew *ExportWriter) Write(p []byte) (int, error) {
	if ew.closed {
		return 0, fmt.Errorf("write to closed export stream")
	}
	if !ew.header {
		if _, err := io.WriteString(ew.w, exportObjectMarker); err != nil {
			return 0, err
		}
		ew.header = true
	}
	return ew.w.Write(p)
}

// Trailer marks the end of a store object in the stream.
// Subsequent calls to [ExportWriter.Write] will be part of a new store object.
func (ew *ExportWriter) Trailer(t *ExportTrailer) error {
	if ew.closed {
		return fmt.Errorf("write export trailer: write to closed export stream")
	}
	if !ew.header {
		return fmt.Errorf("write export trailer: NAR not yet written")
	}
	ew.header = false

	if _, err := io.WriteString(ew.w, exportTrailerMarker); err != nil {
		return err
	}
	if err := WriteString(ew.w, string(t.StorePath)); err != nil {
		return err
	}
	if err := WriteUint64(ew.w, uint64(t.References.Len())); err != nil {
		return err
	}
	for ref := range t.References.Values() {
		if err := WriteString(ew.w, string(ref)); err != nil {
			return err
		}
	}
	if err := WriteString(ew.w, string(t.Deriver)); err != nil {
		return err
	}
	// Nix 1.x used the final field for RSA signatures;
	// later versions ignore it or accept a content-address assertion.
	if t.ContentAddress == "" {
		return WriteUint64(ew.w, 0)
	}
	if err := WriteUint64(ew.w, 1); err != nil {
		return err
	}
	return WriteString(ew.w, t.ContentAddress)
}

// Close writes the footer of the export stream.
// Close returns an error if a store object has been started
// but [ExportWriter.Trailer] has not been called.
// Close does not close the underlying writer.
func (ew *ExportWriter) Close() error {
	if ew.closed {
		return fmt.Errorf("close export stream: already closed")
	}
	if ew.header {
		return fmt.Errorf("close export stream: missing trailer")
	}
	ew.closed = true
	_, err := io.WriteString(ew.w, exportEOFMarker)
	return err
}

// A NARReceiver processes the store objects of an import/export stream.
// After an object's NAR payload has been written to the receiver,
// ReceiveNAR is called with the object's trailer.
// Subsequent writes are for a new object.
type NARReceiver interface {
	io.Writer
	ReceiveNAR(trailer *ExportTrailer) error
}

// ReceiveExport processes a stream of store objects in import/export format,
// returning the first error encountered.
//
// ReceiveExport does not read beyond the end of the stream,
// so there may be data remaining in r afterwards.
func ReceiveExport(receiver NARReceiver, r io.Reader) error {
	buf := make([]byte, len(exportObjectMarker))
	for {
		if _, err := readFull(r, buf); err != nil {
			return err
		}
		if string(buf) == exportEOFMarker {
			return nil
		}
		if string(buf) != exportObjectMarker {
			return fmt.Errorf("receive export: invalid object separator %x", buf)
		}

		// The NAR payload is self-describing:
		// walk it with a NAR reader to find its end,
		// teeing the bytes to the receiver as they pass.
		nr := nar.NewReader(io.TeeReader(r, receiver))
		nr.AllowTrailingData()
		for {
			_, err := nr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("receive export: %w", err)
			}
		}

		if _, err := readFull(r, buf); err != nil {
			return err
		}
		if string(buf) != exportTrailerMarker {
			return fmt.Errorf("receive export: invalid trailer start %x", buf)
		}

		t := new(ExportTrailer)
		pathString, err := ReadString(r)
		if err != nil {
			return fmt.Errorf("receive export: store path: %w", err)
		}
		if t.StorePath, err = store.ParsePath(pathString); err != nil {
			return fmt.Errorf("receive export: store path: %v", err)
		}
		refs, err := ReadPathList(r)
		if err != nil {
			return fmt.Errorf("receive export: references: %w", err)
		}
		t.References.Add(refs...)
		deriver, err := ReadString(r)
		if err != nil {
			return fmt.Errorf("receive export: deriver: %w", err)
		}
		if deriver != "" {
			if t.Deriver, err = store.ParsePath(deriver); err != nil {
				return fmt.Errorf("receive export: deriver: %v", err)
			}
		}
		switch x, err := ReadUint64(r); {
		case err != nil:
			return fmt.Errorf("receive export: %w", err)
		case x == 0:
			// No trailing assertion.
		case x == 1:
			if t.ContentAddress, err = ReadString(r); err != nil {
				return fmt.Errorf("receive export: content address: %w", err)
			}
		default:
			return fmt.Errorf("receive export: invalid end of object marker %x", x)
		}

		if err := receiver.ReceiveNAR(t); err != nil {
			return err
		}
	}
}
