// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

package serveproto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Wire primitives.
// Integers are unsigned 64-bit little endian.
// Strings are length-prefixed and padded with zero bytes to 8-byte alignment.

const stringAlign = 8

// maxStringSize bounds a single wire string (paths, error messages).
const maxStringSize = 1 << 20

// maxListSize bounds the element count of a wire list.
const maxListSize = 1 << 20

// WriteUint64 writes x to w as a little-endian 64-bit integer.
func WriteUint64(w io.Writer, x uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], x)
	_, err := w.Write(buf[:])
	return err
}

// WriteBool writes b to w as an integer.
func WriteBool(w io.Writer, b bool) error {
	var x uint64
	if b {
		x = 1
	}
	return WriteUint64(w, x)
}

// WriteString writes s to w as a length-prefixed, zero-padded string.
func WriteString(w io.Writer, s string) error {
	buf := make([]byte, 0, 8+padStringSize(len(s)))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(s)))
	buf = append(buf, s...)
	for len(buf)%stringAlign != 0 {
		buf = append(buf, 0)
	}
	_, err := w.Write(buf)
	return err
}

// WriteStrings writes a count-prefixed list of strings to w.
func WriteStrings(w io.Writer, elems []string) error {
	if err := WriteUint64(w, uint64(len(elems))); err != nil {
		return err
	}
	for _, s := range elems {
		if err := WriteString(w, s); err != nil {
			return err
		}
	}
	return nil
}

// ReadUint64 reads a little-endian 64-bit integer from r.
func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := readFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ReadBool reads an integer from r and interprets it as a boolean.
func ReadBool(r io.Reader) (bool, error) {
	x, err := ReadUint64(r)
	return x != 0, err
}

// ReadString reads a length-prefixed, zero-padded string from r.
func ReadString(r io.Reader) (string, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return "", err
	}
	if n > maxStringSize {
		return "", fmt.Errorf("wire string too large (%d bytes)", n)
	}
	buf := make([]byte, padStringSize(int(n)))
	if _, err := readFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// ReadStrings reads a count-prefixed list of strings from r.
func ReadStrings(r io.Reader) ([]string, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}
	if n > maxListSize {
		return nil, fmt.Errorf("wire list too large (%d elements)", n)
	}
	elems := make([]string, 0, n)
	for range n {
		s, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		elems = append(elems, s)
	}
	return elems, nil
}

// padStringSize returns the smallest integer >= n
// that is evenly divisible by [stringAlign].
func padStringSize(n int) int {
	return (n + stringAlign - 1) &^ (stringAlign - 1)
}

// readFull is the same as [io.ReadFull]
// except it never returns [io.EOF]:
// it will instead return [io.ErrUnexpectedEOF] if no bytes were read before EOF.
func readFull(r io.Reader, p []byte) (int, error) {
	n, err := io.ReadFull(r, p)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}
