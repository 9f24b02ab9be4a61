// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

package serveproto

import (
	"fmt"
	"io"

	"github.com/thufschmitt/hydra/store"
)

// WriteQueryValidPaths encodes a [CmdQueryValidPaths] request onto w.
// lock asks the remote side to lock the paths against garbage collection;
// substitute asks it to try substituting missing paths before answering.
func WriteQueryValidPaths(w io.Writer, lock, substitute bool, paths []store.Path) error {
	if err := WriteUint64(w, uint64(CmdQueryValidPaths)); err != nil {
		return fmt.Errorf("write query-valid-paths: %w", err)
	}
	if err := WriteBool(w, lock); err != nil {
		return fmt.Errorf("write query-valid-paths: %w", err)
	}
	if err := WriteBool(w, substitute); err != nil {
		return fmt.Errorf("write query-valid-paths: %w", err)
	}
	if err := WriteStrings(w, pathStrings(paths)); err != nil {
		return fmt.Errorf("write query-valid-paths: %w", err)
	}
	return nil
}

// ReadPathList reads a list of store paths from r.
func ReadPathList(r io.Reader) ([]store.Path, error) {
	raw, err := ReadStrings(r)
	if err != nil {
		return nil, err
	}
	paths := make([]store.Path, 0, len(raw))
	for _, s := range raw {
		p, err := store.ParsePath(s)
		if err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// WritePathList writes a list of store paths to w.
func WritePathList(w io.Writer, paths []store.Path) error {
	return WriteStrings(w, pathStrings(paths))
}

// WriteQueryPathInfos encodes a [CmdQueryPathInfos] request onto w.
func WriteQueryPathInfos(w io.Writer, paths []store.Path) error {
	if err := WriteUint64(w, uint64(CmdQueryPathInfos)); err != nil {
		return fmt.Errorf("write query-path-infos: %w", err)
	}
	if err := WriteStrings(w, pathStrings(paths)); err != nil {
		return fmt.Errorf("write query-path-infos: %w", err)
	}
	return nil
}

// ReadPathInfo decodes a single store object metadata record from r.
// The response to [CmdQueryPathInfos] is a sequence of such records
// terminated by an empty-path sentinel,
// for which ReadPathInfo returns ok == false.
func ReadPathInfo(r io.Reader) (_ *store.ValidPathInfo, ok bool, err error) {
	pathString, err := ReadString(r)
	if err != nil {
		return nil, false, fmt.Errorf("read path info: %w", err)
	}
	if pathString == "" {
		return nil, false, nil
	}
	info := new(store.ValidPathInfo)
	if info.StorePath, err = store.ParsePath(pathString); err != nil {
		return nil, false, fmt.Errorf("read path info: %v", err)
	}
	deriver, err := ReadString(r)
	if err != nil {
		return nil, false, fmt.Errorf("read path info %s: %w", info.StorePath, err)
	}
	if deriver != "" {
		if info.Deriver, err = store.ParsePath(deriver); err != nil {
			return nil, false, fmt.Errorf("read path info %s: deriver: %v", info.StorePath, err)
		}
	}
	refs, err := ReadPathList(r)
	if err != nil {
		return nil, false, fmt.Errorf("read path info %s: references: %w", info.StorePath, err)
	}
	info.References.Add(refs...)
	// Download size. Unused, but part of the record.
	if _, err := ReadUint64(r); err != nil {
		return nil, false, fmt.Errorf("read path info %s: %w", info.StorePath, err)
	}
	narSize, err := ReadUint64(r)
	if err != nil {
		return nil, false, fmt.Errorf("read path info %s: %w", info.StorePath, err)
	}
	info.NARSize = int64(narSize)
	narHash, err := ReadString(r)
	if err != nil {
		return nil, false, fmt.Errorf("read path info %s: %w", info.StorePath, err)
	}
	if narHash != "" {
		if err := info.NARHash.UnmarshalText([]byte(narHash)); err != nil {
			return nil, false, fmt.Errorf("read path info %s: nar hash: %v", info.StorePath, err)
		}
	}
	ca, err := ReadString(r)
	if err != nil {
		return nil, false, fmt.Errorf("read path info %s: %w", info.StorePath, err)
	}
	if ca != "" {
		if err := info.CA.UnmarshalText([]byte(ca)); err != nil {
			return nil, false, fmt.Errorf("read path info %s: content address: %v", info.StorePath, err)
		}
	}
	if info.Sigs, err = ReadStrings(r); err != nil {
		return nil, false, fmt.Errorf("read path info %s: signatures: %w", info.StorePath, err)
	}
	return info, true, nil
}

// WritePathInfo encodes a single store object metadata record onto w.
func WritePathInfo(w io.Writer, info *store.ValidPathInfo) error {
	if err := WriteString(w, string(info.StorePath)); err != nil {
		return fmt.Errorf("write path info: %w", err)
	}
	if err := WriteString(w, string(info.Deriver)); err != nil {
		return fmt.Errorf("write path info %s: %w", info.StorePath, err)
	}
	refs := make([]string, 0, info.References.Len())
	for ref := range info.References.Values() {
		refs = append(refs, string(ref))
	}
	if err := WriteStrings(w, refs); err != nil {
		return fmt.Errorf("write path info %s: %w", info.StorePath, err)
	}
	// Download size: same as the NAR size for an uncompressed transfer.
	if err := WriteUint64(w, uint64(info.NARSize)); err != nil {
		return fmt.Errorf("write path info %s: %w", info.StorePath, err)
	}
	if err := WriteUint64(w, uint64(info.NARSize)); err != nil {
		return fmt.Errorf("write path info %s: %w", info.StorePath, err)
	}
	narHash := ""
	if !info.NARHash.IsZero() {
		narHash = info.NARHash.Base32()
	}
	if err := WriteString(w, narHash); err != nil {
		return fmt.Errorf("write path info %s: %w", info.StorePath, err)
	}
	ca := ""
	if !info.CA.IsZero() {
		ca = info.CA.String()
	}
	if err := WriteString(w, ca); err != nil {
		return fmt.Errorf("write path info %s: %w", info.StorePath, err)
	}
	if err := WriteStrings(w, info.Sigs); err != nil {
		return fmt.Errorf("write path info %s: %w", info.StorePath, err)
	}
	return nil
}

// WritePathInfoSentinel terminates a [CmdQueryPathInfos] response.
func WritePathInfoSentinel(w io.Writer) error {
	return WriteString(w, "")
}

// WriteDumpStorePath encodes a [CmdDumpStorePath] request onto w.
// The response is the raw NAR serialization of the store object.
func WriteDumpStorePath(w io.Writer, path store.Path) error {
	if err := WriteUint64(w, uint64(CmdDumpStorePath)); err != nil {
		return fmt.Errorf("write dump-store-path: %w", err)
	}
	if err := WriteString(w, string(path)); err != nil {
		return fmt.Errorf("write dump-store-path: %w", err)
	}
	return nil
}

func pathStrings(paths []store.Path) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, string(p))
	}
	return out
}
