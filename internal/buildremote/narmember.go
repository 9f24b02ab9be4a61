// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

package buildremote

import (
	"fmt"
	"io"
	"io/fs"

	"github.com/thufschmitt/hydra/store"
	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nar"
)

// A NARMember describes one filesystem object inside a fetched output,
// as seen while the output's archive streamed past.
// The scheduler uses these to locate declared build products
// without re-reading the store.
type NARMember struct {
	// Mode is the member's type and permission bits.
	Mode fs.FileMode
	// Size is the member's content size in bytes (regular files only).
	Size int64
	// SHA256 is the content hash (regular files only).
	SHA256 nix.Hash
	// LinkTarget is the symlink target (symlinks only).
	LinkTarget string
}

// A NARMemberSet accumulates member metadata across an attempt's outputs,
// keyed by "<store path base name>/<path within the archive>"
// (just the base name for a single-file output).
// The zero value is ready to use.
// It is filled by one attempt sequentially and is not safe for
// concurrent mutation.
type NARMemberSet struct {
	members map[string]*NARMember
}

// Len returns the number of members recorded.
func (ms *NARMemberSet) Len() int {
	return len(ms.members)
}

// Lookup returns the member recorded under key, or nil.
func (ms *NARMemberSet) Lookup(key string) *NARMember {
	return ms.members[key]
}

func (ms *NARMemberSet) add(key string, m *NARMember) {
	if ms.members == nil {
		ms.members = make(map[string]*NARMember)
	}
	ms.members[key] = m
}

// scanNAR walks the archive of the store object at path from r,
// recording every member into ms.
// It consumes r to the end of the archive.
func (ms *NARMemberSet) scanNAR(path store.Path, r io.Reader) error {
	nr := nar.NewReader(r)
	for {
		hdr, err := nr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("scan archive of %s: %w", path, err)
		}
		member := &NARMember{
			Mode:       hdr.Mode,
			LinkTarget: hdr.LinkTarget,
		}
		if hdr.Mode.IsRegular() {
			member.Size = hdr.Size
			h := nix.NewHasher(nix.SHA256)
			if _, err := io.Copy(h, nr); err != nil {
				return fmt.Errorf("scan archive of %s: %w", path, err)
			}
			member.SHA256 = h.SumHash()
		}
		key := path.Base()
		if hdr.Path != "" {
			key += "/" + hdr.Path
		}
		ms.add(key, member)
	}
}
