// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

package store

import (
	"fmt"

	"github.com/thufschmitt/hydra/sets"
	"zombiezen.com/go/nix"
)

// ValidPathInfo is the metadata of a store object.
//
// References may name paths that are not present in a store
// (substitution can omit them);
// consumers must tolerate missing references and must not traverse into them.
type ValidPathInfo struct {
	// StorePath is the absolute path of the store object.
	StorePath Path
	// Deriver is the path of the derivation that produced this object, if known.
	Deriver Path
	// NARHash is the hash of the store object as an uncompressed NAR.
	NARHash nix.Hash
	// NARSize is the size of the uncompressed NAR in bytes.
	NARSize int64
	// References is the set of store objects that this store object references,
	// possibly including itself.
	References sets.Sorted[Path]
	// CA is an optional content-addressability assertion.
	CA nix.ContentAddress
	// Sigs is the set of signatures attached to the object's metadata.
	Sigs []string
}

// ReferencesOthers returns an iterator-friendly copy of info.References
// with any self-reference removed.
func (info *ValidPathInfo) ReferencesOthers() *sets.Sorted[Path] {
	refs := info.References.Clone()
	if refs.Has(info.StorePath) {
		out := new(sets.Sorted[Path])
		out.Grow(refs.Len() - 1)
		for ref := range refs.Values() {
			if ref != info.StorePath {
				out.Add(ref)
			}
		}
		return out
	}
	return refs
}

// Equal reports whether info and info2 describe the same store object.
func (info *ValidPathInfo) Equal(info2 *ValidPathInfo) bool {
	if info.StorePath != info2.StorePath ||
		info.Deriver != info2.Deriver ||
		info.NARSize != info2.NARSize ||
		!info.NARHash.Equal(info2.NARHash) ||
		!info.CA.Equal(info2.CA) ||
		info.References.Len() != info2.References.Len() {
		return false
	}
	for i := 0; i < info.References.Len(); i++ {
		if info.References.At(i) != info2.References.At(i) {
			return false
		}
	}
	return true
}

// SortByReferences returns the keys of infos ordered such that
// every path appears strictly after all paths in its reference set
// that are also keys of infos.
// Self-references and references to paths outside infos are ignored:
// the latter typically means a substituted dependency that is not present,
// and must not be traversed.
// SortByReferences returns an error if the induced subgraph contains a cycle.
func SortByReferences(infos map[Path]*ValidPathInfo) ([]Path, error) {
	sorted := make([]Path, 0, len(infos))
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[Path]int8, len(infos))

	var visit func(path Path) error
	visit = func(path Path) error {
		switch state[path] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("sort store objects: reference cycle through %s", path)
		}
		state[path] = visiting
		if info := infos[path]; info != nil {
			for ref := range info.References.Values() {
				if ref != path && infos[ref] != nil {
					if err := visit(ref); err != nil {
						return err
					}
				}
			}
		}
		state[path] = done
		sorted = append(sorted, path)
		return nil
	}

	for path := range infos {
		if err := visit(path); err != nil {
			return nil, err
		}
	}
	return sorted, nil
}
