// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/thufschmitt/hydra/sets"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"
)

// ErrNotFound is returned by [Store.QueryPathInfo] and [Store.ReadDerivation]
// when the requested store object does not exist.
var ErrNotFound = errors.New("store object not found")

// Store is the interface to a content-addressed artifact store
// that the remote build executor consumes.
// Implementations must be safe to call concurrently from multiple goroutines.
type Store interface {
	// Dir returns the store's directory.
	Dir() Directory

	// PathExists reports whether the store contains the given path.
	PathExists(ctx context.Context, path Path) (bool, error)

	// QueryPathInfo returns the metadata of the store object at path.
	// It returns an error that wraps [ErrNotFound] if the path is not valid.
	QueryPathInfo(ctx context.Context, path Path) (*ValidPathInfo, error)

	// ReadDerivation reads and parses the derivation stored at drvPath.
	ReadDerivation(ctx context.Context, drvPath Path) (*Derivation, error)

	// DumpPath writes the store object at path to dst as an uncompressed NAR.
	DumpPath(ctx context.Context, dst io.Writer, path Path) error

	// AddToStore imports a store object from a NAR stream.
	// Adding an object that is already present is a no-op;
	// implementations must drain r in that case.
	AddToStore(ctx context.Context, info *ValidPathInfo, r io.Reader) error
}

// ComputeFSClosure returns the transitive closure of paths
// under the store's reference relation.
// References that are not present in the store are included in the closure
// but not traversed into.
func ComputeFSClosure(ctx context.Context, s Store, paths *sets.Sorted[Path]) (sets.Set[Path], error) {
	closure := make(sets.Set[Path])
	stack := slices.Collect(paths.Values())
	for len(stack) > 0 {
		curr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if closure.Has(curr) {
			continue
		}
		closure.Add(curr)
		info, err := s.QueryPathInfo(ctx, curr)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("compute closure of %s: %w", curr, err)
		}
		for ref := range info.References.Values() {
			if !closure.Has(ref) {
				stack = append(stack, ref)
			}
		}
	}
	return closure, nil
}

// CopyOptions controls the behavior of [CopyPaths].
// The zero value trusts the source store:
// no repair, no signature checking, and no substitution.
type CopyOptions struct {
	// CheckSigs requires destination-acceptable signatures on copied metadata.
	CheckSigs bool
}

// CopyPaths copies the given store objects from src to dst
// in an order such that every object arrives after its references.
// Objects already present in dst are skipped,
// so copying the same closure twice is a no-op.
func CopyPaths(ctx context.Context, src, dst Store, paths sets.Set[Path], opts *CopyOptions) error {
	if opts == nil {
		opts = new(CopyOptions)
	}
	infos := make(map[Path]*ValidPathInfo, paths.Len())
	for path := range paths.All() {
		info, err := src.QueryPathInfo(ctx, path)
		if err != nil {
			return fmt.Errorf("copy %s: %w", path, err)
		}
		infos[path] = info
	}
	sorted, err := SortByReferences(infos)
	if err != nil {
		return fmt.Errorf("copy store objects: %w", err)
	}
	for _, path := range sorted {
		exists, err := dst.PathExists(ctx, path)
		if err != nil {
			return fmt.Errorf("copy %s: %w", path, err)
		}
		if exists {
			log.Debugf(ctx, "Not copying %s: already present in destination", path)
			continue
		}
		info := infos[path]
		if opts.CheckSigs && len(info.Sigs) == 0 {
			return fmt.Errorf("copy %s: no signatures", path)
		}
		if err := copyPath(ctx, src, dst, info); err != nil {
			return fmt.Errorf("copy %s: %w", path, err)
		}
	}
	return nil
}

func copyPath(ctx context.Context, src, dst Store, info *ValidPathInfo) error {
	pr, pw := io.Pipe()
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		err := src.DumpPath(grpCtx, pw, info.StorePath)
		pw.CloseWithError(err)
		return err
	})
	grp.Go(func() error {
		err := dst.AddToStore(grpCtx, info, pr)
		pr.CloseWithError(err)
		return err
	})
	return grp.Wait()
}
