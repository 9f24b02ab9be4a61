// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

// Package storetest provides an in-memory store implementation
// and fixture helpers for tests.
package storetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/thufschmitt/hydra/sets"
	"github.com/thufschmitt/hydra/store"
	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nar"
	"zombiezen.com/go/nix/nixbase32"
)

// MapStore is an in-memory [store.Store].
// It is safe for concurrent use.
type MapStore struct {
	dir store.Directory

	mu       sync.Mutex
	objects  map[store.Path]*object
	adds     int
	addOrder []store.Path
}

type object struct {
	info *store.ValidPathInfo
	nar  []byte
}

// New returns an empty store rooted at dir.
func New(dir store.Directory) *MapStore {
	return &MapStore{
		dir:     dir,
		objects: make(map[store.Path]*object),
	}
}

// Dir returns the store's directory.
func (s *MapStore) Dir() store.Directory {
	return s.dir
}

// PathExists reports whether the store contains path.
func (s *MapStore) PathExists(ctx context.Context, path store.Path) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[path]
	return ok, nil
}

// QueryPathInfo returns the metadata of the store object at path.
func (s *MapStore) QueryPathInfo(ctx context.Context, path store.Path) (*store.ValidPathInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[path]
	if !ok {
		return nil, fmt.Errorf("query %s: %w", path, store.ErrNotFound)
	}
	return obj.info, nil
}

// ReadDerivation parses the derivation stored at drvPath.
func (s *MapStore) ReadDerivation(ctx context.Context, drvPath store.Path) (*store.Derivation, error) {
	name, ok := drvPath.DerivationName()
	if !ok {
		return nil, fmt.Errorf("read derivation %s: not a derivation path", drvPath)
	}
	s.mu.Lock()
	obj, ok := s.objects[drvPath]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("read derivation %s: %w", drvPath, store.ErrNotFound)
	}
	data, err := singleFileContent(obj.nar)
	if err != nil {
		return nil, fmt.Errorf("read derivation %s: %w", drvPath, err)
	}
	drv, err := store.ParseDerivation(s.dir, name, data)
	if err != nil {
		return nil, fmt.Errorf("read derivation %s: %w", drvPath, err)
	}
	return drv, nil
}

// DumpPath writes the store object at path to dst as an uncompressed NAR.
func (s *MapStore) DumpPath(ctx context.Context, dst io.Writer, path store.Path) error {
	s.mu.Lock()
	obj, ok := s.objects[path]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("dump %s: %w", path, store.ErrNotFound)
	}
	_, err := dst.Write(obj.nar)
	return err
}

// AddToStore imports a store object from a NAR stream.
// Importing an already-present object drains r and is otherwise a no-op.
func (s *MapStore) AddToStore(ctx context.Context, info *store.ValidPathInfo, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("add %s: %w", info.StorePath, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adds++
	if _, ok := s.objects[info.StorePath]; ok {
		return nil
	}
	s.objects[info.StorePath] = &object{info: info, nar: data}
	s.addOrder = append(s.addOrder, info.StorePath)
	return nil
}

// AddOrder returns the paths of newly stored objects
// in the order [MapStore.AddToStore] stored them.
func (s *MapStore) AddOrder() []store.Path {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Path(nil), s.addOrder...)
}

// AddCount returns the number of [MapStore.AddToStore] calls so far,
// including calls for objects that were already present.
func (s *MapStore) AddCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adds
}

// Paths returns a snapshot of the store's current path set.
func (s *MapStore) Paths() sets.Set[store.Path] {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make(sets.Set[store.Path], len(s.objects))
	for path := range s.objects {
		paths.Add(path)
	}
	return paths
}

// NAR returns the stored archive bytes of the object at path.
func (s *MapStore) NAR(path store.Path) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[path]
	if !ok {
		return nil
	}
	return obj.nar
}

// AddFile stores a single-file object named name with the given content
// and references, returning its path.
// The path's digest is derived from the content,
// so equal inputs map to equal paths across stores.
func (s *MapStore) AddFile(name string, data []byte, references ...store.Path) (store.Path, error) {
	p, err := s.dir.Object(ContentDigest(data) + "-" + name)
	if err != nil {
		return "", err
	}
	narBuffer := new(bytes.Buffer)
	if err := SingleFileNAR(narBuffer, data); err != nil {
		return "", err
	}
	narBytes := narBuffer.Bytes()
	h := nix.NewHasher(nix.SHA256)
	h.Write(narBytes)
	info := &store.ValidPathInfo{
		StorePath: p,
		NARHash:   h.SumHash(),
		NARSize:   int64(len(narBytes)),
	}
	info.References.Add(references...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[p] = &object{info: info, nar: narBytes}
	return p, nil
}

// AddDerivation stores drv as an ATerm file, returning its path.
func (s *MapStore) AddDerivation(drv *store.Derivation) (store.Path, error) {
	data, err := drv.MarshalText()
	if err != nil {
		return "", fmt.Errorf("add derivation %s: %v", drv.Name, err)
	}
	p, err := s.AddFile(drv.Name+store.DerivationExt, data)
	if err != nil {
		return "", fmt.Errorf("add derivation %s: %v", drv.Name, err)
	}
	return p, nil
}

// ContentDigest returns a store path digest derived from data.
func ContentDigest(data []byte) string {
	h := nix.NewHasher(nix.SHA256)
	h.Write(data)
	return nixbase32.EncodeToString(h.SumHash().Bytes(nil))[:32]
}

// SingleFileNAR writes an archive to w
// containing a single non-executable file with the given content.
func SingleFileNAR(w io.Writer, data []byte) error {
	nw := nar.NewWriter(w)
	if err := nw.WriteHeader(&nar.Header{Size: int64(len(data))}); err != nil {
		return err
	}
	if _, err := nw.Write(data); err != nil {
		return err
	}
	return nw.Close()
}

func singleFileContent(narBytes []byte) ([]byte, error) {
	nr := nar.NewReader(bytes.NewReader(narBytes))
	for {
		hdr, err := nr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("no regular file in archive")
		}
		if err != nil {
			return nil, err
		}
		if hdr.Mode.IsRegular() {
			return io.ReadAll(nr)
		}
	}
}
