// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

// Package store provides the data model for Nix-style stores:
// store paths, derivations, and path metadata,
// together with the [Store] interface that the remote build executor consumes.
package store

import (
	"fmt"
	posixpath "path"
	"strings"

	"zombiezen.com/go/nix/nixbase32"
)

// Directory is the absolute path of a store.
type Directory string

// DefaultDirectory is the conventional store directory on Unix-like systems.
const DefaultDirectory Directory = "/nix/store"

// CleanDirectory cleans an absolute POSIX-style path as a [Directory].
// It returns an error if the path is not absolute.
func CleanDirectory(path string) (Directory, error) {
	if !posixpath.IsAbs(path) {
		return "", fmt.Errorf("store directory %q is not absolute", path)
	}
	return Directory(posixpath.Clean(path)), nil
}

// Object returns the store path for the given store object name.
func (dir Directory) Object(name string) (Path, error) {
	joined := dir.Join(name)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("parse store path %s: invalid object name %q", joined, name)
	}
	return ParsePath(joined)
}

// Join joins any number of path elements to the store directory.
func (dir Directory) Join(elem ...string) string {
	return posixpath.Join(append([]string{string(dir)}, elem...)...)
}

// ParsePath verifies that a given absolute path
// begins with the store directory
// and names either a store object or a file inside a store object.
// On success, it returns the store object's path
// and the relative path inside the store object, if any.
func (dir Directory) ParsePath(path string) (storePath Path, sub string, err error) {
	if !posixpath.IsAbs(path) {
		return "", "", fmt.Errorf("parse store path %s: not absolute", path)
	}
	cleaned := posixpath.Clean(path)
	dirPrefix := posixpath.Clean(string(dir)) + "/"
	tail, ok := strings.CutPrefix(cleaned, dirPrefix)
	if !ok {
		return "", "", fmt.Errorf("parse store path %s: outside %s", path, dir)
	}
	childName, sub, _ := strings.Cut(tail, "/")
	storePath, err = ParsePath(cleaned[:len(dirPrefix)+len(childName)])
	if err != nil {
		return "", "", err
	}
	return storePath, sub, nil
}

// Path is a store path:
// the absolute path of a store object in the filesystem.
// For example: "/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1".
type Path string

const (
	objectNameDigestLength = 32
	maxObjectNameLength    = objectNameDigestLength + 1 + 211
)

// DerivationExt is the file extension for a marshalled [Derivation].
const DerivationExt = ".drv"

// ParsePath parses an absolute path as a store path
// (i.e. an immediate child of a store directory).
func ParsePath(path string) (Path, error) {
	if !posixpath.IsAbs(path) {
		return "", fmt.Errorf("parse store path %s: not absolute", path)
	}
	cleaned := posixpath.Clean(path)
	_, base := posixpath.Split(cleaned)
	if len(base) < objectNameDigestLength+len("-")+1 {
		return "", fmt.Errorf("parse store path %s: %q is too short", path, base)
	}
	if len(base) > maxObjectNameLength {
		return "", fmt.Errorf("parse store path %s: %q is too long", path, base)
	}
	for i := 0; i < len(base); i++ {
		if !isNameChar(base[i]) {
			return "", fmt.Errorf("parse store path %s: %q contains illegal character %q", path, base, base[i])
		}
	}
	if err := nixbase32.ValidateString(base[:objectNameDigestLength]); err != nil {
		return "", fmt.Errorf("parse store path %s: %v", path, err)
	}
	if base[objectNameDigestLength] != '-' {
		return "", fmt.Errorf("parse store path %s: digest not separated by dash", path)
	}
	return Path(cleaned), nil
}

// Dir returns the path's store directory.
func (path Path) Dir() Directory {
	return Directory(posixpath.Dir(string(path)))
}

// Base returns the last element of the path.
func (path Path) Base() string {
	if path == "" {
		return ""
	}
	return posixpath.Base(string(path))
}

// IsDerivation reports whether the path's name ends in [DerivationExt].
func (path Path) IsDerivation() bool {
	return strings.HasSuffix(path.Base(), DerivationExt)
}

// Digest returns the digest part of the path's name.
func (path Path) Digest() string {
	base := path.Base()
	if len(base) < objectNameDigestLength {
		return ""
	}
	return base[:objectNameDigestLength]
}

// Name returns the part of the path's name after the digest.
func (path Path) Name() string {
	base := path.Base()
	if len(base) <= objectNameDigestLength+len("-") {
		return ""
	}
	return base[objectNameDigestLength+len("-"):]
}

// DerivationName returns the name of the derivation
// with the [DerivationExt] suffix removed.
// ok is false if the path is not a derivation.
func (path Path) DerivationName() (_ string, ok bool) {
	name := path.Name()
	base, ok := strings.CutSuffix(name, DerivationExt)
	if !ok || base == "" {
		return "", false
	}
	return base, true
}

// MarshalText returns a byte slice of the path
// or an error if it's empty.
func (path Path) MarshalText() ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("marshal store path: empty")
	}
	return []byte(path), nil
}

// UnmarshalText validates and cleans the path in the same way as [ParsePath]
// and stores it into *path.
func (path *Path) UnmarshalText(data []byte) error {
	var err error
	*path, err = ParsePath(string(data))
	return err
}

func isNameChar(c byte) bool {
	return 'a' <= c && c <= 'z' ||
		'A' <= c && c <= 'Z' ||
		'0' <= c && c <= '9' ||
		c == '+' || c == '-' || c == '.' || c == '_' || c == '='
}
