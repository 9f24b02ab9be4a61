// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

package store

import (
	"fmt"
	"maps"
	"slices"

	"github.com/thufschmitt/hydra/sets"
)

// A Derivation represents a store derivation:
// a single, specific, constant build action.
type Derivation struct {
	// Dir is the store directory this derivation is a part of.
	Dir Directory
	// Name is the human-readable name of the derivation,
	// i.e. the part of the store object name after the digest,
	// with the ".drv" extension removed.
	Name string

	// Outputs is the set of outputs that the derivation produces.
	Outputs map[string]*DerivationOutput
	// InputDerivations is the set of derivations that this derivation depends on.
	// The mapped values are the sets of output names that are used.
	InputDerivations map[Path]*sets.Sorted[string]
	// InputSources is the set of source store objects that this derivation depends on.
	InputSources sets.Sorted[Path]

	// System is a string representing the OS and architecture tuple
	// that this derivation is intended to run on.
	System string
	// Builder is the path to the program to run the build.
	Builder string
	// Args is the list of arguments that should be passed to the builder program.
	Args []string
	// Env is the environment variables that should be passed to the builder program.
	Env map[string]string
}

// A DerivationOutput describes one output of a [Derivation].
// Hash and HashAlgo are only set for fixed-output derivations.
type DerivationOutput struct {
	// Path is the store path the output will be placed at.
	Path Path
	// HashAlgo is the name of the hash algorithm for a fixed output
	// (e.g. "sha256" or "r:sha256"), or empty.
	HashAlgo string
	// Hash is the expected base-16 content hash of a fixed output, or empty.
	Hash string
}

// DefaultOutputName is the name of the primary output of a derivation.
const DefaultOutputName = "out"

// OutputPath returns the store path of the named output.
func (drv *Derivation) OutputPath(name string) (_ Path, ok bool) {
	out := drv.Outputs[name]
	if out == nil || out.Path == "" {
		return "", false
	}
	return out.Path, true
}

// OutputNames returns the derivation's output names in sorted order.
func (drv *Derivation) OutputNames() []string {
	return slices.Sorted(maps.Keys(drv.Outputs))
}

// OutputPaths returns the set of store paths of all of the derivation's outputs.
func (drv *Derivation) OutputPaths() *sets.Sorted[Path] {
	paths := new(sets.Sorted[Path])
	paths.Grow(len(drv.Outputs))
	for _, out := range drv.Outputs {
		if out.Path != "" {
			paths.Add(out.Path)
		}
	}
	return paths
}

// References returns the set of other store paths that the derivation references.
func (drv *Derivation) References() *sets.Sorted[Path] {
	refs := new(sets.Sorted[Path])
	refs.Grow(drv.InputSources.Len() + len(drv.InputDerivations))
	refs.AddSet(&drv.InputSources)
	for input := range drv.InputDerivations {
		refs.Add(input)
	}
	return refs
}

// A BasicDerivation is the fully resolved, self-contained form of a [Derivation]
// that is sent to a remote machine:
// input derivation references have been replaced
// by the concrete output paths they stand for.
// A BasicDerivation is immutable once constructed.
type BasicDerivation struct {
	// Name is the derivation's name (after the digest, without ".drv").
	Name string
	// Outputs is the set of outputs that the derivation produces.
	Outputs map[string]*DerivationOutput
	// InputSources is the set of concrete store paths the build depends on.
	InputSources sets.Sorted[Path]

	System  string
	Builder string
	Args    []string
	Env     map[string]string
}

// Basic returns a [BasicDerivation] copy of drv
// with InputSources seeded from drv's declared input sources.
// Resolution of input derivation outputs is the caller's responsibility.
func (drv *Derivation) Basic() *BasicDerivation {
	basic := &BasicDerivation{
		Name:    drv.Name,
		Outputs: maps.Clone(drv.Outputs),
		System:  drv.System,
		Builder: drv.Builder,
		Args:    slices.Clone(drv.Args),
		Env:     maps.Clone(drv.Env),
	}
	basic.InputSources.AddSet(&drv.InputSources)
	return basic
}

// OutputNames returns the derivation's output names in sorted order.
func (drv *BasicDerivation) OutputNames() []string {
	return slices.Sorted(maps.Keys(drv.Outputs))
}

// ParseDerivation parses a derivation from ATerm format.
// name should be the derivation's name as returned by [Path.DerivationName].
func ParseDerivation(dir Directory, name string, data []byte) (*Derivation, error) {
	drv := &Derivation{
		Dir:  dir,
		Name: name,
	}
	p := &atermParser{data: data}
	if !p.literal("Derive") {
		return nil, fmt.Errorf("parse %s derivation: 'Derive' constructor not found", name)
	}
	if err := drv.parseTuple(p); err != nil {
		return nil, err
	}
	if p.pos != len(p.data) {
		return nil, fmt.Errorf("parse %s derivation: trailing data", name)
	}
	return drv, nil
}

func (drv *Derivation) parseTuple(p *atermParser) error {
	if err := p.expect('('); err != nil {
		return fmt.Errorf("parse %s derivation: %v", drv.Name, err)
	}

	// Parse outputs.
	drv.Outputs = make(map[string]*DerivationOutput)
	err := p.list(func() error {
		if err := p.expect('('); err != nil {
			return err
		}
		outName, err := p.string()
		if err != nil {
			return err
		}
		if _, ok := drv.Outputs[outName]; ok {
			return fmt.Errorf("multiple outputs named %q", outName)
		}
		out := new(DerivationOutput)
		p.comma()
		pathString, err := p.string()
		if err != nil {
			return fmt.Errorf("output %s: %v", outName, err)
		}
		if pathString != "" {
			out.Path, err = ParsePath(pathString)
			if err != nil {
				return fmt.Errorf("output %s: %v", outName, err)
			}
		}
		p.comma()
		if out.HashAlgo, err = p.string(); err != nil {
			return fmt.Errorf("output %s: %v", outName, err)
		}
		p.comma()
		if out.Hash, err = p.string(); err != nil {
			return fmt.Errorf("output %s: %v", outName, err)
		}
		if err := p.expect(')'); err != nil {
			return fmt.Errorf("output %s: %v", outName, err)
		}
		drv.Outputs[outName] = out
		return nil
	})
	if err != nil {
		return fmt.Errorf("parse %s derivation: outputs: %v", drv.Name, err)
	}
	p.comma()

	// Parse input derivations.
	drv.InputDerivations = make(map[Path]*sets.Sorted[string])
	err = p.list(func() error {
		if err := p.expect('('); err != nil {
			return err
		}
		drvPathString, err := p.string()
		if err != nil {
			return err
		}
		drvPath, err := ParsePath(drvPathString)
		if err != nil {
			return err
		}
		if _, ok := drv.InputDerivations[drvPath]; ok {
			return fmt.Errorf("multiple entries for %s", drvPath)
		}
		outputNames := new(sets.Sorted[string])
		p.comma()
		err = p.list(func() error {
			outName, err := p.string()
			if err != nil {
				return err
			}
			outputNames.Add(outName)
			return nil
		})
		if err != nil {
			return fmt.Errorf("%s: output names: %v", drvPath, err)
		}
		if err := p.expect(')'); err != nil {
			return fmt.Errorf("%s: %v", drvPath, err)
		}
		drv.InputDerivations[drvPath] = outputNames
		return nil
	})
	if err != nil {
		return fmt.Errorf("parse %s derivation: input derivations: %v", drv.Name, err)
	}
	p.comma()

	// Parse input sources.
	err = p.list(func() error {
		src, err := p.string()
		if err != nil {
			return err
		}
		srcPath, err := ParsePath(src)
		if err != nil {
			return err
		}
		drv.InputSources.Add(srcPath)
		return nil
	})
	if err != nil {
		return fmt.Errorf("parse %s derivation: input sources: %v", drv.Name, err)
	}
	p.comma()

	// Parse system and builder.
	if drv.System, err = p.string(); err != nil {
		return fmt.Errorf("parse %s derivation: system: %v", drv.Name, err)
	}
	p.comma()
	if drv.Builder, err = p.string(); err != nil {
		return fmt.Errorf("parse %s derivation: builder: %v", drv.Name, err)
	}
	p.comma()

	// Parse builder arguments.
	err = p.list(func() error {
		arg, err := p.string()
		if err != nil {
			return err
		}
		drv.Args = append(drv.Args, arg)
		return nil
	})
	if err != nil {
		return fmt.Errorf("parse %s derivation: builder args: %v", drv.Name, err)
	}
	p.comma()

	// Parse environment.
	drv.Env = make(map[string]string)
	err = p.list(func() error {
		if err := p.expect('('); err != nil {
			return err
		}
		k, err := p.string()
		if err != nil {
			return err
		}
		if _, exists := drv.Env[k]; exists {
			return fmt.Errorf("multiple entries for %s", k)
		}
		p.comma()
		v, err := p.string()
		if err != nil {
			return fmt.Errorf("%s: %v", k, err)
		}
		if err := p.expect(')'); err != nil {
			return fmt.Errorf("%s: %v", k, err)
		}
		drv.Env[k] = v
		return nil
	})
	if err != nil {
		return fmt.Errorf("parse %s derivation: env: %v", drv.Name, err)
	}

	if err := p.expect(')'); err != nil {
		return fmt.Errorf("parse %s derivation: %v", drv.Name, err)
	}
	return nil
}

// MarshalText converts the derivation to ATerm format.
func (drv *Derivation) MarshalText() ([]byte, error) {
	if drv.Name == "" {
		return nil, fmt.Errorf("marshal derivation: missing name")
	}

	var buf []byte
	buf = append(buf, "Derive(["...)
	for i, outName := range slices.Sorted(maps.Keys(drv.Outputs)) {
		if i > 0 {
			buf = append(buf, ',')
		}
		out := drv.Outputs[outName]
		buf = append(buf, '(')
		buf = appendATermString(buf, outName)
		buf = append(buf, ',')
		buf = appendATermString(buf, string(out.Path))
		buf = append(buf, ',')
		buf = appendATermString(buf, out.HashAlgo)
		buf = append(buf, ',')
		buf = appendATermString(buf, out.Hash)
		buf = append(buf, ')')
	}

	buf = append(buf, "],["...)
	for i, drvPath := range slices.Sorted(maps.Keys(drv.InputDerivations)) {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		buf = appendATermString(buf, string(drvPath))
		buf = append(buf, ",["...)
		for j, out := range slices.Collect(drv.InputDerivations[drvPath].Values()) {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = appendATermString(buf, out)
		}
		buf = append(buf, "])"...)
	}

	buf = append(buf, "],["...)
	first := true
	for src := range drv.InputSources.Values() {
		if !first {
			buf = append(buf, ',')
		}
		first = false
		buf = appendATermString(buf, string(src))
	}

	buf = append(buf, "],"...)
	buf = appendATermString(buf, drv.System)
	buf = append(buf, ',')
	buf = appendATermString(buf, drv.Builder)

	buf = append(buf, ",["...)
	for i, arg := range drv.Args {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = appendATermString(buf, arg)
	}

	buf = append(buf, "],["...)
	for i, k := range slices.Sorted(maps.Keys(drv.Env)) {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		buf = appendATermString(buf, k)
		buf = append(buf, ',')
		buf = appendATermString(buf, drv.Env[k])
		buf = append(buf, ')')
	}
	buf = append(buf, "])"...)

	return buf, nil
}

// atermParser reads the subset of the ASCII ATerm format used by derivations:
// double-quoted strings, lists, and tuples.
type atermParser struct {
	data []byte
	pos  int
}

func (p *atermParser) literal(s string) bool {
	if len(p.data)-p.pos < len(s) || string(p.data[p.pos:p.pos+len(s)]) != s {
		return false
	}
	p.pos += len(s)
	return true
}

func (p *atermParser) expect(c byte) error {
	if p.pos >= len(p.data) {
		return fmt.Errorf("unexpected end of input (expected %q)", c)
	}
	if p.data[p.pos] != c {
		return fmt.Errorf("unexpected %q (expected %q)", p.data[p.pos], c)
	}
	p.pos++
	return nil
}

// comma consumes a single comma if one is present.
func (p *atermParser) comma() {
	if p.pos < len(p.data) && p.data[p.pos] == ',' {
		p.pos++
	}
}

// list parses a bracketed, comma-separated list,
// calling elem at the start of each element.
func (p *atermParser) list(elem func() error) error {
	if err := p.expect('['); err != nil {
		return err
	}
	for first := true; ; first = false {
		if p.pos >= len(p.data) {
			return fmt.Errorf("unexpected end of input (expected ']')")
		}
		if p.data[p.pos] == ']' {
			p.pos++
			return nil
		}
		if !first {
			if err := p.expect(','); err != nil {
				return err
			}
		}
		if err := elem(); err != nil {
			return err
		}
	}
}

const maxATermStringLength = 1 << 20

func (p *atermParser) string() (string, error) {
	if err := p.expect('"'); err != nil {
		return "", err
	}
	var sb []byte
	for {
		if p.pos >= len(p.data) {
			return "", fmt.Errorf("unterminated string")
		}
		c := p.data[p.pos]
		p.pos++
		if c == '"' {
			return string(sb), nil
		}
		if len(sb) >= maxATermStringLength {
			return "", fmt.Errorf("string too large")
		}
		if c != '\\' {
			sb = append(sb, c)
			continue
		}
		if p.pos >= len(p.data) {
			return "", fmt.Errorf("unterminated escape sequence")
		}
		c = p.data[p.pos]
		p.pos++
		switch c {
		case '"', '\\':
			sb = append(sb, c)
		case 'n':
			sb = append(sb, '\n')
		case 'r':
			sb = append(sb, '\r')
		case 't':
			sb = append(sb, '\t')
		default:
			return "", fmt.Errorf("unknown escape sequence '\\%c'", c)
		}
	}
}

// appendATermString appends s to dst as an ATerm double-quoted string.
func appendATermString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for _, c := range []byte(s) {
		switch c {
		case '"', '\\':
			dst = append(dst, '\\', c)
		case '\n':
			dst = append(dst, `\n`...)
		case '\r':
			dst = append(dst, `\r`...)
		case '\t':
			dst = append(dst, `\t`...)
		default:
			dst = append(dst, c)
		}
	}
	return append(dst, '"')
}
