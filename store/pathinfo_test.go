// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

package store

import (
	"slices"
	"testing"
)

const (
	pathA = Path("/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-a")
	pathB = Path("/nix/store/bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb-b")
	pathC = Path("/nix/store/cccccccccccccccccccccccccccccccc-c")
	pathD = Path("/nix/store/dddddddddddddddddddddddddddddddd-d")
)

func infoMap(refs map[Path][]Path) map[Path]*ValidPathInfo {
	infos := make(map[Path]*ValidPathInfo, len(refs))
	for path, pathRefs := range refs {
		info := &ValidPathInfo{StorePath: path}
		info.References.Add(pathRefs...)
		infos[path] = info
	}
	return infos
}

func TestSortByReferences(t *testing.T) {
	tests := []struct {
		name string
		refs map[Path][]Path

		wantErr bool
	}{
		{
			name: "Empty",
			refs: map[Path][]Path{},
		},
		{
			name: "Single",
			refs: map[Path][]Path{pathA: nil},
		},
		{
			name: "Chain",
			refs: map[Path][]Path{
				pathA: nil,
				pathB: {pathA},
				pathC: {pathB},
			},
		},
		{
			name: "Diamond",
			refs: map[Path][]Path{
				pathA: nil,
				pathB: {pathA},
				pathC: {pathA},
				pathD: {pathB, pathC},
			},
		},
		{
			name: "SelfReferenceIgnored",
			refs: map[Path][]Path{
				pathA: {pathA},
				pathB: {pathA, pathB},
			},
		},
		{
			name: "MissingReferenceIgnored",
			refs: map[Path][]Path{
				pathA: {pathD},
				pathB: {pathA, pathC},
			},
		},
		{
			name: "Cycle",
			refs: map[Path][]Path{
				pathA: {pathB},
				pathB: {pathA},
			},
			wantErr: true,
		},
		{
			name: "LongerCycle",
			refs: map[Path][]Path{
				pathA: {pathC},
				pathB: {pathA},
				pathC: {pathB},
			},
			wantErr: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			infos := infoMap(test.refs)
			got, err := SortByReferences(infos)
			if test.wantErr {
				if err == nil {
					t.Fatalf("SortByReferences(...) = %v, <nil>; want error", got)
				}
				return
			}
			if err != nil {
				t.Fatal("SortByReferences(...):", err)
			}
			if len(got) != len(infos) {
				t.Errorf("len(order) = %d; want %d", len(got), len(infos))
			}
			position := make(map[Path]int, len(got))
			for i, path := range got {
				if _, dup := position[path]; dup {
					t.Errorf("order contains %s twice", path)
				}
				if _, exists := infos[path]; !exists {
					t.Errorf("order contains %s, which is not in the map", path)
				}
				position[path] = i
			}
			// Every in-map reference must be imported before its referrer.
			for path, refs := range test.refs {
				for _, ref := range refs {
					if ref == path {
						continue
					}
					if _, inMap := test.refs[ref]; !inMap {
						continue
					}
					if position[ref] >= position[path] {
						t.Errorf("order %v places %s at %d, after its referrer %s at %d",
							got, ref, position[ref], path, position[path])
					}
				}
			}
		})
	}
}

func TestValidPathInfoReferencesOthers(t *testing.T) {
	info := &ValidPathInfo{StorePath: pathB}
	info.References.Add(pathA, pathB)
	got := slices.Collect(info.ReferencesOthers().Values())
	want := []Path{pathA}
	if !slices.Equal(got, want) {
		t.Errorf("ReferencesOthers() = %v; want %v", got, want)
	}
}
