// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

package store

import (
	"testing"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		path string

		want    Path
		wantErr bool

		dir           Directory
		base          string
		digest        string
		name          string
		isDerivation  bool
		derivationName string
	}{
		{
			path:    "",
			wantErr: true,
		},
		{
			path:    "foo",
			wantErr: true,
		},
		{
			path: "/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1",
			want: "/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1",

			dir:    "/nix/store",
			base:   "s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1",
			digest: "s66mzxpvicwk07gjbjfw9izjfa797vsw",
			name:   "hello-2.12.1",
		},
		{
			path: "/nix/store/ib3sh3pcz10wsmavxvkdbayhqivbghlq-hello-2.12.1.drv",
			want: "/nix/store/ib3sh3pcz10wsmavxvkdbayhqivbghlq-hello-2.12.1.drv",

			dir:            "/nix/store",
			base:           "ib3sh3pcz10wsmavxvkdbayhqivbghlq-hello-2.12.1.drv",
			digest:         "ib3sh3pcz10wsmavxvkdbayhqivbghlq",
			name:           "hello-2.12.1.drv",
			isDerivation:   true,
			derivationName: "hello-2.12.1",
		},
		{
			// Digest too short.
			path:    "/nix/store/abc-hello",
			wantErr: true,
		},
		{
			// 'e' is not in the digest alphabet.
			path:    "/nix/store/e66mzxpvicwk07gjbjfw9izjfa797vsw-hello",
			wantErr: true,
		},
		{
			// Missing name.
			path:    "/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw",
			wantErr: true,
		},
		{
			// Invalid name character.
			path:    "/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello world",
			wantErr: true,
		},
	}
	for _, test := range tests {
		got, err := ParsePath(test.path)
		if test.wantErr {
			if err == nil {
				t.Errorf("ParsePath(%q) = %q, <nil>; want error", test.path, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePath(%q): %v", test.path, err)
			continue
		}
		if got != test.want {
			t.Errorf("ParsePath(%q) = %q; want %q", test.path, got, test.want)
		}
		if gotDir := got.Dir(); gotDir != test.dir {
			t.Errorf("ParsePath(%q).Dir() = %q; want %q", test.path, gotDir, test.dir)
		}
		if gotBase := got.Base(); gotBase != test.base {
			t.Errorf("ParsePath(%q).Base() = %q; want %q", test.path, gotBase, test.base)
		}
		if gotDigest := got.Digest(); gotDigest != test.digest {
			t.Errorf("ParsePath(%q).Digest() = %q; want %q", test.path, gotDigest, test.digest)
		}
		if gotName := got.Name(); gotName != test.name {
			t.Errorf("ParsePath(%q).Name() = %q; want %q", test.path, gotName, test.name)
		}
		if gotIsDrv := got.IsDerivation(); gotIsDrv != test.isDerivation {
			t.Errorf("ParsePath(%q).IsDerivation() = %t; want %t", test.path, gotIsDrv, test.isDerivation)
		}
		if gotDrvName, ok := got.DerivationName(); ok != test.isDerivation || (ok && gotDrvName != test.derivationName) {
			t.Errorf("ParsePath(%q).DerivationName() = %q, %t; want %q, %t", test.path, gotDrvName, ok, test.derivationName, test.isDerivation)
		}
	}
}

func TestDirectoryParsePath(t *testing.T) {
	tests := []struct {
		dir     Directory
		path    string
		want    Path
		wantSub string
		wantErr bool
	}{
		{
			dir:  "/nix/store",
			path: "/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1",
			want: "/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1",
		},
		{
			dir:     "/nix/store",
			path:    "/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1/bin/hello",
			want:    "/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1",
			wantSub: "bin/hello",
		},
		{
			dir:     "/nix/store",
			path:    "/other/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1",
			wantErr: true,
		},
		{
			dir:     "/nix/store",
			path:    "/nix/store",
			wantErr: true,
		},
	}
	for _, test := range tests {
		got, gotSub, err := test.dir.ParsePath(test.path)
		if test.wantErr {
			if err == nil {
				t.Errorf("Directory(%q).ParsePath(%q) = %q, %q, <nil>; want error", test.dir, test.path, got, gotSub)
			}
			continue
		}
		if err != nil {
			t.Errorf("Directory(%q).ParsePath(%q): %v", test.dir, test.path, err)
			continue
		}
		if got != test.want || gotSub != test.wantSub {
			t.Errorf("Directory(%q).ParsePath(%q) = %q, %q; want %q, %q", test.dir, test.path, got, gotSub, test.want, test.wantSub)
		}
	}
}
