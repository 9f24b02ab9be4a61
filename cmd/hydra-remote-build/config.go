// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/tailscale/hujson"
	"github.com/thufschmitt/hydra/machine"
	"github.com/thufschmitt/hydra/store"
)

type globalConfig struct {
	Debug        bool            `json:"debug"`
	Directory    store.Directory `json:"storeDirectory"`
	StoreDB      string          `json:"storeDB"`
	LogDir       string          `json:"logDir"`
	MachinesFile string          `json:"machinesFile"`
	// MaxOutputSize caps the total archive size of a step's outputs in bytes.
	MaxOutputSize int64 `json:"maxOutputSize"`
	// CompressLogs rewrites build logs as bzip2 after a build finishes.
	CompressLogs bool `json:"compressLogs"`
}

// defaultVarDir returns the directory mutable state lives under,
// "/nix/var/hydra" with the conventional store directory.
func defaultVarDir() string {
	return filepath.Join(filepath.Dir(string(store.DefaultDirectory)), "var", "hydra")
}

func defaultGlobalConfig() *globalConfig {
	return &globalConfig{
		Directory:    store.DefaultDirectory,
		StoreDB:      filepath.Join(defaultVarDir(), "store.db"),
		LogDir:       filepath.Join(defaultVarDir(), "build-logs"),
		MachinesFile: "/etc/hydra/machines.json",
	}
}

func (g *globalConfig) mergeEnvironment() error {
	if dir := os.Getenv("HYDRA_STORE_DIR"); dir != "" {
		storeDir, err := store.CleanDirectory(dir)
		if err != nil {
			return err
		}
		g.Directory = storeDir
	}
	if path := os.Getenv("HYDRA_STORE_DB"); path != "" {
		g.StoreDB = path
	}
	if dir := os.Getenv("HYDRA_LOG_DIR"); dir != "" {
		g.LogDir = dir
	}
	if path := os.Getenv("HYDRA_MACHINES"); path != "" {
		g.MachinesFile = path
	}
	return nil
}

func (g *globalConfig) mergeFiles(paths iter.Seq[string]) error {
	for path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, g, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}
	return nil
}

func configFiles() iter.Seq[string] {
	return func(yield func(string) bool) {
		if !yield("/etc/hydra/remote-build.json") {
			return
		}
		if dir := configDir(); dir != "" {
			if !yield(filepath.Join(dir, "hydra", "remote-build.json")) {
				return
			}
		}
	}
}

// loadMachines reads the machine list from the huJSON file at path.
func loadMachines(path string) ([]*machine.Machine, error) {
	huJSONData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load machines: %w", err)
	}
	jsonData, err := hujson.Standardize(huJSONData)
	if err != nil {
		return nil, fmt.Errorf("load machines %s: %v", path, err)
	}
	var machines []*machine.Machine
	if err := jsonv2.Unmarshal(jsonData, &machines); err != nil {
		return nil, fmt.Errorf("load machines %s: %v", path, err)
	}
	for _, m := range machines {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("load machines %s: %v", path, err)
		}
	}
	return machines, nil
}

type storeDirectoryFlag store.Directory

func (f *storeDirectoryFlag) Type() string { return "string" }

func (f *storeDirectoryFlag) String() string { return string(*f) }

func (f *storeDirectoryFlag) Set(s string) error {
	dir, err := store.CleanDirectory(s)
	if err != nil {
		return err
	}
	*f = storeDirectoryFlag(dir)
	return nil
}
