// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

// Package machine describes the build machines of a build farm
// and tracks their health across concurrent build attempts.
package machine

import (
	"fmt"
	"slices"
	"strings"
)

// A Machine describes one remote build machine.
// A Machine is long-lived:
// it is created once at process start
// and shared by every concurrent build attempt that targets it.
// The mutable state lives in the machine's [Health] record and [Stats],
// both of which are safe for concurrent use.
type Machine struct {
	// SSHName is the host address used to reach the machine
	// (e.g. "builder1.example.com" or "ssh://root@10.0.0.7").
	SSHName string `json:"sshName"`
	// SSHKey is the path of the private key used to authenticate, if any.
	SSHKey string `json:"sshKey,omitempty"`
	// SystemTypes is the set of system tuples the machine can build for.
	SystemTypes []string `json:"systemTypes"`
	// SupportedFeatures is the set of features the machine offers.
	SupportedFeatures []string `json:"supportedFeatures,omitempty"`
	// MandatoryFeatures is the set of features a step must require
	// for this machine to accept it.
	MandatoryFeatures []string `json:"mandatoryFeatures,omitempty"`
	// MaxJobs is the number of builds the machine accepts concurrently.
	MaxJobs int `json:"maxJobs,omitempty"`
	// SpeedFactor weights the machine in scheduling decisions.
	SpeedFactor float64 `json:"speedFactor,omitempty"`

	health Health
	stats  Stats
}

// String returns the machine's host address.
func (m *Machine) String() string {
	return m.SSHName
}

// IsLocalhost reports whether the machine is the local host,
// in which case builds bypass the ssh transport.
func (m *Machine) IsLocalhost() bool {
	name := m.SSHName
	name = strings.TrimPrefix(name, "ssh://")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[i+1:]
	}
	return name == "localhost" || name == "127.0.0.1" || name == "::1"
}

// Health returns the machine's shared health record.
func (m *Machine) Health() *Health {
	return &m.health
}

// Stats returns the machine's running transfer counters.
func (m *Machine) Stats() *Stats {
	return &m.stats
}

// SupportsSystem reports whether the machine can build for the given system
// with the given set of required features.
func (m *Machine) SupportsSystem(system string, requiredFeatures []string) bool {
	if !slices.Contains(m.SystemTypes, system) {
		return false
	}
	for _, f := range requiredFeatures {
		if !slices.Contains(m.SupportedFeatures, f) && !slices.Contains(m.MandatoryFeatures, f) {
			return false
		}
	}
	for _, f := range m.MandatoryFeatures {
		if !slices.Contains(requiredFeatures, f) {
			return false
		}
	}
	return true
}

// Validate checks that the machine descriptor is usable.
func (m *Machine) Validate() error {
	if m.SSHName == "" {
		return fmt.Errorf("machine has no host address")
	}
	if len(m.SystemTypes) == 0 {
		return fmt.Errorf("machine %s declares no system types", m.SSHName)
	}
	return nil
}
