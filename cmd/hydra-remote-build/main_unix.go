// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

//go:build unix

package main

import (
	"os"

	"go4.org/xdgdir"
	"golang.org/x/sys/unix"
)

// reloadSignals make the status server reload its machines file.
var reloadSignals = []os.Signal{unix.SIGHUP}

func configDir() string {
	return xdgdir.Config.Path()
}
