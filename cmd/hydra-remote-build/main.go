// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "hydra-remote-build",
		Short:         "build-farm remote build executor",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := defaultGlobalConfig()
	if err := g.mergeFiles(configFiles()); err != nil {
		initLogging(false)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
	if err := g.mergeEnvironment(); err != nil {
		initLogging(false)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}

	rootCommand.PersistentFlags().Var((*storeDirectoryFlag)(&g.Directory), "store", "path to store `dir`ectory")
	rootCommand.PersistentFlags().StringVar(&g.StoreDB, "store-db", g.StoreDB, "`path` to store metadata database")
	rootCommand.PersistentFlags().StringVar(&g.LogDir, "log-dir", g.LogDir, "`dir`ectory to write build logs under")
	rootCommand.PersistentFlags().StringVar(&g.MachinesFile, "machines", g.MachinesFile, "`path` to machines file")
	showDebug := rootCommand.PersistentFlags().Bool("debug", g.Debug, "show debugging output")

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(*showDebug || g.Debug)
		return nil
	}

	rootCommand.AddCommand(
		newBuildCommand(g),
		newDumpCommand(g),
		newStatusCommand(g),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "hydra-remote-build: ", log.StdFlags, nil),
		})
	})
}
