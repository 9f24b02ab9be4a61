// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/thufschmitt/hydra/internal/localstore"
	"github.com/thufschmitt/hydra/store"
	"golang.org/x/term"
	"zombiezen.com/go/log"
)

func newDumpCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "dump [options] PATH",
		Short:                 "write a store path as an archive",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	outputPath := c.Flags().StringP("output", "o", "", "write archive to `file` instead of stdout")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runDump(cmd.Context(), g, *outputPath, args[0])
	}
	return c
}

func runDump(ctx context.Context, g *globalConfig, outputPath, pathArg string) error {
	path, err := store.ParsePath(pathArg)
	if err != nil {
		return err
	}
	var out io.Writer
	switch {
	case outputPath == "" && term.IsTerminal(int(os.Stdout.Fd())):
		return fmt.Errorf("refusing to write archive to a terminal (use --output or redirect)")
	case outputPath == "":
		out = os.Stdout
	default:
		f, err := os.Create(outputPath)
		if err != nil {
			return err
		}
		defer func() {
			if err := f.Close(); err != nil {
				log.Errorf(ctx, "%v", err)
			}
		}()
		out = f
	}

	localStore := localstore.Open(g.Directory, g.StoreDB, nil)
	defer func() {
		if err := localStore.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()
	return localStore.DumpPath(ctx, out, path)
}
