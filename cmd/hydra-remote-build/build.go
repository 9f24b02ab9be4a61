// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/spf13/cobra"
	"github.com/thufschmitt/hydra/internal/buildremote"
	"github.com/thufschmitt/hydra/internal/localstore"
	"github.com/thufschmitt/hydra/internal/serveconn"
	"github.com/thufschmitt/hydra/machine"
	"github.com/thufschmitt/hydra/store"
	"zombiezen.com/go/log"
)

type buildCmdOptions struct {
	machineName        string
	maxSilentTime      time.Duration
	buildTimeout       time.Duration
	maxLogSize         uint64
	repeats            uint64
	enforceDeterminism bool
	keepFailed         bool
}

func newBuildCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "build [options] DRVPATH",
		Short:                 "build a derivation on a remote machine",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(buildCmdOptions)
	c.Flags().StringVar(&opts.machineName, "machine", "", "`host` to build on (default: first eligible machine)")
	c.Flags().DurationVar(&opts.maxSilentTime, "max-silent-time", 0, "maximum `duration` without build output")
	c.Flags().DurationVar(&opts.buildTimeout, "timeout", 0, "maximum total build `duration`")
	c.Flags().Uint64Var(&opts.maxLogSize, "max-log-size", 0, "maximum build log size in `bytes`")
	c.Flags().Uint64Var(&opts.repeats, "repeats", 0, "`number` of extra rounds to check determinism")
	c.Flags().BoolVar(&opts.enforceDeterminism, "enforce-determinism", false, "treat differing rounds as a failure")
	c.Flags().BoolVar(&opts.keepFailed, "keep-failed", false, "keep the remote build directory on failure")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runBuild(cmd.Context(), g, opts, args[0])
	}
	return c
}

func runBuild(ctx context.Context, g *globalConfig, opts *buildCmdOptions, drvPathArg string) error {
	drvPath, err := store.ParsePath(drvPathArg)
	if err != nil {
		return err
	}
	if drvPath.Dir() != g.Directory {
		return fmt.Errorf("%s is outside the store %s", drvPath, g.Directory)
	}

	localStore := localstore.Open(g.Directory, g.StoreDB, nil)
	defer func() {
		if err := localStore.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()
	drv, err := localStore.ReadDerivation(ctx, drvPath)
	if err != nil {
		return err
	}

	machines, err := loadMachines(g.MachinesFile)
	if err != nil {
		return err
	}
	m, err := pickMachine(machines, opts.machineName, drv.System)
	if err != nil {
		return err
	}
	log.Infof(ctx, "Building %s on %s", drvPath, m)

	dialer := new(serveconn.Dialer)
	builder := &buildremote.Builder{
		LocalStore: localStore,
		DestStore:  localStore,
		Dial: func(ctx context.Context, m *machine.Machine, logFile *os.File) (buildremote.Connection, error) {
			return dialer.Dial(ctx, m, logFile)
		},
		LogDir:        g.LogDir,
		MaxOutputSize: g.MaxOutputSize,
		CompressLog:   g.CompressLogs,
	}

	step := &buildremote.Step{DrvPath: drvPath, Derivation: drv}
	active := new(buildremote.ActiveStep)
	members := new(buildremote.NARMemberSet)
	report := func(state buildremote.StepState) {
		log.Infof(ctx, "%s on %s: %v", drvPath, m, state)
	}
	result, err := builder.Build(ctx, step, active, m, &buildremote.BuildOptions{
		MaxSilentTime:      opts.maxSilentTime,
		BuildTimeout:       opts.buildTimeout,
		MaxLogSize:         opts.maxLogSize,
		Repeats:            opts.repeats,
		EnforceDeterminism: opts.enforceDeterminism,
		KeepFailed:         opts.keepFailed,
	}, report, members)
	if err != nil {
		return err
	}
	if err := writeBuildReport(result); err != nil {
		return err
	}
	if result.Outcome != buildremote.OutcomeSuccess {
		if result.ErrorMsg != "" {
			return fmt.Errorf("build of %s %v: %s", drvPath, result.Outcome, result.ErrorMsg)
		}
		return fmt.Errorf("build of %s %v", drvPath, result.Outcome)
	}
	return nil
}

// pickMachine selects the machine to build on:
// the named one if name is not empty,
// otherwise the first healthy machine that supports the system type.
func pickMachine(machines []*machine.Machine, name, system string) (*machine.Machine, error) {
	if name != "" {
		for _, m := range machines {
			if m.SSHName == name {
				return m, nil
			}
		}
		return nil, fmt.Errorf("machine %s not found in machines file", name)
	}
	now := time.Now()
	for _, m := range machines {
		if m.SupportsSystem(system, nil) && m.Health().Enabled(now) {
			return m, nil
		}
	}
	return nil, fmt.Errorf("no enabled machine supports system type %s", system)
}

type buildReport struct {
	Outcome            string    `json:"outcome"`
	ErrorMsg           string    `json:"errorMsg,omitzero"`
	CanRetry           bool      `json:"canRetry"`
	CanCache           bool      `json:"canCache"`
	IsCached           bool      `json:"isCached"`
	StartTime          time.Time `json:"startTime,omitzero"`
	StopTime           time.Time `json:"stopTime,omitzero"`
	OverheadSeconds    float64   `json:"overheadSeconds"`
	TimesBuilt         uint64    `json:"timesBuilt,omitzero"`
	IsNonDeterministic bool      `json:"isNonDeterministic,omitzero"`
	LogFile            string    `json:"logFile,omitzero"`
	BytesSent          int64     `json:"bytesSent"`
	BytesReceived      int64     `json:"bytesReceived"`
}

func writeBuildReport(result *buildremote.RemoteResult) error {
	report := &buildReport{
		Outcome:            result.Outcome.String(),
		ErrorMsg:           result.ErrorMsg,
		CanRetry:           result.CanRetry,
		CanCache:           result.CanCache,
		IsCached:           result.IsCached,
		StartTime:          result.StartTime,
		StopTime:           result.StopTime,
		OverheadSeconds:    result.Overhead.Seconds(),
		TimesBuilt:         result.TimesBuilt,
		IsNonDeterministic: result.IsNonDeterministic,
		LogFile:            result.LogFile,
		BytesSent:          result.BytesSent,
		BytesReceived:      result.BytesReceived,
	}
	if err := jsonv2.MarshalWrite(os.Stdout, report); err != nil {
		return err
	}
	_, err := os.Stdout.WriteString("\n")
	return err
}
