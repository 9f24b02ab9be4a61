// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	jsonv2 "github.com/go-json-experiment/json"
	"github.com/gorilla/handlers"
	"github.com/spf13/cobra"
	"github.com/thufschmitt/hydra/machine"
	"zombiezen.com/go/log"
)

func newStatusCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:           "status [options]",
		Short:         "serve machine health over HTTP",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	listenAddr := c.Flags().String("listen", "localhost:8194", "`address` to listen on")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context(), g, *listenAddr)
	}
	return c
}

func runStatus(ctx context.Context, g *globalConfig, listenAddr string) error {
	machines, err := loadMachines(g.MachinesFile)
	if err != nil {
		return err
	}
	srv := &statusServer{machines: machines}

	// Reload the machines file on SIGHUP so new machines can be added
	// without restarting.
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, reloadSignals...)
	defer signal.Stop(reload)
	go func() {
		for range reload {
			machines, err := loadMachines(g.MachinesFile)
			if err != nil {
				log.Errorf(ctx, "Reloading machines: %v", err)
				continue
			}
			srv.setMachines(machines)
			log.Infof(ctx, "Reloaded %d machine(s) from %s", len(machines), g.MachinesFile)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/status", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(srv.serveStatus),
		http.MethodHead: http.HandlerFunc(srv.serveStatus),
	})
	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: handlers.LoggingHandler(os.Stderr, mux),
	}
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Errorf(ctx, "Shutdown: %v", err)
		}
	}()

	log.Infof(ctx, "Serving status on http://%s/status", listenAddr)
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warnf(ctx, "systemd notify: %v", err)
	}
	err = httpServer.ListenAndServe()
	<-serverDone
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type statusServer struct {
	mu       sync.Mutex
	machines []*machine.Machine
}

func (srv *statusServer) setMachines(machines []*machine.Machine) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.machines = machines
}

type machineStatus struct {
	Name    string                 `json:"name"`
	Enabled bool                   `json:"enabled"`
	Health  machine.HealthSnapshot `json:"health"`
	Stats   machine.StatsSnapshot  `json:"stats"`
}

func (srv *statusServer) serveStatus(w http.ResponseWriter, r *http.Request) {
	srv.mu.Lock()
	machines := srv.machines
	srv.mu.Unlock()

	now := time.Now()
	statuses := make([]*machineStatus, 0, len(machines))
	for _, m := range machines {
		statuses = append(statuses, &machineStatus{
			Name:    m.SSHName,
			Enabled: m.Health().Enabled(now),
			Health:  m.Health().Snapshot(),
			Stats:   m.Stats().Snapshot(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := jsonv2.MarshalWrite(w, statuses); err != nil {
		log.Errorf(r.Context(), "Writing status response: %v", err)
	}
}
