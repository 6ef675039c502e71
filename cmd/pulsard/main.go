package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/bashhack/git-pulsar/internal/constants"
	"github.com/bashhack/git-pulsar/internal/daemon"
	"github.com/bashhack/git-pulsar/internal/logger"
	"github.com/bashhack/git-pulsar/internal/registry"
	"github.com/bashhack/git-pulsar/internal/systemprobe"
)

// version information, injected at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("pulsard %s (%s) built on %s\n", version, commit, date)
		return
	}

	log := logger.New(true, filepath.Join(registry.StateDir(), constants.DaemonLogFileName), false)
	defer func() {
		if err := log.Close(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", err)
		}
	}()

	reg := registry.New(registry.DefaultPath())
	probe := systemprobe.New()
	loop := daemon.New(reg, probe, log)

	ctx, cancel := setupSignalHandler()
	defer cancel()

	log.Info("pulsard starting (version=%s commit=%s)", version, commit)
	if err := loop.Run(ctx); err != nil {
		log.LogError("pulsard", err)
		os.Exit(1)
	}
	log.Info("pulsard stopped")
}

// setupSignalHandler builds a context canceled on SIGINT or SIGTERM. The
// daemon's own worker pool drains in response to context cancellation;
// there's no forced-kill fallback because every job already carries its
// own wall-clock timeout.
func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
