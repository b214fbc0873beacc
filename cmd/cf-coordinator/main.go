// Command cf-coordinator implements spec §4.3: it accepts Worker
// connections, dispatches queued jobs to workers with capacity, and
// sweeps for stale jobs on an interval.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/casparianflow/flow/internal/catalog"
	"github.com/casparianflow/flow/internal/coordinator"
	"github.com/casparianflow/flow/internal/logger"
	"github.com/casparianflow/flow/internal/svcconfig"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "cf-coordinator: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("cf-coordinator", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the YAML runtime configuration file")
	listenAddr := fs.String("listen", ":7420", "address workers dial (tcp) or socket path (unix)")
	network := fs.String("network", "tcp", "listener network: tcp or unix")
	dispatchInterval := fs.Duration("dispatch-interval", 500*time.Millisecond, "how often to run a dispatch round")
	verbose := fs.Bool("verbose", false, "enable info-level logging")
	debug := fs.Bool("debug", false, "enable debug-level logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch {
	case *debug:
		logger.SetLevel(logger.LevelDebug)
	case *verbose:
		logger.SetLevel(logger.LevelInfo)
	}

	svc := svcconfig.Default()
	if *configPath != "" {
		loaded, err := svcconfig.Load(*configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		svc = loaded
	}

	cat, err := catalog.Open(svc.Catalog.URL)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer cat.Close()

	co := coordinator.New(cat, coordinator.Config{
		SweepInterval:  svc.SweepInterval(),
		LivenessWindow: svc.LivenessWindow(),
		RetryCeiling:   svc.Coordinator.RetryCeiling,
	})

	ln, err := net.Listen(*network, *listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s %s: %w", *network, *listenAddr, err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("cf-coordinator: received shutdown signal")
		cancel()
	}()

	go co.RunLivenessSweeps(ctx)
	go runDispatchLoop(ctx, co, *dispatchInterval)

	logger.Info("cf-coordinator: listening on %s %s", *network, *listenAddr)
	if err := co.Serve(ctx, ln); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func runDispatchLoop(ctx context.Context, co *coordinator.Coordinator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := co.DispatchOnce(ctx); err != nil {
				logger.Error("cf-coordinator: dispatch round: %v", err)
			}
		}
	}
}
