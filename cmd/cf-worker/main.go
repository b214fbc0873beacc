// Command cf-worker implements spec §4.4: it connects to a Coordinator,
// accepts dispatched jobs, spawns a guest subprocess per job, and streams
// lineage-stamped output into the job's sink.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/casparianflow/flow/internal/logger"
	"github.com/casparianflow/flow/internal/svcconfig"
	"github.com/casparianflow/flow/internal/worker"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "cf-worker: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("cf-worker", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the YAML runtime configuration file")
	coordinatorAddr := fs.String("coordinator", "127.0.0.1:7420", "coordinator address to dial (tcp) or socket path (unix)")
	network := fs.String("network", "tcp", "dial network: tcp or unix")
	workerID := fs.String("id", "", "stable worker identity (default: a generated uuid)")
	capabilities := fs.String("capabilities", "", "comma-separated capability tags this worker accepts")
	guestBinary := fs.String("guest-binary", "", "path to the cf-guest executable")
	workDir := fs.String("work-dir", "", "root directory for per-job temp dirs (default: os.TempDir())")
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

	id := *workerID
	if id == "" {
		id = uuid.NewString()
	}

	resolvedGuestBinary := *guestBinary
	if resolvedGuestBinary == "" {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve cf-guest binary: %w", err)
		}
		resolvedGuestBinary = filepath.Join(filepath.Dir(self), "cf-guest")
	}

	w := worker.New(worker.Config{
		WorkerID:            id,
		Capabilities:        splitNonEmpty(*capabilities),
		HeartbeatInterval:   svc.HeartbeatInterval(),
		MaxInFlightJobs:     svc.Worker.MaxInFlightJobs,
		EnvDir:              svc.Worker.EnvDir,
		GuestIdleTimeout:    svc.GuestIdleTimeout(),
		GuestStartupTimeout: svc.GuestStartupTimeout(),
		WorkDir:             *workDir,
		GuestBinary:         resolvedGuestBinary,
		DefaultRowGroupRows: svc.Sinks.DefaultRowGroupRows,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("cf-worker: received shutdown signal")
		cancel()
	}()

	conn, err := net.Dial(*network, *coordinatorAddr)
	if err != nil {
		return fmt.Errorf("dial coordinator %s %s: %w", *network, *coordinatorAddr, err)
	}
	defer conn.Close()

	logger.Info("cf-worker: %s connected to %s", id, *coordinatorAddr)
	if err := w.Run(ctx, conn); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("worker session: %w", err)
	}
	return nil
}

func splitNonEmpty(csv string) []string {
	if csv == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(csv, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
