// Command cf-guest is the thin per-job subprocess spec §4.5 describes:
// it loads a parser, runs it against one input file, and streams the
// result back to the Worker over a local IPC socket. Real parser
// sources are opaque to this binary; when the materialized source isn't
// a recognized fixture configuration, it falls back to the CSV fixture
// parser so the execution fabric can be exercised without a real
// language runtime (spec §4.5's last bullet).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/casparianflow/flow/internal/catalogtypes"
	"github.com/casparianflow/flow/internal/guestshim"
	"github.com/casparianflow/flow/internal/logger"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "cf-guest: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("cf-guest", flag.ContinueOnError)
	input := fs.String("input", "", "absolute path to the input file")
	socket := fs.String("socket", "", "path to the worker's IPC unix socket")
	jobID := fs.String("job-id", "", "job id, for log correlation only")
	parser := fs.String("parser", "", "path to the materialized parser source")
	schemaPath := fs.String("schema", "", "path to the job's schema contract JSON file")
	debug := fs.Bool("debug", false, "enable debug-level logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *debug {
		logger.SetLevel(logger.LevelDebug)
	}

	if *input == "" || *socket == "" || *parser == "" || *schemaPath == "" {
		return fmt.Errorf("missing required flag: -input, -socket, -parser, and -schema are all required")
	}

	id, err := strconv.ParseInt(*jobID, 10, 64)
	if err != nil {
		return fmt.Errorf("parse -job-id %q: %w", *jobID, err)
	}

	schemaJSON, err := os.ReadFile(*schemaPath)
	if err != nil {
		return fmt.Errorf("read schema contract: %w", err)
	}
	var contract catalogtypes.SchemaContract
	if err := json.Unmarshal(schemaJSON, &contract); err != nil {
		return fmt.Errorf("parse schema contract: %w", err)
	}

	sourceBytes, err := os.ReadFile(*parser)
	if err != nil {
		return fmt.Errorf("read parser source: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return guestshim.Run(ctx, guestshim.Args{
		InputPath:      *input,
		SocketPath:     *socket,
		JobID:          id,
		ParserSource:   *parser,
		SchemaContract: contract,
	}, loadParser(sourceBytes))
}

// loadParser interprets the materialized parser source as a
// guestshim.FixtureParser JSON configuration. Real (non-fixture) parser
// source that isn't valid FixtureParser JSON falls back to the
// zero-value fixture, which reads input as the S1 happy-path CSV shape.
func loadParser(sourceBytes []byte) guestshim.FixtureParser {
	var cfg guestshim.FixtureParser
	if err := json.Unmarshal(sourceBytes, &cfg); err != nil {
		logger.Debug("cf-guest: parser source is not fixture JSON, using default CSV fixture: %v", err)
		return guestshim.FixtureParser{}
	}
	return cfg
}
