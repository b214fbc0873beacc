// Package guestshim is the thin, stateless runtime spec §4.5 describes:
// a process the Worker spawns per job, which loads a parser, runs it
// against the input file, and streams its output back over a local IPC
// socket as framed record batches.
//
// Real parser sources are opaque to Casparian Flow (they are whatever
// language the registering team authored them in); this package also
// hosts the fixture parser spec §4.5's last bullet requires, so the
// execution fabric can be exercised end-to-end without one.
package guestshim

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/casparianflow/flow/internal/catalogtypes"
	"github.com/casparianflow/flow/internal/guestproto"
	"github.com/casparianflow/flow/internal/logger"
)

// Args are the guest's command-line contract, per spec §4.5: absolute
// input path, IPC endpoint, job id, parser source path, schema contract.
type Args struct {
	InputPath      string
	SocketPath     string
	JobID          int64
	ParserSource   string
	SchemaContract catalogtypes.SchemaContract
}

// Parser is the entry point every parser — real or fixture — implements.
// Run streams rows by calling emit for each one; returning a non-nil
// error fails the job with kind parser_error.
type Parser interface {
	Run(ctx context.Context, inputPath string, contract catalogtypes.SchemaContract, emit func(guestproto.Batch) error) error
}

// Run dials the worker's IPC socket, executes parser against args, and
// reports the outcome as a CONCLUDE_GUEST frame. It never returns an
// error for a parser failure — that is reported over the wire instead —
// only for IPC setup failures the worker needs to see as a crash.
func Run(ctx context.Context, args Args, parser Parser) error {
	conn, err := net.Dial("unix", args.SocketPath)
	if err != nil {
		return fmt.Errorf("connect to worker socket: %w", err)
	}
	defer conn.Close()

	var (
		rowsEmitted int64
		lastReport  = time.Now()
	)
	emit := func(batch guestproto.Batch) error {
		if err := guestproto.WriteFrame(conn, guestproto.KindBatch, batch); err != nil {
			return fmt.Errorf("write batch: %w", err)
		}
		rowsEmitted += int64(batch.RowCount)
		if time.Since(lastReport) > time.Second {
			_ = guestproto.WriteFrame(conn, guestproto.KindProgress, guestproto.Progress{
				RowsEmitted: rowsEmitted,
			})
			lastReport = time.Now()
		}
		return nil
	}

	runErr := parser.Run(ctx, args.InputPath, args.SchemaContract, emit)

	conclude := guestproto.ConcludeGuest{Outcome: "succeeded"}
	if runErr != nil {
		conclude = guestproto.ConcludeGuest{
			Outcome:   "failed",
			ErrorKind: string(catalogtypes.ErrParserError),
			Message:   runErr.Error(),
		}
	}
	if err := guestproto.WriteFrame(conn, guestproto.KindConcludeGuest, conclude); err != nil {
		return fmt.Errorf("write conclude: %w", err)
	}
	logger.Debug("guest: job %d concluded %s (%d rows)", args.JobID, conclude.Outcome, rowsEmitted)
	return nil
}
