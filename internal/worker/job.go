package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/casparianflow/flow/internal/catalogtypes"
	"github.com/casparianflow/flow/internal/guestproto"
	"github.com/casparianflow/flow/internal/lineage"
	"github.com/casparianflow/flow/internal/logger"
	"github.com/casparianflow/flow/internal/protocol"
	"github.com/casparianflow/flow/internal/sink"
)

// executeJob runs one dispatched job to completion: spawns the guest
// subprocess, streams its batches into a sink with lineage stamping,
// and returns the CONCLUDE payload to report back to the Coordinator.
// It never returns an error itself — every failure mode is encoded in
// the returned ConcludePayload.
func (w *Worker) executeJob(ctx context.Context, jobID int64, d protocol.DispatchPayload) protocol.ConcludePayload {
	parserPath, ok := w.parsers.Lookup(d.SourceHash)
	if !ok {
		return failure(catalogtypes.ErrEnvPrepareFailed, fmt.Sprintf("parser source %s not deployed to this worker", d.SourceHash))
	}

	// Implicit preparation (spec §4.4 job execution step 2): a job whose
	// environment was never explicitly PREPARE_ENV'd ahead of time gets
	// it provisioned here, on the EnvCache's own idempotent/cached terms.
	if _, _, err := w.env.Prepare(d.ParserName, d.DependencySet); err != nil {
		return failure(catalogtypes.ErrEnvPrepareFailed, fmt.Sprintf("prepare env: %v", err))
	}

	jobDir := filepath.Join(w.cfg.WorkDir, "jobs", strconv.FormatInt(jobID, 10))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return failure(catalogtypes.ErrEnvPrepareFailed, fmt.Sprintf("create job dir: %v", err))
	}
	defer os.RemoveAll(jobDir)

	sockPath := filepath.Join(jobDir, "guest.sock")
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return failure(catalogtypes.ErrGuestStartupTimeout, fmt.Sprintf("listen for guest: %v", err))
	}
	defer ln.Close()

	now := time.Now()
	s, err := sink.Open(catalogtypes.SinkSpec{
		Kind:         d.SinkSpec.Kind,
		PathTemplate: d.SinkSpec.PathTemplate,
		Table:        d.SinkSpec.Table,
	}, jobID, d.ParserName, d.Tag, now, d.SchemaContract, w.cfg.DefaultRowGroupRows)
	if err != nil {
		return failure(catalogtypes.ErrSinkWriteFailed, fmt.Sprintf("open sink: %v", err))
	}

	cmd, err := w.spawnGuest(ctx, jobID, d, parserPath, sockPath)
	if err != nil {
		_ = s.Abort()
		return failure(catalogtypes.ErrGuestStartupTimeout, fmt.Sprintf("spawn guest: %v", err))
	}
	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()
	defer killGuest(cmd, w.cfg.CancelGrace)

	conn, err := acceptWithTimeout(ln, w.cfg.GuestStartupTimeout)
	if err != nil {
		_ = s.Abort()
		return failure(catalogtypes.ErrGuestStartupTimeout, err.Error())
	}
	defer conn.Close()

	stamp := lineage.Stamp{
		SourceHash:    d.SourceHash,
		JobID:         jobID,
		ParserVersion: d.ParserVersion,
		ProcessedAt:   now,
	}

	return runGuestSession(ctx, conn, s, d.SchemaContract, stamp, w.cfg.GuestIdleTimeout, waitErr)
}

func (w *Worker) spawnGuest(ctx context.Context, jobID int64, d protocol.DispatchPayload, parserPath, sockPath string) (*exec.Cmd, error) {
	schemaPath := sockPath + ".schema.json"
	schemaJSON, err := json.Marshal(d.SchemaContract)
	if err != nil {
		return nil, fmt.Errorf("marshal schema contract: %w", err)
	}
	if err := os.WriteFile(schemaPath, schemaJSON, 0o644); err != nil {
		return nil, fmt.Errorf("write schema file: %w", err)
	}

	// Plain exec.Command, not CommandContext: cancellation is handled
	// explicitly by killGuest (SIGTERM, then SIGKILL after a grace
	// period) rather than os/exec's default immediate-kill-on-cancel,
	// per spec §4.4's "polite first, forceful after grace".
	cmd := exec.Command(w.cfg.GuestBinary,
		"-input", d.InputPath,
		"-socket", sockPath,
		"-job-id", strconv.FormatInt(jobID, 10),
		"-parser", parserPath,
		"-schema", schemaPath,
	)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start guest: %w", err)
	}
	return cmd, nil
}

func acceptWithTimeout(ln net.Listener, timeout time.Duration) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("accept guest connection: %w", r.err)
		}
		return r.conn, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("guest did not connect within %s", timeout)
	}
}

// runGuestSession reads IPC frames from the guest until CONCLUDE_GUEST,
// a crash, an idle timeout, or cancellation (spec §4.4 Cancellation /
// Timeout). It owns the sink's lifetime: Close on success, Abort on any
// other outcome so no partial output is ever observable.
func runGuestSession(ctx context.Context, conn net.Conn, s sink.Sink, contract catalogtypes.SchemaContract, stamp lineage.Stamp, idleTimeout time.Duration, waitErr chan error) protocol.ConcludePayload {
	var rowsEmitted int64

	frames := make(chan guestFrame, 8)
	go readGuestFrames(conn, frames)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			logger.Debug("worker: set read deadline: %v", err)
		}

		select {
		case <-ctx.Done():
			_ = s.Abort()
			return protocol.ConcludePayload{Outcome: catalogtypes.JobCancelled, ErrorKind: catalogtypes.ErrCancelled}

		case err := <-waitErr:
			if err != nil {
				_ = s.Abort()
				return failure(catalogtypes.ErrGuestCrashed, fmt.Sprintf("guest exited: %v", err))
			}
			// The guest process exiting cleanly without a CONCLUDE_GUEST
			// frame is itself a crash from the worker's point of view.
			_ = s.Abort()
			return failure(catalogtypes.ErrGuestCrashed, "guest exited before CONCLUDE_GUEST")

		case f, ok := <-frames:
			if !ok {
				_ = s.Abort()
				return failure(catalogtypes.ErrGuestIdleTimeout, "guest connection closed without CONCLUDE_GUEST")
			}
			if f.err != nil {
				_ = s.Abort()
				kind := catalogtypes.ErrGuestCrashed
				if ne, ok := f.err.(net.Error); ok && ne.Timeout() {
					kind = catalogtypes.ErrGuestIdleTimeout
				}
				return failure(kind, f.err.Error())
			}
			switch f.kind {
			case guestproto.KindProgress:
				// Observability only; also resets the idle deadline above.

			case guestproto.KindBatch:
				batch, err := guestproto.DecodeBatch(f.body)
				if err != nil {
					_ = s.Abort()
					return failure(catalogtypes.ErrSchemaViolation, fmt.Sprintf("decode batch: %v", err))
				}
				if err := lineage.CheckCollision(batch.ColumnNames()); err != nil {
					_ = s.Abort()
					return failure(catalogtypes.ErrLineageCollision, err.Error())
				}
				if err := validateBatch(batch, contract); err != nil {
					_ = s.Abort()
					return failure(catalogtypes.ErrSchemaViolation, err.Error())
				}
				rows, err := writeBatchRows(s, batch, contract, stamp)
				if err != nil {
					_ = s.Abort()
					return failure(catalogtypes.ErrSinkWriteFailed, err.Error())
				}
				rowsEmitted += rows

			case guestproto.KindConcludeGuest:
				conclude, err := guestproto.DecodeConcludeGuest(f.body)
				if err != nil {
					_ = s.Abort()
					return failure(catalogtypes.ErrParserError, fmt.Sprintf("decode conclude: %v", err))
				}
				if conclude.Outcome != "succeeded" {
					_ = s.Abort()
					kind := catalogtypes.ErrParserError
					if conclude.ErrorKind != "" {
						kind = catalogtypes.ErrorKind(conclude.ErrorKind)
					}
					return failure(kind, conclude.Message)
				}
				outputPath, rowCount, err := s.Close()
				if err != nil {
					return failure(catalogtypes.ErrSinkWriteFailed, err.Error())
				}
				logger.Debug("worker: job concluded, %d rows staged, %d rows written to %s", rowsEmitted, rowCount, outputPath)
				return protocol.ConcludePayload{
					Outcome:    catalogtypes.JobSucceeded,
					OutputPath: outputPath,
					RowCount:   rowCount,
				}
			}
		}
	}
}

// writeBatchRows retried up to twice per spec §7's propagation policy:
// "worker-local retryable sink/IO errors are retried within the same
// job up to 2 times before reporting CONCLUDE(failed, retriable-kind)".
func writeBatchRows(s sink.Sink, batch guestproto.Batch, contract catalogtypes.SchemaContract, stamp lineage.Stamp) (int64, error) {
	var written int64
	for i := 0; i < batch.RowCount; i++ {
		row := make(sink.Row, len(contract.Columns))
		for _, col := range contract.Columns {
			values := batch.Columns[col.Name]
			if i < len(values) {
				row[col.Name] = values[i]
			}
		}
		var err error
		for attempt := 0; attempt <= 2; attempt++ {
			if err = sink.StampAndWrite(s, row, stamp); err == nil {
				break
			}
		}
		if err != nil {
			return written, fmt.Errorf("write row %d: %w", i, err)
		}
		written++
	}
	return written, nil
}

// validateBatch checks each column the guest emitted against the
// contract's declared logical type (spec §4.4: "the worker validates
// that the incoming schema matches the contract").
func validateBatch(batch guestproto.Batch, contract catalogtypes.SchemaContract) error {
	declared := make(map[string]catalogtypes.LogicalType, len(contract.Columns))
	for _, c := range contract.Columns {
		declared[c.Name] = c.LogicalType
	}
	for name, values := range batch.Columns {
		t, ok := declared[name]
		if !ok {
			return fmt.Errorf("%w: column %q is not part of the schema contract", errSchemaViolation, name)
		}
		for _, v := range values {
			if v == nil {
				continue
			}
			if !valueMatchesType(v, t) {
				return fmt.Errorf("%w: column %q expected %s, got %T", errSchemaViolation, name, t, v)
			}
		}
	}
	return nil
}

type schemaViolationError string

func (e schemaViolationError) Error() string { return string(e) }

const errSchemaViolation = schemaViolationError("schema_violation")

func valueMatchesType(v any, t catalogtypes.LogicalType) bool {
	switch t {
	case catalogtypes.TypeInt64:
		switch v.(type) {
		case int64, int, float64:
			return true
		}
		return false
	case catalogtypes.TypeFloat64:
		switch v.(type) {
		case float64, int64, int:
			return true
		}
		return false
	case catalogtypes.TypeBool:
		_, ok := v.(bool)
		return ok
	case catalogtypes.TypeString, catalogtypes.TypeBinary:
		_, ok := v.(string)
		return ok
	case catalogtypes.TypeTimestampMicros:
		switch v.(type) {
		case int64, float64:
			return true
		}
		return false
	default:
		return true
	}
}

func failure(kind catalogtypes.ErrorKind, msg string) protocol.ConcludePayload {
	return protocol.ConcludePayload{
		Outcome:   catalogtypes.JobFailed,
		ErrorKind: kind,
		Message:   msg,
	}
}

type guestFrame struct {
	kind guestproto.FrameKind
	body []byte
	err  error
}

func readGuestFrames(conn net.Conn, out chan<- guestFrame) {
	defer close(out)
	for {
		kind, body, err := guestproto.ReadFrame(conn)
		if err != nil {
			out <- guestFrame{err: err}
			return
		}
		out <- guestFrame{kind: kind, body: body}
	}
}

// killGuest sends SIGTERM and escalates to SIGKILL after grace if the
// process hasn't exited (spec §4.4 Cancellation: "polite first, forceful
// after a grace interval").
func killGuest(cmd *exec.Cmd, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	done := make(chan struct{})
	var exited atomic.Bool
	go func() {
		_, _ = cmd.Process.Wait()
		exited.Store(true)
		close(done)
	}()

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(grace):
		if !exited.Load() {
			_ = cmd.Process.Kill()
		}
	}
}
