// Package worker implements spec §4.4: the long-lived session with the
// Coordinator, the per-parser environment cache, job execution via a
// spawned guest subprocess, and lineage-stamped sink writes.
package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/casparianflow/flow/internal/logger"
	"github.com/casparianflow/flow/internal/protocol"
)

// Config carries the worker.* keys of spec §6.6.
type Config struct {
	WorkerID            string
	Capabilities        []string
	HeartbeatInterval   time.Duration // worker.heartbeat_interval_ms, default 3s
	MaxInFlightJobs     int           // worker.max_inflight_jobs, default 1
	EnvDir              string        // worker.env_dir
	GuestIdleTimeout    time.Duration // worker.guest_idle_timeout_ms, default 60s
	GuestStartupTimeout time.Duration // worker.guest_startup_timeout_ms, default 10s
	WorkDir             string        // root for per-job temp dirs and materialized parser sources
	GuestBinary         string        // path to the cf-guest executable
	CancelGrace         time.Duration // grace period before SIGKILL, default 5s
	DefaultRowGroupRows int           // sinks.default_row_group_rows, default 100_000
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 3 * time.Second
	}
	if c.MaxInFlightJobs <= 0 {
		c.MaxInFlightJobs = 1
	}
	if c.GuestIdleTimeout <= 0 {
		c.GuestIdleTimeout = 60 * time.Second
	}
	if c.GuestStartupTimeout <= 0 {
		c.GuestStartupTimeout = 10 * time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 5 * time.Second
	}
	if c.WorkDir == "" {
		c.WorkDir = os.TempDir()
	}
	if c.EnvDir == "" {
		c.EnvDir = c.WorkDir
	}
	if c.DefaultRowGroupRows <= 0 {
		c.DefaultRowGroupRows = 100_000
	}
	return c
}

// Worker is a single connected session to the Coordinator. One Worker
// handles exactly one net.Conn at a time via Run.
type Worker struct {
	cfg     Config
	env     *EnvCache
	parsers *parserStore

	conn    net.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	active map[int64]*jobRun
}

// New creates a Worker. Call Run once per Coordinator connection.
func New(cfg Config) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		cfg:     cfg,
		env:     NewEnvCache(cfg.EnvDir),
		parsers: newParserStore(cfg.WorkDir),
		active:  make(map[int64]*jobRun),
	}
}

type jobRun struct {
	id     int64
	cancel context.CancelFunc
}

func (w *Worker) send(opcode protocol.Opcode, jobID uint64, payload any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return protocol.WriteFrame(w.conn, opcode, jobID, payload)
}

// Run drives one worker session over conn: sends IDENTIFY, starts the
// heartbeat loop, and dispatches incoming frames until the connection
// closes or ctx is cancelled.
func (w *Worker) Run(ctx context.Context, conn net.Conn) error {
	w.conn = conn
	if err := w.send(protocol.OpIdentify, 0, protocol.IdentifyPayload{
		WorkerID:     w.cfg.WorkerID,
		Capabilities: w.cfg.Capabilities,
	}); err != nil {
		return fmt.Errorf("send IDENTIFY: %w", err)
	}

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go w.heartbeatLoop(hbCtx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		h, body, err := protocol.ReadFrame(conn)
		if err != nil {
			return fmt.Errorf("session ended: %w", err)
		}
		w.handleFrame(ctx, h, body)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			inFlight := len(w.active)
			w.mu.Unlock()
			if err := w.send(protocol.OpHeartbeat, 0, protocol.HeartbeatPayload{
				TS:       time.Now().Unix(),
				InFlight: inFlight,
			}); err != nil {
				logger.Error("worker: send heartbeat: %v", err)
			}
		}
	}
}

func (w *Worker) handleFrame(ctx context.Context, h protocol.Header, body []byte) {
	switch h.Opcode {
	case protocol.OpDispatch:
		w.handleDispatch(ctx, h, body)
	case protocol.OpAbort:
		w.handleAbort(int64(h.JobID))
	case protocol.OpPrepareEnv:
		w.handlePrepareEnv(h, body)
	case protocol.OpDeploy:
		w.handleDeploy(h, body)
	case protocol.OpReload:
		logger.Debug("worker: RELOAD received")
	case protocol.OpErr:
		var e protocol.ErrPayload
		_ = protocol.DecodePayload(body, &e)
		logger.Error("worker: coordinator reported %s: %s", e.Kind, e.Message)
	default:
		logger.Debug("worker: unhandled opcode %s", h.Opcode)
	}
}

func (w *Worker) handleDispatch(ctx context.Context, h protocol.Header, body []byte) {
	var d protocol.DispatchPayload
	if err := protocol.DecodePayload(body, &d); err != nil {
		logger.Error("worker: decode DISPATCH: %v", err)
		return
	}
	jobID := int64(h.JobID)

	w.mu.Lock()
	if len(w.active) >= w.cfg.MaxInFlightJobs {
		w.mu.Unlock()
		if err := w.send(protocol.OpReceipt, h.JobID, protocol.ReceiptPayload{
			Accepted: false, Reason: "worker at capacity",
		}); err != nil {
			logger.Error("worker: send RECEIPT for job %d: %v", jobID, err)
		}
		return
	}
	jobCtx, cancel := context.WithCancel(ctx)
	w.active[jobID] = &jobRun{id: jobID, cancel: cancel}
	w.mu.Unlock()

	if err := w.send(protocol.OpReceipt, h.JobID, protocol.ReceiptPayload{Accepted: true}); err != nil {
		logger.Error("worker: send RECEIPT for job %d: %v", jobID, err)
	}

	go func() {
		result := w.executeJob(jobCtx, jobID, d)
		w.mu.Lock()
		delete(w.active, jobID)
		w.mu.Unlock()
		if err := w.send(protocol.OpConclude, h.JobID, result); err != nil {
			logger.Error("worker: send CONCLUDE for job %d: %v", jobID, err)
		}
	}()
}

func (w *Worker) handleAbort(jobID int64) {
	w.mu.Lock()
	run, ok := w.active[jobID]
	w.mu.Unlock()
	if ok {
		run.cancel()
	}
}
