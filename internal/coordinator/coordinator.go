// Package coordinator implements spec §4.3: the job state machine,
// tag-to-binding matching, the dispatch loop, liveness sweeping, and
// cancellation. The teacher has no direct analogue for a dispatcher —
// this package is new engineering grounded on the teacher's
// transactional-Catalog idiom (every transition goes through
// internal/catalog, never held in memory as the source of truth) and on
// githubnext-gh-aw's bounded conc/pool fan-out for the concurrent
// dispatch-to-many-workers loop.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/casparianflow/flow/internal/catalog"
	"github.com/casparianflow/flow/internal/catalogtypes"
	"github.com/casparianflow/flow/internal/logger"
	"github.com/casparianflow/flow/internal/protocol"
)

// Config controls timing, matching the coordinator.* keys of §6.6.
type Config struct {
	SweepInterval   time.Duration // default 10s
	LivenessWindow  time.Duration // default 15s
	RetryCeiling    int           // default 3
	DispatchWorkers int           // bound on concurrent DISPATCH sends per round, default 8
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = 15 * time.Second
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = 3
	}
	if c.DispatchWorkers <= 0 {
		c.DispatchWorkers = 8
	}
	return c
}

// Coordinator owns the set of connected worker sessions and drives the
// state machine described in spec §4.3.
type Coordinator struct {
	cat *catalog.Catalog
	cfg Config

	mu      sync.Mutex
	workers map[string]*workerSession
	jobLoc  map[int64]string // job id -> worker id currently running it
}

// New creates a Coordinator bound to cat.
func New(cat *catalog.Catalog, cfg Config) *Coordinator {
	return &Coordinator{
		cat:     cat,
		cfg:     cfg.withDefaults(),
		workers: make(map[string]*workerSession),
		jobLoc:  make(map[int64]string),
	}
}

type workerSession struct {
	id           string
	conn         net.Conn
	writeMu      sync.Mutex
	capabilities map[string]struct{}
	maxInFlight  int

	mu         sync.Mutex
	inFlight   int
	activeJobs map[int64]struct{}
	deployed   map[string]struct{} // source_hash values already sent via DEPLOY

	receiptWait sync.Mutex
	receipts    map[int64]chan protocol.ReceiptPayload
}

func newWorkerSession(id string, conn net.Conn, caps []string, maxInFlight int) *workerSession {
	capSet := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		capSet[c] = struct{}{}
	}
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &workerSession{
		id:           id,
		conn:         conn,
		capabilities: capSet,
		maxInFlight:  maxInFlight,
		activeJobs:   make(map[int64]struct{}),
		deployed:     make(map[string]struct{}),
		receipts:     make(map[int64]chan protocol.ReceiptPayload),
	}
}

// ensureDeployed sends DEPLOY for binding's source exactly once per
// worker session. The worker's per-connection frame loop (internal/worker
// Worker.Run) processes DEPLOY synchronously before reading the next
// frame, so a DEPLOY sent immediately ahead of DISPATCH on the same
// connection is guaranteed to have materialized the parser source by
// the time the worker acts on the dispatch (spec §6.3 row 10, spec.md
// line 318(c): a worker must have the parser source before executing a
// job bound to it).
func (w *workerSession) ensureDeployed(binding catalogtypes.ParserBinding) error {
	w.mu.Lock()
	_, already := w.deployed[binding.SourceHash]
	w.mu.Unlock()
	if already {
		return nil
	}
	if err := w.send(protocol.OpDeploy, 0, protocol.DeployPayload{
		ParserName:  binding.Name,
		SourceBytes: binding.SourceBytes,
	}); err != nil {
		return fmt.Errorf("send DEPLOY for %s@%s: %w", binding.Name, binding.SourceHash, err)
	}
	w.mu.Lock()
	w.deployed[binding.SourceHash] = struct{}{}
	w.mu.Unlock()
	return nil
}

func (w *workerSession) hasCapacity() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight < w.maxInFlight
}

func (w *workerSession) send(opcode protocol.Opcode, jobID uint64, payload any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return protocol.WriteFrame(w.conn, opcode, jobID, payload)
}

// Serve accepts connections on ln until ctx is cancelled, handling each
// as an independent worker session.
func (co *Coordinator) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept worker connection: %w", err)
			}
		}
		go co.handleConn(ctx, conn)
	}
}

func (co *Coordinator) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	h, body, err := protocol.ReadFrame(conn)
	if err != nil {
		if errors.Is(err, protocol.ErrVersionMismatch) {
			_ = protocol.WriteFrame(conn, protocol.OpErr, 0, protocol.ErrPayload{
				Kind:    catalogtypes.ErrProtocolError,
				Message: err.Error(),
			})
		}
		logger.Error("coordinator: session setup: %v", err)
		return
	}
	if h.Opcode != protocol.OpIdentify {
		_ = protocol.WriteFrame(conn, protocol.OpErr, 0, protocol.ErrPayload{
			Kind:    catalogtypes.ErrProtocolError,
			Message: fmt.Sprintf("expected IDENTIFY, got %s", h.Opcode),
		})
		return
	}
	var identify protocol.IdentifyPayload
	if err := protocol.DecodePayload(body, &identify); err != nil {
		logger.Error("coordinator: decode IDENTIFY: %v", err)
		return
	}

	session := newWorkerSession(identify.WorkerID, conn, identify.Capabilities, 1)
	co.mu.Lock()
	co.workers[session.id] = session
	co.mu.Unlock()
	defer co.removeWorker(session.id)

	if err := co.cat.RecordHeartbeat(session.id, time.Now(), session.capabilities); err != nil {
		logger.Error("coordinator: record heartbeat for %s: %v", session.id, err)
	}
	logger.Info("coordinator: worker %s connected", session.id)

	for {
		h, body, err := protocol.ReadFrame(conn)
		if err != nil {
			logger.Debug("coordinator: worker %s session ended: %v", session.id, err)
			co.reassignWorkerJobs(session.id)
			return
		}
		co.handleFrame(session, h, body)
	}
}

func (co *Coordinator) handleFrame(session *workerSession, h protocol.Header, body []byte) {
	switch h.Opcode {
	case protocol.OpHeartbeat:
		var hb protocol.HeartbeatPayload
		if err := protocol.DecodePayload(body, &hb); err != nil {
			logger.Error("coordinator: decode HEARTBEAT from %s: %v", session.id, err)
			return
		}
		if err := co.cat.RecordHeartbeat(session.id, time.Now(), session.capabilities); err != nil {
			logger.Error("coordinator: record heartbeat for %s: %v", session.id, err)
		}

	case protocol.OpReceipt:
		var r protocol.ReceiptPayload
		if err := protocol.DecodePayload(body, &r); err != nil {
			logger.Error("coordinator: decode RECEIPT from %s: %v", session.id, err)
			return
		}
		session.receiptWait.Lock()
		ch, ok := session.receipts[int64(h.JobID)]
		if ok {
			delete(session.receipts, int64(h.JobID))
		}
		session.receiptWait.Unlock()
		if ok {
			ch <- r
		}

	case protocol.OpConclude:
		var c protocol.ConcludePayload
		if err := protocol.DecodePayload(body, &c); err != nil {
			logger.Error("coordinator: decode CONCLUDE from %s: %v", session.id, err)
			return
		}
		co.concludeJob(session, int64(h.JobID), c)

	case protocol.OpEnvReady:
		logger.Debug("coordinator: worker %s env ready", session.id)

	case protocol.OpErr:
		var e protocol.ErrPayload
		_ = protocol.DecodePayload(body, &e)
		logger.Error("coordinator: worker %s reported %s: %s", session.id, e.Kind, e.Message)

	default:
		logger.Debug("coordinator: unhandled opcode %s from %s", h.Opcode, session.id)
	}
}

// concludeJob applies spec §7's retry policy: a failure in the
// retriable kind set is requeued (retry_count++) rather than recorded
// as terminal, up to the retry ceiling; everything else — success,
// cancellation, or a non-retriable/ceiling-exceeded failure — is a
// terminal ConcludeJob write.
func (co *Coordinator) concludeJob(session *workerSession, jobID int64, c protocol.ConcludePayload) {
	session.mu.Lock()
	delete(session.activeJobs, jobID)
	session.inFlight--
	session.mu.Unlock()

	co.mu.Lock()
	delete(co.jobLoc, jobID)
	co.mu.Unlock()

	now := time.Now()

	if c.Outcome == catalogtypes.JobFailed && c.ErrorKind.Retriable() {
		job, err := co.cat.GetJob(jobID)
		if err != nil {
			logger.Error("coordinator: reload job %d for retry: %v", jobID, err)
			return
		}
		if job.RetryCount < co.cfg.RetryCeiling {
			if err := co.cat.RetryJob(jobID, now); err != nil {
				logger.Error("coordinator: retry job %d: %v", jobID, err)
			}
			return
		}
		c.ErrorKind = catalogtypes.ErrExceededRetries
	}

	if err := co.cat.ConcludeJob(jobID, c.Outcome, c.ErrorKind, c.Message, c.OutputPath, c.RowCount, now); err != nil {
		logger.Error("coordinator: conclude job %d: %v", jobID, err)
	}
}

func (co *Coordinator) removeWorker(id string) {
	co.mu.Lock()
	delete(co.workers, id)
	co.mu.Unlock()
}

// reassignWorkerJobs handles a worker session that dropped without a
// clean CONCLUDE: its in-flight jobs are left running in the Catalog and
// will be picked up by the next sweep (spec §4.3 Liveness), the same
// path as a genuinely stalled worker (scenario S4).
func (co *Coordinator) reassignWorkerJobs(workerID string) {
	co.mu.Lock()
	defer co.mu.Unlock()
	for jobID, wid := range co.jobLoc {
		if wid == workerID {
			delete(co.jobLoc, jobID)
		}
	}
}

// Matching implements spec §4.3 Matching: on a file.tagged/file.retagged
// event, ensure a queued job exists for every ParserBinding subscribed to
// the file's tag.
func (co *Coordinator) Matching(fileID int64) error {
	_, err := co.cat.EnsureJobsForFile(fileID)
	return err
}

// DispatchOnce runs one round of the dispatch loop: for every worker
// with spare capacity, claim the next eligible job and send it a
// DISPATCH frame, bounded to cfg.DispatchWorkers concurrent sends.
func (co *Coordinator) DispatchOnce(ctx context.Context) error {
	co.mu.Lock()
	available := make([]*workerSession, 0, len(co.workers))
	for _, w := range co.workers {
		if w.hasCapacity() {
			available = append(available, w)
		}
	}
	co.mu.Unlock()
	if len(available) == 0 {
		return nil
	}

	p := pool.New().WithMaxGoroutines(co.cfg.DispatchWorkers).WithErrors()
	for _, w := range available {
		w := w
		p.Go(func() error {
			return co.dispatchToWorker(ctx, w)
		})
	}
	return p.Wait()
}

func (co *Coordinator) dispatchToWorker(ctx context.Context, w *workerSession) error {
	job, ok, err := co.cat.ClaimNextJob(w.id, time.Now())
	if err != nil {
		return fmt.Errorf("claim job for %s: %w", w.id, err)
	}
	if !ok {
		return nil
	}

	binding, err := co.cat.GetParserBinding(job.ParserBindingID)
	if err != nil {
		return fmt.Errorf("load binding for job %d: %w", job.ID, err)
	}
	file, err := co.cat.GetFile(job.FileID)
	if err != nil {
		return fmt.Errorf("load file for job %d: %w", job.ID, err)
	}

	if err := w.ensureDeployed(binding); err != nil {
		return fmt.Errorf("deploy parser for job %d: %w", job.ID, err)
	}

	w.mu.Lock()
	w.inFlight++
	w.activeJobs[job.ID] = struct{}{}
	w.mu.Unlock()
	co.mu.Lock()
	co.jobLoc[job.ID] = w.id
	co.mu.Unlock()

	receiptCh := make(chan protocol.ReceiptPayload, 1)
	w.receiptWait.Lock()
	w.receipts[job.ID] = receiptCh
	w.receiptWait.Unlock()

	dispatch := protocol.DispatchPayload{
		ParserName:     binding.Name,
		ParserVersion:  binding.SourceHash,
		SourceHash:     binding.SourceHash,
		DependencySet:  binding.Dependencies,
		InputPath:      filepath.Join(file.Root, file.RelPath),
		Tag:            file.Tag,
		SchemaContract: binding.Schema,
		SinkSpec: protocol.SinkSpecPayload{
			Kind:         binding.Sink.Kind,
			PathTemplate: binding.Sink.PathTemplate,
			Table:        binding.Sink.Table,
		},
	}
	if err := w.send(protocol.OpDispatch, uint64(job.ID), dispatch); err != nil {
		return fmt.Errorf("send DISPATCH for job %d: %w", job.ID, err)
	}

	select {
	case receipt := <-receiptCh:
		if !receipt.Accepted {
			return fmt.Errorf("worker %s rejected job %d: %s", w.id, job.ID, receipt.Reason)
		}
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("worker %s did not ack DISPATCH for job %d", w.id, job.ID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel implements spec §4.3 Cancellation: if jobID is currently
// running, send ABORT to the owning worker; the job transitions
// terminally only once that worker's CONCLUDE(cancelled) arrives.
func (co *Coordinator) Cancel(jobID int64) error {
	co.mu.Lock()
	workerID, ok := co.jobLoc[jobID]
	var w *workerSession
	if ok {
		w = co.workers[workerID]
	}
	co.mu.Unlock()
	if !ok || w == nil {
		return fmt.Errorf("cancel job %d: not currently running", jobID)
	}
	return w.send(protocol.OpAbort, uint64(jobID), nil)
}

// RunLivenessSweeps runs Catalog.sweep_stale on cfg.SweepInterval until
// ctx is cancelled (spec §4.3 Liveness).
func (co *Coordinator) RunLivenessSweeps(ctx context.Context) {
	ticker := time.NewTicker(co.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			orphaned, exceeded, err := co.cat.SweepStale(time.Now(), co.cfg.LivenessWindow, co.cfg.RetryCeiling)
			if err != nil {
				logger.Error("coordinator: sweep_stale: %v", err)
				continue
			}
			if orphaned > 0 || exceeded > 0 {
				logger.Info("coordinator: sweep requeued %d job(s), failed %d exceeding retry ceiling", orphaned, exceeded)
			}
		}
	}
}
