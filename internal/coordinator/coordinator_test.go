package coordinator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/casparianflow/flow/internal/catalog"
	"github.com/casparianflow/flow/internal/catalogtypes"
	"github.com/casparianflow/flow/internal/protocol"
)

func openTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Open(":memory:")
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func sampleBinding() catalogtypes.ParserBinding {
	return catalogtypes.ParserBinding{
		Name:        "p_billing",
		SourceHash:  "src1",
		SourceBytes: []byte("def parse(): pass"),
		Tags:        []string{"billing_csv"},
		Schema: catalogtypes.SchemaContract{Columns: []catalogtypes.SchemaColumn{
			{Name: "amount", LogicalType: catalogtypes.TypeFloat64},
		}},
		Sink: catalogtypes.SinkSpec{Kind: catalogtypes.SinkParquet, PathTemplate: "/out/{job_id}.parquet"},
	}
}

// queuedJob registers a binding, inserts a tagged file, and ensures a
// single queued job exists for it, returning that job's id.
func queuedJob(t *testing.T, cat *catalog.Catalog) int64 {
	t.Helper()
	if _, err := cat.RegisterParserBinding(sampleBinding()); err != nil {
		t.Fatal(err)
	}
	fileID, _, err := cat.UpsertFile("/root", "a.csv", 10, "fp1")
	if err != nil {
		t.Fatal(err)
	}
	if err := cat.ManualTag(fileID, "billing_csv"); err != nil {
		t.Fatal(err)
	}
	ids, err := cat.EnsureJobsForFile(fileID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 job, got %d", len(ids))
	}
	return ids[0]
}

func TestHandleConnRejectsVersionMismatch(t *testing.T) {
	cat := openTestCatalog(t)
	co := New(cat, Config{})

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		co.handleConn(context.Background(), server)
		close(done)
	}()

	var raw [protocol.HeaderSize]byte
	hdr := protocol.Header{Version: 0x03, Opcode: protocol.OpIdentify, JobID: 0, PayloadLen: 0}
	hdr.Encode(raw[:])
	if _, err := client.Write(raw[:]); err != nil {
		t.Fatal(err)
	}

	h, body, err := protocol.ReadFrame(client)
	if err != nil {
		t.Fatalf("read ERR frame: %v", err)
	}
	if h.Opcode != protocol.OpErr {
		t.Fatalf("expected ERR opcode, got %s", h.Opcode)
	}
	var errPayload protocol.ErrPayload
	if err := protocol.DecodePayload(body, &errPayload); err != nil {
		t.Fatal(err)
	}
	if errPayload.Kind != catalogtypes.ErrProtocolError {
		t.Fatalf("expected protocol_error kind, got %s", errPayload.Kind)
	}

	<-done
	if _, err := cat.GetWorkerRegistration("whatever"); err == nil {
		t.Fatal("expected no worker registration to persist after version mismatch")
	}
}

func TestDispatchOnceClaimsJobAndSendsDispatch(t *testing.T) {
	cat := openTestCatalog(t)
	co := New(cat, Config{})
	jobID := queuedJob(t, cat)

	client, server := net.Pipe()
	defer client.Close()

	identifyDone := make(chan struct{})
	go func() {
		co.handleConn(context.Background(), server)
	}()
	go func() {
		_ = protocol.WriteFrame(client, protocol.OpIdentify, 0, protocol.IdentifyPayload{WorkerID: "w1"})
		close(identifyDone)
	}()
	<-identifyDone

	// Wait for the session to register before dispatching.
	deadline := time.Now().Add(2 * time.Second)
	for {
		co.mu.Lock()
		_, ok := co.workers["w1"]
		co.mu.Unlock()
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker session never registered")
		}
		time.Sleep(time.Millisecond)
	}

	dispatchErrCh := make(chan error, 1)
	go func() {
		dispatchErrCh <- co.DispatchOnce(context.Background())
	}()

	deployH, deployBody, err := protocol.ReadFrame(client)
	if err != nil {
		t.Fatalf("read DEPLOY frame: %v", err)
	}
	if deployH.Opcode != protocol.OpDeploy {
		t.Fatalf("expected DEPLOY before DISPATCH, got %s", deployH.Opcode)
	}
	var deploy protocol.DeployPayload
	if err := protocol.DecodePayload(deployBody, &deploy); err != nil {
		t.Fatal(err)
	}
	if deploy.ParserName != "p_billing" || string(deploy.SourceBytes) != "def parse(): pass" {
		t.Fatalf("unexpected DEPLOY payload: %+v", deploy)
	}

	h, body, err := protocol.ReadFrame(client)
	if err != nil {
		t.Fatalf("read DISPATCH frame: %v", err)
	}
	if h.Opcode != protocol.OpDispatch {
		t.Fatalf("expected DISPATCH, got %s", h.Opcode)
	}
	if int64(h.JobID) != jobID {
		t.Fatalf("expected job id %d, got %d", jobID, h.JobID)
	}
	var dispatch protocol.DispatchPayload
	if err := protocol.DecodePayload(body, &dispatch); err != nil {
		t.Fatal(err)
	}
	if dispatch.ParserName != "p_billing" {
		t.Fatalf("unexpected parser name %q", dispatch.ParserName)
	}
	if dispatch.Tag != "billing_csv" {
		t.Fatalf("expected dispatch tag from file.Tag, got %q", dispatch.Tag)
	}

	if err := protocol.WriteFrame(client, protocol.OpReceipt, h.JobID, protocol.ReceiptPayload{Accepted: true}); err != nil {
		t.Fatal(err)
	}

	if err := <-dispatchErrCh; err != nil {
		t.Fatalf("DispatchOnce: %v", err)
	}

	job, err := cat.GetJob(jobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != catalogtypes.JobRunning {
		t.Fatalf("expected job running after claim, got %s", job.Status)
	}
}

func TestConcludeJobRetriesRetriableFailureUnderCeiling(t *testing.T) {
	cat := openTestCatalog(t)
	co := New(cat, Config{RetryCeiling: 3})
	jobID := queuedJob(t, cat)

	if _, _, err := cat.ClaimNextJob("w1", time.Now()); err != nil {
		t.Fatal(err)
	}

	session := newWorkerSession("w1", nil, nil, 1)
	session.activeJobs[jobID] = struct{}{}
	session.inFlight = 1

	co.concludeJob(session, jobID, protocol.ConcludePayload{
		Outcome:   catalogtypes.JobFailed,
		ErrorKind: catalogtypes.ErrGuestCrashed,
		Message:   "guest died",
	})

	job, err := cat.GetJob(jobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != catalogtypes.JobQueued {
		t.Fatalf("expected job requeued, got %s", job.Status)
	}
	if job.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", job.RetryCount)
	}
}

func TestConcludeJobFailsTerminallyAfterExceedingRetryCeiling(t *testing.T) {
	cat := openTestCatalog(t)
	co := New(cat, Config{RetryCeiling: 1})
	jobID := queuedJob(t, cat)

	// Exhaust the ceiling: claim, conclude-retry once (retry_count -> 1),
	// claim again, then conclude-retry a second time should hit the
	// ceiling and fail terminally.
	if _, _, err := cat.ClaimNextJob("w1", time.Now()); err != nil {
		t.Fatal(err)
	}
	session := newWorkerSession("w1", nil, nil, 1)
	co.concludeJob(session, jobID, protocol.ConcludePayload{
		Outcome:   catalogtypes.JobFailed,
		ErrorKind: catalogtypes.ErrGuestCrashed,
	})

	if _, _, err := cat.ClaimNextJob("w1", time.Now()); err != nil {
		t.Fatal(err)
	}
	co.concludeJob(session, jobID, protocol.ConcludePayload{
		Outcome:   catalogtypes.JobFailed,
		ErrorKind: catalogtypes.ErrGuestCrashed,
	})

	job, err := cat.GetJob(jobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != catalogtypes.JobFailed {
		t.Fatalf("expected terminal failure, got %s", job.Status)
	}
	if job.ErrorKind != catalogtypes.ErrExceededRetries {
		t.Fatalf("expected exceeded_retries kind, got %s", job.ErrorKind)
	}
}

func TestConcludeJobNonRetriableFailsImmediately(t *testing.T) {
	cat := openTestCatalog(t)
	co := New(cat, Config{RetryCeiling: 3})
	jobID := queuedJob(t, cat)

	if _, _, err := cat.ClaimNextJob("w1", time.Now()); err != nil {
		t.Fatal(err)
	}
	session := newWorkerSession("w1", nil, nil, 1)

	co.concludeJob(session, jobID, protocol.ConcludePayload{
		Outcome:   catalogtypes.JobFailed,
		ErrorKind: catalogtypes.ErrSchemaViolation,
		Message:   "bad schema",
	})

	job, err := cat.GetJob(jobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != catalogtypes.JobFailed {
		t.Fatalf("expected immediate terminal failure, got %s", job.Status)
	}
	if job.RetryCount != 0 {
		t.Fatalf("expected no retry for non-retriable kind, got retry_count=%d", job.RetryCount)
	}
}

func TestCancelSendsAbortToOwningWorker(t *testing.T) {
	cat := openTestCatalog(t)
	co := New(cat, Config{})
	jobID := queuedJob(t, cat)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	session := newWorkerSession("w1", server, nil, 1)
	co.mu.Lock()
	co.workers["w1"] = session
	co.jobLoc[jobID] = "w1"
	co.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- co.Cancel(jobID) }()

	h, _, err := protocol.ReadFrame(client)
	if err != nil {
		t.Fatalf("read ABORT frame: %v", err)
	}
	if h.Opcode != protocol.OpAbort {
		t.Fatalf("expected ABORT, got %s", h.Opcode)
	}
	if int64(h.JobID) != jobID {
		t.Fatalf("expected job id %d, got %d", jobID, h.JobID)
	}
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
}

func TestCancelUnknownJobReturnsError(t *testing.T) {
	cat := openTestCatalog(t)
	co := New(cat, Config{})
	if err := co.Cancel(999); err == nil {
		t.Fatal("expected error cancelling a job with no owning worker")
	}
}
