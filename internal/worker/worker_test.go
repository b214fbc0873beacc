package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/casparianflow/flow/internal/catalogtypes"
	"github.com/casparianflow/flow/internal/guestproto"
	"github.com/casparianflow/flow/internal/lineage"
	"github.com/casparianflow/flow/internal/protocol"
	"github.com/casparianflow/flow/internal/sink"
)

func sampleContract() catalogtypes.SchemaContract {
	return catalogtypes.SchemaContract{Columns: []catalogtypes.SchemaColumn{
		{Name: "amount", LogicalType: catalogtypes.TypeFloat64},
	}}
}

func sampleStamp() lineage.Stamp {
	return lineage.Stamp{SourceHash: "fp1", JobID: 7, ParserVersion: "v1", ProcessedAt: time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)}
}

func openTestSink(t *testing.T) sink.Sink {
	t.Helper()
	dir := t.TempDir()
	s, err := sink.Open(catalogtypes.SinkSpec{Kind: catalogtypes.SinkCSV, PathTemplate: filepath.Join(dir, "{parser}-{job_id}.csv")}, 7, "p_amounts", "t1", time.Now(), sampleContract(), 0)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	return s
}

func TestEnvCachePrepareIsIdempotent(t *testing.T) {
	cache := NewEnvCache(t.TempDir())

	h1, cached1, err := cache.Prepare("p_amounts", []string{"b", "a"})
	if err != nil {
		t.Fatal(err)
	}
	if cached1 {
		t.Fatal("first Prepare should not report cached")
	}

	h2, cached2, err := cache.Prepare("p_amounts", []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if !cached2 {
		t.Fatal("second Prepare with the same dependency set should be cached")
	}
	if h1 != h2 {
		t.Fatalf("expected same env handle, got %s and %s", h1, h2)
	}
}

func TestEnvCachePrepareConcurrentDedup(t *testing.T) {
	cache := NewEnvCache(t.TempDir())

	var wg sync.WaitGroup
	handles := make([]string, 8)
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, _, err := cache.Prepare("p_amounts", []string{"x", "y"})
			handles[i] = h
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
		if handles[i] != handles[0] {
			t.Fatalf("goroutine %d got handle %s, want %s", i, handles[i], handles[0])
		}
	}
}

func TestEnvCachePrepareDifferentDependencySetsDiffer(t *testing.T) {
	cache := NewEnvCache(t.TempDir())

	h1, _, err := cache.Prepare("p_amounts", []string{"a"})
	if err != nil {
		t.Fatal(err)
	}
	h2, _, err := cache.Prepare("p_amounts", []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Fatal("different dependency sets should provision different env handles")
	}
}

func TestParserStoreMaterializeIsIdempotent(t *testing.T) {
	store := newParserStore(t.TempDir())
	source := []byte("def parse(): pass")

	p1, err := store.Materialize(source)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := store.Materialize(source)
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Fatalf("expected same materialized path, got %s and %s", p1, p2)
	}

	sum := sha256.Sum256(source)
	want, ok := store.Lookup(hex.EncodeToString(sum[:]))
	if !ok {
		t.Fatal("expected Lookup to find materialized hash")
	}
	if want != p1 {
		t.Fatalf("Lookup returned %s, want %s", want, p1)
	}
}

func TestRunGuestSessionSuccessPath(t *testing.T) {
	guest, worker := net.Pipe()
	defer guest.Close()

	s := openTestSink(t)
	waitErr := make(chan error, 1)

	go func() {
		_ = guestproto.WriteFrame(guest, guestproto.KindBatch, guestproto.Batch{
			Columns:  map[string][]any{"amount": {1.5, 2.5}},
			RowCount: 2,
		})
		_ = guestproto.WriteFrame(guest, guestproto.KindConcludeGuest, guestproto.ConcludeGuest{Outcome: "succeeded"})
	}()

	result := runGuestSession(context.Background(), worker, s, sampleContract(), sampleStamp(), time.Second, waitErr)
	if result.Outcome != catalogtypes.JobSucceeded {
		t.Fatalf("expected success, got outcome=%s kind=%s msg=%s", result.Outcome, result.ErrorKind, result.Message)
	}
	if result.RowCount != 2 {
		t.Fatalf("expected 2 rows written, got %d", result.RowCount)
	}
	if result.OutputPath == "" {
		t.Fatal("expected a non-empty output path")
	}
}

func TestRunGuestSessionSchemaViolation(t *testing.T) {
	guest, worker := net.Pipe()
	defer guest.Close()

	s := openTestSink(t)
	waitErr := make(chan error, 1)

	go func() {
		_ = guestproto.WriteFrame(guest, guestproto.KindBatch, guestproto.Batch{
			Columns:  map[string][]any{"not_in_contract": {1}},
			RowCount: 1,
		})
	}()

	result := runGuestSession(context.Background(), worker, s, sampleContract(), sampleStamp(), time.Second, waitErr)
	if result.Outcome != catalogtypes.JobFailed || result.ErrorKind != catalogtypes.ErrSchemaViolation {
		t.Fatalf("expected schema_violation failure, got outcome=%s kind=%s", result.Outcome, result.ErrorKind)
	}
}

func TestRunGuestSessionLineageCollision(t *testing.T) {
	guest, worker := net.Pipe()
	defer guest.Close()

	s := openTestSink(t)
	waitErr := make(chan error, 1)

	go func() {
		_ = guestproto.WriteFrame(guest, guestproto.KindBatch, guestproto.Batch{
			Columns:  map[string][]any{"amount": {1.0}, "_cf_job_id": {1}},
			RowCount: 1,
		})
	}()

	result := runGuestSession(context.Background(), worker, s, sampleContract(), sampleStamp(), time.Second, waitErr)
	if result.Outcome != catalogtypes.JobFailed || result.ErrorKind != catalogtypes.ErrLineageCollision {
		t.Fatalf("expected lineage_collision failure, got outcome=%s kind=%s", result.Outcome, result.ErrorKind)
	}
}

func TestRunGuestSessionNonSucceededConclude(t *testing.T) {
	guest, worker := net.Pipe()
	defer guest.Close()

	s := openTestSink(t)
	waitErr := make(chan error, 1)

	go func() {
		_ = guestproto.WriteFrame(guest, guestproto.KindConcludeGuest, guestproto.ConcludeGuest{
			Outcome:   "failed",
			ErrorKind: string(catalogtypes.ErrParserError),
			Message:   "boom",
		})
	}()

	result := runGuestSession(context.Background(), worker, s, sampleContract(), sampleStamp(), time.Second, waitErr)
	if result.Outcome != catalogtypes.JobFailed || result.ErrorKind != catalogtypes.ErrParserError {
		t.Fatalf("expected parser_error failure, got outcome=%s kind=%s", result.Outcome, result.ErrorKind)
	}
	if result.Message != "boom" {
		t.Fatalf("expected message to be propagated, got %q", result.Message)
	}
}

func TestRunGuestSessionCancellation(t *testing.T) {
	guest, worker := net.Pipe()
	defer guest.Close()

	s := openTestSink(t)
	waitErr := make(chan error, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := runGuestSession(ctx, worker, s, sampleContract(), sampleStamp(), time.Second, waitErr)
	if result.Outcome != catalogtypes.JobCancelled || result.ErrorKind != catalogtypes.ErrCancelled {
		t.Fatalf("expected cancelled outcome, got outcome=%s kind=%s", result.Outcome, result.ErrorKind)
	}
}

func TestRunGuestSessionIdleTimeout(t *testing.T) {
	guest, worker := net.Pipe()
	defer guest.Close()

	s := openTestSink(t)
	waitErr := make(chan error, 1)

	result := runGuestSession(context.Background(), worker, s, sampleContract(), sampleStamp(), 30*time.Millisecond, waitErr)
	if result.Outcome != catalogtypes.JobFailed || result.ErrorKind != catalogtypes.ErrGuestIdleTimeout {
		t.Fatalf("expected guest_idle_timeout failure, got outcome=%s kind=%s", result.Outcome, result.ErrorKind)
	}
}

func TestRunGuestSessionGuestExitsWithoutConclude(t *testing.T) {
	guest, worker := net.Pipe()

	s := openTestSink(t)
	waitErr := make(chan error, 1)
	waitErr <- nil
	guest.Close()

	result := runGuestSession(context.Background(), worker, s, sampleContract(), sampleStamp(), time.Second, waitErr)
	if result.Outcome != catalogtypes.JobFailed || result.ErrorKind != catalogtypes.ErrGuestCrashed {
		t.Fatalf("expected guest_crashed failure, got outcome=%s kind=%s", result.Outcome, result.ErrorKind)
	}
}

func TestHandlePrepareEnvRoundTrip(t *testing.T) {
	w := New(Config{WorkerID: "w1", EnvDir: t.TempDir()})
	client, server := net.Pipe()
	defer client.Close()
	w.conn = server

	go func() {
		_ = protocol.WriteFrame(client, protocol.OpPrepareEnv, 42, protocol.PrepareEnvPayload{
			ParserName:    "p_amounts",
			DependencySet: []string{"pandas==2.0"},
		})
	}()

	h, body, err := protocol.ReadFrame(client)
	if err != nil {
		t.Fatal(err)
	}

	w.handlePrepareEnv(h, body)

	replyH, replyBody, err := protocol.ReadFrame(client)
	if err != nil {
		t.Fatal(err)
	}
	if replyH.Opcode != protocol.OpEnvReady {
		t.Fatalf("expected ENV_READY, got %s", replyH.Opcode)
	}
	var ready protocol.EnvReadyPayload
	if err := protocol.DecodePayload(replyBody, &ready); err != nil {
		t.Fatal(err)
	}
	if ready.EnvHandle == "" {
		t.Fatal("expected a non-empty env handle")
	}
}

func TestHandleDeployMaterializesSource(t *testing.T) {
	w := New(Config{WorkerID: "w1", WorkDir: t.TempDir()})
	client, server := net.Pipe()
	defer client.Close()
	w.conn = server

	source := []byte("def parse(): pass")
	go func() {
		_ = protocol.WriteFrame(client, protocol.OpDeploy, 0, protocol.DeployPayload{
			ParserName:  "p_amounts",
			SourceBytes: source,
		})
	}()

	h, body, err := protocol.ReadFrame(client)
	if err != nil {
		t.Fatal(err)
	}
	w.handleDeploy(h, body)

	sum := sha256.Sum256(source)
	if _, ok := w.parsers.Lookup(hex.EncodeToString(sum[:])); !ok {
		t.Fatal("expected parser source to be materialized")
	}
}

func TestHandleDispatchRejectsWhenAtCapacity(t *testing.T) {
	w := New(Config{WorkerID: "w1", MaxInFlightJobs: 1})
	client, server := net.Pipe()
	defer client.Close()
	w.conn = server
	w.active[1] = &jobRun{id: 1, cancel: func() {}}

	go func() {
		_ = protocol.WriteFrame(client, protocol.OpDispatch, 2, protocol.DispatchPayload{ParserName: "p_amounts"})
	}()

	h, body, err := protocol.ReadFrame(client)
	if err != nil {
		t.Fatal(err)
	}
	w.handleDispatch(context.Background(), h, body)

	replyH, replyBody, err := protocol.ReadFrame(client)
	if err != nil {
		t.Fatal(err)
	}
	if replyH.Opcode != protocol.OpReceipt {
		t.Fatalf("expected RECEIPT, got %s", replyH.Opcode)
	}
	var receipt protocol.ReceiptPayload
	if err := protocol.DecodePayload(replyBody, &receipt); err != nil {
		t.Fatal(err)
	}
	if receipt.Accepted {
		t.Fatal("expected dispatch to be rejected when worker is at capacity")
	}
}

func TestHandleAbortCancelsActiveJob(t *testing.T) {
	w := New(Config{WorkerID: "w1"})
	var cancelled bool
	w.active[5] = &jobRun{id: 5, cancel: func() { cancelled = true }}

	w.handleAbort(5)

	if !cancelled {
		t.Fatal("expected ABORT to invoke the active job's cancel func")
	}
}
