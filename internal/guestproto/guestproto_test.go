package guestproto

import (
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundTripBatch(t *testing.T) {
	var buf bytes.Buffer
	batch := Batch{
		Columns:  map[string][]any{"amount": {1.5, 2.25}},
		RowCount: 2,
	}
	if err := WriteFrame(&buf, KindBatch, batch); err != nil {
		t.Fatal(err)
	}

	kind, body, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if kind != KindBatch {
		t.Fatalf("expected BATCH, got %s", kind)
	}
	got, err := DecodeBatch(body)
	if err != nil {
		t.Fatal(err)
	}
	if got.RowCount != 2 || len(got.Columns["amount"]) != 2 {
		t.Fatalf("unexpected batch: %+v", got)
	}
}

func TestWriteReadFrameConcludeGuest(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, KindConcludeGuest, ConcludeGuest{Outcome: "failed", ErrorKind: "parser_error", Message: "boom"}); err != nil {
		t.Fatal(err)
	}
	kind, body, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if kind != KindConcludeGuest {
		t.Fatalf("expected CONCLUDE_GUEST, got %s", kind)
	}
	got, err := DecodeConcludeGuest(body)
	if err != nil {
		t.Fatal(err)
	}
	if got.Outcome != "failed" || got.ErrorKind != "parser_error" {
		t.Fatalf("unexpected conclude frame: %+v", got)
	}
}

func TestMultipleFramesSequentialOnSameStream(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, KindProgress, Progress{RowsEmitted: 10, BytesRead: 1024}); err != nil {
		t.Fatal(err)
	}
	if err := WriteFrame(&buf, KindBatch, Batch{Columns: map[string][]any{"a": {1}}, RowCount: 1}); err != nil {
		t.Fatal(err)
	}

	kind1, body1, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if kind1 != KindProgress {
		t.Fatalf("expected PROGRESS first, got %s", kind1)
	}
	p, err := DecodeProgress(body1)
	if err != nil {
		t.Fatal(err)
	}
	if p.RowsEmitted != 10 {
		t.Fatalf("unexpected progress: %+v", p)
	}

	kind2, _, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if kind2 != KindBatch {
		t.Fatalf("expected BATCH second, got %s", kind2)
	}
}
