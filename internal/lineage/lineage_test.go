package lineage

import (
	"errors"
	"testing"
	"time"
)

func TestCheckCollisionDetectsReservedNames(t *testing.T) {
	err := CheckCollision([]string{"a", "b", "_cf_job_id"})
	if err == nil {
		t.Fatal("expected collision error")
	}
	if !errors.Is(err, ErrCollision) {
		t.Fatalf("expected ErrCollision, got %v", err)
	}
}

func TestCheckCollisionAllowsCleanColumns(t *testing.T) {
	if err := CheckCollision([]string{"a", "b", "c"}); err != nil {
		t.Fatalf("expected no collision, got %v", err)
	}
}

func TestStampColumnsOrderAndValues(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	s := Stamp{SourceHash: "abc", JobID: 42, ParserVersion: "v1", ProcessedAt: now}
	cols := s.Columns()
	if cols[0].Name != "_cf_source_hash" || cols[0].Value != "abc" {
		t.Fatalf("unexpected source hash column: %+v", cols[0])
	}
	if cols[1].Name != "_cf_job_id" || cols[1].Value != int64(42) {
		t.Fatalf("unexpected job id column: %+v", cols[1])
	}
	if cols[2].Name != "_cf_parser_version" || cols[2].Value != "v1" {
		t.Fatalf("unexpected parser version column: %+v", cols[2])
	}
	if cols[3].Name != "_cf_processed_at" {
		t.Fatalf("unexpected processed-at column: %+v", cols[3])
	}
}
