package guestshim

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/casparianflow/flow/internal/catalogtypes"
	"github.com/casparianflow/flow/internal/guestproto"
)

func csvContract() catalogtypes.SchemaContract {
	return catalogtypes.SchemaContract{Columns: []catalogtypes.SchemaColumn{
		{Name: "a", LogicalType: catalogtypes.TypeInt64},
		{Name: "b", LogicalType: catalogtypes.TypeInt64},
	}}
}

func collectBatches(t *testing.T, p Parser, inputPath string, contract catalogtypes.SchemaContract) ([]guestproto.Batch, error) {
	t.Helper()
	var batches []guestproto.Batch
	err := p.Run(context.Background(), inputPath, contract, func(b guestproto.Batch) error {
		batches = append(batches, b)
		return nil
	})
	return batches, err
}

func TestFixtureParserHappyPathEmitsTwoRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.csv")
	if err := os.WriteFile(path, []byte("a,b\n1,2\n3,4\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	batches, err := collectBatches(t, FixtureParser{}, path, csvContract())
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 2 {
		t.Fatalf("expected 2 data rows, got %d batches: %+v", len(batches), batches)
	}
	if batches[0].Columns["a"][0] != int64(1) || batches[0].Columns["b"][0] != int64(2) {
		t.Fatalf("unexpected first row: %+v", batches[0])
	}
}

func TestFixtureParserCollisionModeEmitsReservedColumn(t *testing.T) {
	batches, err := collectBatches(t, FixtureParser{Mode: FixtureModeCollision}, "", csvContract())
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	if _, ok := batches[0].Columns["_cf_job_id"]; !ok {
		t.Fatal("expected collision batch to contain _cf_job_id")
	}
}

func TestFixtureParserErrorModeReturnsConfiguredMessage(t *testing.T) {
	_, err := collectBatches(t, FixtureParser{Mode: FixtureModeError, ErrorMessage: "boom"}, "", csvContract())
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected configured error message, got %v", err)
	}
}

func TestFixtureParserSlowModeRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := (FixtureParser{Mode: FixtureModeSlow, SleepSeconds: 30}).Run(ctx, "", csvContract(), func(guestproto.Batch) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFixtureParserDeterministicModeEmitsExactRowCount(t *testing.T) {
	batches, err := collectBatches(t, FixtureParser{Mode: FixtureModeDeterministic, Rows: 5}, "", csvContract())
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 5 {
		t.Fatalf("expected 5 rows, got %d", len(batches))
	}
}
