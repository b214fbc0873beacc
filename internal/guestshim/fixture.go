package guestshim

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/casparianflow/flow/internal/catalogtypes"
	"github.com/casparianflow/flow/internal/guestproto"
)

// FixtureMode selects the fixture parser's behavior, per spec §4.5's
// last bullet: "generate N deterministic rows; sleep N seconds; emit a
// reserved lineage column to trigger collision; raise a configured error."
type FixtureMode string

const (
	FixtureModeDeterministic FixtureMode = "deterministic"
	FixtureModeSlow          FixtureMode = "slow"
	FixtureModeCollision     FixtureMode = "collision"
	FixtureModeError         FixtureMode = "error"
)

// FixtureParser is the test parser the execution fabric exercises
// end-to-end with (scenarios S1-S3) instead of a real language runtime.
type FixtureParser struct {
	Mode FixtureMode
	// Rows is the row count for FixtureModeDeterministic. The CSV
	// happy-path default (Mode empty) ignores it and emits one row per
	// data line of the input.
	Rows int
	// SleepSeconds is the delay for FixtureModeSlow.
	SleepSeconds int
	// ErrorMessage is returned as the parser_error message for
	// FixtureModeError.
	ErrorMessage string
}

// Run implements Parser. For the happy path (Mode unset) it reads the
// input as a simple CSV whose fields map positionally onto the contract's
// columns, each parsed as that column's declared type, and emits each
// data row as its own one-row batch — enough to exercise S1 without a CSV-parsing
// dependency this fixture has no business owning.
func (f FixtureParser) Run(ctx context.Context, inputPath string, contract catalogtypes.SchemaContract, emit func(guestproto.Batch) error) error {
	switch f.Mode {
	case FixtureModeSlow:
		select {
		case <-time.After(time.Duration(f.SleepSeconds) * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	case FixtureModeCollision:
		return emit(guestproto.Batch{
			Columns: map[string][]any{
				"_cf_job_id": {int64(1)},
			},
			RowCount: 1,
		})

	case FixtureModeError:
		msg := f.ErrorMessage
		if msg == "" {
			msg = "fixture parser raised a configured error"
		}
		return fmt.Errorf("%s", msg)

	case FixtureModeDeterministic:
		return emitDeterministicRows(contract, f.Rows, emit)

	default:
		return emitFromCSV(inputPath, contract, emit)
	}
}

func emitDeterministicRows(contract catalogtypes.SchemaContract, n int, emit func(guestproto.Batch) error) error {
	for i := 0; i < n; i++ {
		row := make(map[string][]any, len(contract.Columns))
		for _, col := range contract.Columns {
			row[col.Name] = []any{deterministicValue(col.LogicalType, i)}
		}
		if err := emit(guestproto.Batch{Columns: row, RowCount: 1}); err != nil {
			return err
		}
	}
	return nil
}

func deterministicValue(t catalogtypes.LogicalType, i int) any {
	switch t {
	case catalogtypes.TypeInt64:
		return int64(i)
	case catalogtypes.TypeFloat64:
		return float64(i)
	case catalogtypes.TypeBool:
		return i%2 == 0
	default:
		return fmt.Sprintf("row-%d", i)
	}
}

// emitFromCSV parses a simple comma-separated input (no quoting; a first
// line detected by isHeaderLine as a header is skipped) and emits one
// batch per data row, positionally mapped onto
// contract.Columns in order — matching the S1 fixture input shape
// (`a,b\n1,2\n3,4\n`, schema `[(a:int64),(b:int64)]`).
func emitFromCSV(inputPath string, contract catalogtypes.SchemaContract, emit func(guestproto.Batch) error) error {
	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open fixture input: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			if isHeaderLine(line, contract) {
				continue
			}
		}
		fields := splitCSVLine(line)
		if len(fields) != len(contract.Columns) {
			continue
		}
		row := make(map[string][]any, len(fields))
		for i, col := range contract.Columns {
			row[col.Name] = []any{parseFieldValue(col.LogicalType, fields[i])}
		}
		if err := emit(guestproto.Batch{Columns: row, RowCount: 1}); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// isHeaderLine reports whether line looks like a column-name header
// rather than data, by checking whether its first field fails to parse
// as that column's declared type.
func isHeaderLine(line string, contract catalogtypes.SchemaContract) bool {
	fields := splitCSVLine(line)
	if len(fields) != len(contract.Columns) || len(fields) == 0 {
		return false
	}
	switch contract.Columns[0].LogicalType {
	case catalogtypes.TypeInt64:
		_, err := strconv.ParseInt(fields[0], 10, 64)
		return err != nil
	case catalogtypes.TypeFloat64:
		_, err := strconv.ParseFloat(fields[0], 64)
		return err != nil
	default:
		return false
	}
}

func splitCSVLine(line string) []string {
	var fields []string
	start := 0
	for i := 0; i <= len(line); i++ {
		if i == len(line) || line[i] == ',' {
			fields = append(fields, line[start:i])
			start = i + 1
		}
	}
	return fields
}

func parseFieldValue(t catalogtypes.LogicalType, raw string) any {
	switch t {
	case catalogtypes.TypeInt64:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return int64(0)
		}
		return v
	case catalogtypes.TypeFloat64:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return float64(0)
		}
		return v
	case catalogtypes.TypeBool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return false
		}
		return v
	default:
		return raw
	}
}
